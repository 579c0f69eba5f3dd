// undeleterd - recovers deleted and edited messages from a SQLite-backed
// message store by reading its write-ahead log directly.
//
//	undeleterd run      Monitor the database and emit change events
//	undeleterd reseed   Rebuild the snapshot from the main database
//	undeleterd status   Show cursor position and snapshot counts
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/config"
	"undeleterd/internal/dispatch"
	"undeleterd/internal/logging"
	"undeleterd/internal/monitor"
	"undeleterd/internal/snapshot"
)

// Exit codes: 0 clean shutdown, 1 fatal error, 2 usage error.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "reseed":
		os.Exit(cmdReseed(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "help", "-h", "--help":
		usage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Println(`undeleterd - recover deleted and edited messages from a chat database

USAGE:
    undeleterd <command> [options]

COMMANDS:
    run         Monitor the database and emit change events
    reseed      Rebuild the snapshot from the main database file
    status      Show cursor position and snapshot counts
    help        Show this help message

OPTIONS (run, reseed, status):
    -config <path>   Configuration file (.toml, .yaml)
    -db <path>       Database path (overrides config)
    -state <path>    State file path (overrides config)`)
}

// loadConfig parses the shared flags and layers them over the config file,
// or the defaults when no file is given.
func loadConfig(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	dbPath := fs.String("db", "", "database path")
	statePath := fs.String("state", "", "state file path")
	fs.Parse(args)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *statePath != "" {
		cfg.State.Path = *statePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSinks assembles the configured event sinks.
func buildSinks(cfg *config.Config) ([]dispatch.Sink, error) {
	var sinks []dispatch.Sink
	if cfg.Outputs.Terminal {
		sinks = append(sinks, dispatch.NewTermSink(os.Stdout, cfg.Outputs.TerminalVerbose))
	}
	if cfg.Outputs.JSONPath != "" {
		s, err := dispatch.NewJSONSink(cfg.Outputs.JSONPath, cfg.Outputs.JSONPretty)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Outputs.SQLitePath != "" {
		s, err := dispatch.NewSQLiteSink(cfg.Outputs.SQLitePath, cfg.Retention())
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Outputs.WebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.Outputs.WebhookURL, cfg.Outputs.WebhookToken))
	}
	if cfg.Outputs.Notify {
		sinks = append(sinks, dispatch.NewNotifySink())
	}
	return sinks, nil
}

func cmdRun(args []string) int {
	cfg, err := loadConfig("run", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	log, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer closeLog()

	store, cold, reason := snapshot.Load(cfg.State.Path)
	if cold && reason != nil {
		log.Warn("starting cold", "state", cfg.State.Path, "reason", reason)
	}

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.Error("sink setup failed", "err", err)
		return exitFatal
	}
	disp := dispatch.New(sinks, cfg.DispatchTimeout(), log)
	defer disp.Close()

	mon, err := monitor.New(cfg, store, disp, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mon.Run(ctx); err != nil {
		log.Error("monitor stopped", "err", err)
		return exitFatal
	}
	log.Info("shutdown complete")
	return exitOK
}

func cmdReseed(args []string) int {
	cfg, err := loadConfig("reseed", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	log, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer closeLog()

	store, _, _ := snapshot.Load(cfg.State.Path)

	// A manual reseed rebuilds state only; no events are delivered.
	mon, err := monitor.New(cfg, store, nil, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		return exitFatal
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := mon.ForceReseed(ctx); err != nil {
		log.Error("reseed failed", "err", err)
		return exitFatal
	}
	cur := store.Cursor()
	fmt.Printf("reseeded: generation=%d frame=%d messages=%d attachments=%d handles=%d\n",
		cur.Generation, cur.FrameIndex,
		store.Len(chatdb.TableMessage),
		store.Len(chatdb.TableAttachment),
		store.Len(chatdb.TableHandle))
	return exitOK
}

func cmdStatus(args []string) int {
	cfg, err := loadConfig("status", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	store, cold, reason := snapshot.Load(cfg.State.Path)
	fmt.Printf("database: %s\n", cfg.Database.Path)
	fmt.Printf("state:    %s\n", cfg.State.Path)
	if cold {
		if reason != nil {
			fmt.Printf("snapshot: cold (%v)\n", reason)
		} else {
			fmt.Println("snapshot: cold (no state file)")
		}
		return exitOK
	}
	cur := store.Cursor()
	fmt.Printf("cursor:   generation=%d frame=%d ckpt_seq=%d salt=%08x/%08x\n",
		cur.Generation, cur.FrameIndex, cur.CkptSeq, cur.Salt1, cur.Salt2)
	for _, t := range chatdb.Tables {
		fmt.Printf("%-11s %d rows\n", t.String()+":", store.Len(t))
	}
	return exitOK
}
