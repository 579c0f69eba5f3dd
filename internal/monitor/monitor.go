// Package monitor runs the recovery loop: it polls the message store's WAL,
// decodes the pages each committed transaction rewrote, folds them into the
// snapshot through the diff engine, and hands the resulting change events to
// the dispatcher. One goroutine owns the whole cycle; the database itself is
// never locked or written.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/config"
	"undeleterd/internal/diff"
	"undeleterd/internal/dispatch"
	"undeleterd/internal/pagedec"
	"undeleterd/internal/race"
	"undeleterd/internal/snapshot"
	"undeleterd/internal/walread"
)

// AccessError reports that the main database file or the state file could
// not be reached. There is no useful way to continue without them, so the
// monitor treats this as fatal.
type AccessError struct {
	Path string
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access %s: %s", e.Path, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Monitor drives the poll/decode/diff/dispatch cycle.
type Monitor struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *snapshot.Store
	engine *diff.Engine
	race   *race.Handler
	disp   *dispatch.Dispatcher

	pages      *chatdb.PageMap
	dbPageSize uint32
	targets    map[string]bool

	stats Stats
}

// New prepares a monitor over the configured database. The snapshot store
// is the caller's (typically loaded from the state file); the dispatcher
// may be nil for passes that only rebuild state.
func New(cfg *config.Config, store *snapshot.Store, disp *dispatch.Dispatcher, log *slog.Logger) (*Monitor, error) {
	if log == nil {
		log = slog.Default()
	}
	pageSize, err := chatdb.PageSize(cfg.Database.Path)
	if err != nil {
		return nil, &AccessError{Path: cfg.Database.Path, Err: err}
	}
	targets := make(map[string]bool, len(cfg.Database.TargetContacts))
	for _, c := range cfg.Database.TargetContacts {
		targets[strings.ToLower(c)] = true
	}
	m := &Monitor{
		cfg:        cfg,
		log:        log,
		store:      store,
		engine:     diff.NewEngine(store),
		race:       race.New(cfg.Race.MaxRetries, cfg.Backoff(), log),
		disp:       disp,
		pages:      chatdb.NewPageMap(),
		dbPageSize: pageSize,
		targets:    targets,
	}
	if err := m.primePages(context.Background()); err != nil {
		// Lineage will be learned again on the first reseed; a failed prime
		// only delays page identification.
		log.Warn("page lineage prime failed", "err", err)
	}
	return m, nil
}

// Stats returns a copy of the cycle counters.
func (m *Monitor) Stats() StatsSnapshot { return m.stats.Snapshot() }

// State returns the race handler's current state, for status reporting.
func (m *Monitor) State() race.State { return m.race.State() }

// primePages walks each tracked table's b-tree in the main database file so
// pages appearing in the WAL can be attributed before the first reseed. The
// decoded rows are discarded; only the lineage matters here.
func (m *Monitor) primePages(ctx context.Context) error {
	dbPath := m.cfg.Database.Path
	r, err := chatdb.OpenReader(dbPath)
	if err != nil {
		return err
	}
	defer r.Close()
	roots, err := r.RootPages(ctx)
	if err != nil {
		return err
	}
	m.pages.SeedRoots(roots)

	f, err := os.Open(dbPath)
	if err != nil {
		return err
	}
	defer f.Close()
	src := &pagedec.FilePageSource{ReadAt: f.ReadAt, PageSize: m.dbPageSize}
	for _, t := range chatdb.Tables {
		root := roots[t]
		if root == 0 {
			continue
		}
		// Rows are discarded; the walk's side effect on the page map is
		// the point.
		if _, _, err := pagedec.WalkTable(src, root, t, m.pages); err != nil {
			m.log.Debug("lineage walk incomplete", "table", t.String(), "err", err)
		}
	}
	return nil
}

// Run loops until ctx is canceled. Each pass is triggered by the poll
// ticker or, early, by a filesystem event touching the database or its WAL.
// Non-fatal cycle errors are logged and the loop continues; access and
// persistence failures end the run.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("fsnotify unavailable, polling only", "err", err)
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(m.cfg.Database.Path)); err != nil {
			m.log.Warn("watch failed, polling only", "dir", filepath.Dir(m.cfg.Database.Path), "err", err)
		} else {
			fsEvents = w.Events
			fsErrors = w.Errors
		}
	}

	m.log.Info("monitoring",
		"db", m.cfg.Database.Path,
		"poll", m.cfg.PollInterval().String(),
		"targets", len(m.targets))

	for {
		if err := m.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return err
			}
			m.log.Error("cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev := <-fsEvents:
			if !m.relevant(ev.Name) {
				continue
			}
			// Coalesce the burst a single commit produces.
			drain(fsEvents)
		case err := <-fsErrors:
			m.log.Warn("watcher error", "err", err)
			continue
		}
	}
}

// relevant reports whether a filesystem event touches the monitored
// database or one of its sidecar files.
func (m *Monitor) relevant(name string) bool {
	return strings.HasPrefix(filepath.Base(name), filepath.Base(m.cfg.Database.Path))
}

func drain(ch chan fsnotify.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func isFatal(err error) bool {
	var pe *snapshot.PersistenceError
	var ae *AccessError
	return errors.As(err, &pe) || errors.As(err, &ae)
}

// tick runs one full pass: observe, decide, act.
func (m *Monitor) tick(ctx context.Context) error {
	cur := m.store.Cursor()
	dec, err := m.race.Decide(ctx, cur, m.observe)
	if err != nil {
		return err
	}
	if dec.Exhausted {
		m.log.Warn("proceeding after unsettled checkpoint race", "decision", dec.Describe())
	}

	switch dec.Action {
	case race.ActionNone:
		err = nil
	case race.ActionAppend:
		err = m.appendPass(ctx, cur, dec.Obs)
	case race.ActionReseed:
		err = m.reseed(ctx, cur, dec.Obs)
	}
	if err != nil {
		return err
	}
	m.race.Complete()
	return nil
}

// observe takes one look at the WAL file: identity plus header, when the
// header is intact enough to parse.
func (m *Monitor) observe() (race.Observation, error) {
	walPath := m.cfg.WALPath()
	ident, present, err := walread.Stat(walPath)
	if err != nil {
		return race.Observation{}, err
	}
	obs := race.Observation{Present: present, Ident: ident}
	if !present {
		return obs, nil
	}
	hdr, err := walread.ReadHeader(walPath, m.dbPageSize)
	switch {
	case err == nil:
		obs.Header = hdr
		obs.HeaderOK = true
	case errors.Is(err, io.EOF):
		// Zero-length or truncated below a header: nothing to parse yet.
	default:
		var fe *walread.FormatError
		if !errors.As(err, &fe) {
			return race.Observation{}, err
		}
		obs.HeaderErr = err
	}
	return obs, nil
}

// appendPass tails committed frames past the cursor, folds the rewritten
// pages, and advances the cursor to the new commit boundary.
func (m *Monitor) appendPass(ctx context.Context, cur snapshot.Cursor, obs race.Observation) error {
	walPath := m.cfg.WALPath()
	f, err := os.Open(walPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Checkpointed away between observe and open; the next pass
			// will see it.
			return nil
		}
		return fmt.Errorf("open %s: %w", walPath, err)
	}
	defer f.Close()

	seed := cur.Seed()
	if cur.FrameIndex == 0 {
		seed = obs.Header.HeaderSeed()
	}
	sc := walread.NewScanner(f, walPath, obs.Header, cur.FrameIndex, seed)

	overlay := make(map[uint32][]byte)
	var frames int64
	for {
		fr, ok, err := sc.Next()
		if err != nil {
			return fmt.Errorf("scan %s: %w", walPath, err)
		}
		if !ok {
			break
		}
		overlay[fr.PageNo] = fr.Data
		frames++
	}
	m.stats.FramesRead.Add(frames)
	if skipped := sc.Skipped(); len(skipped) > 0 {
		m.stats.FramesSkipped.Add(int64(len(skipped)))
		m.log.Warn("frames failed checksum, skipped", "count", len(skipped), "first", skipped[0])
	}
	if sc.CommitIndex() <= cur.FrameIndex {
		return nil
	}

	db, err := os.Open(m.cfg.Database.Path)
	if err != nil {
		return &AccessError{Path: m.cfg.Database.Path, Err: err}
	}
	defer db.Close()
	base := &pagedec.FilePageSource{ReadAt: db.ReadAt, PageSize: m.dbPageSize}

	events := m.foldOverlay(overlay, base, false)
	if err := m.emit(ctx, events); err != nil {
		return err
	}

	seedOut := sc.CommitSeed()
	next := snapshot.Cursor{
		Generation: cur.Generation,
		FrameIndex: sc.CommitIndex(),
		Cksum1:     seedOut.Cksum1,
		Cksum2:     seedOut.Cksum2,
		Salt1:      obs.Header.Salt1,
		Salt2:      obs.Header.Salt2,
		CkptSeq:    obs.Header.CheckpointSeq,
		WALIno:     obs.Ident.Ino,
		WALSize:    obs.Ident.Size,
	}
	return m.advance(next)
}

// foldOverlay classifies a batch of fresh page images and folds them into
// the snapshot. Interior pages extend the lineage map first, so leaves made
// identifiable by this very batch still decode; full marks the batch as a
// complete table image.
func (m *Monitor) foldOverlay(overlay map[uint32][]byte, base pagedec.PageSource, full bool) []diff.ChangeEvent {
	// Interior pages first, to a fixpoint: a child of a newly assigned
	// interior may itself be an interior in this batch.
	for {
		before := m.pages.Len()
		for pageNo, data := range overlay {
			if pagedec.PageType(data, pageNo) != pagedec.PageInteriorTable {
				continue
			}
			if _, known := m.pages.Lookup(pageNo); !known {
				continue
			}
			children, err := pagedec.InteriorChildren(data, pageNo)
			if err != nil {
				m.log.Debug("interior page unreadable", "page", pageNo, "err", err)
				continue
			}
			m.pages.AssignChildren(pageNo, children)
		}
		if m.pages.Len() == before {
			break
		}
	}

	src := &pagedec.OverlayPageSource{Overlay: overlay, Base: base}
	updates := make(map[chatdb.Table]diff.Update)
	for pageNo, data := range overlay {
		t, known := m.pages.Lookup(pageNo)
		if !known {
			continue
		}
		switch pagedec.PageType(data, pageNo) {
		case pagedec.PageLeafTable:
			rows, skipped, err := pagedec.DecodeLeaf(data, pageNo, t, src)
			if err != nil {
				// Structurally not a leaf of this table anymore; drop the
				// stale identity and move on.
				m.pages.Forget(pageNo)
				m.stats.PagesSkipped.Add(1)
				m.log.Debug("leaf decode failed", "page", pageNo, "err", err)
				continue
			}
			m.stats.CellsSkipped.Add(int64(skipped))
			u, ok := updates[t]
			if !ok {
				u = diff.Update{Rows: make(map[int64]chatdb.Row), Pages: make(map[uint32]bool), Full: full}
			}
			u.Pages[pageNo] = true
			for _, r := range rows {
				u.Rows[r.RowID] = r
			}
			updates[t] = u
		case pagedec.PageInteriorTable:
			// Already consumed above.
		default:
			// Freelist, index, or overflow now; its old identity is stale.
			m.pages.Forget(pageNo)
		}
	}
	return m.engine.FoldAll(updates)
}

// emit filters and dispatches events, then accounts for them. Sink failures
// are isolated and non-fatal.
func (m *Monitor) emit(ctx context.Context, events []diff.ChangeEvent) error {
	events = m.filter(events)
	if len(events) == 0 {
		return nil
	}
	m.stats.Events.Add(int64(len(events)))
	if m.disp == nil {
		return nil
	}
	for _, serr := range m.disp.Dispatch(ctx, events) {
		m.log.Error("sink delivery failed", "sink", serr.Sink, "rowid", serr.RowID, "err", serr.Err)
	}
	return ctx.Err()
}

// filter applies the target-contact restriction to message events. Other
// tables pass through; decoding itself is never filtered.
func (m *Monitor) filter(events []diff.ChangeEvent) []diff.ChangeEvent {
	if len(m.targets) == 0 {
		return events
	}
	out := make([]diff.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if ev.Table == chatdb.TableMessage && !m.targets[strings.ToLower(ev.Sender)] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// advance moves the cursor and persists the snapshot atomically. Persistence
// failure is fatal: running on without durable state would replay or lose
// events on the next start.
func (m *Monitor) advance(next snapshot.Cursor) error {
	if err := m.store.Advance(next); err != nil {
		return err
	}
	return m.store.Persist(m.cfg.State.Path)
}
