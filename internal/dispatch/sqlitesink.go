package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"undeleterd/internal/diff"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS recovered_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    kind          TEXT NOT NULL,
    source_table  TEXT NOT NULL,
    rowid_ref     INTEGER NOT NULL,
    sender        TEXT,
    detected_at   INTEGER NOT NULL,
    changed       TEXT,
    before_row    TEXT,
    after_row     TEXT,
    fingerprint   TEXT,
    created_at    INTEGER DEFAULT (strftime('%s', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_recovered_detected ON recovered_events(detected_at);
CREATE INDEX IF NOT EXISTS idx_recovered_rowid ON recovered_events(source_table, rowid_ref);
CREATE INDEX IF NOT EXISTS idx_recovered_fingerprint ON recovered_events(fingerprint);
`

// SQLiteSink archives every event durably, so recovered content survives
// rotation of the JSON log. A retention window prunes old rows at open.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens or creates the archive database. retention of zero
// keeps everything.
func NewSQLiteSink(path string, retention time.Duration) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	s := &SQLiteSink{db: db}
	if retention > 0 {
		if err := s.prune(retention); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// prune drops events detected before the retention cutoff.
func (s *SQLiteSink) prune(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).Unix()
	if _, err := s.db.Exec(`DELETE FROM recovered_events WHERE detected_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune archive: %w", err)
	}
	return nil
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Deliver implements Sink.
func (s *SQLiteSink) Deliver(ctx context.Context, ev diff.ChangeEvent) error {
	rec := toRecord(ev)

	var changed, before, after []byte
	var err error
	if len(rec.Changed) > 0 {
		if changed, err = json.Marshal(rec.Changed); err != nil {
			return fmt.Errorf("encode changed fields: %w", err)
		}
	}
	if rec.Before != nil {
		if before, err = json.Marshal(rec.Before); err != nil {
			return fmt.Errorf("encode before row: %w", err)
		}
	}
	if rec.After != nil {
		if after, err = json.Marshal(rec.After); err != nil {
			return fmt.Errorf("encode after row: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovered_events (kind, source_table, rowid_ref, sender, detected_at, changed, before_row, after_row, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.Table, rec.RowID, nullable(rec.Sender), rec.Detected.Unix(),
		nullableBytes(changed), nullableBytes(before), nullableBytes(after), nullable(rec.Fingerprint),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
