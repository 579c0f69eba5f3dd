// Package snapshot holds the last materialized view of each tracked table
// plus the checkpoint cursor, and persists both so restarts resume forward
// instead of re-emitting old events. The store is owned and mutated by the
// diff engine alone, on the monitor goroutine; it carries no locking of its
// own.
package snapshot

import (
	"errors"
	"fmt"
	"strconv"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/walread"
)

// Cursor marks the last frame fully processed. Generation increments every
// time WAL continuity is lost (truncation, replacement, reseed), so the
// pair (Generation, FrameIndex) is monotonic even though the frame index
// restarts at zero within each generation.
type Cursor struct {
	Generation uint64 `json:"generation"`
	FrameIndex int64  `json:"frame_index"`
	Cksum1     uint32 `json:"cksum1"`
	Cksum2     uint32 `json:"cksum2"`
	Salt1      uint32 `json:"salt1"`
	Salt2      uint32 `json:"salt2"`
	CkptSeq    uint32 `json:"ckpt_seq"`
	WALIno     uint64 `json:"wal_ino"`
	WALSize    int64  `json:"wal_size"`
}

// Seed returns the checksum resume state the cursor carries.
func (c Cursor) Seed() walread.Seed {
	return walread.Seed{Cksum1: c.Cksum1, Cksum2: c.Cksum2}
}

// Before reports whether c is strictly earlier than o.
func (c Cursor) Before(o Cursor) bool {
	if c.Generation != o.Generation {
		return c.Generation < o.Generation
	}
	return c.FrameIndex < o.FrameIndex
}

// ErrCursorRewind is returned when an update would move the cursor
// backwards. The cursor only ever advances.
var ErrCursorRewind = errors.New("snapshot: cursor would rewind")

// Store is the in-memory snapshot of the tracked tables plus the cursor.
type Store struct {
	tables map[chatdb.Table]map[int64]chatdb.Row
	cursor Cursor
}

// New returns an empty store with cursor zero.
func New() *Store {
	return &Store{tables: make(map[chatdb.Table]map[int64]chatdb.Row)}
}

// Put records a row's last-known values. Applying an identical row twice is
// a no-op by construction: the mapping simply holds the same value.
func (s *Store) Put(r chatdb.Row) {
	m, ok := s.tables[r.Table]
	if !ok {
		m = make(map[int64]chatdb.Row)
		s.tables[r.Table] = m
	}
	m[r.RowID] = r
}

// Delete removes a row. Deleting an absent rowid is a no-op.
func (s *Store) Delete(t chatdb.Table, rowid int64) {
	delete(s.tables[t], rowid)
}

// Get returns the last-known row, if any.
func (s *Store) Get(t chatdb.Table, rowid int64) (chatdb.Row, bool) {
	r, ok := s.tables[t][rowid]
	return r, ok
}

// View returns the current mapping for a table. The map is shared, not
// copied; callers treat it as read-only.
func (s *Store) View(t chatdb.Table) map[int64]chatdb.Row {
	return s.tables[t]
}

// Len returns the number of rows held for a table.
func (s *Store) Len(t chatdb.Table) int {
	return len(s.tables[t])
}

// Cursor returns the current checkpoint cursor.
func (s *Store) Cursor() Cursor { return s.cursor }

// Advance moves the cursor forward. A rewind is refused: losing forward
// progress silently is exactly the failure mode persistence exists to
// prevent.
func (s *Store) Advance(c Cursor) error {
	if c.Before(s.cursor) {
		return fmt.Errorf("%w: at gen=%d frame=%d, got gen=%d frame=%d",
			ErrCursorRewind, s.cursor.Generation, s.cursor.FrameIndex, c.Generation, c.FrameIndex)
	}
	s.cursor = c
	return nil
}

// state is the persisted wire form.
type state struct {
	Version int                                `json:"version"`
	Cursor  Cursor                             `json:"cursor"`
	Tables  map[string]map[string]chatdb.Row   `json:"tables"`
}

func (s *Store) toState() state {
	st := state{Version: 1, Cursor: s.cursor, Tables: make(map[string]map[string]chatdb.Row)}
	for t, rows := range s.tables {
		if len(rows) == 0 {
			continue
		}
		m := make(map[string]chatdb.Row, len(rows))
		for id, r := range rows {
			m[strconv.FormatInt(id, 10)] = r
		}
		st.Tables[t.String()] = m
	}
	return st
}

func fromState(st state) (*Store, error) {
	s := New()
	s.cursor = st.Cursor
	for name, rows := range st.Tables {
		t, ok := chatdb.TableByName(name)
		if !ok {
			return nil, fmt.Errorf("snapshot: unknown table %q in state", name)
		}
		m := make(map[int64]chatdb.Row, len(rows))
		for key, r := range rows {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("snapshot: bad rowid key %q: %w", key, err)
			}
			r.Table = t
			r.RowID = id
			m[id] = r
		}
		s.tables[t] = m
	}
	return s, nil
}
