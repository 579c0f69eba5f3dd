package monitor

import (
	"context"
	"fmt"
	"os"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/diff"
	"undeleterd/internal/pagedec"
	"undeleterd/internal/race"
	"undeleterd/internal/snapshot"
	"undeleterd/internal/walread"
)

// ForceReseed takes one observation and rebuilds the snapshot from the main
// database regardless of WAL continuity. Used by the reseed subcommand.
func (m *Monitor) ForceReseed(ctx context.Context) error {
	obs, err := m.observe()
	if err != nil {
		return err
	}
	return m.reseed(ctx, m.store.Cursor(), obs)
}

// reseed rebuilds the whole snapshot from the main database file overlaid
// with whatever committed frames the current WAL holds, so the rebuilt view
// matches what a SQLite reader would see. Folding the full image against
// the old snapshot surfaces anything that happened across the continuity
// break, including deletions a checkpoint already flushed away.
func (m *Monitor) reseed(ctx context.Context, cur snapshot.Cursor, obs race.Observation) error {
	dbPath := m.cfg.Database.Path
	db, err := os.Open(dbPath)
	if err != nil {
		return &AccessError{Path: dbPath, Err: err}
	}
	defer db.Close()

	r, err := chatdb.OpenReader(dbPath)
	if err != nil {
		return &AccessError{Path: dbPath, Err: err}
	}
	defer r.Close()
	roots, err := r.RootPages(ctx)
	if err != nil {
		return &AccessError{Path: dbPath, Err: err}
	}

	// Lineage is rebuilt wholesale; stale page identities from the previous
	// generation must not leak into the new one.
	m.pages = chatdb.NewPageMap()
	m.pages.SeedRoots(roots)

	base := &pagedec.FilePageSource{ReadAt: db.ReadAt, PageSize: m.dbPageSize}
	var src pagedec.PageSource = base

	next := snapshot.Cursor{Generation: cur.Generation + 1}
	if obs.Present && obs.HeaderOK {
		overlay, sc, err := m.committedOverlay(obs.Header)
		if err != nil {
			return err
		}
		if sc != nil {
			src = &pagedec.OverlayPageSource{Overlay: overlay, Base: base}
			seed := sc.CommitSeed()
			next.FrameIndex = sc.CommitIndex()
			next.Cksum1 = seed.Cksum1
			next.Cksum2 = seed.Cksum2
			next.Salt1 = obs.Header.Salt1
			next.Salt2 = obs.Header.Salt2
			next.CkptSeq = obs.Header.CheckpointSeq
			next.WALIno = obs.Ident.Ino
			next.WALSize = obs.Ident.Size
		}
	}

	cold := cur == (snapshot.Cursor{})
	for _, t := range chatdb.Tables {
		if m.store.Len(t) > 0 {
			cold = false
		}
	}

	updates := make(map[chatdb.Table]diff.Update)
	for _, t := range chatdb.Tables {
		rows, err := m.readFullTable(ctx, r, src, roots[t], t)
		if err != nil {
			return err
		}
		updates[t] = diff.Update{Rows: rows, Full: true}
	}

	events := m.engine.FoldAll(updates)
	m.stats.Reseeds.Add(1)
	if cold {
		// First run: the fold only seeds the baseline. Announcing every
		// existing row as inserted would drown the sinks.
		m.log.Info("baseline snapshot seeded",
			"messages", m.store.Len(chatdb.TableMessage),
			"attachments", m.store.Len(chatdb.TableAttachment),
			"handles", m.store.Len(chatdb.TableHandle))
	} else if err := m.emit(ctx, events); err != nil {
		return err
	}
	return m.advance(next)
}

// committedOverlay scans the WAL from frame zero and returns the newest
// committed image per page. A nil scanner means the log held no committed
// transaction, or vanished while being read.
func (m *Monitor) committedOverlay(hdr walread.Header) (map[uint32][]byte, *walread.Scanner, error) {
	walPath := m.cfg.WALPath()
	f, err := os.Open(walPath)
	if err != nil {
		// Checkpointed away since the observation; the main file alone is
		// now the committed view.
		return nil, nil, nil
	}
	defer f.Close()

	sc := walread.NewScanner(f, walPath, hdr, 0, hdr.HeaderSeed())
	overlay := make(map[uint32][]byte)
	for {
		fr, ok, err := sc.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", walPath, err)
		}
		if !ok {
			break
		}
		overlay[fr.PageNo] = fr.Data
	}
	m.stats.FramesRead.Add(sc.CommitIndex())
	if skipped := sc.Skipped(); len(skipped) > 0 {
		m.stats.FramesSkipped.Add(int64(len(skipped)))
	}
	if sc.CommitIndex() == 0 {
		return nil, nil, nil
	}
	return overlay, sc, nil
}

// readFullTable walks one table's b-tree through src. When the walk fails
// structurally the SQL reader serves as fallback: slower, takes a read
// lock, but always consistent. SQL-read rows carry no page attribution,
// which a full update does not need.
func (m *Monitor) readFullTable(ctx context.Context, r *chatdb.Reader, src pagedec.PageSource, root uint32, t chatdb.Table) (map[int64]chatdb.Row, error) {
	if root == 0 {
		return map[int64]chatdb.Row{}, nil
	}
	rows, skipped, err := pagedec.WalkTable(src, root, t, m.pages)
	if err == nil {
		m.stats.CellsSkipped.Add(int64(skipped))
		return rows, nil
	}
	m.log.Warn("tree walk failed, falling back to sql read", "table", t.String(), "err", err)
	rows, err = r.ReadTable(ctx, t)
	if err != nil {
		return nil, &AccessError{Path: m.cfg.Database.Path, Err: err}
	}
	return rows, nil
}
