// Package diff classifies the difference between the stored snapshot and a
// freshly decoded update into change events, and is the only component
// that mutates the snapshot store.
package diff

import (
	"sort"
	"time"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/snapshot"
)

// Kind classifies a change event.
type Kind uint8

const (
	Inserted Kind = iota
	Edited
	Deleted
)

// String returns the kind name used in output sinks.
func (k Kind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Edited:
		return "edited"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is one classified difference. Deleted events carry only
// Before; Inserted only After; Edited both plus the changed-field names.
// Sender is the contact identifier resolved through the handle snapshot
// for message events, when known. MessageRef is the message rowid an
// attachment event belongs to, resolved through the attachment-join
// snapshot, zero when unknown.
type ChangeEvent struct {
	Kind       Kind
	Table      chatdb.Table
	RowID      int64
	Before     *chatdb.Row
	After      *chatdb.Row
	Changed    []string
	Sender     string
	MessageRef int64
	Detected   time.Time
}

// Update is one decoded pass over a table: the rows observed, and the set
// of leaf pages those observations replace. When Full is set the update is
// the table's entire contents (a reseed) and absence anywhere means
// deletion; otherwise absence only counts against the replaced pages,
// since a page image carries no information about rows stored elsewhere.
type Update struct {
	Rows  map[int64]chatdb.Row
	Pages map[uint32]bool
	Full  bool
}

// Engine folds updates into the snapshot store.
type Engine struct {
	store *snapshot.Store
	now   func() time.Time
}

// NewEngine returns an engine over the given store.
func NewEngine(store *snapshot.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Fold diffs an update against the stored snapshot for one table, applies
// it, and returns the classified events in increasing rowid order.
func (e *Engine) Fold(t chatdb.Table, u Update) []ChangeEvent {
	now := e.now()
	old := e.store.View(t)
	var events []ChangeEvent

	// Disappearances first: rows last seen on a page this update replaces
	// (or anywhere, for a full update) that the update no longer contains.
	for rowid, prev := range old {
		if _, present := u.Rows[rowid]; present {
			continue
		}
		if !u.Full && (u.Pages == nil || !u.Pages[prev.PageNo]) {
			continue
		}
		before := prev
		events = append(events, ChangeEvent{
			Kind:     Deleted,
			Table:    t,
			RowID:    rowid,
			Before:   &before,
			Detected: now,
		})
	}

	for rowid, row := range u.Rows {
		prev, existed := old[rowid]
		if !existed {
			after := row
			events = append(events, ChangeEvent{
				Kind:     Inserted,
				Table:    t,
				RowID:    rowid,
				After:    &after,
				Detected: now,
			})
			continue
		}
		if changed := prev.ChangedFields(row); len(changed) > 0 {
			before, after := prev, row
			events = append(events, ChangeEvent{
				Kind:     Edited,
				Table:    t,
				RowID:    rowid,
				Before:   &before,
				After:    &after,
				Changed:  changed,
				Detected: now,
			})
		}
		// Identical rows still refresh page attribution below.
	}

	sort.Slice(events, func(i, j int) bool { return events[i].RowID < events[j].RowID })

	// Apply: the snapshot is mutated here and nowhere else, after the
	// decode pass has fully succeeded.
	for _, ev := range events {
		if ev.Kind == Deleted {
			e.store.Delete(t, ev.RowID)
		}
	}
	for _, row := range u.Rows {
		e.store.Put(row)
	}
	return events
}

// FoldAll folds a batch of per-table updates in the declared table
// priority, so a message's deletion always precedes its attachment's
// deletion within one cycle, then annotates message events with the sender
// resolved through the handle snapshot and attachment events with their
// message reference resolved through the attachment-join snapshot.
func (e *Engine) FoldAll(updates map[chatdb.Table]Update) []ChangeEvent {
	var events []ChangeEvent
	for _, t := range chatdb.Tables {
		u, ok := updates[t]
		if !ok {
			continue
		}
		events = append(events, e.Fold(t, u)...)
	}
	for i := range events {
		e.annotateSender(&events[i])
		e.annotateMessageRef(&events[i])
	}
	return events
}

// annotateSender resolves a message event's handle reference to a contact
// identifier. Resolution runs after all tables folded, so a handle row
// arriving in the same cycle is already visible.
func (e *Engine) annotateSender(ev *ChangeEvent) {
	if ev.Table != chatdb.TableMessage {
		return
	}
	row := ev.After
	if row == nil {
		row = ev.Before
	}
	if row == nil {
		return
	}
	ref := row.Col(chatdb.ColHandleID)
	if ref.Kind != chatdb.KindInt {
		return
	}
	handle, ok := e.store.Get(chatdb.TableHandle, ref.Int)
	if !ok {
		return
	}
	if id := handle.Col(chatdb.ColIdentifier); id.Kind == chatdb.KindText {
		ev.Sender = id.Text
	}
}

// annotateMessageRef resolves an attachment event's owning message through
// the attachment-join snapshot. The physical attachment record carries no
// message column, so this is the only place the linkage surfaces. Runs
// after all tables folded, so a join row from the same cycle resolves.
func (e *Engine) annotateMessageRef(ev *ChangeEvent) {
	if ev.Table != chatdb.TableAttachment {
		return
	}
	for _, join := range e.store.View(chatdb.TableAttachJoin) {
		att := join.Col(chatdb.ColAttachmentID)
		if att.Kind != chatdb.KindInt || att.Int != ev.RowID {
			continue
		}
		if msg := join.Col(chatdb.ColMessageID); msg.Kind == chatdb.KindInt {
			ev.MessageRef = msg.Int
		}
		return
	}
}
