package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undeleterd/internal/chatdb"
	"undeleterd/internal/snapshot"
)

func newTestEngine() (*Engine, *snapshot.Store) {
	s := snapshot.New()
	e := NewEngine(s)
	e.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return e, s
}

func msg(rowid int64, pageNo uint32, text chatdb.Value, dateDeleted int64, handle int64) chatdb.Row {
	return chatdb.Row{
		Table:  chatdb.TableMessage,
		RowID:  rowid,
		PageNo: pageNo,
		Cols: []chatdb.Value{
			chatdb.Text("guid"), text, chatdb.Null(),
			chatdb.Int64(1000), chatdb.Int64(dateDeleted), chatdb.Int64(handle),
			chatdb.Int64(0), chatdb.Text("iMessage"),
		},
	}
}

func update(pages []uint32, rows ...chatdb.Row) Update {
	u := Update{Rows: make(map[int64]chatdb.Row), Pages: make(map[uint32]bool)}
	for _, p := range pages {
		u.Pages[p] = true
	}
	for _, r := range rows {
		u.Rows[r.RowID] = r
	}
	return u
}

func TestFoldInsert(t *testing.T) {
	e, s := newTestEngine()
	events := e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(1, 3, chatdb.Text("hi"), 0, 2)))

	require.Len(t, events, 1)
	assert.Equal(t, Inserted, events[0].Kind)
	assert.Equal(t, int64(1), events[0].RowID)
	assert.Nil(t, events[0].Before)
	require.NotNil(t, events[0].After)
	assert.Equal(t, chatdb.Text("hi"), events[0].After.Col(chatdb.ColText))
	assert.Equal(t, 1, s.Len(chatdb.TableMessage))
}

func TestFoldSoftDeleteIsEdit(t *testing.T) {
	// A client-side "delete" nulls the text and stamps date_deleted: the
	// row survives, so this classifies as an edit naming both fields.
	e, _ := newTestEngine()
	e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(42, 3, chatdb.Text("secret"), 0, 2)))

	events := e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(42, 3, chatdb.Null(), 777, 2)))
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, Edited, ev.Kind)
	assert.Equal(t, int64(42), ev.RowID)
	assert.Equal(t, []string{chatdb.ColText, chatdb.ColDateDeleted}, ev.Changed)
	require.NotNil(t, ev.Before)
	assert.Equal(t, chatdb.Text("secret"), ev.Before.Col(chatdb.ColText))
	require.NotNil(t, ev.After)
	assert.True(t, ev.After.Col(chatdb.ColText).IsNull())
}

func TestFoldDeleteFromReplacedPage(t *testing.T) {
	e, s := newTestEngine()
	e.Fold(chatdb.TableMessage, update([]uint32{3},
		msg(7, 3, chatdb.Text("gone soon"), 0, 2),
		msg(8, 3, chatdb.Text("stays"), 0, 2)))

	// Page 3 is rewritten without rowid 7: a hard delete.
	events := e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(8, 3, chatdb.Text("stays"), 0, 2)))
	require.Len(t, events, 1)
	assert.Equal(t, Deleted, events[0].Kind)
	assert.Equal(t, int64(7), events[0].RowID)
	require.NotNil(t, events[0].Before)
	assert.Equal(t, chatdb.Text("gone soon"), events[0].Before.Col(chatdb.ColText))
	assert.Nil(t, events[0].After)

	_, ok := s.Get(chatdb.TableMessage, 7)
	assert.False(t, ok)
}

func TestFoldAbsenceFromUnrelatedPageIsNotDeletion(t *testing.T) {
	e, s := newTestEngine()
	e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(7, 3, chatdb.Text("on page 3"), 0, 2)))

	// A different page is rewritten; rowid 7 is absent from the batch but
	// its page was not touched, so nothing happened to it.
	events := e.Fold(chatdb.TableMessage, update([]uint32{5}, msg(9, 5, chatdb.Text("on page 5"), 0, 2)))
	require.Len(t, events, 1)
	assert.Equal(t, Inserted, events[0].Kind)
	_, ok := s.Get(chatdb.TableMessage, 7)
	assert.True(t, ok)
}

func TestFoldRowMovedBetweenPages(t *testing.T) {
	// A b-tree split moves a row; both pages land in the same batch, the
	// row is present, and no event fires.
	e, s := newTestEngine()
	e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(7, 3, chatdb.Text("moving"), 0, 2)))

	events := e.Fold(chatdb.TableMessage, update([]uint32{3, 5}, msg(7, 5, chatdb.Text("moving"), 0, 2)))
	assert.Empty(t, events)

	r, ok := s.Get(chatdb.TableMessage, 7)
	require.True(t, ok)
	assert.Equal(t, uint32(5), r.PageNo)
}

func TestFoldFullUpdateDeletesAnywhere(t *testing.T) {
	e, _ := newTestEngine()
	e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(7, 3, chatdb.Text("x"), 0, 2)))

	full := update(nil, msg(9, 4, chatdb.Text("y"), 0, 2))
	full.Full = true
	events := e.Fold(chatdb.TableMessage, full)

	require.Len(t, events, 2)
	// Increasing rowid order within the table.
	assert.Equal(t, Deleted, events[0].Kind)
	assert.Equal(t, int64(7), events[0].RowID)
	assert.Equal(t, Inserted, events[1].Kind)
	assert.Equal(t, int64(9), events[1].RowID)
}

func TestFoldIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	u := update([]uint32{3}, msg(1, 3, chatdb.Text("same"), 0, 2))
	first := e.Fold(chatdb.TableMessage, u)
	require.Len(t, first, 1)

	again := e.Fold(chatdb.TableMessage, u)
	assert.Empty(t, again)
}

func TestFoldAllOrderingAndSender(t *testing.T) {
	e, _ := newTestEngine()

	handle := chatdb.Row{
		Table: chatdb.TableHandle, RowID: 2, PageNo: 9,
		Cols: []chatdb.Value{chatdb.Text("+15551234567"), chatdb.Text("iMessage")},
	}
	attachment := chatdb.Row{
		Table: chatdb.TableAttachment, RowID: 11, PageNo: 6,
		Cols: []chatdb.Value{chatdb.Text("image/png"), chatdb.Text("a.png"), chatdb.Null()},
	}

	events := e.FoldAll(map[chatdb.Table]Update{
		chatdb.TableAttachment: update([]uint32{6}, attachment),
		chatdb.TableMessage:    update([]uint32{3}, msg(1, 3, chatdb.Text("hi"), 0, 2)),
		chatdb.TableHandle:     update([]uint32{9}, handle),
	})

	// Message events precede attachment events regardless of map order,
	// and the sender resolves through the handle row from this same batch.
	require.Len(t, events, 3)
	assert.Equal(t, chatdb.TableMessage, events[0].Table)
	assert.Equal(t, chatdb.TableAttachment, events[1].Table)
	assert.Equal(t, chatdb.TableHandle, events[2].Table)
	assert.Equal(t, "+15551234567", events[0].Sender)
	assert.Empty(t, events[1].Sender)
}

func TestFoldAllAttachmentMessageRef(t *testing.T) {
	// The attachment record has no message column; the reference resolves
	// through the join table, including a join row from the same batch.
	e, _ := newTestEngine()

	attachment := chatdb.Row{
		Table: chatdb.TableAttachment, RowID: 11, PageNo: 6,
		Cols: []chatdb.Value{chatdb.Text("image/png"), chatdb.Text("a.png"), chatdb.Text("a.png")},
	}
	join := chatdb.Row{
		Table: chatdb.TableAttachJoin, RowID: 1, PageNo: 8,
		Cols: []chatdb.Value{chatdb.Int64(42), chatdb.Int64(11)},
	}

	events := e.FoldAll(map[chatdb.Table]Update{
		chatdb.TableAttachment: update([]uint32{6}, attachment),
		chatdb.TableAttachJoin: update([]uint32{8}, join),
	})

	require.Len(t, events, 2)
	assert.Equal(t, chatdb.TableAttachment, events[0].Table)
	assert.Equal(t, int64(42), events[0].MessageRef)
	assert.Zero(t, events[1].MessageRef, "join events carry no reference themselves")

	// An attachment with no join row stays unresolved.
	orphan := chatdb.Row{
		Table: chatdb.TableAttachment, RowID: 12, PageNo: 6,
		Cols: []chatdb.Value{chatdb.Text("image/gif"), chatdb.Text("b.gif"), chatdb.Null()},
	}
	events = e.FoldAll(map[chatdb.Table]Update{
		chatdb.TableAttachment: update([]uint32{6}, attachment, orphan),
	})
	require.Len(t, events, 1)
	assert.Equal(t, int64(12), events[0].RowID)
	assert.Zero(t, events[0].MessageRef)
}

func TestFoldAllSenderUnknownHandle(t *testing.T) {
	e, _ := newTestEngine()
	events := e.FoldAll(map[chatdb.Table]Update{
		chatdb.TableMessage: update([]uint32{3}, msg(1, 3, chatdb.Text("hi"), 0, 99)),
	})
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Sender)
}

func TestFoldDetectedTimestamp(t *testing.T) {
	e, _ := newTestEngine()
	events := e.Fold(chatdb.TableMessage, update([]uint32{3}, msg(1, 3, chatdb.Text("hi"), 0, 2)))
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), events[0].Detected)
}
