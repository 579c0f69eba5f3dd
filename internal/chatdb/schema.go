package chatdb

import "fmt"

// Table identifies one of the tracked tables. The declared order is the
// dispatch priority: a message's events always precede its attachment's
// events within one cycle.
type Table uint8

const (
	TableMessage Table = iota
	TableAttachment
	TableHandle
	TableChatJoin
	TableAttachJoin

	tableCount
)

// Tables lists the tracked tables in priority order.
var Tables = [...]Table{TableMessage, TableAttachment, TableHandle, TableChatJoin, TableAttachJoin}

// String returns the table's SQL name.
func (t Table) String() string {
	switch t {
	case TableMessage:
		return "message"
	case TableAttachment:
		return "attachment"
	case TableHandle:
		return "handle"
	case TableChatJoin:
		return "chat_message_join"
	case TableAttachJoin:
		return "message_attachment_join"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// TableByName resolves a SQL table name to its Table identity.
func TableByName(name string) (Table, bool) {
	for _, t := range Tables {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// Column names for the message table.
const (
	ColGUID           = "guid"
	ColText           = "text"
	ColAttributedBody = "attributed_body"
	ColDate           = "date"
	ColDateDeleted    = "date_deleted"
	ColHandleID       = "handle_id"
	ColIsFromMe       = "is_from_me"
	ColService        = "service"
)

// Column names for the attachment and join tables. The attachment record
// itself carries no message reference; the linkage lives in
// message_attachment_join, which is tracked so events can resolve it.
const (
	ColMimeType     = "mime_type"
	ColFilename     = "filename"
	ColTransferName = "transfer_name"
	ColMessageID    = "message_id"
	ColAttachmentID = "attachment_id"
)

// Column names for the handle and chat_message_join tables.
const (
	ColIdentifier = "identifier"
	ColChatID     = "chat_id"
)

// Columns returns the tracked column names of a table, in record order.
// Record decoding is positional: the i'th tracked column is the i'th column
// of the on-disk record, and records shorter than the layout yield NULL for
// the missing trailing columns (SQLite's own behavior for columns added by
// ALTER TABLE). This table is the single point of adjustment if the source
// schema shifts between client versions.
func (t Table) Columns() []string {
	switch t {
	case TableMessage:
		return []string{ColGUID, ColText, ColAttributedBody, ColDate, ColDateDeleted, ColHandleID, ColIsFromMe, ColService}
	case TableAttachment:
		return []string{ColMimeType, ColFilename, ColTransferName}
	case TableHandle:
		return []string{ColIdentifier, ColService}
	case TableChatJoin:
		return []string{ColChatID, ColMessageID}
	case TableAttachJoin:
		return []string{ColMessageID, ColAttachmentID}
	default:
		return nil
	}
}

// RowIDAliased reports whether the table declares an INTEGER PRIMARY KEY
// column aliasing the rowid. SQLite stores that column as NULL in each
// record (the value lives in the b-tree key), so decoded records carry one
// leading placeholder before the tracked columns.
func (t Table) RowIDAliased() bool {
	return t != TableChatJoin && t != TableAttachJoin
}

// ColumnIndex returns the record position of a tracked column, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns() {
		if c == name {
			return i
		}
	}
	return -1
}

// Row is one decoded row of a tracked table. Cols is positionally aligned
// with Table.Columns; missing trailing columns are NULL. PageNo records the
// b-tree leaf the row was last decoded from, which is what lets the diff
// engine detect deletions from a replaced page image.
type Row struct {
	Table  Table   `json:"table"`
	RowID  int64   `json:"rowid"`
	PageNo uint32  `json:"page"`
	Cols   []Value `json:"cols"`
}

// Col returns the named column's value, NULL if untracked or absent.
func (r Row) Col(name string) Value {
	i := r.Table.ColumnIndex(name)
	if i < 0 || i >= len(r.Cols) {
		return Null()
	}
	return r.Cols[i]
}

// Map returns the row's tracked columns keyed by name. NULLs are included
// so consumers see the full declared layout.
func (r Row) Map() map[string]Value {
	cols := r.Table.Columns()
	m := make(map[string]Value, len(cols))
	for _, c := range cols {
		m[c] = r.Col(c)
	}
	return m
}

// FieldsEqual reports whether two rows agree on every tracked column.
// Page number is bookkeeping, not row content, and is ignored.
func (r Row) FieldsEqual(o Row) bool {
	cols := r.Table.Columns()
	for _, c := range cols {
		if !r.Col(c).Equal(o.Col(c)) {
			return false
		}
	}
	return true
}

// ChangedFields returns the names of tracked columns on which the two rows
// disagree, in declared column order.
func (r Row) ChangedFields(o Row) []string {
	var changed []string
	for _, c := range r.Table.Columns() {
		if !r.Col(c).Equal(o.Col(c)) {
			changed = append(changed, c)
		}
	}
	return changed
}
