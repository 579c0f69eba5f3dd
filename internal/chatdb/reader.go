package chatdb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// selectSQL maps each tracked table to the query that produces its tracked
// columns, in layout order, with rowid first. Source column names follow the
// message store's schema; aliases are not needed because scanning is
// positional.
var selectSQL = map[Table]string{
	TableMessage: `SELECT ROWID, guid, text, attributedBody, date, date_retracted,
		handle_id, is_from_me, service FROM message`,
	TableAttachment: `SELECT ROWID, mime_type, filename, transfer_name FROM attachment`,
	TableHandle:     `SELECT ROWID, id, service FROM handle`,
	TableChatJoin:   `SELECT ROWID, chat_id, message_id FROM chat_message_join`,
	TableAttachJoin: `SELECT ROWID, message_id, attachment_id FROM message_attachment_join`,
}

// Reader is a read-only connection to the main database file. It exists for
// root-page discovery, status reporting, and as the reseed fallback when the
// direct page walk cannot complete.
type Reader struct {
	path string
	db   *sql.DB
}

// OpenReader opens the main database read-only. The connection never takes
// write locks, so the source application is never blocked.
func OpenReader(path string) (*Reader, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=250", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection keeps the reader's view consistent within a pass.
	db.SetMaxOpenConns(1)
	return &Reader{path: path, db: db}, nil
}

// Close closes the connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

// RootPages reads sqlite_master and returns the b-tree root page of each
// tracked table that exists in the schema.
func (r *Reader) RootPages(ctx context.Context) (map[Table]uint32, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, rootpage FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("read sqlite_master: %w", err)
	}
	defer rows.Close()

	roots := make(map[Table]uint32)
	for rows.Next() {
		var name string
		var root int64
		if err := rows.Scan(&name, &root); err != nil {
			return nil, fmt.Errorf("scan sqlite_master: %w", err)
		}
		if t, ok := TableByName(name); ok {
			roots[t] = uint32(root)
		}
	}
	return roots, rows.Err()
}

// ReadTable reads the full current contents of a tracked table through SQL.
// Rows carry no page number; callers that need page attribution use the
// direct b-tree walk instead.
func (r *Reader) ReadTable(ctx context.Context, t Table) (map[int64]Row, error) {
	q, ok := selectSQL[t]
	if !ok {
		return nil, fmt.Errorf("no query for table %s", t)
	}
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t, err)
	}
	defer rows.Close()

	ncols := len(t.Columns())
	out := make(map[int64]Row)
	for rows.Next() {
		scan := make([]any, ncols+1)
		var rowid int64
		scan[0] = &rowid
		raw := make([]any, ncols)
		for i := range raw {
			scan[i+1] = &raw[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t, err)
		}
		cols := make([]Value, ncols)
		for i, v := range raw {
			cols[i] = fromSQL(v)
		}
		out[rowid] = Row{Table: t, RowID: rowid, Cols: cols}
	}
	return out, rows.Err()
}

// Counts returns the current row count of each tracked table.
func (r *Reader) Counts(ctx context.Context) (map[Table]int64, error) {
	out := make(map[Table]int64)
	for _, t := range Tables {
		var n int64
		err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.String()).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

// fromSQL converts a database/sql scan result into a Value.
func fromSQL(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case int64:
		return Int64(x)
	case float64:
		return Float64(x)
	case string:
		return Text(x)
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return Blob(b)
	case bool:
		if x {
			return Int64(1)
		}
		return Int64(0)
	default:
		return Text(fmt.Sprint(x))
	}
}

// PageSize reads the database page size from the main file's 100-byte header
// without opening a SQLite connection. The field at offset 16 is big-endian;
// the value 1 encodes a 65536-byte page.
func PageSize(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [100]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("read database header: %w", err)
	}
	if string(hdr[:16]) != "SQLite format 3\x00" {
		return 0, fmt.Errorf("%s: not a SQLite database", path)
	}
	ps := uint32(binary.BigEndian.Uint16(hdr[16:18]))
	if ps == 1 {
		return 65536, nil
	}
	if ps < 512 || ps > 32768 || ps&(ps-1) != 0 {
		return 0, fmt.Errorf("%s: invalid page size %d", path, ps)
	}
	return ps, nil
}
