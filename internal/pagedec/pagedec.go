// Package pagedec decodes SQLite b-tree pages into rows of the tracked
// tables. Page types and serial types are closed enumerations with one
// decode path per variant; anything outside them is either skipped
// (interior pages, index pages, untracked tables) or degraded to NULL
// (unknown serial types), never a reason to abandon an otherwise
// decodable row.
package pagedec

import (
	"encoding/binary"
	"fmt"
	"math"

	"undeleterd/internal/chatdb"
)

// B-tree page type bytes.
const (
	PageInteriorIndex = 2
	PageInteriorTable = 5
	PageLeafIndex     = 10
	PageLeafTable     = 13
)

// Page 1 carries the 100-byte database file header before its b-tree
// content.
const page1HeaderSize = 100

// DecodeError reports a page whose structure is inconsistent with a leaf
// page of a tracked table. It is non-fatal: the page is skipped and the
// cycle continues.
type DecodeError struct {
	PageNo uint32
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("page %d: %s", e.PageNo, e.Reason)
}

// PageSource fetches the current image of a database page by number. The
// monitor backs it with the newest WAL frame for the page, falling back to
// the main database file. It is needed to follow overflow chains for rows
// whose payload spills past one page.
type PageSource interface {
	Page(pageNo uint32) ([]byte, error)
}

// btreeOffset returns the offset of the b-tree header within the page.
func btreeOffset(pageNo uint32) int {
	if pageNo == 1 {
		return page1HeaderSize
	}
	return 0
}

// PageType returns the b-tree type byte of a page image.
func PageType(page []byte, pageNo uint32) byte {
	off := btreeOffset(pageNo)
	if off >= len(page) {
		return 0
	}
	return page[off]
}

// InteriorChildren decodes a table-interior page into its child page
// numbers, including the right-most pointer. The children inherit the
// parent's table identity in the page map.
func InteriorChildren(page []byte, pageNo uint32) ([]uint32, error) {
	off := btreeOffset(pageNo)
	if len(page) < off+12 {
		return nil, &DecodeError{PageNo: pageNo, Reason: "short interior page"}
	}
	if page[off] != PageInteriorTable {
		return nil, &DecodeError{PageNo: pageNo, Reason: fmt.Sprintf("not a table interior page (type %d)", page[off])}
	}
	cells := int(binary.BigEndian.Uint16(page[off+3 : off+5]))
	children := make([]uint32, 0, cells+1)

	ptrs := off + 12
	for i := 0; i < cells; i++ {
		p := ptrs + 2*i
		if p+2 > len(page) {
			return nil, &DecodeError{PageNo: pageNo, Reason: "cell pointer array out of range"}
		}
		cellOff := int(binary.BigEndian.Uint16(page[p : p+2]))
		if cellOff+4 > len(page) {
			return nil, &DecodeError{PageNo: pageNo, Reason: "interior cell out of range"}
		}
		children = append(children, binary.BigEndian.Uint32(page[cellOff:cellOff+4]))
	}
	children = append(children, binary.BigEndian.Uint32(page[off+8:off+12]))
	return children, nil
}

// DecodeLeaf decodes a table-leaf page into rows of table t. Cells that
// cannot be decoded individually (truncated overflow chain, malformed
// record) are counted in skipped and do not abort the page. A page whose
// overall layout is inconsistent returns a *DecodeError.
func DecodeLeaf(page []byte, pageNo uint32, t chatdb.Table, src PageSource) (rows []chatdb.Row, skipped int, err error) {
	off := btreeOffset(pageNo)
	if len(page) < off+8 {
		return nil, 0, &DecodeError{PageNo: pageNo, Reason: "short leaf page"}
	}
	if page[off] != PageLeafTable {
		return nil, 0, &DecodeError{PageNo: pageNo, Reason: fmt.Sprintf("not a table leaf page (type %d)", page[off])}
	}
	cells := int(binary.BigEndian.Uint16(page[off+3 : off+5]))
	ptrs := off + 8

	for i := 0; i < cells; i++ {
		p := ptrs + 2*i
		if p+2 > len(page) {
			return nil, skipped, &DecodeError{PageNo: pageNo, Reason: "cell pointer array out of range"}
		}
		cellOff := int(binary.BigEndian.Uint16(page[p : p+2]))
		if cellOff >= len(page) {
			return nil, skipped, &DecodeError{PageNo: pageNo, Reason: "cell offset out of range"}
		}
		row, ok := decodeCell(page, cellOff, pageNo, t, src)
		if !ok {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

// decodeCell decodes one table-leaf cell: payload-length varint, rowid
// varint, then the record payload, locally or spilled to an overflow chain.
func decodeCell(page []byte, cellOff int, pageNo uint32, t chatdb.Table, src PageSource) (chatdb.Row, bool) {
	b := page[cellOff:]
	payloadLen, n := getVarint(b)
	if n == 0 || payloadLen < 0 {
		return chatdb.Row{}, false
	}
	b = b[n:]
	rowid, n := getVarint(b)
	if n == 0 {
		return chatdb.Row{}, false
	}
	b = b[n:]

	payload, ok := cellPayload(b, payloadLen, len(page), src)
	if !ok {
		return chatdb.Row{}, false
	}
	return decodeRecord(payload, t, rowid, pageNo)
}

// cellPayload materializes a cell's payload, following the overflow chain
// when the payload does not fit locally. usable is the page size; the
// tracked store does not reserve bytes at page tails.
func cellPayload(local []byte, payloadLen int64, usable int, src PageSource) ([]byte, bool) {
	maxLocal := int64(usable - 35)
	if payloadLen <= maxLocal {
		if payloadLen > int64(len(local)) {
			return nil, false
		}
		return local[:payloadLen], true
	}

	// Spilled payload: SQLite's table-leaf local-size computation.
	minLocal := int64((usable-12)*32/255 - 23)
	k := minLocal + (payloadLen-minLocal)%int64(usable-4)
	localLen := k
	if k > maxLocal {
		localLen = minLocal
	}
	if localLen < 0 || localLen+4 > int64(len(local)) {
		return nil, false
	}
	if src == nil {
		return nil, false
	}

	payload := make([]byte, 0, payloadLen)
	payload = append(payload, local[:localLen]...)
	next := binary.BigEndian.Uint32(local[localLen : localLen+4])

	// Each overflow page: 4-byte next pointer, then payload bytes.
	for next != 0 && int64(len(payload)) < payloadLen {
		ovfl, err := src.Page(next)
		if err != nil || len(ovfl) < 4 {
			return nil, false
		}
		want := payloadLen - int64(len(payload))
		avail := int64(len(ovfl) - 4)
		if avail > want {
			avail = want
		}
		payload = append(payload, ovfl[4:4+avail]...)
		next = binary.BigEndian.Uint32(ovfl[:4])
	}
	if int64(len(payload)) != payloadLen {
		return nil, false
	}
	return payload, true
}

// serialTypeLen returns the byte width of a serial type's payload.
// Unknown types (10, 11) occupy zero bytes and decode as NULL.
func serialTypeLen(st int64) int64 {
	switch {
	case st >= 12 && st%2 == 0:
		return (st - 12) / 2
	case st >= 13:
		return (st - 13) / 2
	}
	switch st {
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 3
	case 4:
		return 4
	case 5:
		return 6
	case 6, 7:
		return 8
	default: // 0, 8, 9, 10, 11
		return 0
	}
}

// decodeValue decodes one column payload for a serial type. The byte slice
// is exactly serialTypeLen(st) long.
func decodeValue(st int64, b []byte) chatdb.Value {
	switch {
	case st == 0, st == 10, st == 11:
		return chatdb.Null()
	case st >= 1 && st <= 6:
		var v int64
		for _, c := range b {
			v = v<<8 | int64(c)
		}
		// Sign-extend two's complement.
		bits := uint(len(b) * 8)
		if bits < 64 && v&(1<<(bits-1)) != 0 {
			v -= 1 << bits
		}
		return chatdb.Int64(v)
	case st == 7:
		return chatdb.Float64(math.Float64frombits(binary.BigEndian.Uint64(b)))
	case st == 8:
		return chatdb.Int64(0)
	case st == 9:
		return chatdb.Int64(1)
	case st >= 12 && st%2 == 0:
		blob := make([]byte, len(b))
		copy(blob, b)
		return chatdb.Blob(blob)
	case st >= 13:
		return chatdb.Text(string(b))
	default:
		// Out of range entirely; degrade like the reserved types.
		return chatdb.Null()
	}
}

// decodeRecord decodes a record payload into a Row: a header of per-column
// serial-type varints, then the column payloads in that order. Tables with
// a rowid-alias column carry it as a leading NULL placeholder, which is
// consumed before the tracked layout. Columns beyond the tracked layout are
// ignored; tracked columns the record does not reach are NULL.
func decodeRecord(payload []byte, t chatdb.Table, rowid int64, pageNo uint32) (chatdb.Row, bool) {
	hdrLen, n := getVarint(payload)
	if n == 0 || hdrLen < int64(n) || hdrLen > int64(len(payload)) {
		return chatdb.Row{}, false
	}
	hdr := payload[n:hdrLen]
	body := payload[hdrLen:]

	ncols := len(t.Columns())
	cols := make([]chatdb.Value, ncols)
	for i := range cols {
		cols[i] = chatdb.Null()
	}

	col := 0
	if t.RowIDAliased() {
		col = -1
	}
	var bodyOff int64
	for len(hdr) > 0 {
		st, sn := getVarint(hdr)
		if sn == 0 {
			return chatdb.Row{}, false
		}
		hdr = hdr[sn:]

		width := serialTypeLen(st)
		if bodyOff+width > int64(len(body)) {
			return chatdb.Row{}, false
		}
		if col >= 0 && col < ncols {
			cols[col] = decodeValue(st, body[bodyOff:bodyOff+width])
		}
		bodyOff += width
		col++
	}
	return chatdb.Row{Table: t, RowID: rowid, PageNo: pageNo, Cols: cols}, true
}
