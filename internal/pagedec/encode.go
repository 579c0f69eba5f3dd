package pagedec

import (
	"encoding/binary"
	"fmt"
	"math"

	"undeleterd/internal/chatdb"
)

// The encoder exists for test fixtures: round-trip coverage of the record
// format and synthetic page/WAL construction. The monitor itself never
// writes a page.

// LeafCell is one row to place on an encoded leaf page.
type LeafCell struct {
	RowID int64
	Cols  []chatdb.Value
}

// EncodeRecord encodes column values into the record format: a header of
// serial-type varints followed by the column payloads.
func EncodeRecord(cols []chatdb.Value) []byte {
	types := make([]int64, len(cols))
	var bodyLen int64
	for i, v := range cols {
		st := serialTypeOf(v)
		types[i] = st
		bodyLen += serialTypeLen(st)
	}

	// Header length includes its own varint; sizing it can itself grow the
	// varint, so iterate until stable.
	var typesLen int64
	for _, st := range types {
		typesLen += int64(varintLen(st))
	}
	hdrLen := typesLen + 1
	for int64(varintLen(hdrLen))+typesLen != hdrLen {
		hdrLen = typesLen + int64(varintLen(hdrLen))
	}

	out := make([]byte, 0, hdrLen+bodyLen)
	out = putVarint(out, hdrLen)
	for _, st := range types {
		out = putVarint(out, st)
	}
	for i, v := range cols {
		out = appendValue(out, types[i], v)
	}
	return out
}

// serialTypeOf chooses the serial type for a value. Integers always use the
// 8-byte form so negative and large rowid-referencing values round-trip
// byte-identically.
func serialTypeOf(v chatdb.Value) int64 {
	switch v.Kind {
	case chatdb.KindNull:
		return 0
	case chatdb.KindInt:
		switch v.Int {
		case 0:
			return 8
		case 1:
			return 9
		default:
			return 6
		}
	case chatdb.KindFloat:
		return 7
	case chatdb.KindBlob:
		return int64(len(v.Blob))*2 + 12
	default:
		return int64(len(v.Text))*2 + 13
	}
}

func appendValue(dst []byte, st int64, v chatdb.Value) []byte {
	switch {
	case st == 6:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		return append(dst, b[:]...)
	case st == 7:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		return append(dst, b[:]...)
	case st >= 12 && st%2 == 0:
		return append(dst, v.Blob...)
	case st >= 13:
		return append(dst, v.Text...)
	default: // 0, 8, 9: no payload
		return dst
	}
}

// EncodeLeafPage builds a table-leaf page image containing the given cells.
// Payloads must fit locally. Panics if the cells do not fit, since fixtures
// are static.
func EncodeLeafPage(pageSize int, pageNo uint32, cells []LeafCell) []byte {
	page := make([]byte, pageSize)
	off := btreeOffset(pageNo)
	page[off] = PageLeafTable
	binary.BigEndian.PutUint16(page[off+3:off+5], uint16(len(cells)))

	content := pageSize
	ptrs := off + 8
	for i, c := range cells {
		rec := EncodeRecord(c.Cols)
		cell := putVarint(nil, int64(len(rec)))
		cell = putVarint(cell, c.RowID)
		cell = append(cell, rec...)

		content -= len(cell)
		if content < ptrs+2*len(cells) {
			panic(fmt.Sprintf("pagedec: cells overflow page %d", pageNo))
		}
		copy(page[content:], cell)
		binary.BigEndian.PutUint16(page[ptrs+2*i:], uint16(content))
	}
	binary.BigEndian.PutUint16(page[off+5:off+7], uint16(content))
	return page
}

// EncodeInteriorPage builds a table-interior page pointing at the given
// children. The final child becomes the right-most pointer; keys are the
// largest rowids of the non-final children.
func EncodeInteriorPage(pageSize int, pageNo uint32, children []uint32, keys []int64) []byte {
	if len(children) == 0 {
		panic("pagedec: interior page needs at least one child")
	}
	page := make([]byte, pageSize)
	off := btreeOffset(pageNo)
	page[off] = PageInteriorTable
	ncells := len(children) - 1
	binary.BigEndian.PutUint16(page[off+3:off+5], uint16(ncells))
	binary.BigEndian.PutUint32(page[off+8:off+12], children[ncells])

	content := pageSize
	ptrs := off + 12
	for i := 0; i < ncells; i++ {
		var key int64
		if i < len(keys) {
			key = keys[i]
		}
		cell := make([]byte, 4)
		binary.BigEndian.PutUint32(cell, children[i])
		cell = putVarint(cell, key)

		content -= len(cell)
		copy(page[content:], cell)
		binary.BigEndian.PutUint16(page[ptrs+2*i:], uint16(content))
	}
	binary.BigEndian.PutUint16(page[off+5:off+7], uint16(content))
	return page
}
