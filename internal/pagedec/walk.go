package pagedec

import (
	"fmt"

	"undeleterd/internal/chatdb"
)

// WalkTable reads a tracked table's full contents by walking its b-tree
// from the root through a PageSource. Every page visited is recorded in the
// page map, so a walk doubles as a page-identity reseed. Returns the rows
// keyed by rowid and the number of cells skipped best-effort.
func WalkTable(src PageSource, root uint32, t chatdb.Table, pm *chatdb.PageMap) (map[int64]chatdb.Row, int, error) {
	rows := make(map[int64]chatdb.Row)
	skipped := 0

	stack := []uint32{root}
	visited := make(map[uint32]bool)
	for len(stack) > 0 {
		pageNo := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if pageNo == 0 || visited[pageNo] {
			continue
		}
		visited[pageNo] = true
		if pm != nil {
			pm.Assign(pageNo, t)
		}

		page, err := src.Page(pageNo)
		if err != nil {
			return nil, skipped, fmt.Errorf("walk %s page %d: %w", t, pageNo, err)
		}

		switch PageType(page, pageNo) {
		case PageInteriorTable:
			children, err := InteriorChildren(page, pageNo)
			if err != nil {
				return nil, skipped, err
			}
			stack = append(stack, children...)
		case PageLeafTable:
			leafRows, n, err := DecodeLeaf(page, pageNo, t, src)
			if err != nil {
				return nil, skipped, err
			}
			skipped += n
			for _, r := range leafRows {
				rows[r.RowID] = r
			}
		default:
			return nil, skipped, &DecodeError{PageNo: pageNo, Reason: "unexpected page type in table b-tree"}
		}
	}
	return rows, skipped, nil
}

// FilePageSource reads pages from a flat database image addressed
// (pageNo-1)*pageSize, typically the main database file.
type FilePageSource struct {
	ReadAt   func(p []byte, off int64) (int, error)
	PageSize uint32
}

// Page implements PageSource.
func (s *FilePageSource) Page(pageNo uint32) ([]byte, error) {
	if pageNo == 0 {
		return nil, fmt.Errorf("page 0 is not addressable")
	}
	buf := make([]byte, s.PageSize)
	off := int64(pageNo-1) * int64(s.PageSize)
	if _, err := s.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageNo, err)
	}
	return buf, nil
}

// OverlayPageSource serves the newest WAL image of a page when one exists,
// deferring to a base source otherwise. This is the view a SQLite reader
// would see: WAL frames shadow the main file.
type OverlayPageSource struct {
	Overlay map[uint32][]byte
	Base    PageSource
}

// Page implements PageSource.
func (s *OverlayPageSource) Page(pageNo uint32) ([]byte, error) {
	if p, ok := s.Overlay[pageNo]; ok {
		return p, nil
	}
	if s.Base == nil {
		return nil, fmt.Errorf("page %d not present", pageNo)
	}
	return s.Base.Page(pageNo)
}
