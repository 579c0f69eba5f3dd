package chatdb

// PageMap tracks which tracked table, if any, a database page belongs to.
//
// Pages in the WAL are identified only by page number; table identity comes
// from walking each table's b-tree. The map is seeded with root pages read
// from sqlite_master and extended whenever an interior page of a known table
// is decoded: its children inherit the parent's identity. Pages that appear
// in the WAL before their lineage is known are skipped until a later frame
// (or a reseed) identifies them.
type PageMap struct {
	pages map[uint32]Table
}

// NewPageMap returns an empty page map.
func NewPageMap() *PageMap {
	return &PageMap{pages: make(map[uint32]Table)}
}

// SeedRoots assigns table identities to root pages.
func (m *PageMap) SeedRoots(roots map[Table]uint32) {
	for t, pg := range roots {
		if pg != 0 {
			m.pages[pg] = t
		}
	}
}

// Assign records that a page belongs to a table.
func (m *PageMap) Assign(pageNo uint32, t Table) {
	m.pages[pageNo] = t
}

// AssignChildren records that every child page inherits the parent's table.
func (m *PageMap) AssignChildren(parent uint32, children []uint32) {
	t, ok := m.pages[parent]
	if !ok {
		return
	}
	for _, c := range children {
		m.pages[c] = t
	}
}

// Lookup returns the table a page belongs to, if known.
func (m *PageMap) Lookup(pageNo uint32) (Table, bool) {
	t, ok := m.pages[pageNo]
	return t, ok
}

// Forget drops a page's identity. Used when a page is observed to have been
// repurposed (its b-tree type no longer matches a table page).
func (m *PageMap) Forget(pageNo uint32) {
	delete(m.pages, pageNo)
}

// Len returns the number of identified pages.
func (m *PageMap) Len() int { return len(m.pages) }
