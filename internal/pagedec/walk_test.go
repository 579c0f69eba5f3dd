package pagedec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undeleterd/internal/chatdb"
)

func TestWalkTable(t *testing.T) {
	// Two-level tree: interior root 2 over leaves 3 and 4.
	src := mapSource{
		2: EncodeInteriorPage(testPageSize, 2, []uint32{3, 4}, []int64{2}),
		3: EncodeLeafPage(testPageSize, 3, []LeafCell{
			{RowID: 1, Cols: messageCols("one")},
			{RowID: 2, Cols: messageCols("two")},
		}),
		4: EncodeLeafPage(testPageSize, 4, []LeafCell{
			{RowID: 3, Cols: messageCols("three")},
		}),
	}

	pm := chatdb.NewPageMap()
	rows, skipped, err := WalkTable(src, 2, chatdb.TableMessage, pm)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, rows, 3)
	assert.Equal(t, chatdb.Text("three"), rows[3].Col(chatdb.ColText))
	assert.Equal(t, uint32(4), rows[3].PageNo)

	// Every visited page got the table's identity.
	for _, pg := range []uint32{2, 3, 4} {
		tbl, ok := pm.Lookup(pg)
		require.True(t, ok, "page %d", pg)
		assert.Equal(t, chatdb.TableMessage, tbl)
	}
}

func TestWalkTableMissingPage(t *testing.T) {
	src := mapSource{
		2: EncodeInteriorPage(testPageSize, 2, []uint32{3, 9}, []int64{5}),
		3: EncodeLeafPage(testPageSize, 3, nil),
	}
	_, _, err := WalkTable(src, 2, chatdb.TableMessage, chatdb.NewPageMap())
	assert.Error(t, err)
}

func TestOverlayPageSource(t *testing.T) {
	base := mapSource{1: EncodeLeafPage(testPageSize, 1, nil)}
	fresh := EncodeLeafPage(testPageSize, 2, nil)
	src := &OverlayPageSource{Overlay: map[uint32][]byte{2: fresh}, Base: base}

	p, err := src.Page(2)
	require.NoError(t, err)
	assert.Equal(t, fresh, p)

	p, err = src.Page(1)
	require.NoError(t, err)
	assert.Equal(t, base[1], p)

	_, err = src.Page(9)
	assert.Error(t, err)
}
