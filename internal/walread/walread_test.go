package walread

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// walBuilder assembles a synthetic WAL image with correct cumulative
// checksums, the way SQLite would have written it.
type walBuilder struct {
	hdr  Header
	buf  []byte
	seed Seed
	next int64
}

func newWALBuilder(t *testing.T, salt1, salt2, ckptSeq uint32) *walBuilder {
	t.Helper()
	raw := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(raw[0:], magicLE)
	binary.BigEndian.PutUint32(raw[4:], formatVersion)
	binary.BigEndian.PutUint32(raw[8:], testPageSize)
	binary.BigEndian.PutUint32(raw[12:], ckptSeq)
	binary.BigEndian.PutUint32(raw[16:], salt1)
	binary.BigEndian.PutUint32(raw[20:], salt2)
	s1, s2 := checksum(false, 0, 0, raw[:24])
	binary.BigEndian.PutUint32(raw[24:], s1)
	binary.BigEndian.PutUint32(raw[28:], s2)

	hdr, err := ParseHeader("test.wal", raw, testPageSize)
	require.NoError(t, err)
	return &walBuilder{hdr: hdr, buf: raw, seed: hdr.HeaderSeed()}
}

// frame appends one frame. commit nonzero closes the transaction. The
// returned index identifies the frame in assertions.
func (b *walBuilder) frame(pageNo, commit uint32, fill byte) int64 {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = fill
	}
	fh := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(fh[0:], pageNo)
	binary.BigEndian.PutUint32(fh[4:], commit)
	binary.BigEndian.PutUint32(fh[8:], b.hdr.Salt1)
	binary.BigEndian.PutUint32(fh[12:], b.hdr.Salt2)

	s1, s2 := checksum(false, b.seed.Cksum1, b.seed.Cksum2, fh[:8])
	s1, s2 = checksum(false, s1, s2, data)
	binary.BigEndian.PutUint32(fh[16:], s1)
	binary.BigEndian.PutUint32(fh[20:], s2)
	b.seed = Seed{s1, s2}

	b.buf = append(b.buf, fh...)
	b.buf = append(b.buf, data...)
	idx := b.next
	b.next++
	return idx
}

// corruptFrameData flips a byte inside a frame's page data without touching
// its stored checksum, producing a frame that fails validation while the
// chain it recorded stays intact.
func (b *walBuilder) corruptFrameData(idx int64) {
	off := HeaderSize + idx*b.hdr.FrameSize() + FrameHeaderSize
	b.buf[off] ^= 0xFF
}

func (b *walBuilder) reader() *bytes.Reader { return bytes.NewReader(b.buf) }

func TestParseHeader(t *testing.T) {
	b := newWALBuilder(t, 0xAAAA1111, 0xBBBB2222, 7)
	hdr, err := ParseHeader("test.wal", b.buf[:HeaderSize], testPageSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAAAA1111), hdr.Salt1)
	assert.Equal(t, uint32(0xBBBB2222), hdr.Salt2)
	assert.Equal(t, uint32(7), hdr.CheckpointSeq)
	assert.Equal(t, int64(FrameHeaderSize+testPageSize), hdr.FrameSize())
}

func TestParseHeaderRejects(t *testing.T) {
	good := newWALBuilder(t, 1, 2, 0).buf[:HeaderSize]

	mutate := func(off int, val uint32) []byte {
		raw := bytes.Clone(good)
		binary.BigEndian.PutUint32(raw[off:], val)
		// Keep the header checksum honest so only the targeted field fails.
		s1, s2 := checksum(false, 0, 0, raw[:24])
		binary.BigEndian.PutUint32(raw[24:], s1)
		binary.BigEndian.PutUint32(raw[28:], s2)
		return raw
	}

	cases := map[string][]byte{
		"short":              good[:HeaderSize-1],
		"bad magic":          mutate(0, 0xDEADBEEF),
		"bad version":        mutate(4, 3006000),
		"page size not pow2": mutate(8, 3000),
		"page size too big":  mutate(8, 1 << 17),
	}
	for name, raw := range cases {
		_, err := ParseHeader("test.wal", raw, testPageSize)
		var fe *FormatError
		assert.ErrorAs(t, err, &fe, name)
	}

	// Page size disagreement with the database file.
	_, err := ParseHeader("test.wal", good, 1024)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)

	// Corrupt checksum.
	raw := bytes.Clone(good)
	raw[24] ^= 0xFF
	_, err = ParseHeader("test.wal", raw, testPageSize)
	assert.ErrorAs(t, err, &fe)
}

func TestReadHeaderEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty-wal")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := ReadHeader(path, testPageSize)
	assert.ErrorIs(t, err, io.EOF)
}

func collect(t *testing.T, sc *Scanner) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, ok, err := sc.Next()
		require.NoError(t, err)
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func TestScannerCommittedFramesOnly(t *testing.T) {
	b := newWALBuilder(t, 100, 200, 0)
	b.frame(5, 0, 'a')
	b.frame(6, 10, 'b') // commit
	b.frame(7, 0, 'c')  // open transaction, never committed

	sc := NewScanner(b.reader(), "test.wal", b.hdr, 0, b.hdr.HeaderSeed())
	frames := collect(t, sc)

	require.Len(t, frames, 2)
	assert.Equal(t, uint32(5), frames[0].PageNo)
	assert.Equal(t, uint32(6), frames[1].PageNo)
	assert.Equal(t, uint32(10), frames[1].Commit)
	assert.Equal(t, []byte{'b'}, frames[1].Data[:1])
	assert.Equal(t, int64(2), sc.CommitIndex())
	assert.Empty(t, sc.Skipped())
}

func TestScannerResume(t *testing.T) {
	b := newWALBuilder(t, 100, 200, 0)
	b.frame(5, 0, 'a')
	b.frame(6, 10, 'b')

	first := NewScanner(b.reader(), "test.wal", b.hdr, 0, b.hdr.HeaderSeed())
	collect(t, first)
	resumeIdx, resumeSeed := first.CommitIndex(), first.CommitSeed()

	// More transactions land after the cursor was taken.
	b.frame(7, 0, 'c')
	b.frame(8, 11, 'd')

	sc := NewScanner(b.reader(), "test.wal", b.hdr, resumeIdx, resumeSeed)
	frames := collect(t, sc)
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(7), frames[0].PageNo)
	assert.Equal(t, int64(2), frames[0].Index)
	assert.Equal(t, int64(4), sc.CommitIndex())
}

func TestScannerSkipsCorruptFrame(t *testing.T) {
	b := newWALBuilder(t, 100, 200, 0)
	b.frame(5, 1, 'a')
	bad := b.frame(6, 2, 'b')
	b.frame(7, 3, 'c')
	b.corruptFrameData(bad)

	sc := NewScanner(b.reader(), "test.wal", b.hdr, 0, b.hdr.HeaderSeed())
	frames := collect(t, sc)

	// The corrupt frame is dropped once; later frames still validate
	// because the chain resumes from the frame's stored pair.
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(5), frames[0].PageNo)
	assert.Equal(t, uint32(7), frames[1].PageNo)
	assert.Equal(t, []int64{bad}, sc.Skipped())
	assert.Equal(t, int64(3), sc.CommitIndex())
}

func TestScannerStopsAtStaleSalts(t *testing.T) {
	b := newWALBuilder(t, 100, 200, 0)
	b.frame(5, 1, 'a')

	// A leftover frame from the previous log generation past the live end.
	stale := make([]byte, b.hdr.FrameSize())
	binary.BigEndian.PutUint32(stale[0:], 9)
	binary.BigEndian.PutUint32(stale[4:], 2)
	binary.BigEndian.PutUint32(stale[8:], 0xDEAD)
	binary.BigEndian.PutUint32(stale[12:], 0xBEEF)
	b.buf = append(b.buf, stale...)

	sc := NewScanner(b.reader(), "test.wal", b.hdr, 0, b.hdr.HeaderSeed())
	frames := collect(t, sc)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(5), frames[0].PageNo)
	assert.Equal(t, int64(1), sc.CommitIndex())
}

func TestScannerTornTail(t *testing.T) {
	b := newWALBuilder(t, 100, 200, 0)
	b.frame(5, 1, 'a')
	b.frame(6, 0, 'b')
	b.frame(7, 2, 'c')

	// Cut the file mid-way through the final frame: its transaction never
	// committed in this image.
	torn := bytes.NewReader(b.buf[:len(b.buf)-100])
	sc := NewScanner(torn, "test.wal", b.hdr, 0, b.hdr.HeaderSeed())
	frames := collect(t, sc)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(5), frames[0].PageNo)
	assert.Equal(t, int64(1), sc.CommitIndex())
	assert.Equal(t, b.hdr.HeaderSeed(), NewScanner(torn, "test.wal", b.hdr, 0, b.hdr.HeaderSeed()).CommitSeed())
}

func TestIdentStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db-wal")

	_, ok, err := Stat(path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, make([]byte, 123), 0o644))
	ident, ok, err := Stat(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(123), ident.Size)
}
