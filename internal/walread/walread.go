// Package walread reads the SQLite write-ahead log format directly: the
// 32-byte file header, 24-byte frame headers, and the cumulative checksum
// that chains every frame back to the header. The log is owned by the
// source application's SQLite; this package only ever reads it, and it
// expects the file to be truncated or replaced underneath it whenever a
// checkpoint runs.
package walread

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Format constants.
const (
	HeaderSize      = 32
	FrameHeaderSize = 24

	// The two magic values differ in their low bit, which selects the
	// byte order used by the checksum.
	magicLE = 0x377f0682
	magicBE = 0x377f0683

	formatVersion = 3007000
)

// FormatError reports a malformed WAL or frame layout. Non-fatal: the
// caller skips the pass and retries, or reseeds.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("wal %s: %s", e.Path, e.Reason)
}

// Header is the decoded WAL file header.
type Header struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	CheckpointSeq uint32
	Salt1         uint32
	Salt2         uint32
	Cksum1        uint32
	Cksum2        uint32
}

// bigEndianCksum reports whether frame checksums use big-endian words.
func (h Header) bigEndianCksum() bool { return h.Magic == magicBE }

// FrameSize returns the on-disk size of one frame for this header.
func (h Header) FrameSize() int64 { return FrameHeaderSize + int64(h.PageSize) }

// Frame is one page-sized unit of the log. Commit is the database size in
// pages recorded by a transaction-closing frame, zero otherwise.
type Frame struct {
	Index  int64
	Offset int64
	PageNo uint32
	Commit uint32
	Data   []byte
}

// checksum advances the cumulative WAL checksum over b, which must be a
// multiple of eight bytes. Word order depends on the header magic.
func checksum(bigEndian bool, s1, s2 uint32, b []byte) (uint32, uint32) {
	for i := 0; i+8 <= len(b); i += 8 {
		var x0, x1 uint32
		if bigEndian {
			x0 = binary.BigEndian.Uint32(b[i:])
			x1 = binary.BigEndian.Uint32(b[i+4:])
		} else {
			x0 = binary.LittleEndian.Uint32(b[i:])
			x1 = binary.LittleEndian.Uint32(b[i+4:])
		}
		s1 += x0 + s2
		s2 += x1 + s1
	}
	return s1, s2
}

// ParseHeader decodes and validates a WAL file header. dbPageSize, when
// nonzero, must agree with the page size the header declares.
func ParseHeader(path string, b []byte, dbPageSize uint32) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &FormatError{Path: path, Reason: "short header"}
	}
	h := Header{
		Magic:         binary.BigEndian.Uint32(b[0:]),
		Version:       binary.BigEndian.Uint32(b[4:]),
		PageSize:      binary.BigEndian.Uint32(b[8:]),
		CheckpointSeq: binary.BigEndian.Uint32(b[12:]),
		Salt1:         binary.BigEndian.Uint32(b[16:]),
		Salt2:         binary.BigEndian.Uint32(b[20:]),
		Cksum1:        binary.BigEndian.Uint32(b[24:]),
		Cksum2:        binary.BigEndian.Uint32(b[28:]),
	}
	if h.Magic != magicLE && h.Magic != magicBE {
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("bad magic %#x", h.Magic)}
	}
	if h.Version != formatVersion {
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported format version %d", h.Version)}
	}
	if h.PageSize < 512 || h.PageSize > 65536 || h.PageSize&(h.PageSize-1) != 0 {
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("invalid page size %d", h.PageSize)}
	}
	if dbPageSize != 0 && h.PageSize != dbPageSize {
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("page size %d disagrees with database page size %d", h.PageSize, dbPageSize)}
	}
	s1, s2 := checksum(h.bigEndianCksum(), 0, 0, b[:24])
	if s1 != h.Cksum1 || s2 != h.Cksum2 {
		return Header{}, &FormatError{Path: path, Reason: "header checksum mismatch"}
	}
	return h, nil
}

// ReadHeader reads and parses the WAL header from disk. A zero-length file
// is a freshly reset log: io.EOF is returned.
func ReadHeader(path string, dbPageSize uint32) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return Header{}, err
	}
	return ParseHeader(path, buf[:], dbPageSize)
}

// Ident is the filesystem identity of the WAL, used to detect truncation
// and replacement between passes.
type Ident struct {
	Ino  uint64
	Size int64
}

// Seed is the running checksum state after some frame, needed to resume
// validation mid-log.
type Seed struct {
	Cksum1 uint32
	Cksum2 uint32
}

// HeaderSeed returns the seed that validates frame zero.
func (h Header) HeaderSeed() Seed { return Seed{h.Cksum1, h.Cksum2} }

// Scanner yields frames lazily, in order, up to and excluding the first
// frame past the last fully committed transaction. Frames that fail their
// checksum are skipped and reported, not fatal: a checkpoint in progress
// can legitimately produce a torn tail.
type Scanner struct {
	r        io.ReaderAt
	path     string
	hdr      Header
	nextIdx  int64
	seed     Seed
	pending  []Frame
	ready    []Frame
	skipped   []int64
	commitIdx int64 // index after the last committed frame
	commitSeed Seed // checksum state at commitIdx
	done      bool
}

// NewScanner starts a scan at frame startIdx. For startIdx zero the seed is
// the header's; resuming past that requires the seed persisted with the
// cursor.
func NewScanner(r io.ReaderAt, path string, hdr Header, startIdx int64, seed Seed) *Scanner {
	return &Scanner{
		r:          r,
		path:       path,
		hdr:        hdr,
		nextIdx:    startIdx,
		seed:       seed,
		commitIdx:  startIdx,
		commitSeed: seed,
	}
}

// Next returns the next committed frame. ok is false when the scan is
// exhausted; trailing uncommitted frames are never returned.
func (s *Scanner) Next() (Frame, bool, error) {
	for len(s.ready) == 0 && !s.done {
		if err := s.advance(); err != nil {
			return Frame{}, false, err
		}
	}
	if len(s.ready) == 0 {
		return Frame{}, false, nil
	}
	f := s.ready[0]
	s.ready = s.ready[1:]
	return f, true, nil
}

// advance reads and validates one frame from the file.
func (s *Scanner) advance() error {
	frameSize := s.hdr.FrameSize()
	off := HeaderSize + s.nextIdx*frameSize
	buf := make([]byte, frameSize)
	if _, err := s.r.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Torn or short tail: whatever transaction was pending never
			// committed in this image of the file.
			s.done = true
			s.pending = nil
			return nil
		}
		return fmt.Errorf("read frame %d: %w", s.nextIdx, err)
	}

	pageNo := binary.BigEndian.Uint32(buf[0:])
	commit := binary.BigEndian.Uint32(buf[4:])
	salt1 := binary.BigEndian.Uint32(buf[8:])
	salt2 := binary.BigEndian.Uint32(buf[12:])
	c1 := binary.BigEndian.Uint32(buf[16:])
	c2 := binary.BigEndian.Uint32(buf[20:])

	if salt1 != s.hdr.Salt1 || salt2 != s.hdr.Salt2 {
		// Stale frame from a previous log generation past the live end.
		s.done = true
		s.pending = nil
		return nil
	}

	be := s.hdr.bigEndianCksum()
	s1, s2 := checksum(be, s.seed.Cksum1, s.seed.Cksum2, buf[:8])
	s1, s2 = checksum(be, s1, s2, buf[FrameHeaderSize:])

	idx := s.nextIdx
	s.nextIdx++

	if s1 != c1 || s2 != c2 {
		// Skip the frame but keep scanning: reseed the chain from the
		// stored pair so later intact frames still validate.
		s.skipped = append(s.skipped, idx)
		s.seed = Seed{c1, c2}
		return nil
	}
	s.seed = Seed{c1, c2}

	data := make([]byte, s.hdr.PageSize)
	copy(data, buf[FrameHeaderSize:])
	s.pending = append(s.pending, Frame{
		Index:  idx,
		Offset: off,
		PageNo: pageNo,
		Commit: commit,
		Data:   data,
	})
	if commit != 0 {
		s.ready = append(s.ready, s.pending...)
		s.pending = nil
		s.commitIdx = idx + 1
		s.commitSeed = s.seed
	}
	return nil
}

// Skipped returns the indices of frames dropped for checksum mismatches.
func (s *Scanner) Skipped() []int64 { return s.skipped }

// CommitIndex returns the frame index one past the last committed frame
// consumed so far. It is the resume point for the next pass.
func (s *Scanner) CommitIndex() int64 { return s.commitIdx }

// CommitSeed returns the checksum state at CommitIndex, persisted with the
// cursor so the next pass can resume validation there.
func (s *Scanner) CommitSeed() Seed { return s.commitSeed }
