package pagedec

// getVarint decodes a SQLite variable-length integer: up to nine bytes,
// big-endian, seven payload bits per byte except the ninth which carries
// eight. Returns the value and the number of bytes consumed (0 on
// truncation).
func getVarint(b []byte) (int64, int) {
	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(b) {
			return 0, 0
		}
		c := b[i]
		if c < 0x80 {
			v = v<<7 | uint64(c)
			return int64(v), i + 1
		}
		v = v<<7 | uint64(c&0x7f)
	}
	if len(b) < 9 {
		return 0, 0
	}
	v = v<<8 | uint64(b[8])
	return int64(v), 9
}

// putVarint appends the SQLite varint encoding of v to dst.
func putVarint(dst []byte, v int64) []byte {
	u := uint64(v)
	if u <= 0x7f {
		return append(dst, byte(u))
	}
	if u > 0x00ffffffffffffff {
		// Nine-byte form: eight payload bits in the final byte.
		var buf [9]byte
		buf[8] = byte(u)
		u >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(u&0x7f) | 0x80
		}
		return append(dst, buf[:]...)
	}
	var tmp [8]byte
	n := 0
	for u > 0 {
		tmp[n] = byte(u & 0x7f)
		u >>= 7
		n++
	}
	for i := n - 1; i >= 0; i-- {
		c := tmp[i]
		if i != 0 {
			c |= 0x80
		}
		dst = append(dst, c)
	}
	return dst
}

// varintLen returns the encoded size of v in bytes.
func varintLen(v int64) int {
	u := uint64(v)
	if u > 0x00ffffffffffffff {
		return 9
	}
	n := 1
	for u > 0x7f {
		u >>= 7
		n++
	}
	return n
}
