// Package oer: the subset of canonical OER used by ILP and STREAM (var-octets, var-uints).
package oer

import (
	"encoding/binary"
	"errors"
)

// ErrShortRead: buffer ended before a field did.
var ErrShortRead = errors.New("oer: short read")

// ErrInvalidLength: non-canonical or oversized length prefix.
var ErrInvalidLength = errors.New("oer: invalid length prefix")

// maxLengthOfLength bounds the long-form length prefix (8 bytes = u64).
const maxLengthOfLength = 8

// AppendLength appends an OER length prefix: short form < 128, else 0x80|n + n BE bytes.
func AppendLength(b []byte, n int) []byte {
	if n < 128 {
		return append(b, byte(n))
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	b = append(b, 0x80|byte(8-i))
	return append(b, tmp[i:]...)
}

// AppendVarOctets appends length prefix + p.
func AppendVarOctets(b []byte, p []byte) []byte {
	b = AppendLength(b, len(p))
	return append(b, p...)
}

// AppendVarUint appends a u64 as var-octets of its minimal BE bytes (at least one byte).
func AppendVarUint(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return AppendVarOctets(b, tmp[i:])
}

// Reader walks a byte slice; every method fails instead of panicking on truncation.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps b (not copied).
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len is the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// ReadByte reads one byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrShortRead
	}
	c := r.buf[r.off]
	r.off++
	return c, nil
}

// ReadN returns the next n bytes (aliasing the buffer).
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortRead
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p, nil
}

// ReadUint64 reads a fixed 8-byte BE integer.
func (r *Reader) ReadUint64() (uint64, error) {
	p, err := r.ReadN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// ReadLength reads an OER length prefix; rejects non-canonical long forms.
func (r *Reader) ReadLength() (int, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if first&0x80 == 0 {
		return int(first), nil
	}
	lenOfLen := int(first & 0x7f)
	if lenOfLen == 0 || lenOfLen > maxLengthOfLength {
		return 0, ErrInvalidLength
	}
	p, err := r.ReadN(lenOfLen)
	if err != nil {
		return 0, err
	}
	if p[0] == 0 {
		return 0, ErrInvalidLength
	}
	var n uint64
	for _, c := range p {
		n = n<<8 | uint64(c)
	}
	if n < 128 {
		return 0, ErrInvalidLength
	}
	if n > uint64(r.Len()) {
		return 0, ErrShortRead
	}
	return int(n), nil
}

// ReadVarOctets reads length prefix + that many bytes.
func (r *Reader) ReadVarOctets() ([]byte, error) {
	n, err := r.ReadLength()
	if err != nil {
		return nil, err
	}
	return r.ReadN(n)
}

// ReadVarUint reads var-octets holding 1..8 BE bytes.
func (r *Reader) ReadVarUint() (uint64, error) {
	p, err := r.ReadVarOctets()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 || len(p) > 8 {
		return 0, ErrInvalidLength
	}
	var v uint64
	for _, c := range p {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
