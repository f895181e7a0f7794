package oer

import (
	"bytes"
	"errors"
	"testing"
)

func TestVarOctetsShortAndLongForm(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 255, 256, 70000} {
		p := bytes.Repeat([]byte{0xab}, n)
		b := AppendVarOctets(nil, p)
		r := NewReader(b)
		got, err := r.ReadVarOctets()
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if !bytes.Equal(got, p) || r.Len() != 0 {
			t.Fatalf("n=%d: roundtrip mismatch", n)
		}
	}
	if b := AppendLength(nil, 128); !bytes.Equal(b, []byte{0x81, 0x80}) {
		t.Fatalf("long form 128: %x", b)
	}
}

func TestVarUint(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 1 << 40, ^uint64(0)} {
		b := AppendVarUint(nil, v)
		got, err := NewReader(b).ReadVarUint()
		if err != nil || got != v {
			t.Fatalf("v=%d: got %d err %v", v, got, err)
		}
	}
	if b := AppendVarUint(nil, 0); !bytes.Equal(b, []byte{1, 0}) {
		t.Fatalf("zero encodes as one byte: %x", b)
	}
}

func TestReadLengthRejectsNonCanonical(t *testing.T) {
	// long form used for a length that fits the short form
	r := NewReader([]byte{0x81, 0x05, 1, 2, 3, 4, 5})
	if _, err := r.ReadLength(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	// leading zero in long form
	r = NewReader([]byte{0x82, 0x00, 0x80})
	if _, err := r.ReadLength(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestTruncated(t *testing.T) {
	r := NewReader([]byte{0x05, 1, 2})
	if _, err := r.ReadVarOctets(); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
	r = NewReader(nil)
	if _, err := r.ReadUint64(); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
	r = NewReader([]byte{0x82, 0x01, 0x00})
	if _, err := r.ReadVarOctets(); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead for 256-byte claim, got %v", err)
	}
}
