package ilp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress: malformed ILP address.
var ErrInvalidAddress = errors.New("ilp: invalid address")

const (
	maxAddressLen = 1023
	maxSegmentLen = 63
)

// Address is a validated, dot-separated ILP address (e.g. g.us.bank.alice).
type Address string

// ParseAddress validates s: non-empty segments of [A-Za-z0-9_~-], each <= 63, total <= 1023.
func ParseAddress(s string) (Address, error) {
	if s == "" || len(s) > maxAddressLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidAddress, len(s))
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" || len(seg) > maxSegmentLen {
			return "", fmt.Errorf("%w: bad segment in %q", ErrInvalidAddress, s)
		}
		for i := 0; i < len(seg); i++ {
			if !segmentChar(seg[i]) {
				return "", fmt.Errorf("%w: char %q in %q", ErrInvalidAddress, seg[i], s)
			}
		}
	}
	return Address(s), nil
}

// MustParseAddress panics on error (fixtures, constants).
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func segmentChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '~' || c == '-':
		return true
	}
	return false
}

func (a Address) String() string { return string(a) }

// HasPrefix: segment-aware; "" matches all, "a.b" matches "a.b" and "a.b.c" but not "a.bc".
func (a Address) HasPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	s := string(a)
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	return len(s) == len(prefix) || s[len(prefix)] == '.'
}

// With appends one or more segments.
func (a Address) With(suffix string) (Address, error) {
	return ParseAddress(string(a) + "." + suffix)
}
