// Package ilp: ILPv4 packets (Prepare/Fulfill/Reject), addresses and error codes.
package ilp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"dev.c0redev.ilp/internal/oer"
)

// ErrInvalidPacket: malformed wire data.
var ErrInvalidPacket = errors.New("ilp: invalid packet")

// Type: 1-byte packet type on wire.
type Type uint8

const (
	TypePrepare Type = 12
	TypeFulfill Type = 13
	TypeReject  Type = 14
)

// timestampLayout + 3 ms digits = 17 chars, always UTC.
const (
	timestampLayout = "20060102150405"
	timestampLen    = 17
)

// MinPacketSize: type byte + 1-byte length.
const MinPacketSize = 2

// Packet is one of *Prepare, *Fulfill, *Reject.
type Packet interface {
	Type() Type
	appendBody(b []byte) []byte
}

// Prepare proposes a conditional transfer.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [32]byte
	Destination        Address
	Data               []byte
}

// Fulfill carries the preimage of the prepare's condition.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject aborts a prepare.
type Reject struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (*Prepare) Type() Type { return TypePrepare }
func (*Fulfill) Type() Type { return TypeFulfill }
func (*Reject) Type() Type  { return TypeReject }

func (r *Reject) String() string {
	return fmt.Sprintf("%s %q (by %s)", r.Code, r.Message, r.TriggeredBy)
}

// Condition returns sha256(fulfillment).
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// Matches true if f fulfills p's condition (constant-time).
func (p *Prepare) Matches(f *Fulfill) bool {
	c := Condition(f.Fulfillment)
	return subtle.ConstantTimeCompare(c[:], p.ExecutionCondition[:]) == 1
}

// Expired true if now is at or past ExpiresAt.
func (p *Prepare) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p *Prepare) appendBody(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, p.Amount)
	b = append(b, formatTimestamp(p.ExpiresAt)...)
	b = append(b, p.ExecutionCondition[:]...)
	b = oer.AppendVarOctets(b, []byte(p.Destination))
	return oer.AppendVarOctets(b, p.Data)
}

func (f *Fulfill) appendBody(b []byte) []byte {
	b = append(b, f.Fulfillment[:]...)
	return oer.AppendVarOctets(b, f.Data)
}

func (r *Reject) appendBody(b []byte) []byte {
	code := string(r.Code)
	if len(code) != 3 {
		code = string(F00BadRequest)
	}
	b = append(b, code...)
	b = oer.AppendVarOctets(b, []byte(r.TriggeredBy))
	b = oer.AppendVarOctets(b, []byte(r.Message))
	return oer.AppendVarOctets(b, r.Data)
}

// Encode serializes p: type byte + var-octets(body). Deterministic.
func Encode(p Packet) []byte {
	body := p.appendBody(nil)
	b := make([]byte, 0, 1+9+len(body))
	b = append(b, byte(p.Type()))
	return oer.AppendVarOctets(b, body)
}

// Decode parses one packet; trailing bytes are an error.
func Decode(b []byte) (Packet, error) {
	if len(b) < MinPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(b))
	}
	r := oer.NewReader(b)
	t, _ := r.ReadByte()
	body, err := r.ReadVarOctets()
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidPacket, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidPacket, r.Len())
	}
	switch Type(t) {
	case TypePrepare:
		return decodePrepare(body)
	case TypeFulfill:
		return decodeFulfill(body)
	case TypeReject:
		return decodeReject(body)
	}
	return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidPacket, t)
}

// DecodePrepare decodes b and requires a Prepare.
func DecodePrepare(b []byte) (*Prepare, error) {
	p, err := Decode(b)
	if err != nil {
		return nil, err
	}
	prep, ok := p.(*Prepare)
	if !ok {
		return nil, fmt.Errorf("%w: expected prepare, got type %d", ErrInvalidPacket, p.Type())
	}
	return prep, nil
}

// DecodeResponse decodes b and requires a Fulfill or Reject; exactly one result is non-nil.
func DecodeResponse(b []byte) (*Fulfill, *Reject, error) {
	p, err := Decode(b)
	if err != nil {
		return nil, nil, err
	}
	switch v := p.(type) {
	case *Fulfill:
		return v, nil, nil
	case *Reject:
		return nil, v, nil
	}
	return nil, nil, fmt.Errorf("%w: expected fulfill or reject, got type %d", ErrInvalidPacket, p.Type())
}

func decodePrepare(body []byte) (*Prepare, error) {
	r := oer.NewReader(body)
	amount, err := r.ReadUint64()
	if err != nil {
		return nil, invalid("prepare amount", err)
	}
	ts, err := r.ReadN(timestampLen)
	if err != nil {
		return nil, invalid("prepare expiry", err)
	}
	expiresAt, err := parseTimestamp(string(ts))
	if err != nil {
		return nil, invalid("prepare expiry", err)
	}
	cond, err := r.ReadN(32)
	if err != nil {
		return nil, invalid("prepare condition", err)
	}
	dest, err := r.ReadVarOctets()
	if err != nil {
		return nil, invalid("prepare destination", err)
	}
	addr, err := ParseAddress(string(dest))
	if err != nil {
		return nil, invalid("prepare destination", err)
	}
	data, err := r.ReadVarOctets()
	if err != nil {
		return nil, invalid("prepare data", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: prepare: %d trailing bytes", ErrInvalidPacket, r.Len())
	}
	p := &Prepare{Amount: amount, ExpiresAt: expiresAt, Destination: addr, Data: clone(data)}
	copy(p.ExecutionCondition[:], cond)
	return p, nil
}

func decodeFulfill(body []byte) (*Fulfill, error) {
	r := oer.NewReader(body)
	ful, err := r.ReadN(32)
	if err != nil {
		return nil, invalid("fulfillment", err)
	}
	data, err := r.ReadVarOctets()
	if err != nil {
		return nil, invalid("fulfill data", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: fulfill: %d trailing bytes", ErrInvalidPacket, r.Len())
	}
	f := &Fulfill{Data: clone(data)}
	copy(f.Fulfillment[:], ful)
	return f, nil
}

func decodeReject(body []byte) (*Reject, error) {
	r := oer.NewReader(body)
	code, err := r.ReadN(3)
	if err != nil {
		return nil, invalid("reject code", err)
	}
	if !ErrorCode(code).valid() {
		return nil, fmt.Errorf("%w: reject code %q", ErrInvalidPacket, code)
	}
	by, err := r.ReadVarOctets()
	if err != nil {
		return nil, invalid("reject triggered_by", err)
	}
	var triggeredBy Address
	if len(by) > 0 {
		if triggeredBy, err = ParseAddress(string(by)); err != nil {
			return nil, invalid("reject triggered_by", err)
		}
	}
	msg, err := r.ReadVarOctets()
	if err != nil {
		return nil, invalid("reject message", err)
	}
	if !utf8.Valid(msg) {
		return nil, fmt.Errorf("%w: reject message not utf-8", ErrInvalidPacket)
	}
	data, err := r.ReadVarOctets()
	if err != nil {
		return nil, invalid("reject data", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: reject: %d trailing bytes", ErrInvalidPacket, r.Len())
	}
	return &Reject{Code: ErrorCode(code), TriggeredBy: triggeredBy, Message: string(msg), Data: clone(data)}, nil
}

func invalid(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidPacket, field, err)
}

func formatTimestamp(t time.Time) string {
	t = t.UTC()
	ms := t.Nanosecond() / int(time.Millisecond)
	return t.Format(timestampLayout) + fmt.Sprintf("%03d", ms)
}

func parseTimestamp(s string) (time.Time, error) {
	if len(s) != timestampLen {
		return time.Time{}, fmt.Errorf("timestamp length %d", len(s))
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, fmt.Errorf("timestamp %q not numeric", s)
		}
	}
	t, err := time.ParseInLocation(timestampLayout, s[:14], time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	ms, _ := strconv.Atoi(s[14:])
	return t.Add(time.Duration(ms) * time.Millisecond), nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
