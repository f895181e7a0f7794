package stream

import (
	"fmt"
	"io"
	"sort"

	"dev.c0redev.ilp/internal/crypto"
	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/oer"
)

const version = 1

// Packet is the plaintext carried (encrypted) in an ILP packet's data field.
type Packet struct {
	Sequence      uint64
	IlpPacketType ilp.Type
	PrepareAmount uint64
	Frames        []Frame
}

// MarshalBinary encodes the packet with frames in ascending type order (stable for equal types).
func (p *Packet) MarshalBinary() ([]byte, error) {
	frames := append([]Frame(nil), p.Frames...)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Type() < frames[j].Type() })

	b := []byte{version, byte(p.IlpPacketType)}
	b = oer.AppendVarUint(b, p.Sequence)
	b = oer.AppendVarUint(b, p.PrepareAmount)
	b = oer.AppendVarUint(b, uint64(len(frames)))
	for _, f := range frames {
		b = append(b, byte(f.Type()))
		b = oer.AppendVarOctets(b, f.appendContents(nil))
	}
	return b, nil
}

// UnmarshalBinary decodes a plaintext packet; unknown frame types are skipped.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := oer.NewReader(b)
	v, err := r.ReadByte()
	if err != nil {
		return err
	}
	if v != version {
		return fmt.Errorf("unsupported version %d", v)
	}
	t, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch ilp.Type(t) {
	case ilp.TypePrepare, ilp.TypeFulfill, ilp.TypeReject:
	default:
		return fmt.Errorf("bad ilp packet type %d", t)
	}
	seq, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	amount, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	n, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	// each frame is at least two bytes
	if n > uint64(r.Len()/2) {
		return fmt.Errorf("frame count %d exceeds data", n)
	}
	frames := make([]Frame, 0, n)
	for i := uint64(0); i < n; i++ {
		ft, err := r.ReadByte()
		if err != nil {
			return err
		}
		contents, err := r.ReadVarOctets()
		if err != nil {
			return err
		}
		f, known, err := decodeFrame(FrameType(ft), contents)
		if err != nil {
			return fmt.Errorf("frame %#x: %w", ft, err)
		}
		if known {
			frames = append(frames, f)
		}
	}
	*p = Packet{Sequence: seq, IlpPacketType: ilp.Type(t), PrepareAmount: amount, Frames: frames}
	return nil
}

// Seal encodes and encrypts p under key; nonce read from rand.
func (p *Packet) Seal(rand io.Reader, key []byte) ([]byte, error) {
	plain, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return crypto.Seal(rand, key, plain)
}

// Open decrypts and decodes data; any failure is ErrAuthentication.
func Open(key, data []byte) (*Packet, error) {
	plain, err := crypto.Open(key, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	p := new(Packet)
	if err := p.UnmarshalBinary(plain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return p, nil
}

// frame returns the first frame of type t, or nil.
func (p *Packet) frame(t FrameType) Frame {
	for _, f := range p.Frames {
		if f.Type() == t {
			return f
		}
	}
	return nil
}
