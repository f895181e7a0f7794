package stream

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/oer"
)

func TestPacketRoundTripSortsFrames(t *testing.T) {
	in := &Packet{
		Sequence:      7,
		IlpPacketType: ilp.TypeFulfill,
		PrepareAmount: 1000,
		Frames: []Frame{
			&StreamMaxMoney{StreamID: 1, ReceiveMax: 500, TotalReceived: 20},
			&StreamMoney{StreamID: 1, Shares: 3},
			&ConnectionClose{Code: ApplicationError, Message: "bye"},
			&ConnectionAssetDetails{Code: "XRP", Scale: 9},
			&ConnectionNewAddress{Address: "example.alice"},
			&StreamClose{StreamID: 1, Code: NoError},
		},
	}
	b, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var out Packet
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if out.Sequence != 7 || out.IlpPacketType != ilp.TypeFulfill || out.PrepareAmount != 1000 {
		t.Fatalf("header mismatch: %+v", out)
	}
	want := []FrameType{TypeConnectionClose, TypeConnectionNewAddress, TypeConnectionAssetDetails, TypeStreamClose, TypeStreamMoney, TypeStreamMaxMoney}
	if len(out.Frames) != len(want) {
		t.Fatalf("got %d frames", len(out.Frames))
	}
	for i, f := range out.Frames {
		if f.Type() != want[i] {
			t.Fatalf("frame %d: got %#x want %#x", i, f.Type(), want[i])
		}
	}
	if mm := out.frame(TypeStreamMaxMoney).(*StreamMaxMoney); mm.ReceiveMax != 500 || mm.TotalReceived != 20 {
		t.Fatalf("max money: %+v", mm)
	}
	if ad := out.frame(TypeConnectionAssetDetails).(*ConnectionAssetDetails); ad.Code != "XRP" || ad.Scale != 9 {
		t.Fatalf("asset details: %+v", ad)
	}
	// input order untouched
	if in.Frames[0].Type() != TypeStreamMaxMoney {
		t.Fatal("marshal reordered caller's frames")
	}
}

func TestPacketSkipsUnknownFrames(t *testing.T) {
	b := []byte{version, byte(ilp.TypePrepare)}
	b = oer.AppendVarUint(b, 1)
	b = oer.AppendVarUint(b, 0)
	b = oer.AppendVarUint(b, 2)
	b = append(b, 0x42)
	b = oer.AppendVarOctets(b, []byte("future"))
	b = append(b, byte(TypeStreamMoney))
	b = oer.AppendVarOctets(b, (&StreamMoney{StreamID: 1, Shares: 9}).appendContents(nil))

	var p Packet
	if err := p.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if len(p.Frames) != 1 || p.Frames[0].Type() != TypeStreamMoney {
		t.Fatalf("frames: %+v", p.Frames)
	}
}

func TestPacketRejectsMalformed(t *testing.T) {
	good, _ := (&Packet{Sequence: 1, IlpPacketType: ilp.TypePrepare}).MarshalBinary()
	cases := map[string][]byte{
		"empty":       nil,
		"version":     append([]byte{2}, good[1:]...),
		"packet_type": append([]byte{version, 99}, good[2:]...),
		"truncated":   good[:3],
		"frame_count": append(append([]byte{}, good[:len(good)-2]...), 0x01, 0x7f),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			var p Packet
			if err := p.UnmarshalBinary(b); err == nil {
				t.Fatalf("expected error for %x", b)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	p := &Packet{Sequence: 3, IlpPacketType: ilp.TypeReject, Frames: []Frame{&StreamMoney{StreamID: 1, Shares: 1}}}
	ct, err := p.Seal(rand.Reader, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Open(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 3 || got.IlpPacketType != ilp.TypeReject {
		t.Fatalf("got %+v", got)
	}

	other := bytes.Repeat([]byte{2}, 32)
	if _, err := Open(other, ct); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong key: %v", err)
	}
	ct[len(ct)-1] ^= 1
	if _, err := Open(key, ct); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("tampered: %v", err)
	}
	if _, err := Open(key, []byte{1, 2, 3}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("short: %v", err)
	}
}

func TestErrorCodeString(t *testing.T) {
	if NoError.String() != "NoError" || ApplicationError.String() != "ApplicationError" {
		t.Fatal("names")
	}
	if ErrorCode(0x77).String() != "ErrorCode(119)" {
		t.Fatal(ErrorCode(0x77).String())
	}
}

func TestConnectionGenerator(t *testing.T) {
	base := ilp.MustParseAddress("example.receiver")
	g := NewConnectionGenerator([]byte("server secret"), rand.Reader)

	addr, secret, err := g.Generate(base)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.HasPrefix(string(base)) || len(secret) != SharedSecretSize {
		t.Fatalf("addr %s secret %d bytes", addr, len(secret))
	}
	again, err := g.Rederive(base, addr)
	if err != nil || !bytes.Equal(again, secret) {
		t.Fatalf("rederive: %v", err)
	}
	// trailing segments after the token are the sender's to use
	sub, _ := addr.With("extra")
	if s, err := g.Rederive(base, sub); err != nil || !bytes.Equal(s, secret) {
		t.Fatalf("rederive sub-address: %v", err)
	}

	addr2, secret2, _ := g.Generate(base)
	if addr2 == addr || bytes.Equal(secret2, secret) {
		t.Fatal("generated duplicate connection")
	}
	if _, err := g.Rederive(ilp.MustParseAddress("example.other"), addr); err == nil {
		t.Fatal("expected error for foreign base")
	}
	if _, err := g.Rederive(base, base+".not-a-token"); err == nil {
		t.Fatal("expected error for bad token")
	}

	other := NewConnectionGenerator([]byte("different"), rand.Reader)
	if s, _ := other.Rederive(base, addr); bytes.Equal(s, secret) {
		t.Fatal("secret does not depend on server secret")
	}
	if connectionKey(secret) == connectionKey(secret2) {
		t.Fatal("connection keys collide")
	}
}
