package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
)

var receiverAddr = ilp.MustParseAddress("example.receiver")

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	return NewReceiver(receiverAddr, bytes.Repeat([]byte{7}, 32), ConnectionAssetDetails{Code: "USD", Scale: 2},
		service.Rejecter{Address: receiverAddr})
}

func sealedPrepare(t *testing.T, secret []byte, dest ilp.Address, amount uint64, frames ...Frame) *ilp.Prepare {
	t.Helper()
	k := deriveKeys(secret)
	data, err := (&Packet{Sequence: 1, IlpPacketType: ilp.TypePrepare, Frames: frames}).Seal(rand.Reader, k.encryption)
	if err != nil {
		t.Fatal(err)
	}
	return &ilp.Prepare{
		Amount:             amount,
		ExpiresAt:          time.Now().Add(time.Minute),
		ExecutionCondition: ilp.Condition(k.fulfillmentFor(data)),
		Destination:        dest,
		Data:               data,
	}
}

func handle(r *Receiver, p *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject) {
	return r.HandleRequest(context.Background(), &service.Request{Prepare: p})
}

func TestReceiverFulfills(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, err := r.GenerateAddressAndSecret()
	if err != nil {
		t.Fatal(err)
	}
	p := sealedPrepare(t, secret, dest, 25, &StreamMoney{StreamID: 1, Shares: 1})
	ful, rej := handle(r, p)
	if rej != nil {
		t.Fatalf("rejected: %v", rej)
	}
	if !p.Matches(ful) {
		t.Fatal("fulfillment does not match")
	}
	resp, err := Open(deriveKeys(secret).encryption, ful.Data)
	if err != nil {
		t.Fatal(err)
	}
	if resp.IlpPacketType != ilp.TypeFulfill || resp.PrepareAmount != 25 || resp.Sequence != 1 {
		t.Fatalf("response: %+v", resp)
	}
	conns := r.Connections()
	if len(conns) != 1 || conns[0].Received != 25 || conns[0].Key != connectionKey(secret) {
		t.Fatalf("connections: %+v", conns)
	}
}

func TestReceiverRedeliveryIsIdempotent(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, _ := r.GenerateAddressAndSecret()
	p := sealedPrepare(t, secret, dest, 10, &StreamMoney{StreamID: 1, Shares: 1})

	first, rej := handle(r, p)
	if rej != nil {
		t.Fatal(rej)
	}
	second, rej := handle(r, p)
	if rej != nil {
		t.Fatal(rej)
	}
	if first.Fulfillment != second.Fulfillment || !bytes.Equal(first.Data, second.Data) {
		t.Fatal("re-delivery produced a different fulfill")
	}
	if got := r.Connections()[0].Received; got != 10 {
		t.Fatalf("credited %d, want 10", got)
	}
}

func TestReceiverHandshakeLearnsPeer(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, _ := r.GenerateAddressAndSecret()
	p := sealedPrepare(t, secret, dest, 0,
		&ConnectionNewAddress{Address: "example.sender"},
		&ConnectionAssetDetails{Code: "EUR", Scale: 3})
	ful, rej := handle(r, p)
	if rej != nil {
		t.Fatal(rej)
	}
	resp, err := Open(deriveKeys(secret).encryption, ful.Data)
	if err != nil {
		t.Fatal(err)
	}
	ad, ok := responseFrame[*ConnectionAssetDetails](resp, TypeConnectionAssetDetails)
	if !ok || ad.Code != "USD" || ad.Scale != 2 {
		t.Fatalf("asset details: %+v", resp.Frames)
	}
	c := r.Connections()[0]
	if c.SourceAddress != "example.sender" || c.SourceAsset == nil || c.SourceAsset.Code != "EUR" {
		t.Fatalf("connection: %+v", c)
	}
}

func TestReceiverAssetIsFixed(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, _ := r.GenerateAddressAndSecret()
	eur := &ConnectionAssetDetails{Code: "EUR", Scale: 3}
	if _, rej := handle(r, sealedPrepare(t, secret, dest, 0, eur)); rej != nil {
		t.Fatal(rej)
	}
	// repeating the same details is fine
	if _, rej := handle(r, sealedPrepare(t, secret, dest, 5, eur, &StreamMoney{StreamID: 1, Shares: 1})); rej != nil {
		t.Fatal(rej)
	}

	_, rej := handle(r, sealedPrepare(t, secret, dest, 5,
		&ConnectionAssetDetails{Code: "EUR", Scale: 2}, &StreamMoney{StreamID: 1, Shares: 1}))
	if rej == nil || rej.Code != ilp.F99ApplicationError {
		t.Fatalf("expected F99, got %v", rej)
	}
	resp, err := Open(deriveKeys(secret).encryption, rej.Data)
	if err != nil {
		t.Fatal(err)
	}
	cc, ok := responseFrame[*ConnectionClose](resp, TypeConnectionClose)
	if !ok || cc.Code != ProtocolViolation {
		t.Fatalf("response frames: %+v", resp.Frames)
	}
	c := r.Connections()[0]
	if c.Received != 5 || !c.Closed || c.SourceAsset.Code != "EUR" || c.SourceAsset.Scale != 3 {
		t.Fatalf("connection: %+v", c)
	}
}

func TestReceiverRejects(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, _ := r.GenerateAddressAndSecret()
	money := &StreamMoney{StreamID: 1, Shares: 1}

	t.Run("foreign_address", func(t *testing.T) {
		p := sealedPrepare(t, secret, ilp.MustParseAddress("example.elsewhere"), 1, money)
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.F02Unreachable {
			t.Fatalf("expected next handler's F02, got %v", rej)
		}
	})

	t.Run("wrong_secret", func(t *testing.T) {
		p := sealedPrepare(t, bytes.Repeat([]byte{9}, 32), dest, 1, money)
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.F06UnexpectedPayment {
			t.Fatalf("expected F06, got %v", rej)
		}
	})

	t.Run("tampered_data", func(t *testing.T) {
		p := sealedPrepare(t, secret, dest, 1, money)
		p.Data[len(p.Data)-1] ^= 0xff
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.F06UnexpectedPayment {
			t.Fatalf("expected F06, got %v", rej)
		}
	})

	t.Run("garbage_data", func(t *testing.T) {
		p := sealedPrepare(t, secret, dest, 1, money)
		p.Data = []byte("hello")
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.F06UnexpectedPayment {
			t.Fatalf("expected F06, got %v", rej)
		}
	})

	t.Run("wrong_condition", func(t *testing.T) {
		p := sealedPrepare(t, secret, dest, 1, money)
		p.ExecutionCondition[0] ^= 1
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.F05WrongCondition {
			t.Fatalf("expected F05, got %v", rej)
		}
	})

	t.Run("expired", func(t *testing.T) {
		p := sealedPrepare(t, secret, dest, 1, money)
		p.ExpiresAt = time.Now().Add(-time.Second)
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.R00TransferTimedOut {
			t.Fatalf("expected R00, got %v", rej)
		}
	})

	t.Run("money_without_stream", func(t *testing.T) {
		p := sealedPrepare(t, secret, dest, 5)
		_, rej := handle(r, p)
		if rej == nil || rej.Code != ilp.F99ApplicationError {
			t.Fatalf("expected F99, got %v", rej)
		}
	})

	if len(r.Connections()) != 1 || r.Connections()[0].Received != 0 {
		t.Fatalf("rejected prepares credited: %+v", r.Connections())
	}
}

func TestReceiverMinimumAmount(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, _ := r.GenerateAddressAndSecret()
	k := deriveKeys(secret)
	data, _ := (&Packet{Sequence: 4, IlpPacketType: ilp.TypePrepare, PrepareAmount: 50,
		Frames: []Frame{&StreamMoney{StreamID: 1, Shares: 1}}}).Seal(rand.Reader, k.encryption)
	p := &ilp.Prepare{Amount: 40, ExpiresAt: time.Now().Add(time.Minute),
		ExecutionCondition: ilp.Condition(k.fulfillmentFor(data)), Destination: dest, Data: data}

	_, rej := handle(r, p)
	if rej == nil || rej.Code != ilp.F99ApplicationError {
		t.Fatalf("expected F99, got %v", rej)
	}
	resp, err := Open(k.encryption, rej.Data)
	if err != nil {
		t.Fatal(err)
	}
	if resp.IlpPacketType != ilp.TypeReject || resp.PrepareAmount != 40 || resp.Sequence != 4 {
		t.Fatalf("response: %+v", resp)
	}
}

func TestReceiverMax(t *testing.T) {
	r := newTestReceiver(t)
	r.ReceiveMax = 30
	dest, secret, _ := r.GenerateAddressAndSecret()
	money := &StreamMoney{StreamID: 1, Shares: 1}

	if _, rej := handle(r, sealedPrepare(t, secret, dest, 20, money)); rej != nil {
		t.Fatal(rej)
	}
	_, rej := handle(r, sealedPrepare(t, secret, dest, 20, money))
	if rej == nil || rej.Code != ilp.F99ApplicationError {
		t.Fatalf("expected F99, got %v", rej)
	}
	resp, err := Open(deriveKeys(secret).encryption, rej.Data)
	if err != nil {
		t.Fatal(err)
	}
	mm, ok := responseFrame[*StreamMaxMoney](resp, TypeStreamMaxMoney)
	if !ok || mm.ReceiveMax != 30 || mm.TotalReceived != 20 {
		t.Fatalf("max money: %+v", resp.Frames)
	}
	if _, rej := handle(r, sealedPrepare(t, secret, dest, 10, money)); rej != nil {
		t.Fatalf("exactly reaching max: %v", rej)
	}
}

func TestReceiverClosedConnection(t *testing.T) {
	r := newTestReceiver(t)
	dest, secret, _ := r.GenerateAddressAndSecret()
	if _, rej := handle(r, sealedPrepare(t, secret, dest, 0, &ConnectionClose{Code: NoError})); rej != nil {
		t.Fatal(rej)
	}
	_, rej := handle(r, sealedPrepare(t, secret, dest, 1, &StreamMoney{StreamID: 1, Shares: 1}))
	if rej == nil || rej.Code != ilp.F99ApplicationError {
		t.Fatalf("expected F99, got %v", rej)
	}
	resp, err := Open(deriveKeys(secret).encryption, rej.Data)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := responseFrame[*ConnectionClose](resp, TypeConnectionClose); !ok {
		t.Fatalf("expected ConnectionClose frame, got %+v", resp.Frames)
	}
	if !r.Connections()[0].Closed {
		t.Fatal("connection not marked closed")
	}
}

func TestReceiverSetAddress(t *testing.T) {
	r := NewReceiver("", []byte("s"), ConnectionAssetDetails{Code: "USD"}, service.Rejecter{Address: receiverAddr})
	p := &ilp.Prepare{Destination: ilp.MustParseAddress("example.receiver.x"), ExpiresAt: time.Now().Add(time.Minute)}
	if _, rej := handle(r, p); rej == nil || rej.Code != ilp.F02Unreachable {
		t.Fatalf("unconfigured receiver should pass through, got %v", rej)
	}
	r.SetAddress(receiverAddr)
	if r.Address() != receiverAddr {
		t.Fatal("address not set")
	}
	dest, _, err := r.GenerateAddressAndSecret()
	if err != nil || !dest.HasPrefix(string(receiverAddr)) {
		t.Fatalf("generated %s: %v", dest, err)
	}
}
