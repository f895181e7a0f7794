package service

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/store"
)

var node = ilp.MustParseAddress("example.node")

func fulfillWith(preimage [32]byte) Handler {
	return HandlerFunc(func(context.Context, *Request) (*ilp.Fulfill, *ilp.Reject) {
		return &ilp.Fulfill{Fulfillment: preimage}, nil
	})
}

func mkRequest(amount uint64, expires time.Time, preimage [32]byte) *Request {
	return &Request{Prepare: &ilp.Prepare{
		Amount:             amount,
		ExpiresAt:          expires,
		ExecutionCondition: sha256.Sum256(preimage[:]),
		Destination:        ilp.MustParseAddress("example.bob"),
	}}
}

func TestRejecter(t *testing.T) {
	ful, rej := Rejecter{Address: node}.HandleRequest(context.Background(), mkRequest(1, time.Now().Add(time.Minute), [32]byte{}))
	if ful != nil || rej == nil || rej.Code != ilp.F02Unreachable || rej.TriggeredBy != node {
		t.Fatalf("got %v %v", ful, rej)
	}
}

func TestIncomingValidator(t *testing.T) {
	var preimage [32]byte
	preimage[0] = 1
	v := NewIncomingValidator(node, fulfillWith(preimage))

	t.Run("passes_valid", func(t *testing.T) {
		ful, rej := v.HandleRequest(context.Background(), mkRequest(5, time.Now().Add(time.Minute), preimage))
		if rej != nil || ful == nil {
			t.Fatalf("expected fulfill, got %v", rej)
		}
	})

	t.Run("rejects_expired", func(t *testing.T) {
		_, rej := v.HandleRequest(context.Background(), mkRequest(5, time.Now().Add(-time.Second), preimage))
		if rej == nil || rej.Code != ilp.R00TransferTimedOut {
			t.Fatalf("expected R00, got %v", rej)
		}
	})

	t.Run("rejects_wrong_fulfillment", func(t *testing.T) {
		wrong := NewIncomingValidator(node, fulfillWith([32]byte{2}))
		ful, rej := wrong.HandleRequest(context.Background(), mkRequest(5, time.Now().Add(time.Minute), preimage))
		if ful != nil || rej == nil || rej.Code != ilp.F09InvalidFulfillment {
			t.Fatalf("expected F09, got %v %v", ful, rej)
		}
	})

	t.Run("nil_response", func(t *testing.T) {
		empty := NewIncomingValidator(node, HandlerFunc(func(context.Context, *Request) (*ilp.Fulfill, *ilp.Reject) {
			return nil, nil
		}))
		_, rej := empty.HandleRequest(context.Background(), mkRequest(5, time.Now().Add(time.Minute), preimage))
		if rej == nil || rej.Code != ilp.T00InternalError {
			t.Fatalf("expected T00, got %v", rej)
		}
	})
}

func TestOutgoingValidatorMaxPacketAmount(t *testing.T) {
	var preimage [32]byte
	called := false
	next := HandlerFunc(func(context.Context, *Request) (*ilp.Fulfill, *ilp.Reject) {
		called = true
		return &ilp.Fulfill{Fulfillment: preimage}, nil
	})
	v := NewOutgoingValidator(node, next)
	req := mkRequest(100, time.Now().Add(time.Minute), preimage)
	req.To = &store.Account{ID: 2, MaxPacketAmount: 10}
	_, rej := v.HandleRequest(context.Background(), req)
	if rej == nil || rej.Code != ilp.F08AmountTooLarge {
		t.Fatalf("expected F08, got %v", rej)
	}
	if called {
		t.Fatal("next must not be called")
	}
	d, ok := ilp.ParseMaxPacketAmountDetails(rej.Data)
	if !ok || d.Received != 100 || d.Max != 10 {
		t.Fatalf("details %+v %v", d, ok)
	}

	req.Prepare.Amount = 10
	if ful, rej := v.HandleRequest(context.Background(), req); ful == nil || rej != nil {
		t.Fatalf("expected fulfill at max, got %v", rej)
	}
}

func TestLoggerPassesThrough(t *testing.T) {
	var preimage [32]byte
	l := NewLogger("test", fulfillWith(preimage))
	req := mkRequest(1, time.Now().Add(time.Minute), preimage)
	req.From = &store.Account{ID: 1}
	if ful, rej := l.HandleRequest(context.Background(), req); ful == nil || rej != nil {
		t.Fatalf("got %v %v", ful, rej)
	}
	r := NewLogger("test", Rejecter{Address: node})
	if _, rej := r.HandleRequest(context.Background(), req); rej == nil {
		t.Fatal("expected reject to pass through")
	}
}
