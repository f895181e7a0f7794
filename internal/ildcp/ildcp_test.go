package ildcp

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

var parent = ilp.MustParseAddress("example.parent")

func TestResponseWireFormat(t *testing.T) {
	r := &Response{ClientAddress: "example.parent.child", AssetScale: 9, AssetCode: "XRP"}
	b, _ := r.MarshalBinary()
	want := append([]byte{20}, "example.parent.child"...)
	want = append(want, 9, 3, 'X', 'R', 'P')
	if !bytes.Equal(b, want) {
		t.Fatalf("got %x want %x", b, want)
	}
	var got Response
	if err := got.UnmarshalBinary(b); err != nil || got != *r {
		t.Fatalf("roundtrip: %+v %v", got, err)
	}
	if err := got.UnmarshalBinary(b[:len(b)-1]); err == nil {
		t.Fatal("expected error on truncated code")
	}
}

func TestFetchFromService(t *testing.T) {
	child := &store.Account{ID: 4, ILPAddress: "example.parent.child", AssetCode: "USD", AssetScale: 2}
	svc := NewService(parent, service.Rejecter{Address: parent})

	res, err := Fetch(context.Background(), svc, child)
	if err != nil {
		t.Fatal(err)
	}
	if res.ClientAddress != child.ILPAddress || res.AssetCode != "USD" || res.AssetScale != 2 {
		t.Fatalf("got %+v", res)
	}
}

func TestServicePassesThrough(t *testing.T) {
	svc := NewService(parent, service.Rejecter{Address: parent})
	req := &service.Request{Prepare: &ilp.Prepare{Destination: "example.other"}}
	if _, rej := svc.HandleRequest(context.Background(), req); rej == nil || rej.Code != ilp.F02Unreachable {
		t.Fatalf("expected Rejecter's F02, got %v", rej)
	}
}

func TestFetchRejected(t *testing.T) {
	svc := NewService(parent, service.Rejecter{Address: parent})
	_, err := Fetch(context.Background(), svc, nil)
	if err == nil || !strings.Contains(err.Error(), "F02") {
		t.Fatalf("expected reject error, got %v", err)
	}
}
