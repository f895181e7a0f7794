// Package service: the handler pipeline every ILP component composes against.
//
// A Handler answers one Prepare with exactly one of Fulfill or Reject.
// Middleware (validators, logger) wraps exactly one inner Handler and is
// composed once at construction time.
package service

import (
	"context"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/store"
)

// Request is a Prepare plus the accounts it came from / goes to.
// To is nil until the router picks the next hop.
type Request struct {
	From    *store.Account
	To      *store.Account
	Prepare *ilp.Prepare
}

// Handler answers a request; exactly one result is non-nil.
type Handler interface {
	HandleRequest(ctx context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject)
}

// HandlerFunc adapts a func to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject)

func (f HandlerFunc) HandleRequest(ctx context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject) {
	return f(ctx, req)
}

// Rejecter always rejects with F02; fallback at the end of a pipeline.
type Rejecter struct {
	Address ilp.Address
}

func (r Rejecter) HandleRequest(_ context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject) {
	return nil, ilp.NewReject(ilp.F02Unreachable, r.Address, "no handler for %s", req.Prepare.Destination)
}
