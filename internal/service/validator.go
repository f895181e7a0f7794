package service

import (
	"context"
	"time"

	"dev.c0redev.ilp/internal/ilp"
)

// IncomingValidator rejects expired prepares from peers and checks the fulfillment coming back.
type IncomingValidator struct {
	Next    Handler
	Address ilp.Address
	Now     func() time.Time
}

// NewIncomingValidator wraps next.
func NewIncomingValidator(address ilp.Address, next Handler) *IncomingValidator {
	return &IncomingValidator{Next: next, Address: address, Now: time.Now}
}

func (v *IncomingValidator) HandleRequest(ctx context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject) {
	if rej := checkPrepare(v.Address, req.Prepare, v.Now()); rej != nil {
		return nil, rej
	}
	return forward(ctx, v.Address, v.Next, req)
}

// OutgoingValidator enforces expiry and the next hop's max packet amount before forwarding,
// and never lets a wrong fulfillment through.
type OutgoingValidator struct {
	Next    Handler
	Address ilp.Address
	Now     func() time.Time
}

// NewOutgoingValidator wraps next.
func NewOutgoingValidator(address ilp.Address, next Handler) *OutgoingValidator {
	return &OutgoingValidator{Next: next, Address: address, Now: time.Now}
}

func (v *OutgoingValidator) HandleRequest(ctx context.Context, req *Request) (*ilp.Fulfill, *ilp.Reject) {
	if rej := checkPrepare(v.Address, req.Prepare, v.Now()); rej != nil {
		return nil, rej
	}
	if req.To != nil && req.To.MaxPacketAmount > 0 && req.Prepare.Amount > req.To.MaxPacketAmount {
		rej := ilp.NewReject(ilp.F08AmountTooLarge, v.Address, "packet amount %d exceeds maximum %d",
			req.Prepare.Amount, req.To.MaxPacketAmount)
		rej.Data = ilp.MaxPacketAmountDetails{Received: req.Prepare.Amount, Max: req.To.MaxPacketAmount}.MarshalBinary()
		return nil, rej
	}
	return forward(ctx, v.Address, v.Next, req)
}

func checkPrepare(address ilp.Address, p *ilp.Prepare, now time.Time) *ilp.Reject {
	if p == nil {
		return ilp.NewReject(ilp.F00BadRequest, address, "missing prepare")
	}
	if p.Expired(now) {
		return ilp.NewReject(ilp.R00TransferTimedOut, address, "prepare expired at %s", p.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func forward(ctx context.Context, address ilp.Address, next Handler, req *Request) (*ilp.Fulfill, *ilp.Reject) {
	ful, rej := next.HandleRequest(ctx, req)
	if rej != nil {
		return nil, rej
	}
	if ful == nil {
		return nil, ilp.NewReject(ilp.T00InternalError, address, "handler returned no response")
	}
	if !req.Prepare.Matches(ful) {
		return nil, ilp.NewReject(ilp.F09InvalidFulfillment, address, "fulfillment does not match condition")
	}
	return ful, nil
}
