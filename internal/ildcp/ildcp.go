// Package ildcp implements peer.config: a child asks its parent for its ILP address and asset.
package ildcp

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/oer"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// Destination of config requests.
const Destination ilp.Address = "peer.config"

const requestTimeout = time.Minute

var (
	fulfillment [32]byte
	condition   = sha256.Sum256(fulfillment[:])
)

// Response: the child's address and asset as seen by the parent.
type Response struct {
	ClientAddress ilp.Address
	AssetScale    uint8
	AssetCode     string
}

// MarshalBinary: var-octets address, u8 scale, var-octets code.
func (r *Response) MarshalBinary() ([]byte, error) {
	b := oer.AppendVarOctets(nil, []byte(r.ClientAddress))
	b = append(b, r.AssetScale)
	return oer.AppendVarOctets(b, []byte(r.AssetCode)), nil
}

func (r *Response) UnmarshalBinary(b []byte) error {
	rd := oer.NewReader(b)
	addr, err := rd.ReadVarOctets()
	if err != nil {
		return err
	}
	a, err := ilp.ParseAddress(string(addr))
	if err != nil {
		return err
	}
	scale, err := rd.ReadByte()
	if err != nil {
		return err
	}
	code, err := rd.ReadVarOctets()
	if err != nil {
		return err
	}
	*r = Response{ClientAddress: a, AssetScale: scale, AssetCode: string(code)}
	return nil
}

// Service answers peer.config for the requesting account; everything else goes to Next.
type Service struct {
	Next    service.Handler
	Address ilp.Address
}

func NewService(address ilp.Address, next service.Handler) *Service {
	return &Service{Next: next, Address: address}
}

func (s *Service) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	if req.Prepare.Destination != Destination {
		return s.Next.HandleRequest(ctx, req)
	}
	from := req.From
	if from == nil || from.ILPAddress == "" {
		return nil, ilp.NewReject(ilp.F02Unreachable, s.Address, "no account for config request")
	}
	data, _ := (&Response{ClientAddress: from.ILPAddress, AssetScale: from.AssetScale, AssetCode: from.AssetCode}).MarshalBinary()
	log.WithFields(log.Fields{"account": from.ID, "address": from.ILPAddress}).Debug("answered peer.config")
	return &ilp.Fulfill{Fulfillment: fulfillment, Data: data}, nil
}

// Fetch asks the parent behind next for our config.
func Fetch(ctx context.Context, next service.Handler, from *store.Account) (*Response, error) {
	prepare := &ilp.Prepare{
		Amount:             0,
		ExpiresAt:          time.Now().Add(requestTimeout),
		ExecutionCondition: condition,
		Destination:        Destination,
	}
	ctx, cancel := context.WithDeadline(ctx, prepare.ExpiresAt)
	defer cancel()
	ful, rej := next.HandleRequest(ctx, &service.Request{From: from, Prepare: prepare})
	if rej != nil {
		return nil, fmt.Errorf("ildcp: rejected: %s", rej)
	}
	if ful == nil {
		return nil, fmt.Errorf("ildcp: no response")
	}
	if !prepare.Matches(ful) {
		return nil, fmt.Errorf("ildcp: fulfillment does not match")
	}
	var res Response
	if err := res.UnmarshalBinary(ful.Data); err != nil {
		return nil, fmt.Errorf("ildcp: bad response: %w", err)
	}
	return &res, nil
}
