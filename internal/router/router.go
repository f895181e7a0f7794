// Package router: longest-prefix ILP routing over the account set.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// ErrNoRouteFound: no prefix in the table matches the destination.
var ErrNoRouteFound = errors.New("router: no route found")

// AccountLister is the store boundary the router is built from.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]store.Account, error)
}

type route struct {
	prefix  string
	account *store.Account
}

// Table is an immutable ordered prefix table.
type Table struct {
	routes []route
}

// NewTable builds the table in registration order: accounts in order, per account its address then additional routes.
func NewTable(accounts []store.Account) *Table {
	t := &Table{}
	for i := range accounts {
		a := accounts[i]
		for _, prefix := range a.Prefixes() {
			t.routes = append(t.routes, route{prefix: prefix, account: &a})
		}
	}
	return t
}

// Len is the number of entries.
func (t *Table) Len() int { return len(t.routes) }

// Lookup returns the longest matching entry; equal lengths go to the first registered.
func (t *Table) Lookup(dest ilp.Address) (*store.Account, error) {
	best := -1
	for i, r := range t.routes {
		if !dest.HasPrefix(r.prefix) {
			continue
		}
		if best < 0 || len(r.prefix) > len(t.routes[best].prefix) {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRouteFound, dest)
	}
	return t.routes[best].account, nil
}

// Router picks the next-hop account and hands the request to next (outgoing transport).
type Router struct {
	Address ilp.Address
	next    service.Handler
	table   atomic.Pointer[Table]
}

// New builds a router over accounts; address is used as TriggeredBy on F02.
func New(address ilp.Address, next service.Handler, accounts []store.Account) *Router {
	r := &Router{Address: address, next: next}
	r.Rebuild(accounts)
	return r
}

// FromStore lists accounts once and builds the router.
func FromStore(ctx context.Context, address ilp.Address, next service.Handler, lister AccountLister) (*Router, error) {
	accounts, err := lister.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return New(address, next, accounts), nil
}

// Rebuild replaces the table wholesale; in-flight lookups keep the old one.
func (r *Router) Rebuild(accounts []store.Account) {
	t := NewTable(accounts)
	r.table.Store(t)
	log.WithField("routes", t.Len()).Debug("routing table rebuilt")
}

// Reload re-reads accounts from lister and swaps the table.
func (r *Router) Reload(ctx context.Context, lister AccountLister) error {
	accounts, err := lister.ListAccounts(ctx)
	if err != nil {
		return err
	}
	r.Rebuild(accounts)
	return nil
}

// Route returns the next-hop account for dest.
func (r *Router) Route(dest ilp.Address) (*store.Account, error) {
	return r.table.Load().Lookup(dest)
}

func (r *Router) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	to, err := r.Route(req.Prepare.Destination)
	if err != nil {
		return nil, ilp.NewReject(ilp.F02Unreachable, r.Address, "no route to %s", req.Prepare.Destination)
	}
	out := *req
	out.To = to
	return r.next.HandleRequest(ctx, &out)
}
