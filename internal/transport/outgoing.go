package transport

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/btp"
	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// Outgoing picks the transport per destination account: a live BTP session first,
// then HTTP if the account has an endpoint, then a lazily dialed BTP session if it has a BTPAddr.
type Outgoing struct {
	Address ilp.Address
	HTTP    service.Handler
	// Dial opens (and starts running) a BTP session to the account; nil disables dialing.
	Dial func(ctx context.Context, to *store.Account) (*btp.Conn, error)

	mu    sync.Mutex
	conns map[int64]*btp.Conn
}

func NewOutgoing(address ilp.Address, http service.Handler) *Outgoing {
	return &Outgoing{Address: address, HTTP: http, conns: make(map[int64]*btp.Conn)}
}

// AddBTP registers a session for its peer account until the session closes.
func (o *Outgoing) AddBTP(c *btp.Conn) {
	id := c.Peer().ID
	o.mu.Lock()
	if old, ok := o.conns[id]; ok && old != c {
		old.Close()
	}
	o.conns[id] = c
	o.mu.Unlock()
	go func() {
		<-c.Done()
		o.mu.Lock()
		if o.conns[id] == c {
			delete(o.conns, id)
		}
		o.mu.Unlock()
	}()
}

func (o *Outgoing) session(id int64) *btp.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns[id]
}

func (o *Outgoing) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	to := req.To
	if to == nil {
		return nil, ilp.NewReject(ilp.F02Unreachable, o.Address, "no destination account")
	}
	if c := o.session(to.ID); c != nil {
		return c.HandleRequest(ctx, req)
	}
	if to.HTTPEndpoint != "" && o.HTTP != nil {
		return o.HTTP.HandleRequest(ctx, req)
	}
	if to.BTPAddr != "" && o.Dial != nil {
		c, err := o.Dial(ctx, to)
		if err != nil {
			log.WithError(err).WithField("peer", to.ILPAddress).Warn("btp dial failed")
			return nil, ilp.NewReject(ilp.T01PeerUnreachable, o.Address, "peer unreachable")
		}
		o.AddBTP(c)
		return c.HandleRequest(ctx, req)
	}
	return nil, ilp.NewReject(ilp.F02Unreachable, o.Address, "no transport for account %d", to.ID)
}
