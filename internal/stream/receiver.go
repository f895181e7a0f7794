package stream

import (
	"context"
	"crypto/rand"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
)

// Receiver fulfills STREAM prepares addressed under its base address; everything else goes to Next.
type Receiver struct {
	Next       service.Handler
	Asset      ConnectionAssetDetails
	ReceiveMax uint64 // per connection; 0 = unlimited
	Rand       io.Reader
	Now        func() time.Time

	gen *ConnectionGenerator

	mu      sync.Mutex
	address ilp.Address
	conns   map[string]*connection
}

// connection is one receive-side STREAM connection.
type connection struct {
	mu            sync.Mutex
	key           string
	keys          keys
	sourceAddress string
	sourceAsset   *ConnectionAssetDetails
	received      uint64
	closed        bool
	fulfilled     map[[32]byte]*ilp.Fulfill
}

// ConnectionInfo is a snapshot of one connection.
type ConnectionInfo struct {
	Key           string
	SourceAddress string
	SourceAsset   *ConnectionAssetDetails
	Received      uint64
	Closed        bool
}

// NewReceiver; address may be empty until learned (SetAddress).
func NewReceiver(address ilp.Address, serverSecret []byte, asset ConnectionAssetDetails, next service.Handler) *Receiver {
	return &Receiver{
		Next:    next,
		Asset:   asset,
		Rand:    rand.Reader,
		Now:     time.Now,
		gen:     NewConnectionGenerator(serverSecret, rand.Reader),
		address: address,
		conns:   make(map[string]*connection),
	}
}

// Address is the base address connections are generated under.
func (r *Receiver) Address() ilp.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// SetAddress sets the base address (e.g. from ILDCP).
func (r *Receiver) SetAddress(a ilp.Address) {
	r.mu.Lock()
	r.address = a
	r.mu.Unlock()
}

// GenerateAddressAndSecret hands out a fresh destination + shared secret (SPSP).
func (r *Receiver) GenerateAddressAndSecret() (ilp.Address, []byte, error) {
	return r.gen.Generate(r.Address())
}

// Connections snapshots all connections, sorted by key.
func (r *Receiver) Connections() []ConnectionInfo {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, ConnectionInfo{
			Key:           c.key,
			SourceAddress: c.sourceAddress,
			SourceAsset:   c.sourceAsset,
			Received:      c.received,
			Closed:        c.closed,
		})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Receiver) connection(secret []byte) *connection {
	key := connectionKey(secret)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	if !ok {
		c = &connection{key: key, keys: deriveKeys(secret), fulfilled: make(map[[32]byte]*ilp.Fulfill)}
		r.conns[key] = c
	}
	return c
}

func (r *Receiver) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	base := r.Address()
	prepare := req.Prepare
	if base == "" || prepare.Destination == base || !prepare.Destination.HasPrefix(string(base)) {
		return r.Next.HandleRequest(ctx, req)
	}
	entry := log.WithFields(log.Fields{"destination": prepare.Destination, "amount": prepare.Amount})
	if prepare.Expired(r.Now()) {
		return nil, ilp.NewReject(ilp.R00TransferTimedOut, base, "prepare expired")
	}

	secret, err := r.gen.Rederive(base, prepare.Destination)
	if err != nil {
		entry.WithError(err).Debug("unknown connection token")
		return nil, ilp.NewReject(ilp.F06UnexpectedPayment, base, "")
	}
	k := deriveKeys(secret)
	pkt, err := Open(k.encryption, prepare.Data)
	if err != nil || pkt.IlpPacketType != ilp.TypePrepare {
		entry.Debug("prepare data failed authentication")
		return nil, ilp.NewReject(ilp.F06UnexpectedPayment, base, "")
	}

	fulfillment := k.fulfillmentFor(prepare.Data)
	if ilp.Condition(fulfillment) != prepare.ExecutionCondition {
		entry.Debug("condition does not match derived fulfillment")
		return nil, r.reject(k, ilp.F05WrongCondition, base, pkt, prepare, nil)
	}

	c := r.connection(secret)
	c.mu.Lock()
	defer c.mu.Unlock()

	if ful, ok := c.fulfilled[prepare.ExecutionCondition]; ok {
		entry.Debug("re-delivered prepare, returning cached fulfill")
		return ful, nil
	}
	if c.closed {
		return nil, r.reject(k, ilp.F99ApplicationError, base, pkt, prepare,
			[]Frame{&ConnectionClose{Code: NoError, Message: "connection closed"}})
	}

	var respFrames []Frame
	var hasMoney, closing, assetChanged bool
	for _, f := range pkt.Frames {
		switch f := f.(type) {
		case *ConnectionNewAddress:
			c.sourceAddress = f.Address
		case *ConnectionAssetDetails:
			switch {
			case c.sourceAsset == nil:
				c.sourceAsset = &ConnectionAssetDetails{Code: f.Code, Scale: f.Scale}
			case c.sourceAsset.Code != f.Code || c.sourceAsset.Scale != f.Scale:
				assetChanged = true
			}
		case *StreamMoney:
			hasMoney = true
		case *ConnectionClose:
			closing = true
		}
	}

	// the source asset is fixed for the life of a connection
	if assetChanged {
		entry.WithFields(log.Fields{"code": c.sourceAsset.Code, "scale": c.sourceAsset.Scale}).Info("sender changed asset, closing connection")
		c.closed = true
		return nil, r.reject(k, ilp.F99ApplicationError, base, pkt, prepare,
			[]Frame{&ConnectionClose{Code: ProtocolViolation, Message: "asset details changed"}})
	}
	// zero-amount packets (handshake, close) learn our asset
	if prepare.Amount == 0 {
		respFrames = append(respFrames, &ConnectionAssetDetails{Code: r.Asset.Code, Scale: r.Asset.Scale})
	}
	if prepare.Amount > 0 && !hasMoney {
		return nil, r.reject(k, ilp.F99ApplicationError, base, pkt, prepare, respFrames)
	}
	if prepare.Amount < pkt.PrepareAmount {
		entry.WithField("minimum", pkt.PrepareAmount).Debug("received less than sender's minimum")
		return nil, r.reject(k, ilp.F99ApplicationError, base, pkt, prepare, respFrames)
	}
	receiveMax := r.ReceiveMax
	if receiveMax == 0 {
		receiveMax = math.MaxUint64
	}
	if prepare.Amount > receiveMax-c.received {
		respFrames = append(respFrames, &StreamMaxMoney{StreamID: moneyStreamID, ReceiveMax: receiveMax, TotalReceived: c.received})
		return nil, r.reject(k, ilp.F99ApplicationError, base, pkt, prepare, respFrames)
	}

	c.received += prepare.Amount
	if closing {
		c.closed = true
	}
	respFrames = append(respFrames, &StreamMaxMoney{StreamID: moneyStreamID, ReceiveMax: receiveMax, TotalReceived: c.received})
	resp := &Packet{Sequence: pkt.Sequence, IlpPacketType: ilp.TypeFulfill, PrepareAmount: prepare.Amount, Frames: respFrames}
	data, err := resp.Seal(r.Rand, k.encryption)
	if err != nil {
		// still safe to fulfill: the condition was verified above
		entry.WithError(err).Warn("sealing response")
		data = nil
	}
	ful := &ilp.Fulfill{Fulfillment: fulfillment, Data: data}
	c.fulfilled[prepare.ExecutionCondition] = ful
	entry.WithField("received", c.received).Debug("prepare fulfilled")
	return ful, nil
}

// reject builds a reject carrying an encrypted response the sender can read.
func (r *Receiver) reject(k keys, code ilp.ErrorCode, base ilp.Address, pkt *Packet, prepare *ilp.Prepare, frames []Frame) *ilp.Reject {
	resp := &Packet{Sequence: pkt.Sequence, IlpPacketType: ilp.TypeReject, PrepareAmount: prepare.Amount, Frames: frames}
	data, err := resp.Seal(r.Rand, k.encryption)
	if err != nil {
		data = nil
	}
	return &ilp.Reject{Code: code, TriggeredBy: base, Data: data}
}
