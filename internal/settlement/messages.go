package settlement

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// PeerDestination carries messages between the settlement engines of two peers.
const PeerDestination ilp.Address = "peer.settle"

const messageTimeout = 30 * time.Second

var (
	peerFulfillment [32]byte
	peerCondition   = sha256.Sum256(peerFulfillment[:])
)

// Messenger is the part of Client that relays engine messages.
type Messenger interface {
	SendMessage(ctx context.Context, accountID int64, data []byte) ([]byte, error)
}

// MessageService hands peer.settle prepares from a peer to our engine and fulfills with its reply.
// Everything else goes to Next.
type MessageService struct {
	Next    service.Handler
	Engine  Messenger
	Address ilp.Address
}

func NewMessageService(address ilp.Address, engine Messenger, next service.Handler) *MessageService {
	return &MessageService{Next: next, Engine: engine, Address: address}
}

func (m *MessageService) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	if req.Prepare.Destination != PeerDestination {
		return m.Next.HandleRequest(ctx, req)
	}
	from := req.From
	if from == nil {
		return nil, ilp.NewReject(ilp.F02Unreachable, m.Address, "no account for settlement message")
	}
	if req.Prepare.Amount != 0 {
		return nil, ilp.NewReject(ilp.F00BadRequest, m.Address, "settlement messages carry no amount")
	}
	reply, err := m.Engine.SendMessage(ctx, from.ID, req.Prepare.Data)
	if err != nil {
		log.WithError(err).WithField("account", from.ID).Warn("settlement engine refused message")
		return nil, ilp.NewReject(ilp.T00InternalError, m.Address, "settlement engine unavailable")
	}
	return &ilp.Fulfill{Fulfillment: peerFulfillment, Data: reply}, nil
}

// SendToPeer delivers a message from our engine to the engine behind account to, over next.
func SendToPeer(ctx context.Context, next service.Handler, to *store.Account, data []byte) ([]byte, error) {
	prepare := &ilp.Prepare{
		ExpiresAt:          time.Now().Add(messageTimeout),
		ExecutionCondition: peerCondition,
		Destination:        PeerDestination,
		Data:               data,
	}
	ctx, cancel := context.WithDeadline(ctx, prepare.ExpiresAt)
	defer cancel()
	ful, rej := next.HandleRequest(ctx, &service.Request{To: to, Prepare: prepare})
	if rej != nil {
		return nil, fmt.Errorf("settlement: peer rejected message: %s", rej)
	}
	if ful == nil || !prepare.Matches(ful) {
		return nil, fmt.Errorf("settlement: peer returned a bad fulfillment")
	}
	return ful.Data, nil
}
