package settlement

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// Engine is the part of Client the Service needs.
type Engine interface {
	SendSettlement(ctx context.Context, accountID int64, q Quantity, idempotencyKey string) (Quantity, error)
}

// pending is a settlement the engine has not accepted yet.
// Retries resend the same amount under the same key.
type pending struct {
	amount uint64
	key    string
}

// Service sits on the outgoing path: it adds every fulfilled amount to the destination account's
// balance and asks the engine to settle once the balance reaches Threshold.
type Service struct {
	Next      service.Handler
	Engine    Engine
	Threshold uint64

	mu       sync.Mutex
	owed     map[int64]uint64
	pending  map[int64]pending
	inFlight map[int64]bool
	wg       sync.WaitGroup
}

func NewService(next service.Handler, engine Engine, threshold uint64) *Service {
	return &Service{
		Next:      next,
		Engine:    engine,
		Threshold: threshold,
		owed:      make(map[int64]uint64),
		pending:   make(map[int64]pending),
		inFlight:  make(map[int64]bool),
	}
}

func (s *Service) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	ful, rej := s.Next.HandleRequest(ctx, req)
	if ful == nil || req.To == nil || req.Prepare.Amount == 0 {
		return ful, rej
	}
	to := req.To
	s.mu.Lock()
	s.owed[to.ID] += req.Prepare.Amount
	p, retry := s.pending[to.ID]
	start := false
	if !s.inFlight[to.ID] {
		switch {
		case retry:
			start = true
		case s.Threshold > 0 && s.owed[to.ID] >= s.Threshold:
			p = pending{amount: s.owed[to.ID], key: uuid.NewString()}
			s.pending[to.ID] = p
			s.owed[to.ID] = 0
			start = true
		}
	}
	if start {
		s.inFlight[to.ID] = true
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if start {
		go s.settle(context.WithoutCancel(ctx), to, p)
	}
	return ful, rej
}

func (s *Service) settle(ctx context.Context, to *store.Account, p pending) {
	defer s.wg.Done()
	entry := log.WithFields(log.Fields{"account": to.ID, "amount": p.amount})
	accepted, err := s.Engine.SendSettlement(ctx, to.ID, NewQuantity(p.amount, to.AssetScale), p.key)
	var done uint64
	if err == nil {
		var norm Quantity
		if norm, _, err = accepted.Normalize(to.AssetScale); err == nil {
			done, err = norm.Uint64()
		}
	}
	s.mu.Lock()
	s.inFlight[to.ID] = false
	if err == nil {
		delete(s.pending, to.ID)
		if done < p.amount {
			s.owed[to.ID] += p.amount - done
		}
	}
	s.mu.Unlock()
	if err != nil {
		entry.WithError(err).Warn("settlement failed, retrying on next fulfill")
		return
	}
	entry.WithField("settled", done).Info("settlement sent")
}

// Owed is the unsettled balance for account id, including a settlement the engine has not accepted.
func (s *Service) Owed(id int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owed[id] + s.pending[id].amount
}

// Wait blocks until in-flight settlements finish.
func (s *Service) Wait() { s.wg.Wait() }
