package stream

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/bits"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// Sender defaults.
const (
	DefaultPacketTimeout = 30 * time.Second
	DefaultMaxRejects    = 10
	DefaultIncreaseAfter = 3
	DefaultBackoffBase   = 100 * time.Millisecond
	DefaultBackoffMax    = 5 * time.Second

	moneyStreamID = 1
)

// Sender drives outgoing STREAM payments through Next (router or transport).
// One SendMoney call owns all of its loop state; a Sender may run several payments at once.
type Sender struct {
	Next   service.Handler
	Source *store.Account
	Rand   io.Reader
	Now    func() time.Time

	PacketTimeout       time.Duration
	MaxRejects          int    // consecutive rejects before giving up
	InitialPacketAmount uint64 // 0 = unbounded
	IncreaseAfter       int    // consecutive fulfills before doubling the packet amount
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

// NewSender with defaults.
func NewSender(next service.Handler, source *store.Account) *Sender {
	return &Sender{
		Next:          next,
		Source:        source,
		Rand:          rand.Reader,
		Now:           time.Now,
		PacketTimeout: DefaultPacketTimeout,
		MaxRejects:    DefaultMaxRejects,
		IncreaseAfter: DefaultIncreaseAfter,
		BackoffBase:   DefaultBackoffBase,
		BackoffMax:    DefaultBackoffMax,
	}
}

// SendMoney is NewSender(next, source).SendMoney(...).
func SendMoney(ctx context.Context, next service.Handler, source *store.Account, dest ilp.Address, sharedSecret []byte, amount uint64) (Receipt, error) {
	return NewSender(next, source).SendMoney(ctx, dest, sharedSecret, amount)
}

// Receipt reports what a payment did. SentAmount counts every prepare dispatched,
// FulfilledAmount only fulfilled ones (source units), DeliveredAmount what the receiver credited.
type Receipt struct {
	SentAmount       uint64
	FulfilledAmount  uint64
	DeliveredAmount  uint64
	FulfilledPackets int
	RejectedPackets  int
	MaxPacketAmount  uint64
	DestinationAsset *ConnectionAssetDetails
}

// payment is the loop-local state of one SendMoney call.
type payment struct {
	s       *Sender
	keys    keys
	dest    ilp.Address
	target  uint64
	seq     uint64
	max     uint64 // current packet ceiling
	learned uint64 // hard ceiling from F08 hints
	rejects int    // consecutive
	streak  int    // consecutive fulfills
	receipt Receipt
	entry   *log.Entry
}

type outcome struct {
	seq      uint64
	prepare  *ilp.Prepare
	fulfill  *ilp.Fulfill
	reject   *ilp.Reject
	response *Packet
}

// SendMoney pays amount (source units) to dest: Connecting, then Sending until fulfilled or failed.
// The receipt is always returned; on failure err is a *PaymentError carrying it too.
func (s *Sender) SendMoney(ctx context.Context, dest ilp.Address, sharedSecret []byte, amount uint64) (Receipt, error) {
	p := &payment{
		s:       s,
		keys:    deriveKeys(sharedSecret),
		dest:    dest,
		target:  amount,
		seq:     1,
		max:     s.InitialPacketAmount,
		learned: math.MaxUint64,
		entry:   log.WithField("destination", dest),
	}
	if p.max == 0 {
		p.max = math.MaxUint64
	}
	if err := p.connect(ctx); err != nil {
		return p.result(), err
	}
	if err := p.send(ctx); err != nil {
		return p.result(), err
	}
	p.close(ctx)
	p.entry.WithFields(log.Fields{
		"sent":      p.receipt.SentAmount,
		"delivered": p.receipt.DeliveredAmount,
		"packets":   p.receipt.FulfilledPackets,
	}).Info("payment complete")
	return p.result(), nil
}

func (p *payment) result() Receipt {
	r := p.receipt
	r.MaxPacketAmount = p.max
	return r
}

func (p *payment) fail(kind error, cause error, format string, args ...any) error {
	err := &PaymentError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, Receipt: p.result()}
	p.entry.WithError(err).Warn("payment failed")
	return err
}

// connect announces our address and asset; the receiver must fulfill before money moves.
func (p *payment) connect(ctx context.Context) error {
	var frames []Frame
	if src := p.s.Source; src != nil {
		frames = append(frames,
			&ConnectionNewAddress{Address: string(src.ILPAddress)},
			&ConnectionAssetDetails{Code: src.AssetCode, Scale: src.AssetScale})
	}
	for {
		if err := ctx.Err(); err != nil {
			return p.fail(ErrConnection, err, "canceled while connecting")
		}
		out, err := p.sendPacket(ctx, 0, frames)
		if err != nil {
			return p.fail(ErrConnection, err, "sending handshake")
		}
		if out.fulfill != nil {
			if !out.prepare.Matches(out.fulfill) {
				return p.fail(ErrConnection, nil, "handshake fulfillment does not match condition")
			}
			p.rejects = 0
			p.noteResponse(out.response)
			p.entry.Debug("connection established")
			return nil
		}
		rej := out.reject
		if rej.Code.Class() == ilp.ClassFinal {
			return p.fail(ErrConnection, nil, "handshake rejected: %s %s", rej.Code, rej.Message)
		}
		p.receipt.RejectedPackets++
		if err := p.countReject(ctx, rej); err != nil {
			return err
		}
	}
}

// send is the money loop; strictly one packet in flight.
func (p *payment) send(ctx context.Context) error {
	for p.receipt.FulfilledAmount < p.target {
		if err := ctx.Err(); err != nil {
			return p.fail(ErrSendMoney, err, "payment canceled")
		}
		amount := min(p.target-p.receipt.FulfilledAmount, p.max)
		out, err := p.sendPacket(ctx, amount, []Frame{&StreamMoney{StreamID: moneyStreamID, Shares: amount}})
		if err != nil {
			return err
		}
		if out.fulfill != nil {
			if !out.prepare.Matches(out.fulfill) {
				return p.fail(ErrSendMoney, nil, "fulfillment for sequence %d does not match condition", out.seq)
			}
			p.fulfilled(amount, out.response)
			continue
		}
		rej := out.reject
		p.streak = 0
		p.receipt.RejectedPackets++
		switch {
		case rej.Code == ilp.F08AmountTooLarge:
			if p.shrink(amount, rej) {
				continue
			}
			if err := p.countReject(ctx, rej); err != nil {
				return err
			}
		case rej.Code.Class() == ilp.ClassTemporary, rej.Code.Class() == ilp.ClassRelative:
			p.max = max(p.max/2, 1)
			if err := p.countReject(ctx, rej); err != nil {
				return err
			}
		default:
			if cc, ok := responseFrame[*ConnectionClose](out.response, TypeConnectionClose); ok {
				return p.fail(ErrSendMoney, nil, "receiver closed connection: %s %s", cc.Code, cc.Message)
			}
			if mm, ok := responseFrame[*StreamMaxMoney](out.response, TypeStreamMaxMoney); ok {
				return p.fail(ErrSendMoney, nil, "receiver max exceeded: received %d of max %d", mm.TotalReceived, mm.ReceiveMax)
			}
			return p.fail(ErrSendMoney, nil, "packet rejected: %s %s", rej.Code, rej.Message)
		}
	}
	return nil
}

func (p *payment) fulfilled(amount uint64, resp *Packet) {
	delivered := amount
	if resp != nil && resp.IlpPacketType == ilp.TypeFulfill {
		delivered = resp.PrepareAmount
	}
	p.receipt.FulfilledAmount += amount
	p.receipt.DeliveredAmount += delivered
	p.receipt.FulfilledPackets++
	p.rejects = 0
	p.streak++
	p.noteResponse(resp)
	if p.streak >= p.s.IncreaseAfter && p.max < p.learned {
		p.streak = 0
		if p.max > p.learned/2 {
			p.max = p.learned
		} else {
			p.max *= 2
		}
	}
	p.entry.WithFields(log.Fields{"amount": amount, "delivered": delivered, "max_packet": p.max}).Debug("packet fulfilled")
}

// shrink applies an F08 hint; false if the packet amount can't get any smaller.
func (p *payment) shrink(amount uint64, rej *ilp.Reject) bool {
	next := amount / 2
	if d, ok := ilp.ParseMaxPacketAmountDetails(rej.Data); ok && d.Received > 0 {
		next = scale(amount, d.Max, d.Received)
	}
	if next >= amount || next == 0 {
		return false
	}
	p.max = next
	p.learned = min(p.learned, next)
	p.entry.WithFields(log.Fields{"amount": amount, "max_packet": next}).Debug("F08: reducing packet amount")
	return true
}

// scale returns amount*num/den without overflow, saturating at MaxUint64.
func scale(amount, num, den uint64) uint64 {
	hi, lo := bits.Mul64(amount, num)
	if hi >= den {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}

// countReject charges the reject budget and backs off; error once the ceiling is hit.
func (p *payment) countReject(ctx context.Context, rej *ilp.Reject) error {
	p.rejects++
	if p.rejects >= p.s.MaxRejects {
		return p.fail(ErrTooManyRejectedPackets, nil, "%d consecutive rejects, last %s %s", p.rejects, rej.Code, rej.Message)
	}
	wait := p.s.BackoffBase << (p.rejects - 1)
	if wait > p.s.BackoffMax || wait <= 0 {
		wait = p.s.BackoffMax
	}
	p.entry.WithFields(log.Fields{"code": rej.Code, "rejects": p.rejects, "backoff": wait}).Debug("packet rejected, retrying")
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return p.fail(ErrSendMoney, ctx.Err(), "canceled during backoff")
	}
}

func (p *payment) noteResponse(resp *Packet) {
	if resp == nil {
		return
	}
	if ad, ok := responseFrame[*ConnectionAssetDetails](resp, TypeConnectionAssetDetails); ok {
		p.receipt.DestinationAsset = ad
	}
}

// close tells the receiver we're done; best-effort.
func (p *payment) close(ctx context.Context) {
	out, err := p.sendPacket(ctx, 0, []Frame{&ConnectionClose{Code: NoError}})
	if err != nil || out.reject != nil {
		p.entry.Debug("connection close not acknowledged")
	}
}

// sendPacket builds, dispatches and awaits one prepare. A missing response by expiry is a synthetic R00.
func (p *payment) sendPacket(ctx context.Context, amount uint64, frames []Frame) (*outcome, error) {
	seq := p.seq
	p.seq++
	pkt := &Packet{Sequence: seq, IlpPacketType: ilp.TypePrepare, Frames: frames}
	data, err := pkt.Seal(p.s.Rand, p.keys.encryption)
	if err != nil {
		return nil, p.fail(ErrSendMoney, err, "sealing packet %d", seq)
	}
	prepare := &ilp.Prepare{
		Amount:             amount,
		ExpiresAt:          p.s.Now().Add(p.s.PacketTimeout),
		ExecutionCondition: ilp.Condition(p.keys.fulfillmentFor(data)),
		Destination:        p.dest,
		Data:               data,
	}
	p.receipt.SentAmount += amount

	ful, rej := p.dispatch(ctx, prepare)
	if ful == nil && rej == nil {
		return nil, p.fail(ErrPoll, nil, "no response for sequence %d", seq)
	}
	out := &outcome{seq: seq, prepare: prepare, fulfill: ful, reject: rej}
	respData := out.responseData()
	if len(respData) > 0 {
		if resp, err := Open(p.keys.encryption, respData); err == nil && resp.Sequence == seq {
			out.response = resp
		}
	}
	return out, nil
}

// dispatch runs the handler until the prepare expires. Caller cancellation does not cut an in-flight
// packet short: it runs to its own expiry.
func (p *payment) dispatch(ctx context.Context, prepare *ilp.Prepare) (*ilp.Fulfill, *ilp.Reject) {
	pctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), prepare.ExpiresAt)
	defer cancel()
	type response struct {
		ful *ilp.Fulfill
		rej *ilp.Reject
	}
	ch := make(chan response, 1)
	req := &service.Request{From: p.s.Source, Prepare: prepare}
	go func() {
		ful, rej := p.s.Next.HandleRequest(pctx, req)
		ch <- response{ful, rej}
	}()
	select {
	case r := <-ch:
		return r.ful, r.rej
	case <-pctx.Done():
		var self ilp.Address
		if p.s.Source != nil {
			self = p.s.Source.ILPAddress
		}
		return nil, ilp.NewReject(ilp.R00TransferTimedOut, self, "no response before expiry")
	}
}

func (o *outcome) responseData() []byte {
	if o.fulfill != nil {
		return o.fulfill.Data
	}
	return o.reject.Data
}

func responseFrame[T Frame](resp *Packet, t FrameType) (T, bool) {
	var zero T
	if resp == nil {
		return zero, false
	}
	f, ok := resp.frame(t).(T)
	return f, ok
}
