package btp

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/crypto"
	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

var (
	ErrAuthFailed = errors.New("btp: authentication failed")
	ErrClosed     = errors.New("btp: connection closed")
)

const defaultHandshakeTimeout = 10 * time.Second

// Authenticator verifies a client's credentials (*store.DB satisfies it).
type Authenticator interface {
	Authenticate(ctx context.Context, id int64, token string) (*store.Account, error)
}

// Options for either end. Client ends set AccountID/Token (and Peer, the account the server
// is to us); server ends set Auth. PQ on a client requests sealing, on a server requires it.
type Options struct {
	Handler          service.Handler // incoming prepares; nil rejects them with F02
	Address          ilp.Address     // ours, for rejects we generate
	PQ               bool
	AccountID        int64
	Token            string
	Peer             *store.Account
	Auth             Authenticator
	HandshakeTimeout time.Duration
}

// Conn is one authenticated session. Either side may send prepares (HandleRequest)
// while Run dispatches the other side's prepares to Options.Handler.
type Conn struct {
	rwc     io.ReadWriteCloser
	r       *bufio.Reader
	handler service.Handler
	address ilp.Address
	peer    *store.Account
	secret  []byte // ML-KEM shared secret; nil = plaintext payloads
	entry   *log.Entry

	wmu    sync.Mutex
	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan *Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(rwc io.ReadWriteCloser, opts *Options) *Conn {
	h := opts.Handler
	if h == nil {
		h = service.Rejecter{Address: opts.Address}
	}
	return &Conn{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		handler: h,
		address: opts.Address,
		pending: make(map[uint32]chan *Frame),
		done:    make(chan struct{}),
		entry:   log.WithField("transport", "btp"),
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func handshakeDeadline(ctx context.Context, rwc io.ReadWriteCloser, timeout time.Duration) func() {
	d, ok := rwc.(deadliner)
	if !ok {
		return func() {}
	}
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = d.SetDeadline(deadline)
	return func() { _ = d.SetDeadline(time.Time{}) }
}

// Dial runs the client handshake on rwc: Auth, then the PQ exchange if requested.
func Dial(ctx context.Context, rwc io.ReadWriteCloser, opts Options) (*Conn, error) {
	c := newConn(rwc, &opts)
	c.peer = opts.Peer
	reset := handshakeDeadline(ctx, rwc, opts.HandshakeTimeout)
	defer reset()

	auth := &Auth{AccountID: opts.AccountID, Token: opts.Token, PQ: opts.PQ}
	if err := c.write(&Frame{Type: TypeAuth, Payload: EncodeAuth(auth)}); err != nil {
		return nil, err
	}
	f, err := DecodeFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("btp: reading auth response: %w", err)
	}
	if f.Type != TypeAuthResponse {
		return nil, fmt.Errorf("%w: unexpected frame %#x", ErrInvalidFrame, f.Type)
	}
	res, err := DecodeAuthResponse(f.Payload)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, res.Error)
	}
	if opts.PQ {
		f, err := DecodeFrame(c.r)
		if err != nil {
			return nil, fmt.Errorf("btp: expected pq key: %w", err)
		}
		if f.Type != TypePQKey {
			return nil, fmt.Errorf("%w: expected pq key, got %#x", ErrInvalidFrame, f.Type)
		}
		kem, err := crypto.NewPQKEMFromEnc(f.Payload)
		if err != nil {
			return nil, err
		}
		secret, ciphertext, err := kem.Encapsulate()
		if err != nil {
			return nil, err
		}
		if err := c.write(&Frame{Type: TypePQCiphertext, Payload: ciphertext}); err != nil {
			return nil, err
		}
		c.secret = secret
	}
	c.entry = c.entry.WithField("account", opts.AccountID)
	return c, nil
}

// Accept runs the server handshake on rwc. On failure the peer is told why and rwc is closed.
func Accept(ctx context.Context, rwc io.ReadWriteCloser, opts Options) (*Conn, error) {
	c := newConn(rwc, &opts)
	reset := handshakeDeadline(ctx, rwc, opts.HandshakeTimeout)
	defer reset()

	reject := func(msg string, err error) (*Conn, error) {
		_ = c.write(&Frame{Type: TypeAuthResponse, Payload: EncodeAuthResponse(&AuthResponse{Error: msg})})
		rwc.Close()
		return nil, err
	}
	f, err := DecodeFrame(c.r)
	if err != nil {
		rwc.Close()
		return nil, fmt.Errorf("btp: reading auth: %w", err)
	}
	if f.Type != TypeAuth {
		return reject("expected auth", fmt.Errorf("%w: expected auth, got %#x", ErrInvalidFrame, f.Type))
	}
	auth, err := DecodeAuth(f.Payload)
	if err != nil {
		return reject("bad request", err)
	}
	if opts.Auth == nil {
		return reject("unauthorized", ErrAuthFailed)
	}
	acct, err := opts.Auth.Authenticate(ctx, auth.AccountID, auth.Token)
	if err != nil {
		return reject("unauthorized", fmt.Errorf("%w: account %d: %v", ErrAuthFailed, auth.AccountID, err))
	}
	if opts.PQ && !auth.PQ {
		return reject("pq required", fmt.Errorf("%w: account %d did not request pq", ErrAuthFailed, auth.AccountID))
	}
	if err := c.write(&Frame{Type: TypeAuthResponse, Payload: EncodeAuthResponse(&AuthResponse{OK: true})}); err != nil {
		rwc.Close()
		return nil, err
	}
	if auth.PQ {
		enc, decap, err := crypto.GenerateKeyPair()
		if err != nil {
			rwc.Close()
			return nil, err
		}
		if err := c.write(&Frame{Type: TypePQKey, Payload: enc}); err != nil {
			rwc.Close()
			return nil, err
		}
		f, err := DecodeFrame(c.r)
		if err != nil || f.Type != TypePQCiphertext {
			rwc.Close()
			return nil, fmt.Errorf("%w: expected pq ciphertext", ErrInvalidFrame)
		}
		secret, err := crypto.Decapsulate(decap, f.Payload)
		if err != nil {
			rwc.Close()
			return nil, err
		}
		c.secret = secret
	}
	c.peer = acct
	c.entry = c.entry.WithField("account", acct.ID)
	return c, nil
}

// Peer is the account on the other end.
func (c *Conn) Peer() *store.Account { return c.peer }

// Sealed reports whether payloads are encrypted with the PQ secret.
func (c *Conn) Sealed() bool { return c.secret != nil }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close is idempotent; waiting requests fail.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

// Run reads frames until the connection closes; incoming prepares are served concurrently under ctx.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	for {
		f, err := DecodeFrame(c.r)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch f.Type {
		case TypePing:
			_ = c.write(&Frame{Type: TypePong, RequestID: f.RequestID})
		case TypePong, TypeResponse:
			c.deliver(f)
		case TypeMessage:
			go c.serve(ctx, f)
		default:
			c.entry.WithField("type", f.Type).Debug("ignoring frame")
		}
	}
}

func (c *Conn) write(f *Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return EncodeFrame(c.rwc, f)
}

func (c *Conn) seal(payload []byte) ([]byte, error) {
	if c.secret == nil {
		return payload, nil
	}
	return crypto.Seal(rand.Reader, c.secret, payload)
}

func (c *Conn) open(payload []byte) ([]byte, error) {
	if c.secret == nil {
		return payload, nil
	}
	return crypto.Open(c.secret, payload)
}

func (c *Conn) deliver(f *Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.RequestID]
	delete(c.pending, f.RequestID)
	c.mu.Unlock()
	if !ok {
		c.entry.WithField("request_id", f.RequestID).Debug("response for unknown request")
		return
	}
	ch <- f
}

func (c *Conn) roundTrip(ctx context.Context, t FrameType, payload []byte) (*Frame, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()
	if err := c.write(&Frame{Type: t, RequestID: id, Payload: payload}); err != nil {
		return nil, err
	}
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Ping waits for the peer's Pong.
func (c *Conn) Ping(ctx context.Context) error {
	f, err := c.roundTrip(ctx, TypePing, nil)
	if err != nil {
		return err
	}
	if f.Type != TypePong {
		return fmt.Errorf("%w: expected pong, got %#x", ErrInvalidFrame, f.Type)
	}
	return nil
}

// HandleRequest sends the prepare to the peer and waits for its fulfill or reject.
func (c *Conn) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	payload, err := c.seal(ilp.Encode(req.Prepare))
	if err != nil {
		return nil, ilp.NewReject(ilp.T00InternalError, c.address, "sealing prepare")
	}
	f, err := c.roundTrip(ctx, TypeMessage, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ilp.NewReject(ilp.R00TransferTimedOut, c.address, "no response from peer")
		}
		return nil, ilp.NewReject(ilp.T01PeerUnreachable, c.address, "peer unreachable: %v", err)
	}
	body, err := c.open(f.Payload)
	if err != nil {
		return nil, ilp.NewReject(ilp.T00InternalError, c.address, "response failed authentication")
	}
	ful, rej, err := ilp.DecodeResponse(body)
	if err != nil {
		c.entry.WithError(err).Warn("undecodable response")
		return nil, ilp.NewReject(ilp.T00InternalError, c.address, "invalid response from peer")
	}
	return ful, rej
}

func (c *Conn) serve(ctx context.Context, f *Frame) {
	var resp ilp.Packet
	body, err := c.open(f.Payload)
	if err != nil {
		c.entry.WithError(err).Debug("message failed authentication")
		return
	}
	prepare, err := ilp.DecodePrepare(body)
	if err != nil {
		resp = ilp.NewReject(ilp.F01InvalidPacket, c.address, "invalid prepare")
	} else {
		pctx, cancel := context.WithDeadline(ctx, prepare.ExpiresAt)
		ful, rej := c.handler.HandleRequest(pctx, &service.Request{From: c.peer, Prepare: prepare})
		cancel()
		switch {
		case ful != nil:
			resp = ful
		case rej != nil:
			resp = rej
		default:
			resp = ilp.NewReject(ilp.T00InternalError, c.address, "")
		}
	}
	payload, err := c.seal(ilp.Encode(resp))
	if err != nil {
		c.entry.WithError(err).Warn("sealing response")
		return
	}
	if err := c.write(&Frame{Type: TypeResponse, RequestID: f.RequestID, Payload: payload}); err != nil {
		c.entry.WithError(err).Debug("writing response")
	}
}
