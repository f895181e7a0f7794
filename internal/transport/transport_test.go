package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dev.c0redev.ilp/internal/btp"
	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/server/auth"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

var testFulfillment = [32]byte{9, 9, 9}

func testPrepare(expiry time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             5,
		ExpiresAt:          time.Now().Add(expiry),
		ExecutionCondition: ilp.Condition(testFulfillment),
		Destination:        "example.peer.bob",
		Data:               []byte("hello"),
	}
}

var fulfiller = service.HandlerFunc(func(_ context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	return &ilp.Fulfill{Fulfillment: testFulfillment, Data: req.Prepare.Data}, nil
})

type staticAuth struct{}

func (staticAuth) Authenticate(_ context.Context, id int64, token string) (*store.Account, error) {
	if token != "secret" {
		return nil, auth.ErrBadCredentials
	}
	return &store.Account{ID: id, ILPAddress: "example.child"}, nil
}

func TestHTTPClient(t *testing.T) {
	var mode atomic.Value
	mode.Store("fulfill")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer 7:tok" || r.Header.Get("Content-Type") != ContentType {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		p, err := ilp.DecodePrepare(body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch mode.Load().(string) {
		case "fulfill":
			w.Write(ilp.Encode(&ilp.Fulfill{Fulfillment: testFulfillment, Data: p.Data}))
		case "reject":
			w.Write(ilp.Encode(ilp.NewReject(ilp.F99ApplicationError, "example.peer", "nope")))
		case "garbage":
			w.Write([]byte{0xff, 0x00})
		case "error":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "slow":
			time.Sleep(300 * time.Millisecond)
		}
	}))
	defer ts.Close()

	peer := &store.Account{ID: 7, ILPAddress: "example.peer", HTTPEndpoint: ts.URL, HTTPOutgoingToken: "7:tok"}
	hc := NewHTTPClient("example.node")
	send := func(to *store.Account, expiry time.Duration) (*ilp.Fulfill, *ilp.Reject) {
		return hc.HandleRequest(context.Background(), &service.Request{To: to, Prepare: testPrepare(expiry)})
	}

	ful, rej := send(peer, 5*time.Second)
	if rej != nil || string(ful.Data) != "hello" {
		t.Fatalf("fulfill: %v %v", ful, rej)
	}

	tests := []struct {
		mode string
		code ilp.ErrorCode
	}{
		{"reject", ilp.F99ApplicationError},
		{"garbage", ilp.T00InternalError},
		{"error", ilp.T01PeerUnreachable},
	}
	for _, tt := range tests {
		mode.Store(tt.mode)
		_, rej := send(peer, 5*time.Second)
		if rej == nil || rej.Code != tt.code {
			t.Fatalf("%s: expected %s, got %v", tt.mode, tt.code, rej)
		}
	}

	mode.Store("slow")
	if _, rej := send(peer, 100*time.Millisecond); rej == nil || rej.Code != ilp.R00TransferTimedOut {
		t.Fatalf("slow: expected R00, got %v", rej)
	}

	if _, rej := send(&store.Account{ID: 8}, 5*time.Second); rej == nil || rej.Code != ilp.F02Unreachable {
		t.Fatalf("no endpoint: expected F02, got %v", rej)
	}

	mode.Store("fulfill")
	hc.Peer = peer
	if _, rej := send(nil, 5*time.Second); rej != nil {
		t.Fatalf("default peer: %v", rej)
	}
}

// btpPair connects a client and server session over net.Pipe; the server serves with handler.
func btpPair(t *testing.T, handler service.Handler) (*btp.Conn, *btp.Conn) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	type result struct {
		c   *btp.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := btp.Accept(ctx, b, btp.Options{Handler: handler, Address: "example.peer", Auth: staticAuth{}})
		ch <- result{c, err}
	}()
	client, err := btp.Dial(ctx, a, btp.Options{Address: "example.node", AccountID: 3, Token: "secret",
		Peer: &store.Account{ID: 3, ILPAddress: "example.peer"}})
	if err != nil {
		t.Fatal(err)
	}
	res := <-ch
	if res.err != nil {
		t.Fatal(res.err)
	}
	go client.Run(ctx)
	go res.c.Run(ctx)
	t.Cleanup(func() {
		client.Close()
		res.c.Close()
	})
	return client, res.c
}

func TestOutgoingPicksTransport(t *testing.T) {
	var httpCalls atomic.Int32
	httpOut := service.HandlerFunc(func(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
		httpCalls.Add(1)
		return fulfiller(ctx, req)
	})
	o := NewOutgoing("example.node", httpOut)
	send := func(to *store.Account) *ilp.Reject {
		_, rej := o.HandleRequest(context.Background(), &service.Request{To: to, Prepare: testPrepare(5 * time.Second)})
		return rej
	}

	if rej := send(nil); rej == nil || rej.Code != ilp.F02Unreachable {
		t.Fatalf("no account: %v", rej)
	}
	if rej := send(&store.Account{ID: 1}); rej == nil || rej.Code != ilp.F02Unreachable {
		t.Fatalf("no transport: %v", rej)
	}
	if rej := send(&store.Account{ID: 1, HTTPEndpoint: "http://peer/ilp"}); rej != nil || httpCalls.Load() != 1 {
		t.Fatalf("http: %v calls=%d", rej, httpCalls.Load())
	}

	var dials atomic.Int32
	o.Dial = func(ctx context.Context, to *store.Account) (*btp.Conn, error) {
		dials.Add(1)
		client, _ := btpPair(t, fulfiller)
		return client, nil
	}
	peer := &store.Account{ID: 3, BTPAddr: "peer:7768"}
	for i := 0; i < 3; i++ {
		if rej := send(peer); rej != nil {
			t.Fatalf("btp send %d: %v", i, rej)
		}
	}
	if dials.Load() != 1 {
		t.Fatalf("expected one dial, got %d", dials.Load())
	}

	// a live session wins over http
	withHTTP := &store.Account{ID: 3, HTTPEndpoint: "http://peer/ilp"}
	if rej := send(withHTTP); rej != nil || httpCalls.Load() != 1 {
		t.Fatalf("session not preferred: %v calls=%d", rej, httpCalls.Load())
	}
}

func TestOutgoingDropsClosedSession(t *testing.T) {
	o := NewOutgoing("example.node", nil)
	client, _ := btpPair(t, fulfiller)
	o.AddBTP(client)
	if o.session(3) != client {
		t.Fatal("session not registered")
	}
	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for o.session(3) != nil {
		if time.Now().After(deadline) {
			t.Fatal("closed session still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenNeedsCertificate(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", nil); err == nil {
		t.Fatal("expected error without certificate")
	}
}

func TestBTPOverQUIC(t *testing.T) {
	tlsConf, err := SelfSignedTLS("localhost")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen("127.0.0.1:0", tlsConf)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connected := make(chan *btp.Conn, 1)
	go ServeBTP(ctx, ln, btp.Options{Handler: fulfiller, Address: "example.node", Auth: staticAuth{}}, func(c *btp.Conn) {
		connected <- c
	})

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	c, err := DialBTP(dialCtx, ln.Addr().String(), ClientTLS(true), btp.Options{
		Address: "example.child", AccountID: 4, Token: "secret", PQ: true,
		Peer: &store.Account{ID: 1, ILPAddress: "example.node"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	go c.Run(ctx)
	if !c.Sealed() {
		t.Fatal("expected sealed session")
	}

	select {
	case sc := <-connected:
		if sc.Peer().ID != 4 {
			t.Fatalf("server peer: %+v", sc.Peer())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the session")
	}

	ful, rej := c.HandleRequest(ctx, &service.Request{Prepare: testPrepare(5 * time.Second)})
	if rej != nil || string(ful.Data) != "hello" {
		t.Fatalf("request: %v %v", ful, rej)
	}

	_, err = DialBTP(dialCtx, ln.Addr().String(), ClientTLS(true), btp.Options{
		AccountID: 4, Token: "wrong", Peer: &store.Account{ID: 1},
	})
	if err == nil {
		t.Fatal("expected auth failure")
	}
}
