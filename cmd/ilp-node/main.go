// ilp-node: connector + STREAM receiver. Serves ILP over HTTP, SPSP, and optional BTP over QUIC.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/btp"
	"dev.c0redev.ilp/internal/config"
	"dev.c0redev.ilp/internal/ildcp"
	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/router"
	"dev.c0redev.ilp/internal/server/api"
	"dev.c0redev.ilp/internal/server/auth"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/settlement"
	"dev.c0redev.ilp/internal/spsp"
	"dev.c0redev.ilp/internal/store"
	"dev.c0redev.ilp/internal/stream"
	"dev.c0redev.ilp/internal/transport"
)

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path, "status": sw.code}).Info("api request")
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// node holds what the pipeline and the listeners share.
type node struct {
	cfg       *config.Node
	db        *store.DB
	peerTLS   *tls.Config
	address   ilp.Address
	router    *router.Router
	engine    *settlement.Client
	settled   sync.Map // account id -> struct{}; accounts known to the settlement engine
	runCtx    context.Context
	incoming  service.Handler
	receiver  *stream.Receiver
	outgoing  *transport.Outgoing
	settleSvc *settlement.Service
}

// dialer opens BTP sessions to peers that only have a BTPAddr; handler serves their prepares.
func (n *node) dialer(handler service.Handler) func(ctx context.Context, to *store.Account) (*btp.Conn, error) {
	return func(ctx context.Context, to *store.Account) (*btp.Conn, error) {
		id, token, err := auth.ParseBearer("Bearer " + to.HTTPOutgoingToken)
		if err != nil {
			return nil, fmt.Errorf("account %d: outgoing token: %w", to.ID, err)
		}
		c, err := transport.DialBTP(ctx, to.BTPAddr, n.peerTLS, btp.Options{
			Handler:   handler,
			Address:   n.address,
			PQ:        n.cfg.BTPRequirePQ,
			AccountID: id,
			Token:     token,
			Peer:      to,
		})
		if err != nil {
			return nil, err
		}
		go func() {
			if err := c.Run(n.runCtx); err != nil {
				log.WithError(err).WithField("peer", to.ILPAddress).Debug("btp session ended")
			}
		}()
		return c, nil
	}
}

// fetchAddress asks the parent account for our address over ILDCP.
func (n *node) fetchAddress(ctx context.Context) error {
	parent, err := n.db.AccountByID(ctx, n.cfg.ParentAccount)
	if err != nil {
		return fmt.Errorf("parent account %d: %w", n.cfg.ParentAccount, err)
	}
	var next service.Handler
	switch {
	case parent.HTTPEndpoint != "":
		hc := transport.NewHTTPClient("")
		hc.Peer = parent
		next = hc
	case parent.BTPAddr != "":
		// prepares from the parent are refused until the pipeline exists
		c, err := n.dialer(nil)(ctx, parent)
		if err != nil {
			return err
		}
		defer c.Close()
		next = c
	default:
		return fmt.Errorf("parent account %d has no http endpoint or btp address", parent.ID)
	}
	res, err := ildcp.Fetch(ctx, next, nil)
	if err != nil {
		return err
	}
	n.address = res.ClientAddress
	if res.AssetCode != n.cfg.AssetCode || res.AssetScale != n.cfg.AssetScale {
		log.WithFields(log.Fields{"code": res.AssetCode, "scale": res.AssetScale}).Info("using parent's asset")
		n.cfg.AssetCode, n.cfg.AssetScale = res.AssetCode, res.AssetScale
	}
	log.WithField("address", n.address).Info("address from parent")
	return nil
}

// build composes the incoming pipeline:
// IncomingValidator, Logger, Receiver, ILDCP, settlement messages, Router, OutgoingValidator, Settlement, Outgoing.
func (n *node) build(ctx context.Context) error {
	hc := transport.NewHTTPClient(n.address)
	n.outgoing = transport.NewOutgoing(n.address, hc)
	var out service.Handler = n.outgoing
	if n.cfg.SettlementURL != "" {
		n.engine = settlement.NewClient(n.cfg.SettlementURL)
		n.settleSvc = settlement.NewService(out, n.engine, n.cfg.SettleThreshold)
		out = n.settleSvc
	}
	r, err := router.FromStore(ctx, n.address, service.NewOutgoingValidator(n.address, out), n.db)
	if err != nil {
		return err
	}
	n.router = r
	var local service.Handler = r
	if n.engine != nil {
		local = settlement.NewMessageService(n.address, n.engine, r)
	}
	receiverAddr, err := n.address.With("receiver")
	if err != nil {
		return err
	}
	n.receiver = stream.NewReceiver(receiverAddr, n.cfg.ServerSecret,
		stream.ConnectionAssetDetails{Code: n.cfg.AssetCode, Scale: n.cfg.AssetScale}, ildcp.NewService(n.address, local))
	n.receiver.ReceiveMax = n.cfg.ReceiveMax
	n.incoming = service.NewIncomingValidator(n.address, service.NewLogger("incoming", n.receiver))
	n.outgoing.Dial = n.dialer(n.incoming)
	return nil
}

// peerMessage relays a message from our settlement engine to the engine behind accountID.
func (n *node) peerMessage(ctx context.Context, accountID int64, data []byte) ([]byte, error) {
	to, err := n.db.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return settlement.SendToPeer(ctx, n.outgoing, to, data)
}

// accountsChanged rebuilds routes and registers new accounts with the settlement engine.
func (n *node) accountsChanged(ctx context.Context) {
	accounts, err := n.db.ListAccounts(ctx)
	if err != nil {
		log.WithError(err).Warn("listing accounts")
		return
	}
	n.router.Rebuild(accounts)
	if n.engine == nil {
		return
	}
	for _, a := range accounts {
		if _, ok := n.settled.Load(a.ID); ok {
			continue
		}
		if err := n.engine.CreateAccount(ctx, a.ID); err != nil {
			log.WithError(err).WithField("account", a.ID).Warn("settlement engine: create account")
			continue
		}
		n.settled.Store(a.ID, struct{}{})
	}
}

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(cfg.LogLevel)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n := &node{cfg: cfg, db: db, address: cfg.Address, peerTLS: transport.ClientTLS(cfg.PeerInsecure), runCtx: ctx}
	if n.address == "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := n.fetchAddress(fetchCtx)
		cancel()
		if err != nil {
			log.Fatal(err)
		}
	}
	if err := n.build(ctx); err != nil {
		log.Fatal(err)
	}
	n.accountsChanged(ctx)

	go func() {
		t := time.NewTicker(cfg.RouteReload)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := n.router.Reload(ctx, db); err != nil {
					log.WithError(err).Warn("route reload")
				}
			}
		}
	}()

	mux := http.NewServeMux()
	srv := api.New(db, n.incoming)
	srv.SPSP = &spsp.Responder{Generator: n.receiver}
	srv.Connections = n.receiver.Connections
	srv.AccountsChanged = n.accountsChanged
	srv.AdminToken = cfg.AdminToken
	if n.engine != nil {
		srv.PeerMessages = n.peerMessage
	}
	srv.Mount(mux)
	limitBody := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBody)
			next.ServeHTTP(w, r)
		})
	}
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: logRequest(limitBody(api.CORS(mux)))}

	if cfg.BTPAddr != "" {
		tlsConf, err := transport.LoadTLS(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Fatal(err)
		}
		ln, err := transport.Listen(cfg.BTPAddr, tlsConf)
		if err != nil {
			log.Fatal(err)
		}
		defer ln.Close()
		opts := btp.Options{Handler: n.incoming, Address: n.address, PQ: cfg.BTPRequirePQ, Auth: db}
		go func() {
			if err := transport.ServeBTP(ctx, ln, opts, n.outgoing.AddBTP); err != nil {
				log.WithError(err).Error("btp listener")
			}
		}()
		log.WithField("addr", cfg.BTPAddr).Info("btp listening")
	}

	go func() {
		log.WithFields(log.Fields{"addr": cfg.HTTPAddr, "ilp_address": n.address}).Info("node listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if n.settleSvc != nil {
		n.settleSvc.Wait()
	}
}
