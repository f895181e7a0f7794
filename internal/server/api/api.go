package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/server/auth"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/spsp"
	"dev.c0redev.ilp/internal/store"
	"dev.c0redev.ilp/internal/stream"
)

// maxPacketSize bounds a POST /ilp body (32KiB data + headers).
const maxPacketSize = 40 * 1024

// Server holds API deps.
type Server struct {
	DB      *store.DB
	Handler service.Handler // incoming ILP pipeline
	// SPSP answers payment pointer queries; nil disables them.
	SPSP http.Handler
	// Connections lists receiver connections for GET /connections; may be nil.
	Connections func() []stream.ConnectionInfo
	// AccountsChanged runs after an account is created or deleted (router reload).
	AccountsChanged func(ctx context.Context)
	// PeerMessages relays POST /accounts/{id}/messages from our settlement engine to that peer; may be nil.
	PeerMessages func(ctx context.Context, accountID int64, data []byte) ([]byte, error)
	AdminToken   string

	rateLimitMu sync.Mutex
	rateLimit   map[string]rateLimitEntry
}

type rateLimitEntry struct {
	count int
	until time.Time
}

const rateLimitWindow = time.Minute
const rateLimitMaxPerIP = 120

// New returns API server.
func New(db *store.DB, handler service.Handler) *Server {
	return &Server{DB: db, Handler: handler, rateLimit: make(map[string]rateLimitEntry)}
}

// allowSPSP false if the caller's IP exceeded its query budget; every query allocates a connection.
func (s *Server) allowSPSP(r *http.Request) bool {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()
	if s.rateLimit == nil {
		s.rateLimit = make(map[string]rateLimitEntry)
	}
	e, ok := s.rateLimit[ip]
	if !ok || now.After(e.until) {
		s.rateLimit[ip] = rateLimitEntry{count: 1, until: now.Add(rateLimitWindow)}
		return true
	}
	if e.count >= rateLimitMaxPerIP {
		return false
	}
	e.count++
	s.rateLimit[ip] = e
	return true
}

// AccountDTO for the accounts API (snake_case json).
type AccountDTO struct {
	ID                int64    `json:"id"`
	ILPAddress        string   `json:"ilp_address"`
	AdditionalRoutes  []string `json:"additional_routes,omitempty"`
	AssetCode         string   `json:"asset_code"`
	AssetScale        uint8    `json:"asset_scale"`
	MaxPacketAmount   uint64   `json:"max_packet_amount,omitempty"`
	HTTPEndpoint      string   `json:"http_endpoint,omitempty"`
	HTTPOutgoingToken string   `json:"http_outgoing_token,omitempty"`
	BTPAddr           string   `json:"btp_addr,omitempty"`
	CreatedAt         string   `json:"created_at,omitempty"`
}

// CreateAccountResponse carries the incoming credentials, shown once.
type CreateAccountResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// ConnectionDTO for GET /connections.
type ConnectionDTO struct {
	Key           string `json:"key"`
	SourceAddress string `json:"source_address,omitempty"`
	SourceAsset   string `json:"source_asset,omitempty"`
	Received      uint64 `json:"received"`
	Closed        bool   `json:"closed"`
}

func accountToDTO(a store.Account) AccountDTO {
	d := AccountDTO{
		ID: a.ID, ILPAddress: string(a.ILPAddress), AdditionalRoutes: a.AdditionalRoutes,
		AssetCode: a.AssetCode, AssetScale: a.AssetScale, MaxPacketAmount: a.MaxPacketAmount,
		HTTPEndpoint: a.HTTPEndpoint, BTPAddr: a.BTPAddr,
	}
	if a.HTTPOutgoingToken != "" {
		d.HTTPOutgoingToken = "***"
	}
	if !a.CreatedAt.IsZero() {
		d.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return d
}

// HandleHealth GET /health (lb/k8s).
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// HandleReady GET /ready; 200 if DB ok else 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleILP POST /ilp: body is a Prepare, response body the Fulfill or Reject (both 200).
func (s *Server) HandleILP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, token, err := auth.ParseBearer(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	from, err := s.DB.Authenticate(r.Context(), id, token)
	if err != nil {
		if !errors.Is(err, auth.ErrBadCredentials) && !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Error("api: authenticating account")
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPacketSize+1))
	if err != nil || len(body) > maxPacketSize {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	prepare, err := ilp.DecodePrepare(body)
	if err != nil {
		http.Error(w, "invalid prepare", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithDeadline(r.Context(), prepare.ExpiresAt)
	defer cancel()
	ful, rej := s.Handler.HandleRequest(ctx, &service.Request{From: from, Prepare: prepare})
	var resp ilp.Packet
	switch {
	case ful != nil:
		resp = ful
	case rej != nil:
		resp = rej
	default:
		resp = ilp.NewReject(ilp.T00InternalError, "", "")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(ilp.Encode(resp))
}

// HandleSPSP GET /.well-known/pay, /spsp; rate limited per IP.
func (s *Server) HandleSPSP(w http.ResponseWriter, r *http.Request) {
	if s.SPSP == nil {
		http.NotFound(w, r)
		return
	}
	if !s.allowSPSP(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	s.SPSP.ServeHTTP(w, r)
}

// HandleFallback serves SPSP on any path when asked for it, else 404.
func (s *Server) HandleFallback(w http.ResponseWriter, r *http.Request) {
	if spsp.WantsSPSP(r) {
		s.HandleSPSP(w, r)
		return
	}
	http.NotFound(w, r)
}

// requireAdmin checks Bearer AdminToken; the admin API is disabled without one.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if s.AdminToken == "" || !ok || !auth.ConstantTimeEqual(strings.TrimSpace(tok), s.AdminToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) accountsChanged(ctx context.Context) {
	if s.AccountsChanged != nil {
		s.AccountsChanged(ctx)
	}
}

// HandleAccounts GET (list) and POST (create) /accounts; admin.
func (s *Server) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.DB.ListAccounts(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out := make([]AccountDTO, 0, len(list))
		for _, a := range list {
			out = append(out, accountToDTO(a))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var req AccountDTO
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		addr, err := ilp.ParseAddress(strings.TrimSpace(req.ILPAddress))
		if err != nil || req.AssetCode == "" {
			http.Error(w, "ilp_address and asset_code required", http.StatusBadRequest)
			return
		}
		id, err := s.DB.CreateAccount(r.Context(), store.Account{
			ILPAddress: addr, AdditionalRoutes: req.AdditionalRoutes,
			AssetCode: req.AssetCode, AssetScale: req.AssetScale, MaxPacketAmount: req.MaxPacketAmount,
			HTTPEndpoint: req.HTTPEndpoint, HTTPOutgoingToken: req.HTTPOutgoingToken, BTPAddr: req.BTPAddr,
		})
		if err != nil {
			http.Error(w, "account already exists", http.StatusConflict)
			return
		}
		tok, err := s.DB.IssueIncomingToken(r.Context(), id)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.accountsChanged(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateAccountResponse{ID: id, Token: tok})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAccount DELETE /accounts/{id}; POST /accounts/{id}/token regenerates the incoming token;
// POST /accounts/{id}/messages relays a settlement engine message. Admin.
func (s *Server) HandleAccount(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/accounts/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "bad account id", http.StatusBadRequest)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodDelete:
		if err := s.DB.DeleteAccount(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.accountsChanged(r.Context())
		w.WriteHeader(http.StatusNoContent)
	case action == "token" && r.Method == http.MethodPost:
		tok, err := s.DB.IssueIncomingToken(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CreateAccountResponse{ID: id, Token: tok})
	case action == "messages" && r.Method == http.MethodPost && s.PeerMessages != nil:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPacketSize+1))
		if err != nil || len(body) > maxPacketSize {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		reply, err := s.PeerMessages(r.Context(), id, body)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			log.WithError(err).WithField("account", id).Warn("relaying settlement message")
			http.Error(w, "peer unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(reply)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleConnections GET /connections; admin.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := []ConnectionDTO{}
	if s.Connections != nil {
		for _, c := range s.Connections() {
			d := ConnectionDTO{Key: c.Key, SourceAddress: c.SourceAddress, Received: c.Received, Closed: c.Closed}
			if c.SourceAsset != nil {
				d.SourceAsset = c.SourceAsset.Code
			}
			out = append(out, d)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// CORS adds Access-Control-Allow-Origin for browser wallets querying SPSP.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Mount registers routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.HandleFunc("/ilp", s.HandleILP)
	mux.HandleFunc("/.well-known/pay", s.HandleSPSP)
	mux.HandleFunc("/spsp", s.HandleSPSP)
	mux.HandleFunc("/accounts", s.HandleAccounts)
	mux.HandleFunc("/accounts/", s.HandleAccount)
	mux.HandleFunc("/connections", s.HandleConnections)
	mux.HandleFunc("/", s.HandleFallback)
}
