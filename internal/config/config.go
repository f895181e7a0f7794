// Package config reads ILP_* environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
)

// Node is ilp-node's configuration.
type Node struct {
	LogLevel log.Level
	DBPath   string
	HTTPAddr string
	MaxBody  int64

	// Address of this node; empty means learn it over ILDCP from ParentAccount.
	Address       ilp.Address
	ParentAccount int64
	AssetCode     string
	AssetScale    uint8

	// ServerSecret derives every STREAM shared secret this node hands out.
	ServerSecret []byte
	ReceiveMax   uint64

	BTPAddr      string // "" disables the QUIC listener
	BTPRequirePQ bool
	TLSCert      string
	TLSKey       string
	// PeerInsecure skips certificate checks when dialing peers' BTP listeners.
	PeerInsecure bool

	AdminToken  string
	RouteReload time.Duration

	SettlementURL   string
	SettleThreshold uint64
}

// Pay is ilp-pay's configuration (upstream and source account).
type Pay struct {
	LogLevel     log.Level
	Address      ilp.Address
	AssetCode    string
	AssetScale   uint8
	UpstreamHTTP string // POST /ilp endpoint
	UpstreamBTP  string // host:port of a QUIC BTP listener
	Credentials  string // "<accountID>:<token>" issued by the upstream
	PQ           bool
	Insecure     bool
	Timeout      time.Duration
}

type env struct {
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) uint(key string, def uint64, bits int) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) flag(key string) bool {
	v := os.Getenv(key)
	return v == "1" || strings.EqualFold(v, "true")
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *env) address(key string) ilp.Address {
	v := e.str(key, "")
	if v == "" {
		return ""
	}
	a, err := ilp.ParseAddress(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
	}
	return a
}

func (e *env) level(key string) log.Level {
	lvl, err := log.ParseLevel(e.str(key, "info"))
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return log.InfoLevel
	}
	return lvl
}

func (e *env) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
}

// LoadNode reads ilp-node's environment. A missing ILP_SECRET gets a random one (connections
// then do not survive restarts).
func LoadNode() (*Node, error) {
	e := &env{}
	c := &Node{
		LogLevel:        e.level("ILP_LOG_LEVEL"),
		DBPath:          e.str("ILP_DB", "ilp.db"),
		HTTPAddr:        e.str("ILP_HTTP_ADDR", ":7770"),
		MaxBody:         int64(e.uint("ILP_MAX_BODY_MB", 1, 8)) << 20,
		Address:         e.address("ILP_ADDRESS"),
		ParentAccount:   int64(e.uint("ILP_PARENT_ACCOUNT", 0, 63)),
		AssetCode:       e.str("ILP_ASSET_CODE", "USD"),
		AssetScale:      uint8(e.uint("ILP_ASSET_SCALE", 2, 8)),
		ReceiveMax:      e.uint("ILP_RECEIVE_MAX", 0, 64),
		BTPAddr:         e.str("ILP_BTP_ADDR", ""),
		BTPRequirePQ:    e.flag("ILP_BTP_PQ"),
		TLSCert:         e.str("ILP_TLS_CERT", ""),
		TLSKey:          e.str("ILP_TLS_KEY", ""),
		PeerInsecure:    e.flag("ILP_TLS_INSECURE"),
		AdminToken:      e.str("ILP_ADMIN_TOKEN", ""),
		RouteReload:     e.duration("ILP_ROUTE_RELOAD", 30*time.Second),
		SettlementURL:   e.str("ILP_SETTLEMENT_URL", ""),
		SettleThreshold: e.uint("ILP_SETTLE_THRESHOLD", 0, 64),
	}
	if c.MaxBody <= 0 || c.MaxBody > 64<<20 {
		e.errs = append(e.errs, "ILP_MAX_BODY_MB: must be 1..64")
	}
	if c.Address == "" && c.ParentAccount == 0 {
		e.errs = append(e.errs, "ILP_ADDRESS or ILP_PARENT_ACCOUNT required")
	}
	if s := e.str("ILP_SECRET", ""); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 32 {
			e.errs = append(e.errs, "ILP_SECRET: want 32 hex-encoded bytes")
		}
		c.ServerSecret = b
	} else {
		c.ServerSecret = make([]byte, 32)
		if _, err := rand.Read(c.ServerSecret); err != nil {
			return nil, err
		}
	}
	if err := e.err(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadPay reads ilp-pay's environment.
func LoadPay() (*Pay, error) {
	e := &env{}
	c := &Pay{
		LogLevel:     e.level("ILP_LOG_LEVEL"),
		Address:      e.address("ILP_ADDRESS"),
		AssetCode:    e.str("ILP_ASSET_CODE", "USD"),
		AssetScale:   uint8(e.uint("ILP_ASSET_SCALE", 2, 8)),
		UpstreamHTTP: e.str("ILP_UPSTREAM_HTTP", ""),
		UpstreamBTP:  e.str("ILP_UPSTREAM_BTP", ""),
		Credentials:  e.str("ILP_UPSTREAM_TOKEN", ""),
		PQ:           e.flag("ILP_BTP_PQ"),
		Insecure:     e.flag("ILP_TLS_INSECURE"),
		Timeout:      e.duration("ILP_PAY_TIMEOUT", 2*time.Minute),
	}
	if (c.UpstreamHTTP == "") == (c.UpstreamBTP == "") {
		e.errs = append(e.errs, "exactly one of ILP_UPSTREAM_HTTP and ILP_UPSTREAM_BTP required")
	}
	if c.UpstreamBTP != "" && c.Credentials == "" {
		e.errs = append(e.errs, "ILP_UPSTREAM_TOKEN required for BTP")
	}
	if err := e.err(); err != nil {
		return nil, err
	}
	return c, nil
}
