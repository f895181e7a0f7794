// Package spsp exchanges STREAM connection details over HTTPS: a responder that hands out
// destination addresses and shared secrets, and a client that resolves payment pointers.
package spsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
)

// ContentType is both the Accept and response content type.
const ContentType = "application/spsp4+json"

var ErrInvalidPointer = errors.New("spsp: invalid payment pointer")

// Response is the SPSP JSON body.
type Response struct {
	DestinationAccount ilp.Address `json:"destination_account"`
	SharedSecret       []byte      `json:"shared_secret"` // base64 (std) on the wire
}

// Generator hands out fresh STREAM connections (stream.Receiver satisfies it).
type Generator interface {
	GenerateAddressAndSecret() (ilp.Address, []byte, error)
}

// Responder answers SPSP queries; every query gets a new connection.
type Responder struct {
	Generator Generator
}

func (s *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	addr, secret, err := s.Generator.GenerateAddressAndSecret()
	if err != nil || addr == "" {
		// no address until ILDCP has run
		log.WithError(err).Warn("spsp: cannot generate connection")
		http.Error(w, "receiver not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(Response{DestinationAccount: addr, SharedSecret: secret})
}

// WantsSPSP is true for GETs that accept the SPSP content type.
func WantsSPSP(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(mt, ContentType) {
				return true
			}
		}
	}
	return false
}

// PointerURL turns "$host/path" (or an https URL) into the query URL; a bare host maps to /.well-known/pay.
func PointerURL(pointer string) (string, error) {
	pointer = strings.TrimSpace(pointer)
	var raw string
	switch {
	case strings.HasPrefix(pointer, "$"):
		raw = "https://" + pointer[1:]
	case strings.HasPrefix(pointer, "https://"), strings.HasPrefix(pointer, "http://"):
		raw = pointer
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPointer, pointer)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPointer, pointer)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/.well-known/pay"
	}
	return u.String(), nil
}

// Client queries SPSP responders.
type Client struct {
	HTTP *http.Client
}

func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// Query resolves pointer and returns the destination and shared secret.
func (c *Client) Query(ctx context.Context, pointer string) (*Response, error) {
	u, err := PointerURL(pointer)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ContentType)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spsp: query %s: %d", u, resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("spsp: decoding response: %w", err)
	}
	if _, err := ilp.ParseAddress(string(out.DestinationAccount)); err != nil {
		return nil, fmt.Errorf("spsp: %w", err)
	}
	if len(out.SharedSecret) != 32 {
		return nil, fmt.Errorf("spsp: shared secret is %d bytes, want 32", len(out.SharedSecret))
	}
	return &out, nil
}

