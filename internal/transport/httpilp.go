package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/store"
)

// ContentType of ILP-over-HTTP bodies.
const ContentType = "application/octet-stream"

// maxResponseSize bounds a Fulfill/Reject body.
const maxResponseSize = 64 * 1024

// DefaultHTTPClient for peers; per-packet deadlines come from the prepare's expiry.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// HTTPClient sends prepares to the account's HTTPEndpoint with POST, bearer HTTPOutgoingToken ("<id>:<token>").
// Peer is used when a request has no To account (single-upstream senders).
type HTTPClient struct {
	Client  *http.Client
	Address ilp.Address
	Peer    *store.Account
}

func NewHTTPClient(address ilp.Address) *HTTPClient {
	return &HTTPClient{Client: DefaultHTTPClient(), Address: address}
}

func (h *HTTPClient) HandleRequest(ctx context.Context, req *service.Request) (*ilp.Fulfill, *ilp.Reject) {
	to := req.To
	if to == nil {
		to = h.Peer
	}
	if to == nil || to.HTTPEndpoint == "" {
		return nil, ilp.NewReject(ilp.F02Unreachable, h.Address, "no http endpoint for peer")
	}
	entry := log.WithFields(log.Fields{"peer": to.ILPAddress, "endpoint": to.HTTPEndpoint})

	ctx, cancel := context.WithDeadline(ctx, req.Prepare.ExpiresAt)
	defer cancel()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, to.HTTPEndpoint, bytes.NewReader(ilp.Encode(req.Prepare)))
	if err != nil {
		entry.WithError(err).Warn("bad peer endpoint")
		return nil, ilp.NewReject(ilp.T01PeerUnreachable, h.Address, "bad peer endpoint")
	}
	hreq.Header.Set("Content-Type", ContentType)
	if to.HTTPOutgoingToken != "" {
		hreq.Header.Set("Authorization", "Bearer "+to.HTTPOutgoingToken)
	}
	resp, err := h.Client.Do(hreq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ilp.NewReject(ilp.R00TransferTimedOut, h.Address, "peer did not respond before expiry")
		}
		entry.WithError(err).Debug("http send failed")
		return nil, ilp.NewReject(ilp.T01PeerUnreachable, h.Address, "peer unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		entry.WithField("status", resp.StatusCode).Debug("peer returned error status")
		return nil, ilp.NewReject(ilp.T01PeerUnreachable, h.Address, "peer returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, ilp.NewReject(ilp.T01PeerUnreachable, h.Address, "reading peer response")
	}
	ful, rej, err := ilp.DecodeResponse(body)
	if err != nil {
		entry.WithError(err).Warn("undecodable peer response")
		return nil, ilp.NewReject(ilp.T00InternalError, h.Address, "invalid response from peer")
	}
	return ful, rej
}
