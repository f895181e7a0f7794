// Package settlement talks to an external settlement engine: it sends settlements and opaque
// engine-to-engine messages per account, and triggers settlements once an account's balance is due.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdempotencyHeader lets the engine de-duplicate retried requests.
const IdempotencyHeader = "Idempotency-Key"

const maxBody = 1 << 20

// Client for one settlement engine.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) accountURL(accountID int64, suffix string) string {
	return c.BaseURL + "/accounts/" + strconv.FormatInt(accountID, 10) + suffix
}

func (c *Client) post(ctx context.Context, url, contentType string, body []byte, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	req.Header.Set(IdempotencyHeader, idempotencyKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("settlement: POST %s: %d %s", url, resp.StatusCode, bytes.TrimSpace(out))
	}
	return out, nil
}

// CreateAccount registers accountID with the engine.
func (c *Client) CreateAccount(ctx context.Context, accountID int64) error {
	body, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: strconv.FormatInt(accountID, 10)})
	_, err := c.post(ctx, c.BaseURL+"/accounts", "application/json", body, "")
	return err
}

// SendSettlement asks the engine to settle q; returns the amount the engine accepted.
// Retries must reuse idempotencyKey ("" = fresh key).
func (c *Client) SendSettlement(ctx context.Context, accountID int64, q Quantity, idempotencyKey string) (Quantity, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return Quantity{}, err
	}
	out, err := c.post(ctx, c.accountURL(accountID, "/settlements"), "application/json", body, idempotencyKey)
	if err != nil {
		return Quantity{}, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return q, nil
	}
	var accepted Quantity
	if err := json.Unmarshal(out, &accepted); err != nil {
		return Quantity{}, fmt.Errorf("settlement: decoding response: %w", err)
	}
	return accepted, nil
}

// SendMessage forwards an opaque message to the engine and returns its reply.
func (c *Client) SendMessage(ctx context.Context, accountID int64, data []byte) ([]byte, error) {
	return c.post(ctx, c.accountURL(accountID, "/messages"), "application/octet-stream", data, "")
}
