package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgate.org/internal/obs"
)

// DefaultTimeout bounds every outbound webhook call.
const DefaultTimeout = 10 * time.Second

// ErrNoBaseURL is returned when no webhook base URL is configured.
var ErrNoBaseURL = errors.New("signing: webhook base url not configured")

// Delivery describes the response to a signed webhook call.
type Delivery struct {
	URL     string        `json:"url"`
	Status  int           `json:"status"`
	Latency time.Duration `json:"-"`
	Body    string        `json:"body,omitempty"`
}

// LatencyMS returns the round trip in milliseconds.
func (d Delivery) LatencyMS() int64 { return d.Latency.Milliseconds() }

// OK reports a 2xx response.
func (d Delivery) OK() bool { return d.Status >= 200 && d.Status < 300 }

// Client posts signed JSON payloads to {baseURL}/{path}.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a webhook client. timeout <= 0 uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    obs.TracedClient(timeout),
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool { return c != nil && c.baseURL != "" }

// Send signs payload with secret and posts it. Non-2xx responses are not
// errors; callers inspect Delivery.Status.
func (c *Client) Send(ctx context.Context, path, tenantID, requestID, secret string, payload any) (Delivery, error) {
	if !c.Configured() {
		return Delivery{}, ErrNoBaseURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode webhook payload: %w", err)
	}
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Delivery{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, body))
	req.Header.Set(HeaderTenant, tenantID)
	req.Header.Set(HeaderRequestID, requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		obs.Logger().Warn("webhook delivery failed",
			zap.String("url", url),
			zap.String("tenant_id", tenantID),
			zap.String("request_id", requestID),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return Delivery{URL: url, Latency: latency}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	obs.Logger().Info("webhook delivered",
		zap.String("url", url),
		zap.String("tenant_id", tenantID),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
	)
	return Delivery{URL: url, Status: resp.StatusCode, Latency: latency, Body: string(snippet)}, nil
}
