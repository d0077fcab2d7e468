package expo

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// Client talks to an Expo-compatible push gateway. It holds no per-call
// state and is safe for concurrent use.
type Client struct {
	cfg *Config
}

var _ dispatch.Gateway = (*Client)(nil)

// NewClient builds a gateway client from functional options.
func NewClient(opts ...Option) *Client {
	c := &Config{}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	withDefaults(c)
	return &Client{cfg: c}
}

func (c *Client) MaxSubmitBatch() int  { return maxSubmitPerRequest }
func (c *Client) MaxReceiptBatch() int { return maxReceiptsPerRequest }

// ValidateAddress checks the gateway's token grammar, no network involved.
func (c *Client) ValidateAddress(address string) error {
	return ValidateAddress(address)
}

// Submit posts one batch to /push/send and returns the per-item ticket list
// in input order. An error means the gateway accepted nothing from this
// batch.
func (c *Client) Submit(ctx context.Context, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > maxSubmitPerRequest {
		return nil, fmt.Errorf("batch of %d exceeds gateway limit of %d", len(batch), maxSubmitPerRequest)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	var decoded submitResponse
	if err := c.post(ctx, "/push/send", body, c.cfg.EnableGzip, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Errors) > 0 {
		return nil, &ServerError{Message: "gateway rejected the request", Errors: decoded.Errors}
	}
	if len(decoded.Data) != len(batch) {
		return nil, &ServerError{
			Message: fmt.Sprintf("mismatched ticket count: sent %d, received %d", len(batch), len(decoded.Data)),
		}
	}
	return decoded.Data, nil
}

// Receipts posts submission ids to /push/getReceipts. Ids the gateway has
// not resolved yet are absent from the returned map.
func (c *Client) Receipts(ctx context.Context, ids []string) (map[string]dispatch.Receipt, error) {
	if len(ids) == 0 {
		return map[string]dispatch.Receipt{}, nil
	}
	if len(ids) > maxReceiptsPerRequest {
		return nil, fmt.Errorf("%d receipt ids exceeds gateway limit of %d", len(ids), maxReceiptsPerRequest)
	}

	body, err := json.Marshal(receiptsRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt request: %w", err)
	}

	var decoded receiptsResponse
	if err := c.post(ctx, "/push/getReceipts", body, false, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Errors) > 0 {
		return nil, &ServerError{Message: "gateway rejected the receipt request", Errors: decoded.Errors}
	}
	if decoded.Data == nil {
		return map[string]dispatch.Receipt{}, nil
	}
	return decoded.Data, nil
}

// post sends a JSON body with transport-level retry on 429/5xx responses,
// honouring the configured backoff schedule.
func (c *Client) post(ctx context.Context, path string, body []byte, useGzip bool, dest any) error {
	payload := body
	if useGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("gzip failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip failed: %w", err)
		}
		payload = buf.Bytes()
	}

	url := c.cfg.Host + c.cfg.APIPath + path

	resp, err := c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if useGzip {
			req.Header.Set("Content-Encoding", "gzip")
		}
		if c.cfg.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		}
		return c.cfg.HTTPClient.Do(req)
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d %s", resp.StatusCode, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// retryableStatus reports whether a response status is worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	policy := c.cfg.Retry
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var resp *http.Response
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.Backoff(attempt - 1)):
			}
		}

		resp, lastErr = fn()
		if lastErr != nil {
			continue
		}
		if retryableStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("gateway returned retryable status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
