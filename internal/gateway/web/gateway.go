// Package web adapts VAPID web push to the dispatch.Gateway contract. A web
// push address is the JSON-encoded subscription object the browser handed
// out; ValidateAddress parses it structurally. Push services confirm
// synchronously, so outcomes are parked in a receipt ledger.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

const (
	maxBatch = 100

	ledgerPrefix = "gateway:web:receipt:"
)

// VapidConfig holds the keys that sign web push requests.
type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// subscription is the structural shape of a web push address.
type subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func parseAddress(address string) (*subscription, error) {
	var sub subscription
	if err := json.Unmarshal([]byte(address), &sub); err != nil {
		return nil, fmt.Errorf("web push address is not a subscription object: %w", err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, fmt.Errorf("web push subscription is missing endpoint or keys")
	}
	return &sub, nil
}

type Gateway struct {
	cfg        VapidConfig
	httpClient *http.Client
	ledger     dispatch.TTLStore
	ledgerTTL  time.Duration
	logger     *slog.Logger
}

var _ dispatch.Gateway = (*Gateway)(nil)

func NewGateway(cfg VapidConfig, ledger dispatch.TTLStore, ledgerTTL time.Duration, logger *slog.Logger) *Gateway {
	if ledgerTTL <= 0 {
		ledgerTTL = 24 * time.Hour
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{},
		ledger:     ledger,
		ledgerTTL:  ledgerTTL,
		logger:     logger.With("component", "WebPushGateway"),
	}
}

func (g *Gateway) MaxSubmitBatch() int  { return maxBatch }
func (g *Gateway) MaxReceiptBatch() int { return maxBatch }

func (g *Gateway) ValidateAddress(address string) error {
	_, err := parseAddress(address)
	return err
}

func (g *Gateway) Submit(ctx context.Context, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds web push limit of %d", len(batch), maxBatch)
	}

	results := make([]dispatch.SubmissionResult, len(batch))
	for i, m := range batch {
		results[i] = g.send(ctx, m)
	}
	return results, nil
}

func (g *Gateway) send(ctx context.Context, m dispatch.PushMessage) dispatch.SubmissionResult {
	sub, err := parseAddress(m.To)
	if err != nil {
		return dispatch.SubmissionResult{
			Status:  dispatch.SubmissionError,
			Message: err.Error(),
			Details: map[string]string{"error": dispatch.ErrorDeviceNotRegistered},
		}
	}

	payloadBytes, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": m.Title,
			"body":  m.Body,
		},
		"data": m.Data,
	})
	if err != nil {
		return dispatch.SubmissionResult{Status: dispatch.SubmissionError, Message: err.Error()}
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      g.cfg.SubscriberEmail,
		VAPIDPublicKey:  g.cfg.PublicKey,
		VAPIDPrivateKey: g.cfg.PrivateKey,
		TTL:             60,
		HTTPClient:      g.httpClient,
	})
	if err != nil {
		// Transport error (DNS, timeout): not the subscription's fault.
		g.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
		return dispatch.SubmissionResult{Status: dispatch.SubmissionError, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated:
		id := uuid.NewString()
		g.record(ctx, id, dispatch.Receipt{Status: dispatch.SubmissionOK})
		return dispatch.SubmissionResult{Status: dispatch.SubmissionOK, ID: id}
	case http.StatusGone, http.StatusNotFound:
		// The subscription is dead; report it for cleanup.
		return dispatch.SubmissionResult{
			Status:  dispatch.SubmissionError,
			Message: fmt.Sprintf("push service returned %d", resp.StatusCode),
			Details: map[string]string{"error": dispatch.ErrorDeviceNotRegistered},
		}
	default:
		g.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return dispatch.SubmissionResult{
			Status:  dispatch.SubmissionError,
			Message: fmt.Sprintf("push service returned %d", resp.StatusCode),
		}
	}
}

func (g *Gateway) Receipts(ctx context.Context, ids []string) (map[string]dispatch.Receipt, error) {
	out := make(map[string]dispatch.Receipt, len(ids))
	for _, id := range ids {
		var receipt dispatch.Receipt
		found, err := g.ledger.Get(ctx, ledgerPrefix+id, &receipt)
		if err != nil {
			return nil, fmt.Errorf("receipt ledger read failed: %w", err)
		}
		if found {
			out[id] = receipt
		}
	}
	return out, nil
}

func (g *Gateway) record(ctx context.Context, id string, receipt dispatch.Receipt) {
	if err := g.ledger.Put(ctx, ledgerPrefix+id, receipt, g.ledgerTTL); err != nil {
		g.logger.Warn("Failed to record receipt", "submission_id", id, "err", err)
	}
}
