// Package apns adapts the Apple Push Notification Service to the
// dispatch.Gateway contract. The APNs HTTP/2 API is unary, so Submit
// iterates the batch; outcomes are parked in a receipt ledger because APNs
// confirms synchronously.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

const (
	// maxBatch bounds one Submit call; APNs itself has no batch endpoint.
	maxBatch = 100

	ledgerPrefix = "gateway:apns:receipt:"
)

// deviceTokenPattern matches the 64-hex-char APNs device token format.
var deviceTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
}

type Gateway struct {
	client    APNSClient
	topic     string // the app bundle id
	ledger    dispatch.TTLStore
	ledgerTTL time.Duration
	logger    *slog.Logger
}

var _ dispatch.Gateway = (*Gateway)(nil)

// NewGateway parses the P8 key immediately to fail fast on startup if
// credentials are bad.
func NewGateway(cfg Config, ledger dispatch.TTLStore, ledgerTTL time.Duration, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})

	return newGateway(client, cfg.BundleID, ledger, ledgerTTL, logger), nil
}

func newGateway(client APNSClient, topic string, ledger dispatch.TTLStore, ledgerTTL time.Duration, logger *slog.Logger) *Gateway {
	if ledgerTTL <= 0 {
		ledgerTTL = 24 * time.Hour
	}
	return &Gateway{
		client:    client,
		topic:     topic,
		ledger:    ledger,
		ledgerTTL: ledgerTTL,
		logger:    logger.With("component", "APNSGateway"),
	}
}

func (g *Gateway) MaxSubmitBatch() int  { return maxBatch }
func (g *Gateway) MaxReceiptBatch() int { return maxBatch }

func (g *Gateway) ValidateAddress(address string) error {
	if !deviceTokenPattern.MatchString(address) {
		return fmt.Errorf("apns device token must be 64 hex characters")
	}
	return nil
}

func (g *Gateway) Submit(ctx context.Context, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds apns limit of %d", len(batch), maxBatch)
	}

	results := make([]dispatch.SubmissionResult, len(batch))
	transportFailures := 0

	for i, m := range batch {
		builder := payload.NewPayload().
			AlertTitle(m.Title).
			AlertBody(m.Body).
			Sound(m.Sound)
		for k, v := range m.Data {
			builder.Custom(k, v)
		}

		res, err := g.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: m.To,
			Topic:       g.topic,
			Payload:     builder,
		})
		if err != nil {
			// Transport failure for every remaining item means the
			// gateway is unreachable; fail the chunk as a whole.
			transportFailures++
			results[i] = dispatch.SubmissionResult{
				Status:  dispatch.SubmissionError,
				Message: err.Error(),
			}
			continue
		}

		if res.Sent() {
			id := uuid.NewString()
			results[i] = dispatch.SubmissionResult{Status: dispatch.SubmissionOK, ID: id}
			g.record(ctx, id, dispatch.Receipt{Status: dispatch.SubmissionOK})
			continue
		}

		result := dispatch.SubmissionResult{
			Status:  dispatch.SubmissionError,
			Message: res.Reason,
		}
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			result.Details = map[string]string{"error": dispatch.ErrorDeviceNotRegistered}
		default:
			// Logic errors (TopicDisallowed, PayloadEmpty) are not the
			// token's fault; our configuration may be wrong.
			g.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
		results[i] = result
	}

	if transportFailures == len(batch) {
		return nil, fmt.Errorf("apns transport failed for entire batch")
	}
	return results, nil
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
