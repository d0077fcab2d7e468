// Package fcm adapts Firebase Cloud Messaging to the dispatch.Gateway
// contract. FCM confirms delivery synchronously, so the adapter mints a
// submission id per item and parks the outcome in a receipt ledger that
// Receipts serves later; the engine never learns the provider is not
// actually asynchronous.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

const (
	// maxBatch is FCM's SendEach limit.
	maxBatch = 500

	ledgerPrefix = "gateway:fcm:receipt:"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

type Gateway struct {
	client    MessagingClient
	ledger    dispatch.TTLStore
	ledgerTTL time.Duration
	logger    *slog.Logger
}

var _ dispatch.Gateway = (*Gateway)(nil)

// NewGateway accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies MessagingClient.
func NewGateway(client MessagingClient, ledger dispatch.TTLStore, ledgerTTL time.Duration, logger *slog.Logger) *Gateway {
	if ledgerTTL <= 0 {
		ledgerTTL = 24 * time.Hour
	}
	return &Gateway{
		client:    client,
		ledger:    ledger,
		ledgerTTL: ledgerTTL,
		logger:    logger.With("component", "FCMGateway"),
	}
}

func (g *Gateway) MaxSubmitBatch() int  { return maxBatch }
func (g *Gateway) MaxReceiptBatch() int { return maxBatch }

// ValidateAddress structurally checks an FCM registration token. Tokens are
// long opaque strings with no whitespace; anything else is garbage we can
// reject without a network call.
func (g *Gateway) ValidateAddress(address string) error {
	if len(address) < 32 {
		return fmt.Errorf("fcm token too short (%d chars)", len(address))
	}
	if strings.ContainsAny(address, " \t\n") {
		return fmt.Errorf("fcm token contains whitespace")
	}
	return nil
}

func (g *Gateway) Submit(ctx context.Context, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds fcm limit of %d", len(batch), maxBatch)
	}

	messages := make([]*messaging.Message, len(batch))
	for i, m := range batch {
		messages[i] = &messaging.Message{
			Token: m.To,
			Data:  m.Data,
			Notification: &messaging.Notification{
				Title: m.Title,
				Body:  m.Body,
			},
			Android: &messaging.AndroidConfig{
				Priority: m.Priority,
				Notification: &messaging.AndroidNotification{
					ChannelID: m.ChannelID,
					Sound:     m.Sound,
				},
			},
		}
	}

	br, err := g.client.SendEach(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("fcm transport failed: %w", err)
	}

	results := make([]dispatch.SubmissionResult, len(batch))
	for i, resp := range br.Responses {
		if resp.Success {
			id := uuid.NewString()
			results[i] = dispatch.SubmissionResult{Status: dispatch.SubmissionOK, ID: id}
			g.record(ctx, id, dispatch.Receipt{Status: dispatch.SubmissionOK})
			continue
		}

		result := dispatch.SubmissionResult{
			Status:  dispatch.SubmissionError,
			Message: resp.Error.Error(),
		}
		if messaging.IsRegistrationTokenNotRegistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.Details = map[string]string{"error": dispatch.ErrorDeviceNotRegistered}
		}
		results[i] = result
	}
	return results, nil
}

// Receipts serves outcomes from the ledger. Ids with no entry (expired or
// never submitted here) are omitted, which the engine reads as "not yet
// known".
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
