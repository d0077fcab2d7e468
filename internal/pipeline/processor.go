package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// Engine is the slice of the orchestrator the processor drives.
type Engine interface {
	DispatchNearest(ctx context.Context, notice dispatch.Notice, lat, lng float64, role dispatch.Role, k int) (*dispatch.DispatchResult, error)
	DispatchToRecipient(ctx context.Context, notice dispatch.Notice, id urn.URN) (*dispatch.DispatchResult, error)
}

// NewProcessor creates the logic that runs one validated DispatchRequest
// through the engine. Invalid-token losses are self-healed: the dead
// address is unregistered so the next selection never sees it.
func NewProcessor(
	engine Engine,
	store dispatch.RecipientStore,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[DispatchRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *DispatchRequest) error {
		procLogger := logger.With(
			"category", request.Notice.Category,
			"pubsub_msg_id", original.ID,
		)

		var result *dispatch.DispatchResult
		var err error
		if request.Nearest != nil {
			n := request.Nearest
			result, err = engine.DispatchNearest(ctx, request.Notice, n.Lat, n.Lng, dispatch.Role(n.Role), n.K)
		} else {
			result, err = engine.DispatchToRecipient(ctx, request.Notice, request.Recipient())
		}
		if err != nil {
			procLogger.Error("Dispatch failed", "err", err)
			return err // Retryable
		}

		// Self-healing: structurally invalid addresses never reach the
		// gateway, but they should not survive in the store either.
		for _, loss := range result.LossesByReason(dispatch.LossInvalidToken) {
			procLogger.Info("Cleaning up invalid push address", "recipient", loss.RecipientID.String())
			if err := store.UnregisterToken(ctx, loss.RecipientID, loss.Address); err != nil {
				procLogger.Warn("Failed to unregister invalid push address",
					"recipient", loss.RecipientID.String(), "err", err)
			}
		}

		procLogger.Info("Dispatch processed",
			"requested", result.RequestedCount,
			"eligible", result.EligibleCount,
			"sent", result.SentCount,
			"failed_chunks", len(result.FailedChunks),
		)
		return nil
	}
}
