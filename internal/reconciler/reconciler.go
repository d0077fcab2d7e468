// Package reconciler resolves submission tickets into final delivery
// receipts on the caller's schedule, separate from the synchronous dispatch
// path, because receipts become available on the gateway's own clock.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// Reconciler queries the gateway for delivery receipts, chunked to the
// gateway's receipt batch limit with one in-flight call per chunk.
type Reconciler struct {
	gateway   dispatch.Gateway
	chunkSize int
	logger    *slog.Logger
}

func New(gateway dispatch.Gateway, logger *slog.Logger) *Reconciler {
	size := gateway.MaxReceiptBatch()
	if size <= 0 {
		size = 1
	}
	return &Reconciler{
		gateway:   gateway,
		chunkSize: size,
		logger:    logger.With("component", "ReceiptReconciler"),
	}
}

type chunkOutcome struct {
	receipts map[string]dispatch.Receipt
	err      error
}

// Reconcile maps each submission id to its delivery receipt. Ids the
// gateway has not resolved yet are omitted from the result; omission means
// "not yet known", and callers should poll again later rather than treat it
// as a permanent failure. Failed receipts are classified permanent (dead
// address) or transient so callers can decide whether to invalidate the
// stored token.
//
// Reconcile is idempotent: with no new receipts arrived at the gateway, two
// calls with the same ids return the same map.
func (r *Reconciler) Reconcile(ctx context.Context, ids []string) (map[string]dispatch.DeliveryReceipt, error) {
	out := make(map[string]dispatch.DeliveryReceipt)
	if len(ids) == 0 {
		return out, nil
	}

	var chunks [][]string
	for start := 0; start < len(ids); start += r.chunkSize {
		end := start + r.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	outcomes := make(chan chunkOutcome, len(chunks))
	for _, chunk := range chunks {
		go func(chunk []string) {
			receipts, err := r.gateway.Receipts(ctx, chunk)
			outcomes <- chunkOutcome{receipts: receipts, err: err}
		}(chunk)
	}

	failed := 0
	var lastErr error
	for range chunks {
		oc := <-outcomes
		if oc.err != nil {
			// The chunk's ids stay unresolved; the caller polls again.
			r.logger.Warn("Receipt query failed for chunk", "err", oc.err)
			failed++
			lastErr = oc.err
			continue
		}
		for id, receipt := range oc.receipts {
			out[id] = classify(id, receipt)
		}
	}

	if failed == len(chunks) {
		return nil, fmt.Errorf("all receipt queries failed: %w", lastErr)
	}
	return out, nil
}

func classify(id string, receipt dispatch.Receipt) dispatch.DeliveryReceipt {
	if receipt.Status == dispatch.SubmissionOK {
		return dispatch.DeliveryReceipt{SubmissionID: id, Status: dispatch.FinalDelivered}
	}

	reason := receipt.Message
	if receipt.Details != nil && receipt.Details["error"] != "" {
		reason = receipt.Details["error"]
	}
	return dispatch.DeliveryReceipt{
		SubmissionID:  id,
		Status:        dispatch.FinalFailed,
		FailureReason: reason,
		Permanent:     receipt.IsPermanent(),
	}
}
