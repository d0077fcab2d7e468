// Package orchestrator composes selection, filtering, validation, batching,
// and reconciliation into the two end-to-end dispatch flows. It is the only
// component that knows all the others.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/internal/dispatcher"
	"github.com/hailwave/go-dispatch-service/internal/filter"
	"github.com/hailwave/go-dispatch-service/internal/reconciler"
	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// state names one step of a dispatch attempt. No state is retried
// automatically; an empty selection short-circuits straight to completed.
type state string

const (
	stateSelecting  state = "selecting"
	stateFiltering  state = "filtering"
	stateValidating state = "validating"
	stateSending    state = "sending"
	stateCompleted  state = "completed"
)

const DefaultTicketTTL = 24 * time.Hour

// Config tunes one orchestrator instance.
type Config struct {
	DefaultK int
	// TicketTTL is the reconcile window: how long submitted tickets are
	// parked for receipt lookup before being forgotten.
	TicketTTL time.Duration
}

// pendingTicket is what the ticket store remembers per submission id, enough
// to invalidate the stored token when a receipt comes back permanently dead.
type pendingTicket struct {
	RecipientID string `json:"recipient_id"`
	PushAddress string `json:"push_address"`
}

// Orchestrator runs the Selecting -> Filtering -> Validating -> Sending ->
// Completed state machine per dispatch attempt. Receipt reconciliation is a
// separate, caller-invoked step.
type Orchestrator struct {
	selector   dispatch.CandidateSelector
	store      dispatch.RecipientStore
	filter     *filter.Filter
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	tickets    dispatch.TTLStore
	cfg        Config
	logger     *slog.Logger
}

func New(
	sel dispatch.CandidateSelector,
	store dispatch.RecipientStore,
	gateway dispatch.Gateway,
	tickets dispatch.TTLStore,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = DefaultTicketTTL
	}
	return &Orchestrator{
		selector:   sel,
		store:      store,
		filter:     filter.New(gateway.ValidateAddress, logger),
		dispatcher: dispatcher.New(gateway, logger),
		reconciler: reconciler.New(gateway, logger),
		tickets:    tickets,
		cfg:        cfg,
		logger:     logger.With("component", "DispatchOrchestrator"),
	}
}

// DispatchNearest notifies the k nearest eligible providers about a new
// request. "No one available" is a normal outcome with SentCount zero, not
// an error; the only call-aborting failure is a malformed reference point,
// detected before any network call.
func (o *Orchestrator) DispatchNearest(ctx context.Context, notice dispatch.Notice, lat, lng float64, role dispatch.Role, k int) (*dispatch.DispatchResult, error) {
	if err := validatePoint(lat, lng); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = o.cfg.DefaultK
	}

	o.transition(stateSelecting, notice.Category)
	candidates, err := o.selector.Nearest(ctx, lat, lng, role, k)
	if err != nil {
		return nil, fmt.Errorf("candidate selection failed: %w", err)
	}

	return o.run(ctx, notice, candidates, k)
}

// DispatchToRecipient notifies one specific recipient about a status
// change. Proximity constraints do not apply; preference and token checks
// do.
func (o *Orchestrator) DispatchToRecipient(ctx context.Context, notice dispatch.Notice, id urn.URN) (*dispatch.DispatchResult, error) {
	o.transition(stateSelecting, notice.Category)
	snapshot, err := o.store.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("recipient lookup failed: %w", err)
	}

	return o.run(ctx, notice, []*dispatch.Recipient{snapshot}, 1)
}

// run drives the shared Filtering -> Validating -> Sending -> Completed
// tail of both flows.
func (o *Orchestrator) run(ctx context.Context, notice dispatch.Notice, candidates []*dispatch.Recipient, requested int) (*dispatch.DispatchResult, error) {
	result := &dispatch.DispatchResult{
		RequestedCount: requested,
		EligibleCount:  len(candidates),
		Tickets:        []dispatch.DispatchTicket{},
	}

	if len(candidates) == 0 {
		o.transition(stateCompleted, notice.Category)
		return result, nil
	}

	o.transition(stateFiltering, notice.Category)
	kept, suppressed := o.filter.SuppressByPreference(candidates, notice.Category)
	result.Losses = append(result.Losses, suppressed...)

	o.transition(stateValidating, notice.Category)
	valid, invalid := o.filter.ValidateAddresses(kept)
	result.Losses = append(result.Losses, invalid...)

	if len(valid) == 0 {
		o.transition(stateCompleted, notice.Category)
		return result, nil
	}

	o.transition(stateSending, notice.Category)
	out := make([]dispatcher.Outbound, len(valid))
	for i, r := range valid {
		out[i] = dispatcher.Outbound{Recipient: r, Message: buildMessage(notice, r)}
	}
	sent := o.dispatcher.Send(ctx, out)

	result.Tickets = sent.Tickets
	result.SentCount = len(sent.Tickets)
	result.Losses = append(result.Losses, sent.Losses...)
	result.FailedChunks = sent.FailedChunks

	o.parkTickets(ctx, valid, sent.Tickets)

	o.transition(stateCompleted, notice.Category)
	o.logger.Info("Dispatch completed",
		"category", notice.Category,
		"requested", result.RequestedCount,
		"eligible", result.EligibleCount,
		"sent", result.SentCount,
		"losses", len(result.Losses),
		"failed_chunks", len(result.FailedChunks),
	)
	return result, nil
}

// Pending lists the submission ids still parked for reconciliation, in no
// particular order. Callers that track no ids themselves can reconcile
// everything outstanding in one sweep.
func (o *Orchestrator) Pending(ctx context.Context) ([]string, error) {
	keys, err := o.tickets.ScanKeys(ctx, ticketPrefix)
	if err != nil {
		return nil, fmt.Errorf("pending ticket scan failed: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, ticketPrefix))
	}
	return ids, nil
}

// Reconcile resolves submission ids into delivery receipts. Resolved ids
// are dropped from the pending-ticket store; a permanent failure also
// unregisters the dead push address so it is never targeted again.
func (o *Orchestrator) Reconcile(ctx context.Context, ids []string) (map[string]dispatch.DeliveryReceipt, error) {
	receipts, err := o.reconciler.Reconcile(ctx, ids)
	if err != nil {
		return nil, err
	}

	for id, receipt := range receipts {
		var pending pendingTicket
		found, err := o.tickets.Get(ctx, ticketKey(id), &pending)
		if err != nil {
			o.logger.Warn("Pending ticket lookup failed", "submission_id", id, "err", err)
		}

		if receipt.Status == dispatch.FinalFailed && receipt.Permanent && found {
			recipientID, parseErr := urn.Parse(pending.RecipientID)
			if parseErr == nil {
				if err := o.store.UnregisterToken(ctx, recipientID, pending.PushAddress); err != nil {
					o.logger.Warn("Failed to unregister dead push address",
						"recipient", pending.RecipientID, "err", err)
				} else {
					o.logger.Info("Unregistered dead push address",
						"recipient", pending.RecipientID, "reason", receipt.FailureReason)
				}
			}
		}

		if err := o.tickets.Del(ctx, ticketKey(id)); err != nil {
			o.logger.Warn("Failed to drop resolved ticket", "submission_id", id, "err", err)
		}
	}

	return receipts, nil
}

// parkTickets stores accepted submissions for the reconcile window. Ticket
// storage is an optimization for later cleanup, not a transaction: failures
// are logged and ignored.
func (o *Orchestrator) parkTickets(ctx context.Context, sent []*dispatch.Recipient, tickets []dispatch.DispatchTicket) {
	byID := make(map[string]*dispatch.Recipient, len(sent))
	for _, r := range sent {
		byID[r.ID.String()] = r
	}

	for _, t := range tickets {
		if t.Status != dispatch.SubmissionOK || t.SubmissionID == "" {
			continue
		}
		r, ok := byID[t.RecipientID.String()]
		if !ok {
			continue
		}
		entry := pendingTicket{RecipientID: r.ID.String(), PushAddress: r.PushAddress}
		if err := o.tickets.Put(ctx, ticketKey(t.SubmissionID), entry, o.cfg.TicketTTL); err != nil {
			o.logger.Warn("Failed to park ticket", "submission_id", t.SubmissionID, "err", err)
		}
	}
}

func (o *Orchestrator) transition(s state, category string) {
	o.logger.Debug("State transition", "state", string(s), "category", category)
}

const ticketPrefix = "dispatch:pending:"

func ticketKey(submissionID string) string {
	return ticketPrefix + submissionID
}

// buildMessage renders the notice for one recipient.
func buildMessage(notice dispatch.Notice, r *dispatch.Recipient) dispatch.PushMessage {
	return dispatch.PushMessage{
		To:         r.PushAddress,
		Title:      notice.Title,
		Body:       notice.Body,
		Data:       notice.Payload,
		Sound:      "default",
		Priority:   "high",
		ChannelID:  notice.Category,
		CategoryID: notice.Category,
	}
}

// validatePoint rejects malformed reference points before any network call.
func validatePoint(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("malformed reference point (%v, %v)", lat, lng)
	}
	return nil
}
