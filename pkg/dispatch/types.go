// Package dispatch contains the public domain models and contracts for the
// dispatch notification engine.
package dispatch

import (
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Role identifies which side of a trip a recipient is on.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// Platform is the device platform a push address belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Position is a recipient's last known location.
type Position struct {
	Lat        float64   `json:"lat" firestore:"lat"`
	Lng        float64   `json:"lng" firestore:"lng"`
	ObservedAt time.Time `json:"observed_at" firestore:"observed_at"`
}

// Recipient is a read-only snapshot of a client or provider as held by the
// external store. The engine never mutates recipient state through this type.
type Recipient struct {
	ID          urn.URN
	Role        Role
	PushAddress string
	Platform    Platform
	Approved    bool
	Available   bool
	// Preferences maps a notification category to an explicit allow/deny.
	// A missing key means "allow" (the filter is fail-open).
	Preferences map[string]bool
	// LastKnownPosition is nil when the recipient has never reported one.
	LastKnownPosition *Position
}

// Notice is the immutable content of one notification. It is constructed per
// call, consumed once, and discarded; nothing here is persisted.
type Notice struct {
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// SubmissionStatus is the gateway's synchronous verdict on a single item.
type SubmissionStatus string

const (
	SubmissionOK    SubmissionStatus = "ok"
	SubmissionError SubmissionStatus = "error"
)

// DispatchTicket is the synchronous acknowledgment for one recipient: the
// gateway accepted (or rejected) the message for later delivery. It is not a
// delivery confirmation.
type DispatchTicket struct {
	RecipientID     urn.URN          `json:"recipient_id"`
	SubmissionID    string           `json:"submission_id,omitempty"`
	Status          SubmissionStatus `json:"status"`
	SubmissionError string           `json:"submission_error,omitempty"`
}

// LossReason classifies why a recipient was dropped before or during a send.
type LossReason string

const (
	LossMissingToken         LossReason = "missing_token"
	LossInvalidToken         LossReason = "invalid_token"
	LossPreferenceSuppressed LossReason = "preference_suppressed"
	LossTimeout              LossReason = "timeout"
)

// Loss records one excluded recipient and the category of exclusion, so
// callers can branch on remediation (suppression is expected; an invalid
// token should trigger out-of-band cleanup).
type Loss struct {
	RecipientID urn.URN    `json:"recipient_id"`
	Reason      LossReason `json:"reason"`
	Detail      string     `json:"detail,omitempty"`
	// Address carries the offending push address on invalid_token losses
	// so cleanup can target it.
	Address string `json:"address,omitempty"`
}

// ChunkFailure records a whole chunk the gateway never accepted. It covers a
// contiguous range of the validated input.
type ChunkFailure struct {
	Index        int       `json:"index"`
	RecipientIDs []urn.URN `json:"recipient_ids"`
	Err          string    `json:"error"`
}

// DispatchResult is the aggregate returned to the caller of a dispatch.
//
// Invariants: SentCount == len(Tickets); EligibleCount >= SentCount (the gap
// is accounted for by Losses and FailedChunks); RequestedCount >= EligibleCount
// (the gap is positional/staleness attrition in selection).
type DispatchResult struct {
	RequestedCount int              `json:"requested_count"`
	EligibleCount  int              `json:"eligible_count"`
	SentCount      int              `json:"sent_count"`
	Tickets        []DispatchTicket `json:"tickets"`
	Losses         []Loss           `json:"losses,omitempty"`
	FailedChunks   []ChunkFailure   `json:"failed_chunks,omitempty"`
}

// LossesByReason filters the accumulated losses to one category.
func (r *DispatchResult) LossesByReason(reason LossReason) []Loss {
	var out []Loss
	for _, l := range r.Losses {
		if l.Reason == reason {
			out = append(out, l)
		}
	}
	return out
}

// FinalStatus is the asynchronous, final verdict on a submission.
type FinalStatus string

const (
	FinalDelivered FinalStatus = "delivered"
	FinalFailed    FinalStatus = "failed"
)

// DeliveryReceipt is the reconciled outcome for one submission id. Receipts
// are never created speculatively: a submission with no receipt yet is simply
// absent from the reconciler's result.
type DeliveryReceipt struct {
	SubmissionID  string      `json:"submission_id"`
	Status        FinalStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	// Permanent marks a failure the caller should not retry: the push
	// address itself is dead and the stored token should be invalidated.
	Permanent bool `json:"permanent,omitempty"`
}
