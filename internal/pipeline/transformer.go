// Package pipeline contains the core message processing components for the
// service: turning raw ingestion messages into dispatch requests and
// running them through the engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// NearestTarget asks for the k nearest providers around a pickup point.
type NearestTarget struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Role string  `json:"role"`
	K    int     `json:"k,omitempty"`
}

// DispatchRequest is the wire shape arriving on the ingestion topic.
// Exactly one targeting field must be set.
type DispatchRequest struct {
	Notice      dispatch.Notice `json:"notice"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Nearest     *NearestTarget  `json:"nearest,omitempty"`

	// recipient is the parsed form of RecipientID, populated during
	// validation.
	recipient urn.URN
}

// Recipient returns the parsed single-recipient target.
func (r *DispatchRequest) Recipient() urn.URN { return r.recipient }

func (r *DispatchRequest) Validate() error {
	if r.Notice.Category == "" {
		return fmt.Errorf("notice is missing a category")
	}
	if (r.RecipientID == "") == (r.Nearest == nil) {
		return fmt.Errorf("exactly one of recipient_id or nearest must be set")
	}
	if r.RecipientID != "" {
		// An unresolvable recipient id is rejected outright. Falling
		// back to some default receiver would mis-route the message.
		id, err := urn.Parse(r.RecipientID)
		if err != nil {
			return fmt.Errorf("unresolvable recipient id %q: %w", r.RecipientID, err)
		}
		r.recipient = id
	}
	if r.Nearest != nil && r.Nearest.Role == "" {
		return fmt.Errorf("nearest targeting is missing a role")
	}
	return nil
}

// DispatchRequestTransformer is a dataflow Transformer that safely
// unmarshals and validates a raw message payload into a DispatchRequest.
// Malformed payloads are skipped so the StreamingService can handle the
// Nack/DLQ logic.
func DispatchRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*DispatchRequest, bool, error) {
	var req DispatchRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal dispatch request from message %s: %w", msg.ID, err)
	}
	if err := req.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid dispatch request in message %s: %w", msg.ID, err)
	}
	return &req, false, nil
}
