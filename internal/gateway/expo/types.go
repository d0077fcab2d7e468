// Package expo implements the dispatch.Gateway contract against an
// Expo-compatible push gateway: batched submissions that return one ticket
// per item, and a separate receipts endpoint polled on the gateway's own
// schedule.
package expo

import (
	"fmt"
	"strings"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

const (
	// maxSubmitPerRequest is the gateway's hard cap on /push/send.
	maxSubmitPerRequest = 100
	// maxReceiptsPerRequest is the gateway's hard cap on /push/getReceipts.
	maxReceiptsPerRequest = 1000

	tokenPrefix = "ExponentPushToken["
	tokenSuffix = "]"
)

// ValidateAddress checks the token grammar without any network call.
// Well-formed addresses look like ExponentPushToken[xxxxxxxx].
func ValidateAddress(address string) error {
	if !strings.HasPrefix(address, tokenPrefix) || !strings.HasSuffix(address, tokenSuffix) {
		return fmt.Errorf("push token must look like %sxxxx%s", tokenPrefix, tokenSuffix)
	}
	if len(address) <= len(tokenPrefix)+len(tokenSuffix) {
		return fmt.Errorf("push token has an empty body")
	}
	return nil
}

// submitResponse is the wire shape of a /push/send response: a ticket list
// parallel to the submitted batch, or a request-level error list.
type submitResponse struct {
	Data   []dispatch.SubmissionResult `json:"data"`
	Errors []map[string]string         `json:"errors,omitempty"`
}

// receiptsRequest is the wire shape of a /push/getReceipts request.
type receiptsRequest struct {
	IDs []string `json:"ids"`
}

// receiptsResponse maps submission ids to their final receipts. Ids the
// gateway has not resolved yet are simply absent.
type receiptsResponse struct {
	Data   map[string]dispatch.Receipt `json:"data"`
	Errors []map[string]string         `json:"errors,omitempty"`
}

// ServerError is returned when the gateway answers outside its documented
// contract (mismatched ticket counts, request-level error arrays).
type ServerError struct {
	Message string
	Errors  []map[string]string
}

func (e *ServerError) Error() string {
	if len(e.Errors) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Errors)
}
