package dispatch

import "context"

// PushMessage is the provider-agnostic shape of one outbound notification,
// mirroring what every batch push gateway accepts: an opaque address plus
// display content and a small data payload.
type PushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority,omitempty"`
	// ChannelID selects the Android notification channel, where supported.
	ChannelID string `json:"channelId,omitempty"`
	// CategoryID groups the notification client-side, where supported.
	CategoryID string `json:"categoryId,omitempty"`
}

// SubmissionResult is the gateway's per-item response to a Submit call,
// parallel to the submitted batch.
type SubmissionResult struct {
	Status SubmissionStatus `json:"status"`
	// ID is the submission id to reconcile receipts with later. Only set
	// when Status is ok.
	ID      string            `json:"id,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Receipt is the gateway's final word on a submission id.
type Receipt struct {
	Status  SubmissionStatus  `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorDeviceNotRegistered is the receipt detail gateways use for a push
// address that is permanently dead. Reconciliation surfaces it as a permanent
// failure so the caller can invalidate the stored token.
const ErrorDeviceNotRegistered = "DeviceNotRegistered"

// permanentReceiptErrors are detail codes meaning the address or credentials
// are dead; everything else (throttling, transient provider trouble) is
// worth retrying later.
var permanentReceiptErrors = map[string]bool{
	ErrorDeviceNotRegistered: true,
	"InvalidCredentials":     true,
	"MismatchSenderId":       true,
}

// IsPermanent reports whether a failed receipt should stop further attempts
// to this address.
func (r Receipt) IsPermanent() bool {
	if r.Details == nil {
		return false
	}
	return permanentReceiptErrors[r.Details["error"]]
}

// Gateway is the narrow contract the engine holds on any push provider. A
// Gateway must be stateless with respect to calls: the engine issues
// concurrent Submit and Receipts calls against a single instance.
type Gateway interface {
	// MaxSubmitBatch is the provider's per-call limit on Submit.
	MaxSubmitBatch() int
	// MaxReceiptBatch is the provider's per-call limit on Receipts.
	MaxReceiptBatch() int
	// ValidateAddress structurally checks a push address against the
	// provider's token grammar. No network call is made.
	ValidateAddress(address string) error
	// Submit sends one batch (len <= MaxSubmitBatch) and returns a
	// per-item result slice parallel to the input. An error means the
	// whole batch was not accepted.
	Submit(ctx context.Context, batch []PushMessage) ([]SubmissionResult, error)
	// Receipts looks up final delivery receipts for submission ids
	// (len <= MaxReceiptBatch). Ids the provider has not resolved yet are
	// absent from the returned map.
	Receipts(ctx context.Context, ids []string) (map[string]Receipt, error)
}
