// Package filter narrows a candidate list to the recipients a message may
// actually be sent to, accumulating a distinct loss per exclusion.
package filter

import (
	"log/slog"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// ValidateFunc structurally checks a push address. It must not touch the
// network; gateways expose their token grammar through dispatch.Gateway.
type ValidateFunc func(address string) error

// Filter applies the preference and token-validity passes. It is pure with
// respect to recipient state: nothing is written, no gateway is called.
type Filter struct {
	validate ValidateFunc
	logger   *slog.Logger
}

func New(validate ValidateFunc, logger *slog.Logger) *Filter {
	return &Filter{
		validate: validate,
		logger:   logger.With("component", "Filter"),
	}
}

// SuppressByPreference drops candidates whose preference map explicitly
// disables the category. Fail-open: a missing map or key never blocks
// delivery. Suppression is an expected outcome, not a failure.
func (f *Filter) SuppressByPreference(candidates []*dispatch.Recipient, category string) ([]*dispatch.Recipient, []dispatch.Loss) {
	kept := make([]*dispatch.Recipient, 0, len(candidates))
	var losses []dispatch.Loss

	for _, c := range candidates {
		if allowed, set := c.Preferences[category]; set && !allowed {
			losses = append(losses, dispatch.Loss{
				RecipientID: c.ID,
				Reason:      dispatch.LossPreferenceSuppressed,
				Detail:      category,
			})
			continue
		}
		kept = append(kept, c)
	}
	return kept, losses
}

// ValidateAddresses drops candidates whose push address is absent or
// structurally malformed, before anything reaches the gateway. The two
// cases are distinct loss categories: a missing address may need backfill,
// an invalid one needs token cleanup.
func (f *Filter) ValidateAddresses(candidates []*dispatch.Recipient) ([]*dispatch.Recipient, []dispatch.Loss) {
	kept := make([]*dispatch.Recipient, 0, len(candidates))
	var losses []dispatch.Loss

	for _, c := range candidates {
		if c.PushAddress == "" {
			losses = append(losses, dispatch.Loss{
				RecipientID: c.ID,
				Reason:      dispatch.LossMissingToken,
			})
			continue
		}
		if err := f.validate(c.PushAddress); err != nil {
			f.logger.Debug("Dropping structurally invalid push address",
				"recipient", c.ID.String(), "err", err)
			losses = append(losses, dispatch.Loss{
				RecipientID: c.ID,
				Reason:      dispatch.LossInvalidToken,
				Detail:      err.Error(),
				Address:     c.PushAddress,
			})
			continue
		}
		kept = append(kept, c)
	}
	return kept, losses
}
