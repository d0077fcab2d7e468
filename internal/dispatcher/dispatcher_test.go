package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/internal/dispatcher"
	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubGateway drives Submit behavior per call through a function field.
type stubGateway struct {
	mu         sync.Mutex
	batchLimit int
	calls      [][]dispatch.PushMessage
	submit     func(call int, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error)
}

func (s *stubGateway) MaxSubmitBatch() int                  { return s.batchLimit }
func (s *stubGateway) MaxReceiptBatch() int                 { return 1000 }
func (s *stubGateway) ValidateAddress(address string) error { return nil }

func (s *stubGateway) Submit(_ context.Context, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, batch)
	s.mu.Unlock()
	return s.submit(call, batch)
}

func (s *stubGateway) Receipts(_ context.Context, _ []string) (map[string]dispatch.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (s *stubGateway) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func acceptAll(_ int, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
	results := make([]dispatch.SubmissionResult, len(batch))
	for i := range batch {
		results[i] = dispatch.SubmissionResult{Status: dispatch.SubmissionOK, ID: uuid.NewString()}
	}
	return results, nil
}

func makeOutbound(t *testing.T, n int) []dispatcher.Outbound {
	t.Helper()
	out := make([]dispatcher.Outbound, n)
	for i := range out {
		id, err := urn.Parse(fmt.Sprintf("urn:sm:user:provider-%03d", i))
		require.NoError(t, err)
		out[i] = dispatcher.Outbound{
			Recipient: &dispatch.Recipient{ID: id, PushAddress: fmt.Sprintf("token-%03d", i)},
			Message:   dispatch.PushMessage{To: fmt.Sprintf("token-%03d", i)},
		}
	}
	return out
}

func TestDispatcher_Send(t *testing.T) {
	logger := newTestLogger()

	t.Run("Chunks batch and preserves input order", func(t *testing.T) {
		// 7 recipients with a batch limit of 5 means two gateway calls.
		gw := &stubGateway{batchLimit: 5, submit: acceptAll}
		d := dispatcher.New(gw, logger)
		out := makeOutbound(t, 7)

		res := d.Send(context.Background(), out)

		assert.Equal(t, 2, gw.callCount())
		require.Len(t, res.Tickets, 7)
		assert.Empty(t, res.Losses)
		assert.Empty(t, res.FailedChunks)

		for i, ticket := range res.Tickets {
			assert.Equal(t, out[i].Recipient.ID, ticket.RecipientID, "ticket %d out of order", i)
			assert.Equal(t, dispatch.SubmissionOK, ticket.Status)
			assert.NotEmpty(t, ticket.SubmissionID)
		}
	})

	t.Run("Chunk failure does not affect other chunks", func(t *testing.T) {
		gw := &stubGateway{batchLimit: 5}
		gw.submit = func(_ int, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
			// The 2-item chunk is the second of the two.
			if len(batch) == 2 {
				return nil, errors.New("gateway unavailable")
			}
			return acceptAll(0, batch)
		}
		d := dispatcher.New(gw, logger)
		out := makeOutbound(t, 7)

		res := d.Send(context.Background(), out)

		require.Len(t, res.Tickets, 5)
		require.Len(t, res.FailedChunks, 1)
		assert.Equal(t, 1, res.FailedChunks[0].Index)
		assert.Len(t, res.FailedChunks[0].RecipientIDs, 2)
		assert.Contains(t, res.FailedChunks[0].Err, "gateway unavailable")

		// The failed chunk covers exactly the tail of the input.
		assert.Equal(t, out[5].Recipient.ID, res.FailedChunks[0].RecipientIDs[0])
		assert.Equal(t, out[6].Recipient.ID, res.FailedChunks[0].RecipientIDs[1])
	})

	t.Run("Item-level rejection yields an error ticket", func(t *testing.T) {
		gw := &stubGateway{batchLimit: 5}
		gw.submit = func(_ int, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
			results, _ := acceptAll(0, batch)
			results[1] = dispatch.SubmissionResult{Status: dispatch.SubmissionError, Message: "device not registered"}
			return results, nil
		}
		d := dispatcher.New(gw, logger)
		out := makeOutbound(t, 3)

		res := d.Send(context.Background(), out)

		require.Len(t, res.Tickets, 3)
		assert.Equal(t, dispatch.SubmissionOK, res.Tickets[0].Status)
		assert.Equal(t, dispatch.SubmissionError, res.Tickets[1].Status)
		assert.Equal(t, "device not registered", res.Tickets[1].SubmissionError)
		assert.Empty(t, res.Tickets[1].SubmissionID)
		assert.Equal(t, dispatch.SubmissionOK, res.Tickets[2].Status)
	})

	t.Run("Short gateway response marks missing items as errors", func(t *testing.T) {
		gw := &stubGateway{batchLimit: 5}
		gw.submit = func(_ int, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
			results, _ := acceptAll(0, batch)
			return results[:len(results)-1], nil
		}
		d := dispatcher.New(gw, logger)
		out := makeOutbound(t, 3)

		res := d.Send(context.Background(), out)

		require.Len(t, res.Tickets, 3)
		assert.Equal(t, dispatch.SubmissionError, res.Tickets[2].Status)
		assert.Contains(t, res.Tickets[2].SubmissionError, "no result")
	})

	t.Run("Zero input is a no-op", func(t *testing.T) {
		gw := &stubGateway{batchLimit: 5, submit: acceptAll}
		d := dispatcher.New(gw, logger)

		res := d.Send(context.Background(), nil)

		assert.NotNil(t, res.Tickets)
		assert.Empty(t, res.Tickets)
		assert.Equal(t, 0, gw.callCount())
	})

	t.Run("Deadline elapse abandons unreported chunks as timeout losses", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		gw := &stubGateway{batchLimit: 5}
		gw.submit = func(_ int, batch []dispatch.PushMessage) ([]dispatch.SubmissionResult, error) {
			<-release // Hold until the test is over.
			return nil, context.DeadlineExceeded
		}
		d := dispatcher.New(gw, logger)
		out := makeOutbound(t, 7)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		res := d.Send(ctx, out)

		assert.Empty(t, res.Tickets)
		assert.Empty(t, res.FailedChunks)
		require.Len(t, res.Losses, 7)
		for _, loss := range res.Losses {
			assert.Equal(t, dispatch.LossTimeout, loss.Reason)
		}
	})
}
