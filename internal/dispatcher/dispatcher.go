// Package dispatcher partitions validated recipients into gateway-sized
// chunks, submits the chunks concurrently, and joins the per-item tickets
// back into input order.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// Outbound pairs one recipient with the message built for it. Inputs are
// expected to be filtered and validated already.
type Outbound struct {
	Recipient *dispatch.Recipient
	Message   dispatch.PushMessage
}

// Result is what one Send call produced: tickets in input order, timeout
// losses for abandoned chunks, and one failure record per chunk the gateway
// never accepted.
type Result struct {
	Tickets      []dispatch.DispatchTicket
	Losses       []dispatch.Loss
	FailedChunks []dispatch.ChunkFailure
}

// Dispatcher fans a batch out to the gateway, one in-flight call per chunk.
// The gateway is treated as stateless and reusable across concurrent calls.
type Dispatcher struct {
	gateway   dispatch.Gateway
	chunkSize int
	logger    *slog.Logger
}

func New(gateway dispatch.Gateway, logger *slog.Logger) *Dispatcher {
	size := gateway.MaxSubmitBatch()
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		gateway:   gateway,
		chunkSize: size,
		logger:    logger.With("component", "BatchDispatcher"),
	}
}

// chunkOutcome is the single-writer message each chunk goroutine reports.
type chunkOutcome struct {
	index   int
	results []dispatch.SubmissionResult
	err     error
}

// Send submits the outbound set in ceil(n/chunkSize) chunks. A chunk that
// fails entirely does not prevent the others from being attempted; chunks
// still in flight when the context deadline elapses are abandoned and their
// recipients reported as timeout losses. A zero-length input is a no-op.
func (d *Dispatcher) Send(ctx context.Context, out []Outbound) Result {
	if len(out) == 0 {
		return Result{Tickets: []dispatch.DispatchTicket{}}
	}

	chunks := partition(out, d.chunkSize)
	outcomes := make(chan chunkOutcome, len(chunks))

	for i, chunk := range chunks {
		go func(index int, chunk []Outbound) {
			batch := make([]dispatch.PushMessage, len(chunk))
			for j, o := range chunk {
				batch[j] = o.Message
			}
			results, err := d.gateway.Submit(ctx, batch)
			outcomes <- chunkOutcome{index: index, results: results, err: err}
		}(i, chunk)
	}

	// Join: the outcome channel is the only shared buffer. Stop waiting
	// the moment the deadline elapses; unreported chunks are abandoned.
	reported := make([]*chunkOutcome, len(chunks))
	collect(ctx.Done(), outcomes, reported)

	var res Result
	res.Tickets = make([]dispatch.DispatchTicket, 0, len(out))

	for i, chunk := range chunks {
		oc := reported[i]
		switch {
		case oc == nil || isDeadline(ocErr(oc)):
			for _, o := range chunk {
				res.Losses = append(res.Losses, dispatch.Loss{
					RecipientID: o.Recipient.ID,
					Reason:      dispatch.LossTimeout,
				})
			}
		case oc.err != nil:
			d.logger.Warn("Chunk submission failed", "chunk", i, "size", len(chunk), "err", oc.err)
			failure := dispatch.ChunkFailure{Index: i, Err: oc.err.Error()}
			for _, o := range chunk {
				failure.RecipientIDs = append(failure.RecipientIDs, o.Recipient.ID)
			}
			res.FailedChunks = append(res.FailedChunks, failure)
		default:
			// Per-item status comes from the gateway response; an
			// accepted chunk can still carry item-level rejections.
			for j, o := range chunk {
				ticket := dispatch.DispatchTicket{
					RecipientID: o.Recipient.ID,
					Status:      dispatch.SubmissionError,
				}
				if j < len(oc.results) {
					r := oc.results[j]
					if r.Status == dispatch.SubmissionOK {
						ticket.Status = dispatch.SubmissionOK
						ticket.SubmissionID = r.ID
					} else {
						ticket.SubmissionError = r.Message
					}
				} else {
					ticket.SubmissionError = "gateway returned no result for item"
				}
				res.Tickets = append(res.Tickets, ticket)
			}
		}
	}

	return res
}

// collect receives chunk outcomes into reported until every chunk has
// reported or done fires. Outcomes already buffered when done fires still
// count: a submit that finished just before the deadline is a real outcome,
// not a timeout. Returns how many chunks reported.
func collect(done <-chan struct{}, outcomes <-chan chunkOutcome, reported []*chunkOutcome) int {
	received := 0
join:
	for received < len(reported) {
		select {
		case oc := <-outcomes:
			reported[oc.index] = &oc
			received++
		case <-done:
			break join
		}
	}

	for received < len(reported) {
		select {
		case oc := <-outcomes:
			reported[oc.index] = &oc
			received++
		default:
			return received
		}
	}
	return received
}

func ocErr(oc *chunkOutcome) error {
	if oc == nil {
		return nil
	}
	return oc.err
}

func isDeadline(err error) bool {
	return err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

// partition slices the input into ceil(n/size) chunks preserving order.
func partition(out []Outbound, size int) [][]Outbound {
	var chunks [][]Outbound
	for start := 0; start < len(out); start += size {
		end := start + size
		if end > len(out) {
			end = len(out)
		}
		chunks = append(chunks, out[start:end])
	}
	return chunks
}
