package worker

import (
	"context"
	"time"
)

// Backend is the worker contract. Invariants across implementations:
// every accepted submit yields exactly one completion (barring stop); a
// ticket id never reappears after its completion is delivered; duplicate
// delivery of a completion with the same dedup key is silently dropped.
type Backend interface {
	// Submit accepts a dispatch and returns a fresh ticket, or ErrCapacity
	// when the backend is at capacity. Capacity is retryable at the caller,
	// never a run failure.
	Submit(ctx context.Context, d *Dispatch) (Ticket, error)

	// PollCompletions blocks up to timeout and returns zero or more
	// completions. Ordering between tickets is not guaranteed.
	PollCompletions(ctx context.Context, timeout time.Duration) ([]Completion, error)

	// RequestPause asks a live worker to checkpoint and pause. accepted is
	// true only for live workers.
	RequestPause(ctx context.Context, workerID, label string) (PauseAck, error)

	// RequestStop best-effort terminates a live worker.
	RequestStop(ctx context.Context, workerID, reason string) error
}

// Executor runs one dispatched trial to completion. Implementations never
// return an error; failures are folded into the result envelope.
type Executor func(ctx context.Context, d *Dispatch) *ExecutionResult
