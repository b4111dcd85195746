package local

import (
	"context"
	"testing"
	"time"

	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/worker"
)

func okExecutor(delay time.Duration) worker.Executor {
	return func(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
		if delay > 0 {
			time.Sleep(delay)
		}
		return &worker.ExecutionResult{
			TrialID:    d.TrialID,
			SlotStatus: worker.SlotStatusCompleted,
			VariantIdx: d.Slot.VariantIdx,
		}
	}
}

func dispatch(n int) *worker.Dispatch {
	return &worker.Dispatch{
		RunID:       "run_1",
		TrialID:     worker.TrialName(n),
		ScheduleIdx: n,
	}
}

func TestSubmitAndPoll_DeliversCompletion(t *testing.T) {
	t.Parallel()

	b := New(Config{MaxInFlight: 2, Settings: config.Default()}, okExecutor(0))
	ctx := context.Background()

	ticket, err := b.Submit(ctx, dispatch(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ticket.TicketID == "" || ticket.WorkerID == "" {
		t.Fatalf("empty ticket fields: %+v", ticket)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got []worker.Completion
	for len(got) == 0 && time.Now().Before(deadline) {
		cs, err := b.PollCompletions(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, cs...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(got))
	}
	c := got[0]
	if c.Classification != worker.ClassTrialExecutionResult || c.Result == nil {
		t.Fatalf("completion = %+v", c)
	}
	if c.Ticket.TicketID != ticket.TicketID || c.ScheduleIdx != 0 {
		t.Fatalf("completion does not match ticket: %+v", c)
	}
	if b.InFlight() != 0 {
		t.Fatalf("ticket not retired, in-flight=%d", b.InFlight())
	}
}

func TestSubmit_CapacityBackpressure(t *testing.T) {
	t.Parallel()

	b := New(Config{MaxInFlight: 1, Settings: config.Default()}, okExecutor(time.Second))
	ctx := context.Background()

	if _, err := b.Submit(ctx, dispatch(0)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := b.Submit(ctx, dispatch(1))
	if !worker.IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestCapacityClamp_FromSettings(t *testing.T) {
	t.Parallel()

	s := config.Default()
	s.LocalWorkerMaxInFlight = 2
	b := New(Config{MaxInFlight: 8, Settings: s}, okExecutor(0))
	if b.Capacity() != 2 {
		t.Fatalf("capacity = %d, want 2", b.Capacity())
	}
	if b.ClampWarning() == "" {
		t.Fatalf("expected clamp warning")
	}

	unclamped := New(Config{MaxInFlight: 2, Settings: s}, okExecutor(0))
	if unclamped.ClampWarning() != "" {
		t.Fatalf("unexpected warning: %s", unclamped.ClampWarning())
	}
}

func TestPanicBecomesSyntheticCompletion(t *testing.T) {
	t.Parallel()

	b := New(Config{MaxInFlight: 1, Settings: config.Default()}, func(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
		panic("executor exploded")
	})
	ctx := context.Background()
	if _, err := b.Submit(ctx, dispatch(0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	cs, err := b.PollCompletions(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(cs) != 1 {
		t.Fatalf("expected synthetic completion, got %d", len(cs))
	}
	if cs[0].Classification != worker.ClassLocalWorkerError {
		t.Fatalf("classification = %q", cs[0].Classification)
	}
}

func TestPoll_EmptyOnTimeout(t *testing.T) {
	t.Parallel()

	b := New(Config{MaxInFlight: 1, Settings: config.Default()}, okExecutor(0))
	cs, err := b.PollCompletions(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(cs) != 0 {
		t.Fatalf("expected empty poll, got %d", len(cs))
	}
}

func TestPauseAndStop_RequireLiveWorker(t *testing.T) {
	t.Parallel()

	b := New(Config{MaxInFlight: 1, Settings: config.Default()}, okExecutor(time.Second))
	ctx := context.Background()
	ticket, err := b.Submit(ctx, dispatch(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ack, err := b.RequestPause(ctx, ticket.WorkerID, "ckpt")
	if err != nil {
		t.Fatalf("pause live worker: %v", err)
	}
	if !ack.Accepted || ack.TrialID != "trial_0" || ack.Label != "ckpt" {
		t.Fatalf("ack = %+v", ack)
	}

	if _, err := b.RequestPause(ctx, "localworker-nope", "x"); err == nil {
		t.Fatalf("expected error for unknown worker")
	}
	if err := b.RequestStop(ctx, ticket.WorkerID, "test"); err != nil {
		t.Fatalf("stop live worker: %v", err)
	}
	if err := b.RequestStop(ctx, "localworker-nope", "x"); err == nil {
		t.Fatalf("expected error for unknown worker stop")
	}
}
