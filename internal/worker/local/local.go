// Package local is the in-process worker backend: each accepted dispatch
// runs the trial executor on its own goroutine and delivers the result on a
// single completion channel.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/worker"
)

// defaultMaxPerPoll bounds how many completions a single poll may drain so a
// busy backend cannot starve the scheduler loop.
const defaultMaxPerPoll = 32

type Config struct {
	MaxInFlight int
	MaxPerPoll  int
	Settings    config.Settings
	Logger      *zap.Logger
}

type entry struct {
	ticket   worker.Ticket
	dispatch *worker.Dispatch
}

// Backend implements worker.Backend in-process.
type Backend struct {
	exec        worker.Executor
	maxInFlight int
	maxPerPoll  int
	clampWarn   string
	logger      *zap.Logger

	mu            sync.Mutex
	inFlight      map[string]entry             // ticket id -> entry
	byWorker      map[string]map[string]string // worker id -> ticket id -> trial id
	stopRequested map[string]bool
	usedTickets   map[string]struct{}

	completions chan worker.Completion
}

// New builds a local backend. The configured capacity is clamped (never
// raised) by AGENTLAB_LOCAL_WORKER_MAX_IN_FLIGHT.
func New(cfg Config, exec worker.Executor) *Backend {
	capacity, warn := cfg.Settings.ClampLocalCapacity(cfg.MaxInFlight)
	maxPerPoll := cfg.MaxPerPoll
	if maxPerPoll < 1 {
		maxPerPoll = defaultMaxPerPoll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		exec:          exec,
		maxInFlight:   capacity,
		maxPerPoll:    maxPerPoll,
		clampWarn:     warn,
		logger:        logger.Named("local-backend"),
		inFlight:      map[string]entry{},
		byWorker:      map[string]map[string]string{},
		stopRequested: map[string]bool{},
		usedTickets:   map[string]struct{}{},
		completions:   make(chan worker.Completion, capacity),
	}
}

// ClampWarning is non-empty when the env ceiling lowered the configured
// capacity.
func (b *Backend) ClampWarning() string { return b.clampWarn }

// Capacity returns the effective in-flight limit.
func (b *Backend) Capacity() int { return b.maxInFlight }

// Submit spawns a worker goroutine for the dispatch, or returns ErrCapacity
// when the in-flight set is full.
func (b *Backend) Submit(ctx context.Context, d *worker.Dispatch) (worker.Ticket, error) {
	b.mu.Lock()
	if len(b.inFlight) >= b.maxInFlight {
		b.mu.Unlock()
		return worker.Ticket{}, worker.ErrCapacity
	}
	t := worker.Ticket{
		WorkerID: "localworker-" + uuid.NewString(),
		TicketID: "ticket-" + uuid.NewString(),
		TrialID:  d.TrialID,
	}
	if _, reused := b.usedTickets[t.TicketID]; reused {
		b.mu.Unlock()
		return worker.Ticket{}, worker.Faultf("ticket id %s reused", t.TicketID)
	}
	b.usedTickets[t.TicketID] = struct{}{}
	b.inFlight[t.TicketID] = entry{ticket: t, dispatch: d}
	b.byWorker[t.WorkerID] = map[string]string{t.TicketID: d.TrialID}
	b.mu.Unlock()

	b.logger.Debug("dispatch accepted",
		zap.String("trial_id", d.TrialID),
		zap.Int("schedule_idx", d.ScheduleIdx),
		zap.String("worker_id", t.WorkerID))

	go b.runTrial(ctx, t, d)
	return t, nil
}

// runTrial executes the closure and enqueues exactly one completion. Panics
// become a synthetic local_worker_error completion so the scheduler never
// loses the slot.
func (b *Backend) runTrial(ctx context.Context, t worker.Ticket, d *worker.Dispatch) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("trial worker panicked",
				zap.String("trial_id", d.TrialID),
				zap.Any("panic", r))
			b.completions <- worker.Completion{
				Ticket:         t,
				ScheduleIdx:    d.ScheduleIdx,
				TerminalStatus: "panic",
				Classification: worker.ClassLocalWorkerError,
			}
		}
	}()
	result := b.exec(ctx, d)
	if result == nil {
		b.completions <- worker.Completion{
			Ticket:         t,
			ScheduleIdx:    d.ScheduleIdx,
			TerminalStatus: "nil result",
			Classification: worker.ClassLocalWorkerError,
		}
		return
	}
	b.completions <- worker.Completion{
		Ticket:         t,
		ScheduleIdx:    d.ScheduleIdx,
		TerminalStatus: result.SlotStatus,
		Classification: worker.ClassTrialExecutionResult,
		Result:         result,
	}
}

// PollCompletions blocks up to timeout for the first arrival, then
// opportunistically drains up to the per-poll bound. An empty return is
// legal.
func (b *Backend) PollCompletions(ctx context.Context, timeout time.Duration) ([]worker.Completion, error) {
	var out []worker.Completion

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-b.completions:
		if err := b.retire(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(out) < b.maxPerPoll {
		select {
		case c := <-b.completions:
			if err := b.retire(&c); err != nil {
				return nil, err
			}
			out = append(out, c)
		default:
			return out, nil
		}
	}
	return out, nil
}

// retire matches a delivered completion against the in-flight ticket map and
// releases the worker when its last ticket completes.
func (b *Backend) retire(c *worker.Completion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.inFlight[c.Ticket.TicketID]
	if !ok {
		return worker.Faultf("completion for unknown ticket %s", c.Ticket.TicketID)
	}
	if e.dispatch.ScheduleIdx != c.ScheduleIdx {
		return worker.Faultf("completion for ticket %s reports schedule_idx %d, submitted %d",
			c.Ticket.TicketID, c.ScheduleIdx, e.dispatch.ScheduleIdx)
	}
	delete(b.inFlight, c.Ticket.TicketID)
	if tickets := b.byWorker[c.Ticket.WorkerID]; tickets != nil {
		delete(tickets, c.Ticket.TicketID)
		if len(tickets) == 0 {
			delete(b.byWorker, c.Ticket.WorkerID)
			delete(b.stopRequested, c.Ticket.WorkerID)
		}
	}
	return nil
}

// RequestPause acknowledges for a live worker. The local backend has no true
// preemption; the ack is advisory and surfaces through the control plane.
func (b *Backend) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tickets, ok := b.byWorker[workerID]
	if !ok {
		return worker.PauseAck{}, fmt.Errorf("pause requested for unknown worker %s", workerID)
	}
	ack := worker.PauseAck{Accepted: true, WorkerID: workerID, Label: label}
	for _, trialID := range tickets {
		ack.TrialID = trialID
		break
	}
	return ack, nil
}

// RequestStop flags a live worker for stop. Advisory: the running trial is
// not preempted.
func (b *Backend) RequestStop(ctx context.Context, workerID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byWorker[workerID]; !ok {
		return fmt.Errorf("stop requested for unknown worker %s", workerID)
	}
	b.stopRequested[workerID] = true
	b.logger.Info("stop requested", zap.String("worker_id", workerID), zap.String("reason", reason))
	return nil
}

// InFlight returns the number of outstanding tickets.
func (b *Backend) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

// LiveWorkers lists worker ids with at least one outstanding ticket.
func (b *Backend) LiveWorkers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.byWorker))
	for id := range b.byWorker {
		out = append(out, id)
	}
	return out
}
