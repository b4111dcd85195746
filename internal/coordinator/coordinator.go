// Package coordinator drives the parallel schedule engine: it dispatches
// schedule slots to a worker backend with bounded in-flight concurrency,
// ingests out-of-order completions, commits them deterministically through
// the committer, and services control-plane requests between ticks.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/committer"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/worker"
)

// quietPollTimeout bounds latency on ticks that made no progress.
const quietPollTimeout = 50 * time.Millisecond

// Outcome is the terminal state of one coordinator run.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomePaused      Outcome = "paused"
	OutcomeKilled      Outcome = "killed"
	OutcomeInterrupted Outcome = "interrupted"
)

type Options struct {
	RunID  string
	RunDir string

	Experiment *plan.Experiment
	Variants   []plan.Variant
	Schedule   plan.Schedule
	Progress   *runstate.ScheduleProgress

	Backend worker.Backend
	Sink    sink.Sink
	Logger  *zap.Logger

	// RecoveredActive holds active trials from a prior run control document;
	// slots still ahead of the commit frontier complete as worker-lost.
	RecoveredActive map[string]runstate.ActiveTrial

	// OnCommit observes committed slots (best-effort run index updates).
	OnCommit func(slot runstate.CompletedSlot)
}

type inFlightEntry struct {
	ScheduleIdx int
	TrialID     string
	VariantIdx  int
	Ticket      worker.Ticket
	StartedAt   string
}

// Coordinator owns in_flight and the dispatch cursor exclusively; the
// committer is single-threaded within it.
type Coordinator struct {
	opts      Options
	logger    *zap.Logger
	committer *committer.Committer

	inFlight        map[string]inFlightEntry // ticket id -> entry
	byVariant       map[int]int
	pendingDispatch []int
	trialIndex      int

	control      *runstate.RunControl
	controlDirty bool
}

// New validates the release gate and seeds the committer from existing
// progress.
func New(opts Options) (*Coordinator, error) {
	if opts.Experiment.Policy.StatePolicy != plan.StateIsolatePerTrial {
		return nil, fmt.Errorf("parallel engine requires state policy %q, got %q",
			plan.StateIsolatePerTrial, opts.Experiment.Policy.StatePolicy)
	}
	for _, v := range opts.Variants {
		if kind, ok := v.RuntimeOverrides["executor_kind"].(string); ok && kind != opts.Experiment.Policy.ExecutorKind {
			return nil, fmt.Errorf("variant %s requests executor kind %q, run uses %q: mixed executor kinds are not supported",
				v.ID, kind, opts.Experiment.Policy.ExecutorKind)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("coordinator")

	cm := committer.New(opts.RunID, opts.RunDir, opts.Sink, opts.Progress,
		opts.Experiment.Policy.PruneAfterConsecutiveFailures, logger)
	cm.OnCommit = opts.OnCommit

	c := &Coordinator{
		opts:       opts,
		logger:     logger,
		committer:  cm,
		inFlight:   map[string]inFlightEntry{},
		byVariant:  map[int]int{},
		trialIndex: opts.Progress.NextTrialIndex,
	}
	for idx := opts.Progress.NextScheduleIndex; idx < len(opts.Schedule); idx++ {
		c.pendingDispatch = append(c.pendingDispatch, idx)
	}

	if err := c.recoverActiveTrials(); err != nil {
		return nil, err
	}
	return c, nil
}

// recoverActiveTrials replays prior active trials as worker-lost so their
// slots complete deterministically after a crash or continue.
func (c *Coordinator) recoverActiveTrials() error {
	for _, at := range c.opts.RecoveredActive {
		if at.ScheduleIdx < c.committer.NextCommitIdx() {
			continue
		}
		variantIdx := 0
		if at.ScheduleIdx < len(c.opts.Schedule) {
			variantIdx = c.opts.Schedule[at.ScheduleIdx].VariantIdx
		}
		outcome, err := c.committer.Enqueue(&committer.Pending{
			ScheduleIdx: at.ScheduleIdx,
			TrialID:     at.TrialID,
			Result:      workerLostFacts(c.opts.RunID, at.TrialID, variantIdx),
		})
		if err != nil {
			return err
		}
		if outcome == committer.Inserted {
			c.logger.Info("recovered active trial as worker-lost",
				zap.String("trial_id", at.TrialID),
				zap.Int("schedule_idx", at.ScheduleIdx))
			c.removePending(at.ScheduleIdx)
		}
	}
	return nil
}

// workerLostFacts builds the synthetic failed result for a lost slot,
// including the minimal trial row so the fact stream stays complete.
func workerLostFacts(runID, trialID string, variantIdx int) *worker.ExecutionResult {
	res := worker.WorkerLostResult(trialID, variantIdx)
	res.Facts = sink.DeferredRows{
		Trial: &sink.TrialRecord{
			RunID:      runID,
			TrialID:    trialID,
			Outcome:    "error",
			Success:    false,
			StatusCode: worker.ClassWorkerLost,
		},
	}
	return res
}

// Run executes the main loop until every slot has committed and no tickets
// remain in flight, or a control operation yields a terminal outcome. The
// drop guard writes status failed if the loop exits abnormally.
func (c *Coordinator) Run(ctx context.Context) (outcome Outcome, err error) {
	c.control = runstate.NewRunControl(c.opts.RunID)
	if err := runstate.SaveRunControl(c.opts.RunDir, c.control); err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator panicked: %v", r)
		}
		if err != nil {
			c.control.Status = runstate.StatusFailed
			_ = runstate.SaveRunControl(c.opts.RunDir, c.control)
		}
	}()

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		terminal, controlErr := c.handleControlRequest(ctx)
		if controlErr != nil {
			return "", controlErr
		}
		if terminal != "" {
			return terminal, nil
		}

		progressed, dispatchErr := c.dispatchPhase(ctx)
		if dispatchErr != nil {
			return "", dispatchErr
		}

		committed, commitErr := c.committer.DrainReady()
		if commitErr != nil {
			return "", commitErr
		}
		progressed = progressed || committed > 0

		if c.committer.NextCommitIdx() >= len(c.opts.Schedule) && len(c.inFlight) == 0 {
			c.control.Status = runstate.StatusCompleted
			c.control.ActiveTrials = map[string]runstate.ActiveTrial{}
			if err := runstate.SaveRunControl(c.opts.RunDir, c.control); err != nil {
				return "", err
			}
			c.logger.Info("run completed",
				zap.Int("slots", len(c.opts.Schedule)),
				zap.Int("trials_dispatched", c.trialIndex))
			return OutcomeCompleted, nil
		}

		pollTimeout := quietPollTimeout
		if progressed {
			pollTimeout = 0
		}
		if err := c.pollPhase(ctx, pollTimeout); err != nil {
			return "", err
		}

		if err := c.refreshRunControl(); err != nil {
			return "", err
		}
	}
}

// dispatchPhase submits eligible slots until the backend pushes back or no
// slot clears the per-variant cap. Pruned slots bypass the backend and
// enqueue skipped commits directly.
func (c *Coordinator) dispatchPhase(ctx context.Context) (bool, error) {
	progressed := false
	for {
		idx := c.nextDispatchable()
		if idx < 0 {
			return progressed, nil
		}
		slot := c.opts.Schedule[idx]

		if c.opts.Progress.IsPruned(slot.VariantIdx) {
			if _, err := c.committer.Enqueue(&committer.Pending{ScheduleIdx: idx, SkippedPruned: true}); err != nil {
				return progressed, err
			}
			c.removePending(idx)
			progressed = true
			continue
		}

		d := c.buildDispatch(idx, slot)
		ticket, err := c.opts.Backend.Submit(ctx, d)
		if worker.IsCapacity(err) {
			if len(c.inFlight) == 0 {
				return progressed, worker.Faultf("backend reports capacity-full with nothing in flight")
			}
			return progressed, nil
		}
		if err != nil {
			return progressed, errors.Wrapf(err, "submit %s", d.TrialID)
		}

		entry := inFlightEntry{
			ScheduleIdx: idx,
			TrialID:     d.TrialID,
			VariantIdx:  slot.VariantIdx,
			Ticket:      ticket,
			StartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		}
		c.inFlight[ticket.TicketID] = entry
		c.byVariant[slot.VariantIdx]++
		c.removePending(idx)
		c.trialIndex++
		c.opts.Progress.NextTrialIndex = c.trialIndex
		c.controlDirty = true
		progressed = true
		c.logger.Debug("slot dispatched",
			zap.Int("schedule_idx", idx),
			zap.String("trial_id", d.TrialID),
			zap.String("worker_id", ticket.WorkerID))
	}
}

// nextDispatchable returns the lowest-numbered pending slot whose variant
// has capacity, or -1.
func (c *Coordinator) nextDispatchable() int {
	limit := c.opts.Experiment.Policy.MaxInFlightPerVariant
	for _, idx := range c.pendingDispatch {
		v := c.opts.Schedule[idx].VariantIdx
		if c.opts.Progress.IsPruned(v) {
			return idx
		}
		if limit > 0 && c.byVariant[v] >= limit {
			continue
		}
		return idx
	}
	return -1
}

func (c *Coordinator) removePending(idx int) {
	for i, p := range c.pendingDispatch {
		if p == idx {
			c.pendingDispatch = append(c.pendingDispatch[:i], c.pendingDispatch[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) buildDispatch(idx int, slot plan.Slot) *worker.Dispatch {
	variant := c.opts.Variants[slot.VariantIdx]
	task := c.opts.Experiment.Tasks[slot.TaskIdx]
	profile, _ := plan.CanonicalJSON(c.opts.Experiment.RuntimeProfile)
	return &worker.Dispatch{
		RunID:          c.opts.RunID,
		TrialID:        worker.TrialName(c.trialIndex),
		ScheduleIdx:    idx,
		Slot:           slot,
		VariantID:      variant.ID,
		TaskID:         task.ID,
		ReplIdx:        slot.ReplIdx,
		Variant:        variant,
		Task:           task,
		RuntimeProfile: profile,
		Policy:         c.opts.Experiment.Policy,
	}
}

// pollPhase ingests completions, converting non-executor classifications to
// worker-lost results.
func (c *Coordinator) pollPhase(ctx context.Context, timeout time.Duration) error {
	completions, err := c.opts.Backend.PollCompletions(ctx, timeout)
	if err != nil {
		return err
	}
	for i := range completions {
		comp := &completions[i]
		entry, ok := c.inFlight[comp.Ticket.TicketID]
		if !ok {
			return worker.Faultf("completion for unknown ticket %s", comp.Ticket.TicketID)
		}
		if entry.ScheduleIdx != comp.ScheduleIdx {
			return worker.Faultf("completion for ticket %s reports schedule_idx %d, dispatched %d",
				comp.Ticket.TicketID, comp.ScheduleIdx, entry.ScheduleIdx)
		}
		delete(c.inFlight, comp.Ticket.TicketID)
		c.byVariant[entry.VariantIdx]--
		c.controlDirty = true

		result := comp.Result
		if comp.Classification != worker.ClassTrialExecutionResult || result == nil {
			c.logger.Warn("slot lost its worker",
				zap.String("trial_id", entry.TrialID),
				zap.String("classification", comp.Classification))
			result = workerLostFacts(c.opts.RunID, entry.TrialID, entry.VariantIdx)
		}
		if _, err := c.committer.Enqueue(&committer.Pending{
			ScheduleIdx: entry.ScheduleIdx,
			TrialID:     entry.TrialID,
			Result:      result,
		}); err != nil {
			return err
		}
	}
	return nil
}

// refreshRunControl mirrors the in-flight set into run_control.json.
func (c *Coordinator) refreshRunControl() error {
	if !c.controlDirty {
		return nil
	}
	active := map[string]runstate.ActiveTrial{}
	for _, e := range c.inFlight {
		active[e.TrialID] = runstate.ActiveTrial{
			TrialID:     e.TrialID,
			WorkerID:    e.Ticket.WorkerID,
			ScheduleIdx: e.ScheduleIdx,
			VariantID:   c.opts.Variants[e.VariantIdx].ID,
			StartedAt:   e.StartedAt,
			State:       runstate.TrialStateRunning,
		}
	}
	c.control.ActiveTrials = active
	c.controlDirty = false
	return runstate.SaveRunControl(c.opts.RunDir, c.control)
}

// sortedActiveTrialIDs lists in-flight trials in a stable order.
func (c *Coordinator) sortedActiveTrialIDs() []string {
	ids := make([]string, 0, len(c.inFlight))
	for _, e := range c.inFlight {
		ids = append(ids, e.TrialID)
	}
	sort.Strings(ids)
	return ids
}
