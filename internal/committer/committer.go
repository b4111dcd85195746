// Package committer buffers out-of-order trial completions and commits them
// in strict schedule order. A commit appends evidence and fact rows, flushes
// the sink, updates pruning counters, and only then advances the
// schedule-progress checkpoint.
package committer

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/worker"
)

// Evidence layout under the run directory.
const (
	EvidenceDir    = "evidence"
	EvidenceFile   = "evidence.jsonl"
	ChainStateFile = "chain_state.jsonl"
	BenchmarkFile  = "benchmark.jsonl"
)

// EnqueueOutcome describes what Enqueue did.
type EnqueueOutcome int

const (
	Inserted EnqueueOutcome = iota
	DuplicateIdempotent
)

// Pending is one buffered completion awaiting its turn at the commit
// frontier.
type Pending struct {
	ScheduleIdx   int
	TrialID       string
	SkippedPruned bool
	Result        *worker.ExecutionResult
}

// CommitKey is the stable idempotency key for one slot commit.
func CommitKey(runID string, scheduleIdx int, trialID string) string {
	return fmt.Sprintf("%s|%d|%s", runID, scheduleIdx, trialID)
}

// Committer orders completions by schedule index. Single-threaded within the
// coordinator.
type Committer struct {
	runID    string
	runDir   string
	sink     sink.Sink
	progress *runstate.ScheduleProgress
	pruneCap int
	logger   *zap.Logger

	next      int
	pending   map[int]*Pending
	committed map[string]struct{}

	// OnCommit, when set, observes each committed slot (best-effort index
	// updates; errors there never block the commit pipeline).
	OnCommit func(slot runstate.CompletedSlot)
}

// New seeds the committer from existing progress so continue-run resumes at
// the persisted frontier.
func New(runID, runDir string, s sink.Sink, progress *runstate.ScheduleProgress, pruneCap int, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Committer{
		runID:     runID,
		runDir:    runDir,
		sink:      s,
		progress:  progress,
		pruneCap:  pruneCap,
		logger:    logger.Named("committer"),
		next:      progress.NextScheduleIndex,
		pending:   map[int]*Pending{},
		committed: map[string]struct{}{},
	}
	for _, slot := range progress.CompletedSlots {
		c.committed[slot.CommitKey] = struct{}{}
	}
	return c
}

// NextCommitIdx is the current commit frontier.
func (c *Committer) NextCommitIdx() int { return c.next }

// PendingCount reports buffered completions not yet at the frontier.
func (c *Committer) PendingCount() int { return len(c.pending) }

// Enqueue buffers one completion. Duplicates of already-committed slots are
// idempotent no-ops; stale or conflicting completions are protocol faults.
func (c *Committer) Enqueue(p *Pending) (EnqueueOutcome, error) {
	key := CommitKey(c.runID, p.ScheduleIdx, p.TrialID)
	if _, done := c.committed[key]; done {
		return DuplicateIdempotent, nil
	}
	if p.ScheduleIdx < c.next {
		return 0, worker.Faultf("stale completion for schedule_idx %d (frontier %d)", p.ScheduleIdx, c.next)
	}
	if existing, occupied := c.pending[p.ScheduleIdx]; occupied {
		if existing.TrialID == p.TrialID && existing.SkippedPruned == p.SkippedPruned {
			return DuplicateIdempotent, nil
		}
		return 0, worker.Faultf("conflicting completion for schedule_idx %d (have %q, got %q)",
			p.ScheduleIdx, existing.TrialID, p.TrialID)
	}
	c.pending[p.ScheduleIdx] = p
	return Inserted, nil
}

// DrainReady commits the contiguous prefix available at the frontier,
// returning how many slots advanced.
func (c *Committer) DrainReady() (int, error) {
	committed := 0
	for {
		p, ok := c.pending[c.next]
		if !ok {
			return committed, nil
		}
		if err := c.commit(p); err != nil {
			return committed, err
		}
		delete(c.pending, p.ScheduleIdx)
		committed++
	}
}

// commit is the single step that makes a slot durable: evidence and fact
// appends, sink flush, pruning bookkeeping, then the atomic progress
// replacement. A failed flush leaves progress untouched.
func (c *Committer) commit(p *Pending) error {
	slot := c.progress.Schedule[p.ScheduleIdx]
	status := runstate.SlotSkippedPruned
	if !p.SkippedPruned {
		if p.Result == nil {
			return worker.Faultf("completion for schedule_idx %d has no execution result", p.ScheduleIdx)
		}
		status = p.Result.SlotStatus

		if err := c.appendEvidence(p.Result); err != nil {
			return err
		}
		if err := p.Result.Facts.WriteTo(c.sink); err != nil {
			return err
		}
		if err := c.sink.Flush(); err != nil {
			return err
		}
		c.updatePruning(slot.VariantIdx, p.Result.SlotStatus)
	}

	key := CommitKey(c.runID, p.ScheduleIdx, p.TrialID)
	completed := runstate.CompletedSlot{
		ScheduleIndex: p.ScheduleIdx,
		TrialID:       p.TrialID,
		VariantIdx:    slot.VariantIdx,
		TaskIdx:       slot.TaskIdx,
		ReplIdx:       slot.ReplIdx,
		Status:        status,
		CommitKey:     key,
		CommittedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	c.progress.CompletedSlots = append(c.progress.CompletedSlots, completed)
	c.progress.NextScheduleIndex = p.ScheduleIdx + 1
	if err := runstate.SaveScheduleProgress(c.runDir, c.progress); err != nil {
		return err
	}

	c.committed[key] = struct{}{}
	c.next = p.ScheduleIdx + 1
	c.logger.Debug("slot committed",
		zap.Int("schedule_idx", p.ScheduleIdx),
		zap.String("trial_id", p.TrialID),
		zap.String("status", status))
	if c.OnCommit != nil {
		c.OnCommit(completed)
	}
	return nil
}

func (c *Committer) appendEvidence(res *worker.ExecutionResult) error {
	dir := filepath.Join(c.runDir, EvidenceDir)
	for _, rec := range res.Evidence {
		if err := runstate.AppendJSONLine(filepath.Join(dir, EvidenceFile), rec); err != nil {
			return err
		}
	}
	for _, rec := range res.ChainState {
		if err := runstate.AppendJSONLine(filepath.Join(dir, ChainStateFile), rec); err != nil {
			return err
		}
	}
	for _, rec := range res.Benchmark {
		if err := runstate.AppendJSONLine(filepath.Join(dir, BenchmarkFile), rec); err != nil {
			return err
		}
	}
	return nil
}

// updatePruning resets the variant's consecutive-failure counter on success
// and increments it otherwise; reaching the cap prunes the variant.
func (c *Committer) updatePruning(variantIdx int, slotStatus string) {
	if slotStatus == worker.SlotStatusCompleted {
		c.progress.ConsecutiveFailures[variantIdx] = 0
		return
	}
	c.progress.ConsecutiveFailures[variantIdx]++
	if c.pruneCap > 0 && c.progress.ConsecutiveFailures[variantIdx] >= c.pruneCap {
		if !c.progress.IsPruned(variantIdx) {
			c.logger.Info("variant pruned",
				zap.Int("variant_idx", variantIdx),
				zap.Int("consecutive_failures", c.progress.ConsecutiveFailures[variantIdx]))
		}
		c.progress.MarkPruned(variantIdx)
	}
}
