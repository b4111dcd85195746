package committer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/worker"
)

func newCommitter(t *testing.T, slots int, pruneCap int) (*Committer, *runstate.ScheduleProgress, string) {
	t.Helper()
	runDir := t.TempDir()
	schedule, err := plan.BuildSchedule(plan.PolicyVariantSequential, 1, slots, 1, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	progress, err := runstate.NewScheduleProgress(schedule)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	s, err := sink.NewJSONLSink(runDir)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New("run_1", runDir, s, progress, pruneCap, nil), progress, runDir
}

func resultFor(n int) *worker.ExecutionResult {
	return &worker.ExecutionResult{
		TrialID:    worker.TrialName(n),
		SlotStatus: worker.SlotStatusCompleted,
		Facts: sink.DeferredRows{
			Trial: &sink.TrialRecord{RunID: "run_1", TrialID: worker.TrialName(n), Success: true},
		},
	}
}

func pendingFor(n int) *Pending {
	return &Pending{ScheduleIdx: n, TrialID: worker.TrialName(n), Result: resultFor(n)}
}

func TestDrainReady_OutOfOrderArrivalsCommitInScheduleOrder(t *testing.T) {
	t.Parallel()

	c, progress, runDir := newCommitter(t, 4, 0)

	// Arrival order 2, 0, 3, 1 must commit as 0, 1, 2, 3.
	for _, idx := range []int{2, 0, 3, 1} {
		outcome, err := c.Enqueue(pendingFor(idx))
		if err != nil {
			t.Fatalf("enqueue %d: %v", idx, err)
		}
		if outcome != Inserted {
			t.Fatalf("enqueue %d outcome = %v", idx, outcome)
		}
		if _, err := c.DrainReady(); err != nil {
			t.Fatalf("drain after %d: %v", idx, err)
		}
	}
	if progress.NextScheduleIndex != 4 {
		t.Fatalf("frontier = %d, want 4", progress.NextScheduleIndex)
	}
	for i, slot := range progress.CompletedSlots {
		if slot.ScheduleIndex != i {
			t.Fatalf("commit order broken at %d: %+v", i, slot)
		}
	}

	// trials.jsonl carries the four trials in schedule order.
	raw, err := os.ReadFile(filepath.Join(runDir, sink.FactsDir, sink.FactsTrialsFile))
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 {
		t.Fatalf("trials.jsonl has %d rows", len(lines))
	}
	for i, line := range lines {
		var row sink.TrialRecord
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			t.Fatalf("decode row %d: %v", i, err)
		}
		if row.TrialID != worker.TrialName(i) {
			t.Fatalf("row %d trial = %s", i, row.TrialID)
		}
	}

	// Progress survives a reload with the same frontier.
	reloaded, err := runstate.LoadScheduleProgress(runDir)
	if err != nil {
		t.Fatalf("reload progress: %v", err)
	}
	if reloaded.NextScheduleIndex != 4 || len(reloaded.CompletedSlots) != 4 {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}

func TestEnqueue_DuplicateOfCommittedSlotIsIdempotent(t *testing.T) {
	t.Parallel()

	c, _, _ := newCommitter(t, 2, 0)
	if _, err := c.Enqueue(pendingFor(0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.DrainReady(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	outcome, err := c.Enqueue(pendingFor(0))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if outcome != DuplicateIdempotent {
		t.Fatalf("outcome = %v, want duplicate", outcome)
	}
}

func TestEnqueue_StaleAndConflictingAreFaults(t *testing.T) {
	t.Parallel()

	c, _, _ := newCommitter(t, 3, 0)
	if _, err := c.Enqueue(pendingFor(0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.DrainReady(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Stale: behind the frontier with a different trial id.
	stale := &Pending{ScheduleIdx: 0, TrialID: "trial_99", Result: resultFor(99)}
	if _, err := c.Enqueue(stale); !worker.IsProtocolFault(err) {
		t.Fatalf("expected stale fault, got %v", err)
	}

	// Conflict: a different pending already occupies the slot.
	if _, err := c.Enqueue(pendingFor(2)); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	conflict := &Pending{ScheduleIdx: 2, TrialID: "trial_77", Result: resultFor(77)}
	if _, err := c.Enqueue(conflict); !worker.IsProtocolFault(err) {
		t.Fatalf("expected conflict fault, got %v", err)
	}
}

func TestPruning_CapMarksVariantAndSkippedSlotsAdvance(t *testing.T) {
	t.Parallel()

	c, progress, _ := newCommitter(t, 4, 2)

	failed := func(n int) *Pending {
		return &Pending{
			ScheduleIdx: n,
			TrialID:     worker.TrialName(n),
			Result: &worker.ExecutionResult{
				TrialID:               worker.TrialName(n),
				SlotStatus:            worker.SlotStatusFailed,
				FailureClassification: "agent_failure",
				Facts: sink.DeferredRows{
					Trial: &sink.TrialRecord{RunID: "run_1", TrialID: worker.TrialName(n)},
				},
			},
		}
	}
	for _, p := range []*Pending{failed(0), failed(1)} {
		if _, err := c.Enqueue(p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := c.DrainReady(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !progress.IsPruned(0) {
		t.Fatalf("variant 0 not pruned after 2 consecutive failures: %+v", progress)
	}

	// Remaining slots commit as skipped_pruned with empty trial id and
	// still advance the frontier.
	for _, idx := range []int{2, 3} {
		if _, err := c.Enqueue(&Pending{ScheduleIdx: idx, SkippedPruned: true}); err != nil {
			t.Fatalf("enqueue skip %d: %v", idx, err)
		}
	}
	if _, err := c.DrainReady(); err != nil {
		t.Fatalf("drain skips: %v", err)
	}
	if progress.NextScheduleIndex != 4 {
		t.Fatalf("frontier = %d", progress.NextScheduleIndex)
	}
	last := progress.CompletedSlots[3]
	if last.Status != runstate.SlotSkippedPruned || last.TrialID != "" {
		t.Fatalf("skipped slot = %+v", last)
	}
}

func TestPruning_SuccessResetsCounter(t *testing.T) {
	t.Parallel()

	c, progress, _ := newCommitter(t, 3, 3)
	failed := &Pending{
		ScheduleIdx: 0,
		TrialID:     "trial_0",
		Result: &worker.ExecutionResult{
			TrialID:    "trial_0",
			SlotStatus: worker.SlotStatusFailed,
			Facts:      sink.DeferredRows{Trial: &sink.TrialRecord{TrialID: "trial_0"}},
		},
	}
	if _, err := c.Enqueue(failed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ok := pendingFor(1)
	if _, err := c.Enqueue(ok); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.DrainReady(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if progress.ConsecutiveFailures[0] != 0 {
		t.Fatalf("counter = %d after success", progress.ConsecutiveFailures[0])
	}
	if progress.IsPruned(0) {
		t.Fatalf("variant pruned despite reset")
	}
}

func TestEvidence_AppendedInCommitOrder(t *testing.T) {
	t.Parallel()

	c, _, runDir := newCommitter(t, 2, 0)
	withEvidence := func(n int) *Pending {
		p := pendingFor(n)
		p.Result.Evidence = []json.RawMessage{mustRaw(map[string]any{"trial_id": p.TrialID})}
		return p
	}
	for _, idx := range []int{1, 0} {
		if _, err := c.Enqueue(withEvidence(idx)); err != nil {
			t.Fatalf("enqueue %d: %v", idx, err)
		}
	}
	if _, err := c.DrainReady(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(runDir, EvidenceDir, EvidenceFile))
	if err != nil {
		t.Fatalf("read evidence: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("evidence rows = %d", len(lines))
	}
	if !strings.Contains(lines[0], "trial_0") || !strings.Contains(lines[1], "trial_1") {
		t.Fatalf("evidence out of order: %v", lines)
	}
}

func mustRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
