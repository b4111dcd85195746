package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/worker"
	"github.com/nishiokj/agentlab/internal/worker/local"
)

func testExperiment(variants, tasks, repls int) (*plan.Experiment, []plan.Variant) {
	exp := &plan.Experiment{
		Name:         "exp",
		WorkloadType: "agent_eval",
		Baseline:     plan.VariantSpec{ID: "v0"},
		Replications: repls,
	}
	for i := 1; i < variants; i++ {
		exp.Variants = append(exp.Variants, plan.VariantSpec{ID: "v" + string(rune('0'+i))})
	}
	for i := 0; i < tasks; i++ {
		exp.Tasks = append(exp.Tasks, plan.TaskSpec{ID: "task_" + string(rune('0'+i))})
	}
	if err := exp.Normalize(); err != nil {
		panic(err)
	}
	exp.Policy.MaxConcurrency = 4
	resolved, err := plan.ResolveVariants(exp)
	if err != nil {
		panic(err)
	}
	return exp, resolved
}

func setup(t *testing.T, exp *plan.Experiment, variants []plan.Variant, exec worker.Executor) (Options, *runstate.ScheduleProgress, string) {
	t.Helper()
	runDir := t.TempDir()
	schedule, err := plan.BuildSchedule(exp.SchedulePolicy, len(variants), len(exp.Tasks), exp.Replications, exp.Seed)
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
	backend := local.New(local.Config{MaxInFlight: exp.Policy.MaxConcurrency, Settings: config.Default()}, exec)
	return Options{
		RunID:      "run_1",
		RunDir:     runDir,
		Experiment: exp,
		Variants:   variants,
		Schedule:   schedule,
		Progress:   progress,
		Backend:    backend,
		Sink:       s,
	}, progress, runDir
}

func succeedExecutor(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
	return &worker.ExecutionResult{
		TrialID:    d.TrialID,
		SlotStatus: worker.SlotStatusCompleted,
		VariantIdx: d.Slot.VariantIdx,
		Facts: sink.DeferredRows{
			Trial: &sink.TrialRecord{RunID: d.RunID, TrialID: d.TrialID, VariantID: d.VariantID, Success: true},
		},
	}
}

func TestRun_CompletesAllSlotsInScheduleOrder(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(2, 2, 1)
	opts, progress, runDir := setup(t, exp, variants, succeedExecutor)
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", outcome)
	}
	if progress.NextScheduleIndex != 4 {
		t.Fatalf("frontier = %d", progress.NextScheduleIndex)
	}
	for i, slot := range progress.CompletedSlots {
		if slot.ScheduleIndex != i {
			t.Fatalf("commit order broken: %+v", progress.CompletedSlots)
		}
	}

	rc, err := runstate.LoadRunControl(runDir)
	if err != nil {
		t.Fatalf("load run control: %v", err)
	}
	if rc.Status != runstate.StatusCompleted || len(rc.ActiveTrials) != 0 {
		t.Fatalf("run control = %+v", rc)
	}

	raw, err := os.ReadFile(filepath.Join(runDir, sink.FactsDir, sink.FactsTrialsFile))
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 {
		t.Fatalf("trials rows = %d", len(lines))
	}
}

func TestRun_PruningSkipsRemainingVariantSlots(t *testing.T) {
	t.Parallel()

	// Serialized pipeline (capacity 1) with paired-interleaved order: the
	// failing variant's slots are 1, 3, 5, 7; the prune lands after slot 3
	// commits, so slots 5 and 7 commit as skipped.
	exp, variants := testExperiment(2, 4, 1)
	exp.SchedulePolicy = plan.PolicyPairedInterleaved
	exp.Policy.PruneAfterConsecutiveFailures = 2
	exp.Policy.MaxConcurrency = 1

	exec := func(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
		if d.Slot.VariantIdx == 1 {
			return &worker.ExecutionResult{
				TrialID:               d.TrialID,
				SlotStatus:            worker.SlotStatusFailed,
				VariantIdx:            1,
				FailureClassification: "agent_failure",
				Facts:                 sink.DeferredRows{Trial: &sink.TrialRecord{RunID: d.RunID, TrialID: d.TrialID}},
			}
		}
		return succeedExecutor(ctx, d)
	}
	opts, progress, _ := setup(t, exp, variants, exec)
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", outcome)
	}
	if !progress.IsPruned(1) {
		t.Fatalf("variant 1 not pruned: %+v", progress)
	}
	skipped := 0
	for _, slot := range progress.CompletedSlots {
		if slot.Status == runstate.SlotSkippedPruned {
			skipped++
			if slot.TrialID != "" {
				t.Fatalf("skipped slot carries trial id: %+v", slot)
			}
		}
	}
	if skipped != 2 {
		t.Fatalf("skipped slots = %d, want 2 (slots 5 and 7)", skipped)
	}
	if progress.NextScheduleIndex != 8 {
		t.Fatalf("frontier = %d", progress.NextScheduleIndex)
	}
}

func TestRun_RecoveredActiveTrialsCommitAsWorkerLost(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(1, 2, 1)
	opts, progress, _ := setup(t, exp, variants, succeedExecutor)
	opts.RecoveredActive = map[string]runstate.ActiveTrial{
		"trial_0": {TrialID: "trial_0", WorkerID: "w-gone", ScheduleIdx: 0},
	}
	// The prior run had dispatched trial_0 before dying.
	progress.NextTrialIndex = 1

	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outcome, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", outcome)
	}
	first := progress.CompletedSlots[0]
	if first.TrialID != "trial_0" || first.Status != worker.SlotStatusFailed {
		t.Fatalf("recovered slot = %+v", first)
	}
	if progress.CompletedSlots[1].Status != runstate.SlotCompleted {
		t.Fatalf("fresh slot = %+v", progress.CompletedSlots[1])
	}
}

// stuckBackend accepts submits but never completes, with scripted pause
// results per worker.
type stuckBackend struct {
	pauseFail  map[string]bool // worker id -> fail pause
	submitted  []worker.Ticket
	capacity   int
	nextTicket int
}

func (b *stuckBackend) Submit(ctx context.Context, d *worker.Dispatch) (worker.Ticket, error) {
	if len(b.submitted) >= b.capacity {
		return worker.Ticket{}, worker.ErrCapacity
	}
	b.nextTicket++
	t := worker.Ticket{
		WorkerID: "w" + string(rune('0'+b.nextTicket)),
		TicketID: "t" + string(rune('0'+b.nextTicket)),
		TrialID:  d.TrialID,
	}
	b.submitted = append(b.submitted, t)
	return t, nil
}

func (b *stuckBackend) PollCompletions(ctx context.Context, timeout time.Duration) ([]worker.Completion, error) {
	time.Sleep(timeout)
	return nil, nil
}

func (b *stuckBackend) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	if b.pauseFail[workerID] {
		return worker.PauseAck{}, context.DeadlineExceeded
	}
	return worker.PauseAck{Accepted: true, WorkerID: workerID, Label: label}, nil
}

func (b *stuckBackend) RequestStop(ctx context.Context, workerID, reason string) error {
	return nil
}

// writeRequestWhenActive waits for run_control to report the expected number
// of in-flight trials, then publishes the control request.
func writeRequestWhenActive(t *testing.T, runDir string, active int, req runstate.ControlRequest) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rc, err := runstate.LoadRunControl(runDir)
		if err == nil && len(rc.ActiveTrials) >= active {
			if err := runstate.WriteControlRequest(runDir, req); err != nil {
				t.Errorf("write request: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("trials never became active")
}

func TestRun_PausePartialFailureInterrupts(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(1, 2, 1)
	opts, _, runDir := setup(t, exp, variants, succeedExecutor)
	backend := &stuckBackend{capacity: 2, pauseFail: map[string]bool{"w2": true}}
	opts.Backend = backend

	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Queue the pause once both trials are in flight.
	go writeRequestWhenActive(t, runDir, 2, runstate.ControlRequest{
		RequestID: "req-1",
		Action:    runstate.ControlActionPause,
		Label:     "ckpt",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeInterrupted {
		t.Fatalf("outcome = %s", outcome)
	}

	resp, err := runstate.ReadControlResponse(runDir, "req-1")
	if err != nil || resp == nil {
		t.Fatalf("response missing: %v", err)
	}
	if resp.Status != runstate.ControlFailed {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.ProcessedTrialIDs) != 1 || len(resp.FailedTrials) != 1 {
		t.Fatalf("response = %+v", resp)
	}

	rc, err := runstate.LoadRunControl(runDir)
	if err != nil {
		t.Fatalf("load run control: %v", err)
	}
	if rc.Status != runstate.StatusInterrupted {
		t.Fatalf("run control status = %s", rc.Status)
	}
	// The succeeding trial is paused; the failing one remains active in
	// running state.
	var pausedCount, runningCount int
	for _, at := range rc.ActiveTrials {
		switch at.State {
		case runstate.TrialStatePaused:
			pausedCount++
		case runstate.TrialStateRunning:
			runningCount++
		}
	}
	if pausedCount != 1 || runningCount != 1 {
		t.Fatalf("active trials = %+v", rc.ActiveTrials)
	}
}

func TestRun_PauseAllSucceedsParksRun(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(1, 1, 1)
	opts, _, runDir := setup(t, exp, variants, succeedExecutor)
	opts.Backend = &stuckBackend{capacity: 1, pauseFail: map[string]bool{}}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	go writeRequestWhenActive(t, runDir, 1, runstate.ControlRequest{
		RequestID: "req-2",
		Action:    runstate.ControlActionPause,
		Label:     "ckpt",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomePaused {
		t.Fatalf("outcome = %s", outcome)
	}
	rc, _ := runstate.LoadRunControl(runDir)
	if rc.Status != runstate.StatusPaused || rc.Pause == nil || rc.Pause.Label != "ckpt" {
		t.Fatalf("run control = %+v", rc)
	}
}

func TestNew_RejectsNonIsolateStatePolicy(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(1, 1, 1)
	exp.Policy.StatePolicy = plan.StatePersistPerTask
	opts, _, _ := setup(t, exp, variants, succeedExecutor)
	if _, err := New(opts); err == nil {
		t.Fatalf("expected release gate rejection")
	}
}

func TestNew_RejectsMixedExecutorKinds(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(2, 1, 1)
	variants[1].RuntimeOverrides = map[string]any{"executor_kind": "remote"}
	opts, _, _ := setup(t, exp, variants, succeedExecutor)
	if _, err := New(opts); err == nil {
		t.Fatalf("expected mixed executor rejection")
	}
}

// fullBackend claims capacity-full on the very first submit.
type fullBackend struct{ stuckBackend }

func (b *fullBackend) Submit(ctx context.Context, d *worker.Dispatch) (worker.Ticket, error) {
	return worker.Ticket{}, worker.ErrCapacity
}

func TestRun_CapacityFullWithEmptyInFlightIsProtocolFault(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(1, 1, 1)
	opts, _, runDir := setup(t, exp, variants, succeedExecutor)
	opts.Backend = &fullBackend{}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.Run(context.Background())
	if !worker.IsProtocolFault(err) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
	rc, loadErr := runstate.LoadRunControl(runDir)
	if loadErr != nil {
		t.Fatalf("load run control: %v", loadErr)
	}
	if rc.Status != runstate.StatusFailed {
		t.Fatalf("drop guard did not record failed status: %s", rc.Status)
	}
}

func TestRun_TrialIDsMonotonicAcrossVariantCaps(t *testing.T) {
	t.Parallel()

	exp, variants := testExperiment(2, 2, 1)
	exp.SchedulePolicy = plan.PolicyPairedInterleaved
	exp.Policy.MaxInFlightPerVariant = 1
	opts, progress, runDir := setup(t, exp, variants, succeedExecutor)
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if progress.NextTrialIndex != 4 {
		t.Fatalf("trial index = %d", progress.NextTrialIndex)
	}
	raw, err := os.ReadFile(filepath.Join(runDir, sink.FactsDir, sink.FactsTrialsFile))
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var row sink.TrialRecord
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if seen[row.TrialID] {
			t.Fatalf("duplicate trial id %s", row.TrialID)
		}
		seen[row.TrialID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("trial ids = %v", seen)
	}
}
