package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/nishiokj/agentlab/internal/committer"
	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/coordinator"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/worker"
	"github.com/nishiokj/agentlab/internal/worker/local"
)

func TestContinueRun_ResumesAtFrontierWithRecovery(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	exp := &plan.Experiment{
		Name:     "exp",
		Baseline: plan.VariantSpec{ID: "base"},
		Tasks: []plan.TaskSpec{
			{ID: "task_0"}, {ID: "task_1"}, {ID: "task_2"},
		},
		Replications: 1,
	}
	if err := exp.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := runstate.SaveRunSessionState(runDir, &runstate.RunSessionState{
		RunID:      "run_1",
		Experiment: exp,
		Options:    runstate.ExecutionOptions{ExecutorKind: "local", MaxConcurrency: 2},
	}); err != nil {
		t.Fatalf("session: %v", err)
	}

	schedule, err := plan.BuildSchedule(exp.SchedulePolicy, 1, 3, 1, exp.Seed)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	progress, err := runstate.NewScheduleProgress(schedule)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	// Slot 0 committed in the prior life; trial_1 was in flight when the
	// run died.
	progress.NextScheduleIndex = 1
	progress.NextTrialIndex = 2
	progress.CompletedSlots = append(progress.CompletedSlots, runstate.CompletedSlot{
		ScheduleIndex: 0, TrialID: "trial_0", Status: runstate.SlotCompleted,
		CommitKey: committer.CommitKey("run_1", 0, "trial_0"),
	})
	progress.ConsecutiveFailures[0] = 1
	if err := runstate.SaveScheduleProgress(runDir, progress); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	rc := runstate.NewRunControl("run_1")
	rc.Status = runstate.StatusFailed
	rc.ActiveTrials["trial_1"] = runstate.ActiveTrial{
		TrialID: "trial_1", WorkerID: "w-dead", ScheduleIdx: 1, State: runstate.TrialStateRunning,
	}
	if err := runstate.SaveRunControl(runDir, rc); err != nil {
		t.Fatalf("save run control: %v", err)
	}

	s, err := sink.NewJSONLSink(runDir)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer s.Close()

	exec := func(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
		return &worker.ExecutionResult{
			TrialID:    d.TrialID,
			SlotStatus: worker.SlotStatusCompleted,
			VariantIdx: d.Slot.VariantIdx,
			Facts:      sink.DeferredRows{Trial: &sink.TrialRecord{RunID: d.RunID, TrialID: d.TrialID, Success: true}},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := ContinueRun(ctx, runDir, ContinueOptions{
		BuildBackend: func(session *runstate.RunSessionState) (worker.Backend, error) {
			return local.New(local.Config{
				MaxInFlight: session.Options.MaxConcurrency,
				Settings:    config.Default(),
			}, exec), nil
		},
		Sink: s,
	})
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if outcome != coordinator.OutcomeCompleted {
		t.Fatalf("outcome = %s", outcome)
	}

	final, err := runstate.LoadScheduleProgress(runDir)
	if err != nil {
		t.Fatalf("reload progress: %v", err)
	}
	if final.NextScheduleIndex != 3 {
		t.Fatalf("frontier = %d", final.NextScheduleIndex)
	}
	statuses := []string{}
	for _, slot := range final.CompletedSlots {
		statuses = append(statuses, slot.Status)
	}
	want := []string{runstate.SlotCompleted, runstate.SlotFailed, runstate.SlotCompleted}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	// The recovered slot committed as worker-lost under its original id.
	if final.CompletedSlots[1].TrialID != "trial_1" {
		t.Fatalf("recovered slot = %+v", final.CompletedSlots[1])
	}
}

func TestContinueRun_RejectsCompletedRun(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	rc := runstate.NewRunControl("run_1")
	rc.Status = runstate.StatusCompleted
	if err := runstate.SaveRunControl(runDir, rc); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := ContinueRun(context.Background(), runDir, ContinueOptions{
		BuildBackend: func(*runstate.RunSessionState) (worker.Backend, error) { return nil, nil },
	})
	if err == nil {
		t.Fatalf("expected rejection for completed run")
	}
}

func TestContinueRun_DetectsScheduleDrift(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	exp := &plan.Experiment{
		Name:         "exp",
		Baseline:     plan.VariantSpec{ID: "base"},
		Tasks:        []plan.TaskSpec{{ID: "task_0"}, {ID: "task_1"}},
		Replications: 1,
	}
	if err := exp.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := runstate.SaveRunSessionState(runDir, &runstate.RunSessionState{
		RunID: "run_1", Experiment: exp,
		Options: runstate.ExecutionOptions{MaxConcurrency: 1},
	}); err != nil {
		t.Fatalf("session: %v", err)
	}

	// The sealed schedule came from a different experiment shape.
	other, err := plan.BuildSchedule(plan.PolicyVariantSequential, 1, 3, 1, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	progress, err := runstate.NewScheduleProgress(other)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := runstate.SaveScheduleProgress(runDir, progress); err != nil {
		t.Fatalf("save: %v", err)
	}
	rc := runstate.NewRunControl("run_1")
	rc.Status = runstate.StatusFailed
	if err := runstate.SaveRunControl(runDir, rc); err != nil {
		t.Fatalf("save rc: %v", err)
	}

	_, err = ContinueRun(context.Background(), runDir, ContinueOptions{
		BuildBackend: func(*runstate.RunSessionState) (worker.Backend, error) { return nil, nil },
	})
	if err == nil {
		t.Fatalf("expected schedule drift rejection")
	}
}
