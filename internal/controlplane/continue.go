package controlplane

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/coordinator"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/worker"
)

type ContinueOptions struct {
	// BuildBackend constructs the worker backend from the restored session
	// state; the CLI wires local or remote here.
	BuildBackend func(session *runstate.RunSessionState) (worker.Backend, error)

	Sink     sink.Sink
	Logger   *zap.Logger
	OnCommit func(slot runstate.CompletedSlot)
}

// ContinueRun reloads the persisted session state, reconstructs the schedule
// from the stored experiment, asserts element-wise equality with the sealed
// schedule, and re-enters the main loop at the committed frontier with
// preserved pruning and failure counters.
func ContinueRun(ctx context.Context, runDir string, opts ContinueOptions) (coordinator.Outcome, error) {
	lock, err := acquireLock(runDir, "continue")
	if err != nil {
		return "", err
	}
	defer lock.Release()

	rc, err := runstate.LoadRunControl(runDir)
	if err != nil {
		return "", err
	}
	switch rc.Status {
	case runstate.StatusFailed, runstate.StatusPaused, runstate.StatusInterrupted:
	default:
		return "", errors.Errorf("continue requires a failed, paused, or interrupted run; status is %s", rc.Status)
	}

	session, err := runstate.LoadRunSessionState(runDir)
	if err != nil {
		return "", errors.Wrap(err, "load run session state")
	}
	progress, err := runstate.LoadScheduleProgress(runDir)
	if err != nil {
		return "", errors.Wrap(err, "load schedule progress")
	}

	variants, err := plan.ResolveVariants(session.Experiment)
	if err != nil {
		return "", err
	}
	schedule, err := plan.BuildSchedule(
		session.Experiment.SchedulePolicy,
		len(variants),
		len(session.Experiment.Tasks),
		session.Experiment.Replications,
		session.Experiment.Seed,
	)
	if err != nil {
		return "", err
	}
	if !schedule.Equal(progress.Schedule) {
		return "", errors.New("recomputed schedule does not match the sealed schedule; experiment changed since run creation")
	}

	backend, err := opts.BuildBackend(session)
	if err != nil {
		return "", err
	}

	coord, err := coordinator.New(coordinator.Options{
		RunID:           session.RunID,
		RunDir:          runDir,
		Experiment:      session.Experiment,
		Variants:        variants,
		Schedule:        schedule,
		Progress:        progress,
		Backend:         backend,
		Sink:            opts.Sink,
		Logger:          opts.Logger,
		RecoveredActive: rc.ActiveTrials,
		OnCommit:        opts.OnCommit,
	})
	if err != nil {
		return "", err
	}
	return coord.Run(ctx)
}
