package controlplane

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/trial"
)

type ResumeOptions struct {
	TrialID     string
	Label       string
	SetBindings map[string]any
	Strict      bool

	Executor *trial.Executor
	Logger   *zap.Logger
}

// Resume selects a paused trial and a checkpoint selector (explicit label,
// otherwise the checkpoint with the highest step), then forks from it.
func Resume(ctx context.Context, runDir string, opts ResumeOptions) (*ForkResult, error) {
	lock, err := acquireLock(runDir, "resume")
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	rc, err := runstate.LoadRunControl(runDir)
	if err != nil {
		return nil, err
	}
	if rc.Status != runstate.StatusPaused {
		return nil, codeErr(CodeResumeNonPaused, "run status is %s", rc.Status)
	}

	trialID, err := selectResumeTrial(rc, opts.TrialID)
	if err != nil {
		return nil, err
	}

	selector, err := resolveResumeSelector(runDir, trialID, opts.Label)
	if err != nil {
		return nil, err
	}

	return forkLocked(ctx, runDir, ForkOptions{
		FromTrial:   trialID,
		Selector:    selector,
		SetBindings: opts.SetBindings,
		Strict:      opts.Strict,
		Executor:    opts.Executor,
		Logger:      opts.Logger,
	})
}

func selectResumeTrial(rc *runstate.RunControl, trialID string) (string, error) {
	if trialID != "" {
		at, ok := rc.ActiveTrials[trialID]
		if !ok {
			return "", codeErr(CodeResumeNoActiveTrial, "trial %s is not active", trialID)
		}
		if at.State != runstate.TrialStatePaused {
			return "", codeErr(CodeResumeTrialNotPaused, "trial %s state is %s", trialID, at.State)
		}
		return trialID, nil
	}
	switch len(rc.ActiveTrials) {
	case 0:
		return "", codeErr(CodeResumeNoActiveTrial, "run has no active trials")
	case 1:
		for id, at := range rc.ActiveTrials {
			if at.State != runstate.TrialStatePaused {
				return "", codeErr(CodeResumeTrialNotPaused, "trial %s state is %s", id, at.State)
			}
			return id, nil
		}
	}
	return "", codeErr(CodeResumeMultipleActive, "%d trials are active; name one", len(rc.ActiveTrials))
}

// resolveResumeSelector maps an explicit label to checkpoint:<label> (which
// must exist) or picks the checkpoint with the highest step.
func resolveResumeSelector(runDir, trialID, label string) (string, error) {
	cps, err := trial.LoadCheckpoints(filepath.Join(runDir, "trials", trialID, "out"))
	if err != nil {
		return "", err
	}
	if label != "" {
		for _, cp := range cps {
			if cp.Name == label {
				return trial.SelectorCheckpoint + label, nil
			}
		}
		return "", codeErr(CodeResumeCheckpointNotFound, "checkpoint %q not found on trial %s", label, trialID)
	}
	latest, ok := trial.LatestCheckpoint(cps)
	if !ok {
		return "", codeErr(CodeResumeCheckpointNotFound, "trial %s has no checkpoints", trialID)
	}
	return trial.SelectorCheckpoint + latest.Name, nil
}
