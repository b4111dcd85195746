package controlplane

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nishiokj/agentlab/internal/runstate"
)

type KillOptions struct {
	Reason  string
	Timeout time.Duration
}

// Kill terminates the run. With a live coordinator the stop routes through
// the worker control plane; otherwise the active trials are marked killed
// directly and the run status flips to killed.
func Kill(ctx context.Context, runDir string, opts KillOptions) error {
	lock, err := acquireLock(runDir, "kill")
	if err != nil {
		return err
	}
	defer lock.Release()

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	rc, err := runstate.LoadRunControl(runDir)
	if err != nil {
		return err
	}
	if runstate.IsTerminal(rc.Status) {
		return codeErr(CodeKillTerminalStatus, "run status is %s", rc.Status)
	}

	// A running coordinator services the stop itself and writes the killed
	// status; fall through to direct marking when nobody answers.
	if rc.Status == runstate.StatusRunning && len(rc.ActiveTrials) > 0 {
		requestID := uuid.NewString()
		if err := runstate.WriteControlRequest(runDir, runstate.ControlRequest{
			RequestID: requestID,
			Action:    runstate.ControlActionStop,
			Reason:    opts.Reason,
		}); err != nil {
			return err
		}
		if resp, err := awaitControlResponse(ctx, runDir, requestID, opts.Timeout); err == nil && resp != nil {
			return nil
		}
		rc, err = runstate.LoadRunControl(runDir)
		if err != nil {
			return err
		}
	}

	for id, at := range rc.ActiveTrials {
		at.State = runstate.TrialStateKilled
		rc.ActiveTrials[id] = at
	}
	rc.Status = runstate.StatusKilled
	return runstate.SaveRunControl(runDir, rc)
}
