package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/runstate"
)

// handleControlRequest services one pending pause/stop request from the
// parallel worker control file. A handled pause or stop yields a terminal
// outcome; partial pause failures leave survivors active and yield
// Interrupted.
func (c *Coordinator) handleControlRequest(ctx context.Context) (Outcome, error) {
	req, err := runstate.PendingControlRequest(c.opts.RunDir)
	if err != nil || req == nil {
		return "", err
	}
	c.logger.Info("handling control request",
		zap.String("request_id", req.RequestID),
		zap.String("action", req.Action))

	targets := req.TargetTrialIDs
	if len(targets) == 0 {
		targets = c.sortedActiveTrialIDs()
	}

	switch req.Action {
	case runstate.ControlActionPause:
		return c.handlePause(ctx, req, targets)
	case runstate.ControlActionStop:
		return c.handleStop(ctx, req, targets)
	default:
		return "", runstate.WriteControlResponse(c.opts.RunDir, runstate.ControlResponse{
			RequestID:    req.RequestID,
			Status:       runstate.ControlFailed,
			FailedTrials: map[string]string{"": "unknown action " + req.Action},
		})
	}
}

func (c *Coordinator) entryByTrialID(trialID string) (inFlightEntry, bool) {
	for _, e := range c.inFlight {
		if e.TrialID == trialID {
			return e, true
		}
	}
	return inFlightEntry{}, false
}

// handlePause fans the pause out to every target's worker through the
// backend.
func (c *Coordinator) handlePause(ctx context.Context, req *runstate.ControlRequest, targets []string) (Outcome, error) {
	processed := []string{}
	failed := map[string]string{}

	for _, trialID := range targets {
		entry, ok := c.entryByTrialID(trialID)
		if !ok {
			failed[trialID] = "not_active"
			continue
		}
		ack, err := c.opts.Backend.RequestPause(ctx, entry.Ticket.WorkerID, req.Label)
		if err != nil {
			failed[trialID] = err.Error()
			continue
		}
		if !ack.Accepted {
			failed[trialID] = "pause_not_accepted"
			continue
		}
		processed = append(processed, trialID)
	}

	status := runstate.ControlCompleted
	if len(failed) > 0 {
		status = runstate.ControlFailed
	}
	if err := runstate.WriteControlResponse(c.opts.RunDir, runstate.ControlResponse{
		RequestID:         req.RequestID,
		Status:            status,
		ProcessedTrialIDs: processed,
		FailedTrials:      failed,
		PauseAcked:        len(failed) == 0,
	}); err != nil {
		return "", err
	}

	pauseInfo := &runstate.PauseInfo{Label: req.Label, RequestedAt: req.RequestedAt}
	if len(failed) == 0 {
		// All targets paused: the run parks and active trials flip to
		// paused.
		c.control.Status = runstate.StatusPaused
		c.control.Pause = pauseInfo
		c.markTrialStates(processed, runstate.TrialStatePaused)
		if err := runstate.SaveRunControl(c.opts.RunDir, c.control); err != nil {
			return "", err
		}
		return OutcomePaused, nil
	}

	// Partial failure: survivors stay active, the run records interrupted.
	c.control.Status = runstate.StatusInterrupted
	c.control.Pause = pauseInfo
	c.markTrialStates(processed, runstate.TrialStatePaused)
	if err := runstate.SaveRunControl(c.opts.RunDir, c.control); err != nil {
		return "", err
	}
	return OutcomeInterrupted, nil
}

func (c *Coordinator) handleStop(ctx context.Context, req *runstate.ControlRequest, targets []string) (Outcome, error) {
	processed := []string{}
	failed := map[string]string{}
	for _, trialID := range targets {
		entry, ok := c.entryByTrialID(trialID)
		if !ok {
			failed[trialID] = "not_active"
			continue
		}
		if err := c.opts.Backend.RequestStop(ctx, entry.Ticket.WorkerID, req.Reason); err != nil {
			failed[trialID] = err.Error()
			continue
		}
		processed = append(processed, trialID)
	}
	status := runstate.ControlCompleted
	if len(failed) > 0 {
		status = runstate.ControlFailed
	}
	if err := runstate.WriteControlResponse(c.opts.RunDir, runstate.ControlResponse{
		RequestID:         req.RequestID,
		Status:            status,
		ProcessedTrialIDs: processed,
		FailedTrials:      failed,
		StopAcked:         len(failed) == 0,
	}); err != nil {
		return "", err
	}

	c.control.Status = runstate.StatusKilled
	c.markTrialStates(processed, runstate.TrialStateKilled)
	if err := runstate.SaveRunControl(c.opts.RunDir, c.control); err != nil {
		return "", err
	}
	return OutcomeKilled, nil
}

// markTrialStates updates the recorded state of the named active trials.
func (c *Coordinator) markTrialStates(trialIDs []string, state string) {
	active := map[string]runstate.ActiveTrial{}
	for _, e := range c.inFlight {
		at := runstate.ActiveTrial{
			TrialID:     e.TrialID,
			WorkerID:    e.Ticket.WorkerID,
			ScheduleIdx: e.ScheduleIdx,
			VariantID:   c.opts.Variants[e.VariantIdx].ID,
			StartedAt:   e.StartedAt,
			State:       runstate.TrialStateRunning,
		}
		active[e.TrialID] = at
	}
	for _, id := range trialIDs {
		if at, ok := active[id]; ok {
			at.State = state
			active[id] = at
		}
	}
	c.control.ActiveTrials = active
	c.controlDirty = false
}
