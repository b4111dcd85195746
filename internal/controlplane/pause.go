package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/runstate"
)

// Adapter control command actions (command-file protocol).
const (
	adapterActionCheckpoint = "checkpoint"
	adapterActionStop       = "stop"
	adapterEventControlAck  = "control_ack"
)

const controlPollInterval = 50 * time.Millisecond

type PauseOptions struct {
	TrialID string
	Label   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Pause checkpoints and parks the run. When active trials expose adapter
// control handles the pause goes through each adapter's command file;
// otherwise the request fans out through the coordinator's worker control
// path. Partial failures leave the run interrupted with survivors active.
func Pause(ctx context.Context, runDir string, opts PauseOptions) error {
	lock, err := acquireLock(runDir, "pause")
	if err != nil {
		return err
	}
	defer lock.Release()

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc, err := runstate.LoadRunControl(runDir)
	if err != nil {
		return err
	}
	if rc.Status != runstate.StatusRunning {
		return codeErr(CodePauseNonRunning, "run status is %s", rc.Status)
	}

	targets, err := selectPauseTargets(rc, opts.TrialID)
	if err != nil {
		return err
	}

	if anyAdapterControl(rc, targets) {
		return pauseViaAdapters(ctx, runDir, rc, targets, opts, logger)
	}
	return pauseViaWorkerControl(ctx, runDir, targets, opts)
}

func selectPauseTargets(rc *runstate.RunControl, trialID string) ([]string, error) {
	if trialID != "" {
		if _, ok := rc.ActiveTrials[trialID]; !ok {
			return nil, codeErr(CodePauseTargetNotActive, "trial %s is not active", trialID)
		}
		return []string{trialID}, nil
	}
	if len(rc.ActiveTrials) == 0 {
		return nil, codeErr(CodePauseNoActiveTrial, "run has no active trials")
	}
	targets := make([]string, 0, len(rc.ActiveTrials))
	for id := range rc.ActiveTrials {
		targets = append(targets, id)
	}
	sort.Strings(targets)
	return targets, nil
}

func anyAdapterControl(rc *runstate.RunControl, targets []string) bool {
	for _, id := range targets {
		if rc.ActiveTrials[id].Control != nil {
			return true
		}
	}
	return false
}

// pauseViaAdapters drives each adapter's command-file protocol: a sequenced
// checkpoint action, its control_ack, then a stop action and its ack.
func pauseViaAdapters(ctx context.Context, runDir string, rc *runstate.RunControl, targets []string, opts PauseOptions, logger *zap.Logger) error {
	failed := map[string]string{}
	for _, id := range targets {
		at := rc.ActiveTrials[id]
		if at.Control == nil {
			failed[id] = "no adapter control handle"
			continue
		}
		if err := pauseOneAdapter(ctx, runDir, at, opts); err != nil {
			logger.Warn("adapter pause failed", zap.String("trial_id", id), zap.Error(err))
			failed[id] = err.Error()
			continue
		}
		at.State = runstate.TrialStatePaused
		rc.ActiveTrials[id] = at
	}

	rc.Pause = &runstate.PauseInfo{
		Label:       opts.Label,
		RequestedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(failed) == 0 {
		rc.Status = runstate.StatusPaused
		return runstate.SaveRunControl(runDir, rc)
	}
	rc.Status = runstate.StatusInterrupted
	if err := runstate.SaveRunControl(runDir, rc); err != nil {
		return err
	}
	return codeErr(CodePausePartialFailure, "%d of %d trials failed to pause", len(failed), len(targets))
}

func pauseOneAdapter(ctx context.Context, runDir string, at runstate.ActiveTrial, opts PauseOptions) error {
	commandPath := resolveControlPath(runDir, at.TrialID, at.Control.CommandPath)
	eventsPath := resolveControlPath(runDir, at.TrialID, at.Control.EventsPath)

	seq, err := nextCommandSeq(commandPath)
	if err != nil {
		return err
	}
	if err := appendCommand(commandPath, seq, adapterActionCheckpoint, opts.Label); err != nil {
		return err
	}
	if err := waitForControlAck(ctx, eventsPath, seq, opts.Timeout); err != nil {
		return err
	}
	if err := appendCommand(commandPath, seq+1, adapterActionStop, ""); err != nil {
		return err
	}
	return waitForControlAck(ctx, eventsPath, seq+1, opts.Timeout)
}

func resolveControlPath(runDir, trialID, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(runDir, "trials", trialID, path)
}

type adapterCommand struct {
	Seq    int    `json:"seq"`
	Action string `json:"action"`
	Label  string `json:"label,omitempty"`
	TS     string `json:"ts"`
}

func nextCommandSeq(commandPath string) (int, error) {
	f, err := os.Open(commandPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	defer f.Close()
	seq := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var cmd adapterCommand
		if json.Unmarshal(scanner.Bytes(), &cmd) == nil && cmd.Seq > seq {
			seq = cmd.Seq
		}
	}
	return seq + 1, nil
}

func appendCommand(commandPath string, seq int, action, label string) error {
	return runstate.AppendJSONLine(commandPath, adapterCommand{
		Seq:    seq,
		Action: action,
		Label:  label,
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// waitForControlAck polls the adapter event stream for a control_ack
// matching seq.
func waitForControlAck(ctx context.Context, eventsPath string, seq int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if acked, err := hasControlAck(eventsPath, seq); err != nil {
			return err
		} else if acked {
			return nil
		}
		if time.Now().After(deadline) {
			return codeErr(CodePausePartialFailure, "no control_ack for seq %d within %s", seq, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(controlPollInterval):
		}
	}
}

func hasControlAck(eventsPath string, seq int) (bool, error) {
	f, err := os.Open(eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev struct {
			EventType string `json:"event_type"`
			AckSeq    int    `json:"ack_seq"`
		}
		if json.Unmarshal([]byte(line), &ev) == nil &&
			ev.EventType == adapterEventControlAck && ev.AckSeq == seq {
			return true, nil
		}
	}
	return false, nil
}

// pauseViaWorkerControl publishes a pause request and waits for the
// coordinator's response.
func pauseViaWorkerControl(ctx context.Context, runDir string, targets []string, opts PauseOptions) error {
	requestID := uuid.NewString()
	if err := runstate.WriteControlRequest(runDir, runstate.ControlRequest{
		RequestID:      requestID,
		Action:         runstate.ControlActionPause,
		TargetTrialIDs: targets,
		Label:          opts.Label,
	}); err != nil {
		return err
	}

	resp, err := awaitControlResponse(ctx, runDir, requestID, opts.Timeout)
	if err != nil {
		return err
	}
	if resp.Status != runstate.ControlCompleted {
		return codeErr(CodePausePartialFailure, "%d of %d trials failed to pause",
			len(resp.FailedTrials), len(targets))
	}
	return nil
}

func awaitControlResponse(ctx context.Context, runDir, requestID string, timeout time.Duration) (*runstate.ControlResponse, error) {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := runstate.ReadControlResponse(runDir, requestID)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
		if time.Now().After(deadline) {
			return nil, codeErr(CodePausePartialFailure, "coordinator did not answer request %s within %s", requestID, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(controlPollInterval):
		}
	}
}
