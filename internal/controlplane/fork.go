package controlplane

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/committer"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/trial"
	"github.com/nishiokj/agentlab/internal/worker"
)

// Fallback modes recorded on fork results.
const FallbackInputOnly = "input_only"

type ForkOptions struct {
	FromTrial   string
	Selector    string
	SetBindings map[string]any
	Strict      bool

	// Executor is the template the fork trial runs with (run id, project
	// root, artifact store, adapter). Seed and binding overrides are set by
	// the fork itself.
	Executor *trial.Executor
	Logger   *zap.Logger
}

type ForkResult struct {
	ForkID       string `json:"fork_id"`
	FromTrial    string `json:"from_trial"`
	Checkpoint   string `json:"checkpoint,omitempty"`
	FallbackMode string `json:"fallback_mode,omitempty"`
	SlotStatus   string `json:"slot_status"`
}

// Fork builds a new fork directory seeded from the selected checkpoint (or
// the parent workspace, or the project root), applies binding overrides, and
// runs one trial through the executor.
func Fork(ctx context.Context, runDir string, opts ForkOptions) (*ForkResult, error) {
	lock, err := acquireLock(runDir, "fork")
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return forkLocked(ctx, runDir, opts)
}

func forkLocked(ctx context.Context, runDir string, opts ForkOptions) (*ForkResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	parentOut := filepath.Join(runDir, "trials", opts.FromTrial, "out")

	cps, err := trial.LoadCheckpoints(parentOut)
	if err != nil {
		return nil, err
	}
	var cp trial.Checkpoint
	var haveCheckpoint bool
	if len(cps) > 0 {
		resolved, err := trial.ResolveSelector(opts.Selector, cps)
		if err != nil {
			if strings.HasPrefix(opts.Selector, trial.SelectorCheckpoint) {
				return nil, codeErr(CodeResumeCheckpointNotFound, "%v", err)
			}
			return nil, err
		}
		cp = resolved
		haveCheckpoint = true
	}

	checkpointPath := ""
	if haveCheckpoint && cp.Path != "" {
		checkpointPath = cp.Path
		if !filepath.IsAbs(checkpointPath) {
			checkpointPath = filepath.Join(parentOut, checkpointPath)
		}
		if _, err := os.Stat(checkpointPath); err != nil {
			checkpointPath = ""
		}
	}

	if opts.Strict {
		manifest := trial.LoadHarnessManifest(&trial.Layout{Out: parentOut})
		if manifest == nil || manifest.IntegrationLevel != trial.IntegrationSDKFull {
			return nil, codeErr(CodeStrictSourceUnavailable, "trial %s is not an sdk_full integration", opts.FromTrial)
		}
		if checkpointPath == "" {
			return nil, codeErr(CodeStrictSourceUnavailable, "checkpoint bytes for %s are unavailable", opts.Selector)
		}
	}

	fallbackMode := ""
	var seed *trial.SeedSource
	parentWorkspace := filepath.Join(runDir, "trials", opts.FromTrial, "workspace")
	switch {
	case checkpointPath != "":
		seed = &trial.SeedSource{Kind: trial.SeedArchive, Path: checkpointPath}
	case dirExists(parentWorkspace):
		fallbackMode = FallbackInputOnly
		seed = &trial.SeedSource{Kind: trial.SeedWorkspaceDir, Path: parentWorkspace}
	default:
		fallbackMode = FallbackInputOnly
		seed = nil // executor falls back to the project root
	}

	d, err := parentDispatch(runDir, opts.FromTrial)
	if err != nil {
		return nil, err
	}

	forkID := "fork_" + uuid.NewString()[:8]
	forkDir := filepath.Join(runDir, "forks", forkID)
	if err := os.MkdirAll(forkDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create fork dir")
	}

	exec := *opts.Executor
	exec.RunDir = forkDir
	exec.Seed = seed
	overrides := map[string]any{}
	for k, v := range exec.BindingOverrides {
		overrides[k] = v
	}
	for k, v := range opts.SetBindings {
		overrides[k] = v
	}
	exec.BindingOverrides = overrides

	d.TrialID = forkID
	logger.Info("running fork trial",
		zap.String("fork_id", forkID),
		zap.String("from_trial", opts.FromTrial),
		zap.String("selector", opts.Selector),
		zap.String("fallback_mode", fallbackMode))
	result := exec.Execute(ctx, d)

	// Fork facts commit into the fork directory's own sink.
	forkSink, err := sink.NewJSONLSink(forkDir)
	if err != nil {
		return nil, err
	}
	defer forkSink.Close()
	if err := result.Facts.WriteTo(forkSink); err != nil {
		return nil, err
	}
	if err := forkSink.Flush(); err != nil {
		return nil, err
	}
	for _, rec := range result.Evidence {
		if err := runstate.AppendJSONLine(filepath.Join(forkDir, committer.EvidenceDir, committer.EvidenceFile), rec); err != nil {
			return nil, err
		}
	}

	res := &ForkResult{
		ForkID:       forkID,
		FromTrial:    opts.FromTrial,
		FallbackMode: fallbackMode,
		SlotStatus:   result.SlotStatus,
	}
	if haveCheckpoint {
		res.Checkpoint = cp.Name
	}
	if err := runstate.WriteJSONAtomic(filepath.Join(forkDir, "fork.json"), res); err != nil {
		return nil, err
	}
	return res, nil
}

// parentDispatch reconstructs the parent trial's dispatch from the persisted
// session state and the slot the trial occupied.
func parentDispatch(runDir, trialID string) (*worker.Dispatch, error) {
	session, err := runstate.LoadRunSessionState(runDir)
	if err != nil {
		return nil, errors.Wrap(err, "load run session state")
	}
	variants, err := plan.ResolveVariants(session.Experiment)
	if err != nil {
		return nil, err
	}

	slot, found := slotForTrial(runDir, trialID)
	if !found {
		return nil, errors.Errorf("trial %s not found in run state", trialID)
	}
	if slot.VariantIdx >= len(variants) || slot.TaskIdx >= len(session.Experiment.Tasks) {
		return nil, errors.Errorf("trial %s slot out of range", trialID)
	}
	variant := variants[slot.VariantIdx]
	task := session.Experiment.Tasks[slot.TaskIdx]
	profile, _ := plan.CanonicalJSON(session.Experiment.RuntimeProfile)
	return &worker.Dispatch{
		RunID:          session.RunID,
		TrialID:        trialID,
		Slot:           slot,
		VariantID:      variant.ID,
		TaskID:         task.ID,
		ReplIdx:        slot.ReplIdx,
		Variant:        variant,
		Task:           task,
		RuntimeProfile: profile,
		Policy:         session.Experiment.Policy,
	}, nil
}

func slotForTrial(runDir, trialID string) (plan.Slot, bool) {
	if rc, err := runstate.LoadRunControl(runDir); err == nil {
		if at, ok := rc.ActiveTrials[trialID]; ok {
			if progress, err := runstate.LoadScheduleProgress(runDir); err == nil &&
				at.ScheduleIdx < len(progress.Schedule) {
				return progress.Schedule[at.ScheduleIdx], true
			}
		}
	}
	if progress, err := runstate.LoadScheduleProgress(runDir); err == nil {
		for _, slot := range progress.CompletedSlots {
			if slot.TrialID == trialID {
				return plan.Slot{VariantIdx: slot.VariantIdx, TaskIdx: slot.TaskIdx, ReplIdx: slot.ReplIdx}, true
			}
		}
	}
	return plan.Slot{}, false
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ParseSetBindings decodes --set key=json pairs into a binding override map.
func ParseSetBindings(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]any{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Errorf("malformed binding override %q (want key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// Bare strings are allowed without quotes.
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
