package trial

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Exit codes at the trial boundary.
const (
	ExitSuccess          = "0"
	ExitGradingViolation = "125"
)

// AdapterRequest carries everything an adapter needs for one run_trial call.
type AdapterRequest struct {
	Layout  *Layout
	RunID   string
	TrialID string
	TaskID  string

	Env            map[string]string
	Args           []string
	TimeoutSeconds int
}

// AdapterResult is the raw outcome of one adapter invocation.
type AdapterResult struct {
	StatusCode string
	StdoutPath string
	StderrPath string
}

// Adapter runs one trial inside a prepared layout. Command construction for
// the command-contract adapter lives with the adapter owner; this package
// only invokes it.
type Adapter interface {
	RunTrial(ctx context.Context, req AdapterRequest) (AdapterResult, error)
}

// CommandAdapter invokes an external command with the trial layout exposed
// through the environment and captures stdout/stderr to the trial logs.
type CommandAdapter struct {
	Command []string
	WorkDir string
}

func (a *CommandAdapter) RunTrial(ctx context.Context, req AdapterRequest) (AdapterResult, error) {
	if len(a.Command) == 0 {
		return AdapterResult{}, errors.New("adapter command is empty")
	}
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	stdoutPath := filepath.Join(req.Layout.Out, "logs", StdoutLog)
	stderrPath := filepath.Join(req.Layout.Out, "logs", StderrLog)
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return AdapterResult{}, errors.Wrap(err, "create stdout log")
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return AdapterResult{}, errors.Wrap(err, "create stderr log")
	}
	defer stderr.Close()

	args := append(append([]string(nil), a.Command[1:]...), req.Args...)
	cmd := exec.CommandContext(ctx, a.Command[0], args...)
	cmd.Dir = a.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = req.Layout.Workspace
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"AGENTLAB_RUN_ID="+req.RunID,
		"AGENTLAB_TRIAL_ID="+req.TrialID,
		"AGENTLAB_TASK_ID="+req.TaskID,
		"AGENTLAB_TRIAL_DIR="+req.Layout.Root,
		"AGENTLAB_WORKSPACE_DIR="+req.Layout.Workspace,
		"AGENTLAB_INPUT_DIR="+req.Layout.In,
		"AGENTLAB_OUTPUT_DIR="+req.Layout.Out,
	)
	if req.TimeoutSeconds > 0 {
		cmd.Env = append(cmd.Env, "AGENTLAB_TRIAL_TIMEOUT_SECONDS="+strconv.Itoa(req.TimeoutSeconds))
	}
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	result := AdapterResult{StdoutPath: stdoutPath, StderrPath: stderrPath}
	runErr := cmd.Run()
	switch {
	case runErr == nil:
		result.StatusCode = ExitSuccess
	case ctx.Err() != nil:
		result.StatusCode = "timeout"
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.StatusCode = strconv.Itoa(exitErr.ExitCode())
		} else {
			return result, errors.Wrap(runErr, "invoke adapter")
		}
	}
	return result, nil
}

// AdapterFromRuntimeProfile builds the command adapter described by the
// dispatch runtime profile ({"adapter": {"command": [...], "workdir": ...}}).
// Prebuilt adapters are wired in directly by the caller instead.
func AdapterFromRuntimeProfile(profile json.RawMessage) (Adapter, error) {
	if len(profile) == 0 {
		return nil, fmt.Errorf("runtime profile has no adapter")
	}
	var doc struct {
		Adapter struct {
			Command []string `json:"command"`
			WorkDir string   `json:"workdir"`
		} `json:"adapter"`
	}
	if err := json.Unmarshal(profile, &doc); err != nil {
		return nil, errors.Wrap(err, "decode runtime profile")
	}
	if len(doc.Adapter.Command) == 0 {
		return nil, fmt.Errorf("runtime profile adapter command is empty")
	}
	return &CommandAdapter{Command: doc.Adapter.Command, WorkDir: doc.Adapter.WorkDir}, nil
}
