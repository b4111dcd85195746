// Package controlplane implements the run-level external operations: pause,
// kill, resume, fork, and continue. Every operation holds the run-directory
// operation lock for its duration and releases it on all exit paths.
package controlplane

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nishiokj/agentlab/internal/runstate"
)

// Control-operation error codes. Upper layers map these to exit codes.
const (
	CodePauseNonRunning          = "pause_non_running"
	CodePauseNoActiveTrial       = "pause_no_active_trial"
	CodePauseTargetNotActive     = "pause_target_not_active"
	CodePausePartialFailure      = "pause_partial_failure"
	CodeResumeNonPaused          = "resume_non_paused"
	CodeResumeNoActiveTrial      = "resume_no_active_trial"
	CodeResumeMultipleActive     = "resume_multiple_active_trials"
	CodeResumeTrialNotPaused     = "resume_trial_not_paused"
	CodeResumeCheckpointNotFound = "resume_checkpoint_not_found"
	CodeKillTerminalStatus       = "kill_terminal_status"
	CodeStrictSourceUnavailable  = "strict_source_unavailable"
	CodeOperationInProgress      = "operation_in_progress"
)

// CodeError is a control-operation failure with a stable string code.
type CodeError struct {
	Code   string
	Detail string
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func codeErr(code, format string, args ...any) error {
	return &CodeError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from an error, or "".
func CodeOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, runstate.ErrOperationInProgress) {
		return CodeOperationInProgress
	}
	return ""
}

// acquireLock wraps lock acquisition, translating contention into the stable
// code.
func acquireLock(runDir, operation string) (*runstate.OperationLock, error) {
	lock, err := runstate.AcquireOperationLock(runDir, operation)
	if err != nil {
		if errors.Is(err, runstate.ErrOperationInProgress) {
			return nil, &CodeError{Code: CodeOperationInProgress, Detail: operation}
		}
		return nil, err
	}
	return lock, nil
}
