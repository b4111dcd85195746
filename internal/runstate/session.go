package runstate

import (
	"path/filepath"

	"github.com/nishiokj/agentlab/internal/plan"
)

const (
	RunSessionSchemaVersion = "run_session_state_v1"
	runSessionFile          = "run_session_state.json"
)

// ExecutionOptions are the behavior knobs continue-run must restore.
type ExecutionOptions struct {
	ExecutorKind    string `json:"executor_kind"`
	MaxConcurrency  int    `json:"max_concurrency"`
	RemoteAddr      string `json:"remote_addr,omitempty"`
	RemoteAuthToken string `json:"-"`
	ProjectRoot     string `json:"project_root,omitempty"`
	LogLevel        string `json:"log_level,omitempty"`
}

// RunSessionState persists everything continue-run needs to reconstruct the
// schedule and re-enter the main loop: the experiment itself plus execution
// options. The schedule is never stored here — it is recomputed and asserted
// element-wise against schedule_progress.
type RunSessionState struct {
	SchemaVersion string           `json:"schema_version"`
	RunID         string           `json:"run_id"`
	CreatedAt     string           `json:"created_at"`
	Experiment    *plan.Experiment `json:"experiment"`
	Options       ExecutionOptions `json:"options"`
}

func RunSessionStatePath(runDir string) string {
	return filepath.Join(runDir, RuntimeDir, runSessionFile)
}

func SaveRunSessionState(runDir string, s *RunSessionState) error {
	if s.SchemaVersion == "" {
		s.SchemaVersion = RunSessionSchemaVersion
	}
	return WriteJSONAtomic(RunSessionStatePath(runDir), s)
}

func LoadRunSessionState(runDir string) (*RunSessionState, error) {
	var s RunSessionState
	if err := ReadJSON(RunSessionStatePath(runDir), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
