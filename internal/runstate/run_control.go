package runstate

import (
	"os"
	"path/filepath"
	"time"
)

// Run statuses.
const (
	StatusRunning     = "running"
	StatusPaused      = "paused"
	StatusInterrupted = "interrupted"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusKilled      = "killed"
)

// Trial states recorded on active trials.
const (
	TrialStateRunning = "running"
	TrialStatePaused  = "paused"
	TrialStateKilled  = "killed"
)

const (
	RunControlSchemaVersion = "run_control_v2"
	runControlFile          = "run_control.json"
)

// AdapterControl is the command-file handle of an adapter that supports the
// checkpoint/stop control protocol.
type AdapterControl struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	CommandPath string `json:"command_path"`
	EventsPath  string `json:"events_path"`
}

// ActiveTrial is one in-flight trial as seen by control operations.
type ActiveTrial struct {
	TrialID     string          `json:"trial_id"`
	WorkerID    string          `json:"worker_id"`
	ScheduleIdx int             `json:"schedule_idx"`
	VariantID   string          `json:"variant_id"`
	StartedAt   string          `json:"started_at"`
	State       string          `json:"state,omitempty"`
	Control     *AdapterControl `json:"control"`
}

// PauseInfo records an operator-requested pause.
type PauseInfo struct {
	Label       string `json:"label,omitempty"`
	RequestedAt string `json:"requested_at"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// RunControl is the runtime/run_control.json document. It is always rewritten
// atomically.
type RunControl struct {
	SchemaVersion string                 `json:"schema_version"`
	RunID         string                 `json:"run_id"`
	Status        string                 `json:"status"`
	ActiveTrials  map[string]ActiveTrial `json:"active_trials"`
	Pause         *PauseInfo             `json:"pause"`
	UpdatedAt     string                 `json:"updated_at"`
}

// NewRunControl returns a fresh running document for runID.
func NewRunControl(runID string) *RunControl {
	return &RunControl{
		SchemaVersion: RunControlSchemaVersion,
		RunID:         runID,
		Status:        StatusRunning,
		ActiveTrials:  map[string]ActiveTrial{},
	}
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	}
	return false
}

func RunControlPath(runDir string) string {
	return filepath.Join(runDir, RuntimeDir, runControlFile)
}

// SaveRunControl rewrites the document with a fresh updated_at.
func SaveRunControl(runDir string, rc *RunControl) error {
	rc.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if rc.ActiveTrials == nil {
		rc.ActiveTrials = map[string]ActiveTrial{}
	}
	return WriteJSONAtomic(RunControlPath(runDir), rc)
}

// LoadRunControl reads the document; a missing file returns os.ErrNotExist.
func LoadRunControl(runDir string) (*RunControl, error) {
	var rc RunControl
	if err := ReadJSON(RunControlPath(runDir), &rc); err != nil {
		return nil, err
	}
	if rc.ActiveTrials == nil {
		rc.ActiveTrials = map[string]ActiveTrial{}
	}
	return &rc, nil
}

// RunControlExists reports whether the document is present.
func RunControlExists(runDir string) bool {
	_, err := os.Stat(RunControlPath(runDir))
	return err == nil
}
