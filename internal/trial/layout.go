// Package trial executes one dispatched slot: workspace seeding, adapter
// invocation, artifact capture, and evidence emission. The executor never
// touches scheduler state; everything it produces travels back through the
// completion envelope as deferred rows.
package trial

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Layout is the on-disk shape of one trial directory.
type Layout struct {
	Root      string
	In        string
	State     string
	Out       string
	Deps      string
	Workspace string
	Dataset   string
	Tmp       string
}

// Input envelope and output file names inside the layout.
const (
	TaskFile         = "task.json"
	BindingsFile     = "bindings.json"
	DependenciesFile = "dependencies.json"
	PolicyFile       = "policy.json"

	ResultFile          = "result.json"
	TrajectoryFile      = "trajectory.jsonl"
	ScoreFile           = "score.json"
	PredictionsFile     = "predictions.jsonl"
	HarnessManifestFile = "harness_manifest.json"

	StdoutLog = "stdout.log"
	StderrLog = "stderr.log"
)

// NewLayout allocates the trial directory tree
// (in/state/out/deps/workspace/dataset/tmp).
func NewLayout(root string) (*Layout, error) {
	l := &Layout{
		Root:      root,
		In:        filepath.Join(root, "in"),
		State:     filepath.Join(root, "state"),
		Out:       filepath.Join(root, "out"),
		Deps:      filepath.Join(root, "deps"),
		Workspace: filepath.Join(root, "workspace"),
		Dataset:   filepath.Join(root, "dataset"),
		Tmp:       filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{l.In, l.State, l.Out, l.Deps, l.Workspace, l.Dataset, l.Tmp, filepath.Join(l.Out, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create trial dir %s", dir)
		}
	}
	return l, nil
}

// ResultPath is the canonical adapter result target.
func (l *Layout) ResultPath() string { return filepath.Join(l.Out, ResultFile) }

// TrajectoryPath is the adapter trajectory target.
func (l *Layout) TrajectoryPath() string { return filepath.Join(l.Out, TrajectoryFile) }

// ClearOutputs removes stale result/trajectory targets before an attempt.
func (l *Layout) ClearOutputs() error {
	for _, p := range []string{l.ResultPath(), l.TrajectoryPath(), filepath.Join(l.Out, ScoreFile)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "clear %s", p)
		}
	}
	return nil
}
