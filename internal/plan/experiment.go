// Package plan resolves an experiment specification into the ordered variant
// list and the frozen trial schedule the run engine executes.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Schedule policies.
const (
	PolicyVariantSequential = "variant_sequential"
	PolicyPairedInterleaved = "paired_interleaved"
	PolicyRandomized        = "randomized"
)

// State policies. The parallel engine admits only isolate_per_trial.
const (
	StateIsolatePerTrial = "isolate_per_trial"
	StatePersistPerTask  = "persist_per_task"
	StateAccumulate      = "accumulate"
)

// Executor kinds.
const (
	ExecutorLocal  = "local"
	ExecutorRemote = "remote"
)

// Experiment is the parsed experiment specification. Schema validation of the
// on-disk YAML is handled by the caller's validation layer; this package only
// enforces the invariants the planner itself depends on.
type Experiment struct {
	Name         string `yaml:"name" json:"name"`
	WorkloadType string `yaml:"workload_type,omitempty" json:"workload_type,omitempty"`
	Seed         uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	Baseline VariantSpec   `yaml:"baseline" json:"baseline"`
	Variants []VariantSpec `yaml:"variants,omitempty" json:"variants,omitempty"`

	Tasks        []TaskSpec `yaml:"tasks" json:"tasks"`
	Replications int        `yaml:"replications,omitempty" json:"replications,omitempty"`

	SchedulePolicy string      `yaml:"schedule_policy,omitempty" json:"schedule_policy,omitempty"`
	Policy         TrialPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`

	RuntimeProfile map[string]any `yaml:"runtime_profile,omitempty" json:"runtime_profile,omitempty"`
}

// VariantSpec is one entry of the experiment's variant plan.
type VariantSpec struct {
	ID               string            `yaml:"id" json:"id"`
	Bindings         map[string]any    `yaml:"bindings,omitempty" json:"bindings,omitempty"`
	Args             []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Image            string            `yaml:"image,omitempty" json:"image,omitempty"`
	RuntimeOverrides map[string]any    `yaml:"runtime_overrides,omitempty" json:"runtime_overrides,omitempty"`
}

// TaskSpec is one dataset task. Payload is opaque to the planner and flows
// into the trial dispatch unchanged.
type TaskSpec struct {
	ID      string         `yaml:"id" json:"id"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`

	WorkspaceFiles []WorkspaceFile  `yaml:"workspace_files,omitempty" json:"workspace_files,omitempty"`
	Mounts         []MountRef       `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	Dependencies   []DependencySpec `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// DependencySpec stages a host file into the trial deps directory.
type DependencySpec struct {
	Name     string `yaml:"name" json:"name"`
	HostPath string `yaml:"host_path" json:"host_path"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	Mode     uint32 `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// WorkspaceFile materializes a task-boundary file into the trial workspace.
type WorkspaceFile struct {
	Path     string `yaml:"path" json:"path"`
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"` // utf8 (default) | base64
	Content  string `yaml:"content" json:"content"`
}

// MountRef resolves to a content-addressed dataset pack (container-only).
type MountRef struct {
	Name   string `yaml:"name" json:"name"`
	Digest string `yaml:"digest" json:"digest"`
	Target string `yaml:"target" json:"target"`
}

// TrialPolicy is the effective per-trial policy carried on each dispatch.
type TrialPolicy struct {
	StatePolicy  string `yaml:"state_policy,omitempty" json:"state_policy,omitempty"`
	ExecutorKind string `yaml:"executor_kind,omitempty" json:"executor_kind,omitempty"`

	MaxConcurrency        int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	MaxInFlightPerVariant int `yaml:"max_in_flight_per_variant,omitempty" json:"max_in_flight_per_variant,omitempty"`

	// PruneAfterConsecutiveFailures disables a variant after N consecutive
	// failed trials. Zero means pruning is off.
	PruneAfterConsecutiveFailures int `yaml:"prune_after_consecutive_failures,omitempty" json:"prune_after_consecutive_failures,omitempty"`

	RetryMaxAttempts int      `yaml:"retry_max_attempts,omitempty" json:"retry_max_attempts,omitempty"`
	RetryOn          []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`

	TrialTimeoutSeconds int `yaml:"trial_timeout_seconds,omitempty" json:"trial_timeout_seconds,omitempty"`

	RequiredEvidenceClasses []string `yaml:"required_evidence_classes,omitempty" json:"required_evidence_classes,omitempty"`

	WorkspaceExclusions []string `yaml:"workspace_exclusions,omitempty" json:"workspace_exclusions,omitempty"`

	BenchmarkGrading bool `yaml:"benchmark_grading,omitempty" json:"benchmark_grading,omitempty"`
}

// LoadExperiment reads an experiment spec document from disk.
func LoadExperiment(path string) (*Experiment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read experiment spec")
	}
	var exp Experiment
	if err := yaml.Unmarshal(raw, &exp); err != nil {
		return nil, errors.Wrap(err, "parse experiment spec")
	}
	if err := exp.Normalize(); err != nil {
		return nil, err
	}
	return &exp, nil
}

// Normalize applies defaults and rejects configurations the planner cannot
// schedule. Called before any run artifact is created.
func (e *Experiment) Normalize() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("experiment name is required")
	}
	if e.Replications < 1 {
		e.Replications = 1
	}
	if e.SchedulePolicy == "" {
		e.SchedulePolicy = PolicyVariantSequential
	}
	switch e.SchedulePolicy {
	case PolicyVariantSequential, PolicyPairedInterleaved, PolicyRandomized:
	default:
		return fmt.Errorf("unknown schedule policy %q", e.SchedulePolicy)
	}
	if e.Policy.StatePolicy == "" {
		e.Policy.StatePolicy = StateIsolatePerTrial
	}
	if e.Policy.ExecutorKind == "" {
		e.Policy.ExecutorKind = ExecutorLocal
	}
	if e.Policy.MaxConcurrency < 1 {
		e.Policy.MaxConcurrency = 1
	}
	if len(e.Tasks) == 0 {
		return fmt.Errorf("experiment has no tasks")
	}
	seen := map[string]struct{}{}
	for i, t := range e.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("task %d has an empty id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// CanonicalJSON returns the canonical JSON form used for digest sealing.
// encoding/json sorts map keys, so equal values hash identically.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical json")
	}
	return raw, nil
}

// DigestOf seals a value with the canonical-JSON sha256 digest.
func DigestOf(v any) (string, error) {
	raw, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return digest.SHA256.FromBytes(raw).String(), nil
}
