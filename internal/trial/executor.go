package trial

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/artifact"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/snapshot"
	"github.com/nishiokj/agentlab/internal/worker"
)

// Evidence record schema versions.
const (
	EvidenceSchemaVersion   = "evidence_v1"
	ChainStateSchemaVersion = "task_chain_state_v1"
)

// EvidenceRecord is the per-trial evidence row committed alongside facts.
type EvidenceRecord struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	TrialID       string `json:"trial_id"`
	VariantID     string `json:"variant_id"`
	TaskID        string `json:"task_id"`
	ReplIdx       int    `json:"repl_idx"`
	Attempt       int    `json:"attempt"`

	// Evidence maps class names to content-addressed values; required
	// classes must resolve to a non-empty value here.
	Evidence map[string]string `json:"evidence"`

	Workspace WorkspaceEvidence `json:"workspace"`
}

type WorkspaceEvidence struct {
	PreDigest              string `json:"pre_digest,omitempty"`
	PostDigest             string `json:"post_digest,omitempty"`
	SnapshotDigest         string `json:"snapshot_digest,omitempty"`
	IncrementalPatchDigest string `json:"incremental_patch_digest,omitempty"`
	CumulativePatchDigest  string `json:"cumulative_patch_digest,omitempty"`
}

// ChainStateRecord tracks the workspace state a later chained trial would
// restore from.
type ChainStateRecord struct {
	SchemaVersion   string `json:"schema_version"`
	RunID           string `json:"run_id"`
	TrialID         string `json:"trial_id"`
	TaskID          string `json:"task_id"`
	ReplIdx         int    `json:"repl_idx"`
	SnapshotDigest  string `json:"snapshot_digest"`
	WorkspaceDigest string `json:"workspace_digest"`
}

// SeedSource tells the executor where the trial workspace comes from.
type SeedSource struct {
	Kind string // project_root | archive | workspace_dir
	Path string
}

const (
	SeedProjectRoot  = "project_root"
	SeedArchive      = "archive"
	SeedWorkspaceDir = "workspace_dir"
)

// Executor runs dispatched trials under a run directory. It writes only
// per-trial artifacts; fact rows and evidence come back deferred.
type Executor struct {
	RunID        string
	RunDir       string
	ProjectRoot  string
	BaselineID   string
	WorkloadType string

	Store   *artifact.Store
	Adapter Adapter // optional; defaults to the dispatch runtime profile
	Logger  *zap.Logger

	// Seed overrides the default project-root seeding; fork uses it to
	// start from a checkpoint archive or a parent workspace.
	Seed *SeedSource

	// BindingOverrides patch the variant bindings; fork/resume set them.
	BindingOverrides map[string]any
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger.Named("trial")
}

// Execute runs one dispatch to completion, including the retry policy.
// Errors never escape: every failure mode folds into the result envelope so
// the scheduler commits the slot deterministically.
func (e *Executor) Execute(ctx context.Context, d *worker.Dispatch) *worker.ExecutionResult {
	log := e.logger().With(zap.String("trial_id", d.TrialID), zap.Int("schedule_idx", d.ScheduleIdx))

	maxAttempts := d.Policy.RetryMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var final *worker.ExecutionResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, verdict := e.runAttempt(ctx, d, attempt)
		final = result
		if !shouldRetry(verdict, attempt, maxAttempts, d.Policy.RetryOn) {
			break
		}
		log.Info("retrying trial",
			zap.Int("attempt", attempt),
			zap.String("classification", verdict.FailureClassification))
	}
	return final
}

func (e *Executor) runAttempt(ctx context.Context, d *worker.Dispatch, attempt int) (*worker.ExecutionResult, Verdict) {
	log := e.logger().With(zap.String("trial_id", d.TrialID), zap.Int("attempt", attempt))

	fail := func(classification string, err error) (*worker.ExecutionResult, Verdict) {
		log.Warn("trial setup failed", zap.String("classification", classification), zap.Error(err))
		v := Verdict{
			SlotStatus:            worker.SlotStatusFailed,
			FailureClassification: classification,
			StatusCode:            "setup_error",
			PrimaryMetricName:     "success",
			PrimaryMetricValue:    json.RawMessage("0.0"),
		}
		return e.buildResult(d, v, nil, nil, nil, attempt), v
	}

	layout, err := NewLayout(filepath.Join(e.RunDir, "trials", d.TrialID))
	if err != nil {
		return fail(FailAdapter, err)
	}
	if err := e.seedWorkspace(layout, d); err != nil {
		return fail(FailAdapter, err)
	}
	if err := e.materializeTaskFiles(layout, d); err != nil {
		return fail(FailAdapter, err)
	}
	if err := e.stageDependencies(layout, d); err != nil {
		return fail(FailAdapter, err)
	}
	if err := e.prepareInputs(layout, d); err != nil {
		return fail(FailAdapter, err)
	}

	preManifest, err := snapshot.Capture(layout.Workspace, nil)
	if err != nil {
		return fail(FailAdapter, err)
	}

	adapter := e.Adapter
	if adapter == nil {
		adapter, err = AdapterFromRuntimeProfile(d.RuntimeProfile)
		if err != nil {
			return fail(FailAdapter, err)
		}
	}
	adapterResult, err := adapter.RunTrial(ctx, AdapterRequest{
		Layout:         layout,
		RunID:          d.RunID,
		TrialID:        d.TrialID,
		TaskID:         d.TaskID,
		Env:            d.Variant.Env,
		Args:           d.Variant.Args,
		TimeoutSeconds: d.Policy.TrialTimeoutSeconds,
	})
	if err != nil {
		return fail(FailAdapter, err)
	}

	res := loadCanonicalResult(layout, adapterResult.StatusCode)

	var score *ScoreRecord
	var gradeErr error
	if d.Policy.BenchmarkGrading {
		score, gradeErr = loadScoreRecord(layout)
	}
	verdict := deriveVerdict(res, adapterResult.StatusCode, score, gradeErr, d.Policy.BenchmarkGrading)

	evidence, chainState, err := e.captureEvidence(layout, d, preManifest, adapterResult, verdict, attempt)
	if err != nil {
		return fail(FailAdapter, err)
	}

	if missing := missingEvidenceClasses(evidence, d.Policy.RequiredEvidenceClasses); len(missing) > 0 {
		log.Warn("required evidence missing", zap.Strings("classes", missing))
		verdict.SlotStatus = worker.SlotStatusFailed
		verdict.FailureClassification = FailMissingEvidence
	}

	return e.buildResult(d, verdict, res, evidence, chainState, attempt), verdict
}

// seedWorkspace populates the trial workspace. Isolate-per-trial seeds from
// the project root with the policy exclusion set; fork overrides with an
// archive or parent workspace.
func (e *Executor) seedWorkspace(l *Layout, d *worker.Dispatch) error {
	seed := e.Seed
	if seed == nil {
		if e.ProjectRoot == "" {
			return nil
		}
		seed = &SeedSource{Kind: SeedProjectRoot, Path: e.ProjectRoot}
	}
	switch seed.Kind {
	case SeedProjectRoot, SeedWorkspaceDir:
		return copyTree(seed.Path, l.Workspace, d.Policy.WorkspaceExclusions)
	case SeedArchive:
		return snapshot.Restore(seed.Path, l.Workspace)
	default:
		return errors.Errorf("unknown workspace seed kind %q", seed.Kind)
	}
}

func (e *Executor) materializeTaskFiles(l *Layout, d *worker.Dispatch) error {
	for _, wf := range d.Task.WorkspaceFiles {
		var data []byte
		switch wf.Encoding {
		case "", "utf8":
			data = []byte(wf.Content)
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(wf.Content)
			if err != nil {
				return errors.Wrapf(err, "decode workspace file %s", wf.Path)
			}
			data = decoded
		default:
			return errors.Errorf("workspace file %s has unknown encoding %q", wf.Path, wf.Encoding)
		}
		target := filepath.Join(l.Workspace, filepath.FromSlash(wf.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return errors.Wrapf(err, "write workspace file %s", wf.Path)
		}
	}
	for _, mount := range d.Task.Mounts {
		if e.Store == nil {
			return errors.Errorf("mount %s requires an artifact store", mount.Name)
		}
		data, err := e.Store.Open(digest.Digest(mount.Digest))
		if err != nil {
			return errors.Wrapf(err, "resolve dataset pack %s", mount.Name)
		}
		target := filepath.Join(l.Dataset, mount.Name)
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return errors.Wrapf(err, "stage dataset pack %s", mount.Name)
		}
	}
	return nil
}

func (e *Executor) stageDependencies(l *Layout, d *worker.Dispatch) error {
	for _, dep := range d.Task.Dependencies {
		data, err := os.ReadFile(dep.HostPath)
		if err != nil {
			if dep.Required {
				return errors.Wrapf(err, "required dependency %s", dep.Name)
			}
			continue
		}
		mode := os.FileMode(dep.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if dep.ReadOnly {
			mode &^= 0o222
		}
		target := filepath.Join(l.Deps, dep.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, mode); err != nil {
			return errors.Wrapf(err, "stage dependency %s", dep.Name)
		}
	}
	return nil
}

// prepareInputs materializes the trial-input envelope and clears stale
// result targets.
func (e *Executor) prepareInputs(l *Layout, d *worker.Dispatch) error {
	bindings := map[string]any{}
	for k, v := range d.Variant.Bindings {
		bindings[k] = v
	}
	for k, v := range e.BindingOverrides {
		bindings[k] = v
	}
	inputs := map[string]any{
		TaskFile:         d.Task.Payload,
		BindingsFile:     bindings,
		DependenciesFile: d.Task.Dependencies,
		PolicyFile:       d.Policy,
	}
	for name, v := range inputs {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "encode %s", name)
		}
		if err := os.WriteFile(filepath.Join(l.In, name), raw, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	return l.ClearOutputs()
}

// captureEvidence snapshots the post-run workspace, computes incremental and
// cumulative patches, and content-addresses every artifact.
func (e *Executor) captureEvidence(l *Layout, d *worker.Dispatch, pre *snapshot.Manifest, ar AdapterResult, verdict Verdict, attempt int) (*EvidenceRecord, *ChainStateRecord, error) {
	evidence := map[string]string{}

	addFile := func(class, path string) error {
		if e.Store == nil {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		dgst, err := e.Store.PutFile(path)
		if err != nil {
			return err
		}
		evidence[class] = dgst.String()
		return nil
	}
	for class, path := range map[string]string{
		"result":      l.ResultPath(),
		"trajectory":  l.TrajectoryPath(),
		"logs_stdout": ar.StdoutPath,
		"logs_stderr": ar.StderrPath,
		"score":       filepath.Join(l.Out, ScoreFile),
	} {
		if err := addFile(class, path); err != nil {
			return nil, nil, err
		}
	}

	ws := WorkspaceEvidence{}
	preDigest, err := pre.Digest()
	if err != nil {
		return nil, nil, err
	}
	ws.PreDigest = preDigest.String()

	archivePath := filepath.Join(l.State, "post.tar.gz")
	post, err := snapshot.Save(l.Workspace, archivePath, nil)
	if err != nil {
		return nil, nil, err
	}
	postDigest, err := post.Digest()
	if err != nil {
		return nil, nil, err
	}
	ws.PostDigest = postDigest.String()
	if e.Store != nil {
		snapDigest, err := e.Store.PutFile(archivePath)
		if err != nil {
			return nil, nil, err
		}
		ws.SnapshotDigest = snapDigest.String()
	}

	// Isolate-per-trial: the pre-run workspace is also the chain root, so
	// the incremental and cumulative patches share content; both are
	// recorded so chained policies slot in without changing the record
	// shape.
	diff, err := snapshot.Compare(pre, post, l.Workspace, l.Workspace)
	if err != nil {
		return nil, nil, err
	}
	if e.Store != nil && !diff.Empty() {
		patchDigest, err := e.Store.PutBytes([]byte(diff.Patch()))
		if err != nil {
			return nil, nil, err
		}
		ws.IncrementalPatchDigest = patchDigest.String()
		ws.CumulativePatchDigest = patchDigest.String()
		evidence["workspace_diff"] = patchDigest.String()
	}

	rec := &EvidenceRecord{
		SchemaVersion: EvidenceSchemaVersion,
		RunID:         d.RunID,
		TrialID:       d.TrialID,
		VariantID:     d.VariantID,
		TaskID:        d.TaskID,
		ReplIdx:       d.ReplIdx,
		Attempt:       attempt,
		Evidence:      evidence,
		Workspace:     ws,
	}
	chain := &ChainStateRecord{
		SchemaVersion:   ChainStateSchemaVersion,
		RunID:           d.RunID,
		TrialID:         d.TrialID,
		TaskID:          d.TaskID,
		ReplIdx:         d.ReplIdx,
		SnapshotDigest:  ws.SnapshotDigest,
		WorkspaceDigest: ws.PostDigest,
	}
	return rec, chain, nil
}

func missingEvidenceClasses(rec *EvidenceRecord, required []string) []string {
	var missing []string
	for _, class := range required {
		if rec == nil || strings.TrimSpace(rec.Evidence[class]) == "" {
			missing = append(missing, class)
		}
	}
	return missing
}

// buildResult assembles the completion envelope: trial record, metric rows,
// event rows, variant snapshots, and raw evidence records.
func (e *Executor) buildResult(d *worker.Dispatch, v Verdict, res *CanonicalResult, evidence *EvidenceRecord, chain *ChainStateRecord, attempt int) *worker.ExecutionResult {
	outcome := OutcomeSuccess
	if v.SlotStatus != worker.SlotStatusCompleted {
		outcome = OutcomeError
	}

	layout := Layout{Out: filepath.Join(e.RunDir, "trials", d.TrialID, "out")}
	manifest := LoadHarnessManifest(&layout)
	hookEvents := CountHookEvents(&layout, manifest)
	integrationLevel := IntegrationCLIBasic
	if manifest != nil && manifest.IntegrationLevel != "" {
		integrationLevel = manifest.IntegrationLevel
	}

	bindingsJSON := mustJSON(e.effectiveBindings(d))
	metricsJSON := e.metricsJSON(res, v)

	trialRow := &sink.TrialRecord{
		RunID:                d.RunID,
		TrialID:              d.TrialID,
		BaselineID:           e.BaselineID,
		WorkloadType:         e.WorkloadType,
		VariantID:            d.VariantID,
		TaskIndex:            d.Slot.TaskIdx,
		TaskID:               d.TaskID,
		ReplIdx:              d.ReplIdx,
		Outcome:              outcome,
		Success:              v.SlotStatus == worker.SlotStatusCompleted,
		StatusCode:           v.StatusCode,
		IntegrationLevel:     integrationLevel,
		NetworkModeRequested: "none",
		NetworkModeEffective: "none",
		PrimaryMetricName:    v.PrimaryMetricName,
		PrimaryMetricValue:   v.PrimaryMetricValue,
		Metrics:              metricsJSON,
		Bindings:             bindingsJSON,
		HookEventsTotal:      hookEvents,
		HasHookEvents:        hookEvents > 0,
	}

	metricRows := []sink.MetricRow{{
		RunID:        d.RunID,
		TrialID:      d.TrialID,
		VariantID:    d.VariantID,
		TaskID:       d.TaskID,
		ReplIdx:      d.ReplIdx,
		Outcome:      outcome,
		MetricName:   v.PrimaryMetricName,
		MetricValue:  v.PrimaryMetricValue,
		MetricSource: "primary",
	}, {
		RunID:       d.RunID,
		TrialID:     d.TrialID,
		VariantID:   d.VariantID,
		TaskID:      d.TaskID,
		ReplIdx:     d.ReplIdx,
		Outcome:     outcome,
		MetricName:  "status_code",
		MetricValue: mustJSON(v.StatusCode),
	}}
	if res != nil {
		names := make([]string, 0, len(res.Metrics))
		for name := range res.Metrics {
			if name == v.PrimaryMetricName || name == "status_code" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			metricRows = append(metricRows, sink.MetricRow{
				RunID:       d.RunID,
				TrialID:     d.TrialID,
				VariantID:   d.VariantID,
				TaskID:      d.TaskID,
				ReplIdx:     d.ReplIdx,
				Outcome:     outcome,
				MetricName:  name,
				MetricValue: res.Metrics[name],
			})
		}
	}

	eventRows := e.hookEventRows(d, &layout, manifest, outcome)

	var snapshots []sink.VariantSnapshotRow
	bindings := e.effectiveBindings(d)
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := mustJSON(bindings[name])
		snapshots = append(snapshots, sink.VariantSnapshotRow{
			RunID:            d.RunID,
			TrialID:          d.TrialID,
			VariantID:        d.VariantID,
			BaselineID:       e.BaselineID,
			TaskID:           d.TaskID,
			ReplIdx:          d.ReplIdx,
			BindingName:      name,
			BindingValue:     value,
			BindingValueText: string(value),
		})
	}

	result := &worker.ExecutionResult{
		TrialID:               d.TrialID,
		SlotStatus:            v.SlotStatus,
		VariantIdx:            d.Slot.VariantIdx,
		FailureClassification: v.FailureClassification,
		Facts: sink.DeferredRows{
			Trial:            trialRow,
			Metrics:          metricRows,
			Events:           eventRows,
			VariantSnapshots: snapshots,
		},
	}
	if evidence != nil {
		result.Evidence = append(result.Evidence, mustJSON(evidence))
	}
	if chain != nil {
		result.ChainState = append(result.ChainState, mustJSON(chain))
	}
	return result
}

func (e *Executor) effectiveBindings(d *worker.Dispatch) map[string]any {
	bindings := map[string]any{}
	for k, v := range d.Variant.Bindings {
		bindings[k] = v
	}
	for k, v := range e.BindingOverrides {
		bindings[k] = v
	}
	return bindings
}

func (e *Executor) metricsJSON(res *CanonicalResult, v Verdict) json.RawMessage {
	merged := map[string]json.RawMessage{
		"status_code":       mustJSON(v.StatusCode),
		v.PrimaryMetricName: v.PrimaryMetricValue,
	}
	if res != nil {
		for name, value := range res.Metrics {
			merged[name] = value
		}
	}
	return mustJSON(merged)
}

// hookEventRows lifts harness hook events into fact event rows.
func (e *Executor) hookEventRows(d *worker.Dispatch, l *Layout, m *HarnessManifest, outcome string) []sink.EventRow {
	if m == nil || m.Hooks == nil || strings.TrimSpace(m.Hooks.EventsPath) == "" {
		return nil
	}
	path := m.Hooks.EventsPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.Out, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []sink.EventRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seq := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe struct {
			EventType string `json:"event_type"`
			TS        string `json:"ts"`
		}
		_ = json.Unmarshal([]byte(line), &probe)
		rows = append(rows, sink.EventRow{
			RunID:     d.RunID,
			TrialID:   d.TrialID,
			VariantID: d.VariantID,
			TaskID:    d.TaskID,
			ReplIdx:   d.ReplIdx,
			Seq:       seq,
			EventType: probe.EventType,
			TS:        probe.TS,
			Payload:   json.RawMessage(line),
		})
		seq++
	}
	return rows
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}

// copyTree copies src into dst, skipping excluded top-level entries.
func copyTree(src, dst string, exclusions []string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "workspace seed source %s", src)
	}
	if !info.IsDir() {
		return errors.Errorf("workspace seed source %s is not a directory", src)
	}
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		for _, ex := range exclusions {
			ex = strings.TrimSuffix(ex, "/")
			if ex == "" {
				continue
			}
			if relSlash == ex || strings.HasPrefix(relSlash, ex+"/") {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, fi.Mode().Perm())
	})
}

// Timestamp is the shared wall-clock format for trial records.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
