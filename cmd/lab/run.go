package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nishiokj/agentlab/internal/artifact"
	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/coordinator"
	"github.com/nishiokj/agentlab/internal/logging"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runindex"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/trial"
	"github.com/nishiokj/agentlab/internal/worker"
	"github.com/nishiokj/agentlab/internal/worker/local"
	"github.com/nishiokj/agentlab/internal/worker/remote"
)

type runFlags struct {
	specPath    string
	runsDir     string
	projectRoot string
	concurrency int
	remoteAddr  string
	remoteToken string
	logLevel    string
}

func newRunCommand() *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd.Context(), cmd.ErrOrStderr(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.specPath, "file", "f", "experiment.yaml", "experiment spec path")
	cmd.Flags().StringVar(&flags.runsDir, "runs-dir", "runs", "directory run artifacts are created under")
	cmd.Flags().StringVar(&flags.projectRoot, "project-root", ".", "project root trial workspaces are seeded from")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "max in-flight trials (overrides policy)")
	cmd.Flags().StringVar(&flags.remoteAddr, "remote-addr", "", "remote worker address (uses the remote backend)")
	cmd.Flags().StringVar(&flags.remoteToken, "remote-token", "", "bearer token for the remote worker")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// newRunID includes sub-second precision so rapid re-runs never collide.
func newRunID() string {
	return "run_" + time.Now().UTC().Format("20060102T150405.000000000Z")
}

func runExperiment(ctx context.Context, errOut io.Writer, flags runFlags) error {
	logger, err := logging.New(flags.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	settings, err := config.FromEnv()
	if err != nil {
		return err
	}

	exp, err := plan.LoadExperiment(flags.specPath)
	if err != nil {
		return err
	}
	if flags.concurrency > 0 {
		exp.Policy.MaxConcurrency = flags.concurrency
	}
	if flags.remoteAddr != "" {
		exp.Policy.ExecutorKind = plan.ExecutorRemote
	}

	variants, err := plan.ResolveVariants(exp)
	if err != nil {
		return err
	}
	schedule, err := plan.BuildSchedule(exp.SchedulePolicy, len(variants), len(exp.Tasks), exp.Replications, exp.Seed)
	if err != nil {
		return err
	}
	progress, err := runstate.NewScheduleProgress(schedule)
	if err != nil {
		return err
	}

	runID := newRunID()
	runDir := filepath.Join(flags.runsDir, runID)

	if err := runstate.SaveScheduleProgress(runDir, progress); err != nil {
		return err
	}
	if err := runstate.SaveRunSessionState(runDir, &runstate.RunSessionState{
		RunID:      runID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Experiment: exp,
		Options: runstate.ExecutionOptions{
			ExecutorKind:   exp.Policy.ExecutorKind,
			MaxConcurrency: exp.Policy.MaxConcurrency,
			RemoteAddr:     flags.remoteAddr,
			ProjectRoot:    flags.projectRoot,
			LogLevel:       flags.logLevel,
		},
	}); err != nil {
		return err
	}

	factSink, err := sink.NewJSONLSink(runDir)
	if err != nil {
		return err
	}
	defer factSink.Close()
	if err := factSink.WriteRunManifest(sink.RunManifestRecord{
		SchemaVersion: sink.RunManifestSchemaVersion,
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		WorkloadType:  exp.WorkloadType,
		BaselineID:    variants[0].ID,
		VariantIDs:    plan.VariantIDs(variants),
	}); err != nil {
		return err
	}

	backend, clampWarn, err := buildBackend(exp, variants, runID, runDir, flags, settings, logger)
	if err != nil {
		return err
	}
	if clampWarn != "" {
		fmt.Fprintln(errOut, "Warning:", clampWarn)
	}

	index, err := runindex.Open(flags.runsDir)
	if err != nil {
		logger.Warn("run index unavailable", zap.Error(err))
		index = nil
	} else {
		defer index.Close()
		_ = index.UpsertRun(ctx, runID, exp.Name, runstate.StatusRunning, len(schedule))
	}

	fmt.Fprintf(errOut, "lab run: %d slots across %d variants (runId=%s)\n", len(schedule), len(variants), runID)
	appendRunEvent(factSink, runID, "run_started", map[string]any{"total_slots": len(schedule)})

	coord, err := coordinator.New(coordinator.Options{
		RunID:      runID,
		RunDir:     runDir,
		Experiment: exp,
		Variants:   variants,
		Schedule:   schedule,
		Progress:   progress,
		Backend:    backend,
		Sink:       factSink,
		Logger:     logger,
		OnCommit:   indexCommitHook(ctx, index, runID),
	})
	if err != nil {
		return err
	}

	start := time.Now()
	outcome, runErr := coord.Run(ctx)
	if index != nil {
		status := string(outcome)
		if runErr != nil {
			status = runstate.StatusFailed
		}
		_ = index.UpdateRunStatus(ctx, runID, status)
	}
	if runErr != nil {
		appendRunEvent(factSink, runID, "run_completed", map[string]any{"status": runstate.StatusFailed})
		return runErr
	}
	appendRunEvent(factSink, runID, "run_completed", map[string]any{"status": string(outcome)})
	printRunSummary(errOut, runID, string(outcome), progress, start)
	return nil
}

// appendRunEvent records a run-scoped lifecycle row on the fact event
// stream; best-effort by design.
func appendRunEvent(s sink.Sink, runID, eventType string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = s.AppendEventRows([]sink.EventRow{{
		RunID:     runID,
		EventType: eventType,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	}})
	_ = s.Flush()
}

func buildBackend(exp *plan.Experiment, variants []plan.Variant, runID, runDir string, flags runFlags, settings config.Settings, logger *zap.Logger) (worker.Backend, string, error) {
	if exp.Policy.ExecutorKind == plan.ExecutorRemote {
		client, err := remote.New(remote.Options{
			BaseURL:   flags.remoteAddr,
			AuthToken: flags.remoteToken,
			Settings:  settings,
			Logger:    logger,
		})
		return client, "", err
	}

	store, err := artifact.NewStore(filepath.Join(runDir, "artifacts"))
	if err != nil {
		return nil, "", err
	}
	exec := &trial.Executor{
		RunID:        runID,
		RunDir:       runDir,
		ProjectRoot:  flags.projectRoot,
		BaselineID:   variants[0].ID,
		WorkloadType: exp.WorkloadType,
		Store:        store,
		Logger:       logger,
	}
	backend := local.New(local.Config{
		MaxInFlight: exp.Policy.MaxConcurrency,
		Settings:    settings,
		Logger:      logger,
	}, exec.Execute)
	return backend, backend.ClampWarning(), nil
}

func indexCommitHook(ctx context.Context, index *runindex.Store, runID string) func(runstate.CompletedSlot) {
	if index == nil {
		return nil
	}
	return func(slot runstate.CompletedSlot) {
		_ = index.RecordTrial(ctx, runID, slot.ScheduleIndex, slot.TrialID,
			slot.VariantIdx, slot.TaskIdx, slot.ReplIdx, slot.Status, slot.CommittedAt)
	}
}

func printRunSummary(w io.Writer, runID, outcome string, progress *runstate.ScheduleProgress, start time.Time) {
	var completed, failed, skipped int
	for _, slot := range progress.CompletedSlots {
		switch slot.Status {
		case runstate.SlotCompleted:
			completed++
		case runstate.SlotSkippedPruned:
			skipped++
		default:
			failed++
		}
	}
	statusColor := color.New(color.FgGreen)
	if failed > 0 || outcome != string(coordinator.OutcomeCompleted) {
		statusColor = color.New(color.FgYellow)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "RESULT\t%s\t(committed=%d completed=%d failed=%d skipped=%d pruned_variants=%d) in %s\n",
		statusColor.Sprint(outcome),
		progress.NextScheduleIndex, completed, failed, skipped,
		len(progress.PrunedVariants),
		time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(w, "runId=%s\n", runID)
}
