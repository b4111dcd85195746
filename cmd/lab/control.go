package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nishiokj/agentlab/internal/artifact"
	"github.com/nishiokj/agentlab/internal/controlplane"
	"github.com/nishiokj/agentlab/internal/logging"
	"github.com/nishiokj/agentlab/internal/runindex"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/trial"
)

// resolveRunDir returns the explicit run directory or the most recent run
// under runsDir.
func resolveRunDir(ctx context.Context, runsDir, runDir string) (string, error) {
	if runDir != "" {
		return runDir, nil
	}
	index, err := runindex.Open(runsDir)
	if err != nil {
		return "", errors.Wrap(err, "open run index")
	}
	defer index.Close()
	runID, err := index.MostRecentRunID(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(runsDir, runID), nil
}

// buildForkExecutor reconstructs the trial executor from the persisted
// session options.
func buildForkExecutor(runDir, logLevel string) (*trial.Executor, error) {
	session, err := runstate.LoadRunSessionState(runDir)
	if err != nil {
		return nil, errors.Wrap(err, "load run session state")
	}
	logger, err := logging.New(logLevel)
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStore(filepath.Join(runDir, "artifacts"))
	if err != nil {
		return nil, err
	}
	return &trial.Executor{
		RunID:        session.RunID,
		RunDir:       runDir,
		ProjectRoot:  session.Options.ProjectRoot,
		BaselineID:   session.Experiment.Baseline.ID,
		WorkloadType: session.Experiment.WorkloadType,
		Store:        store,
		Logger:       logger,
	}, nil
}

func newPauseCommand() *cobra.Command {
	var runsDir, runDir, trialID, label string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Checkpoint and pause a running experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), runsDir, runDir)
			if err != nil {
				return err
			}
			if err := controlplane.Pause(cmd.Context(), dir, controlplane.PauseOptions{
				TrialID: trialID,
				Label:   label,
				Timeout: timeout,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "run paused")
			return nil
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (defaults to the most recent run)")
	cmd.Flags().StringVar(&trialID, "trial", "", "pause a single trial instead of all")
	cmd.Flags().StringVar(&label, "label", "", "checkpoint label")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-trial pause timeout")
	return cmd
}

func newKillCommand() *cobra.Command {
	var runsDir, runDir, reason string
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Terminate a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), runsDir, runDir)
			if err != nil {
				return err
			}
			if err := controlplane.Kill(cmd.Context(), dir, controlplane.KillOptions{Reason: reason}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "run killed")
			return nil
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (defaults to the most recent run)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the stop")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var runsDir, runDir, trialID, label, logLevel string
	var set []string
	var strict bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused trial from its checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), runsDir, runDir)
			if err != nil {
				return err
			}
			exec, err := buildForkExecutor(dir, logLevel)
			if err != nil {
				return err
			}
			bindings, err := controlplane.ParseSetBindings(set)
			if err != nil {
				return err
			}
			res, err := controlplane.Resume(cmd.Context(), dir, controlplane.ResumeOptions{
				TrialID:     trialID,
				Label:       label,
				SetBindings: bindings,
				Strict:      strict,
				Executor:    exec,
				Logger:      exec.Logger,
			})
			if err != nil {
				return err
			}
			printForkResult(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (defaults to the most recent run)")
	cmd.Flags().StringVar(&trialID, "trial", "", "trial to resume (required with multiple active trials)")
	cmd.Flags().StringVar(&label, "label", "", "explicit checkpoint label")
	cmd.Flags().StringArrayVar(&set, "set", nil, "binding overrides (key=value)")
	cmd.Flags().BoolVar(&strict, "strict", false, "require sdk_full checkpoint bytes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func newForkCommand() *cobra.Command {
	var runsDir, runDir, fromTrial, selector, logLevel string
	var set []string
	var strict bool
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Fork a new trial from a checkpoint selector",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), runsDir, runDir)
			if err != nil {
				return err
			}
			exec, err := buildForkExecutor(dir, logLevel)
			if err != nil {
				return err
			}
			bindings, err := controlplane.ParseSetBindings(set)
			if err != nil {
				return err
			}
			res, err := controlplane.Fork(cmd.Context(), dir, controlplane.ForkOptions{
				FromTrial:   fromTrial,
				Selector:    selector,
				SetBindings: bindings,
				Strict:      strict,
				Executor:    exec,
				Logger:      exec.Logger,
			})
			if err != nil {
				return err
			}
			printForkResult(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (defaults to the most recent run)")
	cmd.Flags().StringVar(&fromTrial, "from", "", "source trial id")
	cmd.Flags().StringVar(&selector, "selector", "", "checkpoint:<name> | step:<n> | event_seq:<n>")
	cmd.Flags().StringArrayVar(&set, "set", nil, "binding overrides (key=value)")
	cmd.Flags().BoolVar(&strict, "strict", false, "require sdk_full checkpoint bytes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}

func printForkResult(cmd *cobra.Command, res *controlplane.ForkResult) {
	fmt.Fprintf(cmd.ErrOrStderr(), "fork %s from %s: %s", res.ForkID, res.FromTrial, res.SlotStatus)
	if res.Checkpoint != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), " (checkpoint=%s)", res.Checkpoint)
	}
	if res.FallbackMode != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), " (fallback=%s)", res.FallbackMode)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
}
