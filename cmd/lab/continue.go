package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nishiokj/agentlab/internal/artifact"
	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/controlplane"
	"github.com/nishiokj/agentlab/internal/logging"
	"github.com/nishiokj/agentlab/internal/plan"
	"github.com/nishiokj/agentlab/internal/runstate"
	"github.com/nishiokj/agentlab/internal/sink"
	"github.com/nishiokj/agentlab/internal/trial"
	"github.com/nishiokj/agentlab/internal/worker"
	"github.com/nishiokj/agentlab/internal/worker/local"
	"github.com/nishiokj/agentlab/internal/worker/remote"
)

func newContinueCommand() *cobra.Command {
	var runsDir, runDir, remoteToken, logLevel string
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Continue a failed, paused, or interrupted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), runsDir, runDir)
			if err != nil {
				return err
			}
			logger, err := logging.New(logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			settings, err := config.FromEnv()
			if err != nil {
				return err
			}
			factSink, err := sink.NewJSONLSink(dir)
			if err != nil {
				return err
			}
			defer factSink.Close()

			outcome, err := controlplane.ContinueRun(cmd.Context(), dir, controlplane.ContinueOptions{
				Sink:   factSink,
				Logger: logger,
				BuildBackend: func(session *runstate.RunSessionState) (worker.Backend, error) {
					if session.Options.ExecutorKind == plan.ExecutorRemote {
						return remote.New(remote.Options{
							BaseURL:   session.Options.RemoteAddr,
							AuthToken: remoteToken,
							Settings:  settings,
							Logger:    logger,
						})
					}
					store, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
					if err != nil {
						return nil, err
					}
					exec := &trial.Executor{
						RunID:        session.RunID,
						RunDir:       dir,
						ProjectRoot:  session.Options.ProjectRoot,
						BaselineID:   session.Experiment.Baseline.ID,
						WorkloadType: session.Experiment.WorkloadType,
						Store:        store,
						Logger:       logger,
					}
					return local.New(local.Config{
						MaxInFlight: session.Options.MaxConcurrency,
						Settings:    settings,
						Logger:      logger,
					}, exec.Execute), nil
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "continue finished: %s\n", outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (defaults to the most recent run)")
	cmd.Flags().StringVar(&remoteToken, "remote-token", "", "bearer token for the remote worker")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
