// main.go starts the lab-worker daemon: a remote worker peer serving the
// four-endpoint worker HTTP protocol around an in-process local backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nishiokj/agentlab/internal/artifact"
	"github.com/nishiokj/agentlab/internal/config"
	"github.com/nishiokj/agentlab/internal/logging"
	"github.com/nishiokj/agentlab/internal/trial"
	"github.com/nishiokj/agentlab/internal/worker/local"
	"github.com/nishiokj/agentlab/internal/worker/workerserver"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		listenAddr  string
		authToken   string
		capacity    int
		workDir     string
		projectRoot string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:           "lab-worker",
		Short:         "Remote worker daemon for the lab experiment runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			settings, err := config.FromEnv()
			if err != nil {
				return err
			}
			store, err := artifact.NewStore(filepath.Join(workDir, "artifacts"))
			if err != nil {
				return err
			}
			exec := &trial.Executor{
				RunDir:      workDir,
				ProjectRoot: projectRoot,
				Store:       store,
				Logger:      logger,
			}
			backend := local.New(local.Config{
				MaxInFlight: capacity,
				Settings:    settings,
				Logger:      logger,
			}, exec.Execute)
			if warn := backend.ClampWarning(); warn != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning:", warn)
			}
			srv := workerserver.New(workerserver.Config{AuthToken: authToken, Logger: logger}, backend)
			return srv.Serve(cmd.Context(), listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":7770", "listen address")
	cmd.Flags().StringVar(&authToken, "token", "", "bearer token (empty disables auth)")
	cmd.Flags().IntVar(&capacity, "capacity", 4, "max in-flight trials")
	cmd.Flags().StringVar(&workDir, "work-dir", "work", "directory trial artifacts are written under")
	cmd.Flags().StringVar(&projectRoot, "project-root", ".", "project root trial workspaces are seeded from")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}
