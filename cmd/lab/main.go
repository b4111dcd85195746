// main.go bootstraps the lab CLI: it builds the root Cobra command and
// executes it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nishiokj/agentlab/internal/controlplane"
	"github.com/nishiokj/agentlab/internal/version"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	// A second interrupt forces exit; long-running trials may not unwind
	// promptly on the first one.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt: forcing exit")
		os.Exit(130)
	}()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if code := controlplane.CodeOf(err); code != "" {
		os.Exit(exitCodeFor(code))
	}
	os.Exit(1)
}

// exitCodeFor maps control-operation error codes onto stable exit codes.
func exitCodeFor(code string) int {
	switch code {
	case controlplane.CodeOperationInProgress:
		return 75
	case controlplane.CodePausePartialFailure:
		return 3
	default:
		return 2
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lab",
		Short:         "agentlab experiment runner",
		Long:          "lab runs agent experiments: a cross product of (variant, task, replication) trials with deterministic commits and pause/resume/fork/continue control.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(),
		newPauseCommand(),
		newKillCommand(),
		newResumeCommand(),
		newForkCommand(),
		newContinueCommand(),
		newRunsCommand(),
		newStatusCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
			return nil
		},
	}
}
