package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nishiokj/agentlab/internal/runindex"
	"github.com/nishiokj/agentlab/internal/runstate"
)

func newRunsCommand() *cobra.Command {
	var runsDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := runindex.Open(runsDir)
			if err != nil {
				return err
			}
			defer index.Close()
			rows, err := index.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no runs recorded")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tNAME\tSTATUS\tPROGRESS\tUPDATED")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					r.RunID, r.Name, colorStatus(r.Status), r.Committed, r.TotalSlots, r.UpdatedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	return cmd
}

func colorStatus(status string) string {
	switch status {
	case runstate.StatusCompleted:
		return color.GreenString(status)
	case runstate.StatusFailed, runstate.StatusKilled:
		return color.RedString(status)
	case runstate.StatusPaused, runstate.StatusInterrupted:
		return color.YellowString(status)
	default:
		return status
	}
}

func newStatusCommand() *cobra.Command {
	var runsDir, runDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run's control document and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), runsDir, runDir)
			if err != nil {
				return err
			}
			rc, err := runstate.LoadRunControl(dir)
			if err != nil {
				return err
			}
			progress, err := runstate.LoadScheduleProgress(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:      %s\n", rc.RunID)
			fmt.Fprintf(out, "status:   %s\n", colorStatus(rc.Status))
			fmt.Fprintf(out, "progress: %d/%d committed\n", progress.NextScheduleIndex, progress.TotalSlots)
			if len(progress.PrunedVariants) > 0 {
				fmt.Fprintf(out, "pruned:   %v\n", progress.PrunedVariants)
			}
			if rc.Pause != nil {
				fmt.Fprintf(out, "pause:    label=%s requested_at=%s\n", rc.Pause.Label, rc.Pause.RequestedAt)
			}
			if len(rc.ActiveTrials) > 0 {
				fmt.Fprintln(out, "active trials:")
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  TRIAL\tSTATE\tSLOT\tVARIANT\tWORKER")
				for _, at := range rc.ActiveTrials {
					fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n",
						at.TrialID, at.State, at.ScheduleIdx, at.VariantID, at.WorkerID)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "directory runs live under")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (defaults to the most recent run)")
	return cmd
}
