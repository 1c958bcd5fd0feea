package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"warmup-forge/internal/report"
	"warmup-forge/internal/runlog"
)

func newHistoryCmd() *cobra.Command {
	var (
		dbPath   string
		plotPath string
	)
	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recorded runs, or the epochs of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := runlog.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				if plotPath != "" {
					return errors.New("--plot needs a RUN_ID")
				}
				runs, err := store.Runs(cmd.Context())
				if err != nil {
					return err
				}
				return printRuns(out, runs)
			}

			id := args[0]
			if plotPath != "" {
				h, err := store.History(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := report.PlotHistory(h, plotPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", plotPath)
				return nil
			}
			epochs, err := store.Epochs(cmd.Context(), id)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EPOCH\tTRAIN_LOSS\tTRAIN_ACC\tVAL_LOSS\tVAL_ACC\tDURATION")
			for _, e := range epochs {
				fmt.Fprintf(tw, "%d\t%.6f\t%.4f\t%.6f\t%.4f\t%s\n",
					e.Epoch, e.TrainLoss, e.TrainAcc, e.ValLoss, e.ValAcc, e.Duration.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "output/history.db", "SQLite run ledger")
	cmd.Flags().StringVar(&plotPath, "plot", "", "Render the run's training curve to this PNG instead")
	return cmd
}

func printRuns(w io.Writer, runs []runlog.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tEPOCHS\tELAPSED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Epochs, r.Elapsed.Round(time.Second))
	}
	return tw.Flush()
}
