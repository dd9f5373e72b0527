package cli

import (
	"errors"
	"fmt"

	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/spf13/cobra"
)

func newRunsCommand(g *globals) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recent migration runs or show one run's errors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openStore()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, ok := a.store.(storage.RunRecorder)
			if !ok {
				return exitError(ExitFatal, errors.New("store does not record runs"))
			}

			if len(args) == 1 {
				run, err := rec.GetRun(cmd.Context(), args[0])
				if err != nil {
					return exitError(ExitFatal, fmt.Errorf("failed to load run %s: %w", args[0], err))
				}
				printRun(g.stdout, run)
				printRunDetail(g.stdout, run)
				return nil
			}

			runs, err := rec.ListRuns(cmd.Context(), limit)
			if err != nil {
				return exitError(ExitFatal, err)
			}
			printRunList(g.stdout, runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}
