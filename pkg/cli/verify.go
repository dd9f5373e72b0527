package cli

import (
	"errors"
	"fmt"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/ha1tch/storysync/pkg/verify"
	"github.com/spf13/cobra"
)

func newVerifyCommand(g *globals) *cobra.Command {
	var (
		runID  string
		latest bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Report counts, orphans, coverage and link discrepancies of the target store",
		Long: `Verify inspects the target store and prints per-entity counts, orphaned
foreign keys, coverage and link discrepancies. It never writes.

With --run or --latest the report also compares the store against what that
run fetched. Exits 1 when orphans are present.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openStore()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var run *models.MigrationRun
			if runID != "" || latest {
				rec, ok := a.store.(storage.RunRecorder)
				if !ok {
					return exitError(ExitFatal, errors.New("store does not record runs"))
				}
				if latest {
					runs, err := rec.ListRuns(ctx, 1)
					if err != nil {
						return exitError(ExitFatal, err)
					}
					if len(runs) == 0 {
						return exitError(ExitFatal, errors.New("no recorded runs"))
					}
					run = runs[0]
				} else if run, err = rec.GetRun(ctx, runID); err != nil {
					return exitError(ExitFatal, fmt.Errorf("failed to load run %s: %w", runID, err))
				}
			}

			report, err := verify.New(a.store, a.logger).Verify(ctx, run)
			if err != nil {
				return exitError(ExitFatal, err)
			}
			printReport(g.stdout, report)
			if report.HasOrphans() {
				return exitError(ExitPartial, nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Include coverage of this run")
	cmd.Flags().BoolVar(&latest, "latest", false, "Include coverage of the most recent run")
	return cmd
}
