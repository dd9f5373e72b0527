package cli

import (
	"errors"
	"fmt"

	"github.com/ha1tch/storysync/pkg/lock"
	"github.com/ha1tch/storysync/pkg/reversal"
	"github.com/spf13/cobra"
)

func newResetCommand(g *globals) *cobra.Command {
	var (
		entity  string
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete migrated entities in reverse dependency order",
		Long: `Reset deletes every row of the selected entity tables, dependents first,
so a migration can be re-run from scratch. References from tables that are
kept are cleared before the rows they point at are removed.

This is destructive and requires --confirm.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return exitError(ExitFatal, errors.New("reset deletes target rows; pass --confirm to proceed"))
			}
			types, err := parseTypes(entity)
			if err != nil {
				return exitError(ExitFatal, err)
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Reset(cmd.Context(), types)
			if report != nil {
				printDeletion(g.stdout, report)
			}
			switch {
			case errors.Is(err, lock.ErrLockHeld):
				return exitError(ExitFatal, fmt.Errorf("another migration or reset is running: %w", err))
			case errors.Is(err, reversal.ErrResidualRows):
				return exitError(ExitFatal, fmt.Errorf("store left partially deleted: %w", err))
			case err != nil:
				return exitError(ExitFatal, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "all", "Entity types to delete: all or a comma list")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the deletion")
	return cmd
}
