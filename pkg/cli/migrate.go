package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ha1tch/storysync/pkg/lock"
	"github.com/ha1tch/storysync/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newMigrateCommand(g *globals) *cobra.Command {
	var (
		entity     string
		dryRun     bool
		resetFirst bool
		retryRun   string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Fetch, resolve and upsert source records into the target store",
		Long: `Migrate reads every page of the selected entity types from the source
system, resolves each record against rows already in the target store, and
upserts them in dependency order: organizations and locations, projects,
storytellers, then stories, themes, quotes and media. Association columns are
recomputed after all rows exist and a verification report is printed.

Use --dry-run to see what would change without writing anything.
Use --reset-first to empty every entity table before migrating.
Use --retry-run <run_id> to re-process only the records that failed in that run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes(entity)
			if err != nil {
				return exitError(ExitFatal, err)
			}
			if resetFirst && retryRun != "" {
				return exitError(ExitFatal, errors.New("--reset-first and --retry-run cannot be combined"))
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.engine.Migrate(cmd.Context(), pipeline.Options{
				Types:      types,
				DryRun:     dryRun,
				ResetFirst: resetFirst,
				RetryRunID: retryRun,
			})
			if errors.Is(err, lock.ErrLockHeld) {
				return exitError(ExitFatal, fmt.Errorf("another migration or reset is running: %w", err))
			}
			if err != nil {
				return exitError(ExitFatal, err)
			}

			printRun(g.stdout, run)
			if code := pipeline.ExitCode(run); code != ExitOK {
				return exitError(code, nil)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&entity, "entity", "all", "Entity types to migrate: all or a comma list ("+strings.Join(typeNames(), ", ")+")")
	f.BoolVar(&dryRun, "dry-run", false, "Resolve and report without writing")
	f.BoolVar(&resetFirst, "reset-first", false, "Delete all migrated entities before migrating")
	f.StringVar(&retryRun, "retry-run", "", "Re-process only the failed records of this run")
	return cmd
}
