// Package cli implements the storysync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ha1tch/storysync/pkg/source"
	"github.com/spf13/cobra"
)

// Exit codes
const (
	ExitOK      = 0
	ExitPartial = 1
	ExitFatal   = 2
)

// ExitError carries the process exit code out of a command. Err may be nil
// when the command already reported its outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// globals are the persistent flags and process wiring shared by all commands
type globals struct {
	configPath  string
	dbPath      string
	storageType string
	logLevel    string
	logFormat   string

	stdout io.Writer
	stderr io.Writer

	// api replaces the HTTP source client when set
	api source.API
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, api source.API) int {
	g := &globals{stdout: stdout, stderr: stderr, api: api}
	root := newRootCommand(g)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.Err)
		}
		return ee.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFatal
}

func newRootCommand(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:   "storysync",
		Short: "Reconcile and migrate storyteller records into the relational store",
		Long: `storysync reads organizations, locations, projects, storytellers, stories,
themes, quotes and media from the source record system and upserts them into
the relational target store in dependency order. Runs are idempotent: a
second run updates rows in place and creates no duplicates.

Exit codes: 0 completed, 1 partial, 2 failed or aborted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to YAML config file (overrides STORYSYNC_CONFIG)")
	pf.StringVar(&g.dbPath, "db", "", "Path to target database file (overrides DB_PATH)")
	pf.StringVar(&g.storageType, "storage", "", "Target store backend: sqlite or memory (overrides STORAGE_TYPE)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: console or json")

	root.AddCommand(
		newMigrateCommand(g),
		newVerifyCommand(g),
		newResetCommand(g),
		newRunsCommand(g),
		newServeCommand(g),
		newVersionCommand(g),
	)
	return root
}
