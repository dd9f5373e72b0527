// Package pipeline runs a migration end to end: fetch, resolve, upsert,
// link, verify and record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ha1tch/storysync/pkg/graph"
	"github.com/ha1tch/storysync/pkg/lock"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/reversal"
	"github.com/ha1tch/storysync/pkg/source"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/ha1tch/storysync/pkg/upsert"
	"github.com/ha1tch/storysync/pkg/validation"
	"github.com/ha1tch/storysync/pkg/verify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoRunRecorder is returned when run history is needed but the store keeps none
var ErrNoRunRecorder = errors.New("store does not record runs")

// Options selects what one migrate invocation does
type Options struct {
	// Types limits the run to these entity types. Empty means all.
	Types      []models.EntityType
	DryRun     bool
	ResetFirst bool
	// RetryRunID re-processes only the records that failed in that run
	RetryRunID string
}

// Settings are the engine's tunables
type Settings struct {
	PageSize         int
	FetchConcurrency int
	RunTimeout       time.Duration
	LockTTL          time.Duration
}

// Deps are the collaborators of an engine. Locker and AuditLog are optional.
type Deps struct {
	Store     storage.Store
	Reader    *source.Reader
	Resolver  *resolver.Resolver
	Validator validation.Validator
	Locker    lock.Locker
	AuditLog  *storage.JSONFileAuditLog
}

// Engine orchestrates migration runs, resets and verification
type Engine struct {
	deps     Deps
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an engine
func New(deps Deps, settings Settings, logger zerolog.Logger) *Engine {
	if settings.PageSize <= 0 {
		settings.PageSize = 100
	}
	if settings.FetchConcurrency <= 0 {
		settings.FetchConcurrency = 3
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = time.Hour
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewNoOpValidator()
	}
	return &Engine{
		deps:     deps,
		settings: settings,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// Migrate performs one run. Per-record and per-type failures are recorded
// on the returned run; the error is reserved for failures that prevent the
// run from happening at all (lock held, reset failed, store unreadable).
func (e *Engine) Migrate(ctx context.Context, opts Options) (*models.MigrationRun, error) {
	types := opts.Types
	if len(types) == 0 {
		types = models.DependencyOrder()
	}
	types = models.SortByDependency(types)

	var retry map[models.EntityType]map[string]bool
	if opts.RetryRunID != "" {
		var err error
		types, retry, err = e.retryScope(ctx, opts.RetryRunID, types)
		if err != nil {
			return nil, err
		}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.ResetFirst {
		if opts.DryRun {
			e.logger.Warn().Msg("Dry run: skipping reset")
		} else if _, err := reversal.New(e.deps.Store, e.logger).DeleteAll(ctx, nil); err != nil {
			return nil, fmt.Errorf("failed to reset before migrate: %w", err)
		}
	}

	run := models.NewMigrationRun(uuid.NewString(), e.now().UTC(), types)
	run.DryRun = opts.DryRun
	logger := e.logger.With().Str("run_id", run.RunID).Bool("dry_run", opts.DryRun).Logger()
	logger.Info().Strs("entity_types", typeNames(types)).Msg("Migration started")
	e.persist(ctx, run, false)

	runCtx := ctx
	if e.settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.settings.RunTimeout)
		defer cancel()
	}

	records := e.fetch(runCtx, run, types, retry, logger)

	if runCtx.Err() == nil {
		if err := e.process(runCtx, run, types, records, opts.DryRun, logger); err != nil {
			if runCtx.Err() == nil {
				return nil, err
			}
		}
	}
	if err := runCtx.Err(); err != nil {
		run.Aborted = abortReason(err)
		logger.Warn().Str("reason", run.Aborted).Msg("Run aborted, committed writes are kept")
	}

	if !opts.DryRun {
		report, err := verify.New(e.deps.Store, logger).Verify(ctx, run)
		if err != nil {
			logger.Error().Err(err).Msg("Verification failed")
		} else {
			run.Report = report
		}
	}

	run.Finish(e.status(run), e.now().UTC())
	e.persist(ctx, run, true)

	logger.Info().
		Str("status", string(run.Status)).
		Int("errors", len(run.Errors)).
		Int("unresolved", len(run.Unresolved)).
		Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).
		Msg("Migration finished")
	return run, nil
}

// fetch reads every requested type with bounded parallelism. A type whose
// fetch fails is dropped from the run and recorded.
func (e *Engine) fetch(ctx context.Context, run *models.MigrationRun, types []models.EntityType, retry map[models.EntityType]map[string]bool, logger zerolog.Logger) map[models.EntityType][]models.SourceRecord {
	var (
		mu  sync.Mutex
		out = make(map[models.EntityType][]models.SourceRecord, len(types))
		g   errgroup.Group
	)
	g.SetLimit(e.settings.FetchConcurrency)

	for _, t := range types {
		g.Go(func() error {
			records, err := e.deps.Reader.Collect(ctx, t, e.settings.PageSize)
			if err != nil {
				logger.Error().Err(err).Str("entity_type", string(t)).Int("partial", len(records)).
					Msg("Fetch failed, skipping entity type")
				run.AddError(models.MigrationError{
					EntityType: t,
					Stage:      models.StageFetch,
					Message:    err.Error(),
					Retryable:  source.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded),
				})
				return nil
			}

			if keys := retry[t]; keys != nil {
				kept := records[:0]
				for _, rec := range records {
					if keys[rec.ExternalID] {
						kept = append(kept, rec)
					}
				}
				records = kept
			}

			run.Update(t, func(s *models.TypeSummary) { s.Fetched = len(records) })
			logger.Info().Str("entity_type", string(t)).Int("fetched", len(records)).Msg("Fetched records")

			mu.Lock()
			out[t] = records
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// process resolves, upserts and links the fetched records
func (e *Engine) process(ctx context.Context, run *models.MigrationRun, types []models.EntityType, records map[models.EntityType][]models.SourceRecord, dryRun bool, logger zerolog.Logger) error {
	idx, err := resolver.LoadIndex(ctx, e.deps.Store, models.DependencyOrder())
	if err != nil {
		return err
	}
	for _, t := range types {
		for _, rec := range records[t] {
			idx.AddBatch(rec)
		}
	}

	var entities []*models.TargetEntity
	for _, t := range types {
		resolved := 0
		for _, rec := range records[t] {
			res := e.deps.Resolver.Resolve(rec, idx)
			for _, me := range res.Errors {
				run.AddError(me)
			}
			if len(res.Errors) == 0 && len(res.Entity.Unresolved) == 0 {
				resolved++
			}
			entities = append(entities, res.Entity)
		}
		run.Update(t, func(s *models.TypeSummary) { s.Resolved = resolved })
	}

	exec := upsert.New(e.deps.Store, idx, e.deps.Validator, upsert.Options{DryRun: dryRun}, logger)
	result, upsertErr := exec.UpsertBatch(ctx, entities)
	for t, s := range result.ByType {
		inserted, updated := s.Inserted, s.Updated
		run.Update(t, func(sum *models.TypeSummary) {
			sum.Inserted = inserted
			sum.Updated = updated
		})
	}
	for _, me := range result.Errors {
		run.AddError(me)
	}
	for _, u := range result.Unresolved {
		run.AddUnresolved(u)
	}
	if upsertErr != nil {
		return upsertErr
	}

	builder := graph.NewBuilder(e.deps.Store, dryRun, logger)
	links := builder.Build(idx)
	for _, u := range links.Unresolved {
		if idx.InBatch(u.EntityType, u.ExternalID) {
			run.AddUnresolved(u)
		}
	}
	for _, z := range links.ZeroLinks {
		if idx.InBatch(z.Type, z.ExternalID) {
			logger.Info().Str("entity", z.Key()).Msg("Entity has no associations")
		}
	}
	if err := builder.Apply(ctx, idx, links); err != nil {
		if ctx.Err() != nil {
			return err
		}
		for _, t := range updatedTypes(links.Updates) {
			run.AddError(models.MigrationError{
				EntityType: t,
				Stage:      models.StageLink,
				Message:    err.Error(),
				Retryable:  true,
			})
		}
	}

	for _, t := range types {
		s := run.Summary(t)
		logger.Info().
			Str("entity_type", string(t)).
			Int("fetched", s.Fetched).
			Int("resolved", s.Resolved).
			Int("upserted", s.Upserted()).
			Int("failed", s.Failed).
			Int("unresolved", s.Unresolved).
			Msg("Entity type summary")
	}
	return nil
}

// status derives the final run status. An aborted run is partial since its
// committed writes are kept. Otherwise a run is failed only when no
// requested type could be fetched.
func (e *Engine) status(run *models.MigrationRun) models.RunStatus {
	if run.Aborted != "" {
		return models.RunPartial
	}
	succeeded := 0
	for _, t := range run.EntityTypes {
		if !run.Summary(t).FetchError {
			succeeded++
		}
	}
	switch {
	case len(run.EntityTypes) > 0 && succeeded == 0:
		return models.RunFailed
	case len(run.Errors) > 0,
		len(run.Unresolved) > 0,
		run.Report != nil && run.Report.HasOrphans():
		return models.RunPartial
	default:
		return models.RunCompleted
	}
}

// retryScope narrows a run to the records that failed in an earlier run.
// A type whose fetch failed outright is retried in full.
func (e *Engine) retryScope(ctx context.Context, runID string, types []models.EntityType) ([]models.EntityType, map[models.EntityType]map[string]bool, error) {
	prev, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	wanted := make(map[models.EntityType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	keys := prev.FailedKeys()
	retry := make(map[models.EntityType]map[string]bool)
	var scope []models.EntityType
	for _, t := range prev.EntityTypes {
		if !wanted[t] {
			continue
		}
		switch {
		case prev.Summary(t).FetchError:
			scope = append(scope, t)
		case len(keys[t]) > 0:
			scope = append(scope, t)
			retry[t] = keys[t]
		}
	}
	e.logger.Info().Str("retry_run_id", runID).Strs("entity_types", typeNames(scope)).Msg("Retrying failed records")
	return models.SortByDependency(scope), retry, nil
}

// Reset empties the given entity tables (all when empty) under the migration lock
func (e *Engine) Reset(ctx context.Context, types []models.EntityType) (*models.DeletionReport, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return reversal.New(e.deps.Store, e.logger).DeleteAll(ctx, types)
}

// Verify reports the current store state. run may be nil.
func (e *Engine) Verify(ctx context.Context, run *models.MigrationRun) (*models.VerificationReport, error) {
	return verify.New(e.deps.Store, e.logger).Verify(ctx, run)
}

// GetRun loads a recorded run
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.MigrationRun, error) {
	if rec, ok := e.deps.Store.(storage.RunRecorder); ok {
		return rec.GetRun(ctx, runID)
	}
	if e.deps.AuditLog != nil {
		return e.deps.AuditLog.Find(runID)
	}
	return nil, ErrNoRunRecorder
}

// ListRuns returns recent runs, newest first
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]*models.MigrationRun, error) {
	rec, ok := e.deps.Store.(storage.RunRecorder)
	if !ok {
		return nil, ErrNoRunRecorder
	}
	return rec.ListRuns(ctx, limit)
}

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.deps.Locker == nil {
		return func() {}, nil
	}
	held, err := e.deps.Locker.Acquire(ctx, lock.MigrationLock, e.settings.LockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		// The run context may be done already
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to release migration lock")
		}
	}, nil
}

// persist records the run. Dry runs are never recorded.
func (e *Engine) persist(ctx context.Context, run *models.MigrationRun, final bool) {
	if run.DryRun {
		return
	}
	// Persist even when the caller's context is done
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if rec, ok := e.deps.Store.(storage.RunRecorder); ok {
		if err := rec.SaveRun(ctx, run); err != nil {
			e.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to save run")
		}
	}
	if final && e.deps.AuditLog != nil {
		if err := e.deps.AuditLog.Append(run); err != nil {
			e.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to append audit log")
		}
	}
}

func abortReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "run timeout exceeded"
	}
	return "cancelled"
}

func updatedTypes(updates []storage.AssociationUpdate) []models.EntityType {
	seen := make(map[models.EntityType]bool)
	var out []models.EntityType
	for _, u := range updates {
		if !seen[u.Type] {
			seen[u.Type] = true
			out = append(out, u.Type)
		}
	}
	return models.SortByDependency(out)
}

func typeNames(types []models.EntityType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// ExitCode maps a run to the process exit code: 0 completed, 1 partial,
// 2 failed or aborted
func ExitCode(run *models.MigrationRun) int {
	switch {
	case run == nil, run.Status == models.RunFailed, run.Aborted != "":
		return 2
	case run.Status == models.RunPartial:
		return 1
	default:
		return 0
	}
}
