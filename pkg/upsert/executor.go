// Package upsert writes resolved entities to the target store in foreign key
// dependency order, keyed by external id.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/ha1tch/storysync/pkg/validation"
	"github.com/rs/zerolog"
)

// Options controls an executor
type Options struct {
	// DryRun computes the outcome without writing. New rows get negative ids.
	DryRun bool
}

// Executor applies inserts and updates level by level. Organizations and
// locations are committed before projects, projects before storytellers
// and storytellers before the content types.
type Executor struct {
	store     storage.Store
	index     *resolver.EntityIndex
	validator validation.Validator
	opts      Options
	logger    zerolog.Logger

	synthetic int64
}

// New creates an executor. Rows it writes are added to idx so later levels
// can bind their pending references.
func New(store storage.Store, idx *resolver.EntityIndex, v validation.Validator, opts Options, logger zerolog.Logger) *Executor {
	if v == nil {
		v = validation.NewNoOpValidator()
	}
	return &Executor{
		store:     store,
		index:     idx,
		validator: v,
		opts:      opts,
		logger:    logger.With().Str("component", "upsert").Bool("dry_run", opts.DryRun).Logger(),
	}
}

type outcome int

const (
	outcomeInserted outcome = iota
	outcomeUpdated
	outcomeFailed
)

// UpsertBatch writes entities in dependency order regardless of their input
// order. A failing record is recorded and skipped. Entities whose in-run
// references are not committed yet are retried in a second pass and, if
// still unbound, written with the foreign key left NULL. The error is
// non-nil only when ctx ends the batch early.
func (x *Executor) UpsertBatch(ctx context.Context, entities []*models.TargetEntity) (*models.UpsertResult, error) {
	result := models.NewUpsertResult()

	byLevel := make([][]*models.TargetEntity, len(models.Levels()))
	for _, e := range entities {
		lvl := models.LevelOf(e.Type)
		if lvl < 0 {
			x.fail(result, e, fmt.Errorf("%w: %s", storage.ErrInvalidEntity, e.Type), false)
			continue
		}
		byLevel[lvl] = append(byLevel[lvl], e)
	}

	var deferred []*models.TargetEntity
	for lvl, batch := range byLevel {
		if len(batch) == 0 {
			continue
		}
		x.logger.Debug().Int("level", lvl).Int("entities", len(batch)).Msg("Upserting dependency level")

		for _, e := range orderByType(batch) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if !x.bindPending(e) {
				deferred = append(deferred, e)
				result.Deferred++
				continue
			}
			x.apply(ctx, result, e)
		}
	}

	if len(deferred) > 0 {
		x.logger.Info().Int("entities", len(deferred)).Msg("Second pass for deferred entities")
	}
	for _, e := range orderByType(deferred) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !x.bindPending(e) {
			x.dropPending(e)
		}
		x.apply(ctx, result, e)
	}

	return result, nil
}

// orderByType sorts a batch by type in dependency order, keeping input order per type
func orderByType(batch []*models.TargetEntity) []*models.TargetEntity {
	out := make([]*models.TargetEntity, 0, len(batch))
	for _, t := range models.DependencyOrder() {
		for _, e := range batch {
			if e.Type == t {
				out = append(out, e)
			}
		}
	}
	return out
}

// bindPending turns pending references into foreign keys. It reports
// whether every pending reference is now bound.
func (x *Executor) bindPending(e *models.TargetEntity) bool {
	for col, ref := range e.PendingRefs {
		target, ok := x.index.ByExternalID(ref.Type, ref.ExternalID)
		if !ok {
			continue
		}
		e.SetFK(col, target.ID)
		delete(e.PendingRefs, col)
	}
	return len(e.PendingRefs) == 0
}

// dropPending gives up on pending references, recording each as unresolved
func (x *Executor) dropPending(e *models.TargetEntity) {
	for col, ref := range e.PendingRefs {
		e.SetFK(col, 0)
		e.Unresolved = append(e.Unresolved, models.UnresolvedRef{
			EntityType: e.Type,
			ExternalID: e.ExternalID,
			Column:     col,
			Reference:  ref.ExternalID,
			Reason:     fmt.Sprintf("%s was not committed in this run", ref),
		})
		delete(e.PendingRefs, col)
	}
}

func (x *Executor) apply(ctx context.Context, result *models.UpsertResult, e *models.TargetEntity) {
	if ok, problems := x.validator.Validate(e); !ok {
		x.fail(result, e, fmt.Errorf("validation failed: %s", strings.Join(problems, "; ")), false)
		return
	}

	var (
		out outcome
		err error
	)
	if x.opts.DryRun {
		out = x.simulate(e)
	} else {
		out, err = x.write(ctx, e)
	}
	if err != nil {
		retryable := !errors.Is(err, storage.ErrConstraint) && !errors.Is(err, storage.ErrInvalidEntity)
		x.fail(result, e, err, retryable)
		return
	}

	s := result.For(e.Type)
	switch out {
	case outcomeInserted:
		result.Inserted++
		s.Inserted++
	case outcomeUpdated:
		result.Updated++
		s.Updated++
	}
	for _, u := range e.Unresolved {
		result.Unresolved = append(result.Unresolved, u)
		s.Unresolved++
	}
	x.index.Add(e)
}

// existing returns the committed row the entity maps to, if any
func (x *Executor) existing(e *models.TargetEntity) (*models.TargetEntity, bool) {
	if e.ID != 0 {
		if cur, ok := x.index.ByID(e.Type, e.ID); ok {
			return cur, true
		}
	}
	if e.ExternalID != "" {
		return x.index.ByExternalID(e.Type, e.ExternalID)
	}
	return nil, false
}

// merge carries over the committed row's state the source does not define:
// foreign keys the record left empty, association arrays and created_at
func merge(e, cur *models.TargetEntity) {
	if e == cur {
		return
	}
	e.ID = cur.ID
	e.CreatedAt = cur.CreatedAt
	for col, id := range cur.ForeignKeys {
		if _, set := e.FK(col); set {
			continue
		}
		if _, pending := e.PendingRefs[col]; pending {
			continue
		}
		e.SetFK(col, id)
	}
	e.Links = make(map[string][]int64, len(cur.Links))
	for col, ids := range cur.Links {
		e.Links[col] = append([]int64(nil), ids...)
	}
}

func (x *Executor) write(ctx context.Context, e *models.TargetEntity) (outcome, error) {
	if cur, ok := x.existing(e); ok {
		merge(e, cur)
		err := x.store.Update(ctx, e)
		if err == nil {
			return outcomeUpdated, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return outcomeFailed, err
		}
		// Removed since the index was loaded
		x.index.Remove(e.Type, e.ID)
		e.ID = 0
	}

	_, err := x.store.Insert(ctx, e)
	if err == nil {
		x.logger.Debug().Str("entity", e.Key()).Int64("id", e.ID).Msg("Inserted")
		return outcomeInserted, nil
	}
	if !errors.Is(err, storage.ErrDuplicateExternalID) {
		return outcomeFailed, err
	}

	// A row with this external id was written after the index was loaded:
	// the insert becomes an update
	cur, ferr := x.store.FindByExternalID(ctx, e.Type, e.ExternalID)
	if ferr != nil {
		return outcomeFailed, fmt.Errorf("%w (lookup after duplicate failed: %v)", err, ferr)
	}
	merge(e, cur)
	if err := x.store.Update(ctx, e); err != nil {
		return outcomeFailed, err
	}
	return outcomeUpdated, nil
}

func (x *Executor) simulate(e *models.TargetEntity) outcome {
	if cur, ok := x.existing(e); ok {
		merge(e, cur)
		return outcomeUpdated
	}
	x.synthetic--
	e.ID = x.synthetic
	return outcomeInserted
}

func (x *Executor) fail(result *models.UpsertResult, e *models.TargetEntity, err error, retryable bool) {
	result.Failed++
	result.For(e.Type).Failed++
	result.Errors = append(result.Errors, models.MigrationError{
		EntityType: e.Type,
		ExternalID: e.ExternalID,
		Stage:      models.StageUpsert,
		Message:    err.Error(),
		Retryable:  retryable,
	})
	x.logger.Warn().Err(err).Str("entity", e.Key()).Msg("Upsert failed")
}
