// Package reversal empties entity tables in reverse dependency order so a
// migration can be re-run from scratch.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
)

// ErrResidualRows is returned when a table still holds rows after deletion.
// The store is then in a partially deleted state.
var ErrResidualRows = errors.New("rows remain after deletion")

// Executor deletes entity tables without disabling referential integrity
type Executor struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a reversal executor
func New(store storage.Store, logger zerolog.Logger) *Executor {
	return &Executor{
		store:  store,
		logger: logger.With().Str("component", "reversal").Logger(),
	}
}

// DeleteAll deletes every row of the given types, dependents first. Foreign
// keys and association columns on tables that are kept are cleared before
// the rows they point at go away. An empty list means every type. Running
// it on empty tables is a no-op.
func (x *Executor) DeleteAll(ctx context.Context, types []models.EntityType) (*models.DeletionReport, error) {
	if len(types) == 0 {
		types = models.DependencyOrder()
	}
	deleting := make(map[models.EntityType]bool, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %s", storage.ErrInvalidEntity, t)
		}
		deleting[t] = true
	}

	report := &models.DeletionReport{
		Deleted:           make(map[models.EntityType]int64),
		ClearedReferences: make(map[string]int64),
		Remaining:         make(map[models.EntityType]int),
		StartedAt:         time.Now().UTC(),
	}

	for _, t := range models.ReverseDependencyOrder() {
		if !deleting[t] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		for _, in := range models.InboundForeignKeys(t) {
			if deleting[in.From] {
				continue
			}
			n, err := x.store.ClearForeignKey(ctx, in.From, in.Column)
			if err != nil {
				return report, fmt.Errorf("failed to clear %s.%s: %w", in.From, in.Column, err)
			}
			if n > 0 {
				report.ClearedReferences[fmt.Sprintf("%s.%s", in.From, in.Column)] += n
			}
		}
		for _, in := range models.InboundAssociations(t) {
			if deleting[in.From] {
				continue
			}
			n, err := x.store.ClearAssociation(ctx, in.From, in.Column)
			if err != nil {
				return report, fmt.Errorf("failed to clear %s.%s: %w", in.From, in.Column, err)
			}
			if n > 0 {
				report.ClearedReferences[fmt.Sprintf("%s.%s", in.From, in.Column)] += n
			}
		}

		n, err := x.store.DeleteAll(ctx, t)
		if err != nil {
			return report, fmt.Errorf("failed to delete %s rows: %w", t, err)
		}
		report.Deleted[t] = n
		x.logger.Info().Str("entity_type", string(t)).Int64("deleted", n).Msg("Deleted rows")
	}

	var residual []string
	for _, t := range models.DependencyOrder() {
		if !deleting[t] {
			continue
		}
		n, err := x.store.CountByType(ctx, t)
		if err != nil {
			return report, fmt.Errorf("failed to recount %s: %w", t, err)
		}
		report.Remaining[t] = n
		if n != 0 {
			residual = append(residual, fmt.Sprintf("%s=%d", t, n))
		}
	}
	report.FinishedAt = time.Now().UTC()

	if len(residual) > 0 {
		x.logger.Error().Strs("remaining", residual).Msg("Reversal left rows behind")
		return report, fmt.Errorf("%w: %v", ErrResidualRows, residual)
	}

	x.logger.Info().Int64("deleted", report.TotalDeleted()).Msg("Reversal complete")
	return report, nil
}
