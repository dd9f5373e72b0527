// Package verify re-reads the target store and reports counts, orphans,
// link coverage and discrepancies.
package verify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
)

// Verifier builds verification reports from the target store
type Verifier struct {
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a verifier
func New(store storage.Store, logger zerolog.Logger) *Verifier {
	return &Verifier{
		store:  store,
		logger: logger.With().Str("component", "verify").Logger(),
		now:    time.Now,
	}
}

// Verify reads every entity table and reports its state. With a run, the
// coverage is the share of fetched records that were upserted and the run's
// unresolved references are included; without one, coverage is the share of
// rows that carry all their required links.
func (v *Verifier) Verify(ctx context.Context, run *models.MigrationRun) (*models.VerificationReport, error) {
	report := &models.VerificationReport{
		GeneratedAt:    v.now().UTC(),
		CountsByType:   make(map[models.EntityType]models.TypeCounts),
		OrphanCounts:   make(map[models.EntityType]int),
		CoverageByType: make(map[models.EntityType]float64),
		Discrepancies:  []models.Discrepancy{},
	}
	if run != nil {
		report.RunID = run.RunID
	}

	rows := make(map[models.EntityType][]*models.TargetEntity)
	ids := make(map[models.EntityType]map[int64]bool)
	for _, t := range models.DependencyOrder() {
		list, err := v.store.List(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", t, err)
		}
		rows[t] = list
		ids[t] = make(map[int64]bool, len(list))
		for _, e := range list {
			ids[t][e.ID] = true
		}
	}

	for _, t := range models.DependencyOrder() {
		schema, _ := models.SchemaFor(t)
		counts := models.TypeCounts{Total: len(rows[t])}

		for _, e := range rows[t] {
			if e.IsMigrated() {
				counts.Migrated++
			} else {
				counts.Organic++
			}
			if v.checkLinks(report, schema, e, ids) {
				counts.FullyLinked++
			}
			if e.IsMigrated() && len(schema.Associations) > 0 && e.LinkCount() == 0 {
				report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
					Kind:       models.DiscrepancyZeroLinks,
					EntityType: t,
					ID:         e.ID,
					ExternalID: e.ExternalID,
					Detail:     "no associations",
				})
			}
		}

		for _, fk := range schema.ForeignKeys {
			orphans, err := v.store.FindOrphans(ctx, t, fk)
			if err != nil {
				return nil, fmt.Errorf("failed to find %s orphans: %w", t, err)
			}
			report.OrphanCounts[t] += len(orphans)
			for _, o := range orphans {
				report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
					Kind:       models.DiscrepancyOrphan,
					EntityType: t,
					ID:         o.ID,
					ExternalID: o.ExternalID,
					Column:     o.Column,
					Detail:     fmt.Sprintf("references missing %s %d", fk.Target, o.MissingID),
				})
			}
		}

		report.CountsByType[t] = counts
		if run == nil {
			report.CoverageByType[t] = percent(counts.FullyLinked, counts.Total)
		}
	}

	if run != nil {
		v.runCoverage(report, run)
	} else {
		var linked, total int
		for _, c := range report.CountsByType {
			linked += c.FullyLinked
			total += c.Total
		}
		report.CoveragePercent = percent(linked, total)
	}

	v.logger.Info().
		Int("orphans", report.TotalOrphans()).
		Int("discrepancies", len(report.Discrepancies)).
		Float64("coverage", report.CoveragePercent).
		Msg("Verification complete")
	return report, nil
}

// checkLinks reports dangling association ids and missing required links.
// It returns true when the row has every required link.
func (v *Verifier) checkLinks(report *models.VerificationReport, schema models.TableSchema, e *models.TargetEntity, ids map[models.EntityType]map[int64]bool) bool {
	complete := true

	for _, fk := range schema.ForeignKeys {
		if !fk.Required {
			continue
		}
		if _, ok := e.FK(fk.Column); !ok {
			complete = false
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind:       models.DiscrepancyMissingLink,
				EntityType: schema.Type,
				ID:         e.ID,
				ExternalID: e.ExternalID,
				Column:     fk.Column,
				Detail:     fmt.Sprintf("%s is NULL", fk.Column),
			})
		}
	}

	for _, a := range schema.Associations {
		valid := 0
		for _, id := range e.Links[a.Column] {
			if ids[a.Target][id] {
				valid++
				continue
			}
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind:       models.DiscrepancyDanglingLink,
				EntityType: schema.Type,
				ID:         e.ID,
				ExternalID: e.ExternalID,
				Column:     a.Column,
				Detail:     fmt.Sprintf("links missing %s %d", a.Target, id),
			})
		}
		if a.Required && valid == 0 {
			complete = false
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind:       models.DiscrepancyMissingLink,
				EntityType: schema.Type,
				ID:         e.ID,
				ExternalID: e.ExternalID,
				Column:     a.Column,
				Detail:     fmt.Sprintf("%s is empty", a.Column),
			})
		}
	}
	return complete
}

func (v *Verifier) runCoverage(report *models.VerificationReport, run *models.MigrationRun) {
	var upserted, fetched int
	for _, t := range run.EntityTypes {
		s := run.Summary(t)
		upserted += s.Upserted()
		fetched += s.Fetched
		report.CoverageByType[t] = percent(s.Upserted(), s.Fetched)

		if run.DryRun || s.FetchError {
			continue
		}
		if migrated := report.CountsByType[t].Migrated; migrated < s.Upserted() {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind:       models.DiscrepancyCountMismatch,
				EntityType: t,
				Detail:     fmt.Sprintf("%d upserted but %d migrated rows in store", s.Upserted(), migrated),
			})
		}
	}
	report.CoveragePercent = percent(upserted, fetched)

	run.ForEachUnresolved(func(u models.UnresolvedRef) {
		report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
			Kind:       models.DiscrepancyUnresolved,
			EntityType: u.EntityType,
			ExternalID: u.ExternalID,
			Column:     u.Column,
			Detail:     u.Reason,
		})
	})
}

// percent returns part/whole as a percentage rounded to two decimals.
// An empty whole counts as fully covered.
func percent(part, whole int) float64 {
	if whole == 0 {
		return 100
	}
	return math.Round(float64(part)/float64(whole)*10000) / 100
}
