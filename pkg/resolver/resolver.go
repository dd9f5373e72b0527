// Package resolver maps source records onto existing target rows and turns
// source references into foreign keys.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ha1tch/storysync/pkg/mapping"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/rs/zerolog"
)

// Method says how a record was matched to a target row
type Method string

const (
	MethodExternalID Method = "external_id"
	MethodName       Method = "name"
	MethodNew        Method = "new"
)

// Fallback attaches an unresolved foreign key column to a named default entity
type Fallback struct {
	Type   models.EntityType
	Column string
	Name   string
}

// Config controls the optional resolution rules
type Config struct {
	Fallbacks []Fallback
	// IdentityNameMatch lists types whose organic rows may be adopted by
	// name when no row carries the record's external id
	IdentityNameMatch []models.EntityType
	MinMatchLength    int
}

// Resolution is the outcome of resolving one record
type Resolution struct {
	// Entity is the desired row state. Entity.ID is set when it maps to an existing row.
	Entity   *models.TargetEntity
	Existing *models.TargetEntity
	Method   Method
	Errors   []models.MigrationError
}

// Resolver applies the resolution order: external id, cross reference,
// normalized name, configured fallback
type Resolver struct {
	fallbacks map[models.EntityType]map[string]string
	identity  map[models.EntityType]bool
	minLen    int
	logger    zerolog.Logger
}

// New creates a resolver
func New(cfg Config, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		fallbacks: make(map[models.EntityType]map[string]string),
		identity:  make(map[models.EntityType]bool),
		minLen:    cfg.MinMatchLength,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
	if r.minLen <= 0 {
		r.minLen = 3
	}
	for _, fb := range cfg.Fallbacks {
		if r.fallbacks[fb.Type] == nil {
			r.fallbacks[fb.Type] = make(map[string]string)
		}
		r.fallbacks[fb.Type][fb.Column] = fb.Name
	}
	for _, t := range cfg.IdentityNameMatch {
		r.identity[t] = true
	}
	return r
}

// Resolve maps a source record to its desired target state. Every record of
// the run should be registered with idx.AddBatch before the first Resolve,
// so that name matches are decided over the whole batch. An unregistered
// record is registered here.
func (r *Resolver) Resolve(rec models.SourceRecord, idx *EntityIndex) *Resolution {
	if !idx.InBatch(rec.Type, rec.ExternalID) {
		idx.AddBatch(rec)
	}
	spec := mapping.SpecFor(rec.Type)
	fields := mapping.Fields(rec.Fields)

	e := models.NewTargetEntity(rec.Type)
	e.ExternalID = rec.ExternalID
	e.Name = spec.Name(fields)
	e.Attributes = spec.Attrs(fields)
	e.SourceLinks = spec.SourceLinks(fields)

	res := &Resolution{Entity: e, Method: MethodNew}

	if existing, ok := idx.ByExternalID(rec.Type, rec.ExternalID); ok {
		e.ID = existing.ID
		res.Existing = existing
		res.Method = MethodExternalID
	} else if r.identity[rec.Type] && e.Name != "" {
		r.resolveIdentityByName(res, idx)
	}

	for _, ref := range spec.Refs {
		r.resolveRef(res, fields, ref, idx)
	}

	return res
}

func (r *Resolver) resolveIdentityByName(res *Resolution, idx *EntityIndex) {
	e := res.Entity
	a, ok := r.adoptions(e.Type, idx)[e.ExternalID]
	if !ok {
		return
	}
	if a.err != nil {
		res.Errors = append(res.Errors, resolveError(e, a.err))
		r.logger.Warn().Err(a.err).Str("entity_type", string(e.Type)).Str("external_id", e.ExternalID).
			Msg("Ambiguous identity match, inserting as new row")
		return
	}

	existing, ok := idx.ByID(e.Type, a.id)
	if !ok {
		return
	}
	e.ID = a.id
	res.Existing = existing
	res.Method = MethodName
	r.logger.Debug().
		Str("entity_type", string(e.Type)).
		Str("external_id", e.ExternalID).
		Int64("id", a.id).
		Msg("Adopted existing row by name")
}

// adoptions returns the identity plan of t, computing it on first use
func (r *Resolver) adoptions(t models.EntityType, idx *EntityIndex) map[string]adoption {
	if !r.identity[t] {
		return nil
	}
	if plan, ok := idx.plannedAdoptions(t); ok {
		return plan
	}
	plan := r.planAdoptions(t, idx)
	idx.setAdoptions(t, plan)
	return plan
}

// planAdoptions decides, for the whole batch of t at once, which record
// adopts which organic row. Each record bids on its best matching row; a
// row goes to the single highest bid. Tied bids adopt nothing and fail.
func (r *Resolver) planAdoptions(t models.EntityType, idx *EntityIndex) map[string]adoption {
	plan := make(map[string]adoption)
	organic := idx.storeCandidates(t, true)
	if len(organic) == 0 {
		return plan
	}
	names := make(map[int64]string, len(organic))
	for _, c := range organic {
		names[c.id] = c.name
	}

	type bid struct {
		externalID string
		score      int
	}
	bids := make(map[int64][]bid)
	for _, rec := range idx.batchCandidates(t) {
		if rec.name == "" {
			continue
		}
		if _, ok := idx.ByExternalID(t, rec.externalID); ok {
			continue
		}
		c, score, err := scoredMatch(rec.name, organic, r.minLen)
		switch {
		case errors.Is(err, ErrAmbiguousMatch):
			plan[rec.externalID] = adoption{err: err}
		case err == nil:
			bids[c.id] = append(bids[c.id], bid{externalID: rec.externalID, score: score})
		}
	}

	for id, bs := range bids {
		best := 0
		var top []string
		for _, b := range bs {
			switch {
			case b.score > best:
				best = b.score
				top = []string{b.externalID}
			case b.score == best:
				top = append(top, b.externalID)
			}
		}
		if len(top) == 1 {
			plan[top[0]] = adoption{id: id}
			continue
		}
		err := fmt.Errorf("%w: %s %q is matched equally by %s", ErrAmbiguousMatch, t, names[id], strings.Join(top, ", "))
		for _, ext := range top {
			plan[ext] = adoption{err: err}
		}
	}
	return plan
}

func (r *Resolver) resolveRef(res *Resolution, fields mapping.Fields, ref mapping.RefField, idx *EntityIndex) {
	e := res.Entity

	if ext := fields.String(ref.IDKeys...); ext != "" {
		if target, ok := idx.ByExternalID(ref.Target, ext); ok {
			e.SetFK(ref.Column, target.ID)
			return
		}
		if idx.InBatch(ref.Target, ext) {
			e.SetPending(ref.Column, models.Ref{Type: ref.Target, ExternalID: ext})
			return
		}
		r.fallbackOrUnresolved(res, ref, ext, fmt.Sprintf("%s %q not found", ref.Target, ext), idx)
		return
	}

	if name := fields.String(ref.NameKeys...); name != "" {
		cands := idx.refCandidates(ref.Target, r.adoptions(ref.Target, idx))
		c, _, err := matchCandidates(name, cands, r.minLen)
		switch {
		case err == nil && c.batch:
			e.SetPending(ref.Column, models.Ref{Type: ref.Target, ExternalID: c.externalID})
		case err == nil:
			e.SetFK(ref.Column, c.id)
		case errors.Is(err, ErrAmbiguousMatch):
			res.Errors = append(res.Errors, resolveError(e, fmt.Errorf("%s: %w", ref.Column, err)))
			e.Unresolved = append(e.Unresolved, unresolved(e, ref.Column, name, err.Error()))
		default:
			r.fallbackOrUnresolved(res, ref, name, fmt.Sprintf("no %s named %q", ref.Target, name), idx)
		}
		return
	}

	schema, _ := models.SchemaFor(e.Type)
	fk, _ := schema.ForeignKeyFor(ref.Column)
	if _, ok := r.fallbacks[e.Type][ref.Column]; ok || fk.Required {
		r.fallbackOrUnresolved(res, ref, "", "no reference in source record", idx)
	}
}

// fallbackOrUnresolved attaches the configured default entity, or records
// the column as unresolved
func (r *Resolver) fallbackOrUnresolved(res *Resolution, ref mapping.RefField, reference, reason string, idx *EntityIndex) {
	e := res.Entity

	name, ok := r.fallbacks[e.Type][ref.Column]
	if !ok {
		e.Unresolved = append(e.Unresolved, unresolved(e, ref.Column, reference, reason))
		return
	}

	key := mapping.NormalizeName(name)
	for _, c := range idx.storeCandidates(ref.Target, false) {
		if mapping.NormalizeName(c.name) == key {
			e.SetFK(ref.Column, c.id)
			r.logger.Debug().
				Str("entity_type", string(e.Type)).
				Str("external_id", e.ExternalID).
				Str("column", ref.Column).
				Str("fallback", name).
				Msg("Attached fallback entity")
			return
		}
	}
	for _, c := range idx.batchCandidates(ref.Target) {
		if mapping.NormalizeName(c.name) == key {
			e.SetPending(ref.Column, models.Ref{Type: ref.Target, ExternalID: c.externalID})
			return
		}
	}

	e.Unresolved = append(e.Unresolved, unresolved(e, ref.Column, reference,
		fmt.Sprintf("%s; fallback %s %q not found", reason, ref.Target, name)))
}

func unresolved(e *models.TargetEntity, column, reference, reason string) models.UnresolvedRef {
	return models.UnresolvedRef{
		EntityType: e.Type,
		ExternalID: e.ExternalID,
		Column:     column,
		Reference:  reference,
		Reason:     reason,
	}
}

func resolveError(e *models.TargetEntity, err error) models.MigrationError {
	return models.MigrationError{
		EntityType: e.Type,
		ExternalID: e.ExternalID,
		Stage:      models.StageResolve,
		Message:    err.Error(),
		Retryable:  false,
	}
}
