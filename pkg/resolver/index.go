package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ha1tch/storysync/pkg/mapping"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/storage"
)

// EntityIndex is the in-memory view of the target store used during a run.
// It also remembers which source records belong to the current run so that
// references to not-yet-committed rows can be deferred instead of dropped.
type EntityIndex struct {
	mu         sync.RWMutex
	byID       map[models.EntityType]map[int64]*models.TargetEntity
	byExternal map[models.EntityType]map[string]*models.TargetEntity
	batch      map[models.EntityType]map[string]string // external id -> name
	adoptions  map[models.EntityType]map[string]adoption
}

// adoption is the planned identity match of one batch record onto an
// organic row. err is set when the record may not adopt anything.
type adoption struct {
	id  int64
	err error
}

// NewEntityIndex creates an empty index
func NewEntityIndex() *EntityIndex {
	return &EntityIndex{
		byID:       make(map[models.EntityType]map[int64]*models.TargetEntity),
		byExternal: make(map[models.EntityType]map[string]*models.TargetEntity),
		batch:      make(map[models.EntityType]map[string]string),
		adoptions:  make(map[models.EntityType]map[string]adoption),
	}
}

// LoadIndex reads every row of the given types from the store
func LoadIndex(ctx context.Context, store storage.Store, types []models.EntityType) (*EntityIndex, error) {
	idx := NewEntityIndex()
	for _, t := range types {
		rows, err := store.List(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s index: %w", t, err)
		}
		for _, e := range rows {
			idx.Add(e)
		}
	}
	return idx, nil
}

// Add inserts or replaces an entity
func (ix *EntityIndex) Add(e *models.TargetEntity) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.byID[e.Type] == nil {
		ix.byID[e.Type] = make(map[int64]*models.TargetEntity)
		ix.byExternal[e.Type] = make(map[string]*models.TargetEntity)
	}
	if old, ok := ix.byID[e.Type][e.ID]; ok && old.ExternalID != "" && old.ExternalID != e.ExternalID {
		delete(ix.byExternal[e.Type], old.ExternalID)
	}
	ix.byID[e.Type][e.ID] = e
	if e.ExternalID != "" {
		ix.byExternal[e.Type][e.ExternalID] = e
	}
}

// Remove drops an entity
func (ix *EntityIndex) Remove(t models.EntityType, id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e, ok := ix.byID[t][id]; ok {
		delete(ix.byID[t], id)
		if e.ExternalID != "" {
			delete(ix.byExternal[t], e.ExternalID)
		}
	}
}

// ByID returns an entity by target id
func (ix *EntityIndex) ByID(t models.EntityType, id int64) (*models.TargetEntity, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byID[t][id]
	return e, ok
}

// ByExternalID returns an entity by source id
func (ix *EntityIndex) ByExternalID(t models.EntityType, externalID string) (*models.TargetEntity, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byExternal[t][externalID]
	return e, ok
}

// Entities returns all entities of a type ordered by id
func (ix *EntityIndex) Entities(t models.EntityType) []*models.TargetEntity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*models.TargetEntity, 0, len(ix.byID[t]))
	for _, e := range ix.byID[t] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of indexed entities of a type
func (ix *EntityIndex) Len(t models.EntityType) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID[t])
}

// AddBatch registers a source record of the current run
func (ix *EntityIndex) AddBatch(rec models.SourceRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.batch[rec.Type] == nil {
		ix.batch[rec.Type] = make(map[string]string)
	}
	ix.batch[rec.Type][rec.ExternalID] = mapping.SpecFor(rec.Type).Name(rec.Fields)
	delete(ix.adoptions, rec.Type)
}

// InBatch reports whether the current run carries a record with this id
func (ix *EntityIndex) InBatch(t models.EntityType, externalID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.batch[t][externalID]
	return ok
}

// batchCandidates returns the current run's records of t as name candidates
func (ix *EntityIndex) batchCandidates(t models.EntityType) []candidate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]candidate, 0, len(ix.batch[t]))
	for ext, name := range ix.batch[t] {
		out = append(out, candidate{externalID: ext, name: name, batch: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].externalID < out[j].externalID })
	return out
}

// storeCandidates returns committed rows of t as name candidates.
// organicOnly restricts to rows without an external id.
func (ix *EntityIndex) storeCandidates(t models.EntityType, organicOnly bool) []candidate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]candidate, 0, len(ix.byID[t]))
	for id, e := range ix.byID[t] {
		if organicOnly && e.ExternalID != "" {
			continue
		}
		out = append(out, candidate{id: id, externalID: e.ExternalID, name: e.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// refCandidates returns committed rows of t followed by the current run's
// records of t that have no committed row yet. A record that adopts an
// organic row is represented by that row.
func (ix *EntityIndex) refCandidates(t models.EntityType, plan map[string]adoption) []candidate {
	out := ix.storeCandidates(t, false)
	for _, c := range ix.batchCandidates(t) {
		if _, ok := ix.ByExternalID(t, c.externalID); ok {
			continue
		}
		if a, ok := plan[c.externalID]; ok && a.err == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// plannedAdoptions returns the adoption plan of t, if one was computed since
// the last AddBatch of that type
func (ix *EntityIndex) plannedAdoptions(t models.EntityType) (map[string]adoption, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	plan, ok := ix.adoptions[t]
	return plan, ok
}

func (ix *EntityIndex) setAdoptions(t models.EntityType, plan map[string]adoption) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.adoptions[t] = plan
}
