package models

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a migration run
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunPartial    RunStatus = "partial"
	RunFailed     RunStatus = "failed"
)

// Stage names the pipeline step where a record failed
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageResolve Stage = "resolve"
	StageUpsert  Stage = "upsert"
	StageLink    Stage = "link"
)

// MigrationError is a per-record failure. It never aborts a batch.
type MigrationError struct {
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id,omitempty"`
	Stage      Stage      `json:"stage"`
	Message    string     `json:"message"`
	Retryable  bool       `json:"retryable"`
}

func (e MigrationError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("%s %s: %s", e.Stage, e.EntityType, e.Message)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Stage, e.EntityType, e.ExternalID, e.Message)
}

// UnresolvedRef is a reference left NULL for manual follow-up
type UnresolvedRef struct {
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`
	Column     string     `json:"column"`
	Reference  string     `json:"reference,omitempty"`
	Reason     string     `json:"reason"`
}

// TypeSummary is the per-entity-type line printed at the end of a run
type TypeSummary struct {
	Fetched    int  `json:"fetched"`
	Resolved   int  `json:"resolved"`
	Inserted   int  `json:"inserted"`
	Updated    int  `json:"updated"`
	Failed     int  `json:"failed"`
	Unresolved int  `json:"unresolved"`
	FetchError bool `json:"fetch_error,omitempty"`
}

// Upserted is the number of source records that ended up as a target row
func (s TypeSummary) Upserted() int {
	return s.Inserted + s.Updated
}

// MigrationRun is the audit record of one migrate invocation.
type MigrationRun struct {
	RunID        string                      `json:"run_id"`
	StartedAt    time.Time                   `json:"started_at"`
	FinishedAt   time.Time                   `json:"finished_at,omitempty"`
	Status       RunStatus                   `json:"status"`
	DryRun       bool                        `json:"dry_run"`
	EntityTypes  []EntityType                `json:"entity_types"`
	EntityCounts map[EntityType]int          `json:"entity_counts"`
	Summaries    map[EntityType]*TypeSummary `json:"summaries"`
	Errors       []MigrationError            `json:"errors"`
	Unresolved   []UnresolvedRef             `json:"unresolved"`
	Report       *VerificationReport         `json:"report,omitempty"`
	Aborted      string                      `json:"aborted,omitempty"`

	mu sync.Mutex
}

// NewMigrationRun creates an in-progress run
func NewMigrationRun(runID string, startedAt time.Time, types []EntityType) *MigrationRun {
	run := &MigrationRun{
		RunID:        runID,
		StartedAt:    startedAt,
		Status:       RunInProgress,
		EntityTypes:  append([]EntityType(nil), types...),
		EntityCounts: make(map[EntityType]int),
		Summaries:    make(map[EntityType]*TypeSummary),
	}
	for _, t := range types {
		run.Summaries[t] = &TypeSummary{}
	}
	return run
}

// AddError records a failure. Safe for concurrent use.
func (r *MigrationRun) AddError(e MigrationError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Errors = append(r.Errors, e)
	s := r.summaryLocked(e.EntityType)
	switch e.Stage {
	case StageFetch:
		if e.ExternalID == "" {
			s.FetchError = true
		}
	case StageUpsert:
		s.Failed++
	}
}

// AddUnresolved records a reference left NULL. Safe for concurrent use.
func (r *MigrationRun) AddUnresolved(u UnresolvedRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Unresolved = append(r.Unresolved, u)
	r.summaryLocked(u.EntityType).Unresolved++
}

// Update runs fn against the summary of an entity type. Safe for concurrent use.
func (r *MigrationRun) Update(t EntityType, fn func(s *TypeSummary)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.summaryLocked(t)
	fn(s)
	r.EntityCounts[t] = s.Fetched
}

// Summary returns a copy of the summary of an entity type
func (r *MigrationRun) Summary(t EntityType) TypeSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.summaryLocked(t)
}

func (r *MigrationRun) summaryLocked(t EntityType) *TypeSummary {
	if r.Summaries == nil {
		r.Summaries = make(map[EntityType]*TypeSummary)
	}
	if r.EntityCounts == nil {
		r.EntityCounts = make(map[EntityType]int)
	}
	s, ok := r.Summaries[t]
	if !ok {
		s = &TypeSummary{}
		r.Summaries[t] = s
	}
	return s
}

// ErrorsFor returns the errors recorded for one entity type
func (r *MigrationRun) ErrorsFor(t EntityType) []MigrationError {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []MigrationError
	for _, e := range r.Errors {
		if e.EntityType == t {
			out = append(out, e)
		}
	}
	return out
}

// ForEachUnresolved calls fn for every recorded unresolved reference
func (r *MigrationRun) ForEachUnresolved(fn func(u UnresolvedRef)) {
	r.mu.Lock()
	list := append([]UnresolvedRef(nil), r.Unresolved...)
	r.mu.Unlock()

	for _, u := range list {
		fn(u)
	}
}

// FailedKeys returns the external ids with an error or unresolved reference,
// grouped by entity type. Used to drive a targeted retry.
func (r *MigrationRun) FailedKeys() map[EntityType]map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[EntityType]map[string]bool)
	add := func(t EntityType, id string) {
		if id == "" {
			return
		}
		if out[t] == nil {
			out[t] = make(map[string]bool)
		}
		out[t][id] = true
	}
	for _, e := range r.Errors {
		add(e.EntityType, e.ExternalID)
	}
	for _, u := range r.Unresolved {
		add(u.EntityType, u.ExternalID)
	}
	return out
}

// Finish stamps the run with its final status
func (r *MigrationRun) Finish(status RunStatus, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Status = status
	r.FinishedAt = at
	sort.SliceStable(r.Errors, func(i, j int) bool {
		return LevelOf(r.Errors[i].EntityType) < LevelOf(r.Errors[j].EntityType)
	})
}

// UpsertResult counts the outcome of one UpsertBatch call
type UpsertResult struct {
	Inserted   int                         `json:"inserted"`
	Updated    int                         `json:"updated"`
	Failed     int                         `json:"failed"`
	Deferred   int                         `json:"deferred"`
	ByType     map[EntityType]*TypeSummary `json:"by_type"`
	Errors     []MigrationError            `json:"errors,omitempty"`
	Unresolved []UnresolvedRef             `json:"unresolved,omitempty"`
}

// NewUpsertResult allocates an empty result
func NewUpsertResult() *UpsertResult {
	return &UpsertResult{ByType: make(map[EntityType]*TypeSummary)}
}

// For returns the per-type counters, allocating as needed
func (u *UpsertResult) For(t EntityType) *TypeSummary {
	s, ok := u.ByType[t]
	if !ok {
		s = &TypeSummary{}
		u.ByType[t] = s
	}
	return s
}

// TypeCounts are the verifier's row counts for one entity type
type TypeCounts struct {
	Total       int `json:"total"`
	Migrated    int `json:"migrated"`
	Organic     int `json:"organic"`
	FullyLinked int `json:"fully_linked"`
}

// Discrepancy kinds
const (
	DiscrepancyOrphan        = "orphan"
	DiscrepancyDanglingLink  = "dangling_link"
	DiscrepancyMissingLink   = "missing_required_link"
	DiscrepancyUnresolved    = "unresolved_reference"
	DiscrepancyCountMismatch = "count_mismatch"
	DiscrepancyZeroLinks     = "zero_links"
)

// Discrepancy is a structured verification finding
type Discrepancy struct {
	Kind       string     `json:"kind"`
	EntityType EntityType `json:"entity_type"`
	ID         int64      `json:"id,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
	Column     string     `json:"column,omitempty"`
	Detail     string     `json:"detail"`
}

// VerificationReport is the authoritative summary of target-store state
type VerificationReport struct {
	RunID           string                    `json:"run_id,omitempty"`
	GeneratedAt     time.Time                 `json:"generated_at"`
	CountsByType    map[EntityType]TypeCounts `json:"counts_by_type"`
	OrphanCounts    map[EntityType]int        `json:"orphan_counts"`
	CoveragePercent float64                   `json:"coverage_percent"`
	CoverageByType  map[EntityType]float64    `json:"coverage_by_type,omitempty"`
	Discrepancies   []Discrepancy             `json:"discrepancies"`
}

// TotalOrphans sums orphan counts across entity types
func (r *VerificationReport) TotalOrphans() int {
	n := 0
	for _, c := range r.OrphanCounts {
		n += c
	}
	return n
}

// HasOrphans reports whether any foreign key dangles
func (r *VerificationReport) HasOrphans() bool {
	return r.TotalOrphans() > 0
}

// DeletionReport is the outcome of a reversal
type DeletionReport struct {
	Deleted           map[EntityType]int64 `json:"deleted"`
	ClearedReferences map[string]int64     `json:"cleared_references,omitempty"`
	Remaining         map[EntityType]int   `json:"remaining"`
	StartedAt         time.Time            `json:"started_at"`
	FinishedAt        time.Time            `json:"finished_at"`
}

// TotalDeleted sums deleted rows across entity types
func (d *DeletionReport) TotalDeleted() int64 {
	var n int64
	for _, c := range d.Deleted {
		n += c
	}
	return n
}
