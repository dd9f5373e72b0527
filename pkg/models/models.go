package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityType names one kind of migrated entity. Each type maps to one table.
type EntityType string

const (
	Organization EntityType = "organization"
	Location     EntityType = "location"
	Project      EntityType = "project"
	Storyteller  EntityType = "storyteller"
	Story        EntityType = "story"
	Theme        EntityType = "theme"
	Quote        EntityType = "quote"
	Media        EntityType = "media"
)

// ParseEntityType accepts singular, plural and capitalised forms ("Stories", "story").
func ParseEntityType(s string) (EntityType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "organization", "organizations", "organisation", "organisations":
		return Organization, nil
	case "location", "locations":
		return Location, nil
	case "project", "projects":
		return Project, nil
	case "storyteller", "storytellers":
		return Storyteller, nil
	case "story", "stories":
		return Story, nil
	case "theme", "themes":
		return Theme, nil
	case "quote", "quotes":
		return Quote, nil
	case "media":
		return Media, nil
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	_, ok := schemas[t]
	return ok
}

func (t EntityType) String() string {
	return string(t)
}

// SourceRecord is a record as fetched from the source system. It is never persisted.
type SourceRecord struct {
	ExternalID string                 `json:"external_id"`
	Type       EntityType             `json:"entity_type"`
	Fields     map[string]interface{} `json:"fields"`
}

// Ref points at another entity by its source identifier
type Ref struct {
	Type       EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ExternalID)
}

// TargetEntity is one row of an entity table in the target store.
type TargetEntity struct {
	ID         int64                  `json:"id"`
	Type       EntityType             `json:"entity_type"`
	ExternalID string                 `json:"external_id,omitempty"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// ForeignKeys holds non-null foreign key columns. A missing column is NULL.
	ForeignKeys map[string]int64 `json:"foreign_keys,omitempty"`

	// Links holds association columns (array-of-ids).
	Links map[string][]int64 `json:"links,omitempty"`

	// SourceLinks holds association references by external id as read from the
	// source payload. The relationship builder turns them into Links.
	SourceLinks map[string][]string `json:"source_links,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// PendingRefs are foreign keys pointing at records of the current run that
	// had not been committed when the entity was resolved.
	PendingRefs map[string]Ref `json:"-"`

	// Unresolved lists references that could not be matched during resolution.
	Unresolved []UnresolvedRef `json:"-"`
}

// NewTargetEntity returns an empty entity of the given type with its maps allocated
func NewTargetEntity(t EntityType) *TargetEntity {
	return &TargetEntity{
		Type:        t,
		Attributes:  make(map[string]interface{}),
		ForeignKeys: make(map[string]int64),
		Links:       make(map[string][]int64),
		SourceLinks: make(map[string][]string),
	}
}

// IsMigrated reports whether the row came from the source system
func (e *TargetEntity) IsMigrated() bool {
	return e.ExternalID != ""
}

// FK returns the value of a foreign key column
func (e *TargetEntity) FK(column string) (int64, bool) {
	id, ok := e.ForeignKeys[column]
	return id, ok && id != 0
}

// SetFK sets a foreign key column; id 0 clears it
func (e *TargetEntity) SetFK(column string, id int64) {
	if e.ForeignKeys == nil {
		e.ForeignKeys = make(map[string]int64)
	}
	if id == 0 {
		delete(e.ForeignKeys, column)
		return
	}
	e.ForeignKeys[column] = id
}

// SetPending records an in-run reference that must be resolved at upsert time
func (e *TargetEntity) SetPending(column string, ref Ref) {
	if e.PendingRefs == nil {
		e.PendingRefs = make(map[string]Ref)
	}
	e.PendingRefs[column] = ref
}

// LinkCount returns the total number of association entries on the entity
func (e *TargetEntity) LinkCount() int {
	n := 0
	for _, ids := range e.Links {
		n += len(ids)
	}
	return n
}

// Key identifies the entity for logs and reports
func (e *TargetEntity) Key() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("%s:%s", e.Type, e.ExternalID)
	}
	return fmt.Sprintf("%s#%d", e.Type, e.ID)
}

// SortedIDs returns a sorted copy of ids with duplicates and zeros removed
func SortedIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

// PagedResponse represents a paginated response
type PagedResponse struct {
	Data       interface{} `json:"data"`
	Pagination struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		TotalItems int `json:"total_items"`
		TotalPages int `json:"total_pages"`
	} `json:"pagination"`
	Links map[string]string `json:"links,omitempty"`
}
