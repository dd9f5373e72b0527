package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ha1tch/storysync/pkg/models"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")
	// ErrDuplicateExternalID is returned when an insert collides with an existing external_id
	ErrDuplicateExternalID = errors.New("duplicate external_id")
	// ErrConstraint is returned when a foreign key or other constraint rejects a write
	ErrConstraint = errors.New("constraint violation")
	// ErrInvalidEntity is returned for an unknown entity type
	ErrInvalidEntity = errors.New("invalid entity type")
	// ErrRunNotFound is returned when a migration run does not exist
	ErrRunNotFound = errors.New("migration run not found")
)

// Store is the typed target store the migration engine reads and writes.
// Backends must enforce foreign keys: inserting a row whose foreign key
// dangles fails with ErrConstraint.
type Store interface {
	// Typed reads
	Get(ctx context.Context, t models.EntityType, id int64) (*models.TargetEntity, error)
	FindByExternalID(ctx context.Context, t models.EntityType, externalID string) (*models.TargetEntity, error)
	FindByName(ctx context.Context, t models.EntityType, name string) ([]*models.TargetEntity, error)
	List(ctx context.Context, t models.EntityType) ([]*models.TargetEntity, error)

	// Typed writes. Update never touches association columns.
	Insert(ctx context.Context, e *models.TargetEntity) (int64, error)
	Update(ctx context.Context, e *models.TargetEntity) error
	Delete(ctx context.Context, t models.EntityType, id int64) error

	// Counts
	CountByType(ctx context.Context, t models.EntityType) (int, error)
	CountMigrated(ctx context.Context, t models.EntityType) (int, error)

	// Bulk operations
	DeleteAll(ctx context.Context, t models.EntityType) (int64, error)
	ClearForeignKey(ctx context.Context, t models.EntityType, column string) (int64, error)
	ClearAssociation(ctx context.Context, t models.EntityType, column string) (int64, error)
	ApplyAssociations(ctx context.Context, updates []AssociationUpdate) error

	// Integrity
	FindOrphans(ctx context.Context, t models.EntityType, fk models.ForeignKey) ([]Orphan, error)

	// Lifecycle
	Close() error
}

// AssociationUpdate replaces the association columns of one row
type AssociationUpdate struct {
	Type  models.EntityType
	ID    int64
	Links map[string][]int64
}

// Orphan is a row whose foreign key references a missing row
type Orphan struct {
	Type       models.EntityType `json:"entity_type"`
	ID         int64             `json:"id"`
	ExternalID string            `json:"external_id,omitempty"`
	Column     string            `json:"column"`
	MissingID  int64             `json:"missing_id"`
}

// Pager defines optional paginated listing, used by the read API
type Pager interface {
	ListPage(ctx context.Context, t models.EntityType, offset, limit int) ([]*models.TargetEntity, int, error)
}

// RunRecorder persists the migration run audit trail
type RunRecorder interface {
	SaveRun(ctx context.Context, run *models.MigrationRun) error
	GetRun(ctx context.Context, runID string) (*models.MigrationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.MigrationRun, error)
}

// LockStore provides a named advisory lock with expiry
type LockStore interface {
	TryLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, holder string) error
}

// StoreInfo provides metadata about the store implementation
type StoreInfo struct {
	Type             string
	Version          string
	Path             string
	ForeignKeys      bool
	SupportsRunAudit bool
	SupportsAdvisory bool
}

// InfoProvider allows stores to provide metadata about their capabilities
type InfoProvider interface {
	Info() StoreInfo
}
