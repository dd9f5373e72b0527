package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ha1tch/storysync/pkg/mapping"
	"github.com/ha1tch/storysync/pkg/models"
	"modernc.org/sqlite" // Pure Go SQLite driver
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store with one relational table per entity type
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	config SQLiteConfig
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	DBPath            string
	EnableWAL         bool // Write-Ahead Logging for better concurrency
	EnableForeignKeys bool
	CacheSize         int // Page cache size in KB
	BusyTimeout       int // Milliseconds to wait on locked database
	InMemory          bool
}

// dsn encodes pragmas as connection parameters so every pooled connection gets them
func (c SQLiteConfig) dsn() string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout),
		fmt.Sprintf("cache_size(-%d)", c.CacheSize),
	}
	if c.EnableForeignKeys {
		pragmas = append(pragmas, "foreign_keys(1)")
	}
	if c.EnableWAL {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}

	sep := "?"
	if strings.Contains(c.DBPath, "?") {
		sep = "&"
	}
	return c.DBPath + sep + strings.Join(params, "&")
}

// NewSQLiteStore opens the database and creates the entity, audit and lock tables
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	if config.DBPath == "" {
		config.DBPath = "storysync.db"
	}

	db, err := sql.Open("sqlite", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.InMemory {
		// The shared-cache database lives as long as one connection is open
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// initialize creates the necessary tables
func (s *SQLiteStore) initialize(ctx context.Context) error {
	var ddl strings.Builder
	for _, t := range models.DependencyOrder() {
		schema, _ := models.SchemaFor(t)
		ddl.WriteString(createTableSQL(schema))
	}
	ddl.WriteString(auditSchema)

	if _, err := s.db.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)",
		time.Now().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

func createTableSQL(schema models.TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", schema.Table)
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	b.WriteString("\texternal_id TEXT UNIQUE,\n")
	b.WriteString("\tname TEXT NOT NULL DEFAULT '',\n")
	b.WriteString("\tname_key TEXT NOT NULL DEFAULT '',\n")
	b.WriteString("\tattributes TEXT NOT NULL DEFAULT '{}',\n")
	b.WriteString("\tsource_links TEXT NOT NULL DEFAULT '{}',\n")
	for _, fk := range schema.ForeignKeys {
		target, _ := models.SchemaFor(fk.Target)
		fmt.Fprintf(&b, "\t%s INTEGER REFERENCES %s(id),\n", fk.Column, target.Table)
	}
	for _, a := range schema.Associations {
		fmt.Fprintf(&b, "\t%s TEXT NOT NULL DEFAULT '[]',\n", a.Column)
	}
	b.WriteString("\tcreated_at TEXT NOT NULL,\n")
	b.WriteString("\tupdated_at TEXT NOT NULL\n);\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_name_key ON %s(name_key);\n", schema.Table, schema.Table)
	for _, fk := range schema.ForeignKeys {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);\n", schema.Table, fk.Column, schema.Table, fk.Column)
	}
	return b.String()
}

// Info returns store information
func (s *SQLiteStore) Info() StoreInfo {
	return StoreInfo{
		Type:             "sqlite",
		Version:          "1.0.0",
		Path:             s.config.DBPath,
		ForeignKeys:      s.config.EnableForeignKeys,
		SupportsRunAudit: true,
		SupportsAdvisory: true,
	}
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// layout describes the column list of one entity table
type layout struct {
	schema models.TableSchema
}

func layoutFor(t models.EntityType) (layout, error) {
	schema, ok := models.SchemaFor(t)
	if !ok {
		return layout{}, fmt.Errorf("%w: %s", ErrInvalidEntity, t)
	}
	return layout{schema: schema}, nil
}

func (l layout) selectColumns() string {
	cols := []string{"id", "external_id", "name", "attributes", "source_links"}
	for _, fk := range l.schema.ForeignKeys {
		cols = append(cols, fk.Column)
	}
	for _, a := range l.schema.Associations {
		cols = append(cols, a.Column)
	}
	cols = append(cols, "created_at", "updated_at")
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (l layout) scan(rs rowScanner) (*models.TargetEntity, error) {
	var (
		ext              sql.NullString
		attrs, links     string
		created, updated string
	)
	e := models.NewTargetEntity(l.schema.Type)
	fks := make([]sql.NullInt64, len(l.schema.ForeignKeys))
	assocs := make([]string, len(l.schema.Associations))

	dest := []interface{}{&e.ID, &ext, &e.Name, &attrs, &links}
	for i := range fks {
		dest = append(dest, &fks[i])
	}
	for i := range assocs {
		dest = append(dest, &assocs[i])
	}
	dest = append(dest, &created, &updated)

	if err := rs.Scan(dest...); err != nil {
		return nil, err
	}

	e.ExternalID = ext.String
	if err := decodeJSON(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of %s %d: %w", l.schema.Type, e.ID, err)
	}
	if err := decodeJSON(links, &e.SourceLinks); err != nil {
		return nil, fmt.Errorf("failed to decode source links of %s %d: %w", l.schema.Type, e.ID, err)
	}
	for i, fk := range l.schema.ForeignKeys {
		if fks[i].Valid {
			e.ForeignKeys[fk.Column] = fks[i].Int64
		}
	}
	for i, a := range l.schema.Associations {
		var ids []int64
		if err := decodeJSON(assocs[i], &ids); err != nil {
			return nil, fmt.Errorf("failed to decode %s of %s %d: %w", a.Column, l.schema.Type, e.ID, err)
		}
		e.Links[a.Column] = models.SortedIDs(ids)
	}
	e.CreatedAt, _ = time.Parse(timeLayout, created)
	e.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return e, nil
}

// Get retrieves an entity by ID
func (s *SQLiteStore) Get(ctx context.Context, t models.EntityType, id int64) (*models.TargetEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", l.selectColumns(), l.schema.Table), id)
	e, err := l.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	return e, nil
}

// FindByExternalID retrieves an entity by its source identifier
func (s *SQLiteStore) FindByExternalID(ctx context.Context, t models.EntityType, externalID string) (*models.TargetEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE external_id = ?", l.selectColumns(), l.schema.Table), externalID)
	e, err := l.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	return e, nil
}

// FindByName returns rows whose normalized name equals the normalized argument
func (s *SQLiteStore) FindByName(ctx context.Context, t models.EntityType, name string) ([]*models.TargetEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return nil, err
	}
	return s.queryEntities(ctx, l,
		fmt.Sprintf("SELECT %s FROM %s WHERE name_key = ? ORDER BY id", l.selectColumns(), l.schema.Table),
		mapping.NormalizeName(name))
}

// List returns every row of an entity table ordered by id
func (s *SQLiteStore) List(ctx context.Context, t models.EntityType) ([]*models.TargetEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return nil, err
	}
	return s.queryEntities(ctx, l,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY id", l.selectColumns(), l.schema.Table))
}

// ListPage returns one page of rows and the total row count
func (s *SQLiteStore) ListPage(ctx context.Context, t models.EntityType, offset, limit int) ([]*models.TargetEntity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", l.schema.Table)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count %s: %w", t, err)
	}

	items, err := s.queryEntities(ctx, l,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY id LIMIT ? OFFSET ?", l.selectColumns(), l.schema.Table),
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *SQLiteStore) queryEntities(ctx context.Context, l layout, query string, args ...interface{}) ([]*models.TargetEntity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", l.schema.Type, err)
	}
	defer rows.Close()

	var out []*models.TargetEntity
	for rows.Next() {
		e, err := l.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Insert creates a row and sets e.ID
func (s *SQLiteStore) Insert(ctx context.Context, e *models.TargetEntity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layoutFor(e.Type)
	if err != nil {
		return 0, err
	}

	attrs, links, err := encodeEntityJSON(e)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	cols := []string{"external_id", "name", "name_key", "attributes", "source_links"}
	args := []interface{}{nullString(e.ExternalID), e.Name, mapping.NormalizeName(e.Name), attrs, links}
	for _, fk := range l.schema.ForeignKeys {
		cols = append(cols, fk.Column)
		args = append(args, nullInt(e.ForeignKeys[fk.Column]))
	}
	for _, a := range l.schema.Associations {
		cols = append(cols, a.Column)
		args = append(args, encodeIDs(e.Links[a.Column]))
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now.Format(timeLayout), now.Format(timeLayout))

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		l.schema.Table, strings.Join(cols, ", "), placeholders(len(cols)))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", e.Key(), classify(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	e.ID = id
	e.CreatedAt = now
	e.UpdatedAt = now
	return id, nil
}

// Update rewrites the mutable columns of a row. Association columns are
// owned by ApplyAssociations and left untouched.
func (s *SQLiteStore) Update(ctx context.Context, e *models.TargetEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layoutFor(e.Type)
	if err != nil {
		return err
	}

	attrs, links, err := encodeEntityJSON(e)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sets := []string{"external_id = ?", "name = ?", "name_key = ?", "attributes = ?", "source_links = ?"}
	args := []interface{}{nullString(e.ExternalID), e.Name, mapping.NormalizeName(e.Name), attrs, links}
	for _, fk := range l.schema.ForeignKeys {
		sets = append(sets, fk.Column+" = ?")
		args = append(args, nullInt(e.ForeignKeys[fk.Column]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now.Format(timeLayout), e.ID)

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", l.schema.Table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", e.Key(), classify(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	e.UpdatedAt = now
	return nil
}

// Delete removes a row. Fails with ErrConstraint while other rows reference it.
func (s *SQLiteStore) Delete(ctx context.Context, t models.EntityType, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layoutFor(t)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", l.schema.Table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", t, id, classify(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll removes every row of an entity table
func (s *SQLiteStore) DeleteAll(ctx context.Context, t models.EntityType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layoutFor(t)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", l.schema.Table))
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s rows: %w", t, classify(err))
	}
	return result.RowsAffected()
}

// ClearForeignKey sets a foreign key column to NULL on every row
func (s *SQLiteStore) ClearForeignKey(ctx context.Context, t models.EntityType, column string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layoutFor(t)
	if err != nil {
		return 0, err
	}
	if _, ok := l.schema.ForeignKeyFor(column); !ok {
		return 0, fmt.Errorf("%s has no foreign key %s", t, column)
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = NULL, updated_at = ? WHERE %s IS NOT NULL", l.schema.Table, column, column),
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s.%s: %w", l.schema.Table, column, err)
	}
	return result.RowsAffected()
}

// ClearAssociation empties an association column on every row
func (s *SQLiteStore) ClearAssociation(ctx context.Context, t models.EntityType, column string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layoutFor(t)
	if err != nil {
		return 0, err
	}
	if _, ok := l.schema.AssociationFor(column); !ok {
		return 0, fmt.Errorf("%s has no association %s", t, column)
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = '[]', updated_at = ? WHERE %s <> '[]'", l.schema.Table, column, column),
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s.%s: %w", l.schema.Table, column, err)
	}
	return result.RowsAffected()
}

// ApplyAssociations writes all association updates in one transaction so
// both sides of a symmetric link change together
func (s *SQLiteStore) ApplyAssociations(ctx context.Context, updates []AssociationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	for _, u := range updates {
		l, err := layoutFor(u.Type)
		if err != nil {
			return err
		}
		if len(u.Links) == 0 {
			continue
		}

		var sets []string
		var args []interface{}
		for _, a := range l.schema.Associations {
			ids, ok := u.Links[a.Column]
			if !ok {
				continue
			}
			sets = append(sets, a.Column+" = ?")
			args = append(args, encodeIDs(ids))
		}
		if len(sets) == 0 {
			continue
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, now, u.ID)

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", l.schema.Table, strings.Join(sets, ", ")), args...); err != nil {
			return fmt.Errorf("failed to update associations of %s %d: %w", u.Type, u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CountByType returns the number of rows in an entity table
func (s *SQLiteStore) CountByType(ctx context.Context, t models.EntityType) (int, error) {
	return s.count(ctx, t, "")
}

// CountMigrated returns the number of rows carrying an external_id
func (s *SQLiteStore) CountMigrated(ctx context.Context, t models.EntityType) (int, error) {
	return s.count(ctx, t, "WHERE external_id IS NOT NULL")
}

func (s *SQLiteStore) count(ctx context.Context, t models.EntityType, where string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s %s", l.schema.Table, where)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t, err)
	}
	return n, nil
}

// FindOrphans returns rows of t whose fk column points at a missing row
func (s *SQLiteStore) FindOrphans(ctx context.Context, t models.EntityType, fk models.ForeignKey) ([]Orphan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := layoutFor(t)
	if err != nil {
		return nil, err
	}
	target, err := layoutFor(fk.Target)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.external_id, c.%[1]s
		FROM %[2]s c
		LEFT JOIN %[3]s p ON p.id = c.%[1]s
		WHERE c.%[1]s IS NOT NULL AND p.id IS NULL
		ORDER BY c.id
	`, fk.Column, l.schema.Table, target.schema.Table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans of %s.%s: %w", l.schema.Table, fk.Column, err)
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var (
			o   = Orphan{Type: t, Column: fk.Column}
			ext sql.NullString
		)
		if err := rows.Scan(&o.ID, &ext, &o.MissingID); err != nil {
			return nil, err
		}
		o.ExternalID = ext.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func encodeEntityJSON(e *models.TargetEntity) (string, string, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal attributes: %w", err)
	}
	links := e.SourceLinks
	if links == nil {
		links = map[string][]string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal source links: %w", err)
	}
	return string(attrsJSON), string(linksJSON), nil
}

func encodeIDs(ids []int64) string {
	sorted := models.SortedIDs(ids)
	data, _ := json.Marshal(sorted)
	return string(data)
}

func decodeJSON(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// classify maps driver constraint errors onto storage sentinels
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE && strings.Contains(se.Error(), "external_id"):
			return fmt.Errorf("%w: %w", ErrDuplicateExternalID, err)
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %w", ErrConstraint, err)
		}
		return err
	}

	// drivers without result codes
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "external_id"):
		return fmt.Errorf("%w: %v", ErrDuplicateExternalID, err)
	case strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}
