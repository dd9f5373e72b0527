package pipeline_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ha1tch/storysync/pkg/lock"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/pipeline"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/source"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAPI serves fixed records in pages
type fakeAPI struct {
	mu      sync.Mutex
	records map[models.EntityType][]models.SourceRecord
	failing map[models.EntityType]error
	delay   time.Duration
	calls   map[models.EntityType]int
}

func (f *fakeAPI) FetchPage(ctx context.Context, t models.EntityType, cursor string, pageSize int) (*source.Page, error) {
	f.mu.Lock()
	f.calls[t]++
	err := f.failing[t]
	recs := f.records[t]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err != nil {
		return nil, err
	}

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + pageSize
	if end > len(recs) {
		end = len(recs)
	}
	page := &source.Page{Records: append([]models.SourceRecord(nil), recs[start:end]...)}
	if end < len(recs) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeAPI) set(t models.EntityType, recs ...models.SourceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[t] = recs
}

func rec(id string, fields map[string]interface{}) models.SourceRecord {
	return models.SourceRecord{ExternalID: id, Fields: fields}
}

func scenario() *fakeAPI {
	api := &fakeAPI{
		records: make(map[models.EntityType][]models.SourceRecord),
		failing: make(map[models.EntityType]error),
		calls:   make(map[models.EntityType]int),
	}
	api.set(models.Organization,
		rec("o1", map[string]interface{}{"name": "Orange Sky"}),
		rec("o2", map[string]interface{}{"name": "Orange Sky Geelong"}),
	)
	api.set(models.Location, rec("l1", map[string]interface{}{"name": "Melbourne", "state": "VIC"}))
	api.set(models.Project, rec("p1", map[string]interface{}{"name": "Laundry Van", "org_ref": "o1", "location_ref": "l1"}))
	api.set(models.Storyteller,
		rec("st1", map[string]interface{}{"Full Name": "Jared", "organization_name": "Orange Sky", "project_ref": "p1"}),
		rec("st2", map[string]interface{}{"first_name": "Mia", "last_name": "Chen", "organization_name": "Orange Sky Geelong"}),
	)
	api.set(models.Story,
		rec("s1", map[string]interface{}{"title": "Road to recovery", "storyteller_ref": "st1", "project_ref": "p1", "themes": []interface{}{"th1"}}),
		rec("s2", map[string]interface{}{"title": "Night shift", "storyteller_ref": "st2"}),
	)
	api.set(models.Theme, rec("th1", map[string]interface{}{"name": "Resilience", "keywords": []interface{}{"recovery"}}))
	api.set(models.Quote, rec("q1", map[string]interface{}{"text": "Keep going", "storyteller_ref": "st1", "story_ref": "s1"}))
	api.set(models.Media, rec("m1", map[string]interface{}{"title": "van.jpg", "storyteller_ref": "st2", "story_ref": "s2"}))
	return api
}

func setupPipelineTest(t *testing.T, api *fakeAPI, settings ...pipeline.Settings) (*pipeline.Engine, storage.Store, func()) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewStore("sqlite", map[string]interface{}{"db_path": filepath.Join(dir, "target.db")})
	require.NoError(t, err)
	audit, err := storage.NewJSONFileAuditLog(filepath.Join(dir, "runs.jsonl"))
	require.NoError(t, err)

	s := pipeline.Settings{PageSize: 1, FetchConcurrency: 2}
	if len(settings) > 0 {
		s = settings[0]
	}

	logger := zerolog.Nop()
	engine := pipeline.New(pipeline.Deps{
		Store:  store,
		Reader: source.NewReader(api, 0, logger),
		Resolver: resolver.New(resolver.Config{
			IdentityNameMatch: []models.EntityType{models.Organization, models.Location, models.Project, models.Theme},
		}, logger),
		Locker:   lock.NewStoreLocker(store.(storage.LockStore), logger),
		AuditLog: audit,
	}, s, logger)

	return engine, store, func() { store.Close() }
}

func byExt(t *testing.T, store storage.Store, et models.EntityType, ext string) *models.TargetEntity {
	t.Helper()
	e, err := store.FindByExternalID(context.Background(), et, ext)
	require.NoError(t, err)
	return e
}

func TestMigrate_EndToEnd(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	run, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status, "errors: %v unresolved: %v", run.Errors, run.Unresolved)
	assert.Equal(t, 0, pipeline.ExitCode(run))
	assert.Empty(t, run.Errors)
	assert.Equal(t, 2, run.Summary(models.Storyteller).Inserted)
	assert.Equal(t, 2, run.Summary(models.Story).Fetched)

	o1 := byExt(t, store, models.Organization, "o1")
	o2 := byExt(t, store, models.Organization, "o2")
	st1 := byExt(t, store, models.Storyteller, "st1")
	st2 := byExt(t, store, models.Storyteller, "st2")
	p1 := byExt(t, store, models.Project, "p1")

	assert.Equal(t, "Mia Chen", st2.Name)
	orgID, _ := st1.FK("organization_id")
	assert.Equal(t, o1.ID, orgID)
	orgID, _ = st2.FK("organization_id")
	assert.Equal(t, o2.ID, orgID)
	projectID, _ := st1.FK("project_id")
	assert.Equal(t, p1.ID, projectID)

	s1 := byExt(t, store, models.Story, "s1")
	tellerID, _ := s1.FK("storyteller_id")
	assert.Equal(t, st1.ID, tellerID)
	assert.Equal(t, []int64{st1.ID}, s1.Links["linked_storytellers"])

	th1 := byExt(t, store, models.Theme, "th1")
	assert.Equal(t, []int64{th1.ID}, s1.Links["linked_themes"])
	assert.Equal(t, []int64{s1.ID}, th1.Links["linked_stories"])

	require.NotNil(t, run.Report)
	assert.Zero(t, run.Report.TotalOrphans())
	assert.Equal(t, 100.0, run.Report.CoveragePercent)

	saved, err := engine.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, saved.Status)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	_, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)
	before := make(map[models.EntityType]int)
	for _, et := range models.DependencyOrder() {
		before[et], err = store.CountByType(ctx, et)
		require.NoError(t, err)
	}
	s1 := byExt(t, store, models.Story, "s1")

	run, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	for _, et := range models.DependencyOrder() {
		sum := run.Summary(et)
		assert.Zero(t, sum.Inserted, et)
		assert.Equal(t, sum.Fetched, sum.Updated, et)

		n, err := store.CountByType(ctx, et)
		require.NoError(t, err)
		assert.Equal(t, before[et], n, et)
	}

	again := byExt(t, store, models.Story, "s1")
	assert.Equal(t, s1.ID, again.ID)
	assert.Equal(t, s1.Links, again.Links)
}

func TestMigrate_SingleTypeUsesExistingParents(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	_, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)

	run, err := engine.Migrate(ctx, pipeline.Options{Types: []models.EntityType{models.Story}})
	require.NoError(t, err)
	assert.Equal(t, []models.EntityType{models.Story}, run.EntityTypes)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Summary(models.Story).Updated)

	s2 := byExt(t, store, models.Story, "s2")
	st2 := byExt(t, store, models.Storyteller, "st2")
	tellerID, _ := s2.FK("storyteller_id")
	assert.Equal(t, st2.ID, tellerID)
}

func TestMigrate_UnresolvedReferenceIsPartial(t *testing.T) {
	api := scenario()
	api.set(models.Story,
		rec("s1", map[string]interface{}{"title": "Road to recovery", "storyteller_ref": "st1"}),
		rec("s2", map[string]interface{}{"title": "Night shift", "storyteller_ref": "st2"}),
		rec("s3", map[string]interface{}{"title": "Lost", "storyteller_ref": "st-missing"}),
	)
	engine, store, cleanup := setupPipelineTest(t, api)
	defer cleanup()

	run, err := engine.Migrate(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 1, pipeline.ExitCode(run))
	require.Len(t, run.Unresolved, 1)
	assert.Equal(t, "s3", run.Unresolved[0].ExternalID)
	assert.Equal(t, "storyteller_id", run.Unresolved[0].Column)

	s3 := byExt(t, store, models.Story, "s3")
	_, ok := s3.FK("storyteller_id")
	assert.False(t, ok)
	assert.Zero(t, run.Report.TotalOrphans())
}

func TestMigrate_FetchFailureSkipsOnlyThatType(t *testing.T) {
	api := scenario()
	api.failing[models.Media] = &source.APIError{StatusCode: 500}
	engine, store, cleanup := setupPipelineTest(t, api)
	defer cleanup()
	ctx := context.Background()

	run, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, models.RunPartial, run.Status)
	assert.True(t, run.Summary(models.Media).FetchError)
	assert.False(t, run.Summary(models.Story).FetchError)

	n, err := store.CountByType(ctx, models.Story)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.CountByType(ctx, models.Media)
	require.NoError(t, err)
	assert.Zero(t, n)

	mediaErrs := run.ErrorsFor(models.Media)
	require.Len(t, mediaErrs, 1)
	assert.Equal(t, models.StageFetch, mediaErrs[0].Stage)
}

func TestMigrate_AllTypesFailing(t *testing.T) {
	api := scenario()
	for _, et := range models.DependencyOrder() {
		api.failing[et] = &source.APIError{StatusCode: 401}
	}
	engine, _, cleanup := setupPipelineTest(t, api)
	defer cleanup()

	run, err := engine.Migrate(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, 2, pipeline.ExitCode(run))
	assert.Len(t, run.Errors, len(models.DependencyOrder()))
}

func TestMigrate_DryRunWritesNothing(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	run, err := engine.Migrate(ctx, pipeline.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, run.DryRun)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Summary(models.Organization).Inserted)
	assert.Nil(t, run.Report)

	for _, et := range models.DependencyOrder() {
		n, err := store.CountByType(ctx, et)
		require.NoError(t, err)
		assert.Zero(t, n, et)
	}

	runs, err := engine.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMigrate_ResetFirst(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	_, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)
	first := byExt(t, store, models.Organization, "o1")

	run, err := engine.Migrate(ctx, pipeline.Options{ResetFirst: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Summary(models.Organization).Inserted)

	second := byExt(t, store, models.Organization, "o1")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMigrate_RetryRunReprocessesFailedRecords(t *testing.T) {
	api := scenario()
	api.set(models.Story,
		rec("s1", map[string]interface{}{"title": "Road to recovery", "storyteller_ref": "st1"}),
		rec("s2", map[string]interface{}{"title": "Night shift", "storyteller_ref": "st2"}),
		rec("s3", map[string]interface{}{"title": "Late arrival", "storyteller_ref": "st3"}),
	)
	engine, store, cleanup := setupPipelineTest(t, api)
	defer cleanup()
	ctx := context.Background()

	first, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)
	require.Equal(t, models.RunPartial, first.Status)

	// The missing storyteller shows up in the source
	api.set(models.Storyteller,
		rec("st1", map[string]interface{}{"name": "Jared"}),
		rec("st3", map[string]interface{}{"name": "Ana"}),
	)
	_, err = engine.Migrate(ctx, pipeline.Options{Types: []models.EntityType{models.Storyteller}})
	require.NoError(t, err)

	retry, err := engine.Migrate(ctx, pipeline.Options{RetryRunID: first.RunID})
	require.NoError(t, err)
	assert.Equal(t, []models.EntityType{models.Story}, retry.EntityTypes)
	assert.Equal(t, 1, retry.Summary(models.Story).Fetched)
	assert.Equal(t, models.RunCompleted, retry.Status)

	s3 := byExt(t, store, models.Story, "s3")
	st3 := byExt(t, store, models.Storyteller, "st3")
	tellerID, ok := s3.FK("storyteller_id")
	require.True(t, ok)
	assert.Equal(t, st3.ID, tellerID)
}

func TestMigrate_RetryUnknownRun(t *testing.T) {
	engine, _, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()

	_, err := engine.Migrate(context.Background(), pipeline.Options{RetryRunID: "nope"})
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestMigrate_LockHeld(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	held, err := lock.NewStoreLocker(store.(storage.LockStore), zerolog.Nop()).Acquire(ctx, lock.MigrationLock, time.Minute)
	require.NoError(t, err)

	_, err = engine.Migrate(ctx, pipeline.Options{})
	assert.ErrorIs(t, err, lock.ErrLockHeld)
	_, err = engine.Reset(ctx, nil)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	require.NoError(t, held.Release(ctx))
	_, err = engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)
}

func TestMigrate_TimeoutAbortsAsPartial(t *testing.T) {
	api := scenario()
	api.delay = 200 * time.Millisecond
	engine, _, cleanup := setupPipelineTest(t, api, pipeline.Settings{
		PageSize:         10,
		FetchConcurrency: 8,
		RunTimeout:       20 * time.Millisecond,
	})
	defer cleanup()

	run, err := engine.Migrate(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, "run timeout exceeded", run.Aborted)
	assert.Equal(t, 2, pipeline.ExitCode(run))
}

func TestReset_EmptiesStore(t *testing.T) {
	engine, store, cleanup := setupPipelineTest(t, scenario())
	defer cleanup()
	ctx := context.Background()

	_, err := engine.Migrate(ctx, pipeline.Options{})
	require.NoError(t, err)

	report, err := engine.Reset(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(11), report.TotalDeleted())

	verified, err := engine.Verify(ctx, nil)
	require.NoError(t, err)
	for _, et := range models.DependencyOrder() {
		assert.Zero(t, verified.CountsByType[et].Total, et)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, pipeline.ExitCode(nil))
	assert.Equal(t, 0, pipeline.ExitCode(&models.MigrationRun{Status: models.RunCompleted}))
	assert.Equal(t, 1, pipeline.ExitCode(&models.MigrationRun{Status: models.RunPartial}))
	assert.Equal(t, 2, pipeline.ExitCode(&models.MigrationRun{Status: models.RunFailed}))
	assert.Equal(t, 2, pipeline.ExitCode(&models.MigrationRun{Status: models.RunPartial, Aborted: "cancelled"}))
}
