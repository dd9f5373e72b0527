package upsert_test

import (
	"context"
	"testing"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/ha1tch/storysync/pkg/upsert"
	"github.com/ha1tch/storysync/pkg/validation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupExecutorTest(t *testing.T, opts ...upsert.Options) (storage.Store, *resolver.EntityIndex, *upsert.Executor, func()) {
	t.Helper()

	var o upsert.Options
	if len(opts) > 0 {
		o = opts[0]
	}

	store, err := storage.NewStore("memory", map[string]interface{}{})
	require.NoError(t, err)

	idx := resolver.NewEntityIndex()
	exec := upsert.New(store, idx, validation.NewJSONSchemaValidator("", 0), o, zerolog.Nop())
	return store, idx, exec, func() { store.Close() }
}

func entity(t models.EntityType, ext, name string) *models.TargetEntity {
	e := models.NewTargetEntity(t)
	e.ExternalID = ext
	e.Name = name
	return e
}

func pending(e *models.TargetEntity, col string, t models.EntityType, ext string) *models.TargetEntity {
	e.SetPending(col, models.Ref{Type: t, ExternalID: ext})
	return e
}

func TestUpsertBatch_DependencyOrder(t *testing.T) {
	store, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	// Submitted dependents first
	batch := []*models.TargetEntity{
		pending(entity(models.Story, "s1", "Morning run"), "storyteller_id", models.Storyteller, "st1"),
		pending(entity(models.Storyteller, "st1", "Jared"), "project_id", models.Project, "p1"),
		pending(entity(models.Project, "p1", "Mobile Laundry"), "organization_id", models.Organization, "org1"),
		entity(models.Organization, "org1", "Orange Sky"),
	}

	result, err := exec.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Inserted)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Deferred)

	project, err := store.FindByExternalID(ctx, models.Project, "p1")
	require.NoError(t, err)
	st, err := store.FindByExternalID(ctx, models.Storyteller, "st1")
	require.NoError(t, err)
	id, ok := st.FK("project_id")
	assert.True(t, ok)
	assert.Equal(t, project.ID, id)

	story, err := store.FindByExternalID(ctx, models.Story, "s1")
	require.NoError(t, err)
	id, _ = story.FK("storyteller_id")
	assert.Equal(t, st.ID, id)
}

func TestUpsertBatch_Idempotent(t *testing.T) {
	store, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	first, err := exec.UpsertBatch(ctx, []*models.TargetEntity{
		entity(models.Theme, "th1", "Resilience"),
		entity(models.Theme, "th2", "Family"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := exec.UpsertBatch(ctx, []*models.TargetEntity{
		entity(models.Theme, "th1", "Resilience and recovery"),
		entity(models.Theme, "th2", "Family"),
	})
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 2, second.Updated)

	n, err := store.CountByType(ctx, models.Theme)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	th, err := store.FindByExternalID(ctx, models.Theme, "th1")
	require.NoError(t, err)
	assert.Equal(t, "Resilience and recovery", th.Name)
}

func TestUpsertBatch_DuplicateInsertBecomesUpdate(t *testing.T) {
	store, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	// Written behind the index's back
	_, err := store.Insert(ctx, entity(models.Location, "loc1", "Geelong"))
	require.NoError(t, err)

	result, err := exec.UpsertBatch(ctx, []*models.TargetEntity{entity(models.Location, "loc1", "Geelong VIC")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.Errors)
}

func TestUpsertBatch_FailureDoesNotAbortBatch(t *testing.T) {
	store, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	bad := entity(models.Storyteller, "st1", "Jared")
	bad.SetFK("organization_id", 999)

	result, err := exec.UpsertBatch(ctx, []*models.TargetEntity{
		bad,
		entity(models.Storyteller, "st2", ""),
		entity(models.Storyteller, "st3", "Mia"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.Inserted)
	require.Len(t, result.Errors, 2)

	for _, e := range result.Errors {
		assert.Equal(t, models.StageUpsert, e.Stage)
		assert.Equal(t, models.Storyteller, e.EntityType)
		assert.False(t, e.Retryable)
	}
	assert.Equal(t, "st1", result.Errors[0].ExternalID)
	assert.Equal(t, 2, result.For(models.Storyteller).Failed)

	n, err := store.CountByType(ctx, models.Storyteller)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertBatch_UncommittedReferenceIsDeferredThenUnresolved(t *testing.T) {
	store, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	// The storyteller fails validation, so the story cannot bind to it
	result, err := exec.UpsertBatch(ctx, []*models.TargetEntity{
		entity(models.Storyteller, "st1", ""),
		pending(entity(models.Story, "s1", "Orphaned"), "storyteller_id", models.Storyteller, "st1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 1, result.Inserted)
	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, "storyteller_id", result.Unresolved[0].Column)
	assert.Equal(t, "st1", result.Unresolved[0].Reference)

	story, err := store.FindByExternalID(ctx, models.Story, "s1")
	require.NoError(t, err)
	_, ok := story.FK("storyteller_id")
	assert.False(t, ok)
}

func TestUpsertBatch_UpdateKeepsExistingForeignKeys(t *testing.T) {
	store, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := exec.UpsertBatch(ctx, []*models.TargetEntity{
		entity(models.Organization, "org1", "Orange Sky"),
		pending(entity(models.Storyteller, "st1", "Jared"), "organization_id", models.Organization, "org1"),
	})
	require.NoError(t, err)

	// The second payload no longer carries the organization reference
	_, err = exec.UpsertBatch(ctx, []*models.TargetEntity{entity(models.Storyteller, "st1", "Jared E.")})
	require.NoError(t, err)

	got, err := store.FindByExternalID(ctx, models.Storyteller, "st1")
	require.NoError(t, err)
	_, ok := got.FK("organization_id")
	assert.True(t, ok)
	assert.Equal(t, "Jared E.", got.Name)
}

func TestUpsertBatch_AdoptsOrganicRowByID(t *testing.T) {
	store, idx, exec, cleanup := setupExecutorTest(t)
	defer cleanup()
	ctx := context.Background()

	organic := entity(models.Organization, "", "Orange Sky")
	_, err := store.Insert(ctx, organic)
	require.NoError(t, err)
	idx.Add(organic)

	e := entity(models.Organization, "org1", "Orange Sky")
	e.ID = organic.ID
	result, err := exec.UpsertBatch(ctx, []*models.TargetEntity{e})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	got, err := store.Get(ctx, models.Organization, organic.ID)
	require.NoError(t, err)
	assert.Equal(t, "org1", got.ExternalID)

	n, err := store.CountMigrated(ctx, models.Organization)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertBatch_DryRunWritesNothing(t *testing.T) {
	store, idx, exec, cleanup := setupExecutorTest(t, upsert.Options{DryRun: true})
	defer cleanup()
	ctx := context.Background()

	result, err := exec.UpsertBatch(ctx, []*models.TargetEntity{
		entity(models.Organization, "org1", "Orange Sky"),
		pending(entity(models.Project, "p1", "Laundry"), "organization_id", models.Organization, "org1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)

	n, err := store.CountByType(ctx, models.Organization)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, ok := idx.ByExternalID(models.Project, "p1")
	require.True(t, ok)
	assert.Less(t, p.ID, int64(0))
	orgID, ok := p.FK("organization_id")
	assert.True(t, ok)
	assert.Less(t, orgID, int64(0))
}

func TestUpsertBatch_CancelledContext(t *testing.T) {
	_, _, exec, cleanup := setupExecutorTest(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.UpsertBatch(ctx, []*models.TargetEntity{entity(models.Theme, "th1", "Hope")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Inserted)
}
