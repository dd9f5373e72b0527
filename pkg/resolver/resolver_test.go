package resolver_test

import (
	"testing"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(t models.EntityType, id int64, ext, name string) *models.TargetEntity {
	e := models.NewTargetEntity(t)
	e.ID = id
	e.ExternalID = ext
	e.Name = name
	return e
}

func record(t models.EntityType, ext string, fields map[string]interface{}) models.SourceRecord {
	return models.SourceRecord{ExternalID: ext, Type: t, Fields: fields}
}

func setupResolverTest(t *testing.T, cfg resolver.Config) (*resolver.Resolver, *resolver.EntityIndex) {
	t.Helper()

	idx := resolver.NewEntityIndex()
	idx.Add(row(models.Organization, 1, "", "Orange Sky"))
	idx.Add(row(models.Organization, 2, "", "Orange Sky Geelong"))
	idx.Add(row(models.Organization, 3, "", "Independent"))
	idx.Add(row(models.Storyteller, 10, "st1", "Jared"))
	return resolver.New(cfg, zerolog.Nop()), idx
}

func TestBestMatch_ExactBeatsContainment(t *testing.T) {
	cands := []string{"Orange Sky", "Orange Sky Geelong"}

	i, kind, err := resolver.BestMatch("orange  SKY", cands, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	assert.Equal(t, resolver.MatchExact, kind)

	i, kind, err = resolver.BestMatch("Orange Sky Geelong Crew", cands, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Equal(t, resolver.MatchContains, kind)
}

func TestBestMatch_IsDeterministic(t *testing.T) {
	cands := []string{"Orange Sky Geelong", "Orange Sky"}
	for n := 0; n < 20; n++ {
		i, _, err := resolver.BestMatch("Orange Sky Geelong Crew", cands, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, i)
	}
}

func TestBestMatch_TieIsAmbiguous(t *testing.T) {
	_, _, err := resolver.BestMatch("Sky", []string{"Blue Sky", "Sky Blue"}, 3)
	assert.ErrorIs(t, err, resolver.ErrAmbiguousMatch)

	_, _, err = resolver.BestMatch("Sky", []string{"sky", "SKY "}, 3)
	assert.ErrorIs(t, err, resolver.ErrAmbiguousMatch)
}

func TestBestMatch_ShortNamesOnlyMatchExactly(t *testing.T) {
	_, _, err := resolver.BestMatch("Ab", []string{"Abacus"}, 3)
	assert.ErrorIs(t, err, resolver.ErrNoMatch)

	i, _, err := resolver.BestMatch("Ab", []string{"Abacus", "ab"}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, _, err = resolver.BestMatch("", []string{""}, 3)
	assert.ErrorIs(t, err, resolver.ErrNoMatch)
}

func TestResolve_ExternalIDMatch(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})

	res := r.Resolve(record(models.Storyteller, "st1", map[string]interface{}{
		"name": "Jared Ellis",
	}), idx)

	assert.Equal(t, resolver.MethodExternalID, res.Method)
	assert.Equal(t, int64(10), res.Entity.ID)
	assert.Equal(t, "Jared Ellis", res.Entity.Name)
	require.NotNil(t, res.Existing)
	assert.Equal(t, "Jared", res.Existing.Name)
}

func TestResolve_NewRecord(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})

	res := r.Resolve(record(models.Theme, "th1", map[string]interface{}{
		"Name":     "Resilience",
		"keywords": []interface{}{"strength", "recovery"},
	}), idx)

	assert.Equal(t, resolver.MethodNew, res.Method)
	assert.Zero(t, res.Entity.ID)
	assert.Equal(t, "th1", res.Entity.ExternalID)
	assert.Equal(t, []interface{}{"strength", "recovery"}, res.Entity.Attributes["keywords"])
	assert.Empty(t, res.Errors)
}

func TestResolve_IdentityByName(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{
		IdentityNameMatch: []models.EntityType{models.Organization},
	})
	org1 := record(models.Organization, "org1", map[string]interface{}{"name": "orange sky"})
	org2 := record(models.Organization, "org2", map[string]interface{}{"name": "Orange Sky Geelong"})
	idx.AddBatch(org1)
	idx.AddBatch(org2)

	res := r.Resolve(org1, idx)
	assert.Equal(t, resolver.MethodName, res.Method)
	assert.Equal(t, int64(1), res.Entity.ID)

	res = r.Resolve(org2, idx)
	assert.Equal(t, resolver.MethodName, res.Method)
	assert.Equal(t, int64(2), res.Entity.ID)
}

func TestResolve_IdentityIsOrderIndependent(t *testing.T) {
	org2 := record(models.Organization, "org2", map[string]interface{}{"name": "Orange Sky"})
	org3 := record(models.Organization, "org3", map[string]interface{}{"name": "Orange Sky Geelong"})

	for _, order := range [][]models.SourceRecord{{org2, org3}, {org3, org2}} {
		idx := resolver.NewEntityIndex()
		idx.Add(row(models.Organization, 2, "", "Orange Sky Geelong"))
		r := resolver.New(resolver.Config{IdentityNameMatch: []models.EntityType{models.Organization}}, zerolog.Nop())
		for _, rec := range order {
			idx.AddBatch(rec)
		}

		got := make(map[string]*resolver.Resolution)
		for _, rec := range order {
			got[rec.ExternalID] = r.Resolve(rec, idx)
		}

		assert.Equal(t, resolver.MethodName, got["org3"].Method)
		assert.Equal(t, int64(2), got["org3"].Entity.ID)
		assert.Empty(t, got["org3"].Errors)
		assert.Equal(t, resolver.MethodNew, got["org2"].Method)
		assert.Zero(t, got["org2"].Entity.ID)
		assert.Empty(t, got["org2"].Errors)
	}
}

func TestResolve_IdentityTieAdoptsNothing(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{
		IdentityNameMatch: []models.EntityType{models.Organization},
	})
	a := record(models.Organization, "orgA", map[string]interface{}{"name": "Independent"})
	b := record(models.Organization, "orgB", map[string]interface{}{"name": "independent"})
	idx.AddBatch(a)
	idx.AddBatch(b)

	for _, rec := range []models.SourceRecord{a, b} {
		res := r.Resolve(rec, idx)
		assert.Equal(t, resolver.MethodNew, res.Method, rec.ExternalID)
		assert.Zero(t, res.Entity.ID)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0].Message, "ambiguous")
	}
}

func TestResolve_IdentityAmbiguousInsertsNew(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{
		IdentityNameMatch: []models.EntityType{models.Location},
	})
	idx.Add(row(models.Location, 20, "", "Port Hedland North"))
	idx.Add(row(models.Location, 21, "", "Port Hedland South"))

	res := r.Resolve(record(models.Location, "loc1", map[string]interface{}{
		"name": "Port Hedland",
	}), idx)

	assert.Equal(t, resolver.MethodNew, res.Method)
	assert.Zero(t, res.Entity.ID)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, models.StageResolve, res.Errors[0].Stage)
	assert.Contains(t, res.Errors[0].Message, "ambiguous")
}

func TestResolve_ForeignKeyByExternalID(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})

	res := r.Resolve(record(models.Story, "s1", map[string]interface{}{
		"title":           "Morning run",
		"storyteller_ref": "st1",
	}), idx)

	id, ok := res.Entity.FK("storyteller_id")
	assert.True(t, ok)
	assert.Equal(t, int64(10), id)
	assert.Empty(t, res.Entity.Unresolved)
}

func TestResolve_ForeignKeyToBatchIsPending(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})
	idx.AddBatch(record(models.Storyteller, "st9", map[string]interface{}{"name": "Mia"}))

	res := r.Resolve(record(models.Story, "s1", map[string]interface{}{
		"title":       "Evening walk",
		"Storyteller": []interface{}{"st9"},
	}), idx)

	_, ok := res.Entity.FK("storyteller_id")
	assert.False(t, ok)
	assert.Equal(t, models.Ref{Type: models.Storyteller, ExternalID: "st9"}, res.Entity.PendingRefs["storyteller_id"])
	assert.Empty(t, res.Entity.Unresolved)
}

func TestResolve_ForeignKeyByName(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})

	res := r.Resolve(record(models.Storyteller, "st2", map[string]interface{}{
		"name":              "Ana",
		"organization_name": "Orange Sky Geelong Crew",
	}), idx)

	id, ok := res.Entity.FK("organization_id")
	assert.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestResolve_ForeignKeyExactBatchNameBeatsStoreContainment(t *testing.T) {
	idx := resolver.NewEntityIndex()
	idx.Add(row(models.Organization, 2, "orgG", "Orange Sky Geelong"))
	idx.AddBatch(record(models.Organization, "org2", map[string]interface{}{"name": "Orange Sky"}))
	r := resolver.New(resolver.Config{}, zerolog.Nop())

	res := r.Resolve(record(models.Storyteller, "st1", map[string]interface{}{
		"name":              "Ana",
		"organization_name": "orange sky",
	}), idx)

	_, ok := res.Entity.FK("organization_id")
	assert.False(t, ok)
	assert.Equal(t, models.Ref{Type: models.Organization, ExternalID: "org2"}, res.Entity.PendingRefs["organization_id"])
	assert.Empty(t, res.Errors)
}

func TestResolve_ForeignKeyByNameToAdoptedRow(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{
		IdentityNameMatch: []models.EntityType{models.Organization},
	})
	idx.AddBatch(record(models.Organization, "org9", map[string]interface{}{"name": "Independent"}))

	res := r.Resolve(record(models.Storyteller, "st2", map[string]interface{}{
		"name":              "Ana",
		"organization_name": "Independent",
	}), idx)

	id, ok := res.Entity.FK("organization_id")
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)
	assert.Empty(t, res.Errors)
}

func TestResolve_AmbiguousNameIsUnresolved(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{
		Fallbacks: []resolver.Fallback{{Type: models.Storyteller, Column: "organization_id", Name: "Independent"}},
	})

	res := r.Resolve(record(models.Storyteller, "st2", map[string]interface{}{
		"name":              "Ana",
		"organization_name": "Orange",
	}), idx)

	_, ok := res.Entity.FK("organization_id")
	assert.False(t, ok, "ambiguous names never fall back")
	require.Len(t, res.Entity.Unresolved, 1)
	assert.Equal(t, "organization_id", res.Entity.Unresolved[0].Column)
	require.Len(t, res.Errors, 1)
}

func TestResolve_FallbackEntity(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{
		Fallbacks: []resolver.Fallback{{Type: models.Storyteller, Column: "organization_id", Name: "independent"}},
	})

	res := r.Resolve(record(models.Storyteller, "st3", map[string]interface{}{
		"name":    "Lee",
		"org_ref": "org-missing",
	}), idx)
	id, ok := res.Entity.FK("organization_id")
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)
	assert.Empty(t, res.Entity.Unresolved)

	// No reference at all also takes the fallback
	res = r.Resolve(record(models.Storyteller, "st4", map[string]interface{}{"name": "Kim"}), idx)
	id, ok = res.Entity.FK("organization_id")
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)
}

func TestResolve_MissingReferenceIsUnresolved(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})

	res := r.Resolve(record(models.Storyteller, "st5", map[string]interface{}{
		"name":    "Sam",
		"org_ref": "org-missing",
	}), idx)

	_, ok := res.Entity.FK("organization_id")
	assert.False(t, ok)
	require.Len(t, res.Entity.Unresolved, 1)
	u := res.Entity.Unresolved[0]
	assert.Equal(t, models.Storyteller, u.EntityType)
	assert.Equal(t, "st5", u.ExternalID)
	assert.Equal(t, "org-missing", u.Reference)
}

func TestResolve_RequiredReferenceAbsent(t *testing.T) {
	r, idx := setupResolverTest(t, resolver.Config{})

	res := r.Resolve(record(models.Story, "s2", map[string]interface{}{"title": "Untold"}), idx)

	require.Len(t, res.Entity.Unresolved, 1)
	assert.Equal(t, "storyteller_id", res.Entity.Unresolved[0].Column)
}
