package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAPI struct {
	records map[models.EntityType][]models.SourceRecord
	failing map[models.EntityType]error
}

func (s *stubAPI) FetchPage(ctx context.Context, t models.EntityType, cursor string, pageSize int) (*source.Page, error) {
	if err := s.failing[t]; err != nil {
		return nil, err
	}
	recs := s.records[t]
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+pageSize, len(recs))
	page := &source.Page{Records: recs[start:end]}
	if end < len(recs) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func newStubAPI() *stubAPI {
	r := func(id string, fields map[string]interface{}) models.SourceRecord {
		return models.SourceRecord{ExternalID: id, Fields: fields}
	}
	return &stubAPI{failing: make(map[models.EntityType]error), records: map[models.EntityType][]models.SourceRecord{
		models.Organization: {r("o1", map[string]interface{}{"name": "Orange Sky"})},
		models.Storyteller:  {r("st1", map[string]interface{}{"Full Name": "Jared", "organization_name": "Orange Sky"})},
		models.Story: {
			r("s1", map[string]interface{}{"title": "Road to recovery", "storyteller_ref": "st1"}),
			r("s2", map[string]interface{}{"title": "Night shift", "storyteller_ref": "st1"}),
		},
	}}
}

type cliHarness struct {
	dir    string
	db     string
	config string
	api    source.API
}

func setupCLITest(t *testing.T) (*cliHarness, func()) {
	t.Helper()
	dir := t.TempDir()
	h := &cliHarness{
		dir:    dir,
		db:     filepath.Join(dir, "target.db"),
		config: filepath.Join(dir, "storysync.yaml"),
		api:    newStubAPI(),
	}
	cfg := "page_size: 1\nfetch_concurrency: 2\naudit_log_path: " + filepath.Join(dir, "runs.jsonl") + "\n"
	require.NoError(t, os.WriteFile(h.config, []byte(cfg), 0o644))
	return h, func() {}
}

func (h *cliHarness) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", h.config, "--db", h.db, "--storage", "sqlite", "--log-format", "json", "--log-level", "error"}, args...)
	code := run(context.Background(), full, &stdout, &stderr, h.api)
	return code, stdout.String(), stderr.String()
}

func TestMigrateCommand(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, out, errOut := h.run("migrate")
	require.Equal(t, ExitOK, code, "stdout: %s\nstderr: %s", out, errOut)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "storyteller")
	assert.Contains(t, out, "Coverage: 100.0%")

	// second run updates in place
	code, out, _ = h.run("migrate", "--entity=story")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "completed")
}

func TestMigrateCommand_InvalidEntity(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, _, errOut := h.run("migrate", "--entity=widgets")
	assert.Equal(t, ExitFatal, code)
	assert.Contains(t, errOut, "widgets")
}

func TestMigrateCommand_ResetWithRetryRejected(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, _, _ := h.run("migrate", "--reset-first", "--retry-run", "abc")
	assert.Equal(t, ExitFatal, code)
}

func TestMigrateCommand_DryRun(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, out, _ := h.run("migrate", "--dry-run")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "dry run")

	code, out, _ = h.run("runs")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "No runs recorded")
}

func TestMigrateCommand_Partial(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()
	api := newStubAPI()
	api.records[models.Story] = append(api.records[models.Story], models.SourceRecord{
		ExternalID: "s3",
		Fields:     map[string]interface{}{"title": "Lost", "storyteller_ref": "st-missing"},
	})
	h.api = api

	code, out, _ := h.run("migrate")
	assert.Equal(t, ExitPartial, code)
	assert.Contains(t, out, "partial")
}

func TestResetCommand(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, _, _ := h.run("migrate")
	require.Equal(t, ExitOK, code)

	code, _, errOut := h.run("reset")
	assert.Equal(t, ExitFatal, code)
	assert.Contains(t, errOut, "--confirm")

	code, out, _ := h.run("reset", "--confirm")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Deleted 4 rows")

	code, out, _ = h.run("verify")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Coverage")
}

func TestRunsCommand(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, _, _ := h.run("migrate")
	require.Equal(t, ExitOK, code)

	code, out, _ := h.run("runs", "--limit", "5")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "completed")

	code, _, _ = h.run("runs", "no-such-run")
	assert.Equal(t, ExitFatal, code)

	code, out, _ = h.run("verify", "--latest")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Coverage: 100.0%")
}

func TestRunsCommand_ShowsErrorsByType(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()
	api := newStubAPI()
	api.failing[models.Theme] = &source.APIError{StatusCode: 401}
	h.api = api

	code, out, _ := h.run("migrate")
	require.Equal(t, ExitPartial, code)
	first := strings.SplitN(out, "\n", 2)[0]
	require.True(t, strings.HasPrefix(first, "Run "), first)
	runID := strings.TrimSuffix(strings.Fields(first)[1], ":")

	code, out, _ = h.run("runs", runID)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Errors (1):")
	assert.Contains(t, out, "  theme (1):")
	assert.Contains(t, out, "source API returned 401")
	assert.NotContains(t, out, "  story (")
}

func TestVersionCommand(t *testing.T) {
	h, cleanup := setupCLITest(t)
	defer cleanup()

	code, out, _ := h.run("version")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "storysync 0.3.0")
}

func TestParseTypes(t *testing.T) {
	types, err := parseTypes("all")
	require.NoError(t, err)
	assert.Nil(t, types)

	types, err = parseTypes("story, stories,theme")
	require.NoError(t, err)
	assert.Equal(t, []models.EntityType{models.Story, models.Theme}, types)

	_, err = parseTypes("story,nope")
	assert.Error(t, err)
}
