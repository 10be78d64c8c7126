package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsflow/api/internal/store"
)

func TestTitle(t *testing.T) {
	assert.Equal(t, "Release 1.2", Title("docs/release-notes/v1.2.md", store.FormatText, "intro\n# Release 1.2\nbody"))
	assert.Equal(t, "v1.2", Title("docs/release-notes/v1.2.md", store.FormatText, "no heading"))
	assert.Equal(t, "2.0", Title("data/tech-stack-data/2.0.json", store.FormatStructured, `{"version":"2.0","tools":[]}`))
	assert.Equal(t, "2", Title("data/tech-stack-data/2.json", store.FormatStructured, `not json`))
}

func TestRecordIDIsStableAndMeiliSafe(t *testing.T) {
	id := RecordID("docs/release-notes/v1.md")
	assert.Equal(t, id, RecordID("docs/release-notes/v1.md"))
	assert.NotEqual(t, id, RecordID("docs/release-notes/v2.md"))
	assert.Regexp(t, `^[a-zA-Z0-9-]+$`, id)
}

func TestServiceFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	docs := store.NewMemoryStore()
	entity := "release-notes"
	remote := "# Release 1\nAdded the frobnicator.\n"
	_, err := docs.UpsertDocument(ctx, "docs/release-notes/v1.md", store.DocumentPatch{Entity: &entity, RemoteContent: &remote})
	require.NoError(t, err)
	other := "# Release 2\nNothing new.\n"
	_, err = docs.UpsertDocument(ctx, "docs/release-notes/v2.md", store.DocumentPatch{Entity: &entity, RemoteContent: &other})
	require.NoError(t, err)

	svc := NewService(nil, NewScan(docs), zaptest.NewLogger(t))
	resp := svc.Search(ctx, Query{Text: "FROBNICATOR"})
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "docs/release-notes/v1.md", resp.Results[0].Path)
	assert.Equal(t, "Release 1", resp.Results[0].Title)
	assert.Equal(t, "Added the frobnicator.", resp.Results[0].Snippet)

	resp = svc.Search(ctx, Query{Text: "release", Limit: 1, Offset: 1})
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Results, 1)

	resp = svc.Search(ctx, Query{Text: "release", Entity: "tech-stack"})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
}

func TestServiceWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil, zaptest.NewLogger(t))
	resp := svc.Search(context.Background(), Query{Text: "x"})
	assert.Equal(t, []Result{}, resp.Results)

	// Indexing without Meilisearch is a no-op.
	svc.Index(store.Document{ID: "a.md"})
	svc.Remove("a.md")
}
