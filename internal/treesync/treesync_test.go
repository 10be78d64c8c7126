package treesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsflow/api/internal/blobhash"
	"docsflow/api/internal/config"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/gitrepo"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
	"docsflow/api/internal/textmerge"
	"docsflow/api/internal/workspace"
)

const notesDir = "docs/release-notes/"

var bob = remote.Signature{Name: "bob"}

type fixture struct {
	engine *Engine
	ws     *workspace.Service
	docs   *store.MemoryStore
	forge  *gitrepo.Forge
}

func newFixture(t *testing.T, client func(*gitrepo.Forge) remote.Client) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	forge, err := gitrepo.Open(t.TempDir(), "main", logger)
	require.NoError(t, err)
	_, err = forge.CommitFiles(context.Background(), "main", map[string]string{
		notesDir + "v1.md": "one\n",
		notesDir + "v2.md": "two\n",
		notesDir + "v3.md": "three\n",
		"README.md":        "readme\n",
	}, nil, bob, "seed")
	require.NoError(t, err)

	var rc remote.Client = forge
	if client != nil {
		rc = client(forge)
	}
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	docs := store.NewMemoryStore()
	ws := workspace.New(workspace.Deps{Docs: docs, Branches: docs, Remote: rc, Catalog: catalog, Merger: textmerge.Merger{}, Logger: logger})
	engine := New(Deps{Docs: docs, Trees: docs, Remote: rc, Refresher: ws, Logger: logger})
	return fixture{engine: engine, ws: ws, docs: docs, forge: forge}
}

func paths(entries []store.TreeEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestSyncListsPathOnly(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.Sync(context.Background(), notesDir)
	require.NoError(t, err)

	assert.Equal(t, []string{notesDir + "v1.md", notesDir + "v2.md", notesDir + "v3.md"}, paths(res.Snapshot.Entries))
	assert.Equal(t, blobhash.SumString("one\n"), res.Snapshot.Entries[0].SHA)
	assert.Equal(t, "bob", res.Snapshot.Commit.Author)
	assert.NotEmpty(t, res.Snapshot.Commit.ID)

	stored, err := f.docs.GetTreeSnapshot(context.Background(), notesDir)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.Commit.ID, stored.Commit.ID)
}

func TestSyncRetainsGhostsAndDeletesPublished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ws.Open(ctx, notesDir+"v1.md")
	require.NoError(t, err)
	_, err = f.ws.SaveDraft(ctx, workspace.SaveRequest{Path: notesDir + "v2.md", Content: "two, edited\n", Author: store.Author{Name: "alice"}})
	require.NoError(t, err)

	_, err = f.forge.CommitFiles(ctx, "main", nil, []string{notesDir + "v1.md", notesDir + "v2.md"}, bob, "remove old notes")
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, notesDir)
	require.NoError(t, err)
	assert.Equal(t, []string{notesDir + "v1.md"}, res.Deleted)
	assert.Equal(t, []string{notesDir + "v2.md"}, res.Ghosts)

	_, err = f.docs.FindDocument(ctx, notesDir+"v1.md")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ghost, err := f.docs.FindDocument(ctx, notesDir+"v2.md")
	require.NoError(t, err)
	assert.Equal(t, store.StatusNew, ghost.Status)
	assert.Equal(t, "two, edited\n", *ghost.DraftContent)

	require.Equal(t, []string{notesDir + "v2.md", notesDir + "v3.md"}, paths(res.Snapshot.Entries))
	entry := res.Snapshot.Entries[0]
	assert.True(t, entry.Ghost)
	assert.Equal(t, blobhash.SumString("two, edited\n"), entry.SHA)
	assert.False(t, res.Snapshot.Entries[1].Ghost)

	// A second sync keeps the ghost without touching it again.
	again, err := f.engine.Sync(ctx, notesDir)
	require.NoError(t, err)
	assert.Equal(t, []string{notesDir + "v2.md"}, again.Ghosts)
	after, err := f.docs.FindDocument(ctx, notesDir+"v2.md")
	require.NoError(t, err)
	assert.Equal(t, ghost.UpdatedAt, after.UpdatedAt)
}

func TestSyncRefreshesChangedDocuments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ws.Open(ctx, notesDir+"v3.md")
	require.NoError(t, err)
	_, err = f.ws.SaveDraft(ctx, workspace.SaveRequest{Path: notesDir + "v1.md", Content: "zero\none\n", Author: store.Author{Name: "alice"}})
	require.NoError(t, err)

	_, err = f.forge.CommitFiles(ctx, "main", map[string]string{
		notesDir + "v1.md": "one\ntwo\n",
		notesDir + "v3.md": "three, upstream\n",
	}, nil, bob, "upstream edits")
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, notesDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{notesDir + "v1.md", notesDir + "v3.md"}, res.Refreshed)

	v1, err := f.docs.FindDocument(ctx, notesDir+"v1.md")
	require.NoError(t, err)
	assert.Equal(t, "zero\none\ntwo\n", *v1.DraftContent)

	v3, err := f.docs.FindDocument(ctx, notesDir+"v3.md")
	require.NoError(t, err)
	assert.Equal(t, "three, upstream\n", v3.RemoteContent)
}

type brokenPath struct {
	remote.Client
	path string
}

func (b brokenPath) GetCommitMetadata(ctx context.Context, path, ref string) (remote.Commit, error) {
	if path == b.path {
		return remote.Commit{}, &domain.RemoteError{Op: "list commits", Status: 502, Err: errors.New("bad gateway")}
	}
	return b.Client.GetCommitMetadata(ctx, path, ref)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, func(forge *gitrepo.Forge) remote.Client {
		return brokenPath{Client: forge, path: "data/"}
	})
	ctx := context.Background()

	results, err := f.engine.SyncAll(ctx, []string{"data/", notesDir})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteUnavailable)
	require.Len(t, results, 1)
	assert.Equal(t, notesDir, results[0].Snapshot.Path)

	_, err = f.docs.GetTreeSnapshot(ctx, "data/")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotReadsThrough(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	snap, err := f.engine.Snapshot(ctx, notesDir)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 3)

	_, err = f.forge.CommitFiles(ctx, "main", map[string]string{notesDir + "v4.md": "four\n"}, nil, bob, "add")
	require.NoError(t, err)
	cached, err := f.engine.Snapshot(ctx, notesDir)
	require.NoError(t, err)
	assert.Len(t, cached.Entries, 3)
}
