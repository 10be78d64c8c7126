package gitrepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsflow/api/internal/blobhash"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/remote"
)

var bot = remote.Signature{Name: "Docs Bot"}

func newForge(t *testing.T) *Forge {
	t.Helper()
	f, err := Open(t.TempDir(), "main", zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "main", zaptest.NewLogger(t))
	require.NoError(t, err)
	first, err := f.GetBranch(context.Background(), "main")
	require.NoError(t, err)

	again, err := Open(dir, "main", zaptest.NewLogger(t))
	require.NoError(t, err)
	second, err := again.GetBranch(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, first.SHA, second.SHA)
}

func TestCommitFilesAndRead(t *testing.T) {
	f := newForge(t)
	ctx := context.Background()

	commit, err := f.CommitFiles(ctx, "main", map[string]string{
		"docs/release-notes/v1.md": "A\nB\n",
		"docs/release-notes/v2.md": "two\n",
		"README.md":                "hi\n",
	}, nil, bot, "Seed docs")
	require.NoError(t, err)
	assert.Equal(t, "Docs Bot", commit.Author)
	assert.Equal(t, "Docs.Bot@users.noreply.docsflow.local", commit.Email)

	content, err := f.GetFileContent(ctx, "docs/release-notes/v1.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", content)

	_, err = f.GetFileContent(ctx, "docs/missing.md", "main")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tree, err := f.GetTree(ctx, "main")
	require.NoError(t, err)
	blobs := tree.Blobs()
	require.Len(t, blobs, 3)
	entry := blobs["docs/release-notes/v1.md"]
	assert.Equal(t, "100644", entry.Mode)
	assert.Equal(t, blobhash.SumString("A\nB\n"), entry.SHA)
	assert.Equal(t, int64(4), entry.Size)

	byCommit, err := f.GetTree(ctx, commit.SHA)
	require.NoError(t, err)
	assert.Equal(t, tree.SHA, byCommit.SHA)
	byTree, err := f.GetTree(ctx, tree.SHA)
	require.NoError(t, err)
	assert.Len(t, byTree.Entries, 3)
}

func TestCommitMetadataFollowsPath(t *testing.T) {
	f := newForge(t)
	ctx := context.Background()

	first, err := f.CommitFiles(ctx, "main", map[string]string{"docs/a.md": "a"}, nil, remote.Signature{Name: "alice"}, "add a")
	require.NoError(t, err)
	_, err = f.CommitFiles(ctx, "main", map[string]string{"data/x.json": "{}"}, nil, remote.Signature{Name: "bob"}, "add x")
	require.NoError(t, err)

	meta, err := f.GetCommitMetadata(ctx, "docs/", "main")
	require.NoError(t, err)
	assert.Equal(t, first.SHA, meta.SHA)
	assert.Equal(t, "alice", meta.Author)

	meta, err = f.GetCommitMetadata(ctx, "data/x.json", "main")
	require.NoError(t, err)
	assert.Equal(t, "bob", meta.Author)

	_, err = f.GetCommitMetadata(ctx, "nothing/", "main")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLowLevelCommitFlow(t *testing.T) {
	f := newForge(t)
	ctx := context.Background()
	_, err := f.CommitFiles(ctx, "main", map[string]string{"docs/a.md": "a\n", "docs/b.md": "b\n"}, nil, bot, "seed")
	require.NoError(t, err)

	mainBranch, err := f.GetBranch(ctx, "main")
	require.NoError(t, err)
	_, err = f.CreateBranch(ctx, "docsflow-docs-publish-1", mainBranch.SHA)
	require.NoError(t, err)
	_, err = f.CreateBranch(ctx, "docsflow-docs-publish-1", mainBranch.SHA)
	assert.ErrorIs(t, err, domain.ErrRemoteUnavailable)

	blob, err := f.CreateBlob(ctx, "a2\n")
	require.NoError(t, err)
	assert.Equal(t, blobhash.SumString("a2\n"), blob)

	base, err := f.GetTree(ctx, mainBranch.SHA)
	require.NoError(t, err)
	treeSHA, err := f.CreateTree(ctx, base.SHA, []remote.TreeChange{
		{Path: "docs/a.md", SHA: blob},
		{Path: "docs/b.md", Delete: true},
	})
	require.NoError(t, err)

	commit, err := f.CreateCommit(ctx, remote.NewCommit{Message: "publish", Tree: treeSHA, Parents: []string{mainBranch.SHA}, Author: bot})
	require.NoError(t, err)
	require.NoError(t, f.UpdateRef(ctx, "docsflow-docs-publish-1", commit.SHA))

	content, err := f.GetFileContent(ctx, "docs/a.md", "docsflow-docs-publish-1")
	require.NoError(t, err)
	assert.Equal(t, "a2\n", content)
	_, err = f.GetFileContent(ctx, "docs/b.md", "docsflow-docs-publish-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cmp, err := f.CompareCommits(ctx, "main", "docsflow-docs-publish-1")
	require.NoError(t, err)
	assert.Equal(t, []remote.ChangedFile{
		{Path: "docs/a.md", Status: remote.FileModified},
		{Path: "docs/b.md", Status: remote.FileRemoved},
	}, cmp.Files)

	// Moving the branch back to main is not a fast-forward.
	err = f.UpdateRef(ctx, "docsflow-docs-publish-1", mainBranch.SHA)
	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.False(t, remoteErr.Retryable())

	branches, err := f.ListBranches(ctx, "docsflow-")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, commit.SHA, branches[0].SHA)
}

func TestPullRequestLifecycle(t *testing.T) {
	f := newForge(t)
	ctx := context.Background()
	_, err := f.CommitFiles(ctx, "main", map[string]string{"docs/a.md": "a\n"}, nil, bot, "seed")
	require.NoError(t, err)
	mainBranch, err := f.GetBranch(ctx, "main")
	require.NoError(t, err)
	_, err = f.CreateBranch(ctx, "feature", mainBranch.SHA)
	require.NoError(t, err)
	_, err = f.CommitFiles(ctx, "feature", map[string]string{"docs/b.md": "b\n"}, nil, bot, "add b")
	require.NoError(t, err)
	// main moves on independently so the merge needs a merge commit.
	_, err = f.CommitFiles(ctx, "main", map[string]string{"docs/c.md": "c\n"}, nil, bot, "add c")
	require.NoError(t, err)

	pr, err := f.CreatePullRequest(ctx, remote.NewPullRequest{Title: "Publish", Head: "feature", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Number)
	_, err = f.CreatePullRequest(ctx, remote.NewPullRequest{Title: "Again", Head: "feature", Base: "main"})
	assert.Error(t, err)

	open, err := f.ListOpenPullRequests(ctx, "feature", "main")
	require.NoError(t, err)
	require.Len(t, open, 1)

	merged, err := f.MergePullRequest(ctx, pr.Number, bot)
	require.NoError(t, err)
	assert.Len(t, merged.Parents, 2)

	for path, want := range map[string]string{"docs/a.md": "a\n", "docs/b.md": "b\n", "docs/c.md": "c\n"} {
		got, err := f.GetFileContent(ctx, path, "main")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := f.GetPullRequest(ctx, pr.Number)
	require.NoError(t, err)
	assert.True(t, got.Merged)
	assert.Equal(t, "closed", got.State)

	open, err = f.ListOpenPullRequests(ctx, "feature", "main")
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, f.DeleteBranch(ctx, "feature"))
	_, err = f.GetBranch(ctx, "feature")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
