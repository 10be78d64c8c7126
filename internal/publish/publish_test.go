package publish

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

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
	"docsflow/api/internal/treesync"
	"docsflow/api/internal/workspace"
)

const (
	entity = "release-notes"
	v1     = "docs/release-notes/v1.md"
	v2     = "docs/release-notes/v2.md"
)

var (
	alice = store.Author{Name: "alice", Email: "alice@example.com"}
	bob   = remote.Signature{Name: "bob", Email: "bob@example.com"}
)

// failingPulls breaks pull request creation.
type failingPulls struct {
	remote.Client
}

// truncatedTrees reports every tree listing as truncated and leaves the
// documents out of it.
type truncatedTrees struct {
	remote.Client
}

func (c truncatedTrees) GetTree(ctx context.Context, ref string) (remote.Tree, error) {
	tree, err := c.Client.GetTree(ctx, ref)
	if err != nil {
		return tree, err
	}
	var kept []remote.TreeEntry
	for _, e := range tree.Entries {
		if !strings.HasPrefix(e.Path, "docs/") {
			kept = append(kept, e)
		}
	}
	return remote.Tree{SHA: tree.SHA, Entries: kept, Truncated: true}, nil
}

func (failingPulls) CreatePullRequest(context.Context, remote.NewPullRequest) (remote.PullRequest, error) {
	return remote.PullRequest{}, &domain.RemoteError{Op: "create pull request", Status: 502, Err: errors.New("bad gateway")}
}

type fixture struct {
	coord *Coordinator
	ws    *workspace.Service
	docs  *store.MemoryStore
	forge *gitrepo.Forge
}

func newFixture(t *testing.T, wrap func(remote.Client) remote.Client) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	forge, err := gitrepo.Open(t.TempDir(), "main", logger)
	require.NoError(t, err)
	_, err = forge.CommitFiles(context.Background(), "main", map[string]string{
		v1: "one\n",
		v2: "two\n",
	}, nil, bob, "seed")
	require.NoError(t, err)

	var rc remote.Client = forge
	if wrap != nil {
		rc = wrap(forge)
	}
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	docs := store.NewMemoryStore()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return fixture{
		coord: New(Deps{
			Docs:     docs,
			Branches: docs,
			Remote:   rc,
			Catalog:  catalog,
			Logger:   logger,
			Clock: func() time.Time {
				clock = clock.Add(time.Second)
				return clock
			},
		}),
		ws:    workspace.New(workspace.Deps{Docs: docs, Branches: docs, Remote: rc, Catalog: catalog, Merger: textmerge.Merger{}, Logger: logger}),
		docs:  docs,
		forge: forge,
	}
}

func (f fixture) edit(t *testing.T, path, content string) {
	t.Helper()
	_, err := f.ws.SaveDraft(context.Background(), workspace.SaveRequest{Path: path, Content: content, Author: alice})
	require.NoError(t, err)
}

func (f fixture) publish(t *testing.T, docID string) Result {
	t.Helper()
	res, err := f.coord.Publish(context.Background(), Request{Entity: entity, DocumentID: docID, Actor: alice})
	require.NoError(t, err)
	return res
}

func TestPublishNothingPending(t *testing.T) {
	f := newFixture(t, nil)
	res := f.publish(t, "")
	assert.Equal(t, "No pending changes to publish", res.Message)
	assert.Empty(t, res.Branch)

	branches, err := f.forge.ListBranches(context.Background(), "docsflow-")
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestPublishUnknownEntity(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Publish(context.Background(), Request{Entity: "recipes"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPublishCommitsAllDocumentsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	f.edit(t, v2, "two\nmore\n")

	res := f.publish(t, "")
	assert.True(t, res.NewBranch)
	assert.True(t, strings.HasPrefix(res.Branch, "docsflow-release-notes-publish-"))
	assert.ElementsMatch(t, []string{v1, v2}, res.Published)
	require.NotNil(t, res.PullRequest)
	assert.Equal(t, "open", res.PullRequest.State)
	assert.NotEmpty(t, res.RequestID)

	for path, want := range map[string]string{v1: "one\nmore\n", v2: "two\nmore\n"} {
		content, err := f.forge.GetFileContent(ctx, path, res.Branch)
		require.NoError(t, err)
		assert.Equal(t, want, content)

		meta, err := f.forge.GetCommitMetadata(ctx, path, res.Branch)
		require.NoError(t, err)
		assert.Equal(t, res.Commit, meta.SHA, "both files land in one commit")
		assert.Equal(t, "alice", meta.Author)

		doc, err := f.docs.FindDocument(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPublished, doc.Status)
		assert.Equal(t, want, doc.RemoteContent)
		assert.Equal(t, res.Commit, doc.Commit.ID)
	}

	onMain, err := f.forge.GetFileContent(ctx, v1, "main")
	require.NoError(t, err)
	assert.Equal(t, "one\n", onMain)

	rec, err := f.docs.FindPublishBranch(ctx, res.Branch)
	require.NoError(t, err)
	assert.Equal(t, store.BranchOpen, rec.Status)
	assert.Equal(t, "main", rec.Base)
	assert.Equal(t, blobhash.SumString("one\nmore\n"), rec.Files[v1].SHA)
	require.NotNil(t, rec.PullRequest)
	assert.Equal(t, res.PullRequest.Number, rec.PullRequest.Number)
}

func TestPublishReusesOpenBranchAndPullRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	first := f.publish(t, "")

	f.edit(t, v2, "two\nmore\n")
	second := f.publish(t, "")
	assert.False(t, second.NewBranch)
	assert.Equal(t, first.Branch, second.Branch)
	assert.Equal(t, first.PullRequest.Number, second.PullRequest.Number)
	assert.NotEqual(t, first.Commit, second.Commit)

	open, err := f.forge.ListOpenPullRequests(ctx, first.Branch, "main")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	rec, err := f.docs.FindPublishBranch(ctx, first.Branch)
	require.NoError(t, err)
	assert.Contains(t, rec.Files, v1)
	assert.Contains(t, rec.Files, v2)
}

func TestPublishUnchangedContentKeepsBranch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	first := f.publish(t, "")

	// Publish recorded the commit but a retry finds the document pending again.
	_, err := f.docs.UpsertDocument(ctx, v1, store.DocumentPatch{Status: ptr(store.StatusModified)})
	require.NoError(t, err)

	again := f.publish(t, "")
	assert.Equal(t, first.Branch, again.Branch)
	assert.False(t, again.NewBranch)
	assert.Equal(t, first.Commit, again.Commit, "no commit for content already on the branch")

	branches, err := f.forge.ListBranches(ctx, "docsflow-")
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestPublishMarksVanishedBranchStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	first := f.publish(t, "")
	require.NoError(t, f.forge.DeleteBranch(ctx, first.Branch))

	f.edit(t, v2, "two\nmore\n")
	second := f.publish(t, "")
	assert.True(t, second.NewBranch)
	assert.NotEqual(t, first.Branch, second.Branch)

	old, err := f.docs.FindPublishBranch(ctx, first.Branch)
	require.NoError(t, err)
	assert.Equal(t, store.BranchStale, old.Status)
}

func TestPublishCutsNewBranchWhenBranchDiverged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	first := f.publish(t, "")

	// A reviewer pushes a fix straight to the publish branch.
	_, err := f.forge.CommitFiles(ctx, first.Branch, map[string]string{v1: "one\nfixed\n"}, nil, bob, "review fix")
	require.NoError(t, err)

	f.edit(t, v1, "one\nmore\nagain\n")
	second := f.publish(t, "")
	assert.True(t, second.NewBranch)
	assert.NotEqual(t, first.Branch, second.Branch)

	onFirst, err := f.forge.GetFileContent(ctx, v1, first.Branch)
	require.NoError(t, err)
	assert.Equal(t, "one\nfixed\n", onFirst)
}

func TestPublishSingleDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	f.edit(t, v2, "two\nmore\n")

	res := f.publish(t, v1)
	assert.Equal(t, []string{v1}, res.Published)

	doc, err := f.docs.FindDocument(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, store.StatusModified, doc.Status)

	_, err = f.coord.Publish(ctx, Request{Entity: "tech-stack", DocumentID: v2})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPublishSkipsContentAlreadyOnBase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.docs.UpsertDocument(ctx, v1, store.DocumentPatch{
		Entity:        ptr(entity),
		RemoteContent: ptr("old\n"),
		DraftContent:  ptr("one\n"),
		Status:        ptr(store.StatusModified),
	})
	require.NoError(t, err)

	res := f.publish(t, "")
	assert.Empty(t, res.Branch)
	assert.Equal(t, "Nothing differs from main", res.Message)
	assert.Equal(t, []string{v1}, res.Published)

	doc, err := f.docs.FindDocument(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPublished, doc.Status)
	assert.Equal(t, "one\n", doc.RemoteContent)
	assert.Nil(t, doc.DraftContent)

	main, err := f.forge.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, main.SHA, doc.Commit.ID)

	again := f.publish(t, "")
	assert.Equal(t, "No pending changes to publish", again.Message)

	branches, err := f.forge.ListBranches(ctx, "docsflow-")
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestPublishRemoteFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, func(c remote.Client) remote.Client { return failingPulls{c} })
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")

	_, err := f.coord.Publish(ctx, Request{Entity: entity, Actor: alice})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteUnavailable)

	doc, err := f.docs.FindDocument(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusModified, doc.Status)
	assert.Equal(t, "one\n", doc.RemoteContent)

	records, err := f.docs.ListPublishBranches(ctx, store.BranchFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSyncBranches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	merged := f.publish(t, "")
	_, err := f.forge.MergePullRequest(ctx, merged.PullRequest.Number, bob)
	require.NoError(t, err)

	// A record whose branch was deleted after its pull request closed.
	const gone = "docsflow-release-notes-publish-1600000000000"
	require.NoError(t, f.docs.SavePublishBranch(ctx, store.PublishBranch{
		Entity: entity, Branch: gone, Base: "main", Status: store.BranchOpen,
	}))

	mainTip, err := f.forge.GetBranch(ctx, "main")
	require.NoError(t, err)
	_, err = f.forge.CreateBranch(ctx, "docsflow-tech-stack-publish-1700000000000", mainTip.SHA)
	require.NoError(t, err)
	_, err = f.forge.CreateBranch(ctx, "docsflow-recipes-publish-1700000000000", mainTip.SHA)
	require.NoError(t, err)

	report, err := f.coord.SyncBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{merged.Branch}, report.Refreshed)
	assert.Equal(t, []string{gone}, report.Stale)
	assert.ElementsMatch(t, []string{"docsflow-tech-stack-publish-1700000000000", "docsflow-recipes-publish-1700000000000"}, report.Discovered)

	rec, err := f.docs.FindPublishBranch(ctx, merged.Branch)
	require.NoError(t, err)
	assert.Equal(t, store.BranchMerged, rec.Status)
	assert.Equal(t, blobhash.SumString("one\nmore\n"), rec.Files[v1].SHA)

	stack, err := f.docs.FindPublishBranch(ctx, "docsflow-tech-stack-publish-1700000000000")
	require.NoError(t, err)
	assert.Equal(t, "tech-stack", stack.Entity)
	assert.Equal(t, store.BranchOpen, stack.Status)
	assert.Empty(t, stack.Files)

	unknown, err := f.docs.FindPublishBranch(ctx, "docsflow-recipes-publish-1700000000000")
	require.NoError(t, err)
	assert.Equal(t, UnknownEntity, unknown.Entity)
}

type releaseWording struct{ entityAdapter }

func (releaseWording) PullRequestTitle([]store.Document) string { return "Release notes refresh" }

func TestRegisteredAdapterWording(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	catalogEntity, ok := f.coord.catalog.Get(entity)
	require.True(t, ok)
	f.coord.Register(entity, releaseWording{entityAdapter{entity: catalogEntity}})

	f.edit(t, v1, "one\nmore\n")
	res := f.publish(t, "")
	pr, err := f.forge.GetPullRequest(ctx, res.PullRequest.Number)
	require.NoError(t, err)
	assert.Equal(t, "Release notes refresh", pr.Title)

	meta, err := f.forge.GetCommitMetadata(ctx, v1, res.Branch)
	require.NoError(t, err)
	assert.Contains(t, meta.Message, "Published by alice <alice@example.com>")
}

func TestDocNames(t *testing.T) {
	docs := []store.Document{{ID: "a/1.md"}, {ID: "a/2.md"}, {ID: "a/3.md"}, {ID: "a/4.md"}, {ID: "a/5.md"}}
	assert.Equal(t, "1.md", docNames(docs[:1]))
	assert.Equal(t, "1.md, 2.md, 3.md and 2 more", docNames(docs))
}

func ptr[T any](v T) *T { return &v }

func TestPublishedChangeSurvivesTreeSyncBeforeMerge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "one\nPUBLISHED EDIT\n")
	first := f.publish(t, "")

	trees := treesync.New(treesync.Deps{Docs: f.docs, Trees: f.docs, Remote: f.forge, Refresher: f.ws, Logger: zaptest.NewLogger(t)})
	synced, err := trees.Sync(ctx, "docs/release-notes/")
	require.NoError(t, err)
	assert.Empty(t, synced.Refreshed)
	assert.Empty(t, synced.Conflicts)

	doc, err := f.docs.FindDocument(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPublished, doc.Status)
	assert.Equal(t, "one\nPUBLISHED EDIT\n", doc.Content())

	f.edit(t, v1, "one\nPUBLISHED EDIT\nsecond\n")
	second := f.publish(t, "")
	assert.Equal(t, first.Branch, second.Branch)

	onBranch, err := f.forge.GetFileContent(ctx, v1, second.Branch)
	require.NoError(t, err)
	assert.Equal(t, "one\nPUBLISHED EDIT\nsecond\n", onBranch)

	rec, err := f.docs.FindPublishBranch(ctx, first.Branch)
	require.NoError(t, err)
	assert.Equal(t, blobhash.SumString("one\n"), rec.Files[v1].BaseSHA, "baseline stays the default-branch copy")
}

func TestRefreshMergesUpstreamMoveUnderPendingPublish(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.forge.CommitFiles(ctx, "main", map[string]string{v1: "a\nb\nc\nd\ne\n"}, nil, bob, "expand")
	require.NoError(t, err)

	f.edit(t, v1, "a\nB\nc\nd\ne\n")
	first := f.publish(t, "")

	_, err = f.forge.CommitFiles(ctx, "main", map[string]string{v1: "a\nb\nc\nd\nE\n"}, nil, bob, "upstream fix")
	require.NoError(t, err)

	res, err := f.ws.RefreshFromRemote(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, workspace.RefreshMerged, res.Outcome)
	assert.Equal(t, "a\nb\nc\nd\nE\n", res.Document.RemoteContent)
	assert.Equal(t, "a\nB\nc\nd\nE\n", res.Document.Content())
	assert.Equal(t, store.StatusModified, res.Document.Status)

	second := f.publish(t, "")
	assert.Equal(t, first.Branch, second.Branch)
	onBranch, err := f.forge.GetFileContent(ctx, v1, second.Branch)
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\nd\nE\n", onBranch)

	again, err := f.ws.RefreshFromRemote(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, workspace.RefreshUnchanged, again.Outcome)
	assert.Equal(t, store.StatusPublished, again.Document.Status)
}

func TestRefreshReportsConflictUnderPendingPublish(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.edit(t, v1, "mine\n")
	f.publish(t, "")

	_, err := f.forge.CommitFiles(ctx, "main", map[string]string{v1: "theirs\n"}, nil, bob, "upstream rewrite")
	require.NoError(t, err)

	res, err := f.ws.RefreshFromRemote(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, workspace.RefreshConflict, res.Outcome)
	assert.Equal(t, "theirs\n", res.Upstream)

	doc, err := f.docs.FindDocument(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, "mine\n", doc.Content())
	assert.Equal(t, store.StatusPublished, doc.Status)
}

func TestPublishLooksPastTruncatedListing(t *testing.T) {
	f := newFixture(t, func(c remote.Client) remote.Client { return truncatedTrees{c} })
	ctx := context.Background()
	f.edit(t, v1, "one\nmore\n")
	first := f.publish(t, "")
	assert.True(t, first.NewBranch)

	_, err := f.forge.CommitFiles(ctx, first.Branch, map[string]string{v2: "two\nreviewer\n"}, nil, bob, "review note")
	require.NoError(t, err)

	f.edit(t, v2, "two\nmine\n")
	second := f.publish(t, "")
	assert.True(t, second.NewBranch, "branch holding other content for v2 is not reused")
	assert.NotEqual(t, first.Branch, second.Branch)

	onFirst, err := f.forge.GetFileContent(ctx, v2, first.Branch)
	require.NoError(t, err)
	assert.Equal(t, "two\nreviewer\n", onFirst)
	onSecond, err := f.forge.GetFileContent(ctx, v2, second.Branch)
	require.NoError(t, err)
	assert.Equal(t, "two\nmine\n", onSecond)
}
