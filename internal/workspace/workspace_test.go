package workspace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsflow/api/internal/config"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/gitrepo"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
	"docsflow/api/internal/structdiff"
	"docsflow/api/internal/textmerge"
)

const notePath = "docs/release-notes/v1.md"
const stackPath = "data/tech-stack-data/1.0.json"

var (
	alice    = store.Author{Name: "alice", Email: "alice@example.com"}
	upstream = remote.Signature{Name: "bob", Email: "bob@example.com"}
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	svc    *Service
	docs   *store.MemoryStore
	forge  *gitrepo.Forge
	events *recorder
}

func newFixture(t *testing.T, files map[string]string) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	forge, err := gitrepo.Open(t.TempDir(), "main", logger)
	require.NoError(t, err)
	if len(files) > 0 {
		_, err = forge.CommitFiles(context.Background(), "main", files, nil, upstream, "seed")
		require.NoError(t, err)
	}
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)

	f := fixture{docs: store.NewMemoryStore(), forge: forge, events: &recorder{}}
	f.svc = New(Deps{
		Docs:     f.docs,
		Remote:   forge,
		Catalog:  catalog,
		Notifier: f.events,
		Merger:   textmerge.Merger{Policy: textmerge.PreferTheirs},
		Logger:   logger,
	})
	return f
}

func (f fixture) pushUpstream(t *testing.T, path, content string) {
	t.Helper()
	_, err := f.forge.CommitFiles(context.Background(), "main", map[string]string{path: content}, nil, upstream, "upstream edit")
	require.NoError(t, err)
}

func (f fixture) save(t *testing.T, path, content string) store.Document {
	t.Helper()
	doc, err := f.svc.SaveDraft(context.Background(), SaveRequest{Path: path, Content: content, Author: alice})
	require.NoError(t, err)
	return doc
}

func TestOpenReadsThroughOnce(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\nB\n"})
	ctx := context.Background()

	doc, err := f.svc.Open(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", doc.RemoteContent)
	assert.Nil(t, doc.DraftContent)
	assert.Equal(t, store.StatusPublished, doc.Status)
	assert.Equal(t, "release-notes", doc.Entity)
	assert.NotEmpty(t, doc.Commit.ID)
	assert.Equal(t, "bob", doc.LastUpdatedBy)

	// Later reads come from the store.
	f.pushUpstream(t, notePath, "changed\n")
	again, err := f.svc.Open(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", again.RemoteContent)

	_, err = f.svc.Open(ctx, "docs/release-notes/missing.md")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.Open(ctx, "elsewhere/readme.md")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveDraftJournalsAndReplays(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\nB\n"})

	f.save(t, notePath, "A\nB\nC\n")
	f.save(t, notePath, "Z\nA\nC\n")
	doc := f.save(t, notePath, "")
	doc = f.save(t, notePath, "Z\nA\nC\nD")

	assert.Equal(t, store.StatusModified, doc.Status)
	assert.Equal(t, store.SourceEditor, doc.Source)
	require.Len(t, doc.History, 4)
	require.NotNil(t, doc.HistoryBase)
	assert.Equal(t, "A\nB\n", *doc.HistoryBase)

	replayed, err := f.svc.Replay(doc)
	require.NoError(t, err)
	assert.Equal(t, *doc.DraftContent, replayed)

	first, err := f.svc.ReplayTo(doc, 1)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\n", first)
	_, err = f.svc.ReplayTo(doc, 5)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Saving identical content records nothing.
	same := f.save(t, notePath, "Z\nA\nC\nD")
	assert.Len(t, same.History, 4)
	assert.Equal(t, doc.UpdatedAt, same.UpdatedAt)

	history, err := f.svc.History(context.Background(), notePath)
	require.NoError(t, err)
	assert.Len(t, history, 4)
	assert.Equal(t, alice, history[0].Author)
}

func TestSaveDraftGuardsAgainstStaleReads(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\n"})
	ctx := context.Background()

	opened, err := f.svc.Open(ctx, notePath)
	require.NoError(t, err)
	_, err = f.svc.SaveDraft(ctx, SaveRequest{Path: notePath, Content: "B\n", Expected: opened.UpdatedAt, Author: alice})
	require.NoError(t, err)

	_, err = f.svc.SaveDraft(ctx, SaveRequest{Path: notePath, Content: "C\n", Expected: opened.UpdatedAt, Author: alice})
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)

	doc, err := f.docs.FindDocument(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, "B\n", *doc.DraftContent)
}

func TestSaveDraftValidation(t *testing.T) {
	f := newFixture(t, map[string]string{stackPath: `{"version":"1.0","tools":[]}`})
	ctx := context.Background()

	_, err := f.svc.SaveDraft(ctx, SaveRequest{Path: notePath, Content: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.SaveDraft(ctx, SaveRequest{Path: "../etc/passwd", Content: "x", Author: alice})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.SaveDraft(ctx, SaveRequest{Path: "unowned/file.md", Content: "x", Author: alice})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.SaveDraft(ctx, SaveRequest{Path: stackPath, Content: `["not", "an", "object"]`, Author: alice})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// The rejected save wrote nothing.
	doc, err := f.docs.FindDocument(ctx, stackPath)
	require.NoError(t, err)
	assert.Nil(t, doc.DraftContent)
	assert.Empty(t, doc.History)
}

func TestSaveDraftForNewDocument(t *testing.T) {
	f := newFixture(t, nil)

	doc := f.save(t, "docs/release-notes/v9.md", "# v9\n")
	assert.Equal(t, store.StatusNew, doc.Status)
	assert.Equal(t, "release-notes", doc.Entity)
	assert.Equal(t, "", doc.RemoteContent)
	require.Len(t, doc.History, 1)

	replayed, err := f.svc.Replay(doc)
	require.NoError(t, err)
	assert.Equal(t, "# v9\n", replayed)
	assert.Equal(t, []notify.Kind{notify.KindDocument}, f.events.kinds())
}

func TestRefreshMergesUpstreamIntoDraft(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\nB\n"})
	ctx := context.Background()

	f.save(t, notePath, "A\nB\nC\n")
	f.pushUpstream(t, notePath, "A\nB2\n")

	res, err := f.svc.RefreshFromRemote(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, RefreshMerged, res.Outcome)

	doc := res.Document
	assert.Equal(t, "A\nB2\n", doc.RemoteContent)
	assert.Equal(t, "A\nB2\nC\n", *doc.DraftContent)
	assert.Equal(t, store.StatusModified, doc.Status)
	require.Len(t, doc.History, 2)
	assert.Equal(t, store.SourceRepository, doc.History[1].Source)
	assert.Equal(t, "bob", doc.History[1].Author.Name)

	replayed, err := f.svc.Replay(doc)
	require.NoError(t, err)
	assert.Equal(t, "A\nB2\nC\n", replayed)

	again, err := f.svc.RefreshFromRemote(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, RefreshUnchanged, again.Outcome)
}

func TestRefreshConflictLeavesDraftUntouched(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\nB\n"})
	ctx := context.Background()

	before := f.save(t, notePath, "A\nmine\n")
	f.pushUpstream(t, notePath, "A\ntheirs\n")

	res, err := f.svc.RefreshFromRemote(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, RefreshConflict, res.Outcome)
	assert.Equal(t, "A\ntheirs\n", res.Upstream)
	assert.NotEmpty(t, res.Conflicts)

	doc, err := f.docs.FindDocument(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, doc.UpdatedAt)
	assert.Equal(t, "A\nmine\n", *doc.DraftContent)
	assert.Equal(t, "A\nB\n", doc.RemoteContent)
	assert.Contains(t, f.events.kinds(), notify.KindConflict)

	resolved, err := f.svc.ResolveUpstream(ctx, ResolveUpstreamRequest{
		Path:     notePath,
		Content:  "A\nmine and theirs\n",
		Expected: doc.UpdatedAt,
		Author:   alice,
	})
	require.NoError(t, err)
	assert.Equal(t, "A\ntheirs\n", resolved.RemoteContent)
	assert.Equal(t, "A\nmine and theirs\n", *resolved.DraftContent)
	assert.Equal(t, store.StatusModified, resolved.Status)

	replayed, err := f.svc.Replay(resolved)
	require.NoError(t, err)
	assert.Equal(t, *resolved.DraftContent, replayed)

	_, err = f.svc.ResolveUpstream(ctx, ResolveUpstreamRequest{
		Path: notePath, Content: "x\n", Expected: doc.UpdatedAt, Author: alice,
	})
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)
}

func TestRefreshFollowsUpstreamWithoutEdits(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\n"})
	ctx := context.Background()

	_, err := f.svc.Open(ctx, notePath)
	require.NoError(t, err)
	f.pushUpstream(t, notePath, "B\n")

	res, err := f.svc.RefreshFromRemote(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, RefreshUpdated, res.Outcome)
	assert.Equal(t, "B\n", res.Document.RemoteContent)
	assert.Equal(t, store.StatusPublished, res.Document.Status)
	assert.Equal(t, store.SourceRepository, res.Document.Source)

	missing, err := f.svc.RefreshFromRemote(ctx, "docs/release-notes/gone.md")
	require.NoError(t, err)
	assert.Equal(t, RefreshMissing, missing.Outcome)
}

func TestReconcileTextIsPure(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\nB\n"})
	ctx := context.Background()

	stored := f.save(t, notePath, "A\nB2\n")
	res, err := f.svc.ReconcileText(ctx, notePath, "A\nB\nC\n", "A\nB\n")
	require.NoError(t, err)
	assert.True(t, res.Clean)
	assert.Equal(t, "A\nB2\nC\n", res.Text)
	assert.Equal(t, stored.UpdatedAt, res.UpdatedAt)

	conflict, err := f.svc.ReconcileText(ctx, notePath, "A\nB3\n", "A\nB\n")
	require.NoError(t, err)
	assert.False(t, conflict.Clean)
	assert.Equal(t, "A\nB2\n", conflict.Text)
	require.Len(t, conflict.Conflicts, 1)

	doc, err := f.docs.FindDocument(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, stored.UpdatedAt, doc.UpdatedAt)
}

func TestStructuredDraftsAndReconciliation(t *testing.T) {
	base := `{"version":"1.0","tools":[{"name":"go","v":"1.21"},{"name":"pg","v":"15"}]}`
	f := newFixture(t, map[string]string{stackPath: base})
	ctx := context.Background()

	opened, err := f.svc.Open(ctx, stackPath)
	require.NoError(t, err)
	canonicalBase, err := normalize(store.FormatStructured, base)
	require.NoError(t, err)
	assert.Equal(t, canonicalBase, opened.RemoteContent)

	// Stored draft moves pg forward.
	f.save(t, stackPath, `{"version":"1.0","tools":[{"name":"go","v":"1.21"},{"name":"pg","v":"16"}]}`)

	// A buffer edited from the original base that touches go only merges silently.
	res, err := f.svc.ReconcileStructured(ctx, stackPath,
		`{"version":"1.0","tools":[{"name":"go","v":"1.22"},{"name":"pg","v":"15"}]}`, base)
	require.NoError(t, err)
	require.True(t, res.Clean)
	merged, err := structdiff.ParseMapping([]byte(res.Merged))
	require.NoError(t, err)
	want, err := structdiff.ParseMapping([]byte(`{"version":"1.0","tools":[{"name":"go","v":"1.22"},{"name":"pg","v":"16"}]}`))
	require.NoError(t, err)
	assert.True(t, structdiff.Equal(want, merged), res.Merged)

	// Touching pg as well conflicts on exactly that field.
	conflicting := `{"version":"1.0","tools":[{"name":"go","v":"1.21"},{"name":"pg","v":"17"}]}`
	res, err = f.svc.ReconcileStructured(ctx, stackPath, conflicting, base)
	require.NoError(t, err)
	assert.False(t, res.Clean)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "tools[pg].v", res.Conflicts[0].Path)

	resolved, err := f.svc.ResolveStructured(ctx, stackPath, conflicting, base,
		map[string]structdiff.Pick{"tools[pg].v": structdiff.PickLocal})
	require.NoError(t, err)
	assert.Contains(t, resolved.Merged, `"17"`)

	_, err = f.svc.ResolveStructured(ctx, stackPath, conflicting, base, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ReconcileStructured(ctx, stackPath, `[1]`, base)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStructuredRefreshMergesSilently(t *testing.T) {
	base := `{"version":"1.0","tools":[{"name":"go","v":"1.21"}]}`
	f := newFixture(t, map[string]string{stackPath: base})
	ctx := context.Background()

	f.save(t, stackPath, `{"version":"1.0","tools":[{"name":"go","v":"1.21"},{"name":"redis","v":"7"}]}`)
	f.pushUpstream(t, stackPath, `{"version":"1.0","tools":[{"name":"go","v":"1.22"}]}`)

	res, err := f.svc.RefreshFromRemote(ctx, stackPath)
	require.NoError(t, err)
	require.Equal(t, RefreshMerged, res.Outcome)

	draft, err := structdiff.ParseMapping([]byte(*res.Document.DraftContent))
	require.NoError(t, err)
	want, err := structdiff.ParseMapping([]byte(`{"version":"1.0","tools":[{"name":"go","v":"1.22"},{"name":"redis","v":"7"}]}`))
	require.NoError(t, err)
	assert.True(t, structdiff.Equal(want, draft), *res.Document.DraftContent)

	replayed, err := f.svc.Replay(res.Document)
	require.NoError(t, err)
	assert.Equal(t, *res.Document.DraftContent, replayed)
}

func TestSaveDraftDefaultsGuardToStoredTimestamp(t *testing.T) {
	f := newFixture(t, map[string]string{notePath: "A\n"})
	doc := f.save(t, notePath, "B\n")
	time.Sleep(time.Millisecond)
	next := f.save(t, notePath, "C\n")
	assert.True(t, next.UpdatedAt.After(doc.UpdatedAt))
}
