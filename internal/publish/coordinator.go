// Package publish turns accumulated drafts into one commit on a publish
// branch with a pull request against the default branch.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docsflow/api/internal/blobhash"
	"docsflow/api/internal/config"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
	"docsflow/api/internal/workspace"
)

type Deps struct {
	Docs     store.DocumentStore
	Branches store.BranchStore
	Remote   remote.Client
	Catalog  *config.Catalog
	Indexer  workspace.Indexer
	Notifier notify.Notifier
	Logger   *zap.Logger
	// BranchPrefix starts every publish branch name. Defaults to "docsflow".
	BranchPrefix string
	// Bot signs commits when the actor has no name.
	Bot   store.Author
	Clock func() time.Time
}

type Coordinator struct {
	docs     store.DocumentStore
	branches store.BranchStore
	remote   remote.Client
	catalog  *config.Catalog
	indexer  workspace.Indexer
	notifier notify.Notifier
	logger   *zap.Logger
	prefix   string
	bot      store.Author
	clock    func() time.Time

	adapters map[string]Adapter
	locks    sync.Map // entity -> *sync.Mutex
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		docs:     d.Docs,
		branches: d.Branches,
		remote:   d.Remote,
		catalog:  d.Catalog,
		indexer:  d.Indexer,
		notifier: d.Notifier,
		logger:   d.Logger,
		prefix:   d.BranchPrefix,
		bot:      d.Bot,
		clock:    d.Clock,
		adapters: make(map[string]Adapter),
	}
	if c.prefix == "" {
		c.prefix = "docsflow"
	}
	if c.bot.Name == "" {
		c.bot = store.Author{Name: "DocsFlow Bot", Email: "docsflow@users.noreply.github.com"}
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Register overrides the wording used for entity.
func (c *Coordinator) Register(entity string, a Adapter) {
	c.adapters[entity] = a
}

func (c *Coordinator) adapter(entity string) (Adapter, error) {
	if a, ok := c.adapters[entity]; ok {
		return a, nil
	}
	e, ok := c.catalog.Get(entity)
	if !ok {
		return nil, domain.NotFound("entity", entity)
	}
	return entityAdapter{entity: e}, nil
}

// lock serializes publishes of one entity within this process. Publishes
// from other processes are kept apart by the branch reuse check.
func (c *Coordinator) lock(entity string) func() {
	v, _ := c.locks.LoadOrStore(entity, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type Request struct {
	Entity string
	// DocumentID limits the publish to one document.
	DocumentID string
	Actor      store.Author
}

type Result struct {
	RequestID   string             `json:"requestId"`
	Branch      string             `json:"branch,omitempty"`
	NewBranch   bool               `json:"newBranch,omitempty"`
	Commit      string             `json:"commit,omitempty"`
	PullRequest *store.PullRequest `json:"pullRequest,omitempty"`
	Published   []string           `json:"published,omitempty"`
	Message     string             `json:"message"`
}

// candidate is a document about to be published with its local blob hash.
type candidate struct {
	doc     store.Document
	content string
	sha     string
	// baseSHA hashes the repository content the draft was edited from.
	baseSHA string
	// upstream is the default-branch copy this publish replaces. It differs
	// from baseSHA while an earlier publish of the document awaits merging.
	upstream store.PublishedFile
}

// target is the branch a publish writes to.
type target struct {
	record store.PublishBranch
	tip    string
	tree   string
	blobs  map[string]remote.TreeEntry
	fresh  bool
}

// Publish commits every unpublished document of req.Entity (or just
// req.DocumentID) to a reusable open publish branch, or a new one cut from
// the default branch, and makes sure a pull request is open for it. Store
// records change only after every repository call has succeeded.
func (c *Coordinator) Publish(ctx context.Context, req Request) (Result, error) {
	res := Result{RequestID: uuid.NewString()}
	log := c.logger.With(zap.String("request_id", res.RequestID), zap.String("entity", req.Entity))

	adapter, err := c.adapter(req.Entity)
	if err != nil {
		return res, err
	}
	unlock := c.lock(req.Entity)
	defer unlock()

	cands, err := c.candidates(ctx, req)
	if err != nil {
		return res, err
	}
	if len(cands) == 0 {
		res.Message = "No pending changes to publish"
		return res, nil
	}

	base := c.remote.DefaultBranch()
	tgt, err := c.reusableBranch(ctx, req.Entity, base, cands, log)
	if err != nil {
		return res, err
	}
	if tgt == nil {
		baseBranch, err := c.remote.GetBranch(ctx, base)
		if err != nil {
			return res, fmt.Errorf("get base branch: %w", err)
		}
		baseTree, err := c.remote.GetTree(ctx, baseBranch.SHA)
		if err != nil {
			return res, fmt.Errorf("list base tree: %w", err)
		}
		baseBlobs, err := c.blobsAt(ctx, baseBranch.SHA, baseTree, cands)
		if err != nil {
			return res, err
		}
		if len(changed(cands, baseBlobs)) == 0 {
			return c.alreadyOnBase(ctx, res, cands, baseBranch.SHA, log)
		}
		name := fmt.Sprintf("%s-%s-publish-%d", c.prefix, req.Entity, c.clock().UnixMilli())
		if _, err := c.remote.CreateBranch(ctx, name, baseBranch.SHA); err != nil {
			return res, fmt.Errorf("create branch %s: %w", name, err)
		}
		tgt = &target{
			record: store.PublishBranch{Entity: req.Entity, Branch: name, Base: base, Files: map[string]store.PublishedFile{}},
			tip:    baseBranch.SHA,
			tree:   baseTree.SHA,
			blobs:  baseBlobs,
			fresh:  true,
		}
		log.Info("created publish branch", zap.String("branch", name), zap.String("base_sha", baseBranch.SHA))
	}
	res.Branch = tgt.record.Branch
	res.NewBranch = tgt.fresh

	docs := make([]store.Document, len(cands))
	for i, cand := range cands {
		docs[i] = cand.doc
	}
	actor := req.Actor
	if actor.Name == "" {
		actor = c.bot
	}
	now := c.clock().UTC()

	commitSHA := tgt.tip
	commitTime := now
	if diff := changed(cands, tgt.blobs); len(diff) > 0 {
		commit, err := c.commit(ctx, tgt, diff, adapter.CommitMessage(docs, actor), actor, now)
		if err != nil {
			return res, err
		}
		commitSHA, commitTime = commit.SHA, commit.Timestamp
		log.Info("committed documents",
			zap.String("branch", tgt.record.Branch),
			zap.String("commit", commit.SHA),
			zap.Int("changed", len(diff)),
		)
	}
	res.Commit = commitSHA

	pr, err := c.pullRequest(ctx, tgt.record.Branch, base, adapter, docs)
	if err != nil {
		return res, err
	}
	res.PullRequest = pr

	record := tgt.record
	if record.Files == nil {
		record.Files = map[string]store.PublishedFile{}
	}
	published := make([]store.PublishedDocument, 0, len(cands))
	for _, cand := range cands {
		file := cand.upstream
		file.SHA, file.PublishedAt = cand.sha, now
		record.Files[cand.doc.ID] = file
		published = append(published, store.PublishedDocument{
			ID:      cand.doc.ID,
			Content: cand.content,
			Commit:  store.CommitInfo{ID: commitSHA, Timestamp: commitTime, Author: actor.Name},
			Actor:   actor,
		})
		res.Published = append(res.Published, cand.doc.ID)
	}
	record.PullRequest = pr
	record.Status = store.BranchOpen
	record.LastUsedAt = now
	if err := c.branches.RecordPublish(ctx, record, published); err != nil {
		return res, fmt.Errorf("record publish: %w", err)
	}

	res.Message = fmt.Sprintf("Published %d file(s) to %s", len(published), record.Branch)
	log.Info("published", zap.String("branch", record.Branch), zap.Strings("documents", res.Published))
	c.afterPublish(ctx, req.Entity, actor, res)
	return res, nil
}

// candidates loads the documents to publish with their serialized content
// and local blob hash.
func (c *Coordinator) candidates(ctx context.Context, req Request) ([]candidate, error) {
	var docs []store.Document
	if req.DocumentID != "" {
		doc, err := c.docs.FindDocument(ctx, req.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("find document: %w", err)
		}
		if doc.Entity != req.Entity {
			return nil, domain.Invalid("document %s belongs to %q, not %q", doc.ID, doc.Entity, req.Entity)
		}
		if doc.Status != store.StatusPublished {
			docs = []store.Document{doc}
		}
	} else {
		var err error
		docs, err = c.docs.ListDocuments(ctx, store.Filter{Entity: req.Entity, Unpublished: true})
		if err != nil {
			return nil, fmt.Errorf("list unpublished documents: %w", err)
		}
	}

	if len(docs) == 0 {
		return nil, nil
	}
	open, err := c.branches.ListPublishBranches(ctx, store.BranchFilter{Entity: req.Entity, Status: store.BranchOpen})
	if err != nil {
		return nil, fmt.Errorf("list publish branches: %w", err)
	}

	out := make([]candidate, 0, len(docs))
	for _, doc := range docs {
		content := doc.Content()
		cand := candidate{
			doc:     doc,
			content: content,
			sha:     blobhash.SumString(content),
			baseSHA: blobhash.SumString(doc.RemoteContent),
		}
		cand.upstream = store.PublishedFile{BaseSHA: cand.baseSHA, BaseCommit: doc.Commit.ID}
		if _, f, ok := store.PendingIn(open, doc); ok && f.BaseSHA != "" {
			cand.upstream = store.PublishedFile{BaseSHA: f.BaseSHA, BaseCommit: f.BaseCommit}
		}
		out = append(out, cand)
	}
	return out, nil
}

// alreadyOnBase settles candidates whose content the default branch already
// holds: they are marked published against it without a branch. A document
// edited meanwhile stays pending.
func (c *Coordinator) alreadyOnBase(ctx context.Context, res Result, cands []candidate, baseSHA string, log *zap.Logger) (Result, error) {
	base := c.remote.DefaultBranch()
	status := store.StatusPublished
	for _, cand := range cands {
		commit := store.CommitInfo{ID: baseSHA, Timestamp: c.clock().UTC()}
		if meta, err := c.remote.GetCommitMetadata(ctx, cand.doc.ID, base); err == nil {
			commit = store.CommitInfo{ID: meta.SHA, Timestamp: meta.Timestamp, Author: meta.Author}
		}
		content := cand.content
		_, err := c.docs.UpdateDocumentIfUnmodified(ctx, cand.doc.ID, cand.doc.UpdatedAt, store.DocumentPatch{
			RemoteContent: &content,
			ClearDraft:    true,
			Status:        &status,
			Commit:        &commit,
		})
		var moved *domain.OptimisticConflictError
		if errors.As(err, &moved) {
			log.Info("document changed during publish, left pending", zap.String("path", cand.doc.ID))
			continue
		}
		if err != nil {
			return res, fmt.Errorf("mark %s published: %w", cand.doc.ID, err)
		}
		res.Published = append(res.Published, cand.doc.ID)
	}
	res.Commit = baseSHA
	res.Message = fmt.Sprintf("Nothing differs from %s", base)
	log.Info("content already on base, marked published", zap.Strings("documents", res.Published))
	if c.indexer != nil {
		for _, id := range res.Published {
			if doc, err := c.docs.FindDocument(ctx, id); err == nil {
				c.indexer.Index(doc)
			}
		}
	}
	return res, nil
}

// reusableBranch returns the most recently used open branch whose recorded
// hashes still match its tip for every candidate path. Branches gone from
// the remote are marked stale.
func (c *Coordinator) reusableBranch(ctx context.Context, entity, base string, cands []candidate, log *zap.Logger) (*target, error) {
	records, err := c.branches.ListPublishBranches(ctx, store.BranchFilter{Entity: entity, Base: base, Status: store.BranchOpen})
	if err != nil {
		return nil, fmt.Errorf("list publish branches: %w", err)
	}
	for _, rec := range records {
		rb, err := c.remote.GetBranch(ctx, rec.Branch)
		if errors.Is(err, domain.ErrNotFound) {
			if err := c.branches.SetPublishBranchStatus(ctx, rec.Branch, store.BranchStale); err != nil {
				return nil, fmt.Errorf("mark %s stale: %w", rec.Branch, err)
			}
			log.Info("publish branch gone, marked stale", zap.String("branch", rec.Branch))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get branch %s: %w", rec.Branch, err)
		}
		tree, err := c.remote.GetTree(ctx, rb.SHA)
		if err != nil {
			return nil, fmt.Errorf("list tree of %s: %w", rec.Branch, err)
		}
		blobs, err := c.blobsAt(ctx, rb.SHA, tree, cands)
		if err != nil {
			return nil, err
		}
		if reason := reuseConflict(rec, blobs, cands); reason != "" {
			log.Debug("publish branch not reusable", zap.String("branch", rec.Branch), zap.String("reason", reason))
			continue
		}
		return &target{record: rec, tip: rb.SHA, tree: tree.SHA, blobs: blobs}, nil
	}
	return nil, nil
}

// blobsAt indexes the blobs of tree, the listing of ref. A truncated listing
// may leave candidate paths out, so those are fetched from ref one by one.
func (c *Coordinator) blobsAt(ctx context.Context, ref string, tree remote.Tree, cands []candidate) (map[string]remote.TreeEntry, error) {
	blobs := tree.Blobs()
	if !tree.Truncated {
		return blobs, nil
	}
	for _, cand := range cands {
		if _, ok := blobs[cand.doc.ID]; ok {
			continue
		}
		content, err := c.remote.GetFileContent(ctx, cand.doc.ID, ref)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s at %s: %w", cand.doc.ID, ref, err)
		}
		blobs[cand.doc.ID] = remote.TreeEntry{
			Path: cand.doc.ID,
			Mode: remote.ModeFile,
			Type: remote.TypeBlob,
			SHA:  blobhash.SumString(content),
			Size: int64(len(content)),
		}
	}
	return blobs, nil
}

// reuseConflict explains why rec cannot take cands, or returns "". A path
// the branch has published must still hold what was published there. A path
// it never published must be absent, untouched since the draft's baseline,
// or already hold the candidate content.
func reuseConflict(rec store.PublishBranch, blobs map[string]remote.TreeEntry, cands []candidate) string {
	for _, cand := range cands {
		onBranch := blobs[cand.doc.ID].SHA
		if recorded, ok := rec.Files[cand.doc.ID]; ok {
			if onBranch == "" || onBranch != recorded.SHA {
				return fmt.Sprintf("%s changed on branch since last publish", cand.doc.ID)
			}
			continue
		}
		if onBranch != "" && onBranch != cand.sha && onBranch != cand.baseSHA && onBranch != cand.upstream.BaseSHA {
			return fmt.Sprintf("%s holds other content on branch", cand.doc.ID)
		}
	}
	return ""
}

// changed returns the candidates whose content differs from blobs.
func changed(cands []candidate, blobs map[string]remote.TreeEntry) []candidate {
	var out []candidate
	for _, cand := range cands {
		if blobs[cand.doc.ID].SHA != cand.sha {
			out = append(out, cand)
		}
	}
	return out
}

// commit writes one commit holding every changed document and advances the
// branch to it.
func (c *Coordinator) commit(ctx context.Context, tgt *target, diff []candidate, message string, actor store.Author, now time.Time) (remote.Commit, error) {
	changes := make([]remote.TreeChange, 0, len(diff))
	for _, cand := range diff {
		sha, err := c.remote.CreateBlob(ctx, cand.content)
		if err != nil {
			return remote.Commit{}, fmt.Errorf("create blob for %s: %w", cand.doc.ID, err)
		}
		if sha != cand.sha {
			c.logger.Warn("remote blob hash differs from local hash",
				zap.String("path", cand.doc.ID), zap.String("local", cand.sha), zap.String("remote", sha))
		}
		changes = append(changes, remote.TreeChange{Path: cand.doc.ID, Mode: remote.ModeFile, SHA: sha})
	}

	tree, err := c.remote.CreateTree(ctx, tgt.tree, changes)
	if err != nil {
		return remote.Commit{}, fmt.Errorf("create tree: %w", err)
	}
	commit, err := c.remote.CreateCommit(ctx, remote.NewCommit{
		Message: message,
		Tree:    tree,
		Parents: []string{tgt.tip},
		Author:  remote.Signature{Name: actor.Name, Email: actor.Email, When: now},
	})
	if err != nil {
		return remote.Commit{}, fmt.Errorf("create commit: %w", err)
	}
	if err := c.remote.UpdateRef(ctx, tgt.record.Branch, commit.SHA); err != nil {
		return remote.Commit{}, fmt.Errorf("advance %s: %w", tgt.record.Branch, err)
	}
	return commit, nil
}

// pullRequest reuses the open pull request of branch or opens one.
func (c *Coordinator) pullRequest(ctx context.Context, branch, base string, adapter Adapter, docs []store.Document) (*store.PullRequest, error) {
	open, err := c.remote.ListOpenPullRequests(ctx, branch, base)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(open) > 0 {
		return toPullRequest(open[0]), nil
	}
	pr, err := c.remote.CreatePullRequest(ctx, remote.NewPullRequest{
		Title: adapter.PullRequestTitle(docs),
		Body:  adapter.PullRequestBody(docs),
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return toPullRequest(pr), nil
}

func (c *Coordinator) afterPublish(ctx context.Context, entity string, actor store.Author, res Result) {
	if c.indexer != nil {
		for _, id := range res.Published {
			if doc, err := c.docs.FindDocument(ctx, id); err == nil {
				c.indexer.Index(doc)
			}
		}
	}
	for _, id := range res.Published {
		event := notify.NewEvent(notify.KindPublish, entity, id, actor.Name, map[string]any{
			"requestId":   res.RequestID,
			"branch":      res.Branch,
			"commit":      res.Commit,
			"pullRequest": res.PullRequest,
		})
		if err := c.notifier.Publish(ctx, event); err != nil {
			c.logger.Warn("publish event", zap.String("path", id), zap.Error(err))
		}
	}
}

func toPullRequest(pr remote.PullRequest) *store.PullRequest {
	state := pr.State
	if pr.Merged {
		state = "merged"
	}
	return &store.PullRequest{URL: pr.URL, Number: pr.Number, State: state}
}
