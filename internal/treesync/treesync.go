// Package treesync keeps a snapshot of each watched repository directory and
// reconciles stored documents against it.
package treesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docsflow/api/internal/blobhash"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
	"docsflow/api/internal/workspace"
)

// Refresher pulls an upstream change of one document into the store.
type Refresher interface {
	RefreshFromRemote(ctx context.Context, path string) (workspace.RefreshResult, error)
}

type Deps struct {
	Docs      store.DocumentStore
	Trees     store.TreeStore
	Remote    remote.Client
	Refresher Refresher
	Indexer   workspace.Indexer
	Notifier  notify.Notifier
	Logger    *zap.Logger
}

type Engine struct {
	docs      store.DocumentStore
	trees     store.TreeStore
	remote    remote.Client
	refresher Refresher
	indexer   workspace.Indexer
	notifier  notify.Notifier
	logger    *zap.Logger
}

func New(d Deps) *Engine {
	e := &Engine{
		docs:      d.Docs,
		trees:     d.Trees,
		remote:    d.Remote,
		refresher: d.Refresher,
		indexer:   d.Indexer,
		notifier:  d.Notifier,
		logger:    d.Logger,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Result describes one sync of one path.
type Result struct {
	Snapshot store.TreeSnapshot `json:"snapshot"`
	// Deleted documents were removed upstream and had no local edits.
	Deleted []string `json:"deleted,omitempty"`
	// Ghosts were removed upstream but kept because they hold local edits.
	Ghosts []string `json:"ghosts,omitempty"`
	// Refreshed documents changed upstream and were reconciled.
	Refreshed []string `json:"refreshed,omitempty"`
	// Conflicts changed upstream in a way that needs a human.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Sync lists path on the default branch, reconciles stored documents under
// it and saves the new snapshot. On error the previous snapshot is kept.
func (e *Engine) Sync(ctx context.Context, path string) (Result, error) {
	ref := e.remote.DefaultBranch()
	var commit remote.Commit
	switch c, err := e.remote.GetCommitMetadata(ctx, path, ref); {
	case err == nil:
		commit = c
	case errors.Is(err, domain.ErrNotFound):
		e.logger.Warn("no commits touch path", zap.String("path", path))
	default:
		return Result{}, fmt.Errorf("latest commit for %s: %w", path, err)
	}

	treeRef := commit.Tree
	if treeRef == "" {
		treeRef = ref
	}
	tree, err := e.remote.GetTree(ctx, treeRef)
	if err != nil {
		return Result{}, fmt.Errorf("list tree for %s: %w", path, err)
	}
	if tree.Truncated {
		e.logger.Warn("tree listing truncated", zap.String("path", path), zap.String("tree", tree.SHA))
	}

	entries := make([]store.TreeEntry, 0)
	listed := make(map[string]remote.TreeEntry)
	for _, te := range tree.Entries {
		if !strings.HasPrefix(te.Path, path) {
			continue
		}
		entries = append(entries, store.TreeEntry{Path: te.Path, Mode: te.Mode, Type: te.Type, SHA: te.SHA, Size: te.Size})
		if te.Type == remote.TypeBlob {
			listed[te.Path] = te
		}
	}

	docs, err := e.docs.ListDocuments(ctx, store.Filter{Prefix: path})
	if err != nil {
		return Result{}, fmt.Errorf("list documents under %s: %w", path, err)
	}

	var res Result
	var errs error
	for _, doc := range docs {
		te, ok := listed[doc.ID]
		if !ok {
			entry, kept, err := e.removedUpstream(ctx, doc)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if kept {
				entries = append(entries, entry)
				res.Ghosts = append(res.Ghosts, doc.ID)
			} else {
				res.Deleted = append(res.Deleted, doc.ID)
			}
			continue
		}
		if e.refresher == nil || blobhash.Equal(doc.RemoteContent, te.SHA) || doc.Commit.ID == commit.SHA {
			continue
		}
		r, err := e.refresher.RefreshFromRemote(ctx, doc.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", doc.ID, err))
			continue
		}
		switch r.Outcome {
		case workspace.RefreshConflict:
			res.Conflicts = append(res.Conflicts, doc.ID)
		case workspace.RefreshUpdated, workspace.RefreshMerged:
			res.Refreshed = append(res.Refreshed, doc.ID)
		}
	}
	if errs != nil {
		return Result{}, fmt.Errorf("sync %s: %w", path, errs)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	res.Snapshot = store.TreeSnapshot{
		Path:      path,
		Commit:    store.CommitInfo{ID: commit.SHA, Timestamp: commit.Timestamp, Author: commit.Author},
		Entries:   entries,
		UpdatedAt: store.Now(),
	}
	if err := e.trees.SaveTreeSnapshot(ctx, res.Snapshot); err != nil {
		return Result{}, fmt.Errorf("save snapshot %s: %w", path, err)
	}

	e.logger.Info("tree synced",
		zap.String("path", path),
		zap.String("commit", commit.SHA),
		zap.Int("entries", len(entries)),
		zap.Int("deleted", len(res.Deleted)),
		zap.Int("ghosts", len(res.Ghosts)),
		zap.Int("refreshed", len(res.Refreshed)),
		zap.Int("conflicts", len(res.Conflicts)),
	)
	event := notify.NewEvent(notify.KindTree, path, path, commit.Author, map[string]any{
		"commit":    commit.SHA,
		"deleted":   res.Deleted,
		"ghosts":    res.Ghosts,
		"refreshed": res.Refreshed,
		"conflicts": res.Conflicts,
	})
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Warn("publish tree event", zap.String("path", path), zap.Error(err))
	}
	return res, nil
}

// removedUpstream handles a stored document missing from the listing. A
// document with local edits is kept as a ghost: forced back to status new
// and listed with a synthesized entry. Anything else is deleted.
func (e *Engine) removedUpstream(ctx context.Context, doc store.Document) (store.TreeEntry, bool, error) {
	if doc.Status == store.StatusPublished {
		if err := e.docs.DeleteDocument(ctx, doc.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return store.TreeEntry{}, false, fmt.Errorf("delete %s: %w", doc.ID, err)
		}
		if e.indexer != nil {
			e.indexer.Remove(doc.ID)
		}
		return store.TreeEntry{}, false, nil
	}

	if doc.Status != store.StatusNew {
		status := store.StatusNew
		if _, err := e.docs.UpsertDocument(ctx, doc.ID, store.DocumentPatch{Status: &status}); err != nil {
			return store.TreeEntry{}, false, fmt.Errorf("keep ghost %s: %w", doc.ID, err)
		}
	}
	content := doc.Content()
	return store.TreeEntry{
		Path:  doc.ID,
		Mode:  remote.ModeFile,
		Type:  remote.TypeBlob,
		SHA:   blobhash.SumString(content),
		Size:  int64(len(content)),
		Ghost: true,
	}, true, nil
}

// SyncAll syncs each path independently; one failing path does not stop
// the others.
func (e *Engine) SyncAll(ctx context.Context, paths []string) ([]Result, error) {
	var results []Result
	var errs error
	for _, p := range paths {
		res, err := e.Sync(ctx, p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// Snapshot returns the stored snapshot of path, syncing first when there is
// none.
func (e *Engine) Snapshot(ctx context.Context, path string) (store.TreeSnapshot, error) {
	snap, err := e.trees.GetTreeSnapshot(ctx, path)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return store.TreeSnapshot{}, fmt.Errorf("get snapshot %s: %w", path, err)
	}
	res, err := e.Sync(ctx, path)
	if err != nil {
		return store.TreeSnapshot{}, err
	}
	return res.Snapshot, nil
}
