package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docsflow/api/internal/blobhash"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
	"docsflow/api/internal/textmerge"
)

type RefreshOutcome string

const (
	RefreshUnchanged RefreshOutcome = "unchanged"
	// RefreshUpdated means the document had no local edits and now mirrors
	// upstream.
	RefreshUpdated RefreshOutcome = "updated"
	// RefreshMerged means upstream changes were merged into the draft.
	RefreshMerged RefreshOutcome = "merged"
	// RefreshConflict means the draft was left untouched; see Conflicts.
	RefreshConflict RefreshOutcome = "conflict"
	// RefreshMissing means the file is gone upstream; tree sync decides
	// whether the document survives.
	RefreshMissing RefreshOutcome = "missing"
)

type RefreshResult struct {
	Outcome  RefreshOutcome `json:"outcome"`
	Document store.Document `json:"document"`
	// Upstream and Conflicts are set on RefreshConflict.
	Upstream  string `json:"upstream,omitempty"`
	Conflicts any    `json:"conflicts,omitempty"`
}

// RefreshFromRemote pulls the default-branch copy of path into the store.
// Documents without local edits follow upstream; drafts get a three-way
// merge journalled as a repository change. A conflicting merge leaves the
// document untouched and raises a conflict event.
func (s *Service) RefreshFromRemote(ctx context.Context, path string) (RefreshResult, error) {
	doc, err := s.docs.FindDocument(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		doc, err = s.Open(ctx, path)
		if errors.Is(err, domain.ErrNotFound) {
			return RefreshResult{Outcome: RefreshMissing}, nil
		}
		if err != nil {
			return RefreshResult{}, err
		}
		return RefreshResult{Outcome: RefreshUpdated, Document: doc}, nil
	}
	if err != nil {
		return RefreshResult{}, fmt.Errorf("find document: %w", err)
	}

	ref := s.remote.DefaultBranch()
	incoming, err := s.remote.GetFileContent(ctx, path, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return RefreshResult{Outcome: RefreshMissing, Document: doc}, nil
	}
	if err != nil {
		return RefreshResult{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	if incoming, err = normalize(doc.Format, incoming); err != nil {
		return RefreshResult{}, fmt.Errorf("read upstream %s: %w", path, err)
	}
	commit, err := s.remote.GetCommitMetadata(ctx, path, ref)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("commit metadata %s: %w", path, err)
	}

	if incoming == doc.RemoteContent {
		if commit.SHA == doc.Commit.ID {
			return RefreshResult{Outcome: RefreshUnchanged, Document: doc}, nil
		}
		saved, err := s.docs.UpdateDocumentIfUnmodified(ctx, path, doc.UpdatedAt, store.DocumentPatch{
			Commit: ptr(commitInfo(commit)),
		})
		if err != nil {
			return RefreshResult{}, fmt.Errorf("update commit %s: %w", path, err)
		}
		return RefreshResult{Outcome: RefreshUnchanged, Document: saved}, nil
	}

	if s.branches != nil {
		_, file, ok, err := store.PendingPublish(ctx, s.branches, doc)
		if err != nil {
			return RefreshResult{}, fmt.Errorf("pending publish of %s: %w", path, err)
		}
		if ok {
			return s.refreshPending(ctx, doc, file, incoming, commit)
		}
	}

	if !doc.Unpublished() {
		saved, err := s.docs.UpdateDocumentIfUnmodified(ctx, path, doc.UpdatedAt, store.DocumentPatch{
			RemoteContent: &incoming,
			ClearDraft:    true,
			Status:        ptr(store.StatusPublished),
			Source:        ptr(store.SourceRepository),
			LastUpdatedBy: &commit.Author,
			Commit:        ptr(commitInfo(commit)),
		})
		if err != nil {
			return RefreshResult{}, fmt.Errorf("update %s: %w", path, err)
		}
		s.documentChanged(ctx, saved)
		return RefreshResult{Outcome: RefreshUpdated, Document: saved}, nil
	}

	return s.mergeInto(ctx, doc, doc.RemoteContent, incoming, commit)
}

// refreshPending handles a document whose baseline sits on an open publish
// branch. The default branch still holds file's base copy until the pull
// request merges, which is not an upstream change. Anything else is merged
// against that base copy so the published edit survives.
func (s *Service) refreshPending(ctx context.Context, doc store.Document, file store.PublishedFile, incoming string, commit remote.Commit) (RefreshResult, error) {
	if blobhash.SumString(incoming) == file.BaseSHA {
		return RefreshResult{Outcome: RefreshUnchanged, Document: doc}, nil
	}

	var base string
	switch {
	case file.BaseCommit != "":
		content, err := s.remote.GetFileContent(ctx, doc.ID, file.BaseCommit)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return RefreshResult{}, fmt.Errorf("fetch %s at %s: %w", doc.ID, file.BaseCommit, err)
		}
		if base, err = normalize(doc.Format, content); err != nil {
			return RefreshResult{}, fmt.Errorf("read base %s: %w", doc.ID, err)
		}
	case file.BaseSHA != blobhash.SumString(""):
		s.logger.Warn("base of pending publish unknown", zap.String("path", doc.ID), zap.String("base_sha", file.BaseSHA))
		return s.conflict(ctx, doc, incoming, commit, []string{"published change awaits merge and upstream moved"}), nil
	}
	s.logger.Info("upstream moved under pending publish",
		zap.String("path", doc.ID),
		zap.String("commit", commit.SHA),
	)
	return s.mergeInto(ctx, doc, base, incoming, commit)
}

// mergeInto three-way merges incoming into the document's content over base
// and adopts the result, or reports a conflict and leaves the document as is.
func (s *Service) mergeInto(ctx context.Context, doc store.Document, base, incoming string, commit remote.Commit) (RefreshResult, error) {
	merged, conflicts, err := s.mergeUpstream(doc, base, incoming)
	if err != nil {
		return RefreshResult{}, err
	}
	if conflicts != nil {
		return s.conflict(ctx, doc, incoming, commit, conflicts), nil
	}

	saved, err := s.adoptUpstream(ctx, doc, incoming, merged, commit, store.SourceRepository, store.Author{Name: commit.Author, Email: commit.Email})
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Outcome: RefreshMerged, Document: saved}, nil
}

func (s *Service) conflict(ctx context.Context, doc store.Document, incoming string, commit remote.Commit, conflicts any) RefreshResult {
	s.logger.Info("upstream change conflicts with draft",
		zap.String("path", doc.ID),
		zap.String("commit", commit.SHA),
	)
	s.publishEvent(ctx, notify.NewEvent(notify.KindConflict, doc.Entity, doc.ID, commit.Author, map[string]any{
		"commit":    commit.SHA,
		"upstream":  incoming,
		"conflicts": conflicts,
	}))
	return RefreshResult{Outcome: RefreshConflict, Document: doc, Upstream: incoming, Conflicts: conflicts}
}

// mergeUpstream merges incoming into the document's content over base.
// Conflicts is non-nil when the merge needs a human.
func (s *Service) mergeUpstream(doc store.Document, baseContent, incoming string) (string, any, error) {
	draft := doc.Content()
	if doc.Format != store.FormatStructured {
		res := textmerge.Merger{Policy: textmerge.PreferTheirs}.Merge(draft, baseContent, incoming)
		if !res.Clean {
			return "", res.Conflicts, nil
		}
		return res.Text, nil, nil
	}

	base, err := parseStructured(baseContent)
	if err != nil {
		return "", nil, err
	}
	local, err := parseStructured(draft)
	if err != nil {
		return "", nil, err
	}
	theirs, err := parseStructured(incoming)
	if err != nil {
		return "", nil, err
	}
	engine := s.engineFor(doc)
	if conflicts := engine.Classify(base, local, theirs); len(conflicts) > 0 {
		return "", conflicts, nil
	}
	merged, err := engine.SilentMerge(base, local, theirs)
	if err != nil {
		return "", nil, err
	}
	text, err := canonical(merged)
	return text, nil, err
}

// adoptUpstream moves the document's baseline to incoming and its draft to
// merged in one guarded write, journalling the draft change.
func (s *Service) adoptUpstream(ctx context.Context, doc store.Document, incoming, merged string, commit remote.Commit, source store.Source, author store.Author) (store.Document, error) {
	status := store.StatusModified
	if merged == incoming {
		status = store.StatusPublished
	}
	patch := store.DocumentPatch{
		RemoteContent: &incoming,
		DraftContent:  &merged,
		Status:        &status,
		Source:        &source,
		LastUpdatedBy: &author.Name,
		Commit:        ptr(commitInfo(commit)),
	}
	if prev := doc.Content(); prev != merged {
		diff, err := s.diff(doc, prev, merged)
		if err != nil {
			return store.Document{}, err
		}
		patch.AppendHistory = []store.ChangeRecord{{
			Timestamp: store.Now(),
			Source:    source,
			Author:    author,
			Diff:      diff,
		}}
	}

	saved, err := s.docs.UpdateDocumentIfUnmodified(ctx, doc.ID, doc.UpdatedAt, patch)
	if err != nil {
		return store.Document{}, fmt.Errorf("merge upstream into %s: %w", doc.ID, err)
	}
	s.logger.Info("merged upstream change into draft",
		zap.String("path", doc.ID),
		zap.String("commit", commit.SHA),
		zap.String("status", string(saved.Status)),
	)
	s.documentChanged(ctx, saved)
	return saved, nil
}

type ResolveUpstreamRequest struct {
	Path     string
	Content  string
	Expected time.Time
	Author   store.Author
}

// ResolveUpstream settles a refresh conflict: the current upstream copy
// becomes the document's baseline and Content, the manual resolution,
// becomes its draft.
func (s *Service) ResolveUpstream(ctx context.Context, req ResolveUpstreamRequest) (store.Document, error) {
	if err := (SaveRequest{Path: req.Path, Author: req.Author}).Validate(); err != nil {
		return store.Document{}, &domain.ValidationError{Message: "invalid resolution", Err: err}
	}
	doc, err := s.docs.FindDocument(ctx, req.Path)
	if err != nil {
		return store.Document{}, fmt.Errorf("find document: %w", err)
	}
	if !req.Expected.IsZero() && !req.Expected.Equal(doc.UpdatedAt) {
		return store.Document{}, &domain.OptimisticConflictError{ID: doc.ID, Expected: req.Expected, Actual: doc.UpdatedAt}
	}
	content, err := normalize(doc.Format, req.Content)
	if err != nil {
		return store.Document{}, err
	}

	ref := s.remote.DefaultBranch()
	incoming, err := s.remote.GetFileContent(ctx, req.Path, ref)
	if err != nil {
		return store.Document{}, fmt.Errorf("fetch %s: %w", req.Path, err)
	}
	if incoming, err = normalize(doc.Format, incoming); err != nil {
		return store.Document{}, err
	}
	commit, err := s.remote.GetCommitMetadata(ctx, req.Path, ref)
	if err != nil {
		return store.Document{}, fmt.Errorf("commit metadata %s: %w", req.Path, err)
	}
	return s.adoptUpstream(ctx, doc, incoming, content, commit, store.SourceEditor, req.Author)
}
