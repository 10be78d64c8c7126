package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"docsflow/api/internal/blobhash"
	"docsflow/api/internal/domain"
)

type DocumentStore interface {
	FindDocument(ctx context.Context, id string) (Document, error)
	ListDocuments(ctx context.Context, filter Filter) ([]Document, error)
	UpsertDocument(ctx context.Context, id string, patch DocumentPatch) (Document, error)
	// UpdateDocumentIfUnmodified fails with *domain.OptimisticConflictError
	// when the stored UpdatedAt differs from expected.
	UpdateDocumentIfUnmodified(ctx context.Context, id string, expected time.Time, patch DocumentPatch) (Document, error)
	AppendHistory(ctx context.Context, id string, record ChangeRecord) (Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

type BranchStore interface {
	// ListPublishBranches returns matches most recently used first.
	ListPublishBranches(ctx context.Context, filter BranchFilter) ([]PublishBranch, error)
	FindPublishBranch(ctx context.Context, branch string) (PublishBranch, error)
	SavePublishBranch(ctx context.Context, branch PublishBranch) error
	SetPublishBranchStatus(ctx context.Context, branch string, status BranchStatus) error
	// RecordPublish marks docs published and saves branch in one write.
	RecordPublish(ctx context.Context, branch PublishBranch, docs []PublishedDocument) error
}

type TreeStore interface {
	GetTreeSnapshot(ctx context.Context, path string) (TreeSnapshot, error)
	SaveTreeSnapshot(ctx context.Context, snapshot TreeSnapshot) error
}

type SyncMetaStore interface {
	GetSyncBookmark(ctx context.Context, key string) (SyncBookmark, error)
	SaveSyncBookmark(ctx context.Context, bookmark SyncBookmark) error
}

type Store interface {
	DocumentStore
	BranchStore
	TreeStore
	SyncMetaStore
}

// Now is the store clock. Timestamps are kept at microsecond precision so
// guards survive a round trip through Postgres.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// applyPatch mutates doc in place. The first history record of a document
// pins HistoryBase to the content it was computed against, so replaying the
// journal from there reproduces the draft.
func applyPatch(doc *Document, patch DocumentPatch, now time.Time) {
	if len(patch.AppendHistory) > 0 && doc.HistoryBase == nil {
		base := doc.Content()
		doc.HistoryBase = &base
	}
	if patch.Entity != nil {
		doc.Entity = *patch.Entity
	}
	if patch.Format != nil {
		doc.Format = *patch.Format
	}
	if patch.RemoteContent != nil {
		doc.RemoteContent = *patch.RemoteContent
	}
	if patch.ClearDraft {
		doc.DraftContent = nil
		doc.HistoryBase = nil
		doc.History = nil
	}
	if patch.DraftContent != nil {
		draft := *patch.DraftContent
		doc.DraftContent = &draft
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.Source != nil {
		doc.Source = *patch.Source
	}
	if patch.LastUpdatedBy != nil {
		doc.LastUpdatedBy = *patch.LastUpdatedBy
	}
	if patch.Commit != nil {
		doc.Commit = *patch.Commit
	}
	doc.History = append(doc.History, patch.AppendHistory...)

	if doc.Format == "" {
		doc.Format = FormatText
	}
	if doc.Status == "" {
		doc.Status = StatusNew
	}
	if doc.Source == "" {
		doc.Source = SourceRepository
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
}

func checkGuard(doc Document, expected time.Time) error {
	expected = expected.UTC().Truncate(time.Microsecond)
	if !doc.UpdatedAt.Equal(expected) {
		return &domain.OptimisticConflictError{ID: doc.ID, Expected: expected, Actual: doc.UpdatedAt}
	}
	return nil
}

// markPublished applies a publish to doc. A draft edited after the publish
// read its content stays in place as a pending modification.
func markPublished(doc *Document, pub PublishedDocument, now time.Time) {
	doc.RemoteContent = pub.Content
	doc.Commit = pub.Commit
	doc.LastUpdatedBy = pub.Actor.Name
	doc.Source = SourceEditor
	if doc.DraftContent != nil && *doc.DraftContent != pub.Content {
		doc.Status = StatusModified
	} else {
		doc.Status = StatusPublished
	}
	doc.UpdatedAt = now
}

func matchesFilter(doc Document, f Filter) bool {
	if f.Entity != "" && doc.Entity != f.Entity {
		return false
	}
	if f.Prefix != "" && !strings.HasPrefix(doc.ID, f.Prefix) {
		return false
	}
	if f.Unpublished && doc.Status == StatusPublished {
		return false
	}
	if !f.UpdatedSince.IsZero() && !doc.UpdatedAt.After(f.UpdatedSince) {
		return false
	}
	return true
}

func matchesBranchFilter(b PublishBranch, f BranchFilter) bool {
	return (f.Entity == "" || b.Entity == f.Entity) &&
		(f.Base == "" || b.Base == f.Base) &&
		(f.Status == "" || b.Status == f.Status)
}

func sortBranches(branches []PublishBranch) {
	sort.SliceStable(branches, func(i, j int) bool {
		return branches[i].LastUsedAt.After(branches[j].LastUsedAt)
	})
}

// PendingIn finds the branch among open whose recorded copy of doc is the
// document's current baseline: content published there that the default
// branch has not merged yet.
func PendingIn(open []PublishBranch, doc Document) (PublishBranch, PublishedFile, bool) {
	sha := blobhash.SumString(doc.RemoteContent)
	for _, b := range open {
		if b.Status != BranchOpen {
			continue
		}
		if f, ok := b.Files[doc.ID]; ok && f.SHA == sha {
			return b, f, true
		}
	}
	return PublishBranch{}, PublishedFile{}, false
}

// PendingPublish is PendingIn over the open branches of doc's entity.
func PendingPublish(ctx context.Context, branches BranchStore, doc Document) (PublishBranch, PublishedFile, bool, error) {
	open, err := branches.ListPublishBranches(ctx, BranchFilter{Entity: doc.Entity, Status: BranchOpen})
	if err != nil {
		return PublishBranch{}, PublishedFile{}, false, err
	}
	b, f, ok := PendingIn(open, doc)
	return b, f, ok, nil
}
