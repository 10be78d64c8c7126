package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"docsflow/api/internal/domain"
)

// MemoryStore keeps everything in process. It backs tests and the
// DOCSFLOW_STORE=memory mode.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]Document
	branches  map[string]PublishBranch
	trees     map[string]TreeSnapshot
	bookmarks map[string]SyncBookmark
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]Document),
		branches:  make(map[string]PublishBranch),
		trees:     make(map[string]TreeSnapshot),
		bookmarks: make(map[string]SyncBookmark),
		now:       Now,
	}
}

// tick returns a timestamp strictly after the last one handed out, so two
// writes within the same microsecond still trip the optimistic guard.
func (s *MemoryStore) tick(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *MemoryStore) FindDocument(_ context.Context, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, domain.NotFound("document", id)
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, filter Filter) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0)
	for _, doc := range s.docs {
		if matchesFilter(doc, filter) {
			out = append(out, cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertDocument(_ context.Context, id string, patch DocumentPatch) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		doc = Document{ID: id}
	}
	doc = cloneDocument(doc)
	applyPatch(&doc, patch, s.tick(doc.UpdatedAt))
	s.docs[id] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) UpdateDocumentIfUnmodified(_ context.Context, id string, expected time.Time, patch DocumentPatch) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, domain.NotFound("document", id)
	}
	if err := checkGuard(doc, expected); err != nil {
		return Document{}, err
	}
	doc = cloneDocument(doc)
	applyPatch(&doc, patch, s.tick(doc.UpdatedAt))
	s.docs[id] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, id string, record ChangeRecord) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, domain.NotFound("document", id)
	}
	doc = cloneDocument(doc)
	applyPatch(&doc, DocumentPatch{AppendHistory: []ChangeRecord{record}}, s.tick(doc.UpdatedAt))
	s.docs[id] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return domain.NotFound("document", id)
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) ListPublishBranches(_ context.Context, filter BranchFilter) ([]PublishBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PublishBranch, 0)
	for _, b := range s.branches {
		if matchesBranchFilter(b, filter) {
			out = append(out, cloneBranch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	sortBranches(out)
	return out, nil
}

func (s *MemoryStore) FindPublishBranch(_ context.Context, branch string) (PublishBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branch]
	if !ok {
		return PublishBranch{}, domain.NotFound("publish branch", branch)
	}
	return cloneBranch(b), nil
}

func (s *MemoryStore) SavePublishBranch(_ context.Context, branch PublishBranch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveBranchLocked(branch)
	return nil
}

func (s *MemoryStore) saveBranchLocked(branch PublishBranch) {
	now := s.now()
	if prev, ok := s.branches[branch.Branch]; ok {
		branch.CreatedAt = prev.CreatedAt
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = now
	}
	branch.UpdatedAt = now
	s.branches[branch.Branch] = cloneBranch(branch)
}

func (s *MemoryStore) SetPublishBranchStatus(_ context.Context, branch string, status BranchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branch]
	if !ok {
		return domain.NotFound("publish branch", branch)
	}
	b.Status = status
	b.UpdatedAt = s.now()
	s.branches[branch] = b
	return nil
}

func (s *MemoryStore) RecordPublish(_ context.Context, branch PublishBranch, docs []PublishedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pub := range docs {
		if _, ok := s.docs[pub.ID]; !ok {
			return domain.NotFound("document", pub.ID)
		}
	}
	for _, pub := range docs {
		doc := cloneDocument(s.docs[pub.ID])
		markPublished(&doc, pub, s.tick(doc.UpdatedAt))
		s.docs[pub.ID] = doc
	}
	s.saveBranchLocked(branch)
	return nil
}

func (s *MemoryStore) GetTreeSnapshot(_ context.Context, path string) (TreeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.trees[path]
	if !ok {
		return TreeSnapshot{}, domain.NotFound("tree snapshot", path)
	}
	snap.Entries = append([]TreeEntry(nil), snap.Entries...)
	return snap, nil
}

func (s *MemoryStore) SaveTreeSnapshot(_ context.Context, snapshot TreeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.Entries = append([]TreeEntry(nil), snapshot.Entries...)
	snapshot.UpdatedAt = s.now()
	s.trees[snapshot.Path] = snapshot
	return nil
}

func (s *MemoryStore) GetSyncBookmark(_ context.Context, key string) (SyncBookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookmarks[key]
	if !ok {
		return SyncBookmark{}, domain.NotFound("sync bookmark", key)
	}
	return b, nil
}

func (s *MemoryStore) SaveSyncBookmark(_ context.Context, bookmark SyncBookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bookmark.SyncedAt.IsZero() {
		bookmark.SyncedAt = s.now()
	}
	s.bookmarks[bookmark.Key] = bookmark
	return nil
}

func cloneDocument(doc Document) Document {
	if doc.DraftContent != nil {
		draft := *doc.DraftContent
		doc.DraftContent = &draft
	}
	if doc.HistoryBase != nil {
		base := *doc.HistoryBase
		doc.HistoryBase = &base
	}
	doc.History = append([]ChangeRecord(nil), doc.History...)
	return doc
}

func cloneBranch(b PublishBranch) PublishBranch {
	files := make(map[string]PublishedFile, len(b.Files))
	for k, v := range b.Files {
		files[k] = v
	}
	b.Files = files
	if b.PullRequest != nil {
		pr := *b.PullRequest
		b.PullRequest = &pr
	}
	return b
}
