// Package workspace owns the editor side of a document: read-through from
// the repository, draft saves with a replayable history, and reconciliation
// of drafts, editor buffers and upstream changes.
package workspace

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docsflow/api/internal/config"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
	"docsflow/api/internal/structdiff"
	"docsflow/api/internal/textmerge"
)

// Indexer receives documents whose content changed.
type Indexer interface {
	Index(docs ...store.Document)
	Remove(paths ...string)
}

type nopIndexer struct{}

func (nopIndexer) Index(...store.Document) {}
func (nopIndexer) Remove(...string)        {}

type Deps struct {
	Docs store.DocumentStore
	// Branches, when set, lets refreshes recognise content published to a
	// pull request the default branch has not merged yet.
	Branches store.BranchStore
	Remote   remote.Client
	Catalog  *config.Catalog
	Notifier notify.Notifier
	Indexer  Indexer
	Merger   textmerge.Merger
	Logger   *zap.Logger
}

type Service struct {
	docs     store.DocumentStore
	branches store.BranchStore
	remote   remote.Client
	catalog  *config.Catalog
	notifier notify.Notifier
	indexer  Indexer
	merger   textmerge.Merger
	logger   *zap.Logger
}

func New(d Deps) *Service {
	s := &Service{
		docs:     d.Docs,
		branches: d.Branches,
		remote:   d.Remote,
		catalog:  d.Catalog,
		notifier: d.Notifier,
		indexer:  d.Indexer,
		merger:   d.Merger,
		logger:   d.Logger,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.indexer == nil {
		s.indexer = nopIndexer{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Open returns the stored document, reading it through from the default
// branch on first access.
func (s *Service) Open(ctx context.Context, path string) (store.Document, error) {
	doc, err := s.docs.FindDocument(ctx, path)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return store.Document{}, fmt.Errorf("find document: %w", err)
	}

	entity, ok := s.catalog.ForPath(path)
	if !ok {
		return store.Document{}, domain.NotFound("document", path)
	}
	ref := s.remote.DefaultBranch()
	content, err := s.remote.GetFileContent(ctx, path, ref)
	if err != nil {
		return store.Document{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	content, err = normalize(entity.Format, content)
	if err != nil {
		return store.Document{}, fmt.Errorf("read %s: %w", path, err)
	}

	patch := store.DocumentPatch{
		Entity:        &entity.Name,
		Format:        &entity.Format,
		RemoteContent: &content,
		Status:        ptr(store.StatusPublished),
		Source:        ptr(store.SourceRepository),
	}
	if commit, err := s.remote.GetCommitMetadata(ctx, path, ref); err == nil {
		patch.Commit = ptr(commitInfo(commit))
		patch.LastUpdatedBy = &commit.Author
	} else {
		s.logger.Warn("commit metadata unavailable", zap.String("path", path), zap.Error(err))
	}

	doc, err = s.docs.UpsertDocument(ctx, path, patch)
	if err != nil {
		return store.Document{}, fmt.Errorf("store %s: %w", path, err)
	}
	s.logger.Debug("read document through from repository", zap.String("path", path), zap.String("ref", ref))
	s.indexer.Index(doc)
	return doc, nil
}

// Entities lists the catalogue.
func (s *Service) Entities() []config.Entity {
	return s.catalog.All()
}

func (s *Service) engineFor(doc store.Document) *structdiff.Engine {
	if e, ok := s.catalog.Get(doc.Entity); ok {
		return structdiff.NewEngine(e.KeyFields...)
	}
	return structdiff.NewEngine()
}

func (s *Service) publishEvent(ctx context.Context, event notify.Event) {
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event", zap.String("kind", string(event.Kind)), zap.String("path", event.Path), zap.Error(err))
	}
}

func (s *Service) documentChanged(ctx context.Context, doc store.Document) {
	s.indexer.Index(doc)
	s.publishEvent(ctx, notify.NewEvent(notify.KindDocument, doc.Entity, doc.ID, doc.LastUpdatedBy, map[string]any{
		"status":    doc.Status,
		"source":    doc.Source,
		"updatedAt": doc.UpdatedAt,
	}))
}

// normalize returns the stored form of content: unchanged text, or the
// canonical serialization of a structured document.
func normalize(format store.Format, content string) (string, error) {
	if format != store.FormatStructured {
		return content, nil
	}
	v, err := parseStructured(content)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return structdiff.Canonical(v)
}

// parseStructured decodes stored structured content. Empty content is the
// absent value.
func parseStructured(content string) (structdiff.Value, error) {
	if content == "" {
		return nil, nil
	}
	m, err := structdiff.ParseMapping([]byte(content))
	if err != nil {
		return nil, &domain.ValidationError{Message: "structured content must be a JSON object", Err: err}
	}
	return m, nil
}

func commitInfo(c remote.Commit) store.CommitInfo {
	return store.CommitInfo{ID: c.SHA, Timestamp: c.Timestamp, Author: c.Author}
}

func ptr[T any](v T) *T { return &v }
