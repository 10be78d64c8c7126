package search

import (
	"context"

	"go.uber.org/zap"

	"docsflow/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to a
// secondary Searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; fallback may be nil to disable search without it.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Healthy reports whether the primary index is serving. Searches still work
// through the fallback when it is not.
func (s *Service) Healthy() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes documents to Meilisearch in the background.
func (s *Service) Index(docs ...store.Document) {
	if s.meili == nil || !s.meili.Healthy() || len(docs) == 0 {
		return
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, NewRecord(doc))
	}
	go func() {
		if err := s.meili.IndexRecords(records); err != nil {
			s.logger.Warn("index documents", zap.Int("count", len(records)), zap.Error(err))
		}
	}()
}

// Remove drops documents from Meilisearch in the background.
func (s *Service) Remove(paths ...string) {
	if s.meili == nil || !s.meili.Healthy() || len(paths) == 0 {
		return
	}
	go func() {
		for _, p := range paths {
			if err := s.meili.DeleteRecord(p); err != nil {
				s.logger.Warn("remove document from index", zap.String("path", p), zap.Error(err))
			}
		}
	}()
}

// ReindexAll loads every stored document and pushes it to Meilisearch.
// Called at startup.
func (s *Service) ReindexAll(ctx context.Context, docs store.DocumentStore) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	all, err := docs.ListDocuments(ctx, store.Filter{})
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	records := make([]Record, 0, len(all))
	for _, doc := range all {
		records = append(records, NewRecord(doc))
	}
	if err := s.meili.IndexRecords(records); err != nil {
		s.logger.Warn("reindex documents", zap.Error(err))
		return
	}
	s.logger.Info("reindexed documents", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
