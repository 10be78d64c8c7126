package search

import (
	"context"
	"fmt"
	"strings"

	"docsflow/api/internal/store"
)

// Scan is a Searcher over the document store itself: a case-insensitive
// substring match on title and content. It backs deployments without
// Postgres or Meilisearch.
type Scan struct {
	docs store.DocumentStore
}

func NewScan(docs store.DocumentStore) *Scan {
	return &Scan{docs: docs}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}
	docs, err := s.docs.ListDocuments(ctx, store.Filter{Entity: q.Entity})
	if err != nil {
		return nil, 0, fmt.Errorf("scan documents: %w", err)
	}

	var matches []Result
	for _, doc := range docs {
		if q.Status != "" && string(doc.Status) != q.Status {
			continue
		}
		rec := NewRecord(doc)
		at := strings.Index(strings.ToLower(rec.Content), needle)
		if at < 0 && !strings.Contains(strings.ToLower(rec.Title), needle) {
			continue
		}
		matches = append(matches, Result{
			Path:    rec.Path,
			Entity:  rec.Entity,
			Title:   rec.Title,
			Status:  rec.Status,
			Snippet: snippet(rec.Content, at, len(needle)),
		})
	}

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(max(q.Offset, 0), total)
	end := min(start+limit, total)
	return matches[start:end], total, nil
}

// snippet cuts a window of content around a match, in bytes, widened to
// line boundaries.
func snippet(content string, at, n int) string {
	if at < 0 {
		return ""
	}
	start := strings.LastIndex(content[:at], "\n") + 1
	end := strings.Index(content[at+n:], "\n")
	if end < 0 {
		end = len(content)
	} else {
		end += at + n
	}
	return strings.TrimSpace(content[start:end])
}
