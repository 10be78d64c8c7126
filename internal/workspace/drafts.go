package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/store"
	"docsflow/api/internal/structdiff"
	"docsflow/api/internal/textmerge"
)

type SaveRequest struct {
	Path    string
	Content string
	// Expected is the UpdatedAt the caller last read. Zero skips the guard
	// against earlier reads; the write is still guarded against races with
	// this call.
	Expected time.Time
	Author   store.Author
}

func (r SaveRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required, validation.By(relativePath)),
		validation.Field(&r.Author, validation.By(func(any) error {
			return validation.Validate(r.Author.Name, validation.Required.Error("author name is required"))
		})),
	)
}

func relativePath(v any) error {
	p, _ := v.(string)
	if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		return errors.New("must be a relative repository path")
	}
	return nil
}

// SaveDraft stores content as the draft of req.Path and journals the change.
// Saving the content already held records nothing.
func (s *Service) SaveDraft(ctx context.Context, req SaveRequest) (store.Document, error) {
	if err := req.Validate(); err != nil {
		return store.Document{}, &domain.ValidationError{Message: "invalid draft", Err: err}
	}

	doc, err := s.Open(ctx, req.Path)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		entity, ok := s.catalog.ForPath(req.Path)
		if !ok {
			return store.Document{}, domain.Invalid("no entity owns %q", req.Path)
		}
		doc = store.Document{ID: req.Path, Entity: entity.Name, Format: entity.Format}
	default:
		return store.Document{}, err
	}

	content, err := normalize(doc.Format, req.Content)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Format == store.FormatStructured && content == "" {
		return store.Document{}, domain.Invalid("structured content must be a JSON object")
	}

	prev := doc.Content()
	if content == prev && (doc.DraftContent != nil || !doc.CreatedAt.IsZero()) {
		return doc, nil
	}

	diff, err := s.diff(doc, prev, content)
	if err != nil {
		return store.Document{}, err
	}
	status := store.StatusModified
	switch {
	case doc.Commit.ID == "":
		status = store.StatusNew
	case content == doc.RemoteContent:
		status = store.StatusPublished
	}
	patch := store.DocumentPatch{
		Entity:        &doc.Entity,
		Format:        &doc.Format,
		DraftContent:  &content,
		Status:        &status,
		Source:        ptr(store.SourceEditor),
		LastUpdatedBy: &req.Author.Name,
		AppendHistory: []store.ChangeRecord{{
			Timestamp: store.Now(),
			Source:    store.SourceEditor,
			Author:    req.Author,
			Diff:      diff,
		}},
	}

	var saved store.Document
	if doc.CreatedAt.IsZero() {
		saved, err = s.docs.UpsertDocument(ctx, req.Path, patch)
	} else {
		expected := req.Expected
		if expected.IsZero() {
			expected = doc.UpdatedAt
		}
		saved, err = s.docs.UpdateDocumentIfUnmodified(ctx, req.Path, expected, patch)
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("save draft %s: %w", req.Path, err)
	}

	s.logger.Info("saved draft",
		zap.String("path", req.Path),
		zap.String("author", req.Author.Name),
		zap.String("status", string(saved.Status)),
		zap.Int("history", len(saved.History)),
	)
	s.documentChanged(ctx, saved)
	return saved, nil
}

// diff builds the history payload turning prev into next.
func (s *Service) diff(doc store.Document, prev, next string) (store.Diff, error) {
	if doc.Format != store.FormatStructured {
		return store.LineDiff(textmerge.Diff(prev, next)), nil
	}
	oldV, err := parseStructured(prev)
	if err != nil {
		return store.Diff{}, err
	}
	newV, err := parseStructured(next)
	if err != nil {
		return store.Diff{}, err
	}
	return store.StructuredDiff(s.engineFor(doc).Diff(oldV, newV)), nil
}

// History returns the change journal of a document, oldest first.
func (s *Service) History(ctx context.Context, path string) ([]store.ChangeRecord, error) {
	doc, err := s.docs.FindDocument(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return doc.History, nil
}

// Replay rebuilds a document's content by applying its history, in order,
// to the value it had when the journal started. For a consistent document
// the result equals Content().
func (s *Service) Replay(doc store.Document) (string, error) {
	return s.ReplayTo(doc, len(doc.History))
}

// ReplayTo rebuilds the content after the first n history records.
func (s *Service) ReplayTo(doc store.Document, n int) (string, error) {
	if n < 0 || n > len(doc.History) {
		return "", domain.Invalid("revision %d out of range [0, %d]", n, len(doc.History))
	}
	if doc.HistoryBase == nil {
		if len(doc.History) > 0 {
			return "", fmt.Errorf("document %s has history but no base", doc.ID)
		}
		return doc.Content(), nil
	}

	if doc.Format != store.FormatStructured {
		text := *doc.HistoryBase
		for i, rec := range doc.History[:n] {
			var err error
			if text, err = textmerge.Apply(text, rec.Diff.LinePatch()); err != nil {
				return "", fmt.Errorf("replay record %d: %w", i, err)
			}
		}
		return text, nil
	}

	engine := s.engineFor(doc)
	v, err := parseStructured(*doc.HistoryBase)
	if err != nil {
		return "", err
	}
	for i, rec := range doc.History[:n] {
		if v, err = engine.Apply(v, rec.Diff.Tree); err != nil {
			return "", fmt.Errorf("replay record %d: %w", i, err)
		}
	}
	if v == nil {
		return "", nil
	}
	return structdiff.Canonical(v)
}
