package workspace

import (
	"context"
	"fmt"
	"time"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/store"
	"docsflow/api/internal/structdiff"
	"docsflow/api/internal/textmerge"
)

// TextReconciliation is the outcome of merging an editor buffer with the
// stored draft. Nothing is written; a clean Text may be saved by the caller
// with Expected set to UpdatedAt.
type TextReconciliation struct {
	Clean     bool                 `json:"isClean"`
	Text      string               `json:"mergedText"`
	Conflicts []textmerge.Conflict `json:"conflicts,omitempty"`
	Stored    string               `json:"stored"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// ReconcileText merges buffer (edited from baseline) with the stored draft.
func (s *Service) ReconcileText(ctx context.Context, path, buffer, baseline string) (TextReconciliation, error) {
	doc, err := s.docs.FindDocument(ctx, path)
	if err != nil {
		return TextReconciliation{}, fmt.Errorf("find document: %w", err)
	}
	if doc.Format == store.FormatStructured {
		return TextReconciliation{}, domain.Invalid("%s is a structured document", path)
	}
	stored := doc.Content()
	res := s.merger.Merge(buffer, baseline, stored)
	return TextReconciliation{
		Clean:     res.Clean,
		Text:      res.Text,
		Conflicts: res.Conflicts,
		Stored:    stored,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// StructuredReconciliation is the outcome of merging an editor buffer with
// the stored structured draft. Merged is set only when Clean.
type StructuredReconciliation struct {
	Clean     bool                  `json:"isClean"`
	Merged    string                `json:"merged,omitempty"`
	Conflicts []structdiff.Conflict `json:"conflicts,omitempty"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// ReconcileStructured classifies the changes between buffer, baseline and
// the stored draft, merging silently when no field conflicts.
func (s *Service) ReconcileStructured(ctx context.Context, path, buffer, baseline string) (StructuredReconciliation, error) {
	doc, base, local, incoming, err := s.structuredInputs(ctx, path, buffer, baseline)
	if err != nil {
		return StructuredReconciliation{}, err
	}
	engine := s.engineFor(doc)
	if conflicts := engine.Classify(base, local, incoming); len(conflicts) > 0 {
		return StructuredReconciliation{Conflicts: conflicts, UpdatedAt: doc.UpdatedAt}, nil
	}
	merged, err := engine.SilentMerge(base, local, incoming)
	if err != nil {
		return StructuredReconciliation{}, err
	}
	text, err := canonical(merged)
	if err != nil {
		return StructuredReconciliation{}, err
	}
	return StructuredReconciliation{Clean: true, Merged: text, UpdatedAt: doc.UpdatedAt}, nil
}

// ResolveStructured applies a pick for every conflicting path and returns
// the resolved content. Nothing is written.
func (s *Service) ResolveStructured(ctx context.Context, path, buffer, baseline string, picks map[string]structdiff.Pick) (StructuredReconciliation, error) {
	doc, base, local, incoming, err := s.structuredInputs(ctx, path, buffer, baseline)
	if err != nil {
		return StructuredReconciliation{}, err
	}
	resolved, err := s.engineFor(doc).Resolve(base, local, incoming, picks)
	if err != nil {
		return StructuredReconciliation{}, err
	}
	text, err := canonical(resolved)
	if err != nil {
		return StructuredReconciliation{}, err
	}
	return StructuredReconciliation{Clean: true, Merged: text, UpdatedAt: doc.UpdatedAt}, nil
}

func (s *Service) structuredInputs(ctx context.Context, path, buffer, baseline string) (doc store.Document, base, local, incoming structdiff.Value, err error) {
	doc, err = s.docs.FindDocument(ctx, path)
	if err != nil {
		return doc, nil, nil, nil, fmt.Errorf("find document: %w", err)
	}
	if doc.Format != store.FormatStructured {
		return doc, nil, nil, nil, domain.Invalid("%s is not a structured document", path)
	}
	if base, err = parseStructured(baseline); err != nil {
		return doc, nil, nil, nil, err
	}
	if local, err = parseStructured(buffer); err != nil {
		return doc, nil, nil, nil, err
	}
	if local == nil {
		return doc, nil, nil, nil, domain.Invalid("structured content must be a JSON object")
	}
	incoming, err = parseStructured(doc.Content())
	return doc, base, local, incoming, err
}

func canonical(v structdiff.Value) (string, error) {
	if v == nil {
		return "", nil
	}
	return structdiff.Canonical(v)
}
