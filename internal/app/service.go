package app

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"docsflow/api/internal/config"
	"docsflow/api/internal/domain"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/publish"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/search"
	"docsflow/api/internal/store"
	"docsflow/api/internal/treesync"
	"docsflow/api/internal/version"
	"docsflow/api/internal/workspace"
)

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Config    config.Config
	Store     store.Store
	Remote    remote.Client
	Catalog   *config.Catalog
	Workspace *workspace.Service
	Trees     *treesync.Engine
	Publisher *publish.Coordinator
	Search    *search.Service
	Watcher   *notify.Watcher
	Logger    *zap.Logger
}

// Service ties the engine components together for the HTTP layer.
type Service struct {
	cfg       config.Config
	store     store.Store
	remote    remote.Client
	catalog   *config.Catalog
	workspace *workspace.Service
	trees     *treesync.Engine
	publisher *publish.Coordinator
	search    *search.Service
	watcher   *notify.Watcher
	logger    *zap.Logger
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       d.Config,
		store:     d.Store,
		remote:    d.Remote,
		catalog:   d.Catalog,
		workspace: d.Workspace,
		trees:     d.Trees,
		publisher: d.Publisher,
		search:    d.Search,
		watcher:   d.Watcher,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Service) entity(name string) (config.Entity, error) {
	e, ok := s.catalog.Get(name)
	if !ok {
		return config.Entity{}, domain.NotFound("entity", name)
	}
	return e, nil
}

// ListDocuments returns the stored documents of an entity. Structured
// entities are keyed by version, so they are listed newest version first;
// text entities are listed by path.
func (s *Service) ListDocuments(ctx context.Context, entity string, unpublished bool) ([]store.Document, error) {
	e, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx, store.Filter{Entity: e.Name, Unpublished: unpublished})
	if err != nil {
		return nil, err
	}
	if e.Format != store.FormatStructured {
		return docs, nil
	}

	byVersion := make(map[string][]store.Document, len(docs))
	versions := make([]string, 0, len(docs))
	for _, doc := range docs {
		v := versionOf(doc.ID)
		if _, seen := byVersion[v]; !seen {
			versions = append(versions, v)
		}
		byVersion[v] = append(byVersion[v], doc)
	}
	out := make([]store.Document, 0, len(docs))
	for _, v := range version.Sort(versions, true) {
		out = append(out, byVersion[v]...)
	}
	return out, nil
}

// versionOf reads the version out of a file name such as "11.13.4.json".
func versionOf(docPath string) string {
	base := path.Base(docPath)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Reconcile runs the text or structured reconciliation that fits the
// document's format.
func (s *Service) Reconcile(ctx context.Context, docPath, buffer, baseline string) (any, error) {
	doc, err := s.workspace.Open(ctx, docPath)
	if err != nil {
		return nil, err
	}
	if doc.Format == store.FormatStructured {
		return s.workspace.ReconcileStructured(ctx, docPath, buffer, baseline)
	}
	return s.workspace.ReconcileText(ctx, docPath, buffer, baseline)
}
