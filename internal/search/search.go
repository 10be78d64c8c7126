package search

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"

	"docsflow/api/internal/store"
	"docsflow/api/internal/structdiff"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Path    string `json:"path"`
	Entity  string `json:"entity"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Status  string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Entity string // empty = all entities
	Status string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for a document. Meilisearch ids may not
// contain slashes or dots, so the path is mapped onto a name-based UUID.
type Record struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Entity  string `json:"entity"`
	Format  string `json:"format"`
	Status  string `json:"status"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

var recordNamespace = uuid.MustParse("6f1c3c0e-5d0a-4f43-9a57-6b0f2f1d8f11")

func RecordID(docPath string) string {
	return uuid.NewSHA1(recordNamespace, []byte(docPath)).String()
}

func NewRecord(doc store.Document) Record {
	content := doc.Content()
	return Record{
		ID:      RecordID(doc.ID),
		Path:    doc.ID,
		Entity:  doc.Entity,
		Format:  string(doc.Format),
		Status:  string(doc.Status),
		Title:   Title(doc.ID, doc.Format, content),
		Content: content,
	}
}

// Title picks a display title: the first markdown heading of a text
// document, a title/name/version field of a structured one, or the file
// name.
func Title(docPath string, format store.Format, content string) string {
	switch format {
	case store.FormatStructured:
		if m, err := structdiff.ParseMapping([]byte(content)); err == nil {
			for _, key := range []string{"title", "name", "version"} {
				if s, ok := m.Get(key).(structdiff.Scalar); ok {
					if str, ok := s.V.(string); ok && strings.TrimSpace(str) != "" {
						return str
					}
				}
			}
		}
	default:
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(line, "# ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "# "))
			}
		}
	}
	base := path.Base(docPath)
	return strings.TrimSuffix(base, path.Ext(base))
}
