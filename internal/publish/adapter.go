package publish

import (
	"fmt"
	"path"
	"strings"

	"docsflow/api/internal/config"
	"docsflow/api/internal/store"
)

// Adapter supplies the entity-specific wording of a publish.
type Adapter interface {
	CommitMessage(docs []store.Document, actor store.Author) string
	PullRequestTitle(docs []store.Document) string
	PullRequestBody(docs []store.Document) string
}

// entityAdapter is the wording used for any catalogue entity without a
// registered adapter.
type entityAdapter struct {
	entity config.Entity
}

func (a entityAdapter) CommitMessage(docs []store.Document, actor store.Author) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Update %s: %s", a.entity.Title, docNames(docs))
	if actor.Name != "" {
		fmt.Fprintf(&b, "\n\nPublished by %s", actor.Name)
		if actor.Email != "" {
			fmt.Fprintf(&b, " <%s>", actor.Email)
		}
	}
	return b.String()
}

func (a entityAdapter) PullRequestTitle(docs []store.Document) string {
	return fmt.Sprintf("Docsflow: update %s (%s)", a.entity.Title, docNames(docs))
}

func (a entityAdapter) PullRequestBody(docs []store.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This pull request publishes %d %s document(s) edited in Docsflow.\n\n", len(docs), a.entity.Title)
	for _, doc := range docs {
		fmt.Fprintf(&b, "- `%s` (%s", doc.ID, doc.Status)
		if doc.LastUpdatedBy != "" {
			fmt.Fprintf(&b, ", last edited by %s", doc.LastUpdatedBy)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// docNames lists file names, collapsing long lists.
func docNames(docs []store.Document) string {
	const shown = 3
	names := make([]string, 0, shown)
	for i, doc := range docs {
		if i == shown {
			break
		}
		names = append(names, path.Base(doc.ID))
	}
	out := strings.Join(names, ", ")
	if len(docs) > shown {
		out += fmt.Sprintf(" and %d more", len(docs)-shown)
	}
	return out
}
