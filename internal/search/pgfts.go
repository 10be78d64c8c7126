package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"docsflow/api/internal/store"
)

// PgFTS implements Searcher with PostgreSQL full-text search over the
// documents table. It is the fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const ftsDocument = "to_tsvector('simple', coalesce(draft_content, remote_content))"

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	where := ftsDocument + " @@ " + tsQuery
	if q.Entity != "" {
		args = append(args, q.Entity)
		where += fmt.Sprintf(" AND entity = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM documents WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT id, entity, status, format, coalesce(draft_content, remote_content),
			ts_headline('simple', coalesce(draft_content, remote_content), %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM documents
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC, id
		LIMIT %d OFFSET %d`, tsQuery, where, ftsDocument, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var format, content string
		if err := rows.Scan(&r.Path, &r.Entity, &r.Status, &format, &content, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Title = Title(r.Path, store.Format(format), content)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
