package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docsflow/api/internal/domain"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `id, entity, format, remote_content, draft_content, status, source,
	last_updated_by, last_commit_id, commit_timestamp, commit_author,
	history_base, history, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc        Document
		draft      sql.NullString
		base       sql.NullString
		commitTime sql.NullTime
		history    []byte
	)
	err := row.Scan(
		&doc.ID, &doc.Entity, &doc.Format, &doc.RemoteContent, &draft, &doc.Status, &doc.Source,
		&doc.LastUpdatedBy, &doc.Commit.ID, &commitTime, &doc.Commit.Author,
		&base, &history, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	if draft.Valid {
		doc.DraftContent = &draft.String
	}
	if base.Valid {
		doc.HistoryBase = &base.String
	}
	if commitTime.Valid {
		doc.Commit.Timestamp = commitTime.Time.UTC()
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	if len(history) > 0 {
		if err := json.Unmarshal(history, &doc.History); err != nil {
			return Document{}, fmt.Errorf("decode history of %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func (s *PostgresStore) FindDocument(ctx context.Context, id string) (Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, domain.NotFound("document", id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter Filter) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE ($1 = '' OR entity = $1)
			AND ($2 = '' OR starts_with(id, $2))
			AND (NOT $3 OR status <> 'published')
			AND ($4::timestamptz IS NULL OR updated_at > $4)
		ORDER BY id ASC`
	var since sql.NullTime
	if !filter.UpdatedSince.IsZero() {
		since = sql.NullTime{Time: filter.UpdatedSince, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, query, filter.Entity, filter.Prefix, filter.Unpublished, since)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, id string, patch DocumentPatch) (Document, error) {
	return s.mutateDocument(ctx, id, true, func(doc *Document) error {
		applyPatch(doc, patch, nextTimestamp(doc.UpdatedAt))
		return nil
	})
}

func (s *PostgresStore) UpdateDocumentIfUnmodified(ctx context.Context, id string, expected time.Time, patch DocumentPatch) (Document, error) {
	return s.mutateDocument(ctx, id, false, func(doc *Document) error {
		if err := checkGuard(*doc, expected); err != nil {
			return err
		}
		applyPatch(doc, patch, nextTimestamp(doc.UpdatedAt))
		return nil
	})
}

func (s *PostgresStore) AppendHistory(ctx context.Context, id string, record ChangeRecord) (Document, error) {
	return s.mutateDocument(ctx, id, false, func(doc *Document) error {
		applyPatch(doc, DocumentPatch{AppendHistory: []ChangeRecord{record}}, nextTimestamp(doc.UpdatedAt))
		return nil
	})
}

// mutateDocument reads the row under FOR UPDATE, applies fn and writes the
// result back in the same transaction.
func (s *PostgresStore) mutateDocument(ctx context.Context, id string, create bool, fn func(*Document) error) (Document, error) {
	var out Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, found, err := lockDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			if !create {
				return domain.NotFound("document", id)
			}
			doc = Document{ID: id}
		}
		if err := fn(&doc); err != nil {
			return err
		}
		if err := writeDocument(ctx, tx, doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

func lockDocument(ctx context.Context, tx *sql.Tx, id string) (Document, bool, error) {
	doc, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("lock document: %w", err)
	}
	return doc, true, nil
}

func writeDocument(ctx context.Context, tx *sql.Tx, doc Document) error {
	history := doc.History
	if history == nil {
		history = []ChangeRecord{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	var commitTime sql.NullTime
	if !doc.Commit.Timestamp.IsZero() {
		commitTime = sql.NullTime{Time: doc.Commit.Timestamp, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			entity=EXCLUDED.entity, format=EXCLUDED.format,
			remote_content=EXCLUDED.remote_content, draft_content=EXCLUDED.draft_content,
			status=EXCLUDED.status, source=EXCLUDED.source, last_updated_by=EXCLUDED.last_updated_by,
			last_commit_id=EXCLUDED.last_commit_id, commit_timestamp=EXCLUDED.commit_timestamp,
			commit_author=EXCLUDED.commit_author, history_base=EXCLUDED.history_base,
			history=EXCLUDED.history, updated_at=EXCLUDED.updated_at
	`, doc.ID, doc.Entity, doc.Format, doc.RemoteContent, doc.DraftContent, doc.Status, doc.Source,
		doc.LastUpdatedBy, doc.Commit.ID, commitTime, doc.Commit.Author,
		doc.HistoryBase, historyJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("document", id)
	}
	return nil
}

const branchColumns = `branch, entity, base_ref, files, pull_request, status, last_used_at, created_at, updated_at`

func scanBranch(row rowScanner) (PublishBranch, error) {
	var (
		b     PublishBranch
		files []byte
		pr    []byte
	)
	if err := row.Scan(&b.Branch, &b.Entity, &b.Base, &files, &pr, &b.Status, &b.LastUsedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return PublishBranch{}, err
	}
	b.Files = map[string]PublishedFile{}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &b.Files); err != nil {
			return PublishBranch{}, fmt.Errorf("decode files of %s: %w", b.Branch, err)
		}
	}
	if len(pr) > 0 && string(pr) != "null" {
		b.PullRequest = &PullRequest{}
		if err := json.Unmarshal(pr, b.PullRequest); err != nil {
			return PublishBranch{}, fmt.Errorf("decode pull request of %s: %w", b.Branch, err)
		}
	}
	b.LastUsedAt = b.LastUsedAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *PostgresStore) ListPublishBranches(ctx context.Context, filter BranchFilter) ([]PublishBranch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM publish_branches
		WHERE ($1 = '' OR entity = $1) AND ($2 = '' OR base_ref = $2) AND ($3 = '' OR status = $3)
		ORDER BY last_used_at DESC, branch ASC`, filter.Entity, filter.Base, filter.Status)
	if err != nil {
		return nil, fmt.Errorf("list publish branches: %w", err)
	}
	defer rows.Close()

	out := make([]PublishBranch, 0)
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publish branch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publish branches: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindPublishBranch(ctx context.Context, branch string) (PublishBranch, error) {
	b, err := scanBranch(s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM publish_branches WHERE branch=$1`, branch))
	if errors.Is(err, sql.ErrNoRows) {
		return PublishBranch{}, domain.NotFound("publish branch", branch)
	}
	if err != nil {
		return PublishBranch{}, fmt.Errorf("get publish branch: %w", err)
	}
	return b, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveBranch(ctx context.Context, db execer, b PublishBranch) error {
	files := b.Files
	if files == nil {
		files = map[string]PublishedFile{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode branch files: %w", err)
	}
	var prJSON []byte
	if b.PullRequest != nil {
		if prJSON, err = json.Marshal(b.PullRequest); err != nil {
			return fmt.Errorf("encode pull request: %w", err)
		}
	}
	if b.LastUsedAt.IsZero() {
		b.LastUsedAt = Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO publish_branches (branch, entity, base_ref, files, pull_request, status, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (branch) DO UPDATE SET
			entity=EXCLUDED.entity, base_ref=EXCLUDED.base_ref, files=EXCLUDED.files,
			pull_request=EXCLUDED.pull_request, status=EXCLUDED.status,
			last_used_at=EXCLUDED.last_used_at, updated_at=NOW()
	`, b.Branch, b.Entity, b.Base, filesJSON, prJSON, b.Status, b.LastUsedAt)
	if err != nil {
		return fmt.Errorf("save publish branch %s: %w", b.Branch, err)
	}
	return nil
}

func (s *PostgresStore) SavePublishBranch(ctx context.Context, branch PublishBranch) error {
	return saveBranch(ctx, s.db, branch)
}

func (s *PostgresStore) SetPublishBranchStatus(ctx context.Context, branch string, status BranchStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE publish_branches SET status=$2, updated_at=NOW() WHERE branch=$1`, branch, status)
	if err != nil {
		return fmt.Errorf("set publish branch status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("publish branch", branch)
	}
	return nil
}

func (s *PostgresStore) RecordPublish(ctx context.Context, branch PublishBranch, docs []PublishedDocument) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pub := range docs {
			doc, found, err := lockDocument(ctx, tx, pub.ID)
			if err != nil {
				return err
			}
			if !found {
				return domain.NotFound("document", pub.ID)
			}
			markPublished(&doc, pub, nextTimestamp(doc.UpdatedAt))
			if err := writeDocument(ctx, tx, doc); err != nil {
				return err
			}
		}
		return saveBranch(ctx, tx, branch)
	})
}

func (s *PostgresStore) GetTreeSnapshot(ctx context.Context, path string) (TreeSnapshot, error) {
	var (
		snap       TreeSnapshot
		commitTime sql.NullTime
		entries    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT path, commit_id, commit_timestamp, commit_author, entries, updated_at
		FROM tree_snapshots WHERE path=$1
	`, path).Scan(&snap.Path, &snap.Commit.ID, &commitTime, &snap.Commit.Author, &entries, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TreeSnapshot{}, domain.NotFound("tree snapshot", path)
	}
	if err != nil {
		return TreeSnapshot{}, fmt.Errorf("get tree snapshot: %w", err)
	}
	if commitTime.Valid {
		snap.Commit.Timestamp = commitTime.Time.UTC()
	}
	if err := json.Unmarshal(entries, &snap.Entries); err != nil {
		return TreeSnapshot{}, fmt.Errorf("decode tree entries: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) SaveTreeSnapshot(ctx context.Context, snapshot TreeSnapshot) error {
	entries := snapshot.Entries
	if entries == nil {
		entries = []TreeEntry{}
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode tree entries: %w", err)
	}
	var commitTime sql.NullTime
	if !snapshot.Commit.Timestamp.IsZero() {
		commitTime = sql.NullTime{Time: snapshot.Commit.Timestamp, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tree_snapshots (path, commit_id, commit_timestamp, commit_author, entries, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (path) DO UPDATE SET
			commit_id=EXCLUDED.commit_id, commit_timestamp=EXCLUDED.commit_timestamp,
			commit_author=EXCLUDED.commit_author, entries=EXCLUDED.entries, updated_at=NOW()
	`, snapshot.Path, snapshot.Commit.ID, commitTime, snapshot.Commit.Author, entriesJSON)
	if err != nil {
		return fmt.Errorf("save tree snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncBookmark(ctx context.Context, key string) (SyncBookmark, error) {
	var b SyncBookmark
	err := s.db.QueryRowContext(ctx, `SELECT key, commit_id, synced_at FROM sync_bookmarks WHERE key=$1`, key).
		Scan(&b.Key, &b.CommitID, &b.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncBookmark{}, domain.NotFound("sync bookmark", key)
	}
	if err != nil {
		return SyncBookmark{}, fmt.Errorf("get sync bookmark: %w", err)
	}
	b.SyncedAt = b.SyncedAt.UTC()
	return b, nil
}

func (s *PostgresStore) SaveSyncBookmark(ctx context.Context, bookmark SyncBookmark) error {
	if bookmark.SyncedAt.IsZero() {
		bookmark.SyncedAt = Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_bookmarks (key, commit_id, synced_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET commit_id=EXCLUDED.commit_id, synced_at=EXCLUDED.synced_at
	`, bookmark.Key, bookmark.CommitID, bookmark.SyncedAt)
	if err != nil {
		return fmt.Errorf("save sync bookmark: %w", err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// nextTimestamp keeps UpdatedAt strictly increasing per row.
func nextTimestamp(prev time.Time) time.Time {
	now := Now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}
