package store

import (
	"time"

	"docsflow/api/internal/structdiff"
	"docsflow/api/internal/textmerge"
)

type Format string

const (
	FormatText       Format = "text"
	FormatStructured Format = "structured"
)

type Status string

const (
	StatusNew       Status = "new"
	StatusModified  Status = "modified"
	StatusPublished Status = "published"
)

// Source says who last wrote a document or a history record.
type Source string

const (
	SourceRepository Source = "repository"
	SourceEditor     Source = "editor"
)

type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type CommitInfo struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
}

// Diff is the persisted payload of a ChangeRecord: a line patch for text
// documents or a diff tree for structured ones.
type Diff struct {
	Type          string           `json:"type"`
	LineSeparator string           `json:"lineSeparator,omitempty"`
	Patch         []textmerge.Hunk `json:"patch,omitempty"`
	Tree          *structdiff.Node `json:"tree,omitempty"`
}

const DiffTypeStructured = "structured"

// LineDiff wraps a text patch. A nil patch is recorded as an empty one.
func LineDiff(p *textmerge.Patch) Diff {
	if p == nil {
		return Diff{Type: textmerge.PatchType, LineSeparator: textmerge.LineSeparator}
	}
	return Diff{Type: p.Type, LineSeparator: p.LineSeparator, Patch: p.Hunks}
}

func StructuredDiff(n *structdiff.Node) Diff {
	return Diff{Type: DiffTypeStructured, Tree: n}
}

// LinePatch returns the text patch carried by d, or nil for structured
// diffs.
func (d Diff) LinePatch() *textmerge.Patch {
	if d.Type != textmerge.PatchType {
		return nil
	}
	return &textmerge.Patch{Type: d.Type, LineSeparator: d.LineSeparator, Hunks: d.Patch}
}

type ChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Author    Author    `json:"author"`
	Diff      Diff      `json:"diff"`
}

// Document is keyed by its repository path. Structured documents keep their
// canonical JSON serialization in the content fields.
type Document struct {
	ID            string         `json:"id"`
	Entity        string         `json:"entity"`
	Format        Format         `json:"format"`
	RemoteContent string         `json:"remoteContent"`
	DraftContent  *string        `json:"draftContent,omitempty"`
	Status        Status         `json:"status"`
	Source        Source         `json:"source"`
	LastUpdatedBy string         `json:"lastUpdatedBy"`
	Commit        CommitInfo     `json:"commit"`
	HistoryBase   *string        `json:"historyBase,omitempty"`
	History       []ChangeRecord `json:"history,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Content is the draft when one exists, the remote content otherwise.
func (d Document) Content() string {
	if d.DraftContent != nil {
		return *d.DraftContent
	}
	return d.RemoteContent
}

// Unpublished reports whether the document holds local edits the repository
// has not seen.
func (d Document) Unpublished() bool {
	return d.Status != StatusPublished && d.DraftContent != nil && *d.DraftContent != d.RemoteContent
}

// DocumentPatch lists the fields an upsert changes; nil fields are kept.
// AppendHistory records are appended in the same write.
type DocumentPatch struct {
	Entity        *string
	Format        *Format
	RemoteContent *string
	DraftContent  *string
	ClearDraft    bool
	Status        *Status
	Source        *Source
	LastUpdatedBy *string
	Commit        *CommitInfo
	AppendHistory []ChangeRecord
}

type Filter struct {
	Entity       string
	Prefix       string
	Unpublished  bool
	UpdatedSince time.Time
}

type BranchStatus string

const (
	BranchOpen   BranchStatus = "open"
	BranchMerged BranchStatus = "merged"
	BranchClosed BranchStatus = "closed"
	BranchStale  BranchStatus = "stale"
)

type PublishedFile struct {
	SHA string `json:"sha"`
	// BaseSHA and BaseCommit locate the default-branch copy the published
	// content replaces, and carry over to republishes until that copy moves.
	BaseSHA     string    `json:"baseSha,omitempty"`
	BaseCommit  string    `json:"baseCommit,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	State  string `json:"state"`
}

type PublishBranch struct {
	Entity      string                   `json:"entity"`
	Branch      string                   `json:"branch"`
	Base        string                   `json:"base"`
	Files       map[string]PublishedFile `json:"files"`
	PullRequest *PullRequest             `json:"pullRequest,omitempty"`
	Status      BranchStatus             `json:"status"`
	LastUsedAt  time.Time                `json:"lastUsedAt"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

type BranchFilter struct {
	Entity string
	Base   string
	Status BranchStatus
}

// PublishedDocument is one document committed by a publish.
type PublishedDocument struct {
	ID      string
	Content string
	Commit  CommitInfo
	Actor   Author
}

type TreeEntry struct {
	Path  string `json:"path"`
	Mode  string `json:"mode"`
	Type  string `json:"type"`
	SHA   string `json:"sha"`
	Size  int64  `json:"size"`
	Ghost bool   `json:"ghost,omitempty"`
}

type TreeSnapshot struct {
	Path      string      `json:"path"`
	Commit    CommitInfo  `json:"commit"`
	Entries   []TreeEntry `json:"entries"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type SyncBookmark struct {
	Key      string    `json:"key"`
	CommitID string    `json:"commitId"`
	SyncedAt time.Time `json:"syncedAt"`
}
