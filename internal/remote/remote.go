// Package remote defines the repository contract the engine publishes to and
// syncs from.
package remote

import (
	"context"
	"time"
)

const (
	ModeFile = "100644"
	TypeBlob = "blob"
	TypeTree = "tree"
)

type Commit struct {
	SHA       string    `json:"sha"`
	Tree      string    `json:"tree"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Parents   []string  `json:"parents,omitempty"`
}

type Branch struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// Tree is a recursive listing of blobs.
type Tree struct {
	SHA       string      `json:"sha"`
	Entries   []TreeEntry `json:"entries"`
	Truncated bool        `json:"truncated"`
}

// Blobs indexes the tree's blob entries by path.
func (t Tree) Blobs() map[string]TreeEntry {
	out := make(map[string]TreeEntry, len(t.Entries))
	for _, e := range t.Entries {
		if e.Type == TypeBlob {
			out[e.Path] = e
		}
	}
	return out
}

// TreeChange writes SHA at Path, or deletes Path when Delete is set.
type TreeChange struct {
	Path   string
	Mode   string
	SHA    string
	Delete bool
}

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

type NewCommit struct {
	Message string
	Tree    string
	Parents []string
	Author  Signature
}

type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	Title  string `json:"title"`
	Head   string `json:"head"`
	Base   string `json:"base"`
}

type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
	FileRenamed  FileStatus = "renamed"
)

type ChangedFile struct {
	Path         string     `json:"path"`
	PreviousPath string     `json:"previousPath,omitempty"`
	Status       FileStatus `json:"status"`
}

type Comparison struct {
	Files []ChangedFile `json:"files"`
}

// Paths lists every path the comparison touches, including rename sources.
func (c Comparison) Paths() []string {
	out := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		out = append(out, f.Path)
		if f.PreviousPath != "" {
			out = append(out, f.PreviousPath)
		}
	}
	return out
}

// Client talks to the repository. Missing objects yield domain.ErrNotFound;
// transport and API failures yield *domain.RemoteError.
type Client interface {
	DefaultBranch() string

	GetFileContent(ctx context.Context, path, ref string) (string, error)
	// GetCommitMetadata returns the latest commit on ref touching path.
	GetCommitMetadata(ctx context.Context, path, ref string) (Commit, error)
	GetTree(ctx context.Context, ref string) (Tree, error)

	GetBranch(ctx context.Context, name string) (Branch, error)
	ListBranches(ctx context.Context, prefix string) ([]Branch, error)
	CreateBranch(ctx context.Context, name, sha string) (Branch, error)

	CreateBlob(ctx context.Context, content string) (string, error)
	CreateTree(ctx context.Context, baseTree string, changes []TreeChange) (string, error)
	CreateCommit(ctx context.Context, c NewCommit) (Commit, error)
	UpdateRef(ctx context.Context, branch, sha string) error

	ListOpenPullRequests(ctx context.Context, head, base string) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, number int) (PullRequest, error)
	CreatePullRequest(ctx context.Context, pr NewPullRequest) (PullRequest, error)

	CompareCommits(ctx context.Context, base, head string) (Comparison, error)
}
