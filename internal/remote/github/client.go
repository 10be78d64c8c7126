// Package github implements remote.Client over the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/remote"
)

const DefaultBaseURL = "https://api.github.com"

type Config struct {
	BaseURL string
	Token   string
	Owner   string
	Repo    string
	Branch  string
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

var _ remote.Client = (*Client)(nil)

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

func (c *Client) DefaultBranch() string {
	return c.cfg.Branch
}

func (c *Client) repoURL(format string, args ...any) string {
	return fmt.Sprintf("%s/repos/%s/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo)) +
		fmt.Sprintf(format, args...)
}

// escapePath escapes each segment of a repository path.
func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

type apiError struct {
	Message string `json:"message"`
}

// call sends a request and decodes a JSON response into out. 404 becomes
// domain.ErrNotFound, everything else non-2xx a *domain.RemoteError.
func (c *Client) call(ctx context.Context, op, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("github request",
		zap.String("op", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)),
	)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.RemoteError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.NotFound(op, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &domain.RemoteError{Op: op, Status: resp.StatusCode, Err: errors.New(apiErr.Message)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.RemoteError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type contentResponse struct {
	Type     string `json:"type"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type blobResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (c *Client) GetFileContent(ctx context.Context, path, ref string) (string, error) {
	if ref == "" {
		ref = c.cfg.Branch
	}
	var res contentResponse
	endpoint := c.repoURL("/contents/%s?ref=%s", escapePath(path), url.QueryEscape(ref))
	if err := c.call(ctx, "get file content", http.MethodGet, endpoint, nil, &res); err != nil {
		return "", err
	}
	if res.Type != "" && res.Type != "file" {
		return "", domain.NotFound("file", path)
	}
	// Files over 1MB come back without inline content.
	if res.Content == "" && res.SHA != "" && res.Encoding != "base64" {
		var blob blobResponse
		if err := c.call(ctx, "get blob", http.MethodGet, c.repoURL("/git/blobs/%s", res.SHA), nil, &blob); err != nil {
			return "", err
		}
		return decodeContent(blob.Content, blob.Encoding)
	}
	return decodeContent(res.Content, res.Encoding)
}

func decodeContent(content, encoding string) (string, error) {
	if encoding != "base64" {
		return content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode base64 content: %w", err)
	}
	return string(decoded), nil
}

type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	} `json:"commit"`
	Parents []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
}

func (r commitResponse) toCommit() remote.Commit {
	out := remote.Commit{
		SHA:       r.SHA,
		Tree:      r.Commit.Tree.SHA,
		Message:   r.Commit.Message,
		Author:    r.Commit.Author.Name,
		Email:     r.Commit.Author.Email,
		Timestamp: r.Commit.Author.Date,
	}
	for _, p := range r.Parents {
		out.Parents = append(out.Parents, p.SHA)
	}
	return out
}

func (c *Client) GetCommitMetadata(ctx context.Context, path, ref string) (remote.Commit, error) {
	if ref == "" {
		ref = c.cfg.Branch
	}
	var res []commitResponse
	endpoint := c.repoURL("/commits?path=%s&sha=%s&per_page=1", url.QueryEscape(path), url.QueryEscape(ref))
	if err := c.call(ctx, "get commit metadata", http.MethodGet, endpoint, nil, &res); err != nil {
		return remote.Commit{}, err
	}
	if len(res) == 0 {
		return remote.Commit{}, domain.NotFound("commit for path", path)
	}
	return res[0].toCommit(), nil
}

type treeResponse struct {
	SHA  string `json:"sha"`
	Tree []struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
		Size int64  `json:"size"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

func (c *Client) GetTree(ctx context.Context, ref string) (remote.Tree, error) {
	var res treeResponse
	endpoint := c.repoURL("/git/trees/%s?recursive=1", escapePath(ref))
	if err := c.call(ctx, "get tree", http.MethodGet, endpoint, nil, &res); err != nil {
		return remote.Tree{}, err
	}
	if res.Truncated {
		c.logger.Warn("github tree listing truncated", zap.String("ref", ref))
	}
	tree := remote.Tree{SHA: res.SHA, Truncated: res.Truncated, Entries: make([]remote.TreeEntry, 0, len(res.Tree))}
	for _, e := range res.Tree {
		tree.Entries = append(tree.Entries, remote.TreeEntry{Path: e.Path, Mode: e.Mode, Type: e.Type, SHA: e.SHA, Size: e.Size})
	}
	return tree, nil
}

type branchResponse struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (c *Client) GetBranch(ctx context.Context, name string) (remote.Branch, error) {
	var res branchResponse
	if err := c.call(ctx, "get branch", http.MethodGet, c.repoURL("/branches/%s", escapePath(name)), nil, &res); err != nil {
		return remote.Branch{}, err
	}
	return remote.Branch{Name: res.Name, SHA: res.Commit.SHA}, nil
}

type refResponse struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

func (c *Client) ListBranches(ctx context.Context, prefix string) ([]remote.Branch, error) {
	var res []refResponse
	endpoint := c.repoURL("/git/matching-refs/heads/%s", escapePath(prefix))
	if prefix == "" {
		endpoint = c.repoURL("/git/matching-refs/heads")
	}
	if err := c.call(ctx, "list branches", http.MethodGet, endpoint, nil, &res); err != nil {
		return nil, err
	}
	out := make([]remote.Branch, 0, len(res))
	for _, r := range res {
		out = append(out, remote.Branch{Name: strings.TrimPrefix(r.Ref, "refs/heads/"), SHA: r.Object.SHA})
	}
	return out, nil
}

func (c *Client) CreateBranch(ctx context.Context, name, sha string) (remote.Branch, error) {
	body := map[string]string{"ref": "refs/heads/" + name, "sha": sha}
	var res refResponse
	if err := c.call(ctx, "create branch", http.MethodPost, c.repoURL("/git/refs"), body, &res); err != nil {
		return remote.Branch{}, err
	}
	return remote.Branch{Name: name, SHA: res.Object.SHA}, nil
}

func (c *Client) CreateBlob(ctx context.Context, content string) (string, error) {
	body := map[string]string{"content": content, "encoding": "utf-8"}
	var res struct {
		SHA string `json:"sha"`
	}
	if err := c.call(ctx, "create blob", http.MethodPost, c.repoURL("/git/blobs"), body, &res); err != nil {
		return "", err
	}
	return res.SHA, nil
}

type treeItem struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

func (c *Client) CreateTree(ctx context.Context, baseTree string, changes []remote.TreeChange) (string, error) {
	items := make([]treeItem, 0, len(changes))
	for _, ch := range changes {
		mode := ch.Mode
		if mode == "" {
			mode = remote.ModeFile
		}
		item := treeItem{Path: ch.Path, Mode: mode, Type: remote.TypeBlob}
		if !ch.Delete {
			sha := ch.SHA
			item.SHA = &sha
		}
		items = append(items, item)
	}
	body := map[string]any{"tree": items}
	if baseTree != "" {
		body["base_tree"] = baseTree
	}
	var res struct {
		SHA string `json:"sha"`
	}
	if err := c.call(ctx, "create tree", http.MethodPost, c.repoURL("/git/trees"), body, &res); err != nil {
		return "", err
	}
	return res.SHA, nil
}

func (c *Client) CreateCommit(ctx context.Context, nc remote.NewCommit) (remote.Commit, error) {
	when := nc.Author.When
	if when.IsZero() {
		when = time.Now()
	}
	body := map[string]any{
		"message": nc.Message,
		"tree":    nc.Tree,
		"parents": nc.Parents,
		"author": map[string]string{
			"name":  nc.Author.Name,
			"email": nc.Author.Email,
			"date":  when.UTC().Format(time.RFC3339),
		},
	}
	var res struct {
		SHA     string `json:"sha"`
		Message string `json:"message"`
		Tree    struct {
			SHA string `json:"sha"`
		} `json:"tree"`
		Author struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	}
	if err := c.call(ctx, "create commit", http.MethodPost, c.repoURL("/git/commits"), body, &res); err != nil {
		return remote.Commit{}, err
	}
	return remote.Commit{
		SHA:       res.SHA,
		Tree:      res.Tree.SHA,
		Message:   res.Message,
		Author:    res.Author.Name,
		Email:     res.Author.Email,
		Timestamp: res.Author.Date,
		Parents:   nc.Parents,
	}, nil
}

func (c *Client) UpdateRef(ctx context.Context, branch, sha string) error {
	body := map[string]any{"sha": sha, "force": false}
	return c.call(ctx, "update ref", http.MethodPatch, c.repoURL("/git/refs/heads/%s", escapePath(branch)), body, nil)
}

type pullResponse struct {
	Number   int        `json:"number"`
	HTMLURL  string     `json:"html_url"`
	State    string     `json:"state"`
	Title    string     `json:"title"`
	MergedAt *time.Time `json:"merged_at"`
	Head     struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (r pullResponse) toPullRequest() remote.PullRequest {
	return remote.PullRequest{
		Number: r.Number,
		URL:    r.HTMLURL,
		State:  r.State,
		Merged: r.MergedAt != nil,
		Title:  r.Title,
		Head:   r.Head.Ref,
		Base:   r.Base.Ref,
	}
}

func (c *Client) ListOpenPullRequests(ctx context.Context, head, base string) ([]remote.PullRequest, error) {
	query := url.Values{}
	query.Set("state", "open")
	if head != "" {
		query.Set("head", c.cfg.Owner+":"+head)
	}
	if base != "" {
		query.Set("base", base)
	}
	var res []pullResponse
	if err := c.call(ctx, "list pull requests", http.MethodGet, c.repoURL("/pulls?%s", query.Encode()), nil, &res); err != nil {
		return nil, err
	}
	out := make([]remote.PullRequest, 0, len(res))
	for _, r := range res {
		out = append(out, r.toPullRequest())
	}
	return out, nil
}

func (c *Client) GetPullRequest(ctx context.Context, number int) (remote.PullRequest, error) {
	var res pullResponse
	if err := c.call(ctx, "get pull request", http.MethodGet, c.repoURL("/pulls/%s", strconv.Itoa(number)), nil, &res); err != nil {
		return remote.PullRequest{}, err
	}
	return res.toPullRequest(), nil
}

func (c *Client) CreatePullRequest(ctx context.Context, pr remote.NewPullRequest) (remote.PullRequest, error) {
	body := map[string]string{"title": pr.Title, "body": pr.Body, "head": pr.Head, "base": pr.Base}
	var res pullResponse
	if err := c.call(ctx, "create pull request", http.MethodPost, c.repoURL("/pulls"), body, &res); err != nil {
		return remote.PullRequest{}, err
	}
	return res.toPullRequest(), nil
}

func (c *Client) CompareCommits(ctx context.Context, base, head string) (remote.Comparison, error) {
	var res struct {
		Files []struct {
			Filename         string `json:"filename"`
			PreviousFilename string `json:"previous_filename"`
			Status           string `json:"status"`
		} `json:"files"`
	}
	endpoint := c.repoURL("/compare/%s...%s", url.PathEscape(base), url.PathEscape(head))
	if err := c.call(ctx, "compare commits", http.MethodGet, endpoint, nil, &res); err != nil {
		return remote.Comparison{}, err
	}
	out := remote.Comparison{Files: make([]remote.ChangedFile, 0, len(res.Files))}
	for _, f := range res.Files {
		out.Files = append(out.Files, remote.ChangedFile{
			Path:         f.Filename,
			PreviousPath: f.PreviousFilename,
			Status:       remote.FileStatus(f.Status),
		})
	}
	return out, nil
}
