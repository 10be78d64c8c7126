package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/store"
)

// UnknownEntity is recorded for publish branches whose name does not match a
// catalogue entity.
const UnknownEntity = "unknown"

type SyncReport struct {
	Refreshed  []string `json:"refreshed"`
	Discovered []string `json:"discovered"`
	Stale      []string `json:"stale"`
}

// SyncBranches reconciles publish branch records with the repository:
// records of deleted branches go stale, the rest get their file hashes and
// pull request state refreshed, and publish branches nobody recorded are
// adopted.
func (c *Coordinator) SyncBranches(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	live, err := c.remote.ListBranches(ctx, c.prefix+"-")
	if err != nil {
		return report, fmt.Errorf("list branches: %w", err)
	}
	byName := make(map[string]remote.Branch, len(live))
	for _, b := range live {
		byName[b.Name] = b
	}

	records, err := c.branches.ListPublishBranches(ctx, store.BranchFilter{})
	if err != nil {
		return report, fmt.Errorf("list publish branches: %w", err)
	}

	var errs error
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Branch] = true
		b, ok := byName[rec.Branch]
		if !ok {
			if rec.Status != store.BranchStale {
				if err := c.branches.SetPublishBranchStatus(ctx, rec.Branch, store.BranchStale); err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				report.Stale = append(report.Stale, rec.Branch)
			}
			continue
		}
		if err := c.refreshBranch(ctx, rec, b); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", rec.Branch, err))
			continue
		}
		report.Refreshed = append(report.Refreshed, rec.Branch)
	}

	for _, b := range live {
		if known[b.Name] {
			continue
		}
		rec := store.PublishBranch{
			Entity: c.inferEntity(b.Name),
			Branch: b.Name,
			Base:   c.remote.DefaultBranch(),
		}
		if err := c.refreshBranch(ctx, rec, b); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("adopt %s: %w", b.Name, err))
			continue
		}
		report.Discovered = append(report.Discovered, b.Name)
	}

	c.logger.Info("publish branches synced",
		zap.Int("refreshed", len(report.Refreshed)),
		zap.Int("discovered", len(report.Discovered)),
		zap.Int("stale", len(report.Stale)),
		zap.Error(errs),
	)
	return report, errs
}

// refreshBranch rewrites rec from the branch tip and its pull request.
func (c *Coordinator) refreshBranch(ctx context.Context, rec store.PublishBranch, b remote.Branch) error {
	tree, err := c.remote.GetTree(ctx, b.SHA)
	if err != nil {
		return err
	}
	prefix := ""
	if e, ok := c.catalog.Get(rec.Entity); ok {
		prefix = e.Path
	}
	now := c.clock().UTC()
	files := make(map[string]store.PublishedFile)
	for path, entry := range tree.Blobs() {
		if prefix == "" || !strings.HasPrefix(path, prefix) {
			continue
		}
		publishedAt := now
		if prev, ok := rec.Files[path]; ok && prev.SHA == entry.SHA {
			publishedAt = prev.PublishedAt
		}
		files[path] = store.PublishedFile{SHA: entry.SHA, PublishedAt: publishedAt}
	}
	rec.Files = files

	pr, err := c.findPullRequest(ctx, rec)
	if err != nil {
		return err
	}
	rec.PullRequest = pr
	rec.Status = store.BranchOpen
	if pr != nil {
		switch pr.State {
		case "merged":
			rec.Status = store.BranchMerged
		case "closed":
			rec.Status = store.BranchClosed
		}
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = now
	}
	return c.branches.SavePublishBranch(ctx, rec)
}

// findPullRequest returns the current state of the branch's pull request,
// looking up an open one when none is recorded.
func (c *Coordinator) findPullRequest(ctx context.Context, rec store.PublishBranch) (*store.PullRequest, error) {
	if rec.PullRequest != nil && rec.PullRequest.Number > 0 {
		pr, err := c.remote.GetPullRequest(ctx, rec.PullRequest.Number)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return toPullRequest(pr), nil
	}
	open, err := c.remote.ListOpenPullRequests(ctx, rec.Branch, rec.Base)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return toPullRequest(open[0]), nil
}

// inferEntity reads the entity out of "<prefix>-<entity>-publish-<millis>".
func (c *Coordinator) inferEntity(branch string) string {
	rest := strings.TrimPrefix(branch, c.prefix+"-")
	i := strings.LastIndex(rest, "-publish-")
	if i <= 0 {
		return UnknownEntity
	}
	if _, ok := c.catalog.Get(rest[:i]); !ok {
		return UnknownEntity
	}
	return rest[:i]
}
