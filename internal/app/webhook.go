package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/store"
	"docsflow/api/internal/workspace"
)

// PushEvent is the part of a GitHub push delivery the engine reads.
type PushEvent struct {
	Ref     string `json:"ref"`
	Before  string `json:"before"`
	After   string `json:"after"`
	Commits []struct {
		ID       string   `json:"id"`
		Added    []string `json:"added"`
		Removed  []string `json:"removed"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

type PushReport struct {
	Ignored   bool                                `json:"ignored,omitempty"`
	Commit    string                              `json:"commit,omitempty"`
	Paths     []string                            `json:"paths"`
	Refreshed map[string]workspace.RefreshOutcome `json:"refreshed"`
	Synced    []string                            `json:"synced"`
	Conflicts []string                            `json:"conflicts,omitempty"`
}

// verifySignature checks an X-Hub-Signature-256 header against body.
func verifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func bookmarkKey(branch string) string {
	return "push:" + branch
}

// HandlePush brings the store up to date with a push to the default
// branch. Changed paths come from comparing the last processed commit with
// the pushed head, or from the delivery itself when there is no bookmark.
// The bookmark only advances when every document and tree synced cleanly,
// so a failed delivery is retried in full by the next one.
func (s *Service) HandlePush(ctx context.Context, event PushEvent) (PushReport, error) {
	report := PushReport{Refreshed: map[string]workspace.RefreshOutcome{}, Paths: []string{}, Synced: []string{}}
	branch := s.remote.DefaultBranch()
	if event.Ref != "refs/heads/"+branch || event.After == "" {
		report.Ignored = true
		return report, nil
	}
	report.Commit = event.After
	log := s.logger.With(zap.String("commit", event.After))

	paths, err := s.pushedPaths(ctx, branch, event)
	if err != nil {
		return report, err
	}

	var errs error
	entities := map[string]string{}
	for _, p := range paths {
		e, ok := s.catalog.ForPath(p)
		if !ok {
			continue
		}
		entities[e.Name] = e.Path
		report.Paths = append(report.Paths, p)

		res, err := s.workspace.RefreshFromRemote(ctx, p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", p, err))
			continue
		}
		report.Refreshed[p] = res.Outcome
		if res.Outcome == workspace.RefreshConflict {
			report.Conflicts = append(report.Conflicts, p)
		}
	}

	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res, err := s.trees.Sync(ctx, entities[name])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sync %s: %w", name, err))
			continue
		}
		report.Synced = append(report.Synced, name)
		report.Conflicts = append(report.Conflicts, res.Conflicts...)
	}

	report.Conflicts = dedupe(report.Conflicts)
	if errs != nil {
		log.Warn("push processed with errors, bookmark kept", zap.Error(errs))
		return report, errs
	}
	if err := s.store.SaveSyncBookmark(ctx, store.SyncBookmark{
		Key:      bookmarkKey(branch),
		CommitID: event.After,
		SyncedAt: store.Now(),
	}); err != nil {
		return report, fmt.Errorf("save bookmark: %w", err)
	}
	log.Info("push processed",
		zap.Int("paths", len(report.Paths)),
		zap.Strings("entities", report.Synced),
		zap.Int("conflicts", len(report.Conflicts)),
	)
	return report, nil
}

func (s *Service) pushedPaths(ctx context.Context, branch string, event PushEvent) ([]string, error) {
	bookmark, err := s.store.GetSyncBookmark(ctx, bookmarkKey(branch))
	switch {
	case err == nil && bookmark.CommitID != "" && bookmark.CommitID != event.After:
		cmp, err := s.remote.CompareCommits(ctx, bookmark.CommitID, event.After)
		if err == nil {
			return dedupe(cmp.Paths()), nil
		}
		s.logger.Warn("compare since bookmark failed, using delivery paths",
			zap.String("bookmark", bookmark.CommitID), zap.Error(err))
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("read bookmark: %w", err)
	}

	var paths []string
	for _, c := range event.Commits {
		paths = append(paths, c.Added...)
		paths = append(paths, c.Modified...)
		paths = append(paths, c.Removed...)
	}
	return dedupe(paths), nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
