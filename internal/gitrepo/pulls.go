package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"go.uber.org/zap"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/remote"
)

type pullRecord struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Head      string    `json:"head"`
	Base      string    `json:"base"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	CreatedAt time.Time `json:"createdAt"`
}

type ledger struct {
	Next  int          `json:"next"`
	Pulls []pullRecord `json:"pulls"`
}

func (f *Forge) readLedger() (ledger, error) {
	raw, err := os.ReadFile(ledgerPath(f.dir))
	if errors.Is(err, os.ErrNotExist) {
		return ledger{Next: 1}, nil
	}
	if err != nil {
		return ledger{}, fmt.Errorf("read pull request ledger: %w", err)
	}
	var l ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return ledger{}, fmt.Errorf("decode pull request ledger: %w", err)
	}
	return l, nil
}

func (f *Forge) writeLedger(l ledger) error {
	raw, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pull request ledger: %w", err)
	}
	tmp := ledgerPath(f.dir) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write pull request ledger: %w", err)
	}
	if err := os.Rename(tmp, ledgerPath(f.dir)); err != nil {
		return fmt.Errorf("replace pull request ledger: %w", err)
	}
	return nil
}

func (f *Forge) pullURL(number int) string {
	return fmt.Sprintf("file://%s#pull/%d", f.dir, number)
}

func (f *Forge) toPullRequest(p pullRecord) remote.PullRequest {
	return remote.PullRequest{
		Number: p.Number,
		URL:    f.pullURL(p.Number),
		State:  p.State,
		Merged: p.Merged,
		Title:  p.Title,
		Head:   p.Head,
		Base:   p.Base,
	}
}

func (f *Forge) ListOpenPullRequests(ctx context.Context, head, base string) ([]remote.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := f.readLedger()
	if err != nil {
		return nil, failure("list pull requests", err)
	}
	out := make([]remote.PullRequest, 0)
	for _, p := range l.Pulls {
		if p.State != "open" || (head != "" && p.Head != head) || (base != "" && p.Base != base) {
			continue
		}
		out = append(out, f.toPullRequest(p))
	}
	return out, nil
}

func (f *Forge) GetPullRequest(ctx context.Context, number int) (remote.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return remote.PullRequest{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := f.readLedger()
	if err != nil {
		return remote.PullRequest{}, failure("get pull request", err)
	}
	for _, p := range l.Pulls {
		if p.Number == number {
			return f.toPullRequest(p), nil
		}
	}
	return remote.PullRequest{}, domain.NotFound("pull request", fmt.Sprint(number))
}

func (f *Forge) CreatePullRequest(ctx context.Context, pr remote.NewPullRequest) (remote.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return remote.PullRequest{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.branch(pr.Head); err != nil {
		return remote.PullRequest{}, rejected("create pull request", "head branch does not exist")
	}
	if _, err := f.branch(pr.Base); err != nil {
		return remote.PullRequest{}, rejected("create pull request", "base branch does not exist")
	}
	l, err := f.readLedger()
	if err != nil {
		return remote.PullRequest{}, failure("create pull request", err)
	}
	for _, p := range l.Pulls {
		if p.State == "open" && p.Head == pr.Head && p.Base == pr.Base {
			return remote.PullRequest{}, rejected("create pull request", "a pull request already exists for "+pr.Head)
		}
	}

	rec := pullRecord{
		Number:    l.Next,
		Title:     pr.Title,
		Body:      pr.Body,
		Head:      pr.Head,
		Base:      pr.Base,
		State:     "open",
		CreatedAt: time.Now().UTC(),
	}
	l.Next++
	l.Pulls = append(l.Pulls, rec)
	if err := f.writeLedger(l); err != nil {
		return remote.PullRequest{}, failure("create pull request", err)
	}
	f.logger.Info("opened local pull request", zap.Int("number", rec.Number), zap.String("head", rec.Head), zap.String("base", rec.Base))
	return f.toPullRequest(rec), nil
}

// MergePullRequest lands an open pull request on its base. A base that has
// not moved is fast-forwarded; otherwise the head's changes since the merge
// base are replayed onto the base tip in a merge commit, head winning on
// paths both sides touched.
func (f *Forge) MergePullRequest(ctx context.Context, number int, author remote.Signature) (remote.Commit, error) {
	if err := ctx.Err(); err != nil {
		return remote.Commit{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := f.readLedger()
	if err != nil {
		return remote.Commit{}, failure("merge pull request", err)
	}
	idx := -1
	for i, p := range l.Pulls {
		if p.Number == number {
			idx = i
		}
	}
	if idx < 0 {
		return remote.Commit{}, domain.NotFound("pull request", fmt.Sprint(number))
	}
	pr := l.Pulls[idx]
	if pr.State != "open" {
		return remote.Commit{}, &domain.RemoteError{Op: "merge pull request", Status: http.StatusMethodNotAllowed, Err: errors.New("pull request is not open")}
	}

	head, err := f.resolveCommit(pr.Head)
	if err != nil {
		return remote.Commit{}, err
	}
	base, err := f.resolveCommit(pr.Base)
	if err != nil {
		return remote.Commit{}, err
	}

	merged := head
	if ok, err := base.IsAncestor(head); err != nil {
		return remote.Commit{}, failure("merge pull request", err)
	} else if !ok {
		if merged, err = f.mergeCommit(base, head, pr, author); err != nil {
			return remote.Commit{}, err
		}
	}
	if err := f.fastForward(pr.Base, merged.Hash); err != nil {
		return remote.Commit{}, err
	}

	l.Pulls[idx].State = "closed"
	l.Pulls[idx].Merged = true
	if err := f.writeLedger(l); err != nil {
		return remote.Commit{}, failure("merge pull request", err)
	}
	return toCommit(merged), nil
}

func (f *Forge) mergeCommit(base, head *object.Commit, pr pullRecord, author remote.Signature) (*object.Commit, error) {
	bases, err := head.MergeBase(base)
	if err != nil || len(bases) == 0 {
		return nil, rejected("merge pull request", "branches share no history")
	}
	ancestorTree, err := bases[0].Tree()
	if err != nil {
		return nil, failure("merge pull request", err)
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, failure("merge pull request", err)
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, failure("merge pull request", err)
	}

	files, err := flatten(baseTree)
	if err != nil {
		return nil, failure("merge pull request", err)
	}
	headFiles, err := flatten(headTree)
	if err != nil {
		return nil, failure("merge pull request", err)
	}
	changes, err := object.DiffTree(ancestorTree, headTree)
	if err != nil {
		return nil, failure("merge pull request", err)
	}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, failure("merge pull request", err)
		}
		if action == merkletrie.Delete {
			delete(files, ch.From.Name)
			continue
		}
		files[ch.To.Name] = headFiles[ch.To.Name]
	}

	treeHash, err := f.buildTree(files)
	if err != nil {
		return nil, err
	}
	commit := &object.Commit{
		Author:       signature(author),
		Committer:    signature(author),
		Message:      fmt.Sprintf("Merge pull request #%d from %s\n\n%s", pr.Number, pr.Head, pr.Title),
		TreeHash:     treeHash,
		ParentHashes: []plumbing.Hash{base.Hash, head.Hash},
	}
	hash, err := f.storeCommit(commit)
	if err != nil {
		return nil, err
	}
	commit.Hash = hash
	return commit, nil
}

// ClosePullRequest closes without merging.
func (f *Forge) ClosePullRequest(ctx context.Context, number int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := f.readLedger()
	if err != nil {
		return failure("close pull request", err)
	}
	for i := range l.Pulls {
		if l.Pulls[i].Number == number {
			l.Pulls[i].State = "closed"
			return f.writeLedger(l)
		}
	}
	return domain.NotFound("pull request", fmt.Sprint(number))
}

// DeleteBranch removes a branch ref, as happens after a hosted merge.
func (f *Forge) DeleteBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.branch(name); err != nil {
		return err
	}
	if err := f.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return failure("delete branch", err)
	}
	return nil
}
