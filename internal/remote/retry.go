package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"docsflow/api/internal/domain"
)

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Retrying repeats idempotent calls that fail with a retryable
// *domain.RemoteError, doubling the delay each time. Branch and pull request
// creation go through once.
type Retrying struct {
	Client
	policy RetryPolicy
	logger *zap.Logger
}

func WithRetry(c Client, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{Client: c, policy: policy, logger: logger}
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if r.policy.Delay > 0 {
		exp.InitialInterval = r.policy.Delay
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 64 * exp.InitialInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.Attempts-1)), ctx)
}

func do[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		out, err := fn()
		if err != nil && !retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, r.backOff(ctx), func(err error, delay time.Duration) {
		r.logger.Warn("retrying remote call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
}

func retryable(err error) bool {
	var remoteErr *domain.RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Retryable()
}

func (r *Retrying) GetFileContent(ctx context.Context, path, ref string) (string, error) {
	return do(ctx, r, "get file content", func() (string, error) { return r.Client.GetFileContent(ctx, path, ref) })
}

func (r *Retrying) GetCommitMetadata(ctx context.Context, path, ref string) (Commit, error) {
	return do(ctx, r, "get commit metadata", func() (Commit, error) { return r.Client.GetCommitMetadata(ctx, path, ref) })
}

func (r *Retrying) GetTree(ctx context.Context, ref string) (Tree, error) {
	return do(ctx, r, "get tree", func() (Tree, error) { return r.Client.GetTree(ctx, ref) })
}

func (r *Retrying) GetBranch(ctx context.Context, name string) (Branch, error) {
	return do(ctx, r, "get branch", func() (Branch, error) { return r.Client.GetBranch(ctx, name) })
}

func (r *Retrying) ListBranches(ctx context.Context, prefix string) ([]Branch, error) {
	return do(ctx, r, "list branches", func() ([]Branch, error) { return r.Client.ListBranches(ctx, prefix) })
}

func (r *Retrying) CreateBlob(ctx context.Context, content string) (string, error) {
	return do(ctx, r, "create blob", func() (string, error) { return r.Client.CreateBlob(ctx, content) })
}

func (r *Retrying) CreateTree(ctx context.Context, baseTree string, changes []TreeChange) (string, error) {
	return do(ctx, r, "create tree", func() (string, error) { return r.Client.CreateTree(ctx, baseTree, changes) })
}

func (r *Retrying) UpdateRef(ctx context.Context, branch, sha string) error {
	_, err := do(ctx, r, "update ref", func() (struct{}, error) { return struct{}{}, r.Client.UpdateRef(ctx, branch, sha) })
	return err
}

func (r *Retrying) ListOpenPullRequests(ctx context.Context, head, base string) ([]PullRequest, error) {
	return do(ctx, r, "list pull requests", func() ([]PullRequest, error) { return r.Client.ListOpenPullRequests(ctx, head, base) })
}

func (r *Retrying) GetPullRequest(ctx context.Context, number int) (PullRequest, error) {
	return do(ctx, r, "get pull request", func() (PullRequest, error) { return r.Client.GetPullRequest(ctx, number) })
}

func (r *Retrying) CompareCommits(ctx context.Context, base, head string) (Comparison, error) {
	return do(ctx, r, "compare commits", func() (Comparison, error) { return r.Client.CompareCommits(ctx, base, head) })
}
