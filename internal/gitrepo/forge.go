// Package gitrepo serves the repository contract from a local bare git
// repository. Pull requests live in a small JSON ledger next to the objects,
// which makes it usable offline and in tests.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"go.uber.org/zap"

	"docsflow/api/internal/domain"
	"docsflow/api/internal/remote"
)

type Forge struct {
	dir           string
	defaultBranch string
	repo          *git.Repository
	logger        *zap.Logger

	// mu serializes object and ref writes together with ledger updates.
	mu sync.Mutex
}

var _ remote.Client = (*Forge)(nil)

// Open opens the bare repository at dir, initializing it with an empty root
// commit on defaultBranch when it does not exist yet.
func Open(dir, defaultBranch string, logger *zap.Logger) (*Forge, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create repo dir: %w", err)
		}
		repo, err = git.PlainInit(dir, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	f := &Forge{dir: dir, defaultBranch: defaultBranch, repo: repo, logger: logger}
	if err := f.ensureDefaultBranch(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Forge) ensureDefaultBranch() error {
	name := plumbing.NewBranchReferenceName(f.defaultBranch)
	if _, err := f.repo.Reference(name, true); err == nil {
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("resolve %s: %w", f.defaultBranch, err)
	}

	treeHash, err := f.storeTree(&object.Tree{})
	if err != nil {
		return err
	}
	sig := object.Signature{Name: "docsflow", Email: "docsflow@localhost", When: time.Now()}
	commitHash, err := f.storeCommit(&object.Commit{Author: sig, Committer: sig, Message: "Initialize repository", TreeHash: treeHash})
	if err != nil {
		return err
	}
	if err := f.repo.Storer.SetReference(plumbing.NewHashReference(name, commitHash)); err != nil {
		return fmt.Errorf("set %s ref: %w", f.defaultBranch, err)
	}
	if err := f.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, name)); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", f.defaultBranch, err)
	}
	return nil
}

func (f *Forge) DefaultBranch() string {
	return f.defaultBranch
}

func failure(op string, err error) error {
	return &domain.RemoteError{Op: op, Status: http.StatusInternalServerError, Err: err}
}

func rejected(op, message string) error {
	return &domain.RemoteError{Op: op, Status: http.StatusUnprocessableEntity, Err: errors.New(message)}
}

// resolveCommit accepts a branch name or a full commit hash.
func (f *Forge) resolveCommit(ref string) (*object.Commit, error) {
	if ref == "" {
		ref = f.defaultBranch
	}
	hash := plumbing.ZeroHash
	if r, err := f.repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		hash = r.Hash()
	} else if plumbing.IsHash(ref) {
		hash = plumbing.NewHash(ref)
	} else {
		return nil, domain.NotFound("ref", ref)
	}
	commit, err := f.repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, domain.NotFound("commit", ref)
	}
	if err != nil {
		return nil, failure("read commit", err)
	}
	return commit, nil
}

func (f *Forge) GetFileContent(ctx context.Context, path, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	commit, err := f.resolveCommit(ref)
	if err != nil {
		return "", err
	}
	file, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", domain.NotFound("file", path)
	}
	if err != nil {
		return "", failure("read file", err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", failure("read file", err)
	}
	return content, nil
}

func (f *Forge) GetCommitMetadata(ctx context.Context, path, ref string) (remote.Commit, error) {
	if err := ctx.Err(); err != nil {
		return remote.Commit{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	head, err := f.resolveCommit(ref)
	if err != nil {
		return remote.Commit{}, err
	}
	dir := strings.TrimSuffix(path, "/")
	iter, err := f.repo.Log(&git.LogOptions{
		From: head.Hash,
		PathFilter: func(p string) bool {
			return dir == "" || p == dir || strings.HasPrefix(p, dir+"/")
		},
	})
	if err != nil {
		return remote.Commit{}, failure("read log", err)
	}
	defer iter.Close()

	commit, err := iter.Next()
	if errors.Is(err, io.EOF) {
		return remote.Commit{}, domain.NotFound("commit for path", path)
	}
	if err != nil {
		return remote.Commit{}, failure("read log", err)
	}
	return toCommit(commit), nil
}

// GetTree lists blobs under a branch, a commit or a tree hash.
func (f *Forge) GetTree(ctx context.Context, ref string) (remote.Tree, error) {
	if err := ctx.Err(); err != nil {
		return remote.Tree{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tree, err := f.resolveTree(ref)
	if err != nil {
		return remote.Tree{}, err
	}
	out := remote.Tree{SHA: tree.Hash.String()}
	err = tree.Files().ForEach(func(file *object.File) error {
		out.Entries = append(out.Entries, remote.TreeEntry{
			Path: file.Name,
			Mode: modeString(file.Mode),
			Type: remote.TypeBlob,
			SHA:  file.Hash.String(),
			Size: file.Size,
		})
		return nil
	})
	if err != nil {
		return remote.Tree{}, failure("walk tree", err)
	}
	return out, nil
}

func (f *Forge) resolveTree(ref string) (*object.Tree, error) {
	if plumbing.IsHash(ref) {
		if tree, err := f.repo.TreeObject(plumbing.NewHash(ref)); err == nil {
			return tree, nil
		}
	}
	commit, err := f.resolveCommit(ref)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, failure("read tree", err)
	}
	return tree, nil
}

func (f *Forge) GetBranch(ctx context.Context, name string) (remote.Branch, error) {
	if err := ctx.Err(); err != nil {
		return remote.Branch{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branch(name)
}

func (f *Forge) branch(name string) (remote.Branch, error) {
	ref, err := f.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return remote.Branch{}, domain.NotFound("branch", name)
	}
	if err != nil {
		return remote.Branch{}, failure("get branch", err)
	}
	return remote.Branch{Name: name, SHA: ref.Hash().String()}, nil
}

func (f *Forge) ListBranches(ctx context.Context, prefix string) ([]remote.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	iter, err := f.repo.Branches()
	if err != nil {
		return nil, failure("list branches", err)
	}
	out := make([]remote.Branch, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); strings.HasPrefix(name, prefix) {
			out = append(out, remote.Branch{Name: name, SHA: ref.Hash().String()})
		}
		return nil
	})
	if err != nil {
		return nil, failure("list branches", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Forge) CreateBranch(ctx context.Context, name, sha string) (remote.Branch, error) {
	if err := ctx.Err(); err != nil {
		return remote.Branch{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := f.repo.Reference(refName, true); err == nil {
		return remote.Branch{}, rejected("create branch", "reference already exists")
	}
	if _, err := f.repo.CommitObject(plumbing.NewHash(sha)); err != nil {
		return remote.Branch{}, rejected("create branch", "object does not exist")
	}
	if err := f.repo.Storer.SetReference(plumbing.NewHashReference(refName, plumbing.NewHash(sha))); err != nil {
		return remote.Branch{}, failure("create branch", err)
	}
	f.logger.Debug("created branch", zap.String("branch", name), zap.String("sha", sha))
	return remote.Branch{Name: name, SHA: sha}, nil
}

func (f *Forge) CreateBlob(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	hash, err := f.storeBlob(content)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (f *Forge) storeBlob(content string) (plumbing.Hash, error) {
	obj := f.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, failure("create blob", err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, failure("create blob", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, failure("create blob", err)
	}
	hash, err := f.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, failure("create blob", err)
	}
	return hash, nil
}

func (f *Forge) CreateTree(ctx context.Context, baseTree string, changes []remote.TreeChange) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	files := map[string]treeFile{}
	if baseTree != "" {
		base, err := f.resolveTree(baseTree)
		if err != nil {
			return "", err
		}
		if files, err = flatten(base); err != nil {
			return "", failure("create tree", err)
		}
	}
	for _, ch := range changes {
		if ch.Delete {
			delete(files, ch.Path)
			continue
		}
		mode := filemode.Regular
		if ch.Mode != "" {
			m, err := filemode.New(ch.Mode)
			if err != nil {
				return "", rejected("create tree", fmt.Sprintf("invalid mode %q for %s", ch.Mode, ch.Path))
			}
			mode = m
		}
		hash := plumbing.NewHash(ch.SHA)
		if _, err := f.repo.Storer.EncodedObject(plumbing.BlobObject, hash); err != nil {
			return "", rejected("create tree", fmt.Sprintf("blob %s for %s does not exist", ch.SHA, ch.Path))
		}
		files[ch.Path] = treeFile{mode: mode, hash: hash}
	}

	hash, err := f.buildTree(files)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (f *Forge) CreateCommit(ctx context.Context, nc remote.NewCommit) (remote.Commit, error) {
	if err := ctx.Err(); err != nil {
		return remote.Commit{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.repo.TreeObject(plumbing.NewHash(nc.Tree)); err != nil {
		return remote.Commit{}, rejected("create commit", "tree does not exist")
	}
	commit := &object.Commit{
		Author:    signature(nc.Author),
		Committer: signature(nc.Author),
		Message:   nc.Message,
		TreeHash:  plumbing.NewHash(nc.Tree),
	}
	for _, p := range nc.Parents {
		if _, err := f.repo.CommitObject(plumbing.NewHash(p)); err != nil {
			return remote.Commit{}, rejected("create commit", fmt.Sprintf("parent %s does not exist", p))
		}
		commit.ParentHashes = append(commit.ParentHashes, plumbing.NewHash(p))
	}
	hash, err := f.storeCommit(commit)
	if err != nil {
		return remote.Commit{}, err
	}
	commit.Hash = hash
	return toCommit(commit), nil
}

// UpdateRef moves branch to sha. Like the hosted API without force, only
// fast-forwards are accepted.
func (f *Forge) UpdateRef(ctx context.Context, branch, sha string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fastForward(branch, plumbing.NewHash(sha))
}

func (f *Forge) fastForward(branch string, target plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(branch)
	current, err := f.repo.Reference(refName, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return rejected("update ref", "reference does not exist")
	}
	if err != nil {
		return failure("update ref", err)
	}
	next, err := f.repo.CommitObject(target)
	if err != nil {
		return rejected("update ref", "object does not exist")
	}
	if current.Hash() != target {
		prev, err := f.repo.CommitObject(current.Hash())
		if err != nil {
			return failure("update ref", err)
		}
		ok, err := prev.IsAncestor(next)
		if err != nil {
			return failure("update ref", err)
		}
		if !ok {
			return rejected("update ref", "update is not a fast forward")
		}
	}
	if err := f.repo.Storer.SetReference(plumbing.NewHashReference(refName, target)); err != nil {
		return failure("update ref", err)
	}
	return nil
}

func (f *Forge) CompareCommits(ctx context.Context, base, head string) (remote.Comparison, error) {
	if err := ctx.Err(); err != nil {
		return remote.Comparison{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := f.resolveTree(base)
	if err != nil {
		return remote.Comparison{}, err
	}
	to, err := f.resolveTree(head)
	if err != nil {
		return remote.Comparison{}, err
	}
	changes, err := object.DiffTree(from, to)
	if err != nil {
		return remote.Comparison{}, failure("compare commits", err)
	}

	out := remote.Comparison{Files: make([]remote.ChangedFile, 0, len(changes))}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return remote.Comparison{}, failure("compare commits", err)
		}
		switch action {
		case merkletrie.Insert:
			out.Files = append(out.Files, remote.ChangedFile{Path: ch.To.Name, Status: remote.FileAdded})
		case merkletrie.Delete:
			out.Files = append(out.Files, remote.ChangedFile{Path: ch.From.Name, Status: remote.FileRemoved})
		case merkletrie.Modify:
			out.Files = append(out.Files, remote.ChangedFile{Path: ch.To.Name, Status: remote.FileModified})
		}
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	return out, nil
}

// CommitFiles writes files and removes deletes on branch in one commit. It is
// the seeding path for local repositories.
func (f *Forge) CommitFiles(ctx context.Context, branch string, files map[string]string, deletes []string, author remote.Signature, message string) (remote.Commit, error) {
	if err := ctx.Err(); err != nil {
		return remote.Commit{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	head, err := f.resolveCommit(branch)
	if err != nil {
		return remote.Commit{}, err
	}
	tree, err := head.Tree()
	if err != nil {
		return remote.Commit{}, failure("read tree", err)
	}
	flat, err := flatten(tree)
	if err != nil {
		return remote.Commit{}, failure("read tree", err)
	}
	for path, content := range files {
		hash, err := f.storeBlob(content)
		if err != nil {
			return remote.Commit{}, err
		}
		flat[path] = treeFile{mode: filemode.Regular, hash: hash}
	}
	for _, path := range deletes {
		delete(flat, path)
	}
	treeHash, err := f.buildTree(flat)
	if err != nil {
		return remote.Commit{}, err
	}
	commit := &object.Commit{
		Author:       signature(author),
		Committer:    signature(author),
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: []plumbing.Hash{head.Hash},
	}
	hash, err := f.storeCommit(commit)
	if err != nil {
		return remote.Commit{}, err
	}
	commit.Hash = hash
	if err := f.fastForward(branch, hash); err != nil {
		return remote.Commit{}, err
	}
	return toCommit(commit), nil
}

func (f *Forge) storeCommit(commit *object.Commit) (plumbing.Hash, error) {
	obj := f.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, failure("encode commit", err)
	}
	hash, err := f.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, failure("store commit", err)
	}
	return hash, nil
}

func toCommit(c *object.Commit) remote.Commit {
	out := remote.Commit{
		SHA:       c.Hash.String(),
		Tree:      c.TreeHash.String(),
		Message:   c.Message,
		Author:    c.Author.Name,
		Email:     c.Author.Email,
		Timestamp: c.Author.When.UTC(),
	}
	for _, p := range c.ParentHashes {
		out.Parents = append(out.Parents, p.String())
	}
	return out
}

func signature(s remote.Signature) object.Signature {
	when := s.When
	if when.IsZero() {
		when = time.Now()
	}
	email := s.Email
	if email == "" {
		email = sanitizeEmail(s.Name) + "@users.noreply.docsflow.local"
	}
	return object.Signature{Name: s.Name, Email: email, When: when}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func ledgerPath(dir string) string {
	return filepath.Join(dir, "docsflow-pulls.json")
}
