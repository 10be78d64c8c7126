package gitrepo

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type treeFile struct {
	mode filemode.FileMode
	hash plumbing.Hash
}

// flatten maps every blob path in tree to its mode and hash.
func flatten(tree *object.Tree) (map[string]treeFile, error) {
	out := map[string]treeFile{}
	err := tree.Files().ForEach(func(file *object.File) error {
		out[file.Name] = treeFile{mode: file.Mode, hash: file.Hash}
		return nil
	})
	return out, err
}

// buildTree writes the nested tree objects for a flat path map and returns
// the root hash.
func (f *Forge) buildTree(files map[string]treeFile) (plumbing.Hash, error) {
	blobs := map[string]treeFile{}
	dirs := map[string]map[string]treeFile{}
	for path, file := range files {
		head, rest, nested := strings.Cut(path, "/")
		if !nested {
			blobs[head] = file
			continue
		}
		if dirs[head] == nil {
			dirs[head] = map[string]treeFile{}
		}
		dirs[head][rest] = file
	}

	tree := &object.Tree{}
	for name, file := range blobs {
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: file.mode, Hash: file.hash})
	}
	for name, sub := range dirs {
		hash, err := f.buildTree(sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}
	// Git orders entries by name with directories compared as "name/".
	sort.Slice(tree.Entries, func(i, j int) bool {
		return sortKey(tree.Entries[i]) < sortKey(tree.Entries[j])
	})
	return f.storeTree(tree)
}

func sortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func (f *Forge) storeTree(tree *object.Tree) (plumbing.Hash, error) {
	obj := f.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, failure("encode tree", err)
	}
	hash, err := f.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, failure("store tree", err)
	}
	return hash, nil
}

// modeString renders a file mode the way the hosted API does ("100644").
func modeString(m filemode.FileMode) string {
	return strings.TrimLeft(m.String(), "0")
}
