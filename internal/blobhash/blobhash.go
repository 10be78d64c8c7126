// Package blobhash computes content digests identical to git blob object ids,
// so a locally hashed draft can be compared directly with the sha a repository
// API reports for the same path.
package blobhash

import "github.com/go-git/go-git/v5/plumbing"

// Sum returns the hex object id of content stored as a git blob,
// sha1("blob <len>\x00" + content).
func Sum(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}

// SumString is Sum for text content.
func SumString(content string) string {
	return Sum([]byte(content))
}

// Equal reports whether content hashes to sha. An empty sha never matches.
func Equal(content string, sha string) bool {
	return sha != "" && SumString(content) == sha
}
