package textmerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeIdempotent(t *testing.T) {
	for _, x := range []string{"", "a", "A\nB\n"} {
		res := Merge(x, x, x)
		assert.True(t, res.Clean)
		assert.Equal(t, x, res.Text)
	}
}

func TestMergeAppendAgainstUpstreamEdit(t *testing.T) {
	res := Merge("A\nB\nC\n", "A\nB\n", "A\nB2\n")
	require.True(t, res.Clean)
	assert.Equal(t, "A\nB2\nC\n", res.Text)
	assert.Empty(t, res.Conflicts)
}

func TestMergeOneSidedChanges(t *testing.T) {
	base := "one\ntwo\nthree\n"

	res := Merge("one\nTWO\nthree\n", base, base)
	assert.True(t, res.Clean)
	assert.Equal(t, "one\nTWO\nthree\n", res.Text)

	res = Merge(base, base, "one\ntwo\nthree\nfour\n")
	assert.True(t, res.Clean)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", res.Text)
}

func TestMergeDisjointEdits(t *testing.T) {
	base := "a\nb\nc\nd\ne\n"
	res := Merge("A\nb\nc\nd\ne\n", base, "a\nb\nc\nd\nE\n")
	require.True(t, res.Clean)
	assert.Equal(t, "A\nb\nc\nd\nE\n", res.Text)
}

func TestMergeIdenticalEditsAreClean(t *testing.T) {
	base := "a\nb\nc\n"
	res := Merge("a\nB\nc\nd\n", base, "a\nB\nc\n")
	require.True(t, res.Clean)
	assert.Equal(t, "a\nB\nc\nd\n", res.Text)
}

func TestMergeConflictPolicies(t *testing.T) {
	base, yours, theirs := "a\nb\nc\n", "a\nmine\nc\n", "a\ntheirs\nc\n"

	res := Merge(yours, base, theirs)
	require.False(t, res.Clean)
	assert.Equal(t, theirs, res.Text)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, Conflict{BaseLine: 1, Base: []string{"b"}, Yours: []string{"mine"}, Theirs: []string{"theirs"}}, res.Conflicts[0])

	res = Merger{Policy: PreferYours}.Merge(yours, base, theirs)
	require.False(t, res.Clean)
	assert.Equal(t, yours, res.Text)

	res = Merger{Policy: Markers}.Merge(yours, base, theirs)
	require.False(t, res.Clean)
	assert.Equal(t, "a\n<<<<<<< yours\nmine\n=======\ntheirs\n>>>>>>> theirs\nc\n", res.Text)
}

func TestMergeCompetingInsertionsConflict(t *testing.T) {
	res := Merge("a\nx\n", "a\n", "a\ny\n")
	require.False(t, res.Clean)
	assert.Equal(t, "a\ny\n", res.Text)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PreferTheirs, p)

	p, err = ParsePolicy("markers")
	require.NoError(t, err)
	assert.Equal(t, Markers, p)

	_, err = ParsePolicy("newest")
	assert.Error(t, err)
}
