package textmerge

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffReturnsNilForEqualTexts(t *testing.T) {
	for _, s := range []string{"", "a", "a\nb\n", "\n\n"} {
		assert.Nil(t, Diff(s, s), "diff(%q, %q)", s, s)
	}
}

func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
	}{
		{"empty to text", "", "hello\nworld\n"},
		{"text to empty", "hello\nworld\n", ""},
		{"append line", "A\nB\n", "A\nB\nC\n"},
		{"prepend line", "A\nB\n", "Z\nA\nB\n"},
		{"delete middle", "A\nB\nC\n", "A\nC\n"},
		{"replace line", "A\nB\n", "A\nB2\n"},
		{"drop trailing newline", "A\nB\n", "A\nB"},
		{"crlf preserved", "A\r\nB\r\n", "A\r\nX\r\nB\r\n"},
		{"repeated lines", "x\nx\nx\n", "x\ny\nx\nx\n"},
		{"blank lines only", "\n\n", "\n\n\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Diff(tc.old, tc.new)
			require.NotNil(t, p)
			assert.Equal(t, PatchType, p.Type)
			assert.Equal(t, LineSeparator, p.LineSeparator)

			got, err := Apply(tc.old, p)
			require.NoError(t, err)
			assert.Equal(t, tc.new, got)
		})
	}
}

func TestDiffApplyRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"", "a", "b", "c", "lorem ipsum", "# title"}
	gen := func() string {
		n := rng.Intn(8)
		lines := make([]string, n)
		for i := range lines {
			lines[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return strings.Join(lines, "\n")
	}
	for i := 0; i < 500; i++ {
		a, b := gen(), gen()
		got, err := Apply(a, Diff(a, b))
		require.NoError(t, err)
		require.Equal(t, b, got, "a=%q b=%q", a, b)
	}
}

func TestPatchSurvivesJSON(t *testing.T) {
	p := Diff("one\ntwo\n", "one\n2\nthree\n")
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"line-patch"`)
	assert.Contains(t, string(raw), `"lineSeparator":"\n"`)

	var decoded Patch
	require.NoError(t, json.Unmarshal(raw, &decoded))
	got, err := Apply("one\ntwo\n", &decoded)
	require.NoError(t, err)
	assert.Equal(t, "one\n2\nthree\n", got)
}

func TestApplyRejectsMismatchedBaseline(t *testing.T) {
	p := Diff("A\nB\n", "A\nB2\n")
	_, err := Apply("A\nX\n", p)
	require.Error(t, err)

	_, err = Apply("A", p)
	require.Error(t, err)
}

func TestApplyNilPatchIsIdentity(t *testing.T) {
	got, err := Apply("unchanged", nil)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", got)
}
