package textmerge

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineSeparator is the only separator lines are split on; "\r" stays part of
// the line so CRLF documents round-trip byte for byte.
const LineSeparator = "\n"

// Each distinct line is mapped to one rune above the surrogate range so that
// diffmatchpatch can diff whole lines as characters.
const runeBase = 0xE000

func splitLines(text string) []string {
	return strings.Split(text, LineSeparator)
}

func joinLines(lines []string) string {
	return strings.Join(lines, LineSeparator)
}

type lineTable struct {
	index map[string]rune
	lines []string
}

func newLineTable() *lineTable {
	return &lineTable{index: make(map[string]rune)}
}

func (t *lineTable) encode(lines []string) []rune {
	out := make([]rune, len(lines))
	for i, line := range lines {
		r, ok := t.index[line]
		if !ok {
			r = rune(runeBase + len(t.lines))
			t.index[line] = r
			t.lines = append(t.lines, line)
		}
		out[i] = r
	}
	return out
}

func (t *lineTable) decode(text string) []string {
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, t.lines[r-runeBase])
	}
	return out
}

// hunk replaces old[start:end] with lines.
type hunk struct {
	start int
	end   int
	lines []string
}

func newDiffer() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp
}

func lineHunks(dmp *diffmatchpatch.DiffMatchPatch, table *lineTable, oldLines, newLines []string) []hunk {
	diffs := dmp.DiffMainRunes(table.encode(oldLines), table.encode(newLines), false)

	var (
		hunks []hunk
		cur   *hunk
		pos   int
	)
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if cur != nil {
				hunks = append(hunks, *cur)
				cur = nil
			}
			pos += n
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{start: pos, end: pos}
			}
			pos += n
			cur.end = pos
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{start: pos, end: pos}
			}
			cur.lines = append(cur.lines, table.decode(d.Text)...)
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
