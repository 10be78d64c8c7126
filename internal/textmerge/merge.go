package textmerge

import (
	"fmt"
	"sort"
)

// Policy decides what a conflicting region renders as in Result.Text.
type Policy string

const (
	PreferTheirs Policy = "theirs"
	PreferYours  Policy = "yours"
	Markers      Policy = "markers"
)

// ParsePolicy accepts the configuration spelling of a policy; empty means
// PreferTheirs.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PreferTheirs:
		return PreferTheirs, nil
	case PreferYours, Markers:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Conflict is a base region both sides rewrote differently.
type Conflict struct {
	BaseLine int      `json:"baseLine"`
	Base     []string `json:"base"`
	Yours    []string `json:"yours"`
	Theirs   []string `json:"theirs"`
}

// Result of a three-way merge. When Clean is false Text is only a rendering
// baseline for manual resolution and must not be adopted as a draft.
type Result struct {
	Clean     bool       `json:"isClean"`
	Text      string     `json:"mergedText"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Merger performs line-based three-way merges.
type Merger struct {
	Policy Policy
}

// Merge merges with the default policy.
func Merge(yours, base, theirs string) Result {
	return Merger{Policy: PreferTheirs}.Merge(yours, base, theirs)
}

type sideHunk struct {
	hunk
	theirs bool
}

// Merge reconciles yours and theirs, both derived from base.
func (m Merger) Merge(yours, base, theirs string) Result {
	if yours == theirs {
		return Result{Clean: true, Text: yours}
	}
	if yours == base {
		return Result{Clean: true, Text: theirs}
	}
	if theirs == base {
		return Result{Clean: true, Text: yours}
	}

	baseLines := splitLines(base)
	dmp, table := newDiffer(), newLineTable()

	var all []sideHunk
	for _, h := range lineHunks(dmp, table, baseLines, splitLines(yours)) {
		all = append(all, sideHunk{hunk: h})
	}
	for _, h := range lineHunks(dmp, table, baseLines, splitLines(theirs)) {
		all = append(all, sideHunk{hunk: h, theirs: true})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end < all[j].end
	})

	res := Result{Clean: true}
	out := make([]string, 0, len(baseLines))
	pos := 0
	for i := 0; i < len(all); {
		lo, hi := all[i].start, all[i].end
		group := []sideHunk{all[i]}
		for i++; i < len(all) && overlaps(lo, hi, all[i].hunk); i++ {
			group = append(group, all[i])
			if all[i].end > hi {
				hi = all[i].end
			}
		}

		out = append(out, baseLines[pos:lo]...)
		mine, mineTouched := region(group, false, baseLines, lo, hi)
		their, theirTouched := region(group, true, baseLines, lo, hi)
		switch {
		case !mineTouched:
			out = append(out, their...)
		case !theirTouched, equalLines(mine, their):
			out = append(out, mine...)
		default:
			res.Clean = false
			res.Conflicts = append(res.Conflicts, Conflict{
				BaseLine: lo,
				Base:     append([]string(nil), baseLines[lo:hi]...),
				Yours:    mine,
				Theirs:   their,
			})
			out = append(out, m.render(mine, their)...)
		}
		pos = hi
	}
	out = append(out, baseLines[pos:]...)
	res.Text = joinLines(out)
	return res
}

// overlaps reports whether next belongs to the group spanning base[lo:hi].
// Changes that merely touch are independent, except two insertions at the
// same point, which compete for the same position.
func overlaps(lo, hi int, next hunk) bool {
	if next.start < hi {
		return true
	}
	return next.start == hi && lo == hi && next.start == next.end
}

func region(group []sideHunk, theirs bool, base []string, lo, hi int) ([]string, bool) {
	var (
		out     []string
		touched bool
	)
	cursor := lo
	for _, h := range group {
		if h.theirs != theirs {
			continue
		}
		touched = true
		out = append(out, base[cursor:h.start]...)
		out = append(out, h.lines...)
		cursor = h.end
	}
	out = append(out, base[cursor:hi]...)
	return out, touched
}

func (m Merger) render(yours, theirs []string) []string {
	switch m.Policy {
	case PreferYours:
		return yours
	case Markers:
		out := make([]string, 0, len(yours)+len(theirs)+3)
		out = append(out, "<<<<<<< yours")
		out = append(out, yours...)
		out = append(out, "=======")
		out = append(out, theirs...)
		return append(out, ">>>>>>> theirs")
	default:
		return theirs
	}
}
