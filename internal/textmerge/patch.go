package textmerge

import "fmt"

// PatchType tags line patches in persisted history records.
const PatchType = "line-patch"

// Hunk removes Removed at Offset (a line index into the old text) and puts
// Added in its place.
type Hunk struct {
	Offset  int      `json:"offset"`
	Removed []string `json:"removed,omitempty"`
	Added   []string `json:"added,omitempty"`
}

// Patch is one entry of a text document's change journal.
type Patch struct {
	Type          string `json:"type"`
	LineSeparator string `json:"lineSeparator"`
	Hunks         []Hunk `json:"patch"`
}

// Diff returns the line patch turning oldText into newText, or nil when the
// texts are equal.
func Diff(oldText, newText string) *Patch {
	if oldText == newText {
		return nil
	}
	oldLines, newLines := splitLines(oldText), splitLines(newText)
	hunks := lineHunks(newDiffer(), newLineTable(), oldLines, newLines)
	if len(hunks) == 0 {
		return nil
	}

	p := &Patch{Type: PatchType, LineSeparator: LineSeparator, Hunks: make([]Hunk, 0, len(hunks))}
	for _, h := range hunks {
		p.Hunks = append(p.Hunks, Hunk{
			Offset:  h.start,
			Removed: append([]string(nil), oldLines[h.start:h.end]...),
			Added:   h.lines,
		})
	}
	return p
}

// Apply replays p on text. Removed lines are checked so a patch applied to the
// wrong baseline fails instead of corrupting the document. A nil patch is the
// identity.
func Apply(text string, p *Patch) (string, error) {
	if p == nil || len(p.Hunks) == 0 {
		return text, nil
	}
	if p.LineSeparator != "" && p.LineSeparator != LineSeparator {
		return "", fmt.Errorf("unsupported line separator %q", p.LineSeparator)
	}

	lines := splitLines(text)
	out := make([]string, 0, len(lines))
	pos := 0
	for i, h := range p.Hunks {
		end := h.Offset + len(h.Removed)
		if h.Offset < pos || end > len(lines) {
			return "", fmt.Errorf("hunk %d at line %d is out of range", i, h.Offset)
		}
		if !equalLines(lines[h.Offset:end], h.Removed) {
			return "", fmt.Errorf("hunk %d does not match text at line %d", i, h.Offset)
		}
		out = append(out, lines[pos:h.Offset]...)
		out = append(out, h.Added...)
		pos = end
	}
	out = append(out, lines[pos:]...)
	return joinLines(out), nil
}
