package structdiff

import (
	"fmt"

	"docsflow/api/internal/domain"
)

// Pick selects which candidate settles a conflict.
type Pick string

const (
	PickBase     Pick = "base"
	PickLocal    Pick = "local"
	PickIncoming Pick = "incoming"
)

// SilentMerge folds incoming changes into local. It refuses with a
// *domain.MergeConflictError when Classify finds any conflict, so callers see
// either the fully merged value or nothing.
func (e *Engine) SilentMerge(base, local, incoming Value) (Value, error) {
	if conflicts := e.Classify(base, local, incoming); len(conflicts) > 0 {
		return nil, &domain.MergeConflictError{Details: conflicts}
	}
	return e.merge("", base, local, incoming, nil), nil
}

// Resolve merges like SilentMerge but settles each conflict with the pick
// recorded for its path. Every conflict needs a pick.
func (e *Engine) Resolve(base, local, incoming Value, picks map[string]Pick) (Value, error) {
	for _, c := range e.Classify(base, local, incoming) {
		switch picks[c.Path] {
		case PickBase, PickLocal, PickIncoming:
		case "":
			return nil, domain.Invalid("no resolution for conflict at %q", c.Path)
		default:
			return nil, domain.Invalid("unknown resolution %q for %q", picks[c.Path], c.Path)
		}
	}
	return e.merge("", base, local, incoming, picks), nil
}

// merge mirrors classify's walk. Paths only one side changed take that side;
// keyed sequences keep local order, drop items incoming deleted that local
// left alone and append items only incoming has.
func (e *Engine) merge(path string, b, l, i Value, picks map[string]Pick) Value {
	switch {
	case Equal(l, b):
		return Clone(i)
	case Equal(i, b), Equal(l, i):
		return Clone(l)
	}

	switch shapeOf(b, l, i) {
	case shapeMapping:
		bm, _ := b.(*Mapping)
		lm, im := l.(*Mapping), i.(*Mapping)
		out := NewMapping()
		for _, k := range unionKeys(lm, im, bm) {
			if v := e.merge(fieldPath(path, k), bm.Get(k), lm.Get(k), im.Get(k), picks); v != nil {
				out.Set(k, v)
			}
		}
		return out
	case shapeSequence:
		bs, _ := b.(Sequence)
		ls, is := l.(Sequence), i.(Sequence)
		if bk, lk, ik, ok := e.keyedItems(bs, ls, is); ok {
			return e.mergeKeyed(path, bk, lk, ik, picks)
		}
		out := Sequence{}
		for idx := 0; idx < max(len(ls), len(is)); idx++ {
			if v := e.merge(indexPath(path, idx), at(bs, idx), at(ls, idx), at(is, idx), picks); v != nil {
				out = append(out, v)
			}
		}
		return out
	}

	switch picks[path] {
	case PickBase:
		return Clone(b)
	case PickIncoming:
		return Clone(i)
	}
	return Clone(l)
}

func (e *Engine) mergeKeyed(path string, bk, lk, ik keyed, picks map[string]Pick) Sequence {
	out := Sequence{}
	for _, k := range lk.order {
		lv := lk.byKey[k]
		bv := bk.byKey[k]
		iv, inIncoming := ik.byKey[k]
		if !inIncoming {
			if bv != nil && Equal(lv, bv) {
				continue
			}
			out = append(out, Clone(lv))
			continue
		}
		if v := e.merge(itemPath(path, k), bv, lv, iv, picks); v != nil {
			out = append(out, v)
		}
	}
	for _, k := range ik.order {
		if _, inLocal := lk.byKey[k]; inLocal {
			continue
		}
		iv := ik.byKey[k]
		if bv, inBase := bk.byKey[k]; inBase && Equal(iv, bv) {
			continue
		}
		out = append(out, Clone(iv))
	}
	return out
}

// String renders a conflict for logs.
func (c Conflict) String() string {
	return fmt.Sprintf("%s: base=%s local=%s incoming=%s", c.Path, render(c.Base), render(c.Local), render(c.Incoming))
}

func render(v Value) string {
	if v == nil {
		return "<absent>"
	}
	b, err := Marshal(v)
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}
