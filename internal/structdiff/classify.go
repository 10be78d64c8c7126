package structdiff

import "strconv"

// Conflict is a leaf both sides changed to different values. Base, Local and
// Incoming are nil where the leaf is absent on that side.
type Conflict struct {
	Path     string `json:"path"`
	Base     Value  `json:"base,omitempty"`
	Local    Value  `json:"local,omitempty"`
	Incoming Value  `json:"incoming,omitempty"`
}

// Classify lists the leaves where local and incoming both diverge from base
// and from each other. Everything else can be merged silently.
func (e *Engine) Classify(base, local, incoming Value) []Conflict {
	var out []Conflict
	e.classify("", base, local, incoming, &out)
	return out
}

func (e *Engine) classify(path string, b, l, i Value, out *[]Conflict) {
	if Equal(l, b) || Equal(i, b) || Equal(l, i) {
		return
	}
	switch shapeOf(b, l, i) {
	case shapeMapping:
		bm, _ := b.(*Mapping)
		lm, im := l.(*Mapping), i.(*Mapping)
		for _, k := range unionKeys(bm, lm, im) {
			e.classify(fieldPath(path, k), bm.Get(k), lm.Get(k), im.Get(k), out)
		}
		return
	case shapeSequence:
		bs, _ := b.(Sequence)
		ls, is := l.(Sequence), i.(Sequence)
		if bk, lk, ik, ok := e.keyedItems(bs, ls, is); ok {
			for _, k := range lk.order {
				iv, inBoth := ik.byKey[k]
				if !inBoth {
					continue
				}
				e.classify(itemPath(path, k), bk.byKey[k], lk.byKey[k], iv, out)
			}
			return
		}
		for idx := 0; idx < max(len(ls), len(is)); idx++ {
			e.classify(indexPath(path, idx), at(bs, idx), at(ls, idx), at(is, idx), out)
		}
		return
	}
	*out = append(*out, Conflict{Path: path, Base: Clone(b), Local: Clone(l), Incoming: Clone(i)})
}

type shape int

const (
	shapeLeaf shape = iota
	shapeMapping
	shapeSequence
)

// shapeOf reports the container kind shared by local and incoming, provided
// base has that kind too or is absent.
func shapeOf(b, l, i Value) shape {
	switch l.(type) {
	case *Mapping:
		if _, ok := i.(*Mapping); !ok {
			return shapeLeaf
		}
		if _, ok := b.(*Mapping); ok || b == nil {
			return shapeMapping
		}
	case Sequence:
		if _, ok := i.(Sequence); !ok {
			return shapeLeaf
		}
		if _, ok := b.(Sequence); ok || b == nil {
			return shapeSequence
		}
	}
	return shapeLeaf
}

type keyed struct {
	order []string
	byKey map[string]Value
}

func (e *Engine) keyed(s Sequence) (keyed, bool) {
	keys, ok := e.sequenceKeys(s)
	if !ok {
		return keyed{}, false
	}
	k := keyed{order: keys, byKey: make(map[string]Value, len(s))}
	for idx, key := range keys {
		k.byKey[key] = s[idx]
	}
	return k, true
}

// keyedItems indexes all three sequences by item key. An absent base counts
// as empty.
func (e *Engine) keyedItems(b, l, i Sequence) (keyed, keyed, keyed, bool) {
	bk, ok1 := e.keyed(b)
	lk, ok2 := e.keyed(l)
	ik, ok3 := e.keyed(i)
	return bk, lk, ik, ok1 && ok2 && ok3
}

func unionKeys(ms ...*Mapping) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, m := range ms {
		if m == nil {
			continue
		}
		for _, k := range m.Keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func at(s Sequence, idx int) Value {
	if idx < len(s) {
		return s[idx]
	}
	return nil
}

func fieldPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func itemPath(parent, key string) string {
	return parent + "[" + key + "]"
}

func indexPath(parent string, idx int) string {
	return parent + "[#" + strconv.Itoa(idx) + "]"
}
