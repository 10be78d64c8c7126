package structdiff

import (
	"encoding/json"
	"fmt"
)

// Status of a diff node.
type Status string

const (
	Added    Status = "added"
	Modified Status = "modified"
	Deleted  Status = "deleted"
)

// DefaultKeyFields identify sequence items when an entity does not name its
// own.
var DefaultKeyFields = []string{"name", "id"}

// Node is one level of a structured diff. Leaves carry From and To. Mapping
// nodes carry Fields, sequence nodes carry Items keyed by item key; Order
// lists the resulting keys when it cannot be inferred.
type Node struct {
	Status Status           `json:"status"`
	From   Value            `json:"from,omitempty"`
	To     Value            `json:"to,omitempty"`
	Fields map[string]*Node `json:"fields,omitempty"`
	Items  map[string]*Node `json:"items,omitempty"`
	Order  []string         `json:"order,omitempty"`
}

type nodeJSON struct {
	Status Status           `json:"status"`
	From   json.RawMessage  `json:"from,omitempty"`
	To     json.RawMessage  `json:"to,omitempty"`
	Fields map[string]*Node `json:"fields,omitempty"`
	Items  map[string]*Node `json:"items,omitempty"`
	Order  []string         `json:"order,omitempty"`
}

// UnmarshalJSON restores From and To as tagged values.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Node{Status: raw.Status, Fields: raw.Fields, Items: raw.Items, Order: raw.Order}
	var err error
	if len(raw.From) > 0 {
		if n.From, err = Parse(raw.From); err != nil {
			return err
		}
	}
	if len(raw.To) > 0 {
		if n.To, err = Parse(raw.To); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) isLeaf() bool {
	return n.Status != Modified || n.To != nil
}

// Engine diffs and replays structured values. KeyFields name the item
// attributes used to match sequence elements across revisions.
type Engine struct {
	KeyFields []string
}

// NewEngine returns an engine matching sequence items by keyFields, or by
// DefaultKeyFields when none are given.
func NewEngine(keyFields ...string) *Engine {
	if len(keyFields) == 0 {
		keyFields = DefaultKeyFields
	}
	return &Engine{KeyFields: keyFields}
}

// Diff returns the changes turning oldV into newV, or nil when the two
// serialize identically.
func (e *Engine) Diff(oldV, newV Value) *Node {
	switch {
	case oldV == nil && newV == nil:
		return nil
	case oldV == nil:
		return &Node{Status: Added, To: Clone(newV)}
	case newV == nil:
		return &Node{Status: Deleted, From: Clone(oldV)}
	}

	switch o := oldV.(type) {
	case *Mapping:
		if n, ok := newV.(*Mapping); ok {
			return e.diffMapping(o, n)
		}
	case Sequence:
		if n, ok := newV.(Sequence); ok {
			if node, ok := e.diffSequence(o, n); ok {
				return node
			}
		}
	}
	if identical(oldV, newV) {
		return nil
	}
	return &Node{Status: Modified, From: Clone(oldV), To: Clone(newV)}
}

func (e *Engine) diffMapping(o, n *Mapping) *Node {
	fields := make(map[string]*Node)
	for _, k := range o.Keys {
		if child := e.Diff(o.Fields[k], n.Fields[k]); child != nil {
			fields[k] = child
		}
	}
	for _, k := range n.Keys {
		if _, ok := o.Fields[k]; ok {
			continue
		}
		fields[k] = &Node{Status: Added, To: Clone(n.Fields[k])}
	}

	var order []string
	if !sameKeys(defaultMappingOrder(o.Keys, fields), n.Keys) {
		order = append([]string(nil), n.Keys...)
	}
	if len(fields) == 0 && order == nil {
		return nil
	}
	node := &Node{Status: Modified, Order: order}
	if len(fields) > 0 {
		node.Fields = fields
	}
	return node
}

// defaultMappingOrder is the key order Apply produces without an explicit
// Order: surviving old keys, then added keys sorted.
func defaultMappingOrder(oldKeys []string, fields map[string]*Node) []string {
	out := make([]string, 0, len(oldKeys))
	for _, k := range oldKeys {
		if f, ok := fields[k]; ok && f.Status == Deleted {
			continue
		}
		out = append(out, k)
	}
	for _, k := range sortedKeys(fields) {
		if fields[k].Status == Added {
			out = append(out, k)
		}
	}
	return out
}

func (e *Engine) diffSequence(o, n Sequence) (*Node, bool) {
	oldKeys, ok := e.sequenceKeys(o)
	if !ok {
		return nil, false
	}
	newKeys, ok := e.sequenceKeys(n)
	if !ok {
		return nil, false
	}

	oldByKey := make(map[string]Value, len(o))
	for i, k := range oldKeys {
		oldByKey[k] = o[i]
	}
	newByKey := make(map[string]Value, len(n))
	items := make(map[string]*Node)
	for i, k := range newKeys {
		newByKey[k] = n[i]
		if child := e.Diff(oldByKey[k], n[i]); child != nil {
			items[k] = child
		}
	}
	for _, k := range oldKeys {
		if _, ok := newByKey[k]; !ok {
			items[k] = &Node{Status: Deleted, From: Clone(oldByKey[k])}
		}
	}

	if len(items) == 0 && sameKeys(oldKeys, newKeys) {
		return nil, true
	}
	node := &Node{Status: Modified, Order: newKeys}
	if len(items) > 0 {
		node.Items = items
	}
	return node, true
}

// Apply replays n on oldV. A nil node returns oldV unchanged.
func (e *Engine) Apply(oldV Value, n *Node) (Value, error) {
	if n == nil {
		return Clone(oldV), nil
	}
	switch n.Status {
	case Added:
		return Clone(n.To), nil
	case Deleted:
		return nil, nil
	case Modified:
	default:
		return nil, fmt.Errorf("unknown diff status %q", n.Status)
	}
	if n.isLeaf() {
		return Clone(n.To), nil
	}

	switch o := oldV.(type) {
	case *Mapping:
		return e.applyMapping(o, n)
	case Sequence:
		return e.applySequence(o, n)
	}
	return nil, fmt.Errorf("cannot apply nested changes to %T", oldV)
}

func (e *Engine) applyMapping(o *Mapping, n *Node) (Value, error) {
	fields := make(map[string]Value, len(o.Fields))
	for k, v := range o.Fields {
		fields[k] = Clone(v)
	}
	for k, child := range n.Fields {
		v, err := e.Apply(o.Fields[k], child)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}

	order := n.Order
	if order == nil {
		order = defaultMappingOrder(o.Keys, n.Fields)
	}
	out := &Mapping{Keys: make([]string, 0, len(order)), Fields: make(map[string]Value, len(order))}
	for _, k := range order {
		v, ok := fields[k]
		if !ok {
			return nil, fmt.Errorf("field %q missing after apply", k)
		}
		out.Set(k, v)
	}
	if len(out.Fields) != len(fields) {
		return nil, fmt.Errorf("key order does not cover every field")
	}
	return out, nil
}

func (e *Engine) applySequence(o Sequence, n *Node) (Value, error) {
	oldKeys, ok := e.sequenceKeys(o)
	if !ok {
		return nil, fmt.Errorf("sequence items cannot be matched by key")
	}
	oldByKey := make(map[string]Value, len(o))
	for i, k := range oldKeys {
		oldByKey[k] = o[i]
	}

	out := make(Sequence, 0, len(n.Order))
	for _, k := range n.Order {
		child, changed := n.Items[k]
		if !changed {
			v, ok := oldByKey[k]
			if !ok {
				return nil, fmt.Errorf("item %q missing from sequence", k)
			}
			out = append(out, Clone(v))
			continue
		}
		v, err := e.Apply(oldByKey[k], child)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", k, err)
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// sequenceKeys returns a unique key per item, or false when any item lacks
// one or two items share one.
func (e *Engine) sequenceKeys(s Sequence) ([]string, bool) {
	keys := make([]string, len(s))
	seen := make(map[string]struct{}, len(s))
	for i, item := range s {
		k, ok := e.itemKey(item)
		if !ok {
			return nil, false
		}
		if _, dup := seen[k]; dup {
			return nil, false
		}
		seen[k] = struct{}{}
		keys[i] = k
	}
	return keys, true
}

func (e *Engine) itemKey(v Value) (string, bool) {
	switch tv := v.(type) {
	case Scalar:
		return scalarKey(tv.V)
	case *Mapping:
		for _, f := range e.KeyFields {
			if s, ok := tv.Fields[f].(Scalar); ok && s.V != nil {
				return scalarKey(s.V)
			}
		}
	}
	return "", false
}

func scalarKey(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	}
	b, err := Marshal(Scalar{V: v})
	if err != nil {
		return "", false
	}
	return string(b), true
}

func identical(a, b Value) bool {
	ab, err1 := Marshal(a)
	bb, err2 := Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

func sameKeys(a, b []string) bool {
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
