// Package notify delivers change events to connected clients.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDocument Kind = "document"
	KindTree     Kind = "tree"
	KindPublish  Kind = "publish"
	KindConflict Kind = "conflict"
	KindBranch   Kind = "branch"
)

// Event is delivered at least once; consumers dedupe on ID.
type Event struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Stream    string          `json:"stream"`
	Path      string          `json:"path,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time. A payload
// that fails to encode is dropped.
func NewEvent(kind Kind, stream, path, actor string, payload any) Event {
	e := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Stream:    stream,
		Path:      path,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Filter selects events for a subscriber. Zero fields match everything.
type Filter struct {
	Kinds      []Kind
	Stream     string
	PathPrefix string
}

func (f Filter) Match(e Event) bool {
	if f.Stream != "" && e.Stream != f.Stream {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(e.Path, f.PathPrefix) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}
