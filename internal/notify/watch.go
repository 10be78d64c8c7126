package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docsflow/api/internal/store"
)

// Strategy is one way of receiving events. Stream blocks until ctx is done
// (returning nil) or the source fails (returning the error).
type Strategy interface {
	Name() string
	Stream(ctx context.Context, emit func(Event)) error
}

// Watcher is the long-lived subscription service. It tries its strategies in
// order and moves to the next one when a strategy fails; once every strategy
// has failed it waits and starts over.
type Watcher struct {
	strategies []Strategy
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewWatcher(logger *zap.Logger, retryDelay time.Duration, strategies ...Strategy) *Watcher {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Watcher{strategies: strategies, retryDelay: retryDelay, logger: logger}
}

// Watch returns a channel of matching events, closed when ctx ends.
func (w *Watcher) Watch(ctx context.Context, filter Filter) <-chan Event {
	out := make(chan Event, 16)
	emit := func(e Event) {
		if !filter.Match(e) {
			return
		}
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(out)
		for {
			for _, s := range w.strategies {
				err := s.Stream(ctx, emit)
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("event strategy failed, falling back",
					zap.String("strategy", s.Name()),
					zap.Error(err),
				)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
		}
	}()
	return out
}

// PollStrategy reports documents whose UpdatedAt advanced since the previous
// tick. It needs nothing but the store, so it is the fallback of last resort.
type PollStrategy struct {
	docs     store.DocumentStore
	interval time.Duration
	logger   *zap.Logger
}

func NewPollStrategy(docs store.DocumentStore, interval time.Duration, logger *zap.Logger) *PollStrategy {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollStrategy{docs: docs, interval: interval, logger: logger}
}

func (p *PollStrategy) Name() string { return "store-poll" }

func (p *PollStrategy) Stream(ctx context.Context, emit func(Event)) error {
	since := store.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		docs, err := p.docs.ListDocuments(ctx, store.Filter{UpdatedSince: since})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("poll for document changes failed", zap.Error(err))
			continue
		}
		for _, doc := range docs {
			if doc.UpdatedAt.After(since) {
				since = doc.UpdatedAt
			}
		}
		for _, doc := range docs {
			emit(Event{
				ID:        fmt.Sprintf("%s@%d", doc.ID, doc.UpdatedAt.UnixMicro()),
				Kind:      KindDocument,
				Stream:    doc.Entity,
				Path:      doc.ID,
				Actor:     doc.LastUpdatedBy,
				Timestamp: doc.UpdatedAt,
				Payload:   documentPayload(doc),
			})
		}
	}
}

type documentState struct {
	Status store.Status `json:"status"`
	Source store.Source `json:"source"`
}

func documentPayload(doc store.Document) []byte {
	raw, err := json.Marshal(documentState{Status: doc.Status, Source: doc.Source})
	if err != nil {
		return nil
	}
	return raw
}
