package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsflow/api/internal/store"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisNotifier, *PushStrategy) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := zaptest.NewLogger(t)
	return s, NewRedisNotifier(client, "test:events", logger), NewPushStrategy(client, "test:events", logger)
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	e := Event{Kind: KindDocument, Stream: "release-notes", Path: "docs/release-notes/v1.md"}

	assert.True(t, Filter{}.Match(e))
	assert.True(t, Filter{Stream: "release-notes", PathPrefix: "docs/"}.Match(e))
	assert.True(t, Filter{Kinds: []Kind{KindTree, KindDocument}}.Match(e))
	assert.False(t, Filter{Kinds: []Kind{KindPublish}}.Match(e))
	assert.False(t, Filter{Stream: "tech-stack"}.Match(e))
	assert.False(t, Filter{PathPrefix: "data/"}.Match(e))
}

func TestNewEventEncodesPayload(t *testing.T) {
	e := NewEvent(KindPublish, "release-notes", "docs/a.md", "alice", map[string]string{"branch": "b"})
	require.NotEmpty(t, e.ID)
	assert.JSONEq(t, `{"branch":"b"}`, string(e.Payload))
	assert.False(t, e.Timestamp.IsZero())
}

func TestPushStrategyReceivesPublishedEvents(t *testing.T) {
	_, notifier, push := newRedis(t)
	logger := zaptest.NewLogger(t)
	watcher := NewWatcher(logger, time.Second, push)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := watcher.Watch(ctx, Filter{Stream: "release-notes"})

	sent := NewEvent(KindDocument, "release-notes", "docs/release-notes/v1.md", "alice", nil)
	other := NewEvent(KindDocument, "tech-stack", "data/tech-stack-data/1.json", "alice", nil)

	// The subscription is established asynchronously; keep publishing until
	// the first event is observed.
	var got Event
	require.Eventually(t, func() bool {
		assert.NoError(t, notifier.Publish(ctx, other))
		assert.NoError(t, notifier.Publish(ctx, sent))
		select {
		case got = <-events:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "docs/release-notes/v1.md", got.Path)
}

type failingStrategy struct{ calls int }

func (f *failingStrategy) Name() string { return "failing" }
func (f *failingStrategy) Stream(context.Context, func(Event)) error {
	f.calls++
	return errors.New("unavailable")
}

func TestWatcherFallsBackToPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zaptest.NewLogger(t)

	docs := store.NewMemoryStore()
	primary := &failingStrategy{}
	poll := NewPollStrategy(docs, 10*time.Millisecond, logger)
	events := NewWatcher(logger, time.Second, primary, poll).Watch(ctx, Filter{Kinds: []Kind{KindDocument}})

	// Give the poller a chance to take its starting timestamp.
	time.Sleep(30 * time.Millisecond)
	entity, format := "release-notes", store.FormatText
	_, err := docs.UpsertDocument(ctx, "docs/release-notes/v1.md", store.DocumentPatch{
		Entity: &entity,
		Format: &format,
	})
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "docs/release-notes/v1.md", e.Path)
		assert.Equal(t, "release-notes", e.Stream)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		assert.Contains(t, payload, "status")
	case <-time.After(2 * time.Second):
		t.Fatal("no event from polling fallback")
	}
	assert.Equal(t, 1, primary.calls)

	cancel()
	for range events {
	}
}

func TestDocumentPayloadIsJSON(t *testing.T) {
	doc := store.Document{Status: store.Status("odd\x01state"), Source: store.SourceEditor}
	raw := documentPayload(doc)
	require.True(t, json.Valid(raw), string(raw))

	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "odd\x01state", got["status"])
	assert.Equal(t, string(store.SourceEditor), got["source"])
}
