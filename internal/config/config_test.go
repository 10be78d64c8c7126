package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsflow/api/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("DOCSFLOW_POLL_INTERVAL", "250")
	t.Setenv("DOCSFLOW_REMOTE_RETRY_DELAY", "1s")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("DOCSFLOW_REMOTE_RETRIES", "nope")

	cfg := Load()
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.RemoteRetryDelay)
	assert.Equal(t, 3, cfg.RemoteRetries)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestDefaultCatalog(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	require.Len(t, catalog.All(), 2)

	notes, ok := catalog.ForPath("docs/release-notes/v1.md")
	require.True(t, ok)
	assert.Equal(t, "release-notes", notes.Name)
	assert.Equal(t, store.FormatText, notes.Format)

	stack, ok := catalog.Get("tech-stack")
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, stack.KeyFields)

	_, ok = catalog.ForPath("README.md")
	assert.False(t, ok)
}

func TestCatalogFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "entities.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
- name: docs
  path: docs
  format: text
- name: guides
  path: docs/guides/
  format: text
- name: configs
  path: data/configs/
  format: structured
`), 0o644))

	catalog, err := LoadCatalog(file)
	require.NoError(t, err)

	e, ok := catalog.ForPath("docs/guides/intro.md")
	require.True(t, ok)
	assert.Equal(t, "guides", e.Name)

	docs, _ := catalog.Get("docs")
	assert.Equal(t, "docs/", docs.Path)
	assert.Equal(t, "docs", docs.Title)

	configs, _ := catalog.Get("configs")
	assert.Equal(t, []string{"name", "id"}, configs.KeyFields)
}

func TestCatalogRejectsInvalidEntities(t *testing.T) {
	_, err := ParseCatalog([]byte(`- name: x
  path: a/
  format: binary
`))
	require.Error(t, err)

	_, err = ParseCatalog([]byte(`- name: x
  path: a/
  format: text
- name: x
  path: b/
  format: text
`))
	require.ErrorContains(t, err, "duplicate")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(Config{Environment: "dev"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}
