package main

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"docsflow/api/db"
	"docsflow/api/internal/app"
	"docsflow/api/internal/config"
	"docsflow/api/internal/gitrepo"
	"docsflow/api/internal/notify"
	"docsflow/api/internal/publish"
	"docsflow/api/internal/remote"
	"docsflow/api/internal/remote/github"
	"docsflow/api/internal/search"
	"docsflow/api/internal/store"
	"docsflow/api/internal/textmerge"
	"docsflow/api/internal/treesync"
	"docsflow/api/internal/workspace"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	catalog, err := config.LoadCatalog(cfg.EntitiesFile)
	if err != nil {
		return err
	}
	policy, err := textmerge.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return err
	}

	var (
		dataStore store.Store
		fallback  search.Searcher
	)
	switch cfg.Store {
	case "memory":
		mem := store.NewMemoryStore()
		dataStore, fallback = mem, search.NewScan(mem)
		logger.Warn("using in-memory store, nothing survives a restart")
	default:
		conn, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := migrate(ctx, conn, cfg, logger); err != nil {
			return err
		}
		dataStore, fallback = store.NewPostgresStore(conn), search.NewPgFTS(conn)
	}

	client, err := openRemote(cfg, logger)
	if err != nil {
		return err
	}
	client = remote.WithRetry(client, remote.RetryPolicy{Attempts: cfg.RemoteRetries, Delay: cfg.RemoteRetryDelay}, logger)

	var (
		notifier   notify.Notifier = notify.Nop{}
		strategies []notify.Strategy
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := notify.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, events fall back to polling", zap.Error(err))
		} else {
			defer rdb.Close()
			notifier = notify.NewRedisNotifier(rdb, cfg.EventsChannel, logger)
			strategies = append(strategies, notify.NewPushStrategy(rdb, cfg.EventsChannel, logger))
		}
	}
	strategies = append(strategies, notify.NewPollStrategy(dataStore, cfg.PollInterval, logger))
	watcher := notify.NewWatcher(logger, cfg.PollInterval, strategies...)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searcher := search.NewService(meili, fallback, logger)
	go searcher.ReindexAll(ctx, dataStore)

	ws := workspace.New(workspace.Deps{
		Docs:     dataStore,
		Branches: dataStore,
		Remote:   client,
		Catalog:  catalog,
		Notifier: notifier,
		Indexer:  searcher,
		Merger:   textmerge.Merger{Policy: policy},
		Logger:   logger,
	})
	trees := treesync.New(treesync.Deps{
		Docs:      dataStore,
		Trees:     dataStore,
		Remote:    client,
		Refresher: ws,
		Indexer:   searcher,
		Notifier:  notifier,
		Logger:    logger,
	})
	publisher := publish.New(publish.Deps{
		Docs:         dataStore,
		Branches:     dataStore,
		Remote:       client,
		Catalog:      catalog,
		Indexer:      searcher,
		Notifier:     notifier,
		Logger:       logger,
		BranchPrefix: cfg.BranchPrefix,
		Bot:          store.Author{Name: cfg.BotName, Email: cfg.BotEmail},
	})

	service := app.New(app.Deps{
		Config:    cfg,
		Store:     dataStore,
		Remote:    client,
		Catalog:   catalog,
		Workspace: ws,
		Trees:     trees,
		Publisher: publisher,
		Search:    searcher,
		Watcher:   watcher,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigins, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams stay open; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("docsflow api listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.Store),
			zap.String("repo_backend", cfg.RepoBackend),
			zap.String("default_branch", client.DefaultBranch()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return nil
}

func migrate(ctx context.Context, conn *sql.DB, cfg config.Config, logger *zap.Logger) error {
	migrations := db.Migrations()
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	return store.ApplyMigrations(ctx, conn, migrations, logger)
}

func openRemote(cfg config.Config, logger *zap.Logger) (remote.Client, error) {
	switch cfg.RepoBackend {
	case "github":
		return github.New(github.Config{
			BaseURL: cfg.GitHubAPIURL,
			Token:   cfg.GitHubToken,
			Owner:   cfg.GitHubOwner,
			Repo:    cfg.GitHubRepo,
			Branch:  cfg.GitHubBranch,
		}, nil, logger), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.LocalRepoDir), 0o755); err != nil {
			return nil, err
		}
		return gitrepo.Open(cfg.LocalRepoDir, cfg.GitHubBranch, logger)
	}
}
