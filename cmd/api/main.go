package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ideamatrix/api/internal/app"
	"ideamatrix/api/internal/board"
	"ideamatrix/api/internal/broadcast"
	"ideamatrix/api/internal/config"
	"ideamatrix/api/internal/export"
	"ideamatrix/api/internal/feed"
	"ideamatrix/api/internal/lock"
	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/search"
	"ideamatrix/api/internal/session"
	"ideamatrix/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	var (
		base   store.CardStore
		memory *store.MemoryStore
	)
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		memory = store.NewMemoryStore()
		base = memory
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		base = store.NewPostgresStore(db)
	}

	// The feed decides which store the service writes through: with Redis
	// every write is also published for the other replicas.
	cards := base
	var source feed.Source
	switch {
	case cfg.FeedBackend == "redis":
		bus, err := feed.NewRedisBus(ctx, cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("redis feed: %w", err)
		}
		defer bus.Close()
		cards = feed.NewPublishingStore(base, bus, log)
		source = bus
	case memory != nil:
		source = feed.NewMemorySource(memory)
	default:
		source = feed.NewPGListener(cfg.DatabaseURL, base, log)
	}
	log.Info("card feed ready", "store", cfg.StoreBackend, "feed", cfg.FeedBackend)

	hub := broadcast.NewHub(source, cards, log, broadcast.Options{
		Buffer:         cfg.SubscriberBuffer,
		TombstoneGrace: cfg.TombstoneGrace,
	})
	defer hub.Close()

	locks := lock.New(cards, cfg.LockTTL, log)
	boards := board.NewManager(hub, locks, log, board.Options{TombstoneGrace: cfg.TombstoneGrace})

	var refresh session.Store = session.NewMemoryStore()
	if cfg.SessionBackend == "redis" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis session store: %w", err)
		}
		defer redisStore.Close()
		refresh = redisStore
		log.Info("using redis for refresh tokens")
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewStoreFallback(cards), cards, log)

	var sink export.Sink
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioSink, err := export.NewMinioSink(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Warn("snapshot archive unavailable, snapshots are returned inline", "error", err)
		} else {
			sink = minioSink
		}
	}

	service := app.NewService(cfg, app.Deps{
		Store:    cards,
		Locks:    locks,
		Boards:   boards,
		Search:   searchService,
		Export:   export.NewService(cards, sink),
		Sessions: refresh,
		Log:      log,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Idea Matrix API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return locks.RunSweeper(gctx, cfg.LockSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Boards first: closing them queues the releases of locks their
		// viewers still hold.
		if err := boards.Shutdown(shutdownCtx); err != nil {
			log.Warn("board shutdown incomplete", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown error", "error", err)
		}
		if err := locks.Wait(shutdownCtx); err != nil {
			log.Warn("pending lock releases abandoned", "error", err)
		}
		return nil
	})
	return g.Wait()
}
