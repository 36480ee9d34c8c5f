package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/keyring"
	"clipvault/svc/api"
	"clipvault/svc/cache"
	"clipvault/svc/codec"
	"clipvault/svc/db"
	"clipvault/svc/retain"
	"clipvault/svc/svc"
	syncsvc "clipvault/svc/sync"
	"clipvault/svc/util"
	"clipvault/svc/watch"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		healthCheck()
		return
	}

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting clipvault")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	passphrase := ""
	var keyCache *keyring.Cache
	if c.Encrypt {
		provider, err := keyring.New(ctx, c.KeySource, c.EncryptKey.Value())
		if err != nil {
			util.Fatal().Err(err).Str("source", c.KeySource).Msg("failed to initialize keyring")
			os.Exit(1)
		}
		keyCache = keyring.NewCache(provider, c.KeyCacheTTL)
		defer keyCache.Stop()
		passphrase, err = keyCache.Passphrase(ctx)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to fetch encryption passphrase")
			os.Exit(1)
		}
		util.Info().Str("source", c.KeySource).Msg("encryption enabled")
	}
	cdc := codec.New(passphrase)
	defer cdc.Wipe()

	store, err := db.NewWithConfig(c.DatabasePath, cdc, c.KeepConnection, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	lru, err := cache.NewDecoded(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create decoded cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("decoded cache initialized")

	watcher := watch.New(watch.NewFileSource(c.SnapshotPath), c.DebounceEvery, c.DebounceBurst)
	policy := retain.New(store, c.Retention, c.SweepEvery)

	var engine *syncsvc.Engine
	if c.SyncEnabled {
		engine, err = syncsvc.New(c.SyncPath, cdc.KeyDigest(), store)
		if err != nil {
			util.Fatal().Err(err).Str("path", c.SyncPath).Msg("failed to initialize sync engine")
			os.Exit(1)
		}
		util.Info().Str("path", c.SyncPath).Msg("sync enabled")
	}

	history := svc.NewHistory(store, cdc, lru, watcher, policy, engine, c)
	if err := history.Init(ctx); err != nil {
		util.Fatal().Err(err).Msg("failed to initialize history service")
		os.Exit(1)
	}

	server := api.NewServer(c, history, store)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(store.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("control server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	history.Dispose()
	close(quitWAL)
	util.Info().Msg("shutdown complete")
}

// healthCheck is the container health-check entrypoint: open the database,
// ping, exit 0 or 1.
func healthCheck() {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "clipvault.db"
	}
	store, err := db.New(dbPath, codec.New(""))
	if err != nil {
		os.Exit(1)
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
