package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/agenda/internal/cleanup"
	"github.com/conorfennell/agenda/internal/config"
	"github.com/conorfennell/agenda/internal/gitsource"
	"github.com/conorfennell/agenda/internal/offline"
	"github.com/conorfennell/agenda/internal/settings"
	"github.com/conorfennell/agenda/internal/storage"
	"github.com/conorfennell/agenda/internal/web"
)

const (
	originTimeout   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	devVersion      = "dev"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return
	} else if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the database
	schema := storage.DefaultSchema
	schema.Version = cfg.DB.Version
	db := storage.NewHandle(storage.Options{
		Path:        cfg.DB.Path,
		Schema:      schema,
		BusyTimeout: cfg.DB.BusyTimeout,
		TxTimeout:   cfg.Storage.TxTimeout,
	})
	defer db.Close()
	if _, err := db.Get(ctx); err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	slog.Info("Database opened successfully", "path", cfg.DB.Path)

	// 3. Settings and theme
	theme := settings.NewTheme()
	prefs := settings.New(db, theme)
	theme.ApplyTheme(ctx, prefs.All(ctx))

	if cfg.Cleanup.Enabled {
		if n, err := cleanup.Run(ctx, db, prefs, time.Now()); err != nil {
			slog.Error("Daily cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("Daily cleanup finished", "removed", n)
		}
	}

	// 4. Offline shell
	fetcher, version, err := assetSource(cfg.Offline)
	if err != nil {
		log.Fatalf("Failed to set up shell assets: %v", err)
	}
	if err := os.MkdirAll(cfg.Offline.CacheDir, 0o755); err != nil {
		log.Fatalf("Failed to create cache directory: %v", err)
	}
	caches := offline.NewCacheStorage(afero.NewBasePathFs(afero.NewOsFs(), cfg.Offline.CacheDir))
	worker := offline.NewWorker(caches, fetcher, cfg.Offline.Manifest(), cfg.Offline.Prefix, version)

	// 5. Serve
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           web.NewServer(db, prefs, theme, worker, offline.NewInterceptor(worker, fetcher)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := worker.Start(gctx); err != nil {
			// The API keeps working without an offline shell.
			slog.Error("Offline cache unavailable", "cache", worker.CacheName(), "error", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func newLogger(cfg config.Log) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// assetSource picks where shell assets come from: a git checkout, an
// origin server, or a local directory, in that order. It also resolves the
// cache version tag.
func assetSource(cfg config.Offline) (offline.Fetcher, string, error) {
	version := cfg.Version
	switch {
	case cfg.GitURL != "":
		checkout := cfg.CacheDir + ".src"
		head, err := gitsource.Sync(cfg.GitURL, checkout)
		if err != nil {
			return nil, "", err
		}
		if version == "" {
			version = head
		}
		return dirFetcher(checkout), version, nil
	case cfg.Origin != "":
		u, err := url.Parse(cfg.Origin)
		if err != nil {
			return nil, "", fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
		}
		return offline.NewHTTPFetcher(u, originTimeout), orDev(version), nil
	default:
		return dirFetcher(cfg.OriginDir), orDev(version), nil
	}
}

func dirFetcher(dir string) offline.Fetcher {
	return offline.DirFetcher{Fs: afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir))}
}

func orDev(version string) string {
	if version == "" {
		return devVersion
	}
	return version
}
