package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// ErrInstallFailed is returned when a critical asset cannot be cached.
var ErrInstallFailed = errors.New("offline install failed")

// ErrState is returned when a lifecycle step is taken out of order.
var ErrState = errors.New("invalid worker state")

// DefaultPrefix prefixes every cache generation name.
const DefaultPrefix = "agenda-cache-"

// generalConcurrency bounds parallel fetches of best-effort assets.
const generalConcurrency = 4

// State is the lifecycle state of a Worker.
type State int

const (
	Parsed State = iota
	Installing
	Installed // Waiting to activate.
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is the worker's report of its offline readiness.
type Status struct {
	Offline      bool   `json:"offline"`
	CacheVersion string `json:"cacheVersion"`
	CacheName    string `json:"cacheName"`
	State        string `json:"state"`
}

// Worker manages one generation of the offline cache: it fills the
// generation's bucket at install and deletes every other generation at
// activation. The version tag is the only invalidation mechanism.
type Worker struct {
	caches   *CacheStorage
	fetcher  Fetcher
	manifest Manifest
	version  string
	name     string

	mu     sync.Mutex
	state  State
	active *Bucket
}

// NewWorker returns a Worker for the generation prefix+version.
func NewWorker(caches *CacheStorage, fetcher Fetcher, manifest Manifest, prefix, version string) *Worker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Worker{
		caches:   caches,
		fetcher:  fetcher,
		manifest: manifest.Normalize(),
		version:  version,
		name:     prefix + version,
	}
}

// CacheName is the bucket name of this generation.
func (w *Worker) CacheName() string { return w.name }

// Version is the version tag of this generation.
func (w *Worker) Version() string { return w.version }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Active returns the bucket serving requests, or nil before activation.
func (w *Worker) Active() *Bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrState, w.name, w.state, from)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install caches the manifest into this generation's bucket. Critical
// assets are all-or-nothing: if any fails, the bucket is deleted, the
// worker becomes Redundant and ErrInstallFailed is returned. General
// assets are best-effort: failures are logged and skipped.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(Parsed, Installing); err != nil {
		return err
	}
	slog.Info("Installing offline cache", "cache", w.name, "assets", w.manifest.Len())

	bucket, err := w.caches.Open(w.name)
	if err != nil {
		w.setState(Redundant)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	var total atomic.Int64
	if err := w.installCritical(ctx, bucket, &total); err != nil {
		if _, derr := w.caches.Delete(w.name); derr != nil {
			slog.Error("Failed to delete partial cache", "cache", w.name, "error", derr)
		}
		w.setState(Redundant)
		return err
	}
	failed := w.installGeneral(ctx, bucket, &total)

	installedBytesTotal.Add(float64(total.Load()))
	slog.Info("Offline cache ready",
		"cache", w.name,
		"cached", w.manifest.Len()-failed,
		"failed", failed,
		"size", humanize.Bytes(uint64(total.Load())),
	)
	w.setState(Installed)
	return nil
}

func (w *Worker) installCritical(ctx context.Context, bucket *Bucket, total *atomic.Int64) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range w.manifest.Critical {
		g.Go(func() error {
			n, err := bucket.Add(gctx, w.fetcher, asset)
			if err != nil {
				installAssetFailuresTotal.WithLabelValues("critical").Inc()
				slog.Error("Failed to cache critical asset", "cache", w.name, "asset", asset, "error", err)
				return fmt.Errorf("%w: critical asset %s: %v", ErrInstallFailed, asset, err)
			}
			total.Add(n)
			return nil
		})
	}
	return g.Wait()
}

// installGeneral returns the number of assets which could not be cached.
func (w *Worker) installGeneral(ctx context.Context, bucket *Bucket, total *atomic.Int64) int {
	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(generalConcurrency)
	for _, asset := range w.manifest.General {
		g.Go(func() error {
			n, err := bucket.Add(ctx, w.fetcher, asset)
			if err != nil {
				failed.Add(1)
				installAssetFailuresTotal.WithLabelValues("general").Inc()
				slog.Warn("Could not cache asset", "cache", w.name, "asset", asset, "error", err)
				return nil
			}
			total.Add(n)
			return nil
		})
	}
	g.Wait()
	return int(failed.Load())
}

// Activate makes this generation current and deletes every other one.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(Installed, Activating); err != nil {
		return err
	}
	bucket, err := w.caches.Open(w.name)
	if err != nil {
		w.setState(Installed)
		return err
	}

	names, err := w.caches.Keys()
	if err != nil {
		w.setState(Installed)
		return err
	}
	for _, name := range names {
		if name == w.name {
			continue
		}
		if err := ctx.Err(); err != nil {
			w.setState(Installed)
			return err
		}
		slog.Info("Deleting superseded cache", "cache", name)
		if _, err := w.caches.Delete(name); err != nil {
			w.setState(Installed)
			return err
		}
		generationsDeletedTotal.Inc()
	}

	w.mu.Lock()
	w.state = Activated
	w.active = bucket
	w.mu.Unlock()
	slog.Info("Offline cache active", "cache", w.name)
	return nil
}

// SkipWaiting activates an installed worker without waiting for the
// previous generation to be released.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	if w.State() == Activated {
		return nil
	}
	return w.Activate(ctx)
}

// Start installs and activates the worker.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.SkipWaiting(ctx)
}

// ClearCache deletes this generation's bucket. Requests are answered from
// the network until the next install.
func (w *Worker) ClearCache() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.caches.Delete(w.name); err != nil {
		return err
	}
	w.active = nil
	if w.state == Activated || w.state == Installed {
		w.state = Parsed
	}
	slog.Info("Offline cache cleared", "cache", w.name)
	return nil
}

// Status reports whether the shell is available offline.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Offline:      w.state == Activated && w.active != nil,
		CacheVersion: w.version,
		CacheName:    w.name,
		State:        w.state.String(),
	}
}
