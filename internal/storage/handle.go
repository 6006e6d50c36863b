package storage

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the process-wide slot holding the Store. The first Get opens
// the database; concurrent and later callers share that one open, and an
// open failure is returned to every one of them. The slot is never filled
// by a failed open.
type Handle struct {
	opts Options
	open func(context.Context, Options) (*Store, error)

	once  sync.Once
	ready chan struct{} // Closed once the open settles.

	mu    sync.Mutex // Guards store and err after ready.
	store *Store
	err   error
}

// NewHandle returns a Handle which lazily opens a Store with opts.
func NewHandle(opts Options) *Handle {
	return &Handle{opts: opts, open: Open}
}

// Get returns the shared Store, opening it on first use. Cancelling ctx
// abandons the wait but not the open itself, which other callers share.
func (h *Handle) Get(ctx context.Context) (*Store, error) {
	h.once.Do(func() {
		h.ready = make(chan struct{})
		openCtx := context.WithoutCancel(ctx)
		go func() {
			defer close(h.ready)
			store, err := h.open(openCtx, h.opts)
			if err != nil {
				h.err = fmt.Errorf("failed to open store %s: %w", h.opts.Path, err)
				return
			}
			h.store = store
		}()
	})

	select {
	case <-h.ready:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.store, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is Store.Run on the shared Store.
func (h *Handle) Run(ctx context.Context, collection string, mode Mode, op func(*Collection) *Request) (any, error) {
	store, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return store.Run(ctx, collection, mode, op)
}

// Close waits for an in-flight open and closes the Store if one was opened.
// Get fails with ErrClosed afterwards. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.ready = make(chan struct{})
		close(h.ready)
	})
	<-h.ready

	h.mu.Lock()
	defer h.mu.Unlock()
	store := h.store
	h.store, h.err = nil, ErrClosed
	if store == nil {
		return nil
	}
	return store.Close()
}
