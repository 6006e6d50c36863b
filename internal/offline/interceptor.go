package offline

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Interceptor answers requests for the application shell. Navigations are
// network-first so a new deployment is picked up at once; every other GET
// is cache-first. Other methods always go to the network and are never
// cached. Until the worker is active, everything goes to the network.
type Interceptor struct {
	worker  *Worker
	network Fetcher
}

// NewInterceptor returns an Interceptor serving from worker's active
// generation, backed by network.
func NewInterceptor(worker *Worker, network Fetcher) *Interceptor {
	return &Interceptor{worker: worker, network: network}
}

// ServeHTTP implements http.Handler.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket := i.worker.Active()
	switch {
	case r.Method != http.MethodGet || bucket == nil:
		i.passThrough(w, r)
	case IsNavigation(r):
		i.networkFirst(w, r, bucket)
	default:
		i.cacheFirst(w, r, bucket)
	}
}

// IsNavigation reports whether r loads a top-level document.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	p := r.URL.Path
	isDocument := p == "" || strings.HasSuffix(p, "/") || strings.HasSuffix(p, ".html")
	return isDocument && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (i *Interceptor) passThrough(w http.ResponseWriter, r *http.Request) {
	resp, err := i.network.Fetch(r.Context(), r)
	if err != nil {
		networkFailuresTotal.Inc()
		slog.Warn("Network request failed", "method", r.Method, "url", r.URL.String(), "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, CacheBypass)
}

func (i *Interceptor) networkFirst(w http.ResponseWriter, r *http.Request, bucket *Bucket) {
	resp, err := i.network.Fetch(r.Context(), r)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			if err := bucket.Put(r, resp); err != nil {
				slog.Warn("Failed to refresh cached document", "url", r.URL.String(), "error", err)
			}
		}
		writeResponse(w, resp, CacheMiss)
		return
	}
	networkFailuresTotal.Inc()
	slog.Info("Network unavailable, serving cached document", "url", r.URL.String(), "error", err)

	cached, err := bucket.Match(r)
	if err != nil {
		slog.Warn("Failed to read cached document", "url", r.URL.String(), "error", err)
	}
	if cached == nil {
		cached = i.shell(r, bucket)
	}
	if cached == nil {
		http.Error(w, "Offline and no cached copy is available", http.StatusGatewayTimeout)
		return
	}
	writeResponse(w, cached, CacheFallback)
}

func (i *Interceptor) cacheFirst(w http.ResponseWriter, r *http.Request, bucket *Bucket) {
	cached, err := bucket.Match(r)
	if err != nil {
		slog.Warn("Failed to read cache entry", "url", r.URL.String(), "error", err)
	}
	if cached != nil {
		writeResponse(w, cached, CacheHit)
		return
	}

	resp, err := i.network.Fetch(r.Context(), r)
	if err != nil {
		networkFailuresTotal.Inc()
		slog.Warn("Network request failed with no cached copy", "url", r.URL.String(), "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if resp.StatusCode == http.StatusOK {
		if err := bucket.Put(r, resp); err != nil {
			slog.Warn("Failed to cache response", "url", r.URL.String(), "error", err)
		}
	}
	writeResponse(w, resp, CacheMiss)
}

// shell returns the cached application shell document, if any.
func (i *Interceptor) shell(r *http.Request, bucket *Bucket) *http.Response {
	req := r.Clone(r.Context())
	req.URL = &url.URL{Path: ShellKey}
	resp, err := bucket.Match(req)
	if err != nil {
		slog.Warn("Failed to read cached shell", "error", err)
		return nil
	}
	return resp
}

func writeResponse(w http.ResponseWriter, resp *http.Response, source string) {
	defer resp.Body.Close()
	responsesTotal.WithLabelValues(source).Inc()

	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set("X-Cache", source)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("Failed to write response body", "error", err)
	}
}
