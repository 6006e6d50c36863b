// Package web serves the agenda API, the theme stylesheet, the offline
// cache controls and, for everything else, the cached application shell.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conorfennell/agenda/internal/domain"
	"github.com/conorfennell/agenda/internal/offline"
	"github.com/conorfennell/agenda/internal/settings"
	"github.com/conorfennell/agenda/internal/storage"
)

const maxBodyBytes = 1 << 20

// Records is the record store behind the API.
type Records interface {
	Create(ctx context.Context, collection string, rec storage.Record) (any, error)
	ReadAll(ctx context.Context, collection string) ([]storage.Record, error)
	ReadRange(ctx context.Context, collection, from, to string) ([]storage.Record, error)
	ReadOne(ctx context.Context, collection string, key any) (storage.Record, error)
	Update(ctx context.Context, collection string, rec storage.Record) (any, error)
	Delete(ctx context.Context, collection string, key any) error
	Clear(ctx context.Context, collection string) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	records  Records
	settings *settings.Store
	theme    *settings.Theme
	worker   *offline.Worker
	shell    http.Handler
	router   *http.ServeMux
}

// NewServer creates and configures a new server. shell answers every
// request not handled by the API.
func NewServer(records Records, prefs *settings.Store, theme *settings.Theme, worker *offline.Worker, shell http.Handler) *Server {
	s := &Server{
		records:  records,
		settings: prefs,
		theme:    theme,
		worker:   worker,
		shell:    shell,
		router:   http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/settings", s.handleGetSettings())
	s.router.HandleFunc("GET /api/settings/{key}", s.handleGetSetting())
	s.router.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting())
	s.router.HandleFunc("DELETE /api/settings/{key}", s.handleDeleteSetting())

	s.router.HandleFunc("GET /api/{collection}", s.handleList())
	s.router.HandleFunc("POST /api/{collection}", s.handleCreate())
	s.router.HandleFunc("DELETE /api/{collection}", s.handleClear())
	s.router.HandleFunc("GET /api/{collection}/{key}", s.handleGet())
	s.router.HandleFunc("PUT /api/{collection}/{key}", s.handlePut())
	s.router.HandleFunc("DELETE /api/{collection}/{key}", s.handleDelete())

	s.router.HandleFunc("GET /theme.css", s.handleThemeCSS())

	s.router.HandleFunc("GET /_sw/status", s.handleStatus())
	s.router.HandleFunc("POST /_sw/skip-waiting", s.handleSkipWaiting())
	s.router.HandleFunc("POST /_sw/clear-cache", s.handleClearCache())

	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.Handle("/", s.shell)
}

// handleList returns a collection, optionally restricted to a date range
// with the from and to query parameters.
func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection := r.PathValue("collection")
		from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")

		var recs []storage.Record
		var err error
		if from != "" || to != "" {
			recs, err = s.records.ReadRange(r.Context(), collection, from, to)
		} else {
			recs, err = s.records.ReadAll(r.Context(), collection)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		if recs == nil {
			recs = []storage.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func (s *Server) handleCreate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection := r.PathValue("collection")
		rec, ok := readRecord(w, r)
		if !ok {
			return
		}
		key, err := s.records.Create(r.Context(), collection, rec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": key})
	}
}

func (s *Server) handleClear() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.records.Clear(r.Context(), r.PathValue("collection")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection, key := r.PathValue("collection"), r.PathValue("key")
		rec, err := s.records.ReadOne(r.Context(), collection, key)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if rec == nil {
			writeError(w, r, storage.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// handlePut stores the body under the key named in the path, whatever key
// the body itself carries.
func (s *Server) handlePut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection, key := r.PathValue("collection"), r.PathValue("key")
		rec, ok := readRecord(w, r)
		if !ok {
			return
		}
		rec[keyField(collection)] = key
		stored, err := s.records.Update(r.Context(), collection, rec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": stored})
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection, key := r.PathValue("collection"), r.PathValue("key")
		if err := s.records.Delete(r.Context(), collection, key); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGetSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.settings.All(r.Context()))
	}
}

func (s *Server) handleGetSetting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		value := s.settings.Get(r.Context(), key)
		if value == nil {
			writeError(w, r, storage.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, storage.Record{domain.FieldKey: key, domain.FieldValue: value})
	}
}

// handlePutSetting stores the body's value field under the key in the path.
func (s *Server) handlePutSetting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		rec, ok := readRecord(w, r)
		if !ok {
			return
		}
		value, present := rec[domain.FieldValue]
		if !present {
			writeJSONError(w, http.StatusBadRequest, `missing "value"`)
			return
		}
		if err := s.settings.Set(r.Context(), key, value); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, storage.Record{domain.FieldKey: key, domain.FieldValue: value})
	}
}

func (s *Server) handleDeleteSetting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.settings.Delete(r.Context(), r.PathValue("key")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleThemeCSS re-renders the theme from the stored settings, since the
// generic record routes can also write the settings collection.
func (s *Server) handleThemeCSS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.theme.ApplyTheme(r.Context(), s.settings.All(r.Context()))
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write([]byte(s.theme.CSS()))
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.worker.Status())
	}
}

func (s *Server) handleSkipWaiting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.worker.SkipWaiting(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.worker.Status())
	}
}

func (s *Server) handleClearCache() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.worker.ClearCache(); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.worker.Status())
	}
}

func keyField(collection string) string {
	if collection == domain.Settings {
		return domain.FieldKey
	}
	return domain.FieldID
}

// readRecord decodes a JSON object body. On failure it has already
// written the response.
func readRecord(w http.ResponseWriter, r *http.Request) (storage.Record, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	var rec storage.Record
	if err := dec.Decode(&rec); err != nil || rec == nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	return rec, true
}

// statusOf maps a storage or offline error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnknownCollection):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrConstraint), errors.Is(err, offline.ErrState):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, code, err.Error())
}

// writeJSONError writes the error envelope the shell shows as a toast.
func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "toast": "error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write JSON response", "error", err)
	}
}
