// Package api serves the application over HTTP: a JSON API a browser UI can observe and
// drive (catalog, credentials, series, playback sessions), the cross-origin relay,
// Prometheus metrics and a health probe.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/snapetech/iptvclient/internal/app"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/playback"
)

// sessionRetention is how long finished sessions stay queryable.
const sessionRetention = 10 * time.Minute

// Server is the HTTP front of an App.
type Server struct {
	Addr string
	// Relay is mounted at /relay when set.
	Relay http.Handler

	app      *app.App
	log      *log.Logger
	sessions *xsync.MapOf[string, *playback.Session]
	started  time.Time
}

// NewServer returns a Server for a. Call Restore on a first.
func NewServer(a *app.App, addr string, relay http.Handler, logger *log.Logger) *Server {
	return &Server{
		Addr:     addr,
		Relay:    relay,
		app:      a,
		log:      logging.OrDiscard(logger).With("component", "api"),
		sessions: xsync.NewMapOf[string, *playback.Session](),
		started:  time.Now(),
	}
}

// Handler is the full route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(h http.Handler) http.Handler { return gzhttp.GzipHandler(h) })
	api.HandleFunc("/catalog", s.handleCatalog).Methods(http.MethodGet)
	api.HandleFunc("/catalog/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/credentials", s.handleGetCredentials).Methods(http.MethodGet)
	api.HandleFunc("/credentials", s.handlePutCredentials).Methods(http.MethodPut)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/series/{id}", s.handleSeries).Methods(http.MethodGet)
	api.HandleFunc("/play/{itemID}", s.handlePlay).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/external", s.handleExternal).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/{action:pause|resume|retry}", s.handleSessionAction).Methods(http.MethodPost)

	if s.Relay != nil {
		r.Handle("/relay", s.Relay)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no such endpoint", Kind: "not_found"})
	})
	return s.logRequests(r)
}

// Run serves until ctx is done, then shuts down gracefully and closes the player.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8089"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown", "err", err)
		}
		s.app.Player.Close()
		<-serverErr
		return nil
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", lw.bytes,
			"dur", time.Since(start).Round(time.Millisecond),
			"remote", r.RemoteAddr)
	})
}
