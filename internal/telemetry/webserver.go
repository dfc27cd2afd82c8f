package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rjboer/rfsweep/internal/logging"
)

// WebServer exposes run progress over HTTP: the event history as JSON and
// live events as a server-sent event stream.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
	done   chan struct{}
}

// NewWebServer builds the progress server for hub.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	w := &WebServer{hub: hub, logger: logger.With(logging.F("subsystem", "web")), done: make(chan struct{})}
	w.srv = &http.Server{Addr: addr, Handler: w.Routes(), ReadHeaderTimeout: 5 * time.Second}
	return w
}

// Routes returns the HTTP handler tree.
func (w *WebServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(w.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		MaxAge:         300,
	}))

	r.Get("/api/health", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, map[string]any{"status": "ok", "time": time.Now()})
	})
	r.Get("/api/history", w.handleHistory)
	r.Get("/api/live", w.handleLive)
	return r
}

// requestLogger logs each request once it completes. Live streams are logged
// when the client disconnects.
func (w *WebServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
		defer func() {
			w.logger.Debug("http request",
				logging.F("method", r.Method),
				logging.F("path", r.URL.Path),
				logging.F("remote_ip", r.RemoteAddr),
				logging.F("status", ww.Status()),
				logging.F("latency", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

func (w *WebServer) handleHistory(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, w.hub.History())
}

func (w *WebServer) handleLive(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := w.hub.Subscribe()
	defer cancel()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-w.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				w.logger.Warn("encode event", logging.F("error", err))
				continue
			}
			if _, err := fmt.Fprintf(rw, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Start listens until ctx is cancelled. It returns once the listener is
// closed; a failure to bind is returned immediately.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return fmt.Errorf("progress server: %w", err)
	}
	w.logger.Info("progress server listening", logging.F("address", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		close(w.done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("progress server shutdown", logging.F("error", err))
		}
	}()

	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("progress server: %w", err)
	}
	return nil
}
