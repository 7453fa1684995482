// Package adapter exposes the hub over HTTP: REST session control, binary
// audio ingest, a WebSocket stream for realtime clients, and the operational
// endpoints (health probes, Prometheus metrics). Handlers translate between
// wire JSON and hub types; all behavior lives in the hub.
//
// Wire durations are whole milliseconds carried in *_ms fields, matching the
// configuration file convention.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/audioqueue"
	"github.com/JonesHong/ASRHub-sub000/internal/health"
	"github.com/JonesHong/ASRHub-sub000/internal/hub"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
)

// Defaults applied by New when the config leaves them zero.
const (
	DefaultAddr          = ":8080"
	DefaultShutdownGrace = 15 * time.Second
)

// maxAudioBody bounds a single REST audio push. 10 MiB holds well over five
// minutes of 16 kHz mono PCM16.
const maxAudioBody = 10 << 20

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, host:port. Empty means ":8080".
	Addr string

	// Hub handles every session operation.
	Hub *hub.Hub

	// Health serves /healthz and /readyz. Nil skips both routes.
	Health *health.Handler

	// Metrics enables the tracing middleware on the REST API. Nil leaves
	// the API unwrapped; /metrics is served either way.
	Metrics *observe.Metrics

	// ShutdownGrace bounds the drain of in-flight requests in Run.
	ShutdownGrace time.Duration

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// Logger for server events. Nil means slog.Default().
	Logger *slog.Logger
}

// Server hosts the REST control API, the WebSocket stream and the ops
// endpoints on one listener.
type Server struct {
	cfg  Config
	log  *slog.Logger
	hub  *hub.Hub
	http *http.Server
}

// New validates cfg and builds the server with its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("adapter: config requires a hub")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{cfg: cfg, log: cfg.Logger, hub: cfg.Hub}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the assembled root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// routes assembles the mux. The REST API is wrapped in the observability
// middleware when metrics are configured; the WebSocket stream and the ops
// endpoints stay unwrapped so scrapes and long-lived sockets do not produce
// request spans.
func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/sessions", s.createSession)
	api.HandleFunc("GET /v1/sessions", s.listSessions)
	api.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	api.HandleFunc("DELETE /v1/sessions/{id}", s.deleteSession)
	api.HandleFunc("POST /v1/sessions/{id}/events", s.dispatchEvent)
	api.HandleFunc("POST /v1/sessions/{id}/audio", s.pushAudio)
	api.HandleFunc("GET /v1/sessions/{id}/transcripts", s.listTranscripts)

	var apiHandler http.Handler = api
	if s.cfg.Metrics != nil {
		apiHandler = observe.Middleware(s.cfg.Metrics)(api)
	}

	root := http.NewServeMux()
	root.Handle("/v1/", apiHandler)
	root.HandleFunc("GET /v1/stream", s.stream)
	if s.cfg.Health != nil {
		s.cfg.Health.Register(root)
	}
	root.Handle("GET /metrics", promhttp.Handler())
	return root
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the shutdown grace. Hijacked WebSocket connections are not drained here;
// they close when the hub shuts their sessions down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	tls := s.cfg.CertFile != "" && s.cfg.KeyFile != ""
	go func() {
		if tls {
			errCh <- s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
			return
		}
		errCh <- s.http.ListenAndServe()
	}()

	s.log.Info("http server listening", "addr", s.cfg.Addr, "tls", tls)

	select {
	case err := <-errCh:
		return fmt.Errorf("adapter: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("adapter: shutdown: %w", err)
	}
	return ctx.Err()
}

// reqError marks a client-caused failure: a malformed body, parameter or
// frame. It maps to 400 INVALID_REQUEST instead of the 500 bucket.
type reqError struct {
	msg string
}

func (e *reqError) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &reqError{msg: fmt.Sprintf(format, args...)}
}

// errorBody is the JSON error payload. Codes follow the engine taxonomy
// where one applies.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusOf maps an error to its HTTP status and wire code.
func statusOf(err error) (int, string) {
	var rerr *reqError
	if errors.As(err, &rerr) {
		return http.StatusBadRequest, "INVALID_REQUEST"
	}

	switch asrerr.CodeOf(err) {
	case asrerr.SessionNotFound:
		return http.StatusNotFound, string(asrerr.SessionNotFound)
	case asrerr.InvalidTransition:
		return http.StatusConflict, string(asrerr.InvalidTransition)
	case asrerr.LeaseTimeout:
		return http.StatusServiceUnavailable, string(asrerr.LeaseTimeout)
	}

	switch {
	case errors.Is(err, hub.ErrHistoryDisabled):
		return http.StatusNotImplemented, "HISTORY_DISABLED"
	case errors.Is(err, hub.ErrHubClosed), errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "SERVER_CLOSING"
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, audioqueue.ErrClosed):
		return http.StatusGone, "SESSION_CLOSED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// messageOf strips the code prefix from coded errors so the wire message
// does not repeat the code field.
func messageOf(err error) string {
	var coded *asrerr.Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: messageOf(err)}})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"code":"INTERNAL","message":"encode response"}}`, http.StatusInternalServerError)
	}
}

// decodeJSON decodes a request body into v. An empty body leaves v at its
// zero value so optional request bodies stay optional.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	err := dec.Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return badRequestf("decode request body: %v", err)
}
