package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vincentbai/domspy-agent/internal/buffers"
	"github.com/vincentbai/domspy-agent/internal/config"
	"github.com/vincentbai/domspy-agent/internal/database"
	"github.com/vincentbai/domspy-agent/internal/idgen"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/models"
	"github.com/vincentbai/domspy-agent/internal/replay"
	"github.com/vincentbai/domspy-agent/internal/session"
	"github.com/vincentbai/domspy-agent/internal/sink"
)

const shutdownTimeout = 30 * time.Second

// TargetFactory opens a replay target for a trace recorded on pageURL.
// release is called once the replay finishes.
type TargetFactory func(ctx context.Context, pageURL string) (target replay.Target, release func() error, err error)

type Server struct {
	session  *session.Session
	db       *database.Database
	sinks    *sink.Router
	targets  TargetFactory
	upstream *url.URL
	base     http.RoundTripper
	logger   *slog.Logger

	address      string
	readTimeout  time.Duration
	writeTimeout time.Duration
	server       *http.Server
}

type Option func(*Server)

// WithReplayTargets enables POST /replay.
func WithReplayTargets(f TargetFactory) Option {
	return func(s *Server) { s.targets = f }
}

// WithUpstreamTransport replaces the transport the proxy wraps.
func WithUpstreamTransport(rt http.RoundTripper) Option {
	return func(s *Server) { s.base = rt }
}

func NewServer(sess *session.Session, db *database.Database, sinks *sink.Router, cfg config.ServerConfig, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		session:      sess,
		db:           db,
		sinks:        sinks,
		base:         http.DefaultTransport,
		logger:       logging.OrDiscard(logger).With(logging.Component("server")),
		address:      cfg.Address,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream %q", cfg.Upstream)
		}
		s.upstream = u
	}
	if s.sinks == nil {
		s.sinks = sink.NewRouter(logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	var batch models.Batch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	accepted, err := s.session.IngestEvents(batch)
	if errors.Is(err, session.ErrNoConsent) {
		http.Error(w, "Capture has not been consented to", http.StatusForbidden)
		return
	}
	if err != nil {
		s.logger.Error("server: ingest failed", logging.Error(err))
		http.Error(w, "Failed to store events", http.StatusInternalServerError)
		return
	}
	if accepted < len(batch.Events) {
		s.logger.Debug("server: partial batch", slog.Int("accepted", accepted), slog.Int("received", len(batch.Events)))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBuffer(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Store().Snapshot())
}

func (s *Server) handleBufferByName(w http.ResponseWriter, request *http.Request) {
	name := buffers.Name(chi.URLParam(request, "name"))
	records, err := s.session.Store().Read(name)
	if errors.Is(err, buffers.ErrUnknownBuffer) {
		http.Error(w, "Unknown buffer", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read buffer", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCorrelations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Correlations())
}

func (s *Server) handleSchemas(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Schemas())
}

func (s *Server) handleFindings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Findings())
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="domspy-export.json"`)
	if err := s.session.WriteExport(w); err != nil {
		s.logger.Error("server: export failed", logging.Error(err))
	}
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, request *http.Request) {
	if s.sinks.Len() == 0 {
		http.Error(w, "No snapshot sinks configured", http.StatusServiceUnavailable)
		return
	}
	traceID := idgen.New()
	if err := s.sinks.Send(request.Context(), traceID, s.session.Export()); err != nil {
		http.Error(w, "Failed to store snapshot", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"traceId": traceID})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, request *http.Request) {
	if s.db == nil {
		http.Error(w, "Snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if raw := request.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	infos, err := s.db.ListSnapshots(request.Context(), limit)
	if err != nil {
		s.logger.Error("server: list snapshots failed", logging.Error(err))
		http.Error(w, "Failed to list snapshots", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, request *http.Request) {
	if s.db == nil {
		http.Error(w, "Snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}
	export, err := s.db.LoadSnapshot(request.Context(), chi.URLParam(request, "id"))
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("server: load snapshot failed", logging.Error(err))
		http.Error(w, "Failed to load snapshot", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, export)
}

// handleReplay replays the posted export document against a target from
// the configured factory.
func (s *Server) handleReplay(w http.ResponseWriter, request *http.Request) {
	if s.targets == nil {
		http.Error(w, "Replay is not configured", http.StatusNotImplemented)
		return
	}
	var export models.Export
	if err := json.NewDecoder(request.Body).Decode(&export); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	target, release, err := s.targets(request.Context(), export.Meta.URL)
	if err != nil {
		s.logger.Error("server: open replay target failed", logging.Error(err))
		http.Error(w, "Failed to open replay target", http.StatusBadGateway)
		return
	}
	if release != nil {
		defer func() {
			if err := release(); err != nil {
				s.logger.Warn("server: release replay target", logging.Error(err))
			}
		}()
	}

	res, err := replay.NewDriver(target, s.logger).Replay(request.Context(), export.Buffer.Events)
	if err != nil {
		http.Error(w, "Replay interrupted", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// captureTransport defers instrumentation to request time so the proxy
// only records traffic once capture has started.
type captureTransport struct {
	s *Server
}

func (t captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt, err := t.s.session.InstrumentTransport(t.s.base)
	if err != nil {
		return nil, err
	}
	return rt.RoundTrip(req)
}

func (s *Server) proxy() http.Handler {
	rp := httputil.NewSingleHostReverseProxy(s.upstream)
	rp.Transport = captureTransport{s: s}
	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		if errors.Is(err, session.ErrNoConsent) {
			http.Error(w, "Capture has not been consented to", http.StatusForbidden)
			return
		}
		s.logger.Warn("server: upstream request failed", logging.Error(err))
		http.Error(w, "Upstream request failed", http.StatusBadGateway)
	}
	return http.StripPrefix("/proxy", rp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("server: encode response failed", logging.Error(err))
	}
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("server: request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			logging.Duration(time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/events", s.handleEvents)
	r.Get("/buffer", s.handleBuffer)
	r.Get("/buffer/{name}", s.handleBufferByName)
	r.Route("/analyzer", func(r chi.Router) {
		r.Get("/correlations", s.handleCorrelations)
		r.Get("/schemas", s.handleSchemas)
		r.Get("/findings", s.handleFindings)
	})
	r.Get("/export", s.handleExport)
	r.Route("/snapshots", func(r chi.Router) {
		r.Post("/", s.handleCreateSnapshot)
		r.Get("/", s.handleListSnapshots)
		r.Get("/{id}", s.handleGetSnapshot)
	})
	r.Post("/replay", s.handleReplay)
	r.Handle("/metrics", promhttp.Handler())
	if s.upstream != nil {
		r.Handle("/proxy/*", s.proxy())
	}
	return r
}

// Handler returns the routed control surface.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("DOMSpy agent listening", slog.String("address", s.address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("Shutting down server...")

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}
