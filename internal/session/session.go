// Package session wires the store, interceptors and analyzer behind a
// consent gate and exposes the read side to collaborators.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vincentbai/domspy-agent/internal/analysis"
	"github.com/vincentbai/domspy-agent/internal/buffers"
	"github.com/vincentbai/domspy-agent/internal/capture"
	"github.com/vincentbai/domspy-agent/internal/config"
	"github.com/vincentbai/domspy-agent/internal/dom"
	"github.com/vincentbai/domspy-agent/internal/idgen"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/metrics"
	"github.com/vincentbai/domspy-agent/internal/models"
	"github.com/vincentbai/domspy-agent/internal/redaction"
)

var (
	ErrNoConsent     = errors.New("session: capture has not been consented to")
	ErrConsentDenied = errors.New("session: consent denied")
)

// ConsentGate asks the user whether capture may start.
type ConsentGate interface {
	Consent(ctx context.Context) (bool, error)
}

type ConsentFunc func(ctx context.Context) (bool, error)

func (f ConsentFunc) Consent(ctx context.Context) (bool, error) { return f(ctx) }

// Plugin is invoked after every analysis cycle.
type Plugin interface {
	Handle(ctx context.Context, r analysis.Report)
}

type PluginFunc func(ctx context.Context, r analysis.Report)

func (f PluginFunc) Handle(ctx context.Context, r analysis.Report) { f(ctx, r) }

type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithIDs(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

type Session struct {
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	store    *buffers.Store
	recorder *capture.Recorder
	analyzer *analysis.Analyzer

	mu      sync.RWMutex
	started bool
	pageURL string
	plugins []Plugin
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{now: time.Now, newID: idgen.New}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrDiscard(logger)

	store := buffers.NewStore(buffers.Capacities{
		Events:    cfg.Buffers.Events,
		Network:   cfg.Buffers.Network,
		Mutations: cfg.Buffers.Mutations,
	})
	recorder := capture.NewRecorder(store, redaction.New(cfg.Capture.RedactKeys),
		capture.WithClock(o.now),
		capture.WithIDs(o.newID),
		capture.WithPreviewLength(cfg.Capture.PreviewLength),
		capture.WithLogger(logger.With(logging.Component("capture"))),
	)
	analyzer := analysis.New(store, analysis.Config{
		Interval: cfg.Analysis.Interval,
		Correlator: analysis.Correlator{
			Window: cfg.Analysis.CorrelationWindow,
			Decay:  cfg.Analysis.Decay,
			Boost:  cfg.Analysis.Boost,
		},
		ErrorThreshold: cfg.Analysis.ErrorThreshold,
		SlowThreshold:  cfg.Analysis.SlowThreshold,
		Now:            o.now,
		Logger:         logger,
	})

	s := &Session{
		cfg:      cfg,
		logger:   logger.With(logging.Component("session")),
		now:      o.now,
		store:    store,
		recorder: recorder,
		analyzer: analyzer,
		pageURL:  cfg.Page.URL,
	}
	analyzer.OnCycle(s.runPlugins)
	return s
}

// Start asks gate for consent unless consent is not required or was
// granted in configuration. It is a no-op once started.
func (s *Session) Start(ctx context.Context, gate ConsentGate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.cfg.Consent.Required && !s.cfg.Consent.Granted {
		if gate == nil {
			return ErrConsentDenied
		}
		ok, err := gate.Consent(ctx)
		if err != nil {
			return fmt.Errorf("session: ask consent: %w", err)
		}
		if !ok {
			s.logger.Info("session: consent denied")
			return ErrConsentDenied
		}
	}
	s.started = true
	s.logger.Info("session: capture started", logging.URL(s.pageURL))
	return nil
}

func (s *Session) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Session) requireConsent() error {
	if !s.Started() {
		return ErrNoConsent
	}
	return nil
}

// InstrumentDocument installs the DOM event listeners and the mutation
// observer on doc.
func (s *Session) InstrumentDocument(doc *dom.Document) (uninstall func(), err error) {
	if err := s.requireConsent(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.pageURL == "" {
		s.pageURL = doc.URL()
	}
	s.mu.Unlock()

	removeEvents := capture.InstallDOMEvents(doc, s.recorder, capture.DOMOptions{
		ThrottleInterval: s.cfg.Capture.ThrottleInterval,
		MouseSampleRate:  s.cfg.Capture.MouseSampleRate,
	})
	disconnect := capture.InstallMutationObserver(doc, s.recorder, capture.MutationOptions{
		ThrottleInterval: s.cfg.Capture.ThrottleInterval,
		MaxRecords:       s.cfg.Capture.MaxMutations,
	})
	return func() {
		removeEvents()
		disconnect()
	}, nil
}

func (s *Session) InstrumentTransport(rt http.RoundTripper) (http.RoundTripper, error) {
	if err := s.requireConsent(); err != nil {
		return nil, err
	}
	return capture.InstrumentTransport(rt, s.recorder), nil
}

func (s *Session) InstrumentFetcher(f capture.Fetcher) (capture.Fetcher, error) {
	if err := s.requireConsent(); err != nil {
		return nil, err
	}
	return capture.InstrumentFetcher(f, s.recorder), nil
}

func (s *Session) InstrumentDialer(d capture.Dialer) (capture.Dialer, error) {
	if err := s.requireConsent(); err != nil {
		return nil, err
	}
	return capture.InstrumentDialer(d, s.recorder), nil
}

func (s *Session) InstrumentBeacon(b capture.Beaconer) (capture.Beaconer, error) {
	if err := s.requireConsent(); err != nil {
		return nil, err
	}
	return capture.InstrumentBeacon(b, s.recorder), nil
}

// IngestEvents stores externally captured interactions. Events of unknown
// kind are skipped. Raw input values are never kept, and client ids are
// replaced so ids stay unique across the buffer.
func (s *Session) IngestEvents(batch models.Batch) (accepted int, err error) {
	if err := s.requireConsent(); err != nil {
		return 0, err
	}
	for _, e := range batch.Events {
		if !models.ValidKind(e.Type) {
			metrics.RecordsDropped.WithLabelValues("ingest").Inc()
			s.logger.Debug("session: skipped event", slog.String("type", string(e.Type)))
			continue
		}
		e.ID = ""
		e.Value = ""
		if e.Type == models.KindInput {
			e.Value = models.RedactedMarker
		}
		s.recorder.RecordEvent(e)
		accepted++
	}
	return accepted, nil
}

// RegisterPlugin appends p and returns the registry size.
func (s *Session) RegisterPlugin(p Plugin) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins = append(s.plugins, p)
	return len(s.plugins)
}

func (s *Session) Plugins() []Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Plugin(nil), s.plugins...)
}

func (s *Session) runPlugins(ctx context.Context, r analysis.Report) {
	for i, p := range s.Plugins() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					metrics.AnalysisErrors.WithLabelValues("plugins").Inc()
					s.logger.Error("session: plugin failed", slog.Int("plugin", i), slog.Any("panic", rec))
				}
			}()
			p.Handle(ctx, r)
		}()
	}
}

func (s *Session) Events() []models.Event { return s.store.Events() }
func (s *Session) Network() []models.NetworkRecord { return s.store.Network() }
func (s *Session) Mutations() []models.MutationSummary { return s.store.Mutations() }
func (s *Session) Correlations() []models.CorrelationLink { return s.analyzer.Correlations() }
func (s *Session) Schemas() map[string]models.Schema { return s.analyzer.Schemas() }
func (s *Session) Findings() []models.Finding { return s.analyzer.Findings() }
func (s *Session) Store() *buffers.Store { return s.store }
func (s *Session) Analyzer() *analysis.Analyzer { return s.analyzer }

func (s *Session) PageURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageURL
}

// Export snapshots the buffers into the export document.
func (s *Session) Export() models.Export {
	return models.Export{
		Meta:   models.ExportMeta{URL: s.PageURL(), TS: s.now().UnixMilli()},
		Buffer: s.store.Snapshot(),
	}
}

// WriteExport writes the export document as indented JSON.
func (s *Session) WriteExport(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Export()); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// RunCycle runs one analysis cycle immediately.
func (s *Session) RunCycle(ctx context.Context) analysis.Report {
	return s.analyzer.RunCycle(ctx)
}

// Run drives the analysis loop until ctx is done.
func (s *Session) Run(ctx context.Context) {
	s.analyzer.Run(ctx)
}
