package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vincentbai/domspy-agent/internal/buffers"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/metrics"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const DefaultInterval = 5 * time.Second

// Source is the read side of the buffer store.
type Source interface {
	Events() []models.Event
	Network() []models.NetworkRecord
	NetworkSince(cursor buffers.Cursor) ([]models.NetworkRecord, buffers.Cursor)
}

type Config struct {
	Interval       time.Duration
	Correlator     Correlator
	ErrorThreshold int
	SlowThreshold  time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Report is what a cycle produced. It is handed to cycle hooks.
type Report struct {
	Cycle        int64
	Correlations []models.CorrelationLink
	Schemas      map[string]models.Schema
	NewFindings  []models.Finding
	Failed       []string // stages that failed this cycle
}

// CycleHook runs after every cycle.
type CycleHook func(ctx context.Context, r Report)

// Analyzer owns the derived state. Buffers are only ever read.
type Analyzer struct {
	src        Source
	correlator Correlator
	schemas    *SchemaExtractor
	detector   *Detector
	interval   time.Duration
	logger     *slog.Logger

	mu           sync.RWMutex
	cycle        int64
	cursor       buffers.Cursor
	correlations []models.CorrelationLink
	findings     []models.Finding
	active       map[string]bool
	hooks        []CycleHook
}

func New(src Source, cfg Config) *Analyzer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Correlator.Window <= 0 {
		cfg.Correlator.Window = DefaultCorrelationWindow
	}
	if cfg.Correlator.Decay <= 0 {
		cfg.Correlator.Decay = DefaultDecay
	}
	if cfg.Correlator.Boost <= 0 {
		cfg.Correlator.Boost = DefaultBoost
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	logger := logging.OrDiscard(cfg.Logger).With(logging.Component("analysis"))

	return &Analyzer{
		src:          src,
		correlator:   cfg.Correlator,
		schemas:      NewSchemaExtractor(),
		detector:     DefaultDetector(cfg.ErrorThreshold, cfg.SlowThreshold, cfg.Now, logger),
		interval:     cfg.Interval,
		logger:       logger,
		correlations: []models.CorrelationLink{},
		findings:     []models.Finding{},
		active:       make(map[string]bool),
	}
}

// Detector exposes the heuristic set so callers can add heuristics.
func (a *Analyzer) Detector() *Detector { return a.detector }

func (a *Analyzer) OnCycle(hook CycleHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}

// Run executes a cycle every interval until ctx is done.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("analysis: loop started", slog.Duration("interval", a.interval))
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("analysis: loop stopped")
			return
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// RunCycle correlates, extracts schemas and detects bugs. A failing stage
// is logged and counted; the others still run.
func (a *Analyzer) RunCycle(ctx context.Context) Report {
	start := time.Now()
	var report Report

	a.stage(&report, "correlate", func() error {
		links := a.correlator.Correlate(a.src.Events(), a.src.Network())
		a.mu.Lock()
		a.correlations = links
		a.mu.Unlock()
		report.Correlations = links
		return nil
	})

	a.stage(&report, "schemas", func() error {
		a.mu.Lock()
		records, cursor := a.src.NetworkSince(a.cursor)
		a.cursor = cursor
		a.mu.Unlock()
		a.schemas.Observe(records)
		return nil
	})
	report.Schemas = a.schemas.Snapshot()

	a.stage(&report, "bugs", func() error {
		found := a.detector.Detect(a.src.Network())
		report.NewFindings = a.admit(found)
		return nil
	})

	a.mu.Lock()
	a.cycle++
	report.Cycle = a.cycle
	hooks := append([]CycleHook(nil), a.hooks...)
	a.mu.Unlock()

	metrics.AnalysisCycles.Inc()
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	for _, hook := range hooks {
		if ctx.Err() != nil {
			break
		}
		a.stage(&report, "plugins", func() error {
			hook(ctx, report)
			return nil
		})
	}
	return report
}

// admit appends findings whose type was not raised in the previous cycle.
func (a *Analyzer) admit(found []models.Finding) []models.Finding {
	a.mu.Lock()
	defer a.mu.Unlock()

	raised := make(map[string]bool, len(found))
	var admitted []models.Finding
	for _, f := range found {
		raised[f.Type] = true
		if !a.active[f.Type] {
			admitted = append(admitted, f)
		}
	}
	a.findings = append(a.findings, admitted...)
	a.active = raised
	return admitted
}

func (a *Analyzer) stage(report *Report, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		report.Failed = append(report.Failed, name)
		metrics.AnalysisErrors.WithLabelValues(name).Inc()
		a.logger.Error("analysis: cycle stage failed", logging.Stage(name), logging.Error(err))
	}
}

func (a *Analyzer) Correlations() []models.CorrelationLink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.CorrelationLink{}, a.correlations...)
}

func (a *Analyzer) Schemas() map[string]models.Schema {
	return a.schemas.Snapshot()
}

func (a *Analyzer) Findings() []models.Finding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.Finding{}, a.findings...)
}

// Cycles is the number of completed cycles.
func (a *Analyzer) Cycles() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cycle
}
