package analysis

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/metrics"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const (
	DefaultErrorThreshold = 5
	DefaultSlowThreshold  = 3 * time.Second

	FindingHighErrors      = "high_errors"
	FindingNetworkFailures = "network_failures"
	FindingSlowRequests    = "slow_requests"
)

// Heuristic scans the network buffer and returns zero or more findings.
type Heuristic interface {
	Name() string
	Scan(records []models.NetworkRecord) []models.Finding
}

// countHeuristic raises one finding when more than Threshold records match.
type countHeuristic struct {
	name      string
	desc      string
	threshold int
	match     func(models.NetworkRecord) bool
	now       func() time.Time
}

func (h countHeuristic) Name() string { return h.name }

func (h countHeuristic) Scan(records []models.NetworkRecord) []models.Finding {
	count := 0
	for _, n := range records {
		if h.match(n) {
			count++
		}
	}
	if count <= h.threshold {
		return nil
	}
	return []models.Finding{{Type: h.name, Desc: h.desc, TS: h.now().UnixMilli(), Count: count}}
}

// HighErrors flags more than threshold responses with status >= 400.
func HighErrors(threshold int, now func() time.Time) Heuristic {
	return countHeuristic{
		name:      FindingHighErrors,
		desc:      "Frequent errors detected",
		threshold: threshold,
		match:     func(n models.NetworkRecord) bool { return n.Status >= 400 },
		now:       orNow(now),
	}
}

// NetworkFailures flags more than threshold requests that never got a
// response.
func NetworkFailures(threshold int, now func() time.Time) Heuristic {
	return countHeuristic{
		name:      FindingNetworkFailures,
		desc:      "Frequent network failures detected",
		threshold: threshold,
		match:     func(n models.NetworkRecord) bool { return n.Error != "" },
		now:       orNow(now),
	}
}

func SlowRequests(threshold int, slow time.Duration, now func() time.Time) Heuristic {
	limit := slow.Milliseconds()
	return countHeuristic{
		name:      FindingSlowRequests,
		desc:      fmt.Sprintf("Frequent requests slower than %s", slow),
		threshold: threshold,
		match:     func(n models.NetworkRecord) bool { return limit > 0 && n.Duration >= limit },
		now:       orNow(now),
	}
}

func orNow(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

// Detector runs heuristics in order, isolating each from the others.
type Detector struct {
	heuristics []Heuristic
	logger     *slog.Logger
}

func NewDetector(logger *slog.Logger, heuristics ...Heuristic) *Detector {
	return &Detector{heuristics: heuristics, logger: logging.OrDiscard(logger)}
}

// DefaultDetector carries the built-in heuristics.
func DefaultDetector(errorThreshold int, slow time.Duration, now func() time.Time, logger *slog.Logger) *Detector {
	return NewDetector(logger,
		HighErrors(errorThreshold, now),
		NetworkFailures(errorThreshold, now),
		SlowRequests(errorThreshold, slow, now),
	)
}

// Add appends a heuristic.
func (d *Detector) Add(h Heuristic) {
	d.heuristics = append(d.heuristics, h)
}

func (d *Detector) Detect(records []models.NetworkRecord) []models.Finding {
	var findings []models.Finding
	for _, h := range d.heuristics {
		findings = append(findings, d.scan(h, records)...)
	}
	return findings
}

func (d *Detector) scan(h Heuristic, records []models.NetworkRecord) (out []models.Finding) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AnalysisErrors.WithLabelValues("bugs").Inc()
			d.logger.Error("analysis: heuristic failed", slog.String("heuristic", h.Name()), slog.Any("panic", r))
			out = nil
		}
	}()
	return h.Scan(records)
}
