// Package capture holds the interceptors that turn DOM activity and
// network traffic into buffered records. Every interceptor is pass-through:
// recording failures are dropped and counted, never surfaced to the caller.
package capture

import (
	"log/slog"
	"time"

	"github.com/vincentbai/domspy-agent/internal/buffers"
	"github.com/vincentbai/domspy-agent/internal/idgen"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/metrics"
	"github.com/vincentbai/domspy-agent/internal/models"
	"github.com/vincentbai/domspy-agent/internal/redaction"
)

// Sources label dropped-record metrics and debug logs.
const (
	SourceDOM       = "dom"
	SourceMutations = "mutations"
	SourceXHR       = "xhr"
	SourceFetch     = "fetch"
	SourceWebSocket = "websocket"
	SourceBeacon    = "beacon"
)

// Recorder stamps, redacts and stores records for all interceptors.
type Recorder struct {
	store      *buffers.Store
	redactor   *redaction.Redactor
	now        func() time.Time
	newID      func() string
	previewLen int
	logger     *slog.Logger
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithIDs(newID func() string) Option {
	return func(r *Recorder) { r.newID = newID }
}

func WithPreviewLength(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.previewLen = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func NewRecorder(store *buffers.Store, redactor *redaction.Redactor, opts ...Option) *Recorder {
	r := &Recorder{
		store:      store,
		redactor:   redactor,
		now:        time.Now,
		newID:      idgen.New,
		previewLen: redaction.DefaultPreviewLength,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.redactor == nil {
		r.redactor = redaction.New(nil)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

func (r *Recorder) Store() *buffers.Store { return r.store }

func (r *Recorder) Redactor() *redaction.Redactor { return r.redactor }

// Now returns the recorder clock.
func (r *Recorder) Now() time.Time { return r.now() }

func (r *Recorder) nowMS() int64 { return r.now().UnixMilli() }

// safely runs fn, recovering any panic as a dropped record.
func (r *Recorder) safely(source string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordsDropped.WithLabelValues(source).Inc()
			r.logger.Debug("capture: record dropped", logging.Source(source), slog.Any("panic", rec))
		}
	}()
	fn()
}

func (r *Recorder) stamp(id *string, ts *int64) {
	if *id == "" {
		*id = r.newID()
	}
	if *ts == 0 {
		*ts = r.nowMS()
	}
}

func (r *Recorder) recordEvent(e models.Event) {
	r.stamp(&e.ID, &e.TS)
	r.store.PushEvent(e)
}

func (r *Recorder) recordNetwork(n models.NetworkRecord) {
	r.stamp(&n.ID, &n.TS)
	r.store.PushNetwork(n)
}

func (r *Recorder) recordMutation(m models.MutationSummary) {
	r.stamp(&m.ID, &m.TS)
	r.store.PushMutation(m)
}

// RecordEvent stores an externally captured interaction, assigning id and
// ts when missing.
func (r *Recorder) RecordEvent(e models.Event) {
	r.safely(SourceDOM, func() { r.recordEvent(e) })
}

func (r *Recorder) preview(raw []byte) string {
	return r.redactor.SafePreview(string(raw), r.previewLen)
}

func (r *Recorder) payload(raw []byte) any {
	return r.redactor.SafeValue(raw, r.previewLen)
}
