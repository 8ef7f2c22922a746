// Package sink fans exported sessions out to persistence and messaging.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vincentbai/domspy-agent/internal/database"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/models"
)

// Sink receives an export under a trace id.
type Sink interface {
	Name() string
	Send(ctx context.Context, traceID string, export models.Export) error
	Close() error
}

// Router sends to every sink. Failures are logged; the first is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	return &Router{sinks: sinks, logger: logging.OrDiscard(logger).With(logging.Component("sink"))}
}

func (r *Router) Add(s Sink) {
	r.sinks = append(r.sinks, s)
}

func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) Send(ctx context.Context, traceID string, export models.Export) error {
	var first error
	for _, s := range r.sinks {
		if err := s.Send(ctx, traceID, export); err != nil {
			r.logger.Error("sink: send failed", slog.String("sink", s.Name()), logging.TraceID(traceID), logging.Error(err))
			if first == nil {
				first = fmt.Errorf("sink %s: %w", s.Name(), err)
			}
		}
	}
	return first
}

func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// DatabaseSink persists snapshots. It does not own the database.
type DatabaseSink struct {
	DB *database.Database
}

func (DatabaseSink) Name() string { return "database" }

func (s DatabaseSink) Send(ctx context.Context, traceID string, export models.Export) error {
	return s.DB.SaveSnapshot(ctx, traceID, export)
}

func (DatabaseSink) Close() error { return nil }
