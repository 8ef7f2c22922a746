// Package replay re-dispatches captured interactions as synthetic bubbling
// events. It is a coarse action replay: input values, scroll position and
// other state are not restored.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vincentbai/domspy-agent/internal/dom"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/metrics"
	"github.com/vincentbai/domspy-agent/internal/models"
)

// Target resolves a locator and dispatches a bubbling event of kind on the
// first match. found is false when nothing matches.
type Target interface {
	Dispatch(ctx context.Context, selector string, kind models.InteractionKind) (found bool, err error)
}

type Result struct {
	Dispatched int `json:"dispatched"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"` // records without a locator
}

type Driver struct {
	target Target
	logger *slog.Logger
}

func NewDriver(target Target, logger *slog.Logger) *Driver {
	return &Driver{target: target, logger: logging.OrDiscard(logger).With(logging.Component("replay"))}
}

// Replay dispatches events in order. A failing record is counted and
// skipped; only context cancellation stops the sequence early.
func (d *Driver) Replay(ctx context.Context, events []models.Event) (Result, error) {
	var res Result
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if ev.Selector == "" {
			res.Skipped++
			continue
		}

		found, err := d.dispatch(ctx, ev)
		switch {
		case err != nil:
			res.Failed++
			metrics.ReplayDispatch.WithLabelValues("failed").Inc()
			d.logger.Debug("replay: dispatch failed", logging.Selector(ev.Selector), logging.Error(err))
		case !found:
			res.Unresolved++
			metrics.ReplayDispatch.WithLabelValues("unresolved").Inc()
		default:
			res.Dispatched++
			metrics.ReplayDispatch.WithLabelValues("dispatched").Inc()
		}
	}
	d.logger.Info("replay: finished",
		slog.Int("dispatched", res.Dispatched),
		slog.Int("unresolved", res.Unresolved),
		slog.Int("failed", res.Failed))
	return res, nil
}

func (d *Driver) dispatch(ctx context.Context, ev models.Event) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = false, fmt.Errorf("replay: panic: %v", r)
		}
	}()
	return d.target.Dispatch(ctx, ev.Selector, ev.Type)
}

// DocumentTarget replays into an in-process document.
type DocumentTarget struct {
	Doc *dom.Document
}

func (t DocumentTarget) Dispatch(_ context.Context, selector string, kind models.InteractionKind) (bool, error) {
	n, err := t.Doc.Query(selector)
	if errors.Is(err, dom.ErrNoMatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := t.Doc.Dispatch(n, &dom.Event{Type: string(kind), Bubbles: true, Synthetic: true}); err != nil {
		return false, err
	}
	return true, nil
}
