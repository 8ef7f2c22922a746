package capture

import (
	"time"

	"github.com/vincentbai/domspy-agent/internal/dom"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const (
	DefaultThrottleInterval = 100 * time.Millisecond
	DefaultMouseSampleRate  = 0.01
)

type DOMOptions struct {
	ThrottleInterval time.Duration
	MouseSampleRate  float64
	// Random overrides the sampling source, for tests.
	Random func() float64
}

// InstallDOMEvents subscribes capture-phase document listeners for every
// captured kind, each behind its own throttle, plus a sampled mousemove
// listener. The returned func removes them all.
func InstallDOMEvents(doc *dom.Document, rec *Recorder, opts DOMOptions) (uninstall func()) {
	var removers []func()

	for _, kind := range models.CapturedKinds {
		th := NewThrottle(opts.ThrottleInterval, rec.now)
		removers = append(removers, doc.AddEventListener(string(kind), func(ev *dom.Event) {
			if !th.Allow() {
				return
			}
			rec.safely(SourceDOM, func() {
				e := models.Event{
					Type:     kind,
					Selector: doc.Locator(ev.Target),
					Tag:      dom.TagName(ev.Target),
				}
				if kind == models.KindInput {
					e.Value = models.RedactedMarker
				}
				rec.recordEvent(e)
			})
		}, true))
	}

	sampler := NewSampler(opts.MouseSampleRate, opts.Random)
	mouseThrottle := NewThrottle(opts.ThrottleInterval, rec.now)
	removers = append(removers, doc.AddEventListener(string(models.KindMouseMove), func(ev *dom.Event) {
		if !sampler.Sample() || !mouseThrottle.Allow() {
			return
		}
		rec.safely(SourceDOM, func() {
			x, y := ev.ClientX, ev.ClientY
			rec.recordEvent(models.Event{Type: models.KindMouseMove, X: &x, Y: &y})
		})
	}, true))

	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}
