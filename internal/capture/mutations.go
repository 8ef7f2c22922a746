package capture

import (
	"time"

	"github.com/vincentbai/domspy-agent/internal/dom"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const DefaultMaxMutations = 10

type MutationOptions struct {
	ThrottleInterval time.Duration
	MaxRecords       int
}

// InstallMutationObserver registers one document-wide observer. Each
// delivery that passes the throttle is summarised into one record holding
// at most MaxRecords entries; throttled deliveries are dropped.
func InstallMutationObserver(doc *dom.Document, rec *Recorder, opts MutationOptions) (disconnect func()) {
	limit := opts.MaxRecords
	if limit <= 0 {
		limit = DefaultMaxMutations
	}
	th := NewThrottle(opts.ThrottleInterval, rec.now)

	return doc.Observe(func(records []dom.MutationRecord) {
		if !th.Allow() {
			return
		}
		rec.safely(SourceMutations, func() {
			if len(records) > limit {
				records = records[:limit]
			}
			summary := make([]models.MutationEntry, 0, len(records))
			for _, m := range records {
				summary = append(summary, models.MutationEntry{
					Type:    m.Type,
					Target:  doc.Locator(m.Target),
					Added:   len(m.AddedNodes),
					Removed: len(m.RemovedNodes),
					Attr:    m.AttributeName,
				})
			}
			rec.recordMutation(models.MutationSummary{Summary: summary})
		})
	})
}
