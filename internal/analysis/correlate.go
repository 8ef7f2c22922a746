// Package analysis derives correlations, endpoint schemas and heuristic
// findings from buffer snapshots on a fixed cycle.
package analysis

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vincentbai/domspy-agent/internal/dom"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const (
	DefaultCorrelationWindow = 1500 * time.Millisecond
	DefaultDecay             = 500 * time.Millisecond
	DefaultBoost             = 1.5
)

// Correlator links interactions to network records close in time.
// Links are heuristic: unrelated traffic inside the window is linked too.
type Correlator struct {
	Window time.Duration
	Decay  time.Duration
	Boost  float64
}

func DefaultCorrelator() Correlator {
	return Correlator{Window: DefaultCorrelationWindow, Decay: DefaultDecay, Boost: DefaultBoost}
}

// Score is exp(-|dt|/Decay), multiplied by Boost when the URL overlaps the
// event's locator.
func (c Correlator) Score(dtMillis int64, overlap bool) float64 {
	if dtMillis < 0 {
		dtMillis = -dtMillis
	}
	decay := float64(c.Decay.Milliseconds())
	if decay <= 0 {
		decay = float64(DefaultDecay.Milliseconds())
	}
	score := math.Exp(-float64(dtMillis) / decay)
	if overlap {
		score *= c.Boost
	}
	return score
}

// Overlaps reports whether url contains the first segment of selector.
// An empty segment never overlaps.
func Overlaps(url, selector string) bool {
	seg := dom.FirstSegment(selector)
	return seg != "" && strings.Contains(url, seg)
}

// Correlate returns every (event, network) pair with |dt| < Window.
func (c Correlator) Correlate(events []models.Event, network []models.NetworkRecord) []models.CorrelationLink {
	links := []models.CorrelationLink{}
	window := c.Window.Milliseconds()
	if window <= 0 || len(events) == 0 || len(network) == 0 {
		return links
	}

	sorted := append([]models.NetworkRecord(nil), network...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })

	for _, ev := range events {
		lo := sort.Search(len(sorted), func(i int) bool { return sorted[i].TS > ev.TS-window })
		for i := lo; i < len(sorted) && sorted[i].TS < ev.TS+window; i++ {
			n := sorted[i]
			links = append(links, models.CorrelationLink{
				EventID: ev.ID,
				NetID:   n.ID,
				Score:   c.Score(n.TS-ev.TS, Overlaps(n.URL, ev.Selector)),
			})
		}
	}
	return links
}
