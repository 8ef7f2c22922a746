package capture

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/models"
)

const DefaultBeaconQueue = 64

// Beaconer is the sendBeacon capability: queue data for asynchronous
// delivery and report whether it was accepted.
type Beaconer interface {
	SendBeacon(url string, data []byte) bool
}

type beacon struct {
	url  string
	data []byte
}

// HTTPBeacon POSTs queued beacons from a single worker. When the queue is
// full, or after Close, SendBeacon returns false.
type HTTPBeacon struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan beacon
	done   chan struct{}
}

func NewHTTPBeacon(client *http.Client, queueSize int, logger *slog.Logger) *HTTPBeacon {
	if client == nil {
		client = http.DefaultClient
	}
	if queueSize <= 0 {
		queueSize = DefaultBeaconQueue
	}
	b := &HTTPBeacon{
		client:  client,
		logger:  logging.OrDiscard(logger),
		timeout: 10 * time.Second,
		queue:   make(chan beacon, queueSize),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *HTTPBeacon) SendBeacon(url string, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- beacon{url: url, data: append([]byte(nil), data...)}:
		return true
	default:
		return false
	}
}

// Close stops accepting beacons and waits for queued ones to be sent.
func (b *HTTPBeacon) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *HTTPBeacon) run() {
	defer close(b.done)
	for bc := range b.queue {
		b.deliver(bc)
	}
}

func (b *HTTPBeacon) deliver(bc beacon) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.url, bytes.NewReader(bc.data))
	if err != nil {
		b.logger.Debug("capture: beacon request invalid", logging.URL(bc.url), logging.Error(err))
		return
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("capture: beacon delivery failed", logging.URL(bc.url), logging.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

type instrumentedBeacon struct {
	next Beaconer
	rec  *Recorder
}

// InstrumentBeacon records each beacon before delegating and returns the
// delegate's result unchanged.
func InstrumentBeacon(next Beaconer, rec *Recorder) Beaconer {
	return &instrumentedBeacon{next: next, rec: rec}
}

func (b *instrumentedBeacon) SendBeacon(url string, data []byte) bool {
	b.rec.safely(SourceBeacon, func() {
		b.rec.recordNetwork(models.NetworkRecord{
			Type: models.TransportBeacon,
			URL:  url,
			Data: b.rec.payload(data),
		})
	})
	return b.next.SendBeacon(url, data)
}
