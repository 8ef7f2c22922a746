package capture

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vincentbai/domspy-agent/internal/models"
)

// captureLimit bounds how many body bytes are retained for a preview.
// Bodies beyond it are previewed as truncated text.
const captureLimit = 1 << 20

// Transport records every round trip as an xhr network record. Building
// the *http.Request is "open", RoundTrip is "send"; the record is written
// once the response body reaches EOF, fails or is closed, or when the
// round trip itself fails.
type Transport struct {
	Base http.RoundTripper
	rec  *Recorder
}

// InstrumentTransport wraps base (http.DefaultTransport when nil).
func InstrumentTransport(base http.RoundTripper, rec *Recorder) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, rec: rec}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.rec.now()
	var data any
	t.rec.safely(SourceXHR, func() { data = t.requestData(req) })

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		t.rec.safely(SourceXHR, func() {
			t.record(req, start, 0, nil, data, err)
		})
		return resp, err
	}

	status := resp.StatusCode
	// Upgrade responses carry a writable body that tunnels the connection;
	// it must reach the caller as-is.
	_, writable := resp.Body.(io.Writer)
	if resp.Body == nil || writable || status == http.StatusSwitchingProtocols {
		t.rec.safely(SourceXHR, func() { t.record(req, start, status, nil, data, nil) })
		return resp, nil
	}
	resp.Body = &loadEndBody{
		rc: resp.Body,
		onEnd: func(body []byte, readErr error) {
			t.rec.safely(SourceXHR, func() { t.record(req, start, status, body, data, readErr) })
		},
	}
	return resp, nil
}

func (t *Transport) record(req *http.Request, start time.Time, status int, body []byte, data any, err error) {
	end := t.rec.now()
	n := models.NetworkRecord{
		TS:       end.UnixMilli(),
		Type:     models.TransportXHR,
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   status,
		Duration: end.Sub(start).Milliseconds(),
		Data:     data,
	}
	if len(body) > 0 {
		n.ResponsePreview = t.rec.preview(body)
	}
	if err != nil {
		n.Error = err.Error()
	}
	t.rec.recordNetwork(n)
}

// requestData reads a copy of the request payload through GetBody so the
// body handed to the base transport is never consumed.
func (t *Transport) requestData(req *http.Request) any {
	if req.GetBody == nil || req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, captureLimit))
	if err != nil {
		return nil
	}
	return t.rec.payload(raw)
}

// loadEndBody tees what the caller reads and fires onEnd exactly once, on
// EOF, on a read error, or on Close.
type loadEndBody struct {
	rc    io.ReadCloser
	buf   bytes.Buffer
	once  sync.Once
	onEnd func(body []byte, err error)
}

func (b *loadEndBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 && b.buf.Len() < captureLimit {
		keep := n
		if room := captureLimit - b.buf.Len(); keep > room {
			keep = room
		}
		b.buf.Write(p[:keep])
	}
	switch {
	case err == io.EOF:
		b.finish(nil)
	case err != nil:
		b.finish(err)
	}
	return n, err
}

func (b *loadEndBody) Close() error {
	err := b.rc.Close()
	b.finish(nil)
	return err
}

func (b *loadEndBody) finish(err error) {
	b.once.Do(func() { b.onEnd(b.buf.Bytes(), err) })
}
