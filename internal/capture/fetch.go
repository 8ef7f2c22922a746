package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vincentbai/domspy-agent/internal/models"
)

var ErrUnsupportedInput = errors.New("capture: unsupported fetch input")

// FetchInit mirrors the options bag of fetch(input, init).
type FetchInit struct {
	Method string
	Header http.Header
	Body   io.Reader
}

// Fetcher is the fetch capability. input is a string, *url.URL,
// *http.Request, or any value with a URL() string method.
type Fetcher interface {
	Fetch(ctx context.Context, input any, init *FetchInit) (*http.Response, error)
}

type urler interface {
	URL() string
}

// HTTPFetcher performs fetches with an *http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, input any, init *FetchInit) (*http.Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	method := fetchMethod(input, init)

	var req *http.Request
	var err error
	switch in := input.(type) {
	case *http.Request:
		req = in.Clone(ctx)
		req.Method = method
		if init != nil && init.Body != nil {
			req.Body = io.NopCloser(init.Body)
			req.GetBody = nil
			req.ContentLength = -1
		}
	default:
		raw := fetchURL(input)
		if raw == "" {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
		}
		var body io.Reader
		if init != nil {
			body = init.Body
		}
		req, err = http.NewRequestWithContext(ctx, method, raw, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build fetch request: %w", err)
		}
	}
	if init != nil {
		for k, vs := range init.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	return client.Do(req)
}

// fetchURL resolves the request URL of a fetch input, or "".
func fetchURL(input any) string {
	switch in := input.(type) {
	case string:
		return in
	case *url.URL:
		if in != nil {
			return in.String()
		}
	case *http.Request:
		if in != nil && in.URL != nil {
			return in.URL.String()
		}
	case urler:
		return in.URL()
	}
	return ""
}

// fetchMethod is init.Method, else the request's method, else GET.
func fetchMethod(input any, init *FetchInit) string {
	if init != nil && init.Method != "" {
		return init.Method
	}
	if req, ok := input.(*http.Request); ok && req != nil && req.Method != "" {
		return req.Method
	}
	return http.MethodGet
}

type instrumentedFetcher struct {
	next Fetcher
	rec  *Recorder
}

// InstrumentFetcher records one fetch network record per call. The
// delegate's response and error are returned unchanged.
func InstrumentFetcher(next Fetcher, rec *Recorder) Fetcher {
	return &instrumentedFetcher{next: next, rec: rec}
}

func (f *instrumentedFetcher) Fetch(ctx context.Context, input any, init *FetchInit) (*http.Response, error) {
	id := f.rec.newID()
	start := f.rec.now()
	var method, target string
	var data any
	f.rec.safely(SourceFetch, func() {
		method = fetchMethod(input, init)
		target = fetchURL(input)
		if raw := fetchPayload(input, init); len(raw) > 0 {
			data = f.rec.payload(raw)
		}
	})

	resp, err := f.next.Fetch(ctx, input, init)

	f.rec.safely(SourceFetch, func() {
		end := f.rec.now()
		n := models.NetworkRecord{
			ID:     id,
			TS:     end.UnixMilli(),
			Type:   models.TransportFetch,
			Method: method,
			URL:    target,
			Data:   data,
		}
		if err != nil {
			n.Error = err.Error()
		} else if resp != nil {
			n.Status = resp.StatusCode
			n.Duration = end.Sub(start).Milliseconds()
		}
		f.rec.recordNetwork(n)
	})
	return resp, err
}

// fetchPayload copies the request body without consuming it. init.Body is
// read only when it is one of the rewindable readers http.NewRequest
// special-cases; other readers are left alone and yield nil.
func fetchPayload(input any, init *FetchInit) []byte {
	if init != nil && init.Body != nil {
		switch b := init.Body.(type) {
		case *bytes.Reader:
			return readRemaining(b, b.Size(), b.Len())
		case *strings.Reader:
			return readRemaining(b, b.Size(), b.Len())
		case *bytes.Buffer:
			raw := b.Bytes()
			if len(raw) > captureLimit {
				raw = raw[:captureLimit]
			}
			return bytes.Clone(raw)
		}
		return nil
	}
	req, ok := input.(*http.Request)
	if !ok || req == nil || req.GetBody == nil || req.Body == nil || req.Body == http.NoBody {
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
	return raw
}

// readRemaining reads the unread tail of r through ReadAt, leaving its
// offset untouched.
func readRemaining(r io.ReaderAt, size int64, remaining int) []byte {
	if remaining <= 0 {
		return nil
	}
	n := min(remaining, captureLimit)
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, size-int64(remaining))
	if err != nil && err != io.EOF {
		return nil
	}
	return buf[:read]
}
