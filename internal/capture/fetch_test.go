package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/domspy-agent/internal/models"
)

type fetchFunc func(ctx context.Context, input any, init *FetchInit) (*http.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, input any, init *FetchInit) (*http.Response, error) {
	return f(ctx, input, init)
}

type namedInput string

func (n namedInput) URL() string { return string(n) }

func TestInstrumentFetcherSuccess(t *testing.T) {
	rec, store, clock := setupTestRecorder(t)
	want := &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}

	f := InstrumentFetcher(fetchFunc(func(context.Context, any, *FetchInit) (*http.Response, error) {
		clock.Advance(25 * time.Millisecond)
		return want, nil
	}), rec)

	resp, err := f.Fetch(context.Background(), "/button/submit", &FetchInit{Method: http.MethodPost})
	require.NoError(t, err)
	assert.Same(t, want, resp)

	network := store.Network()
	require.Len(t, network, 1)
	assert.Equal(t, models.TransportFetch, network[0].Type)
	assert.Equal(t, http.MethodPost, network[0].Method)
	assert.Equal(t, "/button/submit", network[0].URL)
	assert.Equal(t, http.StatusOK, network[0].Status)
	assert.Equal(t, int64(25), network[0].Duration)
}

func TestInstrumentFetcherFailure(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)
	failed := errors.New("TypeError: Failed to fetch")

	f := InstrumentFetcher(fetchFunc(func(context.Context, any, *FetchInit) (*http.Response, error) {
		return nil, failed
	}), rec)

	resp, err := f.Fetch(context.Background(), namedInput("https://api.example/v1"), nil)
	assert.Nil(t, resp)
	assert.Same(t, failed, err)

	network := store.Network()
	require.Len(t, network, 1)
	assert.Equal(t, http.MethodGet, network[0].Method)
	assert.Equal(t, "https://api.example/v1", network[0].URL)
	assert.Equal(t, "TypeError: Failed to fetch", network[0].Error)
	assert.Zero(t, network[0].Status)
}

func TestFetchInputResolution(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "http://api.example/r", nil)
	u, _ := url.Parse("http://api.example/u")

	tests := []struct {
		name       string
		input      any
		init       *FetchInit
		wantURL    string
		wantMethod string
	}{
		{name: "string", input: "/a", wantURL: "/a", wantMethod: "GET"},
		{name: "url", input: u, wantURL: "http://api.example/u", wantMethod: "GET"},
		{name: "request method", input: req, wantURL: "http://api.example/r", wantMethod: "PUT"},
		{name: "init overrides request", input: req, init: &FetchInit{Method: "DELETE"}, wantURL: "http://api.example/r", wantMethod: "DELETE"},
		{name: "url method", input: namedInput("/n"), wantURL: "/n", wantMethod: "GET"},
		{name: "unsupported", input: 42, wantURL: "", wantMethod: "GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantURL, fetchURL(tt.input))
			assert.Equal(t, tt.wantMethod, fetchMethod(tt.input, tt.init))
		})
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Trace", r.Header.Get("X-Trace"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	rec, store, _ := setupTestRecorder(t)
	f := InstrumentFetcher(HTTPFetcher{Client: srv.Client()}, rec)

	resp, err := f.Fetch(context.Background(), srv.URL+"/echo", &FetchInit{
		Method: http.MethodPost,
		Header: http.Header{"X-Trace": []string{"t1"}},
		Body:   strings.NewReader("hello"),
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "hello", string(body))
	assert.Equal(t, http.MethodPost, resp.Header.Get("X-Method"))
	assert.Equal(t, "t1", resp.Header.Get("X-Trace"))
	require.Len(t, store.Network(), 1)

	_, err = HTTPFetcher{}.Fetch(context.Background(), 42, nil)
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

func TestInstrumentFetcherCapturesPayload(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)

	var got []string
	f := InstrumentFetcher(fetchFunc(func(_ context.Context, input any, init *FetchInit) (*http.Response, error) {
		var r io.Reader
		if init != nil && init.Body != nil {
			r = init.Body
		} else if req, ok := input.(*http.Request); ok {
			r = req.Body
		}
		b, _ := io.ReadAll(r)
		got = append(got, string(b))
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}), rec)

	const body = `{"name":"a","password":"hunter2"}`
	req, err := http.NewRequest(http.MethodPost, "https://api.example/items", strings.NewReader(body))
	require.NoError(t, err)

	inputs := []struct {
		name  string
		input any
		init  *FetchInit
	}{
		{"strings reader", "/a", &FetchInit{Method: http.MethodPost, Body: strings.NewReader(body)}},
		{"bytes reader", "/b", &FetchInit{Method: http.MethodPost, Body: bytes.NewReader([]byte(body))}},
		{"bytes buffer", "/c", &FetchInit{Method: http.MethodPost, Body: bytes.NewBufferString(body)}},
		{"request with GetBody", req, nil},
	}
	for _, in := range inputs {
		_, err := f.Fetch(context.Background(), in.input, in.init)
		require.NoError(t, err, in.name)
	}

	network := store.Network()
	require.Len(t, network, len(inputs))
	for i, in := range inputs {
		assert.Equal(t, body, got[i], "%s: delegate sees the whole body", in.name)
		data, ok := network[i].Data.(map[string]any)
		require.True(t, ok, in.name)
		assert.Equal(t, "a", data["name"], in.name)
		assert.Equal(t, models.RedactedMarker, data["password"], in.name)
	}
}

func TestInstrumentFetcherSkipsOneShotReaders(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)

	var got string
	f := InstrumentFetcher(fetchFunc(func(_ context.Context, _ any, init *FetchInit) (*http.Response, error) {
		b, _ := io.ReadAll(init.Body)
		got = string(b)
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}), rec)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte(`{"k":1}`))
		pw.Close()
	}()
	_, err := f.Fetch(context.Background(), "/stream", &FetchInit{Method: http.MethodPost, Body: pr})
	require.NoError(t, err)

	assert.Equal(t, `{"k":1}`, got)
	require.Len(t, store.Network(), 1)
	assert.Nil(t, store.Network()[0].Data)
}
