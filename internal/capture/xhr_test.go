package capture

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/domspy-agent/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransportPassThroughSuccess(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"abc123","ok":true}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: InstrumentTransport(nil, rec)}
	reqBody := []byte(`{"user":"ann","password":"hunter2"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/login?next=/home", bytes.NewReader(reqBody))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"token":"abc123","ok":true}`, string(body), "caller sees the unmodified body")
	assert.Equal(t, reqBody, gotBody, "server receives the unmodified payload")

	network := store.Network()
	require.Len(t, network, 1, "completion fires once even when EOF and Close both happen")
	n := network[0]
	assert.Equal(t, models.TransportXHR, n.Type)
	assert.Equal(t, http.MethodPost, n.Method)
	assert.Equal(t, srv.URL+"/api/login?next=/home", n.URL)
	assert.Equal(t, http.StatusCreated, n.Status)
	assert.Contains(t, n.ResponsePreview, models.RedactedMarker)
	assert.NotContains(t, n.ResponsePreview, "abc123")
	assert.Empty(t, n.Error)

	data, ok := n.Data.(map[string]any)
	require.True(t, ok, "structured payload expected, got %T", n.Data)
	assert.Equal(t, "ann", data["user"])
	assert.Equal(t, models.RedactedMarker, data["password"])
}

func TestTransportPassThroughFailure(t *testing.T) {
	rec, store, clock := setupTestRecorder(t)
	boom := errors.New("connection refused")

	tr := InstrumentTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		clock.Advance(40 * time.Millisecond)
		return nil, boom
	}), rec)

	req := httptest.NewRequest(http.MethodGet, "http://api.example/items", nil)
	resp, err := tr.RoundTrip(req)

	assert.Nil(t, resp)
	assert.Same(t, boom, err)

	network := store.Network()
	require.Len(t, network, 1)
	assert.Equal(t, "connection refused", network[0].Error)
	assert.Equal(t, 0, network[0].Status)
	assert.Equal(t, int64(40), network[0].Duration)
}

func TestTransportRecordsOnEarlyClose(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)
	payload := bytes.Repeat([]byte("x"), 4096)

	tr := InstrumentTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader(payload)),
			Request:    r,
		}, nil
	}), rec)

	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://api.example/slow", nil))
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Empty(t, store.Network(), "nothing recorded before the load ends")

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	network := store.Network()
	require.Len(t, network, 1)
	assert.Equal(t, http.StatusInternalServerError, network[0].Status)
	assert.Equal(t, "xxxxxxxxxx", network[0].ResponsePreview)
}

func TestTransportRecordsBodyReadError(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)
	readErr := errors.New("stream reset")

	tr := InstrumentTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(io.MultiReader(bytes.NewReader([]byte("par")), errReader{readErr})),
		}, nil
	}), rec)

	resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "http://api.example/x", nil))
	require.NoError(t, err)

	_, err = io.ReadAll(resp.Body)
	assert.Same(t, readErr, err)

	network := store.Network()
	require.Len(t, network, 1)
	assert.Equal(t, "stream reset", network[0].Error)
	assert.Equal(t, "par", network[0].ResponsePreview)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestTransportTunnelsUpgradeThroughReverseProxy(t *testing.T) {
	rec, store, _ := setupTestRecorder(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "echo" {
			http.Error(w, "upgrade required", http.StatusUpgradeRequired)
			return
		}
		conn, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
		brw.Flush()
		line, err := brw.ReadString('\n')
		if err != nil {
			return
		}
		brw.WriteString("echo:" + line)
		brw.Flush()
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = InstrumentTransport(nil, rec)
	proxy := httptest.NewServer(rp)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/tunnel", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "echo")
	require.NoError(t, req.Write(conn))

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, err = conn.Write([]byte("hi\n"))
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:hi\n", line)

	network := store.Network()
	require.Len(t, network, 1)
	assert.Equal(t, http.StatusSwitchingProtocols, network[0].Status)
	assert.Empty(t, network[0].Error)
}
