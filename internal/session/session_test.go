package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/domspy-agent/internal/analysis"
	"github.com/vincentbai/domspy-agent/internal/capture"
	"github.com/vincentbai/domspy-agent/internal/config"
	"github.com/vincentbai/domspy-agent/internal/dom"
	"github.com/vincentbai/domspy-agent/internal/models"
)

var granted = ConsentFunc(func(context.Context) (bool, error) { return true, nil })

func setupTestSession(t *testing.T, mutate func(*config.Config)) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.Page.URL = "https://shop.example/cart"
	if mutate != nil {
		mutate(cfg)
	}
	var mu sync.Mutex
	n := 0
	return New(cfg, nil,
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) }),
		WithIDs(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
}

func TestInstrumentRequiresConsent(t *testing.T) {
	s := setupTestSession(t, nil)

	_, err := s.InstrumentTransport(nil)
	assert.ErrorIs(t, err, ErrNoConsent)
	_, err = s.InstrumentFetcher(capture.HTTPFetcher{})
	assert.ErrorIs(t, err, ErrNoConsent)
	_, err = s.InstrumentDialer(capture.NetDialer{})
	assert.ErrorIs(t, err, ErrNoConsent)
	_, err = s.InstrumentBeacon(nil)
	assert.ErrorIs(t, err, ErrNoConsent)
	_, err = s.InstrumentDocument(nil)
	assert.ErrorIs(t, err, ErrNoConsent)
	_, err = s.IngestEvents(models.Batch{Events: []models.Event{{Type: models.KindClick}}})
	assert.ErrorIs(t, err, ErrNoConsent)

	assert.Empty(t, s.Events())
}

func TestStartConsent(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		gate    ConsentGate
		wantErr error
	}{
		{name: "granted by gate", gate: granted},
		{name: "denied by gate", gate: ConsentFunc(func(context.Context) (bool, error) { return false, nil }), wantErr: ErrConsentDenied},
		{name: "no gate", gate: nil, wantErr: ErrConsentDenied},
		{name: "not required", mutate: func(c *config.Config) { c.Consent.Required = false }},
		{name: "pre-granted", mutate: func(c *config.Config) { c.Consent.Granted = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestSession(t, tt.mutate)
			err := s.Start(context.Background(), tt.gate)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, s.Started())
				return
			}
			require.NoError(t, err)
			assert.True(t, s.Started())
		})
	}
}

func TestStartGateError(t *testing.T) {
	s := setupTestSession(t, nil)
	boom := errors.New("dialog crashed")

	err := s.Start(context.Background(), ConsentFunc(func(context.Context) (bool, error) { return false, boom }))
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Started())
}

func TestIngestEvents(t *testing.T) {
	s := setupTestSession(t, nil)
	require.NoError(t, s.Start(context.Background(), granted))

	secret := gofakeit.New(7).Password(true, true, true, false, false, 16)
	n, err := s.IngestEvents(models.Batch{Events: []models.Event{
		{Type: models.KindInput, Selector: "input#pw", Value: secret},
		{Type: models.InteractionKind("teleport"), Selector: "body"},
		{ID: "keep", TS: 5, Type: models.KindClick, Selector: "button", Value: "raw"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.RedactedMarker, events[0].Value)
	assert.Equal(t, "id-1", events[0].ID)
	assert.Equal(t, int64(1_700_000_000_000), events[0].TS)
	assert.Equal(t, "id-2", events[1].ID, "client ids are replaced")
	assert.Equal(t, int64(5), events[1].TS)
	assert.Empty(t, events[1].Value)

	var buf bytes.Buffer
	require.NoError(t, s.WriteExport(&buf))
	assert.NotContains(t, buf.String(), secret)
}

func TestInstrumentedCaptureEndToEnd(t *testing.T) {
	s := setupTestSession(t, func(c *config.Config) { c.Consent.Required = false })
	require.NoError(t, s.Start(context.Background(), nil))

	doc, err := dom.Parse(strings.NewReader(`<html><body><button id="submit">Go</button></body></html>`), "https://shop.example/cart")
	require.NoError(t, err)
	uninstall, err := s.InstrumentDocument(doc)
	require.NoError(t, err)
	defer uninstall()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rt, err := s.InstrumentTransport(srv.Client().Transport)
	require.NoError(t, err)
	client := &http.Client{Transport: rt}

	btn, err := doc.Query("button")
	require.NoError(t, err)
	require.NoError(t, doc.Dispatch(btn, &dom.Event{Type: "click", Bubbles: true}))

	resp, err := client.Get(srv.URL + "/button/submit")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	r := s.RunCycle(context.Background())

	require.Len(t, s.Events(), 1)
	require.Len(t, s.Network(), 1)
	require.Len(t, r.Correlations, 1)
	assert.Equal(t, s.Events()[0].ID, r.Correlations[0].EventID)
	assert.Equal(t, s.Network()[0].ID, r.Correlations[0].NetID)
	assert.Contains(t, s.Schemas(), srv.URL+"/button/submit")
}

func TestIngestEventsReplacesCollidingIDs(t *testing.T) {
	s := setupTestSession(t, nil)
	require.NoError(t, s.Start(context.Background(), granted))

	_, err := s.IngestEvents(models.Batch{Events: []models.Event{
		{ID: "dup", TS: 1, Type: models.KindClick, Selector: "a"},
		{ID: "dup", TS: 2, Type: models.KindClick, Selector: "b"},
	}})
	require.NoError(t, err)
	_, err = s.IngestEvents(models.Batch{Events: []models.Event{
		{ID: "dup", TS: 3, Type: models.KindKeyDown, Selector: "c"},
	}})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range s.Events() {
		assert.False(t, seen[e.ID], "duplicate id %s", e.ID)
		assert.NotEqual(t, "dup", e.ID)
		seen[e.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestFetchBodyKeysReachSchemas(t *testing.T) {
	s := setupTestSession(t, func(c *config.Config) { c.Consent.Required = false })
	require.NoError(t, s.Start(context.Background(), nil))

	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f, err := s.InstrumentFetcher(capture.HTTPFetcher{Client: srv.Client()})
	require.NoError(t, err)

	body := `{"name":"a","qty":2}`
	resp, err := f.Fetch(context.Background(), srv.URL+"/api/items?page=1", &capture.FetchInit{
		Method: http.MethodPost,
		Body:   strings.NewReader(body),
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, body, received, "server receives the whole payload")

	s.RunCycle(context.Background())

	schema, ok := s.Schemas()[srv.URL+"/api/items"]
	require.True(t, ok)
	assert.Equal(t, 1, schema.Count)
	assert.Equal(t, map[string]int{"page": 1, "name": 1, "qty": 1}, schema.Params)
}

func TestPluginsRunAfterCycle(t *testing.T) {
	s := setupTestSession(t, nil)

	var order []string
	assert.Equal(t, 1, s.RegisterPlugin(PluginFunc(func(context.Context, analysis.Report) { order = append(order, "first") })))
	assert.Equal(t, 2, s.RegisterPlugin(PluginFunc(func(context.Context, analysis.Report) { panic("plugin bug") })))
	assert.Equal(t, 3, s.RegisterPlugin(PluginFunc(func(_ context.Context, r analysis.Report) {
		order = append(order, fmt.Sprintf("third@%d", r.Cycle))
	})))
	assert.Len(t, s.Plugins(), 3)

	s.RunCycle(context.Background())
	assert.Equal(t, []string{"first", "third@1"}, order)
}

func TestExportShape(t *testing.T) {
	s := setupTestSession(t, func(c *config.Config) { c.Consent.Granted = true })
	require.NoError(t, s.Start(context.Background(), nil))

	exp := s.Export()
	assert.Equal(t, "https://shop.example/cart", exp.Meta.URL)
	assert.Equal(t, int64(1_700_000_000_000), exp.Meta.TS)

	var buf bytes.Buffer
	require.NoError(t, s.WriteExport(&buf))
	assert.Contains(t, buf.String(), "\n  \"meta\": {")

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded["buffer"], "events")
	assert.Contains(t, decoded["buffer"], "network")
	assert.Contains(t, decoded["buffer"], "mutations")
}
