package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/server/handler"
	"github.com/alanyoungcy/polycopy/internal/server/ws"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type liveStatus struct{ snap *domain.StatusSnapshot }

func (l liveStatus) Status() *domain.StatusSnapshot { return l.snap }

type fileStatus struct {
	snap domain.StatusSnapshot
	err  error
}

func (f fileStatus) WriteStatus(context.Context, domain.StatusSnapshot) error { return nil }
func (f fileStatus) ReadStatus(context.Context) (domain.StatusSnapshot, error) {
	return f.snap, f.err
}

type fakeAudit struct {
	entries []domain.AuditEntry
	limit   int
}

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }
func (f *fakeAudit) List(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	f.limit = limit
	return f.entries, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T, cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter) *httptest.Server {
	t.Helper()
	if h.Health == nil {
		h.Health = handler.NewHealthHandler(nil, discard())
	}
	if h.Status == nil {
		h.Status = handler.NewStatusHandler(nil, nil, discard())
	}
	srv := httptest.NewServer(NewServer(cfg, h, hub, limiter, discard()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret"}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"redis": func(context.Context) error { return nil },
		}, discard()),
	}, nil, nil)

	code, body := getJSON(t, srv.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, code, "health is open even with auth enabled")
	assert.Equal(t, "ok", body["status"])
}

func TestHealthDegraded(t *testing.T) {
	srv := newTestServer(t, Config{}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		}, discard()),
	}, nil, nil)

	code, body := getJSON(t, srv.URL+"/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["failures"].(map[string]any)["postgres"])
}

func TestStatusPrefersLiveSnapshot(t *testing.T) {
	live := liveStatus{snap: &domain.StatusSnapshot{Mode: "mirror", GlobalExposureUSD: 12.5}}
	srv := newTestServer(t, Config{}, Handlers{
		Status: handler.NewStatusHandler(live, fileStatus{err: domain.ErrNotFound}, discard()),
	}, nil, nil)

	code, body := getJSON(t, srv.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "mirror", body["mode"])
	assert.InDelta(t, 12.5, body["global_exposure_usd"], 1e-9)
}

func TestStatusFromStore(t *testing.T) {
	srv := newTestServer(t, Config{}, Handlers{
		Status: handler.NewStatusHandler(nil, fileStatus{snap: domain.StatusSnapshot{Mode: "full"}}, discard()),
	}, nil, nil)
	code, body := getJSON(t, srv.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "full", body["mode"])

	missing := newTestServer(t, Config{}, Handlers{
		Status: handler.NewStatusHandler(nil, fileStatus{err: domain.ErrNotFound}, discard()),
	}, nil, nil)
	code, _ = getJSON(t, missing.URL+"/api/status", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret"}, Handlers{
		Status: handler.NewStatusHandler(liveStatus{snap: &domain.StatusSnapshot{}}, nil, discard()),
	}, nil, nil)

	code, body := getJSON(t, srv.URL+"/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing authentication token", body["error"])

	code, _ = getJSON(t, srv.URL+"/api/status", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = getJSON(t, srv.URL+"/api/status", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, code)

	code, _ = getJSON(t, srv.URL+"/api/status", http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Config{CORSOrigins: []string{"https://dash.example"}}, Handlers{}, nil, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://dash.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RequestsPerMinute: 10}, Handlers{}, nil, denyLimiter{})
	code, body := getJSON(t, srv.URL+"/api/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestActivity(t *testing.T) {
	audit := &fakeAudit{entries: []domain.AuditEntry{{ID: 1, Event: "mirror.executed"}}}
	srv := newTestServer(t, Config{}, Handlers{
		Activity: handler.NewActivityHandler(audit, discard()),
	}, nil, nil)

	code, body := getJSON(t, srv.URL+"/api/activity?limit=9999", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, 500, audit.limit)
}

func TestWebSocketStreamsActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub(func() *domain.StatusSnapshot { return &domain.StatusSnapshot{Mode: "mirror"} }, discard())
	go func() { _ = hub.Run(ctx) }()
	srv := newTestServer(t, Config{APIKey: "secret"}, Handlers{}, hub, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame struct {
		Type    string          `json:"type"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "status", frame.Type)

	require.NoError(t, hub.Record(ctx, domain.ActivityEvent{
		Kind: domain.ActivityDryRun, MirrorUSD: 5, Fill: domain.Fill{Wallet: "0xabc"},
	}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "activity", frame.Type)
	assert.Equal(t, "dry_run", frame.Kind)

	var ev domain.ActivityEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &ev))
	assert.InDelta(t, 5.0, ev.MirrorUSD, 1e-9)
	assert.Equal(t, "0xabc", ev.Fill.Wallet)
	assert.Equal(t, 1, hub.ClientCount())
}
