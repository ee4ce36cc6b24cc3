// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/pulse/pkg/analytics"
	"github.com/adxyz/pulse/pkg/bus"
	"github.com/adxyz/pulse/pkg/cache"
	"github.com/adxyz/pulse/pkg/events"
	"github.com/adxyz/pulse/pkg/metric"
	"github.com/adxyz/pulse/pkg/ratelimit"
	"github.com/adxyz/pulse/pkg/upstream"
)

func analyticsEvent(campaignID string) events.Event {
	return events.New(events.TypeImpression, campaignID, nil)
}

type fixture struct {
	server  *Server
	admin   *Admin
	engine  *analytics.Engine
	cache   *cache.Manager
	signals *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signals := bus.New(256, nil)
	metrics := metric.New("pulse")
	engine := analytics.NewEngine(analytics.Config{}, signals, nil, metrics)
	cacheMgr := cache.NewManager(cache.Config{}, nil, nil, metrics)
	registry := ratelimit.NewRegistry(nil, ratelimit.TierStandard, nil, metrics)

	t.Cleanup(func() {
		engine.Shutdown()
		cacheMgr.Close()
		signals.Close()
	})

	return &fixture{
		server:  New(Config{ListenAddr: ":0"}, engine, cacheMgr, registry, signals, metrics, nil, nil),
		admin:   NewAdmin(":0", registry, cacheMgr, metrics, nil),
		engine:  engine,
		cache:   cacheMgr,
		signals: signals,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestIngestEventEndpoint(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	router := f.server.Router()

	w := doJSON(t, router, http.MethodPost, "/v1/events",
		`{"type": "impression", "campaign_id": "c1"}`)
	require.Equal(http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(resp["id"])
	require.Equal(1, f.engine.BufferLen())

	// A client-supplied id is echoed back unchanged
	w = doJSON(t, router, http.MethodPost, "/v1/events",
		`{"id": "evt-7", "type": "impression", "campaign_id": "c1"}`)
	require.Equal(http.StatusAccepted, w.Code)
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal("evt-7", resp["id"])

	// Unknown event type is rejected
	w = doJSON(t, router, http.MethodPost, "/v1/events",
		`{"type": "like", "campaign_id": "c1"}`)
	require.Equal(http.StatusUnprocessableEntity, w.Code)

	// Malformed JSON is a bad request
	w = doJSON(t, router, http.MethodPost, "/v1/events", `{`)
	require.Equal(http.StatusBadRequest, w.Code)
}

func TestIngestBatchEndpoint(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	router := f.server.Router()

	w := doJSON(t, router, http.MethodPost, "/v1/events/batch", `[
		{"type": "impression", "campaign_id": "c1"},
		{"type": "click", "campaign_id": "c1"},
		{"type": "like", "campaign_id": "c1"}
	]`)
	require.Equal(http.StatusMultiStatus, w.Code)

	var resp struct {
		Accepted int    `json:"accepted"`
		Received int    `json:"received"`
		Error    string `json:"error"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(2, resp.Accepted)
	require.Equal(3, resp.Received)
	require.NotEmpty(resp.Error)
}

func TestQueryLifecycleEndpoints(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	router := f.server.Router()

	w := doJSON(t, router, http.MethodPost, "/v1/queries", `{
		"id": "q1",
		"name": "hourly impressions",
		"duration": "1h",
		"slide": "1m",
		"metrics": ["impressions"],
		"aggregations": ["sum", "avg"]
	}`)
	require.Equal(http.StatusCreated, w.Code)

	// Duplicate id conflicts
	w = doJSON(t, router, http.MethodPost, "/v1/queries",
		`{"id": "q1", "name": "dup"}`)
	require.Equal(http.StatusConflict, w.Code)

	// Bad duration is a bad request
	w = doJSON(t, router, http.MethodPost, "/v1/queries",
		`{"name": "bad", "duration": "soon"}`)
	require.Equal(http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/queries", "")
	require.Equal(http.StatusOK, w.Code)
	var list struct {
		Queries []map[string]any `json:"queries"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(list.Queries, 1)
	require.Equal("hourly impressions", list.Queries[0]["name"])

	w = doJSON(t, router, http.MethodDelete, "/v1/queries/q1", "")
	require.Equal(http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/queries/q1", "")
	require.Equal(http.StatusNotFound, w.Code)
}

func TestStatsEndpoints(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	router := f.server.Router()

	require.NoError(f.cache.Set("report:1", map[string]int{"clicks": 5}, time.Minute, nil))

	w := doJSON(t, router, http.MethodGet, "/v1/stats", "")
	require.Equal(http.StatusOK, w.Code)
	var stats struct {
		BufferLen int                              `json:"buffer_len"`
		Queries   int                              `json:"queries"`
		RateLimit map[string]ratelimit.UsageStats `json:"rate_limit"`
	}
	require.NoError(json.Unmarshal(w.Body.Bytes(), &stats))
	require.Contains(stats.RateLimit, ratelimit.TierStandard)

	w = doJSON(t, router, http.MethodGet, "/v1/cache/stats", "")
	require.Equal(http.StatusOK, w.Code)
	var cstats cache.Stats
	require.NoError(json.Unmarshal(w.Body.Bytes(), &cstats))
	require.Equal(1, cstats.Entries)
}

func TestClearCacheEndpoint(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	router := f.server.Router()

	require.NoError(f.cache.Set("report:1", 1, time.Minute, nil))
	require.NoError(f.cache.Set("config:1", 2, time.Minute, nil))

	w := doJSON(t, router, http.MethodDelete, "/v1/cache?pattern=%5Ereport%3A", "")
	require.Equal(http.StatusOK, w.Code)
	require.Len(f.cache.Keys(), 1)

	w = doJSON(t, router, http.MethodDelete, "/v1/cache", "")
	require.Equal(http.StatusOK, w.Code)
	require.Empty(f.cache.Keys())
}

func TestStreamEndpoint(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?topics=event-ingested"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the server side a moment to subscribe before publishing
	time.Sleep(100 * time.Millisecond)
	require.NoError(f.engine.IngestEvent(analyticsEvent("c1")))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg bus.Message
	require.NoError(conn.ReadJSON(&msg))
	require.Equal(bus.TopicEventIngested, msg.Topic)
}

func TestUpstreamEndpoints(t *testing.T) {
	require := require.New(t)

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/campaigns"):
			w.Write([]byte(`[{"id": "c1", "name": "Summer Sale", "status": "active", "daily_budget": "10"}]`))
		default:
			w.Write([]byte(`{"campaign_id": "c1", "impressions": 100, "clicks": 5, "ctr": 5.0, "spend": "1.25"}`))
		}
	}))
	defer provider.Close()

	f := newFixture(t)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests: 100, Window: time.Hour, MaxBurst: 100,
	}, nil, nil)
	client := upstream.NewClient(upstream.Config{BaseURL: provider.URL}, limiter, nil, nil)

	registry := ratelimit.NewRegistry(nil, ratelimit.TierStandard, nil, nil)
	s := New(Config{ListenAddr: ":0"}, f.engine, f.cache, registry, f.signals, nil, client, nil)
	router := s.Router()

	w := doJSON(t, router, http.MethodGet, "/v1/accounts/act-1/campaigns", "")
	require.Equal(http.StatusOK, w.Code)
	require.Contains(w.Body.String(), "Summer Sale")

	w = doJSON(t, router, http.MethodGet,
		"/v1/campaigns/c1/insights?since=2025-06-01T00:00:00Z&until=2025-06-02T00:00:00Z", "")
	require.Equal(http.StatusOK, w.Code)
	require.Contains(w.Body.String(), `"impressions":100`)

	w = doJSON(t, router, http.MethodGet, "/v1/campaigns/c1/insights?since=yesterday", "")
	require.Equal(http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	require := require.New(t)

	f := newFixture(t)
	handler := f.admin.Handler()

	w := doJSON(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(http.StatusOK, w.Code)
	require.Contains(w.Body.String(), "healthy")

	w = doJSON(t, handler, http.MethodGet, "/metrics", "")
	require.Equal(http.StatusOK, w.Code)
	require.Contains(w.Body.String(), "pulse_")

	w = doJSON(t, handler, http.MethodGet, "/debug/usage", "")
	require.Equal(http.StatusOK, w.Code)
	var usage map[string]any
	require.NoError(json.Unmarshal(w.Body.Bytes(), &usage))
	require.Contains(usage, "rate_limit")
	require.Contains(usage, "cache")
}
