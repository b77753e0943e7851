package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouriya/redashmcp/internal/db"
	"github.com/pouriya/redashmcp/internal/mcp"
	"github.com/pouriya/redashmcp/internal/metrics"
	"github.com/pouriya/redashmcp/internal/oauth"
	"github.com/pouriya/redashmcp/internal/orders"
	"github.com/pouriya/redashmcp/internal/redash"
)

type fetcher struct {
	calls atomic.Int32
	fail  atomic.Bool
	rows  int
}

func (f *fetcher) Fetch(context.Context) (*redash.Payload, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("redash: status 502")
	}
	p := &redash.Payload{Columns: []any{
		map[string]any{"name": "Order ID"},
		map[string]any{"name": "Customer Name"},
		map[string]any{"name": "Email"},
	}}
	for i := 0; i < f.rows; i++ {
		p.Rows = append(p.Rows, []any{fmt.Sprint(1000 + i), fmt.Sprintf("Customer %d", i), fmt.Sprintf("c%d@example.com", i)})
	}
	return p, nil
}

type fixture struct {
	ts      *httptest.Server
	fetcher *fetcher
	store   *orders.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, withOAuth bool) *fixture {
	t.Helper()
	f := &fetcher{rows: 30}
	m := metrics.New()
	store := orders.NewStore(f, "Redash Query 3654", orders.WithMetrics(m))
	cfg := Config{
		Store:    store,
		MCP:      &mcp.Server{Orders: store, Metrics: m},
		Metrics:  m,
		Upstream: "https://redash.example.com/api/queries/3654/results.json",
	}
	if withOAuth {
		d, err := db.Open(db.Memory, []byte("secret"))
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		cfg.OAuth = &oauth.Server{DB: d}
		cfg.MCP.Verifier = cfg.OAuth
	}
	ts := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, fetcher: f, store: store, metrics: m}
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	fx := newFixture(t, false)
	status, body := getJSON(t, fx.ts.URL+"/health")
	assert.Equal(t, 200, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, mcp.ProtocolVersion, body["mcp_protocol"])
	assert.Equal(t, false, body["auth_required"])
	assert.NotContains(t, body, "cache")
	assert.Zero(t, fx.fetcher.calls.Load(), "health must not fetch")
}

func TestTestEndpoint(t *testing.T) {
	fx := newFixture(t, false)
	status, body := getJSON(t, fx.ts.URL+"/test")
	assert.Equal(t, 200, status)
	assert.Equal(t, "operational", body["server_status"])
	result := body["test_result"].(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, float64(30), result["records"])
	assert.Equal(t, "Redash Query 3654", result["source"])
	assert.Equal(t, "1000", result["sample"].(map[string]any)["order_id"])
}

func TestTestEndpointReportsFailure(t *testing.T) {
	fx := newFixture(t, false)
	fx.fetcher.fail.Store(true)
	status, body := getJSON(t, fx.ts.URL+"/test")
	assert.Equal(t, 200, status)
	result := body["test_result"].(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "502")
}

func TestDebug(t *testing.T) {
	fx := newFixture(t, true)
	_, body := getJSON(t, fx.ts.URL+"/debug")
	cache := body["cache"].(map[string]any)
	assert.Equal(t, false, cache["has_data"])
	assert.Equal(t, float64(300), cache["window_seconds"])
	assert.Contains(t, body, "oauth")
	assert.Equal(t, float64(0), body["sessions"])

	_, err := fx.store.Get(context.Background())
	require.NoError(t, err)
	_, body = getJSON(t, fx.ts.URL+"/debug")
	cache = body["cache"].(map[string]any)
	assert.Equal(t, true, cache["has_data"])
	assert.Equal(t, true, cache["fresh"])
	assert.Equal(t, float64(30), cache["records"])
}

func TestForceRefresh(t *testing.T) {
	fx := newFixture(t, false)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(fx.ts.URL+"/force-refresh", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode)
	}
	assert.EqualValues(t, 2, fx.fetcher.calls.Load())

	fx.fetcher.fail.Store(true)
	status, body := getJSON(t, fx.ts.URL+"/force-refresh")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, false, body["success"])

	// The previous snapshot survives the failed refresh.
	require.NotNil(t, fx.store.Snapshot())
	_, body = getJSON(t, fx.ts.URL+"/debug")
	assert.Contains(t, body["cache"], "last_error")
}

func TestListOrdersAPI(t *testing.T) {
	fx := newFixture(t, false)

	_, body := getJSON(t, fx.ts.URL+"/api/orders")
	assert.Equal(t, float64(20), body["returned"])
	assert.Equal(t, float64(30), body["total"])
	first := body["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "1000", first["order_id"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders?limit=500")
	assert.Equal(t, float64(30), body["returned"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders?limit=abc")
	assert.Equal(t, float64(20), body["returned"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders?limit=12.7")
	assert.Equal(t, float64(12), body["returned"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders?limit=010")
	assert.Equal(t, float64(10), body["returned"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders?limit=1e20")
	assert.Equal(t, float64(30), body["returned"])

	resp, err := http.Get(fx.ts.URL + "/api/orders?format=summary&limit=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Contains(t, string(text), "#1000")
}

func TestSearchOrdersAPI(t *testing.T) {
	fx := newFixture(t, false)

	status, body := getJSON(t, fx.ts.URL+"/api/orders/search")
	assert.Equal(t, 400, status)
	assert.Equal(t, "q is required", body["error"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders/search?q=customer%201")
	// Customer 1, Customer 10..19
	assert.Equal(t, float64(11), body["total"])
	assert.Equal(t, float64(10), body["returned"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders/search?q=customer%201&exact=true")
	assert.Equal(t, float64(1), body["total"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders/search?q=1005&field=email")
	assert.Equal(t, float64(0), body["total"])
	assert.Empty(t, body["orders"])

	_, body = getJSON(t, fx.ts.URL+"/api/orders/search?q=c5@&field=Email")
	assert.Equal(t, float64(1), body["total"])
}

func TestGetOrderAPI(t *testing.T) {
	fx := newFixture(t, false)

	status, body := getJSON(t, fx.ts.URL+"/api/orders/1007")
	assert.Equal(t, 200, status)
	assert.Equal(t, "Customer 7", body["order"].(map[string]any)["customer_name"])

	status, body = getJSON(t, fx.ts.URL+"/api/orders/9999")
	assert.Equal(t, 404, status)
	assert.Contains(t, body["error"], "9999")
}

func TestOrdersStatsAPI(t *testing.T) {
	fx := newFixture(t, false)
	_, body := getJSON(t, fx.ts.URL+"/api/orders/stats")
	assert.Equal(t, float64(30), body["total_records"])
	detected := body["detected_fields"].(map[string]any)
	assert.Equal(t, "order_id", detected["order_number"])
	assert.Equal(t, "email", detected["email"])
	assert.Equal(t, float64(30), body["filled"].(map[string]any)["customer_name"])
}

func TestAPIStoreFailure(t *testing.T) {
	fx := newFixture(t, false)
	fx.fetcher.fail.Store(true)
	status, body := getJSON(t, fx.ts.URL+"/api/orders")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body["error"], "502")
}

func TestEndpoints(t *testing.T) {
	fx := newFixture(t, true)
	_, body := getJSON(t, fx.ts.URL+"/endpoints")
	paths := map[string]bool{}
	for _, e := range body["endpoints"].([]any) {
		paths[e.(map[string]any)["path"].(string)] = true
	}
	for _, p := range []string{"/", "/mcp", "/health", "/metrics", "/api/orders", "/api/orders/{number}", "/token", "/.well-known/oauth-authorization-server"} {
		assert.True(t, paths[p], "missing %s in %v", p, paths)
	}
}

func TestMCPRoutes(t *testing.T) {
	fx := newFixture(t, false)
	for _, path := range []string{"/", "/mcp"} {
		resp, err := http.Post(fx.ts.URL+path, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		assert.Equal(t, map[string]any{}, out["result"], path)
	}

	_, info := getJSON(t, fx.ts.URL+"/mcp")
	assert.Equal(t, "Redash Orders MCP Server", info["name"])
}

func TestCORS(t *testing.T) {
	fx := newFixture(t, false)
	req, _ := http.NewRequest(http.MethodOptions, fx.ts.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://claude.ai")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type, mcp-session-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, false)
	_, _ = getJSON(t, fx.ts.URL+"/api/orders")
	_, _ = getJSON(t, fx.ts.URL+"/api/orders")

	resp, err := http.Get(fx.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "redashmcp_cache_hits_total 1")
	assert.Contains(t, string(b), `redashmcp_http_requests_total{method="GET",status="200"} 2`)
}

func TestNoMetricsRoute(t *testing.T) {
	store := orders.NewStore(&fetcher{}, "q")
	ts := httptest.NewServer(New(Config{Store: store, MCP: &mcp.Server{Orders: store}}).Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOAuthProtectsMCP(t *testing.T) {
	fx := newFixture(t, true)

	resp, err := http.Post(fx.ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, health := getJSON(t, fx.ts.URL+"/health")
	assert.Equal(t, true, health["auth_required"])
	assert.Equal(t, true, health["oauth_enabled"])
}
