package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Hit()
	m.Hit()
	m.Miss()
	m.Fetch("ok", 120*time.Millisecond)
	m.Fetch("unavailable", time.Second)
	m.RPC("tools/call", 0)
	m.RPC("", -32700)
	m.Tool("list_orders", false)
	m.HTTP("POST", 200)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("unknown", "-32700")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("list_orders", "ok")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Hit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "redashmcp_cache_hits_total 1")
}
