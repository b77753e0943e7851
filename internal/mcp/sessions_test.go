package mcp

import (
	"testing"
	"time"
)

func TestSessionStoreExpiry(t *testing.T) {
	now := time.Now()
	st := &sessionStore{now: func() time.Time { return now }}
	st.init(time.Hour, 10)

	st.add("a")
	now = now.Add(30 * time.Minute)
	st.add("b")
	if !st.touch("a") {
		t.Fatal("a expired early")
	}

	// a was used at +30m, b added at +30m; both idle for an hour at +90m.
	now = now.Add(59 * time.Minute)
	if n := st.purge(); n != 0 {
		t.Errorf("purge before ttl removed %d", n)
	}
	now = now.Add(time.Minute)
	if st.touch("b") {
		t.Error("b still live after ttl")
	}
	if n := st.purge(); n != 1 {
		t.Errorf("purge removed %d, want 1", n)
	}
	if st.count() != 0 {
		t.Errorf("count = %d", st.count())
	}
}

func TestSessionStoreEvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Now()
	st := &sessionStore{now: func() time.Time { return now }}
	st.init(time.Hour, 2)

	st.add("a")
	now = now.Add(time.Second)
	st.add("b")
	now = now.Add(time.Second)
	st.touch("a")
	now = now.Add(time.Second)
	st.add("c")

	if st.touch("b") {
		t.Error("b should have been evicted")
	}
	if !st.touch("a") || !st.touch("c") {
		t.Error("a and c should be live")
	}
}

func TestMetricMethod(t *testing.T) {
	for in, want := range map[string]string{
		"tools/call": "tools/call",
		"ping":       "ping",
		"junk":       "unknown",
		"":           "unknown",
	} {
		if got := metricMethod(in); got != want {
			t.Errorf("metricMethod(%q) = %q, want %q", in, got, want)
		}
	}
}
