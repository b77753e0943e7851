package httplog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recorder struct {
	method string
	status int
}

func (r *recorder) HTTP(method string, status int) {
	r.method = method
	r.status = status
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestMiddleware(t *testing.T) {
	buf := captureLogs(t)
	rec := &recorder{}
	h := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetRPCMethod(r.Context(), "tools/call")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/mcp", nil))

	if rec.method != "POST" || rec.status != http.StatusTeapot {
		t.Errorf("recorder got %s %d", rec.method, rec.status)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v (%q)", err, buf.String())
	}
	if line["msg"] != "http request" {
		t.Errorf("msg = %v", line["msg"])
	}
	if line["rpc_method"] != "tools/call" {
		t.Errorf("rpc_method = %v", line["rpc_method"])
	}
	if line["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", line["status"])
	}
	if line["path"] != "/mcp" {
		t.Errorf("path = %v", line["path"])
	}
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	captureLogs(t)
	rec := &recorder{}
	h := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	if rec.status != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.status)
	}
}

func TestSetRPCMethodWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	SetRPCMethod(r.Context(), "ping")
}
