// Package httplog logs one line per HTTP request with slog.
package httplog

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Recorder receives the method and status of every response.
type Recorder interface {
	HTTP(method string, status int)
}

type ctxKey struct{}

type fields struct {
	rpcMethod string
}

// SetRPCMethod attaches the JSON-RPC method to the request log line.
func SetRPCMethod(ctx context.Context, method string) {
	if f, ok := ctx.Value(ctxKey{}).(*fields); ok {
		f.rpcMethod = method
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware logs every request. rec may be nil.
func Middleware(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			f := &fields{}
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, f))

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			if rec != nil {
				rec.HTTP(r.Method, rw.status)
			}

			if slog.Default().Enabled(r.Context(), slog.LevelDebug) {
				slog.Debug("http request detail",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rw.status,
					"duration_ms", duration.Milliseconds(),
					"rpc_method", f.rpcMethod,
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent(),
					"response_bytes", rw.bytes,
				)
			} else {
				slog.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rw.status,
					"duration_ms", duration.Milliseconds(),
					"rpc_method", f.rpcMethod,
				)
			}
		})
	}
}
