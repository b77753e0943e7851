package mcp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pouriya/redashmcp/internal/httplog"
	"github.com/pouriya/redashmcp/internal/orders"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "redash-orders-server"
	ServerVersion   = "1.1.0"

	maxBodyBytes = 1 << 20
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Source returns the current orders snapshot.
type Source interface {
	Get(ctx context.Context) (*orders.Snapshot, error)
}

// TokenVerifier checks bearer tokens issued at runtime.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// Recorder receives per-call protocol metrics.
type Recorder interface {
	RPC(method string, code int)
	Tool(name string, isError bool)
}

// Server implements the MCP protocol over HTTP.
type Server struct {
	Orders Source
	// Token is a static bearer token. Empty means none.
	Token string
	// Verifier accepts issued tokens. When nil only Token is checked.
	Verifier TokenVerifier
	Metrics  Recorder
	// SessionTTL and MaxSessions bound the session table. Zero means
	// DefaultSessionTTL and DefaultMaxSessions.
	SessionTTL  time.Duration
	MaxSessions int

	sessionsOnce sync.Once
	sessions     sessionStore
}

func (s *Server) sessionTable() *sessionStore {
	s.sessionsOnce.Do(func() { s.sessions.init(s.SessionTTL, s.MaxSessions) })
	return &s.sessions
}

// PurgeSessions drops idle sessions and returns how many were removed.
func (s *Server) PurgeSessions() int {
	return s.sessionTable().purge()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	return s.sessionTable().count()
}

// AuthRequired reports whether POST requests need a bearer token.
func (s *Server) AuthRequired() bool {
	return s.Token != "" || s.Verifier != nil
}

// --- JSON-RPC types ---

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func rpcResult(id any, result any) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcErr(id any, code int, msg string) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func rpcErrData(id any, code int, msg string, data any) *jsonrpcResponse {
	resp := rpcErr(id, code, msg)
	resp.Error.Data = data
	return resp
}

// --- HTTP handler ---

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Info())
	case http.MethodPost:
		s.servePost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Info describes the server for GET requests.
func (s *Server) Info() map[string]any {
	return map[string]any{
		"name":          "Redash Orders MCP Server",
		"version":       ServerVersion,
		"description":   "MCP server for Redash orders data",
		"protocol":      "Model Context Protocol v" + ProtocolVersion,
		"status":        "running",
		"auth_required": s.AuthRequired(),
		"tools":         toolNames(),
		"endpoints": map[string]string{
			"mcp":       "/mcp",
			"health":    "/health",
			"test":      "/test",
			"endpoints": "/endpoints",
		},
	}
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	if s.AuthRequired() && !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		s.write(w, "", rpcErr(nil, codeInvalidRequest, "Invalid request: batch requests are not supported"))
		return
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			s.write(w, "", rpcErr(nil, codeParseError, "Parse error"))
			return
		}
		msg := "Invalid request: body must be an object"
		if typeErr.Field != "" {
			msg = "Invalid request: " + typeErr.Field + " must be a " + typeErr.Type.String()
		}
		s.write(w, "", rpcErr(req.ID, codeInvalidRequest, msg))
		return
	}

	httplog.SetRPCMethod(r.Context(), req.Method)

	if req.JSONRPC != "2.0" {
		s.write(w, req.Method, rpcErr(req.ID, codeInvalidRequest, "Invalid request: jsonrpc must be 2.0"))
		return
	}
	if req.Method == "" {
		s.write(w, req.Method, rpcErr(req.ID, codeInvalidRequest, "Invalid request: method is required"))
		return
	}

	// Notifications (no ID) get 202 Accepted
	if req.ID == nil {
		slog.Debug("notification", "method", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Method != "initialize" {
		if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
			if !s.sessionTable().touch(sid) {
				s.write(w, req.Method, rpcErr(req.ID, codeInvalidRequest, "Invalid session"))
				return
			}
		}
	}

	resp := s.safeDispatch(r.Context(), req)

	if req.Method == "initialize" && resp.Error == nil {
		if result, ok := resp.Result.(map[string]any); ok {
			if sid, ok := result["_sessionId"].(string); ok {
				w.Header().Set("Mcp-Session-Id", sid)
				delete(result, "_sessionId")
			}
		}
	}

	s.write(w, req.Method, resp)
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return false
	}
	if s.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) == 1 {
		return true
	}
	if s.Verifier == nil {
		return false
	}
	if err := s.Verifier.Verify(r.Context(), token); err != nil {
		slog.Debug("bearer token rejected", "error", err)
		return false
	}
	return true
}

func (s *Server) write(w http.ResponseWriter, method string, resp *jsonrpcResponse) {
	if s.Metrics != nil {
		code := 0
		if resp.Error != nil {
			code = resp.Error.Code
		}
		s.Metrics.RPC(metricMethod(method), code)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) safeDispatch(ctx context.Context, req jsonrpcRequest) (resp *jsonrpcResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rpc handler panic", "method", req.Method, "panic", rec)
			resp = rpcErr(req.ID, codeInternalError, "Internal error")
		}
	}()
	return s.dispatch(ctx, req)
}

func (s *Server) dispatch(ctx context.Context, req jsonrpcRequest) *jsonrpcResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized", "notifications/initialized", "ping":
		return rpcResult(req.ID, map[string]any{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return rpcResult(req.ID, map[string]any{"resources": []any{}})
	case "prompts/list":
		return rpcResult(req.ID, map[string]any{"prompts": []any{}})
	default:
		return rpcErr(req.ID, codeMethodNotFound, "Method not found: "+req.Method)
	}
}

// knownMethods are the methods dispatch answers.
var knownMethods = map[string]bool{
	"initialize":                true,
	"initialized":               true,
	"notifications/initialized": true,
	"ping":                      true,
	"tools/list":                true,
	"tools/call":                true,
	"resources/list":            true,
	"prompts/list":              true,
}

// metricMethod bounds the method label: client-chosen names are recorded
// as "unknown".
func metricMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "unknown"
}

// --- Initialize ---

func (s *Server) handleInitialize(req jsonrpcRequest) *jsonrpcResponse {
	sessionID := uuid.NewString()
	s.sessionTable().add(sessionID)

	return rpcResult(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"tools":     map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
		"_sessionId": sessionID, // stripped by servePost and set as header
	})
}

// --- Tools ---

func (s *Server) handleToolsList(req jsonrpcRequest) *jsonrpcResponse {
	tools := toolDefinitions()
	slog.Info("tool call", "tool", "list", "items", len(tools))
	return rpcResult(req.ID, map[string]any{"tools": tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req jsonrpcRequest) *jsonrpcResponse {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) == 0 {
		return rpcErr(req.ID, codeInvalidParams, "Invalid params: name is required")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcErr(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
	}
	if params.Name == "" {
		return rpcErr(req.ID, codeInvalidParams, "Invalid params: name is required")
	}

	h, ok := toolHandlers[params.Name]
	if !ok {
		return rpcErrData(req.ID, codeMethodNotFound, "Unknown tool: "+params.Name,
			map[string]any{"valid_tools": toolNames()})
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	resp, err := h(s, ctx, req.ID, params.Arguments)
	if err != nil {
		return rpcErr(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
	}
	if s.Metrics != nil {
		isErr := false
		if result, ok := resp.Result.(map[string]any); ok {
			isErr, _ = result["isError"].(bool)
		}
		s.Metrics.Tool(params.Name, isErr)
	}
	return resp
}

// --- helpers ---

func toolText(id any, text string) *jsonrpcResponse {
	return rpcResult(id, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"isError": false,
	})
}

func toolError(id any, msg string) *jsonrpcResponse {
	return rpcResult(id, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": msg},
		},
		"isError": true,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
