// Package oauth serves a minimal OAuth 2.1 authorization server for MCP
// clients: metadata discovery, dynamic client registration, an auto-approving
// authorization endpoint with PKCE and a code-for-token exchange.
package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pouriya/redashmcp/internal/db"
)

const (
	DefaultCodeTTL  = 10 * time.Minute
	DefaultTokenTTL = time.Hour

	maxRegisterBytes = 64 << 10
)

// Server implements the OAuth endpoints on top of a db.DB registry.
type Server struct {
	DB *db.DB
	// Issuer is the public base URL. Empty derives it from each request.
	Issuer   string
	CodeTTL  time.Duration
	TokenTTL time.Duration
}

// Routes mounts the OAuth endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", s.Metadata)
	r.Post("/register", s.Register)
	r.Get("/authorize", s.Authorize)
	r.Post("/token", s.Token)
}

// Verify accepts tokens issued by this server that have not expired.
func (s *Server) Verify(ctx context.Context, token string) error {
	_, err := s.DB.LookupToken(ctx, token)
	return err
}

// Metadata serves the authorization server metadata document (RFC 8414).
func (s *Server) Metadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.issuer(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
	})
}

type registerRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register implements dynamic client registration (RFC 7591).
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBytes)).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "body must be a JSON object")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, u := range req.RedirectURIs {
		if err := validRedirect(u); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
	}
	method := req.TokenEndpointAuthMethod
	switch method {
	case "":
		method = "none"
	case "none", "client_secret_post":
	default:
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "unsupported token_endpoint_auth_method "+method)
		return
	}

	c, err := s.DB.RegisterClient(r.Context(), req.ClientName, req.RedirectURIs, method == "client_secret_post")
	if err != nil {
		slog.Error("register client", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "could not register client")
		return
	}
	slog.Info("oauth client registered", "client_id", c.ID, "client_name", c.Name)

	resp := map[string]any{
		"client_id":                  c.ID,
		"client_name":                c.Name,
		"redirect_uris":              c.RedirectURIs,
		"client_id_issued_at":        time.Now().Unix(),
		"token_endpoint_auth_method": method,
		"grant_types":                []string{"authorization_code"},
		"response_types":             []string{"code"},
	}
	if c.Secret != "" {
		resp["client_secret"] = c.Secret
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Authorize approves every request from a registered client and redirects
// back with a code. Errors that cannot be redirected are rendered as JSON.
func (s *Server) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	c, err := s.DB.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
			return
		}
		slog.Error("authorize", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" && len(c.RedirectURIs) == 1 {
		redirectURI = c.RedirectURIs[0]
	}
	if !contains(c.RedirectURIs, redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	state := q.Get("state")
	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type")
		return
	}
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge != "" && method == "" {
		method = "plain"
	}
	if method != "" && method != "S256" && method != "plain" {
		redirectError(w, r, redirectURI, state, "invalid_request")
		return
	}
	if challenge == "" && !c.Confidential {
		redirectError(w, r, redirectURI, state, "invalid_request")
		return
	}

	code, err := s.DB.CreateCode(r.Context(), db.Code{
		ClientID:            c.ID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               q.Get("scope"),
	}, s.codeTTL())
	if err != nil {
		slog.Error("create code", "error", err)
		redirectError(w, r, redirectURI, state, "server_error")
		return
	}

	v := url.Values{"code": {code}}
	if state != "" {
		v.Set("state", state)
	}
	slog.Info("oauth code issued", "client_id", c.ID)
	http.Redirect(w, r, withQuery(redirectURI, v), http.StatusFound)
}

// Token exchanges an authorization code for an access token.
func (s *Server) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code")
		return
	}

	ctx := r.Context()
	code, err := s.DB.ConsumeCode(ctx, r.PostForm.Get("code"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrExpired) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		slog.Error("consume code", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		clientID = code.ClientID
	}
	if clientID != code.ClientID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to another client")
		return
	}
	if ru := r.PostForm.Get("redirect_uri"); ru != "" && ru != code.RedirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := s.DB.VerifyClientSecret(ctx, clientID, r.PostForm.Get("client_secret")); err != nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if code.CodeChallenge != "" && !VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, r.PostForm.Get("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
		return
	}

	raw, tok, err := s.DB.IssueToken(ctx, clientID, code.Scope, s.tokenTTL())
	if err != nil {
		slog.Error("issue token", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	slog.Info("oauth token issued", "client_id", clientID, "expires_at", tok.ExpiresAt)

	w.Header().Set("Pragma", "no-cache")
	resp := map[string]any{
		"access_token": raw,
		"token_type":   "Bearer",
		"expires_in":   int(s.tokenTTL().Seconds()),
	}
	if tok.Scope != "" {
		resp["scope"] = tok.Scope
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyPKCE checks a code_verifier against a stored challenge.
func VerifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	var computed string
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case "plain", "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// --- helpers ---

func (s *Server) issuer(r *http.Request) string {
	if s.Issuer != "" {
		return strings.TrimRight(s.Issuer, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func (s *Server) codeTTL() time.Duration {
	if s.CodeTTL > 0 {
		return s.CodeTTL
	}
	return DefaultCodeTTL
}

func (s *Server) tokenTTL() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return DefaultTokenTTL
}

func validRedirect(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("redirect uri %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not contain a fragment", raw)
	}
	return nil
}

func withQuery(base string, v url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + v.Encode()
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code string) {
	v := url.Values{"error": {code}}
	if state != "" {
		v.Set("state", state)
	}
	http.Redirect(w, r, withQuery(redirectURI, v), http.StatusFound)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
