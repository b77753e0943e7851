package db

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sentinel errors for known failure conditions. Use errors.Is(err, db.ErrNotFound) to check.
var (
	ErrNotFound = errors.New("not found")
	ErrExpired  = errors.New("expired")
	ErrInvalid  = errors.New("invalid credentials")
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

//go:embed schema.sql
var schemaSQL string

// DB wraps the SQLite connection and holds OAuth clients, authorization
// codes and access tokens. Secrets are stored as HMAC-SHA256 digests.
type DB struct {
	db     *sql.DB
	secret []byte
	now    func() time.Time
}

// Client is a registered OAuth client. Secret is only set on the value
// returned by RegisterClient.
type Client struct {
	ID           string   `json:"client_id"`
	Name         string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	CreatedAt    string   `json:"created_at"`
	Secret       string   `json:"client_secret,omitempty"`
	Confidential bool     `json:"-"`
}

// Code is a pending authorization code.
type Code struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	ExpiresAt           time.Time
}

// Token is an issued access token.
type Token struct {
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// Stats counts registry rows.
type Stats struct {
	Clients int `json:"clients"`
	Codes   int `json:"pending_codes"`
	Tokens  int `json:"active_tokens"`
}

// Open opens (or creates) a SQLite database at path, runs PRAGMAs and schema.
// Use Memory for a database that lives as long as the returned DB.
func Open(path string, secret []byte) (*DB, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("open db: secret must not be empty")
	}
	if path == "" {
		path = Memory
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if path == Memory {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &DB{db: sqlDB, secret: secret, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// SetClock overrides time.Now. Tests only.
func (d *DB) SetClock(now func() time.Time) { d.now = now }

// --- clients ---

// RegisterClient stores a new client. Confidential clients get a secret,
// returned once in Client.Secret.
func (d *DB) RegisterClient(ctx context.Context, name string, redirectURIs []string, confidential bool) (*Client, error) {
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("register client: at least one redirect uri is required")
	}
	c := &Client{
		ID:           uuid.NewString(),
		Name:         name,
		RedirectURIs: redirectURIs,
		Confidential: confidential,
	}
	secretHash := ""
	if confidential {
		secret, err := RandomToken()
		if err != nil {
			return nil, err
		}
		c.Secret = secret
		secretHash = d.hash(secret)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, redirect_uris, secret_hash) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, strings.Join(redirectURIs, "\n"), secretHash,
	)
	if err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	row := d.db.QueryRowContext(ctx, `SELECT created_at FROM clients WHERE id = ?`, c.ID)
	if err := row.Scan(&c.CreatedAt); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	return c, nil
}

// GetClient returns the client with the given id.
func (d *DB) GetClient(ctx context.Context, id string) (*Client, error) {
	c := &Client{}
	var uris, secretHash string
	row := d.db.QueryRowContext(ctx,
		`SELECT id, name, redirect_uris, secret_hash, created_at FROM clients WHERE id = ?`, id)
	if err := row.Scan(&c.ID, &c.Name, &uris, &secretHash, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	if uris != "" {
		c.RedirectURIs = strings.Split(uris, "\n")
	}
	c.Confidential = secretHash != ""
	return c, nil
}

// VerifyClientSecret checks secret against a confidential client.
// Public clients always pass.
func (d *DB) VerifyClientSecret(ctx context.Context, id, secret string) error {
	var stored string
	if err := d.db.QueryRowContext(ctx, `SELECT secret_hash FROM clients WHERE id = ?`, id).Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("verify client: %w", err)
	}
	if stored == "" {
		return nil
	}
	if !hmac.Equal([]byte(stored), []byte(d.hash(secret))) {
		return fmt.Errorf("client %s: %w", id, ErrInvalid)
	}
	return nil
}

// --- authorization codes ---

// CreateCode stores c and returns the raw code to hand to the client.
func (d *DB) CreateCode(ctx context.Context, c Code, ttl time.Duration) (string, error) {
	code, err := RandomToken()
	if err != nil {
		return "", err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code_hash, client_id, redirect_uri, code_challenge, code_challenge_method, scope, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.hash(code), c.ClientID, c.RedirectURI, c.CodeChallenge, c.CodeChallengeMethod, c.Scope,
		d.now().Add(ttl).Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("create code: %w", err)
	}
	return code, nil
}

// ConsumeCode returns the code and deletes it. A code can be consumed once.
func (d *DB) ConsumeCode(ctx context.Context, code string) (*Code, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	h := d.hash(code)
	c := &Code{}
	var expires int64
	row := tx.QueryRowContext(ctx,
		`SELECT client_id, redirect_uri, code_challenge, code_challenge_method, scope, expires_at
		 FROM auth_codes WHERE code_hash = ?`, h)
	if err := row.Scan(&c.ClientID, &c.RedirectURI, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Scope, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("authorization code: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_codes WHERE code_hash = ?`, h); err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	c.ExpiresAt = time.Unix(expires, 0)
	if !d.now().Before(c.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", ErrExpired)
	}
	return c, nil
}

// --- tokens ---

// IssueToken stores a new access token and returns its raw value.
func (d *DB) IssueToken(ctx context.Context, clientID, scope string, ttl time.Duration) (string, *Token, error) {
	raw, err := RandomToken()
	if err != nil {
		return "", nil, err
	}
	t := &Token{ClientID: clientID, Scope: scope, ExpiresAt: d.now().Add(ttl).Truncate(time.Second)}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO tokens (token_hash, client_id, scope, expires_at) VALUES (?, ?, ?, ?)`,
		d.hash(raw), clientID, scope, t.ExpiresAt.Unix(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("issue token: %w", err)
	}
	return raw, t, nil
}

// LookupToken returns the token if it exists and has not expired.
func (d *DB) LookupToken(ctx context.Context, raw string) (*Token, error) {
	t := &Token{}
	var expires int64
	row := d.db.QueryRowContext(ctx,
		`SELECT client_id, scope, expires_at FROM tokens WHERE token_hash = ?`, d.hash(raw))
	if err := row.Scan(&t.ClientID, &t.Scope, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	t.ExpiresAt = time.Unix(expires, 0)
	if !d.now().Before(t.ExpiresAt) {
		return nil, fmt.Errorf("token: %w", ErrExpired)
	}
	return t, nil
}

// RevokeToken deletes a token. Unknown tokens are not an error.
func (d *DB) RevokeToken(ctx context.Context, raw string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM tokens WHERE token_hash = ?`, d.hash(raw)); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired codes and tokens and returns how many rows
// were removed.
func (d *DB) PurgeExpired(ctx context.Context) (int64, error) {
	now := d.now().Unix()
	var total int64
	for _, q := range []string{
		`DELETE FROM auth_codes WHERE expires_at <= ?`,
		`DELETE FROM tokens WHERE expires_at <= ?`,
	} {
		res, err := d.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		slog.Debug("purged expired oauth rows", "rows", total)
	}
	return total, nil
}

// Stats returns row counts.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	now := d.now().Unix()
	row := d.db.QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM clients),
		(SELECT count(*) FROM auth_codes WHERE expires_at > ?),
		(SELECT count(*) FROM tokens WHERE expires_at > ?)`, now, now)
	if err := row.Scan(&s.Clients, &s.Codes, &s.Tokens); err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// --- helpers ---

// RandomToken returns 32 random bytes, base64url encoded.
func RandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (d *DB) hash(token string) string {
	h := hmac.New(sha256.New, d.secret)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
