package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func open(t *testing.T) *DB {
	t.Helper()
	d, err := Open(Memory, []byte("test-secret"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenRequiresSecret(t *testing.T) {
	if _, err := Open(Memory, nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestRegisterAndGetClient(t *testing.T) {
	d := open(t)
	ctx := context.Background()

	c, err := d.RegisterClient(ctx, "claude", []string{"https://a.example/cb", "http://localhost:1234/cb"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == "" || c.CreatedAt == "" || c.Secret != "" {
		t.Errorf("public client = %+v", c)
	}

	got, err := d.GetClient(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "claude" || len(got.RedirectURIs) != 2 || got.RedirectURIs[1] != "http://localhost:1234/cb" {
		t.Errorf("got %+v", got)
	}
	if got.Confidential {
		t.Error("public client reported as confidential")
	}

	if _, err := d.GetClient(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing client: got %v", err)
	}
	if _, err := d.RegisterClient(ctx, "x", nil, false); err == nil {
		t.Error("expected error without redirect uris")
	}
}

func TestClientSecret(t *testing.T) {
	d := open(t)
	ctx := context.Background()

	c, err := d.RegisterClient(ctx, "server", []string{"https://a.example/cb"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if c.Secret == "" {
		t.Fatal("confidential client without secret")
	}
	if err := d.VerifyClientSecret(ctx, c.ID, c.Secret); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if err := d.VerifyClientSecret(ctx, c.ID, "wrong"); !errors.Is(err, ErrInvalid) {
		t.Errorf("wrong secret: got %v", err)
	}

	pub, _ := d.RegisterClient(ctx, "public", []string{"https://a.example/cb"}, false)
	if err := d.VerifyClientSecret(ctx, pub.ID, ""); err != nil {
		t.Errorf("public client: %v", err)
	}
}

func TestConsumeCodeOnce(t *testing.T) {
	d := open(t)
	ctx := context.Background()
	c, _ := d.RegisterClient(ctx, "claude", []string{"https://a.example/cb"}, false)

	code, err := d.CreateCode(ctx, Code{
		ClientID:            c.ID,
		RedirectURI:         "https://a.example/cb",
		CodeChallenge:       "abc",
		CodeChallengeMethod: "S256",
		Scope:               "orders",
	}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	got, err := d.ConsumeCode(ctx, code)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientID != c.ID || got.CodeChallenge != "abc" || got.Scope != "orders" {
		t.Errorf("got %+v", got)
	}
	if _, err := d.ConsumeCode(ctx, code); !errors.Is(err, ErrNotFound) {
		t.Errorf("second consume: got %v", err)
	}
}

func TestCodeExpires(t *testing.T) {
	d := open(t)
	ctx := context.Background()
	now := time.Now()
	d.SetClock(func() time.Time { return now })
	c, _ := d.RegisterClient(ctx, "claude", []string{"https://a.example/cb"}, false)

	code, _ := d.CreateCode(ctx, Code{ClientID: c.ID, RedirectURI: "https://a.example/cb"}, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, err := d.ConsumeCode(ctx, code); !errors.Is(err, ErrExpired) {
		t.Errorf("expired code: got %v", err)
	}
}

func TestTokens(t *testing.T) {
	d := open(t)
	ctx := context.Background()
	now := time.Now()
	d.SetClock(func() time.Time { return now })
	c, _ := d.RegisterClient(ctx, "claude", []string{"https://a.example/cb"}, false)

	raw, tok, err := d.IssueToken(ctx, c.ID, "orders", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || tok.ClientID != c.ID {
		t.Fatalf("issued %q %+v", raw, tok)
	}

	got, err := d.LookupToken(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Scope != "orders" {
		t.Errorf("scope = %q", got.Scope)
	}
	if _, err := d.LookupToken(ctx, raw+"x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token: got %v", err)
	}

	st, err := d.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Clients != 1 || st.Tokens != 1 {
		t.Errorf("stats = %+v", st)
	}

	now = now.Add(2 * time.Hour)
	if _, err := d.LookupToken(ctx, raw); !errors.Is(err, ErrExpired) {
		t.Errorf("expired token: got %v", err)
	}
	n, err := d.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("purge = %d, %v", n, err)
	}
	if _, err := d.LookupToken(ctx, raw); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged token: got %v", err)
	}
}

func TestRevokeToken(t *testing.T) {
	d := open(t)
	ctx := context.Background()
	c, _ := d.RegisterClient(ctx, "claude", []string{"https://a.example/cb"}, false)
	raw, _, _ := d.IssueToken(ctx, c.ID, "", time.Hour)

	if err := d.RevokeToken(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if _, err := d.LookupToken(ctx, raw); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoked token: got %v", err)
	}
	if err := d.RevokeToken(ctx, "never-issued"); err != nil {
		t.Errorf("revoke unknown: %v", err)
	}
}

func TestTokensAreHashedWithSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")
	d, err := Open(path, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c, _ := d.RegisterClient(ctx, "claude", []string{"https://a.example/cb"}, false)
	raw, _, _ := d.IssueToken(ctx, c.ID, "", time.Hour)

	var stored string
	if err := d.db.QueryRow(`SELECT token_hash FROM tokens`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stored, raw) || len(stored) != 64 {
		t.Errorf("stored hash %q", stored)
	}
	d.Close()

	other, err := Open(path, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.LookupToken(ctx, raw); !errors.Is(err, ErrNotFound) {
		t.Errorf("token verified under a different secret: %v", err)
	}
}
