package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/pouriya/redashmcp/internal/db"
	"github.com/pouriya/redashmcp/internal/mcp"
	"github.com/pouriya/redashmcp/internal/metrics"
	"github.com/pouriya/redashmcp/internal/normalize"
	"github.com/pouriya/redashmcp/internal/oauth"
	"github.com/pouriya/redashmcp/internal/orders"
	"github.com/pouriya/redashmcp/internal/redash"
	"github.com/pouriya/redashmcp/internal/render"
	"github.com/pouriya/redashmcp/internal/server"
)

const (
	defaultPort    = "5000"
	defaultQueryID = "3654"
	purgeInterval  = 10 * time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "fetch":
		cmdFetch(os.Args[2:])
	case "export":
		cmdExport(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `redashmcp - Redash orders over MCP

Usage:
  redashmcp <command> [flags]

Commands:
  serve    Start the MCP HTTP server
  fetch    Fetch the query once and print the records
  export   Fetch the query and write all records to a file

Environment variables (a .env file is loaded first when present):
  PORT              Listen port (default: %s)
  REDASH_URL        Redash base URL (required)
  REDASH_QUERY_ID   Query id (default: %s)
  REDASH_API_KEY    Redash API key
  ORDERS_TOKEN      Static bearer token for the MCP endpoint
  ORDERS_OAUTH      Enable the OAuth endpoints (true/false)
  SECRET_KEY        Key for hashing OAuth secrets (random per process if unset)
  CACHE_TTL         Freshness window, seconds or a duration (default: %s)
  UPSTREAM_TIMEOUT  Redash request timeout (default: %s)
  ORDERS_DEBUG      Enable debug logging (any non-empty value)

Run 'redashmcp <command> --help' for more information.
`, defaultPort, defaultQueryID, orders.DefaultWindow, redash.DefaultTimeout)
}

// upstream holds the flags shared by every command that talks to Redash.
type upstream struct {
	url     *string
	queryID *string
	apiKey  *string
	timeout *string
	blank   *bool
}

func upstreamFlags(fs *flag.FlagSet) *upstream {
	return &upstream{
		url:     fs.String("redash-url", "", "Redash base URL"),
		queryID: fs.String("query", "", "Redash query id"),
		apiKey:  fs.String("api-key", "", "Redash API key"),
		timeout: fs.String("timeout", "", "Upstream request timeout"),
		blank:   fs.Bool("keep-blank-rows", false, "Keep rows whose values are all empty"),
	}
}

func (u *upstream) client() *redash.Client {
	base := resolve(*u.url, "REDASH_URL", "")
	if base == "" {
		fatal("REDASH_URL is required (flag --redash-url)")
	}
	timeout := duration(resolve(*u.timeout, "UPSTREAM_TIMEOUT", ""), redash.DefaultTimeout)
	return redash.New(base, resolve(*u.queryID, "REDASH_QUERY_ID", defaultQueryID), resolve(*u.apiKey, "REDASH_API_KEY", ""), timeout)
}

func (u *upstream) normalizeOptions() normalize.Options {
	return normalize.Options{KeepBlankRows: *u.blank}
}

// --- serve ---

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", "", "Listen port")
	token := fs.String("token", "", "Bearer token for auth (empty = no static token)")
	enableOAuth := fs.Bool("oauth", false, "Enable the OAuth authorization server")
	issuer := fs.String("issuer", "", "Public base URL advertised in OAuth metadata")
	ttl := fs.String("cache-ttl", "", "Cache freshness window")
	sessionTTL := fs.String("session-ttl", "", "Idle time before an MCP session expires")
	debug := fs.Bool("debug", false, "Enable debug logging")
	up := upstreamFlags(fs)
	fs.Parse(args)

	listenAddr := ":" + resolve(*port, "PORT", defaultPort)
	authToken := resolve(*token, "ORDERS_TOKEN", "")
	window := duration(resolve(*ttl, "CACHE_TTL", ""), orders.DefaultWindow)
	if !*enableOAuth {
		*enableOAuth = cast.ToBool(os.Getenv("ORDERS_OAUTH"))
	}
	if !*debug && os.Getenv("ORDERS_DEBUG") != "" {
		*debug = true
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	client := up.client()
	m := metrics.New()
	store := orders.NewStore(client, client.Source(),
		orders.WithWindow(window),
		orders.WithMetrics(m),
		orders.WithNormalizeOptions(up.normalizeOptions()),
	)
	mcpServer := &mcp.Server{
		Orders:     store,
		Token:      authToken,
		Metrics:    m,
		SessionTTL: duration(resolve(*sessionTTL, "SESSION_TTL", ""), mcp.DefaultSessionTTL),
	}
	cfg := server.Config{
		Store:    store,
		MCP:      mcpServer,
		Metrics:  m,
		Upstream: client.URL(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableOAuth {
		secret := os.Getenv("SECRET_KEY")
		if secret == "" {
			var err error
			if secret, err = db.RandomToken(); err != nil {
				fatal("serve: %v", err)
			}
			slog.Warn("SECRET_KEY is not set; using a random key, issued tokens will not survive a restart")
		}
		d, err := db.Open(db.Memory, []byte(secret))
		if err != nil {
			fatal("serve: %v", err)
		}
		defer d.Close()
		cfg.OAuth = &oauth.Server{DB: d, Issuer: *issuer}
		mcpServer.Verifier = cfg.OAuth
		go purgeLoop(ctx, mcpServer, d)
	} else {
		go purgeLoop(ctx, mcpServer, nil)
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           server.New(cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("server starting",
		"addr", listenAddr,
		"upstream", client.URL(),
		"cache_ttl", window.String(),
		"auth", mcpServer.AuthRequired(),
		"oauth", *enableOAuth,
		"debug", *debug,
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal("serve: %v", err)
		}
	case <-ctx.Done():
		slog.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}
}

// purgeLoop drops idle MCP sessions and, when d is set, expired OAuth grants.
func purgeLoop(ctx context.Context, s *mcp.Server, d *db.DB) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.PurgeSessions(); n > 0 {
				slog.Debug("purged idle sessions", "count", n, "live", s.Sessions())
			}
			if d == nil {
				continue
			}
			n, err := d.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("purge expired oauth grants", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired oauth grants", "count", n)
			}
		}
	}
}

// --- fetch ---

func cmdFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Number of records to print")
	up := upstreamFlags(fs)
	fs.Parse(args)

	snap := fetchOnce(up)

	fmt.Printf("Source:  %s\n", snap.Source)
	fmt.Printf("Columns: %s\n", strings.Join(snap.Columns, ", "))
	fmt.Printf("Records: %s (skipped %d malformed, %d blank)\n\n",
		humanize.Comma(int64(len(snap.Records))), snap.Skipped, snap.Blank)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(snap.Columns, "\t")))
	for i, rec := range snap.Records {
		if i >= *limit {
			break
		}
		vals := make([]string, len(snap.Columns))
		for j, c := range snap.Columns {
			vals[j] = rec[c]
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
	if n := len(snap.Records); n > *limit {
		fmt.Printf("\n... and %d more\n", n-*limit)
	}
}

// --- export ---

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "export", "Output directory")
	format := fs.String("format", "json", "Output format: json or csv")
	up := upstreamFlags(fs)
	fs.Parse(args)

	if *format != "json" && *format != "csv" {
		fatal("export: unknown format %q (want json or csv)", *format)
	}

	snap := fetchOnce(up)
	if len(snap.Records) == 0 {
		fmt.Println("No records to export.")
		return
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		fatal("mkdir: %v", err)
	}
	filename := filepath.Join(*out, "orders."+*format)
	f, err := os.Create(filename)
	if err != nil {
		fatal("create %s: %v", filename, err)
	}
	defer f.Close()

	if *format == "csv" {
		err = writeCSV(f, snap)
	} else {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(snap)
	}
	if err != nil {
		fatal("write %s: %v", filename, err)
	}
	fmt.Printf("%s records exported to %s\n", humanize.Comma(int64(len(snap.Records))), filename)
}

// writeCSV writes one row per record. The header is the snapshot columns
// followed by any extra keys found in keyed rows.
func writeCSV(f io.Writer, snap *orders.Snapshot) error {
	header := append([]string(nil), snap.Columns...)
	seen := make(map[string]bool, len(header))
	for _, c := range header {
		seen[c] = true
	}
	for _, rec := range snap.Records {
		for _, k := range render.Keys(rec, snap.Columns) {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, rec := range snap.Records {
		for i, k := range header {
			row[i] = rec[k]
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func fetchOnce(up *upstream) *orders.Snapshot {
	client := up.client()
	store := orders.NewStore(client, client.Source(), orders.WithNormalizeOptions(up.normalizeOptions()))
	snap, err := store.Get(context.Background())
	if err != nil {
		fatal("fetch: %v", err)
	}
	return snap
}

// --- helpers ---

// resolve returns the flag value if non-empty, otherwise the env var, otherwise the default.
func resolve(flagVal, envKey, def string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return def
}

// duration parses a bare number as seconds, anything else as a Go duration.
// Empty or invalid values yield def.
func duration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, err := cast.ToIntE(s); err == nil {
		if n <= 0 {
			return def
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid duration %q, using %s\n", s, def)
		return def
	}
	return d
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
