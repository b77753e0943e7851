// Package redash fetches query results from a Redash instance.
package redash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

// Sentinel errors for upstream failures. Use errors.Is to check.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrMalformed   = errors.New("malformed upstream response")
)

const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps the response body. Larger bodies are rejected.
var maxBodyBytes int64 = 64 << 20

// marker prefixes the strings that stand in for bare NaN and Infinity
// literals while the body goes through the JSON parsers.
const marker = "\x00"

var nonFinite = []struct {
	token string
	value float64
}{
	{"-Infinity", math.Inf(-1)},
	{"Infinity", math.Inf(1)},
	{"NaN", math.NaN()},
}

// Payload is the raw tabular data of a query result.
type Payload struct {
	Columns []any
	Rows    []any
}

// Client fetches the results of one fixed query.
type Client struct {
	BaseURL string
	QueryID string
	APIKey  string // sent as "Authorization: Key <APIKey>" when set
	HTTP    *http.Client
}

// New returns a Client with a bounded timeout.
func New(baseURL, queryID, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		QueryID: queryID,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// URL is the results endpoint of the configured query.
func (c *Client) URL() string {
	return fmt.Sprintf("%s/api/queries/%s/results.json", c.BaseURL, c.QueryID)
}

// Source is a human-readable label for the configured query.
func (c *Client) Source() string {
	return "Redash Query " + c.QueryID
}

// Fetch issues a single GET for the query results and extracts the
// rows/columns block. There is no retry.
func (c *Client) Fetch(ctx context.Context) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Key "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	slog.Debug("upstream response",
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	if int64(len(body)) > maxBodyBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrMalformed, maxBodyBytes)
	}
	return Parse(body)
}

// Parse extracts query_result.data.{columns,rows} from a response body.
// The error names the first missing or mistyped key. Bare NaN, Infinity
// and -Infinity values decode to the matching float64.
func Parse(body []byte) (*Payload, error) {
	body, quoted := quoteNonFinite(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformed)
	}
	path := []string{"query_result", "data"}
	for i := range path {
		_, typ, _, err := jsonparser.Get(body, path[:i+1]...)
		if errors.Is(err, jsonparser.KeyPathNotFoundError) || typ == jsonparser.Null {
			return nil, fmt.Errorf("%w: missing key %q", ErrMalformed, strings.Join(path[:i+1], "."))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if typ != jsonparser.Object {
			return nil, fmt.Errorf("%w: key %q is %s, want object", ErrMalformed, strings.Join(path[:i+1], "."), typ)
		}
	}

	p := &Payload{}
	var err error
	if p.Rows, err = array(body, "rows", quoted); err != nil {
		return nil, err
	}
	if p.Columns, err = array(body, "columns", quoted); err != nil {
		return nil, err
	}
	return p, nil
}

func array(body []byte, key string, quoted bool) ([]any, error) {
	name := "query_result.data." + key
	v, typ, _, err := jsonparser.Get(body, "query_result", "data", key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, fmt.Errorf("%w: missing key %q", ErrMalformed, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if typ != jsonparser.Array {
		return nil, fmt.Errorf("%w: key %q is %s, want array", ErrMalformed, name, typ)
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformed, name, err)
	}
	if quoted {
		restoreNonFinite(out)
	}
	return out, nil
}

// quoteNonFinite rewrites bare NaN and Infinity literals outside strings
// into marker strings. It reports whether anything was rewritten.
func quoteNonFinite(body []byte) ([]byte, bool) {
	if !bytes.Contains(body, []byte("NaN")) && !bytes.Contains(body, []byte("Infinity")) {
		return body, false
	}
	var (
		out              []byte
		last             int
		inString, escape bool
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		for _, nf := range nonFinite {
			if !bytes.HasPrefix(body[i:], []byte(nf.token)) {
				continue
			}
			out = append(out, body[last:i]...)
			out = append(out, `"\u0000`...)
			out = append(out, nf.token...)
			out = append(out, '"')
			i += len(nf.token) - 1
			last = i + 1
			break
		}
	}
	if out == nil {
		return body, false
	}
	return append(out, body[last:]...), true
}

func restoreNonFinite(v any) any {
	switch x := v.(type) {
	case string:
		if !strings.HasPrefix(x, marker) {
			return v
		}
		for _, nf := range nonFinite {
			if x == marker+nf.token {
				return nf.value
			}
		}
	case []any:
		for i := range x {
			x[i] = restoreNonFinite(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = restoreNonFinite(x[k])
		}
	}
	return v
}
