// Package orders owns the cached, normalized order data served to tools.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pouriya/redashmcp/internal/normalize"
	"github.com/pouriya/redashmcp/internal/redash"
)

// ErrNoRows is returned when the upstream answered with a valid shape but
// no usable rows.
var ErrNoRows = errors.New("upstream returned no rows")

// DefaultWindow is the default freshness window.
const DefaultWindow = 300 * time.Second

// Fetcher retrieves raw query results.
type Fetcher interface {
	Fetch(ctx context.Context) (*redash.Payload, error)
}

// Snapshot is one successful, normalized fetch.
type Snapshot struct {
	Records   []normalize.Record `json:"records"`
	Columns   []string           `json:"columns"`
	FetchedAt time.Time          `json:"fetched_at"`
	Source    string             `json:"source"`
	Skipped   int                `json:"skipped_rows"`
	Blank     int                `json:"blank_rows"`
}

// Metrics receives cache events. See NoopMetrics.
type Metrics interface {
	Hit()
	Miss()
	Fetch(outcome string, d time.Duration)
}

// NoopMetrics ignores all events.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                        {}
func (NoopMetrics) Miss()                       {}
func (NoopMetrics) Fetch(string, time.Duration) {}

// Store caches a single snapshot for a fixed freshness window.
type Store struct {
	fetcher Fetcher
	source  string
	window  time.Duration
	opts    normalize.Options
	metrics Metrics
	now     func() time.Time

	sf singleflight.Group

	mu        sync.Mutex
	snap      *Snapshot
	lastErr   error
	lastErrAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets the freshness window.
func WithWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithNormalizeOptions sets the row normalization policy.
func WithNormalizeOptions(o normalize.Options) Option {
	return func(s *Store) { s.opts = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty Store. source labels snapshots.
func NewStore(f Fetcher, source string, opts ...Option) *Store {
	s := &Store{
		fetcher: f,
		source:  source,
		window:  DefaultWindow,
		metrics: NoopMetrics{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Window returns the freshness window.
func (s *Store) Window() time.Duration { return s.window }

// Get returns the cached snapshot while it is fresh, otherwise fetches a new
// one. A failed fetch returns an error and leaves the cached snapshot as is.
func (s *Store) Get(ctx context.Context) (*Snapshot, error) {
	if snap := s.fresh(); snap != nil {
		s.metrics.Hit()
		return snap, nil
	}
	s.metrics.Miss()
	return s.fetch(ctx, false)
}

// Refresh fetches regardless of freshness.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	return s.fetch(ctx, true)
}

// Snapshot returns the last successful snapshot, fresh or not, without
// fetching. It is nil before the first success.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// LastError returns the most recent fetch failure and when it happened.
// It is cleared by the next successful fetch.
func (s *Store) LastError() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrAt, s.lastErr
}

func (s *Store) fresh() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil && s.now().Sub(s.snap.FetchedAt) < s.window {
		return s.snap
	}
	return nil
}

// fetch coalesces concurrent callers behind one upstream request. The shared
// request is not cancelled when a caller's context is.
func (s *Store) fetch(ctx context.Context, force bool) (*Snapshot, error) {
	ctx = context.WithoutCancel(ctx)
	key := "get"
	if force {
		key = "refresh"
	}
	v, err, shared := s.sf.Do(key, func() (any, error) {
		// A caller that missed just before another fetch finished.
		if snap := s.fresh(); snap != nil && !force {
			return snap, nil
		}
		return s.load(ctx)
	})
	if shared {
		slog.Debug("joined in-flight fetch", "key", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (s *Store) load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := s.fetchAndNormalize(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.Fetch(outcome(err), elapsed)
		s.mu.Lock()
		s.lastErr, s.lastErrAt = err, s.now()
		s.mu.Unlock()
		slog.Warn("fetch failed", "err", err, "duration_ms", elapsed.Milliseconds())
		return nil, err
	}
	s.metrics.Fetch("ok", elapsed)
	s.mu.Lock()
	s.snap = snap
	s.lastErr, s.lastErrAt = nil, time.Time{}
	s.mu.Unlock()
	slog.Info("fetched records",
		"records", len(snap.Records),
		"columns", len(snap.Columns),
		"skipped", snap.Skipped,
		"blank", snap.Blank,
		"duration_ms", elapsed.Milliseconds(),
	)
	return snap, nil
}

func (s *Store) fetchAndNormalize(ctx context.Context) (*Snapshot, error) {
	p, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	res := normalize.Normalize(p.Columns, p.Rows, s.opts)
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("%w (%d raw rows, %d skipped, %d blank)", ErrNoRows, len(p.Rows), res.Skipped, res.Blank)
	}
	return &Snapshot{
		Records:   res.Records,
		Columns:   res.Columns,
		FetchedAt: s.now(),
		Source:    s.source,
		Skipped:   res.Skipped,
		Blank:     res.Blank,
	}, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, redash.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, redash.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNoRows):
		return "empty"
	default:
		return "error"
	}
}
