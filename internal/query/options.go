package query

import (
	"math"
	"time"
)

// Infinite disables a time based policy: a value with an Infinite stale time
// never goes stale, an entry with Infinite retention is never evicted.
const Infinite time.Duration = math.MaxInt64

const (
	// DefaultRetention is how long an unobserved entry stays cached.
	DefaultRetention = 5 * time.Minute
	// DefaultSweepInterval is how often unobserved entries are swept.
	DefaultSweepInterval = time.Minute
)

// Options is the per-query configuration. It is never mutated after a call
// has merged it.
type Options struct {
	// StaleTime is how long a fetched value stays fresh. Zero means values are
	// stale as soon as they arrive.
	StaleTime time.Duration
	// Retention is how long an entry survives without observers.
	Retention time.Duration
	// RefetchOnRefocus refetches stale entries on Refocus.
	RefetchOnRefocus bool
	// Enabled allows automatic fetches. A disabled subscriber only observes.
	Enabled bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		StaleTime:        0,
		Retention:        DefaultRetention,
		RefetchOnRefocus: true,
		Enabled:          true,
	}
}

// Option adjusts Options for a single call.
type Option func(*Options)

// WithStaleTime sets how long fetched values stay fresh.
func WithStaleTime(d time.Duration) Option {
	return func(o *Options) { o.StaleTime = clamp(d) }
}

// WithRetention sets how long an unobserved entry is kept.
func WithRetention(d time.Duration) Option {
	return func(o *Options) { o.Retention = clamp(d) }
}

// WithRefetchOnRefocus toggles refetching stale entries on Refocus.
func WithRefetchOnRefocus(v bool) Option {
	return func(o *Options) { o.RefetchOnRefocus = v }
}

// WithEnabled toggles automatic fetching.
func WithEnabled(v bool) Option {
	return func(o *Options) { o.Enabled = v }
}

func (o Options) merge(opts []Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// after adds d to t, saturating at the zero time which stands for never.
func after(t time.Time, d time.Duration) time.Time {
	if d == Infinite {
		return time.Time{}
	}
	return t.Add(d)
}

type config struct {
	clock    Clock
	sweep    time.Duration
	defaults Options
}

// CacheOption configures a Cache.
type CacheOption func(*config)

// WithClock sets the time source. Tests use it to control staleness and
// retention.
func WithClock(c Clock) CacheOption {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithSweepInterval sets how often unobserved entries are evicted. Zero
// disables the background sweep; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) CacheOption {
	return func(cfg *config) { cfg.sweep = clamp(d) }
}

// WithDefaults sets options applied before every per-call option.
func WithDefaults(opts ...Option) CacheOption {
	return func(cfg *config) { cfg.defaults = cfg.defaults.merge(opts) }
}
