package query

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/singleflight"
)

// Fetcher produces the value for a query. It is called at most once per
// in-flight fetch with the cache's base context, which is cancelled by Close.
// Timeouts and retries belong in the Fetcher, not the cache.
type Fetcher func(ctx context.Context) (any, error)

// Cache holds query entries keyed by Key. It is safe for concurrent use by
// multiple goroutines.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	flights singleflight.Group
	seq     uint64
	clock   Clock
	cfg     config
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Cache and starts its sweep loop unless disabled.
func New(opts ...CacheOption) *Cache {
	cfg := config{
		clock:    realClock{},
		sweep:    DefaultSweepInterval,
		defaults: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries: make(map[string]*entry),
		clock:   cfg.clock,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.sweep > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c
}

// Subscribe registers an observer for key. A missing entry is created and,
// unless the subscriber is disabled, fetched. A stale or failed entry is
// refetched in the background while its current value stays visible.
func (c *Cache) Subscribe(key Key, fetch Fetcher, opts ...Option) (*Subscription, error) {
	o := c.cfg.defaults.merge(opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	now := c.clock.Now()
	e := c.entryLocked(key)
	e.observe(o)
	if fetch != nil {
		e.fetch = fetch
	}

	sub := newSubscription(c, e, o)
	e.observers[sub] = struct{}{}
	sub.push(e.snapshot(now))

	if o.Enabled && e.fetch != nil && !e.fetching && e.needsFetch(now, o.StaleTime) {
		c.fetchLocked(e, nil)
	}
	return sub, nil
}

// Unsubscribe removes sub from its entry. When the last observer leaves, the
// retention countdown starts. In-flight fetches are not cancelled.
func (c *Cache) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := sub.entry
	if _, ok := e.observers[sub]; ok {
		delete(e.observers, sub)
		if len(e.observers) == 0 {
			e.touch(c.clock.Now())
		}
	}
	sub.stop()
}

// Invalidate marks key stale. See InvalidateMatching.
func (c *Cache) Invalidate(key Key) int {
	return c.InvalidateMatching(MatchKey(key))
}

// InvalidateMatching marks every entry whose key satisfies pred stale as of
// now. Entries with an enabled observer are refetched once; unobserved ones
// wait for the next subscriber. Cached values are kept. It returns the number
// of matched entries.
func (c *Cache) InvalidateMatching(pred Predicate) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for _, e := range c.entries {
		if !pred(e.key) {
			continue
		}
		n++
		e.invalidated = now
		if e.enabledObservers() && e.fetch != nil {
			c.fetchLocked(e, nil)
		} else {
			c.broadcastLocked(e, now)
		}
	}
	if n > 0 {
		log.WithField("entries", n).Debug("query: invalidated")
	}
	return n
}

// FetchOnce fetches key now, ignoring staleness, and waits for the result.
// If a fetch for key is already in flight the call joins it. Canceling ctx
// abandons the wait but not the fetch.
func (c *Cache) FetchOnce(ctx context.Context, key Key, fetch Fetcher, opts ...Option) (any, error) {
	return c.fetch(ctx, key, fetch, true, opts)
}

// Fetch returns the cached value for key when it is fresh per the given
// stale time and the last fetch succeeded. Otherwise it behaves like
// FetchOnce.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch Fetcher, opts ...Option) (any, error) {
	return c.fetch(ctx, key, fetch, false, opts)
}

func (c *Cache) fetch(ctx context.Context, key Key, fetch Fetcher, force bool, opts []Option) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := c.cfg.defaults.merge(opts)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	now := c.clock.Now()
	e := c.entryLocked(key)
	e.observe(o)
	if fetch != nil {
		e.fetch = fetch
	}
	if len(e.observers) == 0 {
		e.touch(now)
	}
	if !force && !e.needsFetch(now, o.StaleTime) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	if e.fetch == nil && !e.fetching {
		c.mu.Unlock()
		return nil, &FetchError{Key: key, Err: fmt.Errorf("no fetcher registered")}
	}
	ch := c.fetchLocked(e, fetch)
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refocus is the external focus signal. Every observed entry that is stale
// for at least one enabled subscriber with RefetchOnRefocus is refetched.
// It returns the number of entries fetching as a result.
func (c *Cache) Refocus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for _, e := range c.entries {
		if e.fetch == nil {
			continue
		}
		for sub := range e.observers {
			if sub.opts.Enabled && sub.opts.RefetchOnRefocus && e.needsFetch(now, sub.opts.StaleTime) {
				c.fetchLocked(e, nil)
				n++
				break
			}
		}
	}
	if n > 0 {
		log.WithField("entries", n).Debug("query: refocus refetch")
	}
	return n
}

// Remove drops key from the cache and closes its subscriptions. A pending
// fetch for the removed entry completes and its result is discarded.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := key.String()
	e, ok := c.entries[hash]
	if !ok {
		return false
	}
	delete(c.entries, hash)
	for sub := range e.observers {
		sub.stop()
	}
	e.observers = make(map[*Subscription]struct{})
	return true
}

// Get returns a snapshot of key without registering interest.
func (c *Cache) Get(key Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(c.clock.Now()), true
}

// Entries returns a snapshot of every entry, in no particular order.
func (c *Cache) Entries() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	out := make([]Snapshot, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot(now))
	}
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep loop, cancels the context passed to fetchers and
// closes every subscription. Entries are dropped.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entries {
		for sub := range e.observers {
			sub.stop()
		}
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Cache) entryLocked(key Key) *entry {
	hash := key.String()
	if e, ok := c.entries[hash]; ok {
		return e
	}
	c.seq++
	e := newEntry(key, hash, hash+"#"+strconv.FormatUint(c.seq, 10))
	c.entries[hash] = e
	log.WithField("key", hash).Debug("query: new entry")
	return e
}

// fetchLocked starts a fetch for e or joins the one in flight. The start
// decision and the completion both run under c.mu, so e.fetching and the
// singleflight call registered under e.flight always agree.
func (c *Cache) fetchLocked(e *entry, fetch Fetcher) <-chan singleflight.Result {
	if fetch == nil {
		fetch = e.fetch
	}
	if !e.fetching {
		e.fetching = true
		e.status = StatusFetching
		c.broadcastLocked(e, c.clock.Now())
		log.WithField("key", e.hash).Debug("query: fetch start")
	}
	return c.flights.DoChan(e.flight, func() (any, error) {
		return c.run(e, fetch)
	})
}

func (c *Cache) run(e *entry, fetch Fetcher) (any, error) {
	v, err := c.call(fetch)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flights.Forget(e.flight)
	e.fetching = false
	now := c.clock.Now()

	if err != nil {
		ferr := &FetchError{Key: e.key, Err: err}
		e.status = StatusError
		e.err = ferr
		e.failures++
		log.WithField("key", e.hash).WithError(err).Warn("query: fetch failed")
		err = ferr
	} else {
		e.status = StatusSuccess
		e.value = v
		e.hasValue = true
		e.err = nil
		e.failures = 0
		e.fetchedAt = now
		e.invalidated = time.Time{}
		log.WithField("key", e.hash).Debug("query: fetch done")
	}
	if len(e.observers) == 0 {
		e.touch(now)
	}
	c.broadcastLocked(e, now)
	return v, err
}

func (c *Cache) call(fetch Fetcher) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return fetch(c.ctx)
}

// broadcastLocked queues one snapshot for every observer of e. Holding c.mu
// keeps observers from seeing a partially applied update.
func (c *Cache) broadcastLocked(e *entry, now time.Time) {
	if len(e.observers) == 0 {
		return
	}
	snap := e.snapshot(now)
	for sub := range e.observers {
		sub.push(snap)
	}
}
