package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// source is a controllable fetch function. With a gate set, every call
// blocks until the gate is released or closed.
type source struct {
	calls atomic.Int32
	gate  chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

func (s *source) set(v any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.err = v, err
}

func (s *source) fetch(ctx context.Context) (any, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

type CacheSuite struct {
	suite.Suite
	ctx   context.Context
	clk   *fakeClock
	cache *Cache
}

func (s *CacheSuite) SetupTest() {
	s.ctx = context.Background()
	s.clk = &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.cache = New(WithClock(s.clk), WithSweepInterval(0))
}

func (s *CacheSuite) TearDownTest() {
	s.cache.Close()
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

// next returns the next snapshot delivered to sub.
func (s *CacheSuite) next(sub *Subscription) Snapshot {
	s.T().Helper()
	select {
	case snap, ok := <-sub.Updates():
		s.Require().True(ok, "updates channel closed")
		return snap
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for update")
	}
	return Snapshot{}
}

// until reads updates until one has the wanted status.
func (s *CacheSuite) until(sub *Subscription, want Status) Snapshot {
	s.T().Helper()
	for {
		snap := s.next(sub)
		if snap.Status == want {
			return snap
		}
	}
}

func (s *CacheSuite) subscribe(key Key, src *source, opts ...Option) *Subscription {
	s.T().Helper()
	sub, err := s.cache.Subscribe(key, src.fetch, opts...)
	s.Require().NoError(err)
	return sub
}

func (s *CacheSuite) TestSubscribeFetchesAndDelivers() {
	src := &source{value: "A"}
	sub := s.subscribe(NewKey("k"), src)
	defer sub.Close()

	first := s.next(sub)
	s.Equal(StatusIdle, first.Status)
	s.False(first.HasValue)

	s.Equal(StatusFetching, s.next(sub).Status)

	done := s.next(sub)
	s.Equal(StatusSuccess, done.Status)
	s.Equal("A", done.Value)
	s.True(done.HasValue)
	s.Equal(s.clk.Now(), done.FetchedAt)
	s.Equal(1, done.Observers)
	s.EqualValues(1, src.calls.Load())
}

func (s *CacheSuite) TestConcurrentSubscribersShareOneFetch() {
	src := &source{value: "A", gate: make(chan struct{})}
	key := NewKey("shared", 1)

	const n = 20
	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := s.cache.Subscribe(key, src.fetch)
			s.NoError(err)
			subs[i] = sub
		}()
	}
	wg.Wait()

	s.Eventually(func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(src.gate)

	for _, sub := range subs {
		snap := s.until(sub, StatusSuccess)
		s.Equal("A", snap.Value)
		sub.Close()
	}
	s.EqualValues(1, src.calls.Load())
}

func (s *CacheSuite) TestInfiniteStaleTimeNeverRefetches() {
	src := &source{value: "A"}
	key := NewKey("file", "/etc/hosts")

	sub := s.subscribe(key, src, WithStaleTime(Infinite))
	s.until(sub, StatusSuccess)
	sub.Close()

	s.clk.Advance(1000 * time.Hour)

	sub = s.subscribe(key, src, WithStaleTime(Infinite), WithRetention(Infinite))
	defer sub.Close()
	snap := sub.Snapshot()
	s.Equal(StatusSuccess, snap.Status)
	s.Equal("A", snap.Value)
	s.False(snap.Stale)
	s.True(snap.StaleAt.IsZero())
	s.EqualValues(1, src.calls.Load())
}

func (s *CacheSuite) TestZeroStaleTimeRefetchesKeepingValue() {
	src := &source{value: "A"}
	key := NewKey("k")

	sub := s.subscribe(key, src)
	s.until(sub, StatusSuccess)
	sub.Close()

	src.gate = make(chan struct{})
	src.set("B", nil)
	sub = s.subscribe(key, src)
	defer sub.Close()

	first := s.next(sub)
	s.Equal(StatusSuccess, first.Status)
	s.Equal("A", first.Value)
	s.True(first.Stale)

	refreshing := s.next(sub)
	s.True(refreshing.Refreshing())
	s.Equal("A", refreshing.Value)

	close(src.gate)
	done := s.until(sub, StatusSuccess)
	s.Equal("B", done.Value)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestInvalidateWithoutObserversOnlyMarksStale() {
	src := &source{value: "A"}
	key := NewKey("k")

	sub := s.subscribe(key, src, WithStaleTime(Infinite))
	s.until(sub, StatusSuccess)
	sub.Close()

	s.Equal(1, s.cache.Invalidate(key))

	snap, ok := s.cache.Get(key)
	s.Require().True(ok)
	s.True(snap.Stale)
	s.Equal(StatusSuccess, snap.Status)
	s.Equal("A", snap.Value)
	s.Equal(s.clk.Now(), snap.StaleAt)
	s.EqualValues(1, src.calls.Load())

	// The next subscriber picks up the invalidation even with an infinite
	// stale time.
	sub = s.subscribe(key, src, WithStaleTime(Infinite))
	defer sub.Close()
	s.True(s.next(sub).Stale)
	s.until(sub, StatusFetching)
	s.until(sub, StatusSuccess)
	s.EqualValues(2, src.calls.Load())
	s.False(sub.Snapshot().Stale)
}

func (s *CacheSuite) TestInvalidateWithObserverFetchesOnce() {
	src := &source{value: "A"}
	key := NewKey("k")

	sub := s.subscribe(key, src, WithStaleTime(Infinite))
	defer sub.Close()
	s.until(sub, StatusSuccess)

	src.gate = make(chan struct{})
	src.set("B", nil)
	s.Equal(1, s.cache.Invalidate(key))
	s.Equal(1, s.cache.Invalidate(key))

	refreshing := s.next(sub)
	s.True(refreshing.Refreshing())
	s.Equal("A", refreshing.Value)

	close(src.gate)
	s.Equal("B", s.until(sub, StatusSuccess).Value)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestInvalidateMatchingPrefix() {
	a := &source{value: "a"}
	b := &source{value: "b"}
	c := &source{value: "c"}

	for _, tc := range []struct {
		key Key
		src *source
	}{
		{NewKey("web", "a"), a},
		{NewKey("web", "b"), b},
		{NewKey("file", "c"), c},
	} {
		_, err := s.cache.FetchOnce(s.ctx, tc.key, tc.src.fetch)
		s.Require().NoError(err)
	}

	s.Equal(2, s.cache.InvalidateMatching(MatchPrefix(NewKey("web"))))
	s.Equal(3, s.cache.InvalidateMatching(MatchPrefix(nil)))
	s.Equal(0, s.cache.Invalidate(NewKey("missing")))
}

func (s *CacheSuite) TestRetention() {
	src := &source{value: "A"}
	key := NewKey("k")
	opts := []Option{WithStaleTime(Infinite), WithRetention(time.Minute)}

	sub := s.subscribe(key, src, opts...)
	s.until(sub, StatusSuccess)

	// Observed entries are never evicted.
	s.clk.Advance(time.Hour)
	s.Equal(0, s.cache.Sweep())

	sub.Close()
	snap, _ := s.cache.Get(key)
	s.Equal(s.clk.Now().Add(time.Minute), snap.ExpiresAt)

	s.clk.Advance(59 * time.Second)
	s.Equal(0, s.cache.Sweep())

	sub = s.subscribe(key, src, opts...)
	s.Equal("A", sub.Snapshot().Value)
	s.Equal(StatusSuccess, sub.Snapshot().Status)
	s.EqualValues(1, src.calls.Load())
	sub.Close()

	s.clk.Advance(time.Minute)
	s.Equal(1, s.cache.Sweep())
	s.Equal(0, s.cache.Len())

	sub = s.subscribe(key, src, opts...)
	defer sub.Close()
	first := s.next(sub)
	s.Equal(StatusIdle, first.Status)
	s.False(first.HasValue)
	s.until(sub, StatusSuccess)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestInfiniteRetentionIsNeverEvicted() {
	src := &source{value: "offline"}
	key := NewKey("offline-data")

	_, err := s.cache.FetchOnce(s.ctx, key, src.fetch, WithStaleTime(Infinite), WithRetention(Infinite))
	s.Require().NoError(err)

	s.clk.Advance(24 * 365 * time.Hour)
	s.Equal(0, s.cache.Sweep())
	snap, ok := s.cache.Get(key)
	s.Require().True(ok)
	s.True(snap.ExpiresAt.IsZero())
}

func (s *CacheSuite) TestInFlightEntryIsNotEvicted() {
	src := &source{value: "A", gate: make(chan struct{})}
	key := NewKey("k")

	sub := s.subscribe(key, src, WithRetention(0))
	s.Eventually(func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	sub.Close()

	s.clk.Advance(time.Second)
	s.Equal(0, s.cache.Sweep())

	close(src.gate)
	s.Eventually(func() bool {
		snap, ok := s.cache.Get(key)
		return ok && snap.Status == StatusSuccess
	}, time.Second, time.Millisecond)

	// The completed fetch is kept for a later subscriber until swept.
	snap, _ := s.cache.Get(key)
	s.Equal("A", snap.Value)
	s.Equal(1, s.cache.Sweep())
}

func (s *CacheSuite) TestFailureKeepsLastValue() {
	src := &source{value: "A"}
	key := NewKey("k")

	sub := s.subscribe(key, src, WithStaleTime(Infinite))
	defer sub.Close()
	s.until(sub, StatusSuccess)

	boom := errors.New("boom")
	src.set(nil, boom)
	s.cache.Invalidate(key)

	failed := s.until(sub, StatusError)
	s.True(failed.FailedWithValue())
	s.Equal("A", failed.Value)
	s.Equal(1, failed.FailureCount)
	s.ErrorIs(failed.Err, boom)
	var ferr *FetchError
	s.Require().ErrorAs(failed.Err, &ferr)
	s.Equal(key, ferr.Key)

	src.set("B", nil)
	s.cache.Invalidate(key)
	ok := s.until(sub, StatusSuccess)
	s.Equal("B", ok.Value)
	s.NoError(ok.Err)
	s.Zero(ok.FailureCount)
}

func (s *CacheSuite) TestFailureWithoutValue() {
	src := &source{err: errors.New("denied")}
	sub := s.subscribe(NewKey("location"), src)
	defer sub.Close()

	snap := s.until(sub, StatusError)
	s.False(snap.HasValue)
	s.False(snap.FailedWithValue())
	s.Nil(snap.Value)
}

func (s *CacheSuite) TestSubscribeRetriesFailedEntry() {
	src := &source{err: errors.New("offline")}
	key := NewKey("k")

	sub := s.subscribe(key, src, WithStaleTime(Infinite))
	s.until(sub, StatusError)
	sub.Close()

	src.set("A", nil)
	sub = s.subscribe(key, src, WithStaleTime(Infinite))
	defer sub.Close()
	s.Equal("A", s.until(sub, StatusSuccess).Value)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestFetcherPanicIsAFailure() {
	key := NewKey("k")
	_, err := s.cache.FetchOnce(s.ctx, key, func(context.Context) (any, error) {
		panic("bad fetcher")
	})
	var ferr *FetchError
	s.Require().ErrorAs(err, &ferr)
	s.Contains(ferr.Error(), "bad fetcher")

	snap, _ := s.cache.Get(key)
	s.Equal(StatusError, snap.Status)
}

func (s *CacheSuite) TestFetchOnceJoinsInFlight() {
	src := &source{value: "A", gate: make(chan struct{})}
	key := NewKey("k")

	sub := s.subscribe(key, src)
	defer sub.Close()
	s.Eventually(func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	other := &source{value: "other"}
	type result struct {
		v   any
		err error
	}
	results := make(chan result, 3)
	for range 3 {
		go func() {
			v, err := s.cache.FetchOnce(s.ctx, key, other.fetch)
			results <- result{v, err}
		}()
	}
	// Give the callers time to attach before the shared fetch resolves.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)

	for range 3 {
		r := <-results
		s.NoError(r.err)
		s.Equal("A", r.v)
	}
	s.EqualValues(1, src.calls.Load())
	s.Zero(other.calls.Load())
}

func (s *CacheSuite) TestSubscribersAndFetchOnceShareOneFetch() {
	src := &source{value: "A", gate: make(chan struct{})}
	key := NewKey("mixed", 2)

	const subscribers, fetchers = 50, 10
	subs := make([]*Subscription, subscribers)
	results := make(chan any, fetchers)
	var wg sync.WaitGroup
	for i := range subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := s.cache.Subscribe(key, src.fetch)
			s.NoError(err)
			subs[i] = sub
		}()
	}
	for range fetchers {
		go func() {
			v, err := s.cache.FetchOnce(s.ctx, key, src.fetch)
			s.NoError(err)
			results <- v
		}()
	}
	wg.Wait()

	s.Eventually(func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the FetchOnce callers time to attach before the fetch resolves.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)

	for range fetchers {
		select {
		case v := <-results:
			s.Equal("A", v)
		case <-time.After(2 * time.Second):
			s.FailNow("FetchOnce did not return")
		}
	}
	for _, sub := range subs {
		s.Equal("A", s.until(sub, StatusSuccess).Value)
		sub.Close()
	}
	s.EqualValues(1, src.calls.Load())
}

func (s *CacheSuite) TestFetchOnceIgnoresFreshness() {
	src := &source{value: "A"}
	key := NewKey("k")
	opts := WithStaleTime(Infinite)

	v, err := s.cache.FetchOnce(s.ctx, key, src.fetch, opts)
	s.Require().NoError(err)
	s.Equal("A", v)

	src.set("B", nil)
	v, err = s.cache.FetchOnce(s.ctx, key, src.fetch, opts)
	s.Require().NoError(err)
	s.Equal("B", v)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestFetchServesFreshValue() {
	src := &source{value: "A"}
	key := NewKey("k")
	opts := WithStaleTime(time.Minute)

	v, err := s.cache.Fetch(s.ctx, key, src.fetch, opts)
	s.Require().NoError(err)
	s.Equal("A", v)

	src.set("B", nil)
	s.clk.Advance(30 * time.Second)
	v, err = s.cache.Fetch(s.ctx, key, src.fetch, opts)
	s.Require().NoError(err)
	s.Equal("A", v)
	s.EqualValues(1, src.calls.Load())

	s.clk.Advance(30 * time.Second)
	v, err = s.cache.Fetch(s.ctx, key, src.fetch, opts)
	s.Require().NoError(err)
	s.Equal("B", v)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestFetchWaitIsBoundedByContext() {
	src := &source{value: "A", gate: make(chan struct{})}
	key := NewKey("k")

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.cache.FetchOnce(ctx, key, src.fetch)
	s.ErrorIs(err, context.DeadlineExceeded)

	// The fetch itself keeps running and lands in the cache.
	close(src.gate)
	s.Eventually(func() bool {
		snap, _ := s.cache.Get(key)
		return snap.Status == StatusSuccess
	}, time.Second, time.Millisecond)
}

func (s *CacheSuite) TestDisabledSubscriberDoesNotFetch() {
	src := &source{value: "A"}
	key := NewKey("k")

	sub := s.subscribe(key, src, WithEnabled(false))
	defer sub.Close()
	s.Equal(StatusIdle, s.next(sub).Status)
	s.Equal(0, s.cache.Invalidate(NewKey("other")))
	s.Equal(1, s.cache.Invalidate(key))
	s.Equal(0, s.cache.Refocus())
	s.Zero(src.calls.Load())

	// An imperative fetch still fills the entry for the observer.
	_, err := s.cache.FetchOnce(s.ctx, key, nil)
	s.Require().NoError(err)
	s.Equal("A", s.until(sub, StatusSuccess).Value)
}

func (s *CacheSuite) TestRefocus() {
	src := &source{value: "A"}
	quiet := &source{value: "Q"}

	sub := s.subscribe(NewKey("page"), src, WithStaleTime(time.Minute))
	defer sub.Close()
	s.until(sub, StatusSuccess)

	off := s.subscribe(NewKey("location"), quiet, WithRefetchOnRefocus(false))
	defer off.Close()
	s.until(off, StatusSuccess)

	s.Equal(0, s.cache.Refocus(), "fresh entries are not refetched")

	s.clk.Advance(time.Minute)
	s.Equal(1, s.cache.Refocus())
	s.until(sub, StatusSuccess)
	s.EqualValues(2, src.calls.Load())
	s.EqualValues(1, quiet.calls.Load())
}

func (s *CacheSuite) TestStaleTimeScenario() {
	src := &source{value: "A", gate: make(chan struct{})}
	key := NewKey("scenario")
	opts := WithStaleTime(1000 * time.Millisecond)

	sub := s.subscribe(key, src, opts)
	s.Equal(StatusFetching, sub.Snapshot().Status)
	close(src.gate)
	s.Equal("A", s.until(sub, StatusSuccess).Value)
	sub.Close()

	s.clk.Advance(500 * time.Millisecond)
	sub = s.subscribe(key, src, opts)
	snap := sub.Snapshot()
	s.Equal(StatusSuccess, snap.Status)
	s.Equal("A", snap.Value)
	s.EqualValues(1, src.calls.Load())
	sub.Close()

	s.clk.Advance(1000 * time.Millisecond)
	src.gate = make(chan struct{})
	src.set("A2", nil)
	sub = s.subscribe(key, src, opts)
	defer sub.Close()
	snap = sub.Snapshot()
	s.True(snap.Refreshing())
	s.Equal("A", snap.Value)

	s.until(sub, StatusFetching)
	close(src.gate)
	s.Equal("A2", s.until(sub, StatusSuccess).Value)
	s.EqualValues(2, src.calls.Load())
}

func (s *CacheSuite) TestUnsubscribeClosesUpdates() {
	src := &source{value: "A"}
	sub := s.subscribe(NewKey("k"), src)
	sub.Close()
	sub.Close()

	s.Eventually(func() bool {
		select {
		case _, ok := <-sub.Updates():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	snap, _ := s.cache.Get(NewKey("k"))
	s.Zero(snap.Observers)
}

func (s *CacheSuite) TestRemove() {
	src := &source{value: "A"}
	key := NewKey("k")
	_, err := s.cache.FetchOnce(s.ctx, key, src.fetch)
	s.Require().NoError(err)

	s.True(s.cache.Remove(key))
	s.False(s.cache.Remove(key))
	_, ok := s.cache.Get(key)
	s.False(ok)
}

func (s *CacheSuite) TestClose() {
	src := &source{value: "A"}
	sub := s.subscribe(NewKey("k"), src)
	s.cache.Close()

	for range sub.Updates() {
	}
	_, err := s.cache.Subscribe(NewKey("k"), src.fetch)
	s.ErrorIs(err, ErrClosed)
	_, err = s.cache.FetchOnce(s.ctx, NewKey("k"), src.fetch)
	s.ErrorIs(err, ErrClosed)
	s.Zero(s.cache.Len())
}

func TestSweepLoopEvicts(t *testing.T) {
	c := New(WithSweepInterval(5*time.Millisecond), WithDefaults(WithRetention(0)))
	defer c.Close()

	_, err := c.FetchOnce(context.Background(), NewKey("k"), func(context.Context) (any, error) {
		return 1, nil
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for c.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected entry to be swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
