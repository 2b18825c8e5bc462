package query

import "sync"

// Subscription observes one key. Updates delivers the snapshot current at
// subscribe time followed by every later snapshot, in order, until the
// subscription is closed.
type Subscription struct {
	cache *Cache
	entry *entry
	opts  Options

	mu      sync.Mutex
	queue   []Snapshot
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	updates chan Snapshot
	once    sync.Once
}

func newSubscription(c *Cache, e *entry, opts Options) *Subscription {
	s := &Subscription{
		cache:   c,
		entry:   e,
		opts:    opts,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		updates: make(chan Snapshot),
	}
	go s.pump()
	return s
}

// Key returns the observed key.
func (s *Subscription) Key() Key { return s.entry.key }

// Options returns the merged options of this subscription.
func (s *Subscription) Options() Options { return s.opts }

// Updates returns the notification channel. It is closed on Close.
func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Snapshot returns the current state of the observed entry.
func (s *Subscription) Snapshot() Snapshot {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.entry.snapshot(s.cache.clock.Now())
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.cache.Unsubscribe(s) }

// push queues a snapshot without blocking the caller.
func (s *Subscription) push(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) pump() {
	defer close(s.updates)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.updates <- snap:
			case <-s.done:
				return
			}
		}
	}
}
