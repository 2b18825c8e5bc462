package query

import "time"

// Status is the lifecycle state of an entry.
type Status int

const (
	StatusIdle Status = iota
	StatusFetching
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusFetching:
		return "fetching"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return "unknown"
}

type entry struct {
	key    Key
	hash   string
	flight string

	status    Status
	value     any
	hasValue  bool
	err       error
	failures  int
	fetchedAt time.Time

	// staleTime comes from the most recent call that registered interest;
	// it only feeds StaleAt in snapshots. Subscribe and Fetch decide with
	// their own options.
	staleTime   time.Duration
	invalidated time.Time
	retention   time.Duration
	expiresAt   time.Time

	fetch     Fetcher
	fetching  bool
	observers map[*Subscription]struct{}
}

func newEntry(key Key, hash, flight string) *entry {
	return &entry{
		key:       key,
		hash:      hash,
		flight:    flight,
		observers: make(map[*Subscription]struct{}),
	}
}

// staleAt is the zero time when the value never goes stale.
func (e *entry) staleAt() time.Time {
	if !e.invalidated.IsZero() {
		return e.invalidated
	}
	if !e.hasValue {
		return time.Time{}
	}
	return after(e.fetchedAt, e.staleTime)
}

// isStale decides staleness for a caller with stale time d.
func (e *entry) isStale(now time.Time, d time.Duration) bool {
	if !e.hasValue || !e.invalidated.IsZero() {
		return true
	}
	if d == Infinite {
		return false
	}
	return !now.Before(e.fetchedAt.Add(d))
}

// needsFetch is true when an enabled caller with stale time d should start
// a fetch.
func (e *entry) needsFetch(now time.Time, d time.Duration) bool {
	return e.status == StatusError || e.isStale(now, d)
}

// observe extends retention to the largest value any caller asked for.
func (e *entry) observe(o Options) {
	e.staleTime = o.StaleTime
	if o.Retention > e.retention {
		e.retention = o.Retention
	}
}

// touch restarts the retention countdown from now.
func (e *entry) touch(now time.Time) {
	e.expiresAt = after(now, e.retention)
}

func (e *entry) expired(now time.Time) bool {
	if len(e.observers) > 0 || e.fetching || e.retention == Infinite {
		return false
	}
	return !now.Before(e.expiresAt)
}

func (e *entry) enabledObservers() bool {
	for sub := range e.observers {
		if sub.opts.Enabled {
			return true
		}
	}
	return false
}

// Snapshot is a point in time copy of an entry.
type Snapshot struct {
	Key      Key
	Status   Status
	Value    any
	HasValue bool
	// Err is the last failure. It is kept while a retry is fetching and
	// cleared by the next success.
	Err          error
	FailureCount int
	FetchedAt    time.Time
	// StaleAt is zero when the value never goes stale or nothing was fetched.
	StaleAt time.Time
	// ExpiresAt is zero while the entry is observed or retained forever.
	ExpiresAt time.Time
	Stale     bool
	Observers int
}

// Fetching reports whether a fetch is in flight.
func (s Snapshot) Fetching() bool { return s.Status == StatusFetching }

// Refreshing reports whether a value is shown while a newer one is fetched.
func (s Snapshot) Refreshing() bool { return s.Fetching() && s.HasValue }

// FailedWithValue reports the stale-while-error state: the last refresh
// failed but an older value is still available.
func (s Snapshot) FailedWithValue() bool { return s.Status == StatusError && s.HasValue }

func (e *entry) snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Key:          e.key,
		Status:       e.status,
		Value:        e.value,
		HasValue:     e.hasValue,
		Err:          e.err,
		FailureCount: e.failures,
		FetchedAt:    e.fetchedAt,
		StaleAt:      e.staleAt(),
		Stale:        e.isStale(now, e.staleTime),
		Observers:    len(e.observers),
	}
	if len(e.observers) == 0 {
		s.ExpiresAt = e.expiresAt
	}
	return s
}

// As returns the snapshot value as V.
func As[V any](s Snapshot) (V, bool) {
	v, ok := s.Value.(V)
	return v, ok && s.HasValue
}
