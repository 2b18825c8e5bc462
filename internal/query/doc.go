// Package query implements an in-memory cache of asynchronously fetched
// values keyed by Key.
//
// Each entry tracks its own status (idle, fetching, success, error), when its
// value goes stale and when it may be evicted once nobody observes it.
// Concurrent requests for the same key share one fetch. Stale values stay
// visible while a refetch runs, and a failed refetch keeps the last good
// value next to the error.
//
// Callers observe keys with Subscribe, read them imperatively with Fetch or
// FetchOnce, and force refreshes with Invalidate, InvalidateMatching or
// Refocus.
package query
