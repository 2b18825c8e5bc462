// Package queries defines the queries served through the query cache: their
// key shapes, cache policies and fetch functions over the web, the local
// filesystem and the offline KV store.
package queries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/leonardcser/web-query/internal/config"
	"github.com/leonardcser/web-query/internal/kv"
	"github.com/leonardcser/web-query/internal/query"
	"github.com/leonardcser/web-query/internal/web"
)

// Key prefixes, one per kind of query.
const (
	KindPage    = "web-fetch"
	KindSearch  = "web-search"
	KindFile    = "file"
	KindOffline = "offline"
)

const (
	searchLimit   = 10
	offlinePrefix = "page|"
)

// ErrNoOffline is returned by offline queries when no KV store is connected.
var ErrNoOffline = errors.New("offline store not available")

// PageFetcher downloads and summarizes a web page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*web.PageSummary, error)
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]web.SearchResult, error)
}

// Sources are the collaborators queries fetch from. Offline may be nil.
type Sources struct {
	Pages   PageFetcher
	Search  Searcher
	Offline kv.KV
}

// Client runs queries through a query.Cache.
type Client struct {
	cache      *query.Cache
	src        Sources
	policies   config.Queries
	offlineTTL time.Duration
	readFile   func(string) ([]byte, error)
}

// New returns a Client serving queries from src through cache with the
// per-kind policies in cfg.
func New(cache *query.Cache, src Sources, cfg config.Config) *Client {
	return &Client{
		cache:      cache,
		src:        src,
		policies:   cfg.Queries,
		offlineTTL: time.Duration(cfg.KV.OfflineTTL),
		readFile:   os.ReadFile,
	}
}

// PageKey is the key of the page query for rawURL.
func PageKey(rawURL string) query.Key { return query.NewKey(KindPage, strings.TrimSpace(rawURL)) }

// SearchKey is the key of a search query. Whitespace is normalized so
// equivalent queries share an entry.
func SearchKey(q string) query.Key {
	return query.NewKey(KindSearch, strings.Join(strings.Fields(q), " "))
}

// FileKey is the key of a file read; path should be absolute.
func FileKey(path string) query.Key { return query.NewKey(KindFile, path) }

// OfflineKey is the key of an offline listing under prefix.
func OfflineKey(prefix string) query.Key { return query.NewKey(KindOffline, prefix) }

// Page returns the summary of rawURL. With refresh set the page is fetched
// even when the cached copy is fresh.
func (c *Client) Page(ctx context.Context, rawURL string, refresh bool) (*web.PageSummary, error) {
	return run[*web.PageSummary](ctx, c.cache, PageKey(rawURL), c.pageFetcher(rawURL), refresh, c.policies.Page)
}

// WatchPage subscribes to rawURL.
func (c *Client) WatchPage(rawURL string, opts ...query.Option) (*query.Subscription, error) {
	opts = append(c.policies.Page.Options(), opts...)
	return c.cache.Subscribe(PageKey(rawURL), c.pageFetcher(rawURL), opts...)
}

// Search returns web results for q. With refresh set the search runs even
// when a fresh result is cached.
func (c *Client) Search(ctx context.Context, q string, refresh bool) ([]web.SearchResult, error) {
	key := SearchKey(q)
	fetch := func(ctx context.Context) (any, error) {
		return c.src.Search.Search(ctx, q, searchLimit)
	}
	return run[[]web.SearchResult](ctx, c.cache, key, fetch, refresh, c.policies.Search)
}

// File returns the contents of the file at path. File contents never go
// stale on their own; use refresh or Invalidate after a change.
func (c *Client) File(ctx context.Context, path string, refresh bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	fetch := func(context.Context) (any, error) {
		b, err := c.readFile(abs)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return run[string](ctx, c.cache, FileKey(abs), fetch, refresh, c.policies.File)
}

// OfflineKeys lists the URLs with a stored offline copy under prefix.
func (c *Client) OfflineKeys(ctx context.Context, prefix string, refresh bool) ([]string, error) {
	if c.src.Offline == nil {
		return nil, ErrNoOffline
	}
	fetch := func(context.Context) (any, error) {
		keys, err := c.src.Offline.Keys(offlinePrefix + prefix)
		if err != nil {
			return nil, err
		}
		urls := make([]string, 0, len(keys))
		for _, k := range keys {
			urls = append(urls, strings.TrimPrefix(k, offlinePrefix))
		}
		return urls, nil
	}
	return run[[]string](ctx, c.cache, OfflineKey(prefix), fetch, refresh, c.policies.Offline)
}

// Invalidate marks queries of kind stale. A non-empty arg narrows it to one
// query; an empty kind matches everything.
func (c *Client) Invalidate(kind, arg string) int {
	var prefix query.Key
	switch {
	case kind == "":
	case arg == "":
		prefix = query.NewKey(kind)
	case kind == KindSearch:
		prefix = SearchKey(arg)
	case kind == KindFile:
		if abs, err := filepath.Abs(arg); err == nil {
			arg = abs
		}
		prefix = FileKey(arg)
	default:
		prefix = query.NewKey(kind, strings.TrimSpace(arg))
	}
	return c.cache.InvalidateMatching(query.MatchPrefix(prefix))
}

// Refocus forwards a focus signal to the cache.
func (c *Client) Refocus() int { return c.cache.Refocus() }

// Status returns snapshots of every cached query sorted by key.
func (c *Client) Status() []query.Snapshot {
	snaps := c.cache.Entries()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key.String() < snaps[j].Key.String() })
	return snaps
}

// pageFetcher fetches rawURL and keeps a copy in the offline store. When the
// web fetch fails the stored copy is served instead.
func (c *Client) pageFetcher(rawURL string) query.Fetcher {
	return func(ctx context.Context) (any, error) {
		ps, err := c.src.Pages.Fetch(ctx, rawURL)
		if err == nil {
			c.storeOffline(rawURL, ps)
			return ps, nil
		}
		if stored, ok := c.loadOffline(rawURL); ok {
			log.WithField("url", rawURL).WithError(err).Warn("queries: serving offline copy")
			return stored, nil
		}
		return nil, err
	}
}

func (c *Client) storeOffline(rawURL string, ps *web.PageSummary) {
	if c.src.Offline == nil {
		return
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return
	}
	if err := c.src.Offline.Put(offlinePrefix+rawURL, b, c.offlineTTL); err != nil {
		log.WithField("url", rawURL).WithError(err).Debug("queries: offline store")
	}
}

func (c *Client) loadOffline(rawURL string) (*web.PageSummary, bool) {
	if c.src.Offline == nil {
		return nil, false
	}
	b, err := c.src.Offline.Get(offlinePrefix + rawURL)
	if err != nil {
		return nil, false
	}
	var ps web.PageSummary
	if json.Unmarshal(b, &ps) != nil {
		return nil, false
	}
	return &ps, true
}

func run[V any](ctx context.Context, cache *query.Cache, key query.Key, fetch query.Fetcher, refresh bool, p config.Policy) (V, error) {
	var (
		zero V
		v    any
		err  error
	)
	if refresh {
		v, err = cache.FetchOnce(ctx, key, fetch, p.Options()...)
	} else {
		v, err = cache.Fetch(ctx, key, fetch, p.Options()...)
	}
	if err != nil {
		return zero, err
	}
	out, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("query %s: unexpected value %T", key, v)
	}
	return out, nil
}
