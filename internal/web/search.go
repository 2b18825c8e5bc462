package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/apex/log"
)

const DuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

type SearchResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Link        string `json:"link"`
}

// Searcher queries the DuckDuckGo HTML endpoint.
type Searcher struct {
	client   *http.Client
	endpoint string
	agents   *agentRotator
}

func NewSearcher() *Searcher {
	return &Searcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: DuckDuckGoEndpoint,
		agents:   defaultAgents,
	}
}

// WithEndpoint returns a copy of s that queries endpoint instead.
func (s *Searcher) WithEndpoint(endpoint string) *Searcher {
	cp := *s
	cp.endpoint = endpoint
	return &cp
}

// Search returns up to limit results for query. A limit outside 1..20 means
// 10.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}
	if limit <= 0 || limit > 20 {
		limit = 10
	}
	values := url.Values{"q": {q}, "kl": {"us-en"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.agents.Next())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("duckduckgo status %d", resp.StatusCode)
	}
	results, err := ParseResults(resp.Body, limit)
	if err != nil {
		return nil, err
	}
	log.WithField("query", q).WithField("results", len(results)).Debug("web: searched")
	return results, nil
}

// ParseResults extracts search results from a DuckDuckGo HTML page.
func ParseResults(r io.Reader, limit int) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, limit)
	doc.Find("div.result.results_links.results_links_deep.web-result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		a := s.Find("a.result__a").First()
		link := strings.TrimSpace(a.AttrOr("href", ""))
		title := singleLine(a.Text())
		desc := singleLine(s.Find("a.result__snippet").First().Text())
		if title != "" && link != "" {
			results = append(results, SearchResult{Title: title, Description: desc, Link: extractDDGURL(link)})
		}
		return len(results) < limit
	})
	if len(results) > 0 {
		return results, nil
	}

	// Fallback: scan anchor list and nearest snippet up the tree.
	doc.Find("a.result__a").EachWithBreak(func(_ int, n *goquery.Selection) bool {
		title := singleLine(n.Text())
		link := strings.TrimSpace(n.AttrOr("href", ""))
		desc := singleLine(n.Parents().Find("a.result__snippet").First().Text())
		results = append(results, SearchResult{Title: title, Description: desc, Link: extractDDGURL(link)})
		return len(results) < limit
	})
	return results, nil
}

// extractDDGURL unwraps DuckDuckGo's redirect links:
// //duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com&rut=... becomes
// https://example.com. Anything else is returned unchanged.
func extractDDGURL(ddgURL string) string {
	if strings.HasPrefix(ddgURL, "//duckduckgo.com/l/") {
		ddgURL = "https:" + ddgURL
	}
	u, err := url.Parse(ddgURL)
	if err != nil {
		return ddgURL
	}
	// Query already unescapes the parameter value.
	if uddg := u.Query().Get("uddg"); uddg != "" {
		return uddg
	}
	return ddgURL
}

// singleLine trims and collapses internal whitespace/newlines to single spaces.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
