package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/models"
)

const searchEndpoint = "https://html.duckduckgo.com/html/"

// WebSearchConfig controls result count and cache behavior
type WebSearchConfig struct {
	MaxResults int `yaml:"max_results"`
	CacheTTL   int `yaml:"cache_ttl"`
}

// SearchResult is one scraped search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchCacheEntry struct {
	results   []SearchResult
	expiresAt time.Time
}

// WebSearchTool scrapes DuckDuckGo's HTML endpoint. Results are cached
// for a short TTL so repeated substitutions in a chain don't hammer
// the endpoint.
type WebSearchTool struct {
	cfg     WebSearchConfig
	cacheMu sync.RWMutex
	cache   map[string]searchCacheEntry
}

// NewWebSearchTool creates a web search tool; nil config uses defaults
func NewWebSearchTool(cfg *WebSearchConfig) *WebSearchTool {
	c := WebSearchConfig{MaxResults: 5, CacheTTL: 300}
	if cfg != nil {
		if cfg.MaxResults > 0 {
			c.MaxResults = cfg.MaxResults
		}
		if cfg.CacheTTL > 0 {
			c.CacheTTL = cfg.CacheTTL
		}
	}
	return &WebSearchTool{cfg: c, cache: make(map[string]searchCacheEntry)}
}

// Name reports the capability key this tool binds to
func (t *WebSearchTool) Name() string {
	return models.ToolWebSearch
}

// Run searches for the input text and returns a formatted result block
func (t *WebSearchTool) Run(ctx context.Context, input string) (string, error) {
	query := strings.TrimSpace(input)
	if query == "" {
		return "", fmt.Errorf("empty search query")
	}

	results, err := t.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No search results found.", nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Search returns scraped results for the query, consulting the cache first
func (t *WebSearchTool) Search(ctx context.Context, query string) ([]SearchResult, error) {
	t.cacheMu.RLock()
	entry, ok := t.cache[query]
	t.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		config.DebugLog("[WebSearch] Cache hit for %q", query)
		return entry.results, nil
	}

	results, err := t.scrape(ctx, query)
	if err != nil {
		return nil, err
	}

	t.cacheMu.Lock()
	t.cache[query] = searchCacheEntry{
		results:   results,
		expiresAt: time.Now().Add(time.Duration(t.cfg.CacheTTL) * time.Second),
	}
	t.cacheMu.Unlock()
	return results, nil
}

func (t *WebSearchTool) scrape(ctx context.Context, query string) ([]SearchResult, error) {
	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(20 * time.Second)

	var (
		results   []SearchResult
		scrapeErr error
	)

	c.OnHTML("div.result", func(e *colly.HTMLElement) {
		if len(results) >= t.cfg.MaxResults {
			return
		}
		title := strings.TrimSpace(e.ChildText("a.result__a"))
		href := e.ChildAttr("a.result__a", "href")
		snippet := strings.TrimSpace(e.ChildText("a.result__snippet"))
		if title == "" || href == "" {
			return
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     cleanResultURL(href),
			Snippet: snippet,
		})
	})

	c.OnError(func(_ *colly.Response, err error) {
		scrapeErr = err
	})

	searchURL := searchEndpoint + "?q=" + url.QueryEscape(query)
	if err := c.Visit(searchURL); err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	c.Wait()

	if scrapeErr != nil {
		return nil, fmt.Errorf("search request failed: %w", scrapeErr)
	}
	return results, nil
}

// cleanResultURL unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=...)
func cleanResultURL(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
