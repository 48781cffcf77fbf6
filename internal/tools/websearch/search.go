// Package websearch implements the web_search tool. Queries go to the
// DuckDuckGo HTML endpoint by default, or to the Brave Search API when an
// API key is configured; responses are cached for a configurable TTL.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

// Backend selects where queries are sent.
type Backend string

const (
	BackendDuckDuckGo Backend = "duckduckgo"
	BackendBrave      Backend = "brave"
)

const (
	defaultMaxResults = 5
	maxResultCount    = 20

	// maxCacheEntries bounds the response cache.
	maxCacheEntries = 1000

	// maxResponseBytes caps how much of a backend response is read.
	maxResponseBytes = 2 << 20
)

// Config tunes the search tool.
type Config struct {
	// Backend is duckduckgo or brave. Brave requires an API key and falls
	// back to DuckDuckGo when the API call fails.
	Backend Backend

	// BraveAPIKey authenticates against the Brave Search API.
	BraveAPIKey string

	// CacheTTL bounds how long a response is reused for the same query.
	CacheTTL time.Duration

	// MaxResults is the default result count per query.
	MaxResults int
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendDuckDuckGo
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	if c.MaxResults <= 0 {
		c.MaxResults = defaultMaxResults
	}
	return c
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type cacheEntry struct {
	results   []Result
	expiresAt time.Time
}

// Tool implements web_search.
type Tool struct {
	cfg        Config
	httpClient *http.Client
	logger     *observability.Logger
	now        func() time.Time

	// Endpoint overrides for tests.
	duckduckgoURL string
	braveURL      string

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

// New builds the search tool.
func New(cfg Config, logger *observability.Logger) *Tool {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Tool{
		cfg:           cfg.withDefaults(),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
		now:           time.Now,
		duckduckgoURL: "https://html.duckduckgo.com/html/",
		braveURL:      "https://api.search.brave.com/res/v1/web/search",
		cache:         make(map[string]cacheEntry),
	}
}

// Name returns the tool's function-calling name.
func (t *Tool) Name() string { return "web_search" }

// Description tells the model when to reach for the tool.
func (t *Tool) Description() string {
	return "Search the web for current information, facts, or news. " +
		"Returns result titles, URLs, and snippets."
}

// Schema describes the tool's arguments.
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"max_results": {
				"type": "integer",
				"description": "Number of results to return (default: 5, max: 20)",
				"minimum": 1,
				"maximum": 20
			}
		},
		"required": ["query"]
	}`)
}

type searchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// Execute runs the search. A Brave failure degrades to DuckDuckGo before
// giving up.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var p searchArgs
	if err := agent.DecodeArgs(args, &p); err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return &models.ToolResult{Success: false, Error: "query is required"}, nil
	}
	if p.MaxResults <= 0 {
		p.MaxResults = t.cfg.MaxResults
	}
	if p.MaxResults > maxResultCount {
		p.MaxResults = maxResultCount
	}

	key := fmt.Sprintf("%s:%d:%s", t.cfg.Backend, p.MaxResults, p.Query)
	if results, ok := t.fromCache(key); ok {
		return formatResults(p.Query, results), nil
	}

	results, err := t.search(ctx, p.Query, p.MaxResults)
	if err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("search failed: %v", err)}, nil
	}

	t.store(key, results)
	return formatResults(p.Query, results), nil
}

func (t *Tool) search(ctx context.Context, query string, count int) ([]Result, error) {
	if t.cfg.Backend == BackendBrave {
		results, err := t.searchBrave(ctx, query, count)
		if err == nil {
			return results, nil
		}
		t.logger.Warn("brave search failed, falling back to duckduckgo", "error", err)
	}
	return t.searchDuckDuckGo(ctx, query, count)
}

// formatResults renders hits as Markdown with a bold title, a URL line,
// and the snippet, separated by horizontal rules.
func formatResults(query string, results []Result) *models.ToolResult {
	if len(results) == 0 {
		return &models.ToolResult{Success: true, Output: "No results found for: " + query, Data: results}
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "**%s**\nURL: %s\n", r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString(r.Snippet + "\n")
		}
		parts = append(parts, b.String())
	}
	return &models.ToolResult{Success: true, Output: strings.Join(parts, "\n---\n"), Data: results}
}

func (t *Tool) fromCache(key string) ([]Result, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()

	entry, ok := t.cache[key]
	if !ok || t.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

// store caches results, first dropping expired entries and then the
// soonest-to-expire ones if the cache is still full.
func (t *Tool) store(key string, results []Result) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := t.now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	for len(t.cache) >= maxCacheEntries {
		oldestKey := ""
		var oldest time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldest) {
				oldestKey = k
				oldest = v.expiresAt
			}
		}
		delete(t.cache, oldestKey)
	}

	t.cache[key] = cacheEntry{results: results, expiresAt: now.Add(t.cfg.CacheTTL)}
}
