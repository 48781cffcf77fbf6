package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// searchBrave queries the Brave Search API. Descriptions arrive with
// <strong> highlight markup, which is stripped before returning.
func (t *Tool) searchBrave(ctx context.Context, query string, count int) ([]Result, error) {
	if t.cfg.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave api key not configured")
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.braveURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.cfg.BraveAPIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("brave returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]Result, 0, count)
	for _, r := range braveResp.Web.Results {
		if len(results) >= count {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return results, nil
}
