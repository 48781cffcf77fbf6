// Package browse implements the browse_webpage tool: fetch one page over
// HTTP and return its readable text.
package browse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

const (
	// maxBodyBytes caps how much of a page is read.
	maxBodyBytes = 2 << 20

	// maxTextBytes caps the text returned to the model.
	maxTextBytes = 8 * 1024

	// maxLinks caps the extracted link list.
	maxLinks = 20

	userAgent = "Mozilla/5.0 (compatible; StewardBot/1.0)"
)

// Tool implements browse_webpage.
type Tool struct {
	httpClient *http.Client
	logger     *observability.Logger

	// allowPrivateHosts disables the private-address guard. Tests only.
	allowPrivateHosts bool
}

// New builds the browse tool.
func New(logger *observability.Logger) *Tool {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Tool{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Name returns the tool's function-calling name.
func (t *Tool) Name() string { return "browse_webpage" }

// Description tells the model when to reach for the tool.
func (t *Tool) Description() string {
	return "Visit a webpage and extract its readable content. Use this to read " +
		"articles, documentation, or any page a search result points at."
}

// Schema describes the tool's arguments.
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL of the webpage to visit"
			},
			"extract_links": {
				"type": "boolean",
				"description": "Also list up to 20 absolute links found on the page (default: false)"
			}
		},
		"required": ["url"]
	}`)
}

type browseArgs struct {
	URL          string `json:"url"`
	ExtractLinks bool   `json:"extract_links"`
}

// Execute fetches the page and returns its title and flattened text, capped
// at 8 KB.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var p browseArgs
	if err := agent.DecodeArgs(args, &p); err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	if p.URL == "" {
		return &models.ToolResult{Success: false, Error: "url is required"}, nil
	}
	if err := t.checkTarget(p.URL); err != nil {
		return &models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	page, err := t.fetch(ctx, p.URL)
	if err != nil {
		t.logger.Warn("browse failed", "url", p.URL, "error", err)
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("failed to browse %s: %v", p.URL, err)}, nil
	}
	page = stripChrome(page)

	title := extractTitle(page)
	if title == "" {
		title = "No title"
	}
	text := truncate(extractText(page), maxTextBytes)

	var out strings.Builder
	fmt.Fprintf(&out, "**Title:** %s\n**URL:** %s\n\n**Content:**\n%s", title, p.URL, text)

	data := map[string]any{"title": title, "url": p.URL, "content": text}
	if p.ExtractLinks {
		links := extractLinks(page)
		data["links"] = links
		if len(links) > 0 {
			out.WriteString("\n\n**Links:**\n")
			for _, l := range links {
				fmt.Fprintf(&out, "- [%s](%s)\n", l.Text, l.URL)
			}
		}
	}

	return &models.ToolResult{Success: true, Output: out.String(), Data: data}, nil
}

// fetch GETs the URL and returns the raw page. Only HTML and plain text
// bodies are accepted.
func (t *Tool) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// checkTarget refuses non-HTTP schemes and hosts that resolve to private or
// reserved addresses, so the model cannot probe the local network.
func (t *Tool) checkTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if t.allowPrivateHosts {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost urls are not allowed")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still resolve at a proxy; the fetch decides.
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("url resolves to a private address")
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}
