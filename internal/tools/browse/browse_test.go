package browse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/steward/internal/agent"
)

var _ agent.Tool = (*Tool)(nil)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Release Notes &middot; Steward</title>
  <style>body { color: red; }</style>
  <script>console.log("tracking")</script>
</head>
<body>
  <nav><a href="https://example.com/nav">Navigation junk</a></nav>
  <main>
    <h1>Release Notes</h1>
    <p>The scheduler now persists tasks atomically.</p>
    <p>Reminders parse natural language times like &quot;tomorrow at 9am&quot;.</p>
    <p>The approval gate posts a card with the tool name, its arguments, and two
    inline buttons so the owner can approve or deny without typing a command.</p>
    <a href="https://example.com/changelog">Full <b>changelog</b></a>
    <a href="/relative">Relative link</a>
  </main>
  <footer>Footer junk</footer>
</body>
</html>`

func newPageServer(body, contentType string, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newTestTool() *Tool {
	tool := New(nil)
	tool.allowPrivateHosts = true
	return tool
}

func TestBrowseExtractsContent(t *testing.T) {
	server := newPageServer(samplePage, "text/html; charset=utf-8", http.StatusOK)
	defer server.Close()

	res, err := newTestTool().Execute(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected error result: %s", res.Error)
	}

	if !strings.Contains(res.Output, "**Title:** Release Notes · Steward") {
		t.Errorf("output missing unescaped title:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, "persists tasks atomically") {
		t.Errorf("output missing main content:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, `"tomorrow at 9am"`) {
		t.Errorf("output should unescape entities:\n%s", res.Output)
	}
	for _, junk := range []string{"Navigation junk", "Footer junk", "tracking", "color: red"} {
		if strings.Contains(res.Output, junk) {
			t.Errorf("output contains stripped element text %q", junk)
		}
	}
	if strings.Contains(res.Output, "**Links:**") {
		t.Error("links section present without extract_links")
	}
}

func TestBrowseExtractsLinks(t *testing.T) {
	server := newPageServer(samplePage, "text/html", http.StatusOK)
	defer server.Close()

	res, err := newTestTool().Execute(context.Background(), map[string]any{
		"url":           server.URL,
		"extract_links": true,
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected error result: %s", res.Error)
	}

	if !strings.Contains(res.Output, "- [Full changelog](https://example.com/changelog)") {
		t.Errorf("output missing absolute link:\n%s", res.Output)
	}
	if strings.Contains(res.Output, "Relative link") {
		t.Error("relative links should be skipped")
	}
	if strings.Contains(res.Output, "example.com/nav") {
		t.Error("links inside stripped nav should be skipped")
	}

	data := res.Data.(map[string]any)
	links := data["links"].([]Link)
	if len(links) != 1 {
		t.Fatalf("got %d links, want 1", len(links))
	}
}

func TestBrowseCapsText(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><head><title>Big</title></head><body><main>")
	for i := 0; i < 2000; i++ {
		b.WriteString("<p>padding paragraph with some words</p>")
	}
	b.WriteString("</main></body></html>")

	server := newPageServer(b.String(), "text/html", http.StatusOK)
	defer server.Close()

	res, err := newTestTool().Execute(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	content := res.Data.(map[string]any)["content"].(string)
	if len(content) > maxTextBytes+len("...") {
		t.Errorf("content is %d bytes, cap is %d", len(content), maxTextBytes)
	}
	if !strings.HasSuffix(content, "...") {
		t.Error("truncated content should end with ellipsis")
	}
}

func TestBrowseRejectsBadTargets(t *testing.T) {
	tool := New(nil) // guard enabled

	tests := []struct {
		url     string
		wantErr string
	}{
		{"ftp://example.com/file", "scheme"},
		{"http://localhost:1/", "localhost"},
		{"not a url at all\x7f://", "invalid url"},
		{"https://", "no host"},
	}
	for _, tt := range tests {
		res, err := tool.Execute(context.Background(), map[string]any{"url": tt.url})
		if err != nil {
			t.Fatalf("Execute(%q) returned error: %v", tt.url, err)
		}
		if res.Success {
			t.Errorf("Execute(%q) should fail", tt.url)
			continue
		}
		if !strings.Contains(res.Error, tt.wantErr) {
			t.Errorf("Execute(%q) error = %q, want substring %q", tt.url, res.Error, tt.wantErr)
		}
	}
}

func TestBrowseRejectsNonTextContent(t *testing.T) {
	server := newPageServer("%PDF-1.4", "application/pdf", http.StatusOK)
	defer server.Close()

	res, err := newTestTool().Execute(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "unsupported content type") {
		t.Errorf("result = %+v, want content-type error", res)
	}
}

func TestBrowseReportsHTTPStatus(t *testing.T) {
	server := newPageServer("gone", "text/html", http.StatusNotFound)
	defer server.Close()

	res, err := newTestTool().Execute(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "HTTP 404") {
		t.Errorf("result = %+v, want HTTP 404 error", res)
	}
}

func TestExtractTitleFallbacks(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{"title tag", `<title>From Title</title><h1>From H1</h1>`, "From Title"},
		{"og:title", `<meta property="og:title" content="From OG">`, "From OG"},
		{"h1", `<body><h1>From <em>H1</em></h1></body>`, "From H1"},
		{"none", `<body><p>no heading</p></body>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTitle(tt.page); got != tt.want {
				t.Errorf("extractTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateKeepsUTF8Boundary(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes each

	got := truncate(s, 5)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q, want ellipsis suffix", got)
	}
	trimmed := strings.TrimSuffix(got, "...")
	if strings.ContainsRune(trimmed, '\ufffd') || len(trimmed) == 0 {
		t.Errorf("truncate split a UTF-8 sequence: %q", got)
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate below limit = %q, want unchanged", got)
	}
}
