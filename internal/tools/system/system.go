// Package system implements system_info: a snapshot of the host, the
// process, and the session store for "how are you doing" checks.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/sessions"
	"github.com/haasonsaas/steward/pkg/models"
)

// StatsProvider reports session-store counters. The session manager
// satisfies it; nil means the lines are omitted.
type StatsProvider interface {
	Stats(ctx context.Context) (sessions.Stats, error)
}

// InfoTool reports runtime diagnostics.
type InfoTool struct {
	stats     StatsProvider
	version   string
	startedAt time.Time
	now       func() time.Time
}

// NewInfoTool builds the tool. version is the build version string, empty
// to omit.
func NewInfoTool(stats StatsProvider, version string) *InfoTool {
	return &InfoTool{
		stats:     stats,
		version:   version,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (t *InfoTool) Name() string { return "system_info" }

func (t *InfoTool) Description() string {
	return "Report agent diagnostics: host, uptime, memory, goroutines, and session counts."
}

func (t *InfoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *InfoTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := t.now().Sub(t.startedAt).Round(time.Second)

	data := map[string]any{
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"go_version":     runtime.Version(),
		"uptime_seconds": int64(uptime.Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"alloc_bytes":    mem.Alloc,
	}

	var b strings.Builder
	if host, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "**Host:** %s\n", host)
		data["host"] = host
	}
	fmt.Fprintf(&b, "**OS:** %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "**Go:** %s\n", runtime.Version())
	if t.version != "" {
		fmt.Fprintf(&b, "**Version:** %s\n", t.version)
		data["version"] = t.version
	}
	fmt.Fprintf(&b, "**Uptime:** %s\n", uptime)
	fmt.Fprintf(&b, "**Goroutines:** %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "**Memory:** %.1f MiB in use\n", float64(mem.Alloc)/(1024*1024))
	if t.stats != nil {
		if stats, err := t.stats.Stats(ctx); err == nil {
			fmt.Fprintf(&b, "**Sessions:** %d active, %d cached\n", stats.ActiveSessions, stats.CachedConversations)
			data["sessions"] = stats
		}
	}

	return &models.ToolResult{
		Success: true,
		Output:  strings.TrimRight(b.String(), "\n"),
		Data:    data,
	}, nil
}
