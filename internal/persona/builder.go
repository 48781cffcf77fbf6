// Package persona composes the agent's system prompt from a base template,
// an optional profile Markdown file, the current date and time, and the
// registered tool inventory. The profile file is hot-reloaded on change so
// personality edits land without a restart.
package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

// DefaultDebounce collapses editor save bursts into one profile reload.
const DefaultDebounce = 250 * time.Millisecond

const baseTemplate = `You are %s, a personal AI assistant running on your user's own hardware.

## Personality
You are helpful, friendly, knowledgeable, and patient. Your tone is warm and professional.

## Communication Style
- Adapt responses to the complexity of the question
- Be honest about limitations and uncertainties
- Ask clarifying questions rather than guessing
- Format responses in Markdown and keep them concise

## Boundaries
- Ask before taking significant actions
- Never invent information you do not have
- The user's privacy and security come first`

// Config shapes the system prompt.
type Config struct {
	// Name is how the assistant refers to itself. Empty means "Steward".
	Name string
	// ProfilePath is an optional Markdown file layered into the prompt.
	ProfilePath string
	// Debounce is the quiet period after a file event before reloading.
	// Zero means DefaultDebounce.
	Debounce time.Duration
}

// Builder renders the system prompt and keeps the profile fresh.
type Builder struct {
	cfg       Config
	inventory func() []models.ToolDefinition
	logger    *observability.Logger
	now       func() time.Time

	mu      sync.RWMutex
	profile string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBuilder loads the profile (if configured) and returns a builder.
// inventory may be nil when no tools are registered.
func NewBuilder(cfg Config, inventory func() []models.ToolDefinition, logger *observability.Logger) *Builder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	b := &Builder{
		cfg:       cfg,
		inventory: inventory,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.ProfilePath != "" {
		b.reload()
	}
	return b
}

// SystemPrompt renders the full prompt: base template, profile, current
// date and time, tool inventory.
func (b *Builder) SystemPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, baseTemplate, b.name())

	if profile := b.Profile(); profile != "" {
		sb.WriteString("\n\n## Profile\n")
		sb.WriteString(profile)
	}

	fmt.Fprintf(&sb, "\n\n## Current Date & Time\n%s", b.now().Format("Monday, January 2, 2006 15:04 MST"))

	if b.inventory != nil {
		if defs := b.inventory(); len(defs) > 0 {
			sb.WriteString("\n\n## Available Tools\n")
			for _, def := range defs {
				fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
			}
			sb.WriteString("\nUse tools when you need current information or to act on the user's behalf.")
		}
	}
	return sb.String()
}

// Profile returns the currently loaded profile Markdown.
func (b *Builder) Profile() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.profile
}

// Watch hot-reloads the profile file on change. No-op without a profile
// path; safe to call once per builder.
func (b *Builder) Watch(ctx context.Context) error {
	if b.cfg.ProfilePath == "" {
		return nil
	}

	b.mu.Lock()
	if b.watcher != nil {
		b.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("create profile watcher: %w", err)
	}
	b.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	// Watch the directory: editors replace files on save, which silently
	// drops a watch set on the file itself.
	if err := watcher.Add(filepath.Dir(b.cfg.ProfilePath)); err != nil {
		b.Close()
		return fmt.Errorf("watch profile dir: %w", err)
	}

	b.wg.Add(1)
	go b.watchLoop(watchCtx, watcher)
	b.logger.Info("watching persona profile", "path", b.cfg.ProfilePath)
	return nil
}

// Close stops the profile watcher.
func (b *Builder) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	watcher := b.watcher
	b.watcher = nil
	b.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Builder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer b.wg.Done()

	debounce := b.cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target := filepath.Clean(b.cfg.ProfilePath)

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, b.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("profile watch error", "error", err)
		}
	}
}

// reload re-reads the profile file; a missing file clears the profile.
func (b *Builder) reload() {
	data, err := os.ReadFile(b.cfg.ProfilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("profile reload failed", "path", b.cfg.ProfilePath, "error", err)
			return
		}
		data = nil
	}
	profile := strings.TrimSpace(string(data))

	b.mu.Lock()
	changed := b.profile != profile
	b.profile = profile
	b.mu.Unlock()

	if changed {
		b.logger.Info("persona profile reloaded", "path", b.cfg.ProfilePath, "bytes", len(profile))
	}
}

func (b *Builder) name() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	return "Steward"
}
