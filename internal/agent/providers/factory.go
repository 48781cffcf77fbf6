package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

// New builds the provider named by kind. An empty kind selects anthropic.
// The context is only used by backends whose clients dial during setup.
func New(ctx context.Context, kind string, cfg Config) (agent.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "google", "gemini":
		return NewGoogleProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", kind)
	}
}
