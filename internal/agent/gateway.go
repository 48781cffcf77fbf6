package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

// Stop reasons reported in the final chunk of a completion.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Provider is the chunk-streaming interface implemented by each LLM backend.
//
// Implementations must be safe for concurrent use; multiple goroutines may
// call Complete simultaneously for different requests. Providers never retry:
// one Complete call maps to exactly one upstream request.
type Provider interface {
	// Complete sends a request and returns a channel of response chunks.
	// The channel is closed after the final chunk (Done or Error).
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("anthropic", "openai", "google").
	Name() string

	// Models returns the models this provider advertises.
	Models() []Model

	// SupportsTools reports whether the provider supports tool calling.
	SupportsTools() bool
}

// CompletionRequest carries everything one LLM call needs: the transcript
// window, the composed system prompt, tool definitions, and generation
// parameters.
type CompletionRequest struct {
	// Model selects the model; empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled out of band by most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation window in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools the model may call this turn. Empty disables tool calling.
	Tools []models.ToolDefinition `json:"tools,omitempty"`

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionChunk is one unit of a streaming response: partial text, a
// complete tool call, or the final usage-bearing Done marker.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true on the final chunk of a successful stream. Token counts
	// and StopReason are only populated on that chunk.
	Done         bool   `json:"done,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// Error terminates the stream. No further chunks follow it.
	Error error `json:"-"`
}

// Response is a fully accumulated completion.
type Response struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	Model        string            `json:"model"`
	StopReason   string            `json:"stop_reason"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
}

// Model describes one model a provider can serve.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Gateway fronts a single Provider with a request/response surface. Generate
// drains the provider's chunk stream into one Response; Stream hands the
// chunk channel through untouched. The gateway itself never retries.
type Gateway struct {
	provider Provider
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewGateway wraps provider. Nil observability arguments fall back to no-ops.
func NewGateway(provider Provider, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Gateway {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	return &Gateway{provider: provider, logger: logger, metrics: metrics, tracer: tracer}
}

// Name returns the underlying provider name.
func (g *Gateway) Name() string { return g.provider.Name() }

// Models returns the underlying provider's model list.
func (g *Gateway) Models() []Model { return g.provider.Models() }

// Generate performs one completion and accumulates the stream into a
// Response. Exactly one provider call per invocation; any stream error is
// returned as-is with no partial Response.
func (g *Gateway) Generate(ctx context.Context, req *CompletionRequest) (*Response, error) {
	ctx, span := g.tracer.TraceLLMRequest(ctx, g.provider.Name(), req.Model)
	defer span.End()

	chunks, err := g.provider.Complete(ctx, req)
	if err != nil {
		g.metrics.LLMRequestsTotal.WithLabelValues(g.provider.Name(), "error").Inc()
		g.tracer.RecordError(span, err)
		return nil, err
	}

	resp := &Response{Model: req.Model}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			g.metrics.LLMRequestsTotal.WithLabelValues(g.provider.Name(), "error").Inc()
			g.tracer.RecordError(span, chunk.Error)
			return nil, chunk.Error
		}
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.Done {
			resp.InputTokens = chunk.InputTokens
			resp.OutputTokens = chunk.OutputTokens
			resp.StopReason = chunk.StopReason
		}
	}
	resp.Content = text.String()
	if resp.StopReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.StopReason = StopToolUse
		} else {
			resp.StopReason = StopEndTurn
		}
	}

	g.metrics.LLMRequestsTotal.WithLabelValues(g.provider.Name(), "ok").Inc()
	g.metrics.LLMTokensTotal.WithLabelValues(g.provider.Name(), "input").Add(float64(resp.InputTokens))
	g.metrics.LLMTokensTotal.WithLabelValues(g.provider.Name(), "output").Add(float64(resp.OutputTokens))
	return resp, nil
}

// Stream performs one completion and returns the provider's chunk channel.
// The caller owns draining it; usage metrics are recorded as chunks pass.
func (g *Gateway) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	chunks, err := g.provider.Complete(ctx, req)
	if err != nil {
		g.metrics.LLMRequestsTotal.WithLabelValues(g.provider.Name(), "error").Inc()
		return nil, err
	}

	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)
		for chunk := range chunks {
			if chunk.Error != nil {
				g.metrics.LLMRequestsTotal.WithLabelValues(g.provider.Name(), "error").Inc()
			} else if chunk.Done {
				g.metrics.LLMRequestsTotal.WithLabelValues(g.provider.Name(), "ok").Inc()
				g.metrics.LLMTokensTotal.WithLabelValues(g.provider.Name(), "input").Add(float64(chunk.InputTokens))
				g.metrics.LLMTokensTotal.WithLabelValues(g.provider.Name(), "output").Add(float64(chunk.OutputTokens))
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the provider goroutine can finish and exit.
				for range chunks {
				}
				return
			}
		}
	}()
	return out, nil
}
