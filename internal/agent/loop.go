package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

const maxIterationsNotice = "I've reached the maximum number of tool iterations. Here's what I have so far."

// Compactor shrinks a conversation when it outgrows its token budget. The
// loop checks it once per turn, before the first completion.
type Compactor interface {
	MaybeCompact(ctx context.Context, conv *models.Conversation) (bool, error)
}

// LoopConfig bounds one reasoning turn.
type LoopConfig struct {
	// MaxToolIterations caps completion rounds per turn.
	MaxToolIterations int

	// MaxContextMessages is the hard message-count ceiling applied after a
	// finished turn; oldest entries drop first.
	MaxContextMessages int

	// MaxTokens is passed through to each completion request.
	MaxTokens int
}

// Loop drives the bounded reason-call-observe cycle for a single turn.
// One Loop serves all conversations; per-conversation ordering is the
// session manager's lock, not the loop's.
type Loop struct {
	gateway   *Gateway
	registry  *Registry
	gate      *ApprovalGate
	compactor Compactor

	cfg     LoopConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewLoop wires a loop. gate and compactor may be nil, which disables
// approvals and compaction respectively.
func NewLoop(gateway *Gateway, registry *Registry, gate *ApprovalGate, compactor Compactor, cfg LoopConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Loop {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 10
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 50
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	return &Loop{
		gateway:   gateway,
		registry:  registry,
		gate:      gate,
		compactor: compactor,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Process runs one turn: compact if needed, append the user message, then
// iterate completions and tool executions until the model answers in plain
// text or the iteration budget runs out. The reply is always appended to
// conv before returning; LLM failures become a reply rather than an error
// so the conversation stays usable.
func (l *Loop) Process(ctx context.Context, conv *models.Conversation, userText string) (string, error) {
	if conv == nil {
		return "", errors.New("nil conversation")
	}
	log := l.logger.With("session_id", conv.SessionID, "user_key", conv.UserKey)

	if l.compactor != nil {
		if compacted, err := l.compactor.MaybeCompact(ctx, conv); err != nil {
			log.Warn("compaction failed, continuing with full history", "error", err)
		} else if compacted {
			l.metrics.CompactionsTotal.Inc()
		}
	}

	conv.Append(models.NewUserMessage(userText))

	defs := l.registry.Definitions()
	iterations := 0
	var lastContent string

	for iterations < l.cfg.MaxToolIterations {
		iterations++

		resp, err := l.gateway.Generate(ctx, &CompletionRequest{
			Model:     conv.ModelHint,
			System:    conv.SystemPrompt,
			Messages:  conv.Messages,
			Tools:     defs,
			MaxTokens: l.cfg.MaxTokens,
		})
		if err != nil {
			log.Error("llm generation failed", "iteration", iterations, "error", err)
			reply := "I encountered an error processing your message: " + err.Error()
			conv.Append(models.NewAssistantMessage(reply))
			l.metrics.AgentIterations.Observe(float64(iterations))
			return reply, nil
		}

		if len(resp.ToolCalls) == 0 {
			conv.Append(models.NewAssistantMessage(resp.Content))
			conv.Truncate(l.cfg.MaxContextMessages)
			l.metrics.AgentIterations.Observe(float64(iterations))
			return resp.Content, nil
		}

		lastContent = resp.Content
		assistant := models.NewAssistantMessage(resp.Content)
		assistant.ToolCalls = resp.ToolCalls
		conv.Append(assistant)

		for _, call := range resp.ToolCalls {
			conv.Append(l.runTool(ctx, log, call))
		}
	}

	reply := maxIterationsNotice
	if lastContent != "" {
		reply = lastContent + "\n\n" + maxIterationsNotice
	}
	conv.Append(models.NewAssistantMessage(reply))
	l.metrics.AgentIterations.Observe(float64(iterations))
	return reply, nil
}

// runTool resolves one tool call to its tool-role message. Calls gated on
// approval are recorded but not executed; the model decides whether to
// reissue them once a decision lands.
func (l *Loop) runTool(ctx context.Context, log *observability.Logger, call models.ToolCall) models.Message {
	if l.gate != nil && l.gate.NeedsApproval(call.Name) {
		approval := l.gate.Create(call.Name, call.Arguments, "")
		log.Info("tool call held for approval", "tool", call.Name, "approval_id", approval.ID)

		msg := models.NewToolMessage(call.ID, call.Name,
			fmt.Sprintf("approval required for tool: %s (id: %s)", call.Name, approval.ID))
		msg.Metadata = map[string]any{"is_error": true, "approval_id": approval.ID}
		return msg
	}

	if l.gate != nil && l.gate.RiskFor(call.Name) == RiskModerate {
		log.Warn("executing moderate-risk tool", "tool", call.Name)
	}

	toolCtx, span := l.tracer.TraceToolExecution(ctx, call.Name)
	start := time.Now()
	result := l.registry.Execute(toolCtx, call.Name, call.Arguments)
	l.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if !result.Success {
		outcome = "error"
		l.tracer.RecordError(span, errors.New(result.Error))
	}
	l.metrics.ToolExecutionsTotal.WithLabelValues(call.Name, outcome).Inc()
	span.End()

	log.Info("tool executed", "tool", call.Name, "success", result.Success)

	content := result.Output
	if !result.Success {
		content = "Error: " + result.Error
	}
	msg := models.NewToolMessage(call.ID, call.Name, content)
	if !result.Success {
		msg.Metadata = map[string]any{"is_error": true}
	}
	return msg
}
