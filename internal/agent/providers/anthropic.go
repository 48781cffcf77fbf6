package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider speaks the Anthropic Messages API with SSE streaming.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider builds a provider from cfg. The API key is required;
// everything else has defaults.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: orDefault(cfg.Model, defaultAnthropicModel),
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the Claude models this provider serves.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000},
	}
}

// SupportsTools reports tool-use support; always true for Claude models.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete issues one streaming request. Conversion problems fail fast;
// transport and API failures arrive as an Error chunk on the channel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)

	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, &GatewayError{
			Kind:     KindInvalidRequest,
			Provider: "anthropic",
			Model:    model,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(tokensOrDefault(req.MaxTokens, p.maxTokens)),
	}

	// The system prompt travels outside the message list in this API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream walks the SSE event stream and emits chunks. Tool-call
// argument JSON arrives fragmented across input_json_delta events and is
// assembled per content block.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var toolCall *models.ToolCall
	var toolInput strings.Builder
	emptyEvents := 0

	var inputTokens, outputTokens int
	var stopReason string

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				toolCall.Arguments = decodeToolInput(toolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: toolCall}
				toolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents), model),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// convertAnthropicMessages maps transcript messages onto Anthropic's
// user/assistant block structure: tool results ride in user messages,
// tool calls in assistant tool_use blocks, and any in-transcript system
// text degrades to a user block since the API takes system out of band.
func convertAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			isErr, _ := msg.Metadata["is_error"].(bool)
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isErr),
			))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}

func convertAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, def := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsGatewayError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		gwErr := NewGatewayError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if raw := apiErr.RawJSON(); raw != "" {
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				gwErr = gwErr.WithMessage(payload.Error.Message)
			}
		}
		return gwErr
	}

	return NewGatewayError("anthropic", model, err)
}

func (p *AnthropicProvider) model(requested string) string {
	return orDefault(requested, p.defaultModel)
}
