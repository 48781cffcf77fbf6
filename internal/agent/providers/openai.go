package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider speaks the Chat Completions API with SSE streaming.
// BaseURL overrides make it serve any OpenAI-compatible gateway.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// NewOpenAIProvider builds a provider from cfg. The API key is required;
// everything else has defaults.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: orDefault(cfg.Model, defaultOpenAIModel),
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns the GPT models this provider serves.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

// SupportsTools reports function-calling support; always true for GPT models.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete issues one streaming request. Conversion problems fail fast;
// transport and API failures arrive as an Error chunk on the channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)

	chatReq, err := p.buildRequest(req, model)
	if err != nil {
		return nil, &GatewayError{
			Kind:     KindInvalidRequest,
			Provider: "openai",
			Model:    model,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest, model string) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.Messages, req.System),
		MaxTokens: tokensOrDefault(req.MaxTokens, p.maxTokens),
		Stream:    true,
		// The terminal frame carries token usage only when this is set.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	if len(req.Tools) > 0 {
		tools, err := convertOpenAITools(req.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		chatReq.Tools = tools
	}
	return chatReq, nil
}

// toolCallDraft accumulates one tool call while its fragments stream in.
// The ID and name arrive on the first delta for an index, the argument
// JSON in pieces across the rest.
type toolCallDraft struct {
	id   string
	name string
	args strings.Builder
}

// processStream walks the delta stream and emits chunks. Parallel tool
// calls are keyed by delta index and flushed when the finish reason says
// they are complete, or at EOF for streams that never report one.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	drafts := make(map[int]*toolCallDraft)
	var inputTokens, outputTokens int
	var stopReason string

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: p.wrapError(ctx.Err(), model)}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls(drafts, chunks)
				chunks <- &agent.CompletionChunk{
					Done:         true,
					StopReason:   stopReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		// The usage frame arrives after the last choice-bearing frame.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			draft := drafts[index]
			if draft == nil {
				draft = &toolCallDraft{}
				drafts[index] = draft
			}
			if tc.ID != "" {
				draft.id = tc.ID
			}
			if tc.Function.Name != "" {
				draft.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				draft.args.WriteString(tc.Function.Arguments)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonStop:
			stopReason = agent.StopEndTurn
		case openai.FinishReasonLength:
			stopReason = agent.StopMaxTokens
		case openai.FinishReasonToolCalls:
			stopReason = agent.StopToolUse
			flushToolCalls(drafts, chunks)
			drafts = make(map[int]*toolCallDraft)
		}
	}
}

// flushToolCalls emits completed drafts in index order so the transcript
// records tool calls in the order the model issued them.
func flushToolCalls(drafts map[int]*toolCallDraft, chunks chan<- *agent.CompletionChunk) {
	indexes := make([]int, 0, len(drafts))
	for i := range drafts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		draft := drafts[i]
		if draft.id == "" || draft.name == "" {
			continue
		}
		chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
			ID:        draft.id,
			Name:      draft.name,
			Arguments: decodeToolInput(draft.args.String()),
		}}
	}
}

// convertOpenAIMessages maps transcript messages onto the Chat Completions
// shape: the system prompt rides in the message list, tool results become
// standalone tool-role messages linked by ToolCallID, and assistant tool
// calls carry their arguments re-encoded as JSON strings.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: marshalToolArgs(call.Arguments),
					},
				})
			}
			if oaiMsg.Content == "" && len(oaiMsg.ToolCalls) == 0 {
				continue
			}
			result = append(result, oaiMsg)

		case models.RoleSystem:
			if msg.Content == "" {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			if msg.Content == "" {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []models.ToolDefinition) ([]openai.Tool, error) {
	result := make([]openai.Tool, 0, len(tools))

	for _, def := range tools {
		var schema map[string]any
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		})
	}
	return result, nil
}

func marshalToolArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsGatewayError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		gwErr := NewGatewayError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			gwErr = gwErr.WithMessage(apiErr.Message)
		}
		return gwErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewGatewayError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewGatewayError("openai", model, err)
}

func (p *OpenAIProvider) model(requested string) string {
	return orDefault(requested, p.defaultModel)
}
