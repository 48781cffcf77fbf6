package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider speaks the Gemini API through the Gen AI SDK's streaming
// iterator. Gemini has no native tool-call IDs, so the provider synthesizes
// them and recovers tool names from the transcript when sending results back.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	maxTokens    int
}

// NewGoogleProvider builds a provider from cfg. The API key is required;
// everything else has defaults.
func NewGoogleProvider(ctx context.Context, cfg Config) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google: API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: orDefault(cfg.Model, defaultGoogleModel),
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Models returns the Gemini models this provider serves.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000},
	}
}

// SupportsTools reports function-calling support; always true for Gemini models.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete issues one streaming request. Conversion problems fail fast;
// transport and API failures arrive as an Error chunk on the channel.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)

	config, err := p.buildConfig(req)
	if err != nil {
		return nil, &GatewayError{
			Kind:     KindInvalidRequest,
			Provider: "google",
			Model:    model,
			Message:  err.Error(),
			Cause:    err,
		}
	}
	contents := convertGoogleMessages(req.Messages)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}

	// The system prompt travels outside the content list in this API.
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	tokens := min(tokensOrDefault(req.MaxTokens, p.maxTokens), math.MaxInt32)
	config.MaxOutputTokens = int32(tokens)

	if len(req.Tools) > 0 {
		tools, err := convertGoogleTools(req.Tools)
		if err != nil {
			return nil, err
		}
		config.Tools = tools
	}
	return config, nil
}

// processStream walks the response iterator and emits chunks. Gemini
// delivers whole function calls per part, so no fragment accumulation is
// needed, but it reports STOP even when requesting calls.
func (p *GoogleProvider) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk, model string) {
	var inputTokens, outputTokens int
	var stopReason string
	sawToolCall := false

	for resp, err := range stream {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: p.wrapError(ctx.Err(), model)}
			return
		default:
		}

		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}
		if resp == nil {
			continue
		}

		if usage := resp.UsageMetadata; usage != nil {
			if usage.PromptTokenCount > 0 {
				inputTokens = int(usage.PromptTokenCount)
			}
			if usage.CandidatesTokenCount > 0 {
				outputTokens = int(usage.CandidatesTokenCount)
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}

			switch candidate.FinishReason {
			case genai.FinishReasonStop:
				stopReason = agent.StopEndTurn
			case genai.FinishReasonMaxTokens:
				stopReason = agent.StopMaxTokens
			}

			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					sawToolCall = true
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
						ID:        synthesizeToolCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Arguments: args,
					}}
				}
			}
		}
	}

	if sawToolCall {
		stopReason = agent.StopToolUse
	}
	chunks <- &agent.CompletionChunk{
		Done:         true,
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

// convertGoogleMessages maps transcript messages onto Gemini's user/model
// content structure: assistants become the model role, tool results ride in
// user-role function responses, and in-transcript system text degrades to a
// user part since the API takes system instructions out of band.
func convertGoogleMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		content := &genai.Content{}

		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: call.Name,
						Args: args,
					},
				})
			}

		case models.RoleTool:
			content.Role = genai.RoleUser

			// Structured output passes through; plain text gets wrapped so
			// the response is always a JSON object.
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				isErr, _ := msg.Metadata["is_error"].(bool)
				response = map[string]any{
					"result": msg.Content,
					"error":  isErr,
				}
			}

			name := msg.ToolName
			if name == "" {
				name = toolNameFromID(msg.ToolCallID, messages)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: response,
				},
			})

		default:
			content.Role = genai.RoleUser
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func convertGoogleTools(tools []models.ToolDefinition) ([]*genai.Tool, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))

	for _, def := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Parameters, &schemaMap); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toGoogleSchema(schemaMap),
		})
	}

	return []*genai.Tool{{FunctionDeclarations: declarations}}, nil
}

// toGoogleSchema converts a JSON Schema map to Gemini's typed Schema,
// recursing through properties and array items.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}

	return schema
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsGatewayError(err); ok {
		return err
	}

	gwErr := NewGatewayError("google", model, err)

	// The SDK surfaces gRPC-style statuses in error text; map the common
	// ones onto HTTP statuses so classification matches other backends.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthenticated"):
		gwErr = gwErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "permission denied"):
		gwErr = gwErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "quota"):
		gwErr = gwErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "invalid argument"):
		gwErr = gwErr.WithStatus(http.StatusBadRequest)
	}
	return gwErr
}

func (p *GoogleProvider) model(requested string) string {
	return orDefault(requested, p.defaultModel)
}

// synthesizeToolCallID fabricates an ID for a Gemini function call since the
// API does not issue one. The name is embedded so results can be routed back
// even if the originating message is gone.
func synthesizeToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromID recovers a tool name by scanning the transcript for the
// matching call, falling back to parsing the synthesized ID shape.
func toolNameFromID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			if call.ID == toolCallID {
				return call.Name
			}
		}
	}

	// Synthesized IDs look like call_<name>_<nanos>; the name may itself
	// contain underscores, so split from the right.
	trimmed := strings.TrimPrefix(toolCallID, "call_")
	if i := strings.LastIndex(trimmed, "_"); i > 0 {
		return trimmed[:i]
	}
	return ""
}
