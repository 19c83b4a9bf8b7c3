// Package anthropic implements the model-transport port on top of the
// official Anthropic SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/llm"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
)

// Transport talks to the Anthropic Messages API.
type Transport struct {
	client anthropicsdk.Client
	model  string
}

// New creates a transport backed by the official SDK.
func New(apiKey, modelName string) (*Transport, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic transport requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultModel
	}

	return &Transport{
		client: anthropicsdk.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

// ModelName returns the configured model identifier.
func (t *Transport) ModelName() string {
	return t.model
}

// Converse submits a new statement with the running history.
func (t *Transport) Converse(ctx context.Context, req *llm.ConverseRequest) (*llm.ConverseResponse, error) {
	return t.send(ctx, req)
}

// RelayToolResults feeds tool results back as the next turn's input.
func (t *Transport) RelayToolResults(ctx context.Context, req *llm.ConverseRequest) (*llm.ConverseResponse, error) {
	if len(req.ToolResults) == 0 {
		return nil, llm.NewTransportError(llm.ReasonBadRequest, "relay requires tool results", nil)
	}
	return t.send(ctx, req)
}

// Complete runs a short single-prompt call for auxiliary generation.
func (t *Transport) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := t.send(ctx, &llm.ConverseRequest{Statement: prompt})
	if err != nil {
		return "", err
	}
	return resp.Answer, nil
}

func (t *Transport) send(ctx context.Context, req *llm.ConverseRequest) (*llm.ConverseResponse, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, llm.NewTransportError(llm.ReasonBadRequest, err.Error(), err)
	}

	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	return buildResponse(msg), nil
}

func (t *Transport) buildParams(req *llm.ConverseRequest) (anthropicsdk.MessageNewParams, error) {
	if req == nil {
		return anthropicsdk.MessageNewParams{}, fmt.Errorf("converse request cannot be nil")
	}

	opts := req.Options
	if opts == nil {
		opts = &llm.Options{}
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = t.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	chat, err := convertHistory(req.History)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	// The new statement (plus any resolved attachments) or the batch of
	// tool results forms the final user message.
	if final := buildFinalUserMessage(req); len(final) > 0 {
		chat = append(chat, anthropicsdk.MessageParam{
			Role:    anthropicsdk.MessageParamRoleUser,
			Content: final,
		})
	}
	if len(chat) == 0 {
		return anthropicsdk.MessageNewParams{}, fmt.Errorf("converse requires at least one message")
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  chat,
	}

	if sys := strings.TrimSpace(opts.SystemPrompt); sys != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: sys}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(opts.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

func buildFinalUserMessage(req *llm.ConverseRequest) []anthropicsdk.ContentBlockParamUnion {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(req.ToolResults)+len(req.Attachments))

	for _, result := range req.ToolResults {
		blocks = append(blocks, anthropicsdk.NewToolResultBlock(result.ToolUseID, result.Content, result.IsError))
	}
	for _, att := range req.Attachments {
		if att.Text != "" {
			blocks = append(blocks, anthropicsdk.NewTextBlock(att.Text))
		}
	}
	if text := strings.TrimSpace(req.Statement); text != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(text))
	}

	return blocks
}

func convertHistory(messages []llm.Message) ([]anthropicsdk.MessageParam, error) {
	chat := make([]anthropicsdk.MessageParam, 0, len(messages))

	for idx, msg := range messages {
		switch msg.Role {
		case "assistant":
			blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				if call.Name == "" {
					return nil, fmt.Errorf("assistant message %d has a tool call without a name", idx)
				}
				input := call.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			chat = append(chat, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: blocks,
			})
		case "tool":
			if msg.ToolUseID == "" {
				if msg.Content == "" {
					continue
				}
				chat = append(chat, anthropicsdk.MessageParam{
					Role:    anthropicsdk.MessageParamRoleUser,
					Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(msg.Content)},
				})
				continue
			}
			chat = append(chat, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewToolResultBlock(msg.ToolUseID, msg.Content, false)},
			})
		default:
			if msg.Content == "" {
				continue
			}
			chat = append(chat, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(msg.Content)},
			})
		}
	}

	return chat, nil
}

func convertTools(tools []llm.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))

	for _, def := range tools {
		if def.Name == "" {
			continue
		}

		schema := anthropicsdk.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if def.InputSchema != nil {
			if props, ok := def.InputSchema["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := def.InputSchema["required"].([]string); ok && len(req) > 0 {
				schema.Required = req
			}
		}

		tool := &anthropicsdk.ToolParam{
			Name:        def.Name,
			InputSchema: schema,
			Type:        anthropicsdk.ToolTypeCustom,
		}
		if def.Description != "" {
			tool.Description = anthropicsdk.String(def.Description)
		}

		result = append(result, anthropicsdk.ToolUnionParam{OfTool: tool})
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

func buildResponse(msg *anthropicsdk.Message) *llm.ConverseResponse {
	if msg == nil {
		return &llm.ConverseResponse{}
	}

	var sb strings.Builder
	var toolsUsed []llm.ToolUse

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Text)
		case "tool_use":
			use := llm.ToolUse{ID: block.ID, Name: block.Name}
			if len(block.Input) > 0 {
				use.Input = decodeInput(block.Input)
			}
			toolsUsed = append(toolsUsed, use)
		}
	}

	return &llm.ConverseResponse{
		Answer:     sb.String(),
		ToolsUsed:  toolsUsed,
		StopReason: string(msg.StopReason),
		Usage: core.TokenUsage{
			InputTokens:         int(msg.Usage.InputTokens),
			OutputTokens:        int(msg.Usage.OutputTokens),
			CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
		},
	}
}

func decodeInput(raw []byte) map[string]interface{} {
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]interface{}{"_raw": string(raw)}
	}
	return decoded
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTransportError(llm.ReasonTimeout, "anthropic call interrupted", err)
	}

	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429:
			return llm.NewTransportError(llm.ReasonRateLimited, "anthropic rate limited", err)
		case 401, 403:
			return llm.NewTransportError(llm.ReasonInvalidAuth, "anthropic authentication failed", err)
		case 400, 404, 422:
			return llm.NewTransportError(llm.ReasonBadRequest, "anthropic rejected the request", err)
		case 500, 502, 503, 529:
			return llm.NewTransportError(llm.ReasonOverloaded, "anthropic overloaded", err)
		}
	}

	return llm.NewTransportError(llm.ReasonUnavailable, "anthropic call failed", err)
}
