package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ClaudeClient is a client for the Anthropic API.
type ClaudeClient struct {
	client *anthropic.Client
	model  string
}

// NewClaudeClient creates a ClaudeClient with an explicit API key.
func NewClaudeClient(apiKey, model, baseURL string) (*ClaudeClient, error) {
	if apiKey == "" {
		return nil, errors.New("claude API key not configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := anthropic.NewClient(opts...)
	return &ClaudeClient{client: &client, model: model}, nil
}

func (c *ClaudeClient) Name() string { return "claude" }

// Complete sends a completion request to the Anthropic API.
func (c *ClaudeClient) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessagesToAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}
	return &Response{Content: content, Model: string(resp.Model)}, nil
}

// convertMessagesToAnthropicMessages converts our message format to the
// Anthropic SDK's.
func convertMessagesToAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				}},
			})
		default:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	return out
}
