package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient is a client for the OpenAI Chat Completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAIClient with an explicit API key. A custom
// baseURL routes requests to compatible endpoints.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai API key not configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	// The v2 SDK returns the client by value.
	c := openai.NewClient(opts...)
	return &OpenAIClient{client: &c, model: model}, nil
}

func (o *OpenAIClient) Name() string { return "openai" }

// Complete sends a completion request to the OpenAI API.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			chatMessages = append(chatMessages, openai.AssistantMessage(msg.Content))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: chatMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &Response{Model: resp.Model}, nil
	}
	return &Response{Content: resp.Choices[0].Message.Content, Model: resp.Model}, nil
}
