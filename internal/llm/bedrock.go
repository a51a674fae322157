package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockClient invokes Anthropic models hosted on AWS Bedrock. Credentials
// come from the standard AWS environment rather than the credential store.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient creates a BedrockClient using the default AWS config chain.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

func (b *BedrockClient) Name() string { return "bedrock" }

// Complete invokes the model through the Bedrock runtime.
func (b *BedrockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := buildBedrockRequest(req)
	if err != nil {
		return nil, fmt.Errorf("build bedrock request: %w", err)
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke bedrock model: %w", err)
	}

	content, err := parseBedrockResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Content: content, Model: b.modelID}, nil
}

// buildBedrockRequest encodes a request in the Anthropic-on-Bedrock format.
func buildBedrockRequest(req Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, map[string]any{
			"role": role,
			"content": []map[string]any{
				{"type": "text", "text": msg.Content},
			},
		})
	}

	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
	}
	if req.System != "" {
		request["system"] = req.System
	}
	return json.Marshal(request)
}

// parseBedrockResponse extracts the text blocks from a Bedrock response body.
func parseBedrockResponse(body []byte) (string, error) {
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parse bedrock response: %w", err)
	}
	if errMsg, ok := response["error"]; ok {
		return "", fmt.Errorf("bedrock API error: %v", errMsg)
	}

	contentArray, ok := response["content"].([]any)
	if !ok {
		return "", nil
	}

	var content string
	for _, item := range contentArray {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if block["type"] == "text" {
			if text, ok := block["text"].(string); ok {
				content += text
			}
		}
	}
	return content, nil
}
