package llm

import "context"

// MockClient is a canned-response client used when no provider credentials
// are configured, and in tests.
type MockClient struct {
	Response string
	Fail     error
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Fail != nil {
		return nil, m.Fail
	}
	content := m.Response
	if content == "" {
		content = "AI analysis is not configured. Set a provider API key to enable it."
	}
	return &Response{Content: content, Model: "mock"}, nil
}
