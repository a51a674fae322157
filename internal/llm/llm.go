// Package llm provides AI completion clients for debugger analysis. An
// Engine holds named provider clients (claude, openai, gemini, bedrock) and
// routes requests to the configured default, with an async variant used by
// the analysis pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m4rba4s/mcp-debugger/internal/logging"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Request is a completion request.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Response is a completion result.
type Response struct {
	Content string
	Model   string
}

// Client is a single AI provider.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Result is delivered on the channel returned by SendAsync.
type Result struct {
	Content string
	Err     error
}

const (
	defaultMaxTokens = 4096
	defaultTimeout   = 30 * time.Second
)

// ErrNoProvider is returned when no client is registered for a name.
var ErrNoProvider = errors.New("no such provider")

// Engine routes completion requests to registered provider clients.
type Engine struct {
	logger *logging.Logger

	mu          sync.RWMutex
	clients     map[string]Client
	defaultName string
	timeout     time.Duration
}

// NewEngine creates an empty Engine.
func NewEngine(logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NullLogger
	}
	return &Engine{
		logger:  logger.WithComponent("llm"),
		clients: make(map[string]Client),
		timeout: defaultTimeout,
	}
}

// Register adds a client. The first registered client becomes the default.
func (e *Engine) Register(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clients[c.Name()] = c
	if e.defaultName == "" {
		e.defaultName = c.Name()
	}
	e.logger.Debug("registered provider %s", c.Name())
}

// SetDefault selects the default provider by name.
func (e *Engine) SetDefault(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.clients[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNoProvider, name)
	}
	e.defaultName = name
	return nil
}

// SetTimeout sets the per-request deadline applied by SendRequest.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.timeout = d
	}
}

// Providers lists registered provider names.
func (e *Engine) Providers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.clients))
	for name := range e.clients {
		names = append(names, name)
	}
	return names
}

// client resolves a provider by name, or the default when name is empty.
func (e *Engine) client(name string) (Client, time.Duration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if name == "" {
		name = e.defaultName
	}
	c, ok := e.clients[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoProvider, name)
	}
	return c, e.timeout, nil
}

// SendRequest sends a prompt to the named provider (default when empty) and
// returns the completion text.
func (e *Engine) SendRequest(ctx context.Context, provider, system, prompt string) (string, error) {
	c, timeout, err := e.client(provider)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.Complete(ctx, Request{
		System:    system,
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: defaultMaxTokens,
	})
	if err != nil {
		e.logger.Error("provider %s request failed: %v", c.Name(), err)
		return "", fmt.Errorf("provider %s: %w", c.Name(), err)
	}
	e.logger.Debug("provider %s completed in %s", c.Name(), time.Since(start).Round(time.Millisecond))
	return resp.Content, nil
}

// SendAsync runs SendRequest on its own goroutine and delivers the outcome
// on the returned channel. The channel is buffered so the sender never
// blocks if the caller walks away.
func (e *Engine) SendAsync(ctx context.Context, provider, system, prompt string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		content, err := e.SendRequest(ctx, provider, system, prompt)
		out <- Result{Content: content, Err: err}
		close(out)
	}()
	return out
}
