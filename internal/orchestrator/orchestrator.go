// Package orchestrator wires the subsystems together: it builds the logger,
// credential store, configuration, expression evaluator, dump analyzer,
// debugger bridge, and AI engine in dependency order, hands out their
// handles, and drives the AI analysis workflow.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4rba4s/mcp-debugger/internal/analyzer"
	"github.com/m4rba4s/mcp-debugger/internal/bridge"
	"github.com/m4rba4s/mcp-debugger/internal/config"
	"github.com/m4rba4s/mcp-debugger/internal/expr"
	"github.com/m4rba4s/mcp-debugger/internal/llm"
	"github.com/m4rba4s/mcp-debugger/internal/logging"
	"github.com/m4rba4s/mcp-debugger/internal/security"
)

// DebugBridge is the slice of bridge functionality the orchestrator and its
// front ends consume.
type DebugBridge interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	ExecuteCommand(command string) (string, error)
	ReadMemory(address uint64, size int) (*bridge.MemoryDump, error)
	WriteMemory(address uint64, data []byte) error
	SetBreakpoint(address uint64) error
	RegisterValue(name string) (uint64, error)
	Disassembly(address uint64) (string, error)
	RegisterEventHandler(handler bridge.EventHandler) uint64
}

// LLMEngine is the asynchronous completion service the analysis workflow
// consumes.
type LLMEngine interface {
	SendAsync(ctx context.Context, provider, system, prompt string) <-chan llm.Result
}

// Options configures an Orchestrator.
type Options struct {
	// ConfigPath points at a YAML or JSON configuration file. Empty uses
	// built-in defaults.
	ConfigPath string

	// Passphrase opens the credential store. Empty leaves it locked; AI
	// providers then fall back to configured or mock credentials.
	Passphrase string

	// LogLevel overrides the configured log level when non-empty.
	LogLevel string

	// Bridge and Engine replace the built subsystems. Used by front ends
	// embedding the orchestrator in a plugin host, and by tests.
	Bridge DebugBridge
	Engine LLMEngine
}

// Orchestrator owns the subsystem handles. After a successful Initialize the
// handle set is immutable, so accessors skip the lock once the ready flag is
// observed.
type Orchestrator struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	initOrder   []string

	ready atomic.Bool

	// bridgeRef mirrors the bridge handle for the expression evaluator,
	// which may be mid-call while Shutdown holds o.mu and waits for it.
	bridgeRef atomic.Value // bridgeBox

	logger    *logging.Logger
	store     *security.Store
	cfg       *config.Manager
	evaluator *expr.Evaluator
	analyzer  *analyzer.Analyzer
	bridge    DebugBridge
	engine    LLMEngine
}

// New creates an Orchestrator. Call Initialize before using it.
func New(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

// Initialize builds every subsystem in dependency order. It is idempotent:
// if the orchestrator is already initialized it returns immediately. The
// first construction failure tears down everything already built and is
// returned; no caller ever observes a half-initialized orchestrator.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"logger", o.initLogger},
		{"security", o.initSecurity},
		{"config", o.initConfig},
		{"evaluator", o.initEvaluator},
		{"analyzer", o.initAnalyzer},
		{"bridge", o.initBridge},
		{"llm engine", o.initEngine},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			o.rollback()
			return &InitError{Component: step.name, Err: err}
		}
		o.initOrder = append(o.initOrder, step.name)
	}

	o.initialized = true
	o.ready.Store(true)
	o.logger.Info("orchestrator initialized")
	return nil
}

// IsInitialized reports whether Initialize has completed successfully.
func (o *Orchestrator) IsInitialized() bool {
	if o.ready.Load() {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// Shutdown tears down subsystems in reverse dependency order, logger last so
// shutdown messages are still captured. Calling it again, or before
// Initialize, is a no-op.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return
	}

	o.ready.Store(false)
	o.logger.Info("orchestrator shutting down")
	o.rollback()
	o.initialized = false
}

// rollback unwinds initialized components in reverse order. Caller holds
// o.mu.
func (o *Orchestrator) rollback() {
	for i := len(o.initOrder) - 1; i >= 0; i-- {
		switch o.initOrder[i] {
		case "llm engine":
			o.engine = nil
		case "bridge":
			if o.bridge != nil && o.bridge.IsConnected() {
				if err := o.bridge.Disconnect(); err != nil {
					o.logger.Warn("bridge disconnect during teardown: %v", err)
				}
			}
			o.bridge = nil
			o.bridgeRef.Store(bridgeBox{})
		case "analyzer":
			o.analyzer = nil
		case "evaluator":
			if o.evaluator != nil {
				o.evaluator.Close()
				o.evaluator = nil
			}
		case "config":
			o.cfg = nil
		case "security":
			if o.store != nil {
				o.store.Clear()
				o.store = nil
			}
		case "logger":
			if o.logger != nil {
				_ = o.logger.Close()
			}
			o.logger = logging.NullLogger
		}
	}
	o.initOrder = o.initOrder[:0]
}

func (o *Orchestrator) initLogger(ctx context.Context) error {
	level := logging.LevelInfo
	if o.opts.LogLevel != "" {
		parsed, err := logging.ParseLevel(o.opts.LogLevel)
		if err != nil {
			return err
		}
		level = parsed
	}

	logger, err := logging.New(logging.Config{
		Level:  level,
		Output: os.Stderr,
		Prefix: "mcpdbg",
	})
	if err != nil {
		return err
	}
	o.logger = logger
	return nil
}

func (o *Orchestrator) initSecurity(ctx context.Context) error {
	o.store = security.NewStore()
	if o.opts.Passphrase != "" {
		if err := o.store.Unlock(o.opts.Passphrase); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) initConfig(ctx context.Context) error {
	manager, err := config.NewManager()
	if err != nil {
		return err
	}
	// An explicit path wins over any user-level config file.
	path := o.opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path != "" {
		if err := manager.Load(path); err != nil {
			return err
		}
	}
	o.cfg = manager

	cfg := manager.Get()
	if o.opts.LogLevel == "" && cfg.Log.Level != "" {
		if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
			o.logger.SetLevel(level)
		}
	}

	// Credential store file. A configured path wins; otherwise probe the
	// user-level dotfile -set-key writes to.
	storePath := cfg.Security.CredentialStorePath
	if storePath == "" {
		storePath = security.DefaultStorePath()
	}
	if o.opts.Passphrase != "" {
		if _, err := os.Stat(storePath); err == nil {
			if err := o.store.Load(storePath, o.opts.Passphrase); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) initEvaluator(ctx context.Context) error {
	// The evaluator resolves the bridge lazily through the orchestrator,
	// since the bridge is constructed later in the sequence.
	o.evaluator = expr.New(o.logger, &bridgeSession{o: o})
	return nil
}

func (o *Orchestrator) initAnalyzer(ctx context.Context) error {
	o.analyzer = analyzer.New(o.logger)
	return nil
}

func (o *Orchestrator) initBridge(ctx context.Context) error {
	if o.opts.Bridge != nil {
		o.bridge = o.opts.Bridge
		o.bridgeRef.Store(bridgeBox{b: o.bridge})
		return nil
	}

	cfg := o.cfg.Get().Debug
	mode, err := parseConnectionMode(cfg.ConnectionMode)
	if err != nil {
		return err
	}

	bridgeOpts := []bridge.Option{bridge.WithMode(mode)}
	if cfg.DebuggerPath != "" {
		bridgeOpts = append(bridgeOpts, bridge.WithDebuggerPath(cfg.DebuggerPath))
	}
	if cfg.TCPEndpoint != "" {
		bridgeOpts = append(bridgeOpts, bridge.WithTCPEndpoint(cfg.TCPEndpoint))
	}
	if cfg.ConnectionTimeoutMS > 0 {
		bridgeOpts = append(bridgeOpts, bridge.WithConnectionTimeout(time.Duration(cfg.ConnectionTimeoutMS)*time.Millisecond))
	}

	o.bridge = bridge.New(o.logger, bridgeOpts...)
	o.bridgeRef.Store(bridgeBox{b: o.bridge})
	return nil
}

func (o *Orchestrator) initEngine(ctx context.Context) error {
	if o.opts.Engine != nil {
		o.engine = o.opts.Engine
		return nil
	}

	engine := llm.NewEngine(o.logger)
	cfg := o.cfg.Get()

	for name, api := range cfg.Providers {
		key := api.APIKey
		if stored, err := o.store.Get(name); err == nil {
			key = stored
		}

		client, err := buildProvider(ctx, name, key, api)
		if err != nil {
			o.logger.Debug("provider %s not available: %v", name, err)
			continue
		}
		engine.Register(client)
	}

	// The mock client keeps analysis usable with no credentials at all,
	// and acts as the default only when nothing real registered.
	if len(engine.Providers()) == 0 {
		o.logger.Warn("no AI providers configured, analysis will return placeholder text")
	}
	engine.Register(&llm.MockClient{})

	if cfg.DefaultProvider != "" {
		if err := engine.SetDefault(cfg.DefaultProvider); err != nil {
			o.logger.Warn("default provider %s not registered, using %s", cfg.DefaultProvider, engine.Providers()[0])
		}
	}

	o.engine = engine
	return nil
}

// buildProvider constructs a single provider client.
func buildProvider(ctx context.Context, name, key string, api config.APIConfig) (llm.Client, error) {
	switch name {
	case "claude", "anthropic":
		return llm.NewClaudeClient(key, api.Model, api.BaseURL)
	case "openai":
		return llm.NewOpenAIClient(key, api.Model, api.BaseURL)
	case "gemini":
		return llm.NewGeminiClient(ctx, key, api.Model)
	case "bedrock":
		return llm.NewBedrockClient(ctx, api.Model)
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

func parseConnectionMode(s string) (bridge.ConnectionMode, error) {
	switch strings.ToLower(s) {
	case "plugin":
		return bridge.ModePlugin, nil
	case "external":
		return bridge.ModeExternal, nil
	case "", "pipe":
		return bridge.ModePipe, nil
	case "tcp":
		return bridge.ModeTCP, nil
	}
	return 0, &InitError{Component: "bridge", Err: bridge.ErrConfiguration}
}

// Bridge returns the debugger bridge handle. Nil before Initialize.
func (o *Orchestrator) Bridge() DebugBridge {
	if o.ready.Load() {
		return o.bridge
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bridge
}

// Engine returns the AI engine handle. Nil before Initialize.
func (o *Orchestrator) Engine() LLMEngine {
	if o.ready.Load() {
		return o.engine
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.engine
}

// Config returns the configuration manager. Nil before Initialize.
func (o *Orchestrator) Config() *config.Manager {
	if o.ready.Load() {
		return o.cfg
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Security returns the credential store. Nil before Initialize.
func (o *Orchestrator) Security() *security.Store {
	if o.ready.Load() {
		return o.store
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}

// Analyzer returns the dump analyzer. Nil before Initialize.
func (o *Orchestrator) Analyzer() *analyzer.Analyzer {
	if o.ready.Load() {
		return o.analyzer
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.analyzer
}

// Evaluator returns the expression evaluator. Nil before Initialize.
func (o *Orchestrator) Evaluator() *expr.Evaluator {
	if o.ready.Load() {
		return o.evaluator
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evaluator
}

// Logger returns the orchestrator's logger, or the null logger before
// Initialize.
func (o *Orchestrator) Logger() *logging.Logger {
	var logger *logging.Logger
	if o.ready.Load() {
		logger = o.logger
	} else {
		o.mu.Lock()
		logger = o.logger
		o.mu.Unlock()
	}
	if logger == nil {
		return logging.NullLogger
	}
	return logger
}

// bridgeBox wraps the bridge handle so it can live in an atomic.Value even
// when nil.
type bridgeBox struct {
	b DebugBridge
}

// bridgeSession adapts the orchestrator's bridge handle to the expression
// evaluator's session interface. It reads through the atomic mirror rather
// than the accessor so an in-flight expression never contends with
// Initialize or Shutdown for the orchestrator lock.
type bridgeSession struct {
	o *Orchestrator
}

func (s *bridgeSession) bridge() DebugBridge {
	if box, ok := s.o.bridgeRef.Load().(bridgeBox); ok {
		return box.b
	}
	return nil
}

func (s *bridgeSession) ExecuteCommand(command string) (string, error) {
	b := s.bridge()
	if b == nil {
		return "", ErrBridgeUnavailable
	}
	return b.ExecuteCommand(command)
}

func (s *bridgeSession) ReadMemory(address uint64, size int) (*bridge.MemoryDump, error) {
	b := s.bridge()
	if b == nil {
		return nil, ErrBridgeUnavailable
	}
	return b.ReadMemory(address, size)
}

func (s *bridgeSession) RegisterValue(name string) (uint64, error) {
	b := s.bridge()
	if b == nil {
		return 0, ErrBridgeUnavailable
	}
	return b.RegisterValue(name)
}
