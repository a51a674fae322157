package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m4rba4s/mcp-debugger/internal/logging"
)

// defaultConnectTimeout bounds transport establishment when none is configured.
const defaultConnectTimeout = 5 * time.Second

// Bridge owns one debugger connection. Connection-state fields are guarded by
// mu; the event queue has its own synchronization so slow handlers never
// block state transitions.
type Bridge struct {
	logger *logging.Logger

	mu           sync.Mutex
	state        ConnectionState
	mode         ConnectionMode
	modeLocked   bool
	transport    Transport
	debuggerPath string
	tcpEndpoint  string
	connTimeout  time.Duration
	host         HostHandle
	override     Transport

	queue  *eventQueue
	loopWG sync.WaitGroup

	handlerMu     sync.RWMutex
	handlers      []handlerEntry
	nextHandlerID uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMode sets the initial connection mode.
func WithMode(mode ConnectionMode) Option {
	return func(b *Bridge) { b.mode = mode }
}

// WithHostHandle supplies the in-process handle used by plugin mode. The
// handle is owned by the host-integration adapter, not by the bridge.
func WithHostHandle(handle HostHandle) Option {
	return func(b *Bridge) { b.host = handle }
}

// WithDebuggerPath sets the debugger executable used by external mode.
func WithDebuggerPath(path string) Option {
	return func(b *Bridge) { b.debuggerPath = path }
}

// WithTCPEndpoint sets the endpoint used by TCP mode.
func WithTCPEndpoint(endpoint string) Option {
	return func(b *Bridge) { b.tcpEndpoint = endpoint }
}

// WithConnectionTimeout sets the transport establishment timeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.connTimeout = d }
}

// WithTransport overrides strategy selection with a ready-made transport.
// Used by host adapters and tests.
func WithTransport(t Transport) Option {
	return func(b *Bridge) { b.override = t }
}

// New creates a disconnected Bridge. A nil logger disables bridge logging.
func New(logger *logging.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = logging.NullLogger
	}

	b := &Bridge{
		logger:      logger.WithComponent("bridge"),
		state:       StateDisconnected,
		mode:        ModePipe,
		connTimeout: defaultConnectTimeout,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// IsConnected reports whether the bridge is connected.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateConnected
}

// State returns the current connection state.
func (b *Bridge) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Mode returns the connection mode.
func (b *Bridge) Mode() ConnectionMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// SetConnectionMode selects the transport strategy. The mode is frozen after
// the first successful Connect; changing it afterward is a configuration
// error even when disconnected.
func (b *Bridge) SetConnectionMode(mode ConnectionMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.modeLocked {
		return fmt.Errorf("%w: connection mode cannot change after a successful connect", ErrConfiguration)
	}

	b.mode = mode
	return nil
}

// SetDebuggerPath sets the executable path used by external mode.
func (b *Bridge) SetDebuggerPath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.debuggerPath = path
}

// SetConnectionTimeout sets the transport establishment timeout.
func (b *Bridge) SetConnectionTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.connTimeout = d
	}
}

// Connect establishes the connection using the selected strategy and starts
// the event delivery loop. Connecting while connected is a no-op.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateConnected {
		return nil
	}

	b.state = StateConnecting

	transport := b.override
	if transport == nil {
		transport = b.buildTransport()
	}

	ctx, cancel := context.WithTimeout(ctx, b.connTimeout)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		b.state = StateDisconnected
		return err
	}

	b.transport = transport
	b.state = StateConnected
	b.modeLocked = true

	b.queue = newEventQueue(defaultQueueSize)
	b.loopWG.Add(1)
	go b.deliverEvents(b.queue)

	b.logger.Info("connected to debugger (%s mode)", b.mode)
	return nil
}

// buildTransport constructs the strategy for the current mode.
// Caller must hold b.mu.
func (b *Bridge) buildTransport() Transport {
	switch b.mode {
	case ModePlugin:
		return NewPluginTransport(b.host)
	case ModeExternal:
		return NewExternalTransport(b.debuggerPath)
	case ModePipe:
		return NewPipeTransport("", b.connTimeout)
	case ModeTCP:
		return NewTCPTransport(b.tcpEndpoint, b.connTimeout)
	default:
		return NewPipeTransport("", b.connTimeout)
	}
}

// Disconnect stops the event loop, waits for it to finish, and releases the
// transport. Disconnecting while disconnected is a no-op.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if b.state != StateConnected {
		b.mu.Unlock()
		return nil
	}

	queue := b.queue
	transport := b.transport
	b.queue = nil
	b.transport = nil
	b.state = StateDisconnected
	b.mu.Unlock()

	queue.close()
	b.loopWG.Wait()

	var err error
	if transport != nil {
		err = transport.Close()
	}

	b.logger.Info("disconnected from debugger")
	return err
}

// currentTransport returns the active transport or ErrNotConnected.
func (b *Bridge) currentTransport() (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected || b.transport == nil {
		return nil, ErrNotConnected
	}
	return b.transport, nil
}

// ExecuteCommand validates a command, sends it over the active transport, and
// returns the response with control characters stripped. Unsafe commands are
// rejected, never partially escaped and sent.
func (b *Bridge) ExecuteCommand(command string) (string, error) {
	transport, err := b.currentTransport()
	if err != nil {
		return "", err
	}

	if err := validateCommand(command); err != nil {
		return "", err
	}

	raw, err := transport.RoundTrip(command)
	if err != nil {
		return "", fmt.Errorf("execute command: %w", err)
	}

	b.logger.Debug("executed command: %s", command)
	return stripControl(raw), nil
}

// ReadMemory reads size bytes at address, producing a fresh MemoryDump owned
// by the caller. It uses the transport's direct memory path when available
// and falls back to the textual dump command otherwise.
func (b *Bridge) ReadMemory(address uint64, size int) (*MemoryDump, error) {
	transport, err := b.currentTransport()
	if err != nil {
		return nil, err
	}

	if err := validateMemoryAccess(address, size); err != nil {
		return nil, err
	}

	var data []byte
	if ma, ok := transport.(MemoryAccessor); ok {
		data, err = ma.ReadDirect(address, size)
		if err != nil {
			return nil, fmt.Errorf("direct memory read: %w", err)
		}
	} else {
		resp, err := b.ExecuteCommand(fmt.Sprintf("dump %s %x", formatAddress(address), size))
		if err != nil {
			return nil, err
		}
		data = parseHexBytes(resp, b.logger)
	}

	dump := &MemoryDump{
		BaseAddress: address,
		Data:        data,
		Size:        len(data),
		Timestamp:   time.Now(),
	}

	// Best effort; a missing symbol never fails the read.
	if module, err := b.symbolAt(address); err == nil {
		dump.ModuleName = module
	}

	return dump, nil
}

// WriteMemory writes data at address, using the direct path when the
// transport supports it and the fill command otherwise.
func (b *Bridge) WriteMemory(address uint64, data []byte) error {
	transport, err := b.currentTransport()
	if err != nil {
		return err
	}

	if err := validateMemoryAccess(address, len(data)); err != nil {
		return err
	}

	if ma, ok := transport.(MemoryAccessor); ok {
		if err := ma.WriteDirect(address, data); err != nil {
			return fmt.Errorf("direct memory write: %w", err)
		}
		return nil
	}

	_, err = b.ExecuteCommand(fmt.Sprintf("fill %s %s", formatAddress(address), hex.EncodeToString(data)))
	if err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// SetBreakpoint sets a breakpoint at address.
func (b *Bridge) SetBreakpoint(address uint64) error {
	if address == 0 {
		return fmt.Errorf("%w: null address", ErrValidation)
	}

	resp, err := b.ExecuteCommand("bp " + formatAddress(address))
	if err != nil {
		return fmt.Errorf("set breakpoint: %w", err)
	}

	if !strings.Contains(resp, "Breakpoint set") {
		return fmt.Errorf("%w: unexpected breakpoint response %q", ErrProtocol, resp)
	}

	b.logger.Info("set breakpoint at %s", formatAddress(address))
	return nil
}

// RegisterValue reads a register through the r command. The response is
// expected to contain "<REG>=<hex-value>".
func (b *Bridge) RegisterValue(name string) (uint64, error) {
	resp, err := b.ExecuteCommand("r " + name)
	if err != nil {
		return 0, err
	}

	pattern, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(name) + `\s*=\s*([0-9A-Fa-f]+)`)
	if err != nil {
		return 0, fmt.Errorf("%w: bad register name %q", ErrValidation, name)
	}

	match := pattern.FindStringSubmatch(resp)
	if match == nil {
		return 0, fmt.Errorf("%w: register value not found in %q", ErrProtocol, resp)
	}

	value, err := strconv.ParseUint(match[1], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse register value: %v", ErrProtocol, err)
	}

	return value, nil
}

// Disassembly fetches assembly text at address through the disasm command.
func (b *Bridge) Disassembly(address uint64) (string, error) {
	if address == 0 {
		return "", fmt.Errorf("%w: null address", ErrValidation)
	}

	b.logger.Debug("fetching disassembly at %s", formatAddress(address))
	return b.ExecuteCommand("disasm " + formatAddress(address))
}

// symbolAt resolves the symbol or module covering address.
func (b *Bridge) symbolAt(address uint64) (string, error) {
	return b.ExecuteCommand("sym " + formatAddress(address))
}
