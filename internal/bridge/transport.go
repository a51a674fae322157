package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Transport is the channel carrying commands and responses to the debugger.
// One concrete strategy is selected per connection; implementations serialize
// their own round-trips.
type Transport interface {
	// Connect establishes the channel.
	Connect(ctx context.Context) error

	// RoundTrip sends one command line and returns the raw response line.
	RoundTrip(command string) (string, error)

	// Close releases the channel's resources.
	Close() error
}

// MemoryAccessor is an optional Transport capability for direct memory access
// that bypasses the textual command path.
type MemoryAccessor interface {
	ReadDirect(address uint64, size int) ([]byte, error)
	WriteDirect(address uint64, data []byte) error
}

// HostHandle is the in-process integration surface a debugger host provides
// when this code is loaded as a plugin. It is passed explicitly by the host
// adapter; the bridge never consults process-global state for it.
type HostHandle interface {
	ExecCommand(command string) (string, error)
	ReadMemory(address uint64, size int) ([]byte, error)
	WriteMemory(address uint64, data []byte) error
}

// PipeName is the well-known local socket the debugger listens on in pipe mode.
const PipeName = "/tmp/x64dbg_bridge.sock"

// debuggerSearchPaths are checked in order when no executable path is configured.
var debuggerSearchPaths = []string{
	"/opt/x64dbg/x64dbg",
	"/usr/local/bin/x64dbg",
	"/usr/bin/x64dbg",
}

// lineConn speaks the line-oriented ASCII protocol over any stream. The mutex
// serializes the full round-trip so concurrent commands cannot interleave on
// the wire.
type lineConn struct {
	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
}

func newLineConn(rwc io.ReadWriteCloser) *lineConn {
	return &lineConn{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

func (c *lineConn) roundTrip(command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.WriteString(c.rwc, command+"\n"); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", fmt.Errorf("read response: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (c *lineConn) close() error {
	return c.rwc.Close()
}

// PluginTransport routes commands through a host-provided in-process handle.
type PluginTransport struct {
	handle HostHandle
}

// NewPluginTransport creates a plugin transport for the given host handle.
// The handle may be nil, in which case Connect fails.
func NewPluginTransport(handle HostHandle) *PluginTransport {
	return &PluginTransport{handle: handle}
}

// Connect succeeds only when the host has supplied a handle.
func (t *PluginTransport) Connect(_ context.Context) error {
	if t.handle == nil {
		return fmt.Errorf("%w: plugin host handle not available", ErrConnection)
	}
	return nil
}

// RoundTrip executes a command through the host handle.
func (t *PluginTransport) RoundTrip(command string) (string, error) {
	if t.handle == nil {
		return "", fmt.Errorf("%w: plugin host handle not available", ErrConnection)
	}
	return t.handle.ExecCommand(command)
}

// ReadDirect reads target memory through the host handle.
func (t *PluginTransport) ReadDirect(address uint64, size int) ([]byte, error) {
	if t.handle == nil {
		return nil, fmt.Errorf("%w: plugin host handle not available", ErrConnection)
	}
	return t.handle.ReadMemory(address, size)
}

// WriteDirect writes target memory through the host handle.
func (t *PluginTransport) WriteDirect(address uint64, data []byte) error {
	if t.handle == nil {
		return fmt.Errorf("%w: plugin host handle not available", ErrConnection)
	}
	return t.handle.WriteMemory(address, data)
}

// Close is a no-op; the host owns the handle's lifetime.
func (t *PluginTransport) Close() error {
	return nil
}

// ExternalTransport launches the debugger executable as a subprocess and
// drives it over stdin/stdout.
type ExternalTransport struct {
	path string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	conn   *lineConn
}

// NewExternalTransport creates an external transport. An empty path triggers
// a search of the known installation locations at connect time.
func NewExternalTransport(path string) *ExternalTransport {
	return &ExternalTransport{path: path}
}

// Connect resolves the executable and starts the controllable session.
func (t *ExternalTransport) Connect(ctx context.Context) error {
	path := t.path
	if path == "" {
		path = findDebuggerExecutable()
		if path == "" {
			return fmt.Errorf("%w: debugger executable not found", ErrConnection)
		}
	}

	cmd := exec.CommandContext(ctx, path, "--server")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: get stdin pipe: %v", ErrConnection, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: get stdout pipe: %v", ErrConnection, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("%w: start %s: %v", ErrConnection, path, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.conn = newLineConn(&processPipe{w: stdin, r: stdout})
	return nil
}

// RoundTrip sends a command to the subprocess.
func (t *ExternalTransport) RoundTrip(command string) (string, error) {
	if t.conn == nil {
		return "", fmt.Errorf("%w: session not established", ErrConnection)
	}
	return t.conn.roundTrip(command)
}

// Close terminates the subprocess.
func (t *ExternalTransport) Close() error {
	if t.cmd == nil {
		return nil
	}

	t.stdin.Close()
	t.stdout.Close()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}

	err := t.cmd.Wait()
	t.cmd = nil
	t.conn = nil
	return err
}

// processPipe joins a subprocess's stdin/stdout into one ReadWriteCloser.
type processPipe struct {
	w io.WriteCloser
	r io.ReadCloser
}

func (p *processPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *processPipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *processPipe) Close() error {
	err := p.w.Close()
	if rerr := p.r.Close(); err == nil {
		err = rerr
	}
	return err
}

// findDebuggerExecutable checks the known installation paths in order.
func findDebuggerExecutable() string {
	for _, path := range debuggerSearchPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// PipeTransport connects to the debugger's well-known local socket.
type PipeTransport struct {
	name    string
	timeout time.Duration
	conn    *lineConn
}

// NewPipeTransport creates a pipe transport. An empty name uses PipeName.
func NewPipeTransport(name string, timeout time.Duration) *PipeTransport {
	if name == "" {
		name = PipeName
	}
	return &PipeTransport{name: name, timeout: timeout}
}

// Connect opens the local socket.
func (t *PipeTransport) Connect(_ context.Context) error {
	conn, err := net.DialTimeout("unix", t.name, t.timeout)
	if err != nil {
		return fmt.Errorf("%w: dial pipe %s: %v", ErrConnection, t.name, err)
	}
	t.conn = newLineConn(conn)
	return nil
}

// RoundTrip sends a command over the pipe.
func (t *PipeTransport) RoundTrip(command string) (string, error) {
	if t.conn == nil {
		return "", fmt.Errorf("%w: pipe not open", ErrConnection)
	}
	return t.conn.roundTrip(command)
}

// Close closes the pipe.
func (t *PipeTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.close()
	t.conn = nil
	return err
}

// TCPTransport connects to a configured TCP endpoint.
type TCPTransport struct {
	endpoint string
	timeout  time.Duration
	conn     *lineConn
}

// NewTCPTransport creates a TCP transport for the given endpoint.
func NewTCPTransport(endpoint string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{endpoint: endpoint, timeout: timeout}
}

// Connect dials the endpoint.
func (t *TCPTransport) Connect(_ context.Context) error {
	if t.endpoint == "" {
		return fmt.Errorf("%w: no TCP endpoint configured", ErrConfiguration)
	}
	conn, err := net.DialTimeout("tcp", t.endpoint, t.timeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, t.endpoint, err)
	}
	t.conn = newLineConn(conn)
	return nil
}

// RoundTrip sends a command over the socket.
func (t *TCPTransport) RoundTrip(command string) (string, error) {
	if t.conn == nil {
		return "", fmt.Errorf("%w: socket not open", ErrConnection)
	}
	return t.conn.roundTrip(command)
}

// Close closes the socket.
func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.close()
	t.conn = nil
	return err
}
