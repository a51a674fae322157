package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/m4rba4s/mcp-debugger/internal/logging"
)

// fakeTransport is a scripted in-memory transport.
type fakeTransport struct {
	mu           sync.Mutex
	connectCalls int
	connectErr   error
	commands     []string
	respond      func(cmd string) (string, error)
	closed       bool
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeTransport) RoundTrip(command string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(command)
	}
	return "OK", nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func newTestBridge(t *testing.T, transport Transport) *Bridge {
	t.Helper()
	return New(logging.NullLogger, WithTransport(transport))
}

func connectTestBridge(t *testing.T, transport Transport) *Bridge {
	t.Helper()
	b := newTestBridge(t, transport)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b
}

func TestConnectIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if ft.connectCalls != 1 {
		t.Errorf("expected 1 transport connect, got %d", ft.connectCalls)
	}

	if b.State() != StateConnected {
		t.Errorf("expected connected state, got %s", b.State())
	}
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("refused")}
	b := newTestBridge(t, ft)

	if err := b.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}

	if b.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", b.State())
	}

	if b.IsConnected() {
		t.Error("IsConnected should be false after failed connect")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	b := connectTestBridge(t, ft)

	if err := b.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}

	if err := b.Disconnect(); err != nil {
		t.Errorf("second disconnect: %v", err)
	}
}

func TestDisconnectNeverConnected(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{})
	if err := b.Disconnect(); err != nil {
		t.Errorf("disconnect without connect: %v", err)
	}
}

func TestSetConnectionModeLockedAfterConnect(t *testing.T) {
	b := connectTestBridge(t, &fakeTransport{})

	if err := b.SetConnectionMode(ModeTCP); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration while connected, got %v", err)
	}

	// The lock survives disconnect: mode never changes after a successful connect.
	b.Disconnect()
	if err := b.SetConnectionMode(ModeTCP); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration after disconnect, got %v", err)
	}
}

func TestSetConnectionModeBeforeConnect(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{})
	if err := b.SetConnectionMode(ModeExternal); err != nil {
		t.Fatalf("set mode before connect: %v", err)
	}
	if b.Mode() != ModeExternal {
		t.Errorf("expected external mode, got %s", b.Mode())
	}
}

func TestExecuteCommandNotConnected(t *testing.T) {
	b := newTestBridge(t, &fakeTransport{})
	if _, err := b.ExecuteCommand("r rip"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestExecuteCommandRejectsUnsafeInput(t *testing.T) {
	ft := &fakeTransport{}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	cases := []struct {
		name    string
		command string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("a", MaxCommandLength+1)},
		{"semicolon", "bp 0x1000; rm -rf /"},
		{"pipe", "dump 0x1000 | cat"},
		{"ampersand", "r rip & r rsp"},
		{"backtick", "bp `addr`"},
		{"dollar", "bp $addr"},
		{"parens", "bp (0x1000)"},
		{"redirect in", "bp <file"},
		{"redirect out", "dump >file"},
		{"double quote", `cmd "arg"`},
		{"single quote", "cmd 'arg'"},
		{"newline", "bp 0x1000\nr rip"},
		{"carriage return", "bp 0x1000\r"},
		{"null byte", "bp 0x1000\x00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := b.ExecuteCommand(tc.command); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	if got := len(ft.sentCommands()); got != 0 {
		t.Errorf("rejected commands must never reach the transport, %d sent", got)
	}
}

func TestExecuteCommandStripsControlCharacters(t *testing.T) {
	ft := &fakeTransport{
		respond: func(string) (string, error) {
			return "line1\nline2\tend\x01\x02\x7f", nil
		},
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	resp, err := b.ExecuteCommand("r rip")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := "line1\nline2\tend\x7f"
	if resp != want {
		t.Errorf("expected %q, got %q", want, resp)
	}
}

func TestReadMemoryValidation(t *testing.T) {
	b := connectTestBridge(t, &fakeTransport{})
	defer b.Disconnect()

	cases := []struct {
		name    string
		address uint64
		size    int
	}{
		{"zero size", 0x1000, 0},
		{"negative size", 0x1000, -1},
		{"oversized", 0x1000, MaxMemorySize + 1},
		{"null address", 0, 64},
		{"overflow", ^uint64(0) - 16, 64},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := b.ReadMemory(tc.address, tc.size); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestReadMemoryCommandFallback(t *testing.T) {
	ft := &fakeTransport{
		respond: func(cmd string) (string, error) {
			if strings.HasPrefix(cmd, "dump ") {
				return "48 89 e5 c3", nil
			}
			if strings.HasPrefix(cmd, "sym ") {
				return "ntdll.dll", nil
			}
			return "OK", nil
		},
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	dump, err := b.ReadMemory(0x401000, 4)
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}

	want := []byte{0x48, 0x89, 0xe5, 0xc3}
	if string(dump.Data) != string(want) {
		t.Errorf("expected %x, got %x", want, dump.Data)
	}
	if dump.BaseAddress != 0x401000 {
		t.Errorf("expected base 0x401000, got %#x", dump.BaseAddress)
	}
	if dump.Size != 4 {
		t.Errorf("expected size 4, got %d", dump.Size)
	}
	if dump.ModuleName != "ntdll.dll" {
		t.Errorf("expected module ntdll.dll, got %q", dump.ModuleName)
	}
	if dump.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

// directTransport adds the direct memory path.
type directTransport struct {
	fakeTransport
	readData  []byte
	written   []byte
	writeAddr uint64
}

func (d *directTransport) ReadDirect(_ uint64, size int) ([]byte, error) {
	if size > len(d.readData) {
		size = len(d.readData)
	}
	return d.readData[:size], nil
}

func (d *directTransport) WriteDirect(address uint64, data []byte) error {
	d.writeAddr = address
	d.written = append([]byte(nil), data...)
	return nil
}

func TestReadMemoryDirectPath(t *testing.T) {
	dt := &directTransport{readData: []byte{1, 2, 3, 4}}
	b := connectTestBridge(t, dt)
	defer b.Disconnect()

	dump, err := b.ReadMemory(0x2000, 4)
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}

	if string(dump.Data) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("unexpected data %x", dump.Data)
	}

	for _, cmd := range dt.sentCommands() {
		if strings.HasPrefix(cmd, "dump ") {
			t.Errorf("direct path must not issue dump commands, got %q", cmd)
		}
	}
}

func TestWriteMemoryDirectPath(t *testing.T) {
	dt := &directTransport{}
	b := connectTestBridge(t, dt)
	defer b.Disconnect()

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := b.WriteMemory(0x3000, payload); err != nil {
		t.Fatalf("write memory: %v", err)
	}

	if dt.writeAddr != 0x3000 {
		t.Errorf("expected write at 0x3000, got %#x", dt.writeAddr)
	}
	if string(dt.written) != string(payload) {
		t.Errorf("expected %x, got %x", payload, dt.written)
	}
}

func TestWriteMemoryCommandFallback(t *testing.T) {
	ft := &fakeTransport{}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	if err := b.WriteMemory(0x4000, []byte{0x90, 0x90}); err != nil {
		t.Fatalf("write memory: %v", err)
	}

	commands := ft.sentCommands()
	if len(commands) != 1 || commands[0] != "fill 0x4000 9090" {
		t.Errorf("unexpected commands %v", commands)
	}
}

func TestSetBreakpoint(t *testing.T) {
	ft := &fakeTransport{
		respond: func(cmd string) (string, error) {
			if strings.HasPrefix(cmd, "bp ") {
				return "Breakpoint set at 0x401000", nil
			}
			return "OK", nil
		},
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	if err := b.SetBreakpoint(0x401000); err != nil {
		t.Fatalf("set breakpoint: %v", err)
	}

	commands := ft.sentCommands()
	if len(commands) != 1 || commands[0] != "bp 0x401000" {
		t.Errorf("unexpected commands %v", commands)
	}
}

func TestSetBreakpointBadResponse(t *testing.T) {
	ft := &fakeTransport{
		respond: func(string) (string, error) { return "no such address", nil },
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	if err := b.SetBreakpoint(0x401000); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestRegisterValue(t *testing.T) {
	ft := &fakeTransport{
		respond: func(string) (string, error) { return "RAX=0000000000401000", nil },
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	value, err := b.RegisterValue("rax")
	if err != nil {
		t.Fatalf("register value: %v", err)
	}
	if value != 0x401000 {
		t.Errorf("expected 0x401000, got %#x", value)
	}
}

func TestRegisterValueMissing(t *testing.T) {
	ft := &fakeTransport{
		respond: func(string) (string, error) { return "unknown register", nil },
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	if _, err := b.RegisterValue("rax"); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestDisassembly(t *testing.T) {
	ft := &fakeTransport{
		respond: func(cmd string) (string, error) {
			if strings.HasPrefix(cmd, "disasm ") {
				return "mov rax, rcx\nadd rax, 1\nret", nil
			}
			return "OK", nil
		},
	}
	b := connectTestBridge(t, ft)
	defer b.Disconnect()

	text, err := b.Disassembly(0x140001000)
	if err != nil {
		t.Fatalf("disassembly: %v", err)
	}
	if !strings.Contains(text, "mov rax, rcx") {
		t.Errorf("unexpected disassembly %q", text)
	}
}
