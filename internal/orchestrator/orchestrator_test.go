package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m4rba4s/mcp-debugger/internal/bridge"
	"github.com/m4rba4s/mcp-debugger/internal/llm"
	"github.com/m4rba4s/mcp-debugger/internal/security"
)

type stubBridge struct {
	mu        sync.Mutex
	connected bool
	registers map[string]uint64
	disasm    string
	disasmErr error
	commands  []string
}

func (s *stubBridge) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *stubBridge) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *stubBridge) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubBridge) ExecuteCommand(command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return "ok", nil
}

func (s *stubBridge) ReadMemory(address uint64, size int) (*bridge.MemoryDump, error) {
	return &bridge.MemoryDump{BaseAddress: address, Data: make([]byte, size), Size: size}, nil
}

func (s *stubBridge) WriteMemory(address uint64, data []byte) error { return nil }
func (s *stubBridge) SetBreakpoint(address uint64) error            { return nil }

func (s *stubBridge) RegisterValue(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.registers[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %s", name)
	}
	return v, nil
}

func (s *stubBridge) Disassembly(address uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disasmErr != nil {
		return "", s.disasmErr
	}
	return s.disasm, nil
}

func (s *stubBridge) RegisterEventHandler(handler bridge.EventHandler) uint64 { return 0 }

func (s *stubBridge) recordedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

type stubEngine struct {
	response string
	fail     error
}

func (s *stubEngine) SendAsync(ctx context.Context, provider, system, prompt string) <-chan llm.Result {
	out := make(chan llm.Result, 1)
	out <- llm.Result{Content: s.response, Err: s.fail}
	close(out)
	return out
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o := New(opts)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o
}

func TestInitializeDefaults(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	if !o.IsInitialized() {
		t.Error("IsInitialized = false after Initialize")
	}
	if o.Bridge() == nil || o.Engine() == nil || o.Config() == nil ||
		o.Security() == nil || o.Analyzer() == nil || o.Evaluator() == nil {
		t.Error("nil module handle after Initialize")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	first := o.Bridge()

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if o.Bridge() != first {
		t.Error("bridge handle changed across repeated Initialize")
	}
}

func TestInitializeFailureRollsBack(t *testing.T) {
	o := New(Options{LogLevel: "nonsense"})
	err := o.Initialize(context.Background())
	if err == nil {
		t.Fatal("Initialize succeeded with invalid log level")
	}
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Component != "logger" {
		t.Errorf("error = %v, want InitError for logger", err)
	}
	if o.IsInitialized() {
		t.Error("IsInitialized = true after failed Initialize")
	}
	if o.Bridge() != nil {
		t.Error("bridge handle survives failed Initialize")
	}
}

func TestInitializeFailsOnMissingConfig(t *testing.T) {
	o := New(Options{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	err := o.Initialize(context.Background())
	if err == nil {
		t.Fatal("Initialize succeeded with missing config file")
	}
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Component != "config" {
		t.Errorf("error = %v, want InitError for config", err)
	}
	if o.IsInitialized() {
		t.Error("IsInitialized = true after failed Initialize")
	}
}

func TestInitializeLoadsCredentialStore(t *testing.T) {
	const apiKey = "sk-ant-REDACTED"

	seedStore := func(t *testing.T, path string) {
		t.Helper()
		store := security.NewStore()
		if err := store.Unlock("hunter2"); err != nil {
			t.Fatal(err)
		}
		if err := store.Set("claude", apiKey); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(path); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("default dotfile", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		seedStore(t, filepath.Join(home, ".mcpdbg_credentials.json"))

		o := newTestOrchestrator(t, Options{Passphrase: "hunter2"})
		got, err := o.Security().Get("claude")
		if err != nil {
			t.Fatalf("Get after Initialize: %v", err)
		}
		if got != apiKey {
			t.Errorf("key = %q, want %q", got, apiKey)
		}
	})

	t.Run("configured path wins", func(t *testing.T) {
		dir := t.TempDir()
		storePath := filepath.Join(dir, "creds.json")
		seedStore(t, storePath)

		cfgPath := filepath.Join(dir, "config.yaml")
		doc := "security_config:\n  credential_store_path: " + storePath + "\n"
		if err := os.WriteFile(cfgPath, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}

		o := newTestOrchestrator(t, Options{ConfigPath: cfgPath, Passphrase: "hunter2"})
		if _, err := o.Security().Get("claude"); err != nil {
			t.Errorf("Get after Initialize: %v", err)
		}
	})
}

func TestInitializeFailsOnBadConnectionMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "debug_config:\n  connection_mode: telepathy\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	o := New(Options{ConfigPath: path})
	err := o.Initialize(context.Background())
	if err == nil {
		t.Fatal("Initialize accepted unknown connection mode")
	}
	var initErr *InitError
	if !errors.As(err, &initErr) || initErr.Component != "bridge" {
		t.Errorf("error = %v, want InitError for bridge", err)
	}
}

func TestAccessorsBeforeInitialize(t *testing.T) {
	o := New(Options{})
	if o.Bridge() != nil || o.Engine() != nil || o.Config() != nil {
		t.Error("module handle non-nil before Initialize")
	}
	if o.Logger() == nil {
		t.Error("Logger() returned nil before Initialize")
	}
}

func TestAccessorIdentityUnderConcurrentReaders(t *testing.T) {
	o := New(Options{Bridge: &stubBridge{}, Engine: &stubEngine{}})

	var wg sync.WaitGroup
	seen := make(chan DebugBridge, 200)
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if b := o.Bridge(); b != nil {
					select {
					case seen <- b:
					default:
					}
				}
			}
		}()
	}

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	close(seen)
	defer o.Shutdown()

	want := o.Bridge()
	for b := range seen {
		if b != want {
			t.Fatal("observed a different bridge handle during Initialize")
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	o := New(Options{Bridge: &stubBridge{connected: true}, Engine: &stubEngine{}})
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.Shutdown()
	if o.IsInitialized() {
		t.Error("IsInitialized = true after Shutdown")
	}
	if o.Bridge() != nil {
		t.Error("bridge handle survives Shutdown")
	}

	o.Shutdown()
	if o.IsInitialized() {
		t.Error("IsInitialized = true after second Shutdown")
	}
}

func TestShutdownBeforeInitialize(t *testing.T) {
	o := New(Options{})
	o.Shutdown()
	if o.IsInitialized() {
		t.Error("IsInitialized = true after Shutdown on fresh orchestrator")
	}
}

func TestShutdownDisconnectsBridge(t *testing.T) {
	b := &stubBridge{connected: true}
	o := New(Options{Bridge: b, Engine: &stubEngine{}})
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	o.Shutdown()
	if b.IsConnected() {
		t.Error("bridge still connected after Shutdown")
	}
}

func TestEvaluatorUsesBridge(t *testing.T) {
	b := &stubBridge{registers: map[string]uint64{"rip": 0x401000}}
	o := newTestOrchestrator(t, Options{Bridge: b, Engine: &stubEngine{}})

	got, err := o.Evaluator().Eval(context.Background(), "reg('rip')")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got != fmt.Sprintf("%d", 0x401000) {
		t.Errorf("Eval = %q", got)
	}
}
