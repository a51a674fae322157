package bridge

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// echoServer answers each command line with a scripted response.
func echoServer(t *testing.T, conn net.Conn, respond func(cmd string) string) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimRight(line, "\r\n")
			if _, err := conn.Write([]byte(respond(cmd) + "\n")); err != nil {
				return
			}
		}
	}()
}

func TestLineConnRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	echoServer(t, server, func(cmd string) string {
		return "echo:" + cmd
	})

	conn := newLineConn(client)
	resp, err := conn.roundTrip("bp 0x1000")
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if resp != "echo:bp 0x1000" {
		t.Errorf("unexpected response %q", resp)
	}
}

func TestLineConnSequentialCommands(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	echoServer(t, server, func(cmd string) string { return cmd })

	conn := newLineConn(client)
	for _, cmd := range []string{"first", "second", "third"} {
		resp, err := conn.roundTrip(cmd)
		if err != nil {
			t.Fatalf("round trip %q: %v", cmd, err)
		}
		if resp != cmd {
			t.Errorf("expected %q, got %q", cmd, resp)
		}
	}
}

func TestTCPTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		echoServer(t, conn, func(cmd string) string { return "Breakpoint set" })
	}()

	tr := NewTCPTransport(ln.Addr().String(), time.Second)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	resp, err := tr.RoundTrip("bp 0x401000")
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if resp != "Breakpoint set" {
		t.Errorf("unexpected response %q", resp)
	}
}

func TestTCPTransportNoEndpoint(t *testing.T) {
	tr := NewTCPTransport("", time.Second)
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestTCPTransportConnectionRefused(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:1", 100*time.Millisecond)
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestPipeTransportMissingSocket(t *testing.T) {
	tr := NewPipeTransport("/nonexistent/path.sock", 100*time.Millisecond)
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestPluginTransportWithoutHandle(t *testing.T) {
	tr := NewPluginTransport(nil)
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

// fakeHost is a scripted in-process host handle.
type fakeHost struct {
	memory map[uint64][]byte
}

func (h *fakeHost) ExecCommand(command string) (string, error) {
	return "host:" + command, nil
}

func (h *fakeHost) ReadMemory(address uint64, size int) ([]byte, error) {
	data, ok := h.memory[address]
	if !ok {
		return nil, errors.New("no mapping")
	}
	if size < len(data) {
		data = data[:size]
	}
	return data, nil
}

func (h *fakeHost) WriteMemory(address uint64, data []byte) error {
	if h.memory == nil {
		h.memory = make(map[uint64][]byte)
	}
	h.memory[address] = append([]byte(nil), data...)
	return nil
}

func TestPluginTransportWithHandle(t *testing.T) {
	host := &fakeHost{memory: map[uint64][]byte{0x1000: {1, 2, 3}}}
	tr := NewPluginTransport(host)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp, err := tr.RoundTrip("r rip")
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if resp != "host:r rip" {
		t.Errorf("unexpected response %q", resp)
	}

	data, err := tr.ReadDirect(0x1000, 3)
	if err != nil {
		t.Fatalf("read direct: %v", err)
	}
	if string(data) != string([]byte{1, 2, 3}) {
		t.Errorf("unexpected data %x", data)
	}

	if err := tr.WriteDirect(0x2000, []byte{9}); err != nil {
		t.Fatalf("write direct: %v", err)
	}
	if string(host.memory[0x2000]) != string([]byte{9}) {
		t.Error("write did not reach the host")
	}
}

func TestExternalTransportExecutableNotFound(t *testing.T) {
	tr := NewExternalTransport("/nonexistent/debugger")
	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}
