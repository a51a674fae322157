// Package bridge implements the protocol client that connects this tool to an
// external interactive debugger. It owns one connection at a time, issues
// validated textual commands, reads and writes target memory, and delivers
// asynchronous debug events to registered handlers.
package bridge

import "time"

// ConnectionMode selects the transport strategy used to reach the debugger.
// The mode is frozen after the first successful Connect.
type ConnectionMode int

const (
	// ModePlugin runs in-process inside the debugger via a host-provided handle.
	ModePlugin ConnectionMode = iota
	// ModeExternal launches the debugger executable and drives it over stdio.
	ModeExternal
	// ModePipe connects to the debugger's well-known local socket.
	ModePipe
	// ModeTCP connects to a configured TCP endpoint.
	ModeTCP
)

// String returns the mode name.
func (m ConnectionMode) String() string {
	switch m {
	case ModePlugin:
		return "plugin"
	case ModeExternal:
		return "external"
	case ModePipe:
		return "pipe"
	case ModeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ConnectionState tracks the bridge's connection lifecycle.
// The only transitions are Disconnected -> Connecting -> Connected -> Disconnected.
type ConnectionState int

const (
	// StateDisconnected means no transport is active.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a transport is being established.
	StateConnecting
	// StateConnected means the transport is active and the event loop runs.
	StateConnected
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType identifies the kind of debug event.
type EventType int

const (
	// EventBreakpointHit indicates a breakpoint was reached.
	EventBreakpointHit EventType = iota
	// EventException indicates the target raised an exception.
	EventException
	// EventProcessCreated indicates the target process started.
	EventProcessCreated
	// EventProcessExited indicates the target process terminated.
	EventProcessExited
	// EventModuleLoaded indicates a module was mapped into the target.
	EventModuleLoaded
	// EventModuleUnloaded indicates a module was unmapped.
	EventModuleUnloaded
	// EventThreadCreated indicates a new target thread.
	EventThreadCreated
	// EventThreadExited indicates a target thread ended.
	EventThreadExited
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventBreakpointHit:
		return "breakpoint"
	case EventException:
		return "exception"
	case EventProcessCreated:
		return "process-created"
	case EventProcessExited:
		return "process-exited"
	case EventModuleLoaded:
		return "module-loaded"
	case EventModuleUnloaded:
		return "module-unloaded"
	case EventThreadCreated:
		return "thread-created"
	case EventThreadExited:
		return "thread-exited"
	default:
		return "unknown"
	}
}

// DebugEvent is an asynchronous notification from the debugger. Events are
// delivered to handlers by reference; handlers must not retain the event
// beyond the callback.
type DebugEvent struct {
	Type        EventType
	Address     uint64
	ProcessID   uint32
	ThreadID    uint32
	ModuleName  string
	Description string
	Timestamp   time.Time
	Metadata    map[string]string
}

// MemoryDump is a snapshot of target memory. Each ReadMemory call produces a
// fresh dump owned by the caller; dumps are never cached by the bridge.
type MemoryDump struct {
	BaseAddress uint64
	Data        []byte
	Size        int
	ModuleName  string
	Timestamp   time.Time
}

// EventHandler receives debug events in enqueue order.
type EventHandler func(*DebugEvent)

type handlerEntry struct {
	id      uint64
	handler EventHandler
}
