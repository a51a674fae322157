package orchestrator

import "errors"

// Orchestrator errors.
var (
	// ErrNotInitialized indicates a module was requested before Initialize.
	ErrNotInitialized = errors.New("orchestrator not initialized")

	// ErrBridgeUnavailable indicates the debugger bridge is not ready.
	ErrBridgeUnavailable = errors.New("debugger bridge not available")
)

// InitError reports which subsystem failed during Initialize.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
