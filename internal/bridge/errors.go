package bridge

import "errors"

// Bridge error taxonomy. Callers match these with errors.Is; every operation
// wraps one of them so failure classes stay distinguishable across packages.
var (
	// ErrNotConnected indicates an operation that requires an active
	// debugger connection was called while disconnected.
	ErrNotConnected = errors.New("not connected to debugger")

	// ErrConnection indicates a transport could not be established.
	ErrConnection = errors.New("connection failed")

	// ErrValidation indicates rejected input: an oversized or unsafe
	// command, or an invalid address/size. Input is never auto-corrected.
	ErrValidation = errors.New("validation failed")

	// ErrProtocol indicates a malformed or unexpected debugger response.
	ErrProtocol = errors.New("protocol error")

	// ErrResource indicates a platform or capacity failure, such as a full
	// event queue.
	ErrResource = errors.New("resource failure")

	// ErrConfiguration indicates an illegal configuration change, such as
	// switching connection mode after a successful connect.
	ErrConfiguration = errors.New("configuration error")
)
