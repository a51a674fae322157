// Package expr evaluates user expressions against the live debugging session
// using an embedded Lua interpreter. Expressions can read registers and
// memory and run debugger commands through builtins bound to the bridge.
//
// gopher-lua's LState is not goroutine-safe, so all evaluation is serialized
// through a single owner goroutine.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/m4rba4s/mcp-debugger/internal/bridge"
	"github.com/m4rba4s/mcp-debugger/internal/logging"
)

// ErrClosed is returned when evaluating on a closed Evaluator.
var ErrClosed = errors.New("evaluator is closed")

// Session is the slice of debugger functionality exposed to expressions.
type Session interface {
	ExecuteCommand(command string) (string, error)
	ReadMemory(address uint64, size int) (*bridge.MemoryDump, error)
	RegisterValue(name string) (uint64, error)
}

type evalCall struct {
	expression string
	result     chan evalResult
}

type evalResult struct {
	value string
	err   error
}

// Evaluator owns a sandboxed Lua state on a dedicated goroutine.
type Evaluator struct {
	logger  *logging.Logger
	session Session

	queue     chan *evalCall
	done      chan struct{}
	closed    atomic.Bool
	closeMu   sync.RWMutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an Evaluator and starts its owner goroutine.
func New(logger *logging.Logger, session Session) *Evaluator {
	if logger == nil {
		logger = logging.NullLogger
	}
	e := &Evaluator{
		logger:  logger.WithComponent("expr"),
		session: session,
		queue:   make(chan *evalCall, 16),
		done:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// run owns the LState for the Evaluator's lifetime.
func (e *Evaluator) run() {
	defer e.wg.Done()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	// Base and string/math/table libraries only. No io, os, or package
	// loading inside evaluated expressions.
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	e.installBuiltins(L)
	e.logger.Debug("lua state ready")

	for {
		select {
		case <-e.done:
			e.drain()
			return
		case call := <-e.queue:
			value, err := e.evalOn(L, call.expression)
			call.result <- evalResult{value: value, err: err}
			close(call.result)
		}
	}
}

func (e *Evaluator) drain() {
	for {
		select {
		case call := <-e.queue:
			call.result <- evalResult{err: ErrClosed}
			close(call.result)
		default:
			return
		}
	}
}

// evalOn evaluates one expression with panic recovery. Bare expressions are
// wrapped in a return statement; statements run as-is.
func (e *Evaluator) evalOn(L *lua.LState, expression string) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()

	top := L.GetTop()
	defer L.SetTop(top)

	fn, compileErr := L.LoadString("return " + expression)
	if compileErr != nil {
		fn, compileErr = L.LoadString(expression)
		if compileErr != nil {
			return "", fmt.Errorf("compile expression: %w", compileErr)
		}
	}

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return "", fmt.Errorf("evaluate expression: %w", err)
	}

	var parts []string
	for i := top + 1; i <= L.GetTop(); i++ {
		parts = append(parts, renderValue(L.Get(i)))
	}
	return strings.Join(parts, "\t"), nil
}

// renderValue formats a Lua result. Integral numbers print as integers.
func renderValue(lv lua.LValue) string {
	if n, ok := lv.(lua.LNumber); ok {
		f := float64(n)
		if f == float64(int64(f)) {
			return fmt.Sprintf("%d", int64(f))
		}
	}
	return lv.String()
}

// installBuiltins registers the debugging API available to expressions.
func (e *Evaluator) installBuiltins(L *lua.LState) {
	L.SetGlobal("reg", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		value, err := e.session.RegisterValue(name)
		if err != nil {
			L.RaiseError("reg(%s): %v", name, err)
			return 0
		}
		L.Push(lua.LNumber(value))
		return 1
	}))

	L.SetGlobal("read_mem", L.NewFunction(func(L *lua.LState) int {
		address := uint64(L.CheckNumber(1))
		size := L.CheckInt(2)
		dump, err := e.session.ReadMemory(address, size)
		if err != nil {
			L.RaiseError("read_mem(0x%x, %d): %v", address, size, err)
			return 0
		}
		L.Push(lua.LString(string(dump.Data)))
		return 1
	}))

	L.SetGlobal("read_u64", L.NewFunction(func(L *lua.LState) int {
		address := uint64(L.CheckNumber(1))
		dump, err := e.session.ReadMemory(address, 8)
		if err != nil {
			L.RaiseError("read_u64(0x%x): %v", address, err)
			return 0
		}
		if len(dump.Data) < 8 {
			L.RaiseError("read_u64(0x%x): short read of %d bytes", address, len(dump.Data))
			return 0
		}
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(dump.Data[i])
		}
		L.Push(lua.LNumber(v))
		return 1
	}))

	L.SetGlobal("dbg", L.NewFunction(func(L *lua.LState) int {
		command := L.CheckString(1)
		out, err := e.session.ExecuteCommand(command)
		if err != nil {
			L.RaiseError("dbg(%s): %v", command, err)
			return 0
		}
		L.Push(lua.LString(out))
		return 1
	}))

	L.SetGlobal("hex", L.NewFunction(func(L *lua.LState) int {
		v := uint64(L.CheckNumber(1))
		L.Push(lua.LString(fmt.Sprintf("0x%x", v)))
		return 1
	}))
}

// Eval evaluates an expression and returns its rendered results.
func (e *Evaluator) Eval(ctx context.Context, expression string) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if strings.TrimSpace(expression) == "" {
		return "", errors.New("empty expression")
	}

	call := &evalCall{
		expression: expression,
		result:     make(chan evalResult, 1),
	}

	// Holding the read lock keeps Close from tearing down the executor
	// between the closed check and the send, so an enqueued call is always
	// answered, either by the owner goroutine or by its shutdown drain.
	e.closeMu.RLock()
	if e.closed.Load() {
		e.closeMu.RUnlock()
		return "", ErrClosed
	}
	select {
	case e.queue <- call:
		e.closeMu.RUnlock()
	case <-ctx.Done():
		e.closeMu.RUnlock()
		return "", ctx.Err()
	}

	select {
	case res := <-call.result:
		return res.value, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the owner goroutine and releases the Lua state. In-flight Eval
// calls complete before teardown begins.
func (e *Evaluator) Close() {
	e.closeOnce.Do(func() {
		e.closeMu.Lock()
		e.closed.Store(true)
		close(e.done)
		e.closeMu.Unlock()
		e.wg.Wait()
	})
}
