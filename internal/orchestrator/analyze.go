package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

const analysisSystemPrompt = "You are a reverse engineering assistant. " +
	"Given x86/x64 disassembly from a live debugging session, explain in one " +
	"or two sentences what the code at this location does. Be specific and " +
	"concise; the answer becomes a code comment."

// AnalyzeCurrentContext fetches disassembly at the target address, sends it
// to the AI engine, and returns as soon as the request is dispatched. A
// detached continuation waits for the result and writes it back to the
// debugger as a comment at that address.
//
// The continuation holds its own references to the bridge, engine, and
// logger, so it stays valid even if the orchestrator shuts down while the
// request is in flight. It has no cancellation handle; its errors are logged
// and discarded, never returned to the caller.
//
// Address zero means "the current instruction pointer".
func (o *Orchestrator) AnalyzeCurrentContext(address uint64) error {
	b := o.Bridge()
	engine := o.Engine()
	logger := o.Logger().WithComponent("analysis")
	if b == nil || engine == nil {
		return ErrNotInitialized
	}

	if address == 0 {
		resolved, err := resolveInstructionPointer(b)
		if err != nil {
			logger.Error("resolve instruction pointer: %v", err)
			return err
		}
		address = resolved
	}

	disasm, err := b.Disassembly(address)
	if err != nil {
		logger.Error("fetch disassembly at 0x%x: %v", address, err)
		return err
	}

	prompt := fmt.Sprintf("Disassembly at 0x%x:\n\n%s", address, disasm)
	results := engine.SendAsync(context.Background(), "", analysisSystemPrompt, prompt)

	go func(addr uint64) {
		res, ok := <-results
		if !ok {
			logger.Error("analysis channel closed without a result")
			return
		}
		if res.Err != nil {
			logger.Error("analysis request failed: %v", res.Err)
			return
		}

		comment := sanitizeComment(res.Content)
		command := fmt.Sprintf("SetCommentAt 0x%x, \"%s\"", addr, comment)
		if _, err := b.ExecuteCommand(command); err != nil {
			logger.Error("write analysis comment at 0x%x: %v", addr, err)
			return
		}
		logger.Info("analysis comment written at 0x%x", addr)
	}(address)

	return nil
}

// resolveInstructionPointer reads rip, falling back to eip for 32-bit
// targets.
func resolveInstructionPointer(b DebugBridge) (uint64, error) {
	if v, err := b.RegisterValue("rip"); err == nil {
		return v, nil
	}
	return b.RegisterValue("eip")
}

// sanitizeComment prepares analysis text for embedding in a quoted command
// argument: quotes are doubled, newlines collapse to spaces.
func sanitizeComment(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, `"`, `""`)
	return strings.TrimSpace(text)
}
