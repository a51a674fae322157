package bridge

import (
	"fmt"
	"math"
	"strings"

	"github.com/m4rba4s/mcp-debugger/internal/logging"
)

const (
	// MaxCommandLength is the longest command accepted by ExecuteCommand.
	MaxCommandLength = 4096

	// MaxMemorySize is the largest single read or write (1 MiB).
	MaxMemorySize = 1024 * 1024

	// maxHexInput caps hex parsing input at 2 MiB of text (1 MiB of data).
	maxHexInput = 2 * 1024 * 1024
)

// commandBlacklist holds the metacharacters that make a command unsafe to
// forward. A command containing any of them is rejected outright, never
// partially escaped and sent.
const commandBlacklist = ";|&`$()<>\"'\n\r\x00"

// validateCommand rejects empty, oversized, or unsafe commands.
func validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("%w: command is empty", ErrValidation)
	}

	if len(command) > MaxCommandLength {
		return fmt.Errorf("%w: command length %d exceeds %d", ErrValidation, len(command), MaxCommandLength)
	}

	if i := strings.IndexAny(command, commandBlacklist); i >= 0 {
		return fmt.Errorf("%w: command contains forbidden character %q", ErrValidation, command[i])
	}

	return nil
}

// validateMemoryAccess rejects invalid address/size combinations.
func validateMemoryAccess(address uint64, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrValidation)
	}

	if size > MaxMemorySize {
		return fmt.Errorf("%w: size %d exceeds %d byte limit", ErrValidation, size, MaxMemorySize)
	}

	if address == 0 {
		return fmt.Errorf("%w: null address", ErrValidation)
	}

	if address > math.MaxUint64-uint64(size) {
		return fmt.Errorf("%w: address range overflows", ErrValidation)
	}

	return nil
}

// stripControl removes non-printable control characters from a response,
// keeping tabs and newlines.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' {
			return -1
		}
		return r
	}, s)
}

// parseHexBytes decodes a space-separated hex byte stream, as produced by the
// debugger's dump command. Input beyond 2 MiB is rejected outright, output is
// capped at 1 MiB, and malformed two-character pairs are skipped rather than
// aborting the parse.
func parseHexBytes(s string, logger *logging.Logger) []byte {
	if len(s) > maxHexInput {
		logger.Error("hex parse: input too large (%d bytes), rejecting", len(s))
		return nil
	}

	data := make([]byte, 0, len(s)/2)

	for _, field := range strings.Fields(s) {
		for i := 0; i+1 < len(field); i += 2 {
			if len(data) >= MaxMemorySize {
				logger.Warn("hex parse: reached %d byte limit, stopping", MaxMemorySize)
				return data
			}

			hi, okHi := hexNibble(field[i])
			lo, okLo := hexNibble(field[i+1])
			if !okHi || !okLo {
				continue
			}
			data = append(data, hi<<4|lo)
		}
	}

	return data
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// formatAddress renders an address for the command grammar.
func formatAddress(address uint64) string {
	return fmt.Sprintf("0x%x", address)
}
