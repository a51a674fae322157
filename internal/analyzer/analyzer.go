// Package analyzer provides local inspection of memory dumps: wildcard byte
// pattern scanning, printable string extraction (ASCII and UTF-16LE), and
// lightweight executable header identification.
package analyzer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/m4rba4s/mcp-debugger/internal/bridge"
	"github.com/m4rba4s/mcp-debugger/internal/logging"
)

const (
	// MinStringLength is the shortest run reported by FindStrings.
	MinStringLength = 4
	maxResults      = 10000
)

// ErrBadPattern is returned for malformed byte pattern syntax.
var ErrBadPattern = errors.New("malformed byte pattern")

// PatternByte is one position of a compiled pattern. Wildcards match any
// value.
type PatternByte struct {
	Value    byte
	Wildcard bool
}

// FoundString is one extracted string and where it starts.
type FoundString struct {
	Offset  uint64
	Value   string
	Unicode bool
}

// Analyzer runs local analyses over MemoryDump contents.
type Analyzer struct {
	logger *logging.Logger
}

// New creates an Analyzer.
func New(logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.NullLogger
	}
	return &Analyzer{logger: logger.WithComponent("analyzer")}
}

// CompilePattern parses a space-separated hex pattern such as
// "48 8B ?? 05 ? ? 00". Both "?" and "??" are wildcards.
func CompilePattern(pattern string) ([]PatternByte, error) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}

	compiled := make([]PatternByte, 0, len(fields))
	for _, field := range fields {
		if field == "?" || field == "??" {
			compiled = append(compiled, PatternByte{Wildcard: true})
			continue
		}
		if len(field) > 2 {
			return nil, fmt.Errorf("%w: token %q", ErrBadPattern, field)
		}
		v, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: token %q", ErrBadPattern, field)
		}
		compiled = append(compiled, PatternByte{Value: byte(v)})
	}
	return compiled, nil
}

// ScanPattern finds every occurrence of a wildcard pattern in the dump and
// returns absolute addresses. Results are capped to keep pathological
// patterns bounded.
func (a *Analyzer) ScanPattern(dump *bridge.MemoryDump, pattern string) ([]uint64, error) {
	if dump == nil || len(dump.Data) == 0 {
		return nil, errors.New("empty memory dump")
	}

	compiled, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	if len(compiled) > len(dump.Data) {
		return nil, nil
	}

	var matches []uint64
	data := dump.Data
	for i := 0; i+len(compiled) <= len(data); i++ {
		if matchAt(data[i:], compiled) {
			matches = append(matches, dump.BaseAddress+uint64(i))
			if len(matches) >= maxResults {
				a.logger.Warn("pattern scan truncated at %d matches", maxResults)
				break
			}
		}
	}
	return matches, nil
}

// KnownSignatures are byte patterns commonly looked for in process memory.
var KnownSignatures = map[string]string{
	"mz-header":       "4d 5a",
	"elf-header":      "7f 45 4c 46",
	"prologue-x64":    "55 48 89 e5",
	"prologue-x86":    "55 8b ec",
	"syscall":         "0f 05",
	"int3-sled":       "cc cc cc cc",
	"nop-sled":        "90 90 90 90 90 90 90 90",
	"call-indirect":   "ff 15 ?? ?? ?? ??",
	"retpoline-thunk": "ff e0",
}

// ScanKnown runs every built-in signature over the dump and returns matches
// keyed by signature name. Signatures with no hits are omitted.
func (a *Analyzer) ScanKnown(dump *bridge.MemoryDump) (map[string][]uint64, error) {
	if dump == nil || len(dump.Data) == 0 {
		return nil, errors.New("empty memory dump")
	}

	found := make(map[string][]uint64)
	for name, pattern := range KnownSignatures {
		matches, err := a.ScanPattern(dump, pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", name, err)
		}
		if len(matches) > 0 {
			found[name] = matches
		}
	}
	return found, nil
}

func matchAt(data []byte, pattern []PatternByte) bool {
	for i, p := range pattern {
		if !p.Wildcard && data[i] != p.Value {
			return false
		}
	}
	return true
}

// FindStrings extracts printable ASCII and UTF-16LE runs of at least
// MinStringLength characters.
func (a *Analyzer) FindStrings(dump *bridge.MemoryDump) ([]FoundString, error) {
	if dump == nil || len(dump.Data) == 0 {
		return nil, errors.New("empty memory dump")
	}

	found := scanASCII(dump.Data, dump.BaseAddress)
	found = append(found, scanUTF16LE(dump.Data, dump.BaseAddress)...)
	if len(found) > maxResults {
		a.logger.Warn("string extraction truncated at %d results", maxResults)
		found = found[:maxResults]
	}
	return found, nil
}

func printableASCII(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}

func scanASCII(data []byte, base uint64) []FoundString {
	var out []FoundString
	start := -1
	for i, b := range data {
		if printableASCII(b) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= MinStringLength {
			out = append(out, FoundString{
				Offset: base + uint64(start),
				Value:  string(data[start:i]),
			})
		}
		start = -1
	}
	if start >= 0 && len(data)-start >= MinStringLength {
		out = append(out, FoundString{
			Offset: base + uint64(start),
			Value:  string(data[start:]),
		})
	}
	return out
}

// scanUTF16LE finds runs of printable ASCII code units in little-endian
// UTF-16, the common case for Windows process memory.
func scanUTF16LE(data []byte, base uint64) []FoundString {
	var out []FoundString
	var units []uint16
	start := -1

	flush := func(end int) {
		if start >= 0 && len(units) >= MinStringLength {
			out = append(out, FoundString{
				Offset:  base + uint64(start),
				Value:   string(utf16.Decode(units)),
				Unicode: true,
			})
		}
		units = nil
		start = -1
	}

	for i := 0; i+1 < len(data); i += 2 {
		u := binary.LittleEndian.Uint16(data[i:])
		if u >= 0x20 && u <= 0x7e {
			if start < 0 {
				start = i
			}
			units = append(units, u)
			continue
		}
		flush(i)
	}
	flush(len(data))
	return out
}

// ModuleInfo summarizes an executable header found at the start of a dump.
type ModuleInfo struct {
	Format       string
	Architecture string
	ImageBase    uint64
	EntryPoint   uint64
}

// IdentifyModule inspects the first bytes of a dump for a PE or ELF header.
func (a *Analyzer) IdentifyModule(dump *bridge.MemoryDump) (*ModuleInfo, error) {
	if dump == nil || len(dump.Data) < 64 {
		return nil, errors.New("dump too small for header identification")
	}
	data := dump.Data

	switch {
	case data[0] == 'M' && data[1] == 'Z':
		return parsePEHeader(data)
	case data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F':
		return parseELFHeader(data)
	}
	return &ModuleInfo{Format: "unknown"}, nil
}

func parsePEHeader(data []byte) (*ModuleInfo, error) {
	peOffset := binary.LittleEndian.Uint32(data[0x3c:])
	if int(peOffset)+24 > len(data) {
		return nil, errors.New("truncated PE header")
	}
	if !(data[peOffset] == 'P' && data[peOffset+1] == 'E' && data[peOffset+2] == 0 && data[peOffset+3] == 0) {
		return nil, errors.New("missing PE signature")
	}

	machine := binary.LittleEndian.Uint16(data[peOffset+4:])
	info := &ModuleInfo{Format: "PE"}
	switch machine {
	case 0x8664:
		info.Architecture = "x64"
	case 0x014c:
		info.Architecture = "x86"
	case 0xaa64:
		info.Architecture = "arm64"
	default:
		info.Architecture = fmt.Sprintf("machine 0x%04x", machine)
	}

	optOffset := int(peOffset) + 24
	if optOffset+32 <= len(data) {
		magic := binary.LittleEndian.Uint16(data[optOffset:])
		info.EntryPoint = uint64(binary.LittleEndian.Uint32(data[optOffset+16:]))
		switch magic {
		case 0x20b: // PE32+
			if optOffset+32 <= len(data) {
				info.ImageBase = binary.LittleEndian.Uint64(data[optOffset+24:])
			}
		case 0x10b: // PE32
			info.ImageBase = uint64(binary.LittleEndian.Uint32(data[optOffset+28:]))
		}
	}
	return info, nil
}

func parseELFHeader(data []byte) (*ModuleInfo, error) {
	info := &ModuleInfo{Format: "ELF"}
	is64 := data[4] == 2

	machine := binary.LittleEndian.Uint16(data[18:])
	switch machine {
	case 0x3e:
		info.Architecture = "x64"
	case 0x03:
		info.Architecture = "x86"
	case 0xb7:
		info.Architecture = "arm64"
	default:
		info.Architecture = fmt.Sprintf("machine 0x%04x", machine)
	}

	if is64 {
		info.EntryPoint = binary.LittleEndian.Uint64(data[24:])
	} else {
		info.EntryPoint = uint64(binary.LittleEndian.Uint32(data[24:]))
	}
	return info, nil
}
