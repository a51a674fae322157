// Package main is the entry point for the mcpdbg debugger driver.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/m4rba4s/mcp-debugger/internal/config"
	"github.com/m4rba4s/mcp-debugger/internal/orchestrator"
	"github.com/m4rba4s/mcp-debugger/internal/security"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type cliOptions struct {
	orchestrator.Options
	setKeyProvider string
	connect        bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	if opts.setKeyProvider != "" {
		if err := setKey(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	o := orchestrator.New(opts.Options)
	ctx := context.Background()
	if err := o.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer o.Shutdown()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		o.Shutdown()
		os.Exit(0)
	}()

	if opts.connect {
		if err := o.Bridge().Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to connect: %v\n", err)
			return 1
		}
		fmt.Println("Connected to debugger.")
	}

	return repl(ctx, o)
}

// repl runs the interactive command loop.
func repl(ctx context.Context, o *orchestrator.Orchestrator) int {
	fmt.Println("mcpdbg interactive console. Type 'help' for commands, 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("dbg> ")
		if !scanner.Scan() {
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		verb, rest := splitVerb(line)
		switch verb {
		case "quit", "exit":
			return 0
		case "help":
			printHelp()
		case "connect":
			if err := o.Bridge().Connect(ctx); err != nil {
				fmt.Printf("connect failed: %v\n", err)
			} else {
				fmt.Println("connected")
			}
		case "disconnect":
			if err := o.Bridge().Disconnect(); err != nil {
				fmt.Printf("disconnect failed: %v\n", err)
			}
		case "status":
			fmt.Printf("connected: %v\n", o.Bridge().IsConnected())
		case "cmd":
			out, err := o.Bridge().ExecuteCommand(rest)
			if err != nil {
				fmt.Printf("command failed: %v\n", err)
			} else {
				fmt.Println(out)
			}
		case "eval":
			out, err := o.Evaluator().Eval(ctx, rest)
			if err != nil {
				fmt.Printf("eval failed: %v\n", err)
			} else {
				fmt.Println(out)
			}
		case "analyze":
			addr := uint64(0)
			if rest != "" {
				parsed, err := parseAddress(rest)
				if err != nil {
					fmt.Printf("bad address: %v\n", err)
					continue
				}
				addr = parsed
			}
			if err := o.AnalyzeCurrentContext(addr); err != nil {
				fmt.Printf("analysis failed: %v\n", err)
			} else {
				fmt.Println("analysis dispatched")
			}
		case "dump":
			if err := dumpCommand(o, rest); err != nil {
				fmt.Printf("dump failed: %v\n", err)
			}
		case "strings":
			if err := stringsCommand(o, rest); err != nil {
				fmt.Printf("strings failed: %v\n", err)
			}
		case "scan":
			if err := scanCommand(o, rest); err != nil {
				fmt.Printf("scan failed: %v\n", err)
			}
		default:
			fmt.Printf("unknown command %q, try 'help'\n", verb)
		}
	}
}

func splitVerb(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

// dumpCommand reads memory and prints a hex view: dump <addr> <size>.
func dumpCommand(o *orchestrator.Orchestrator, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return fmt.Errorf("usage: dump <address> <size>")
	}
	addr, err := parseAddress(fields[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}

	dump, err := o.Bridge().ReadMemory(addr, size)
	if err != nil {
		return err
	}
	for i := 0; i < len(dump.Data); i += 16 {
		end := i + 16
		if end > len(dump.Data) {
			end = len(dump.Data)
		}
		fmt.Printf("0x%08x  % x\n", dump.BaseAddress+uint64(i), dump.Data[i:end])
	}
	return nil
}

// stringsCommand extracts printable strings: strings <addr> <size>.
func stringsCommand(o *orchestrator.Orchestrator, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return fmt.Errorf("usage: strings <address> <size>")
	}
	addr, err := parseAddress(fields[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}

	dump, err := o.Bridge().ReadMemory(addr, size)
	if err != nil {
		return err
	}
	found, err := o.Analyzer().FindStrings(dump)
	if err != nil {
		return err
	}
	for _, s := range found {
		kind := "ascii"
		if s.Unicode {
			kind = "utf16"
		}
		fmt.Printf("0x%08x  %-5s %s\n", s.Offset, kind, s.Value)
	}
	return nil
}

// scanCommand searches memory for a byte pattern: scan <addr> <size> [pattern].
// Without a pattern it runs the built-in signature set.
func scanCommand(o *orchestrator.Orchestrator, args string) error {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return fmt.Errorf("usage: scan <address> <size> [pattern]")
	}
	addr, err := parseAddress(fields[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}

	dump, err := o.Bridge().ReadMemory(addr, size)
	if err != nil {
		return err
	}

	if len(fields) == 2 {
		found, err := o.Analyzer().ScanKnown(dump)
		if err != nil {
			return err
		}
		total := 0
		for name, matches := range found {
			for _, m := range matches {
				fmt.Printf("0x%08x  %s\n", m, name)
			}
			total += len(matches)
		}
		fmt.Printf("%d match(es)\n", total)
		return nil
	}

	pattern := strings.Join(fields[2:], " ")
	matches, err := o.Analyzer().ScanPattern(dump, pattern)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Printf("0x%08x\n", m)
	}
	fmt.Printf("%d match(es)\n", len(matches))
	return nil
}

// setKey prompts for an API key and saves it to the credential store.
func setKey(opts cliOptions) error {
	if opts.Passphrase == "" {
		pass, err := promptSecret("Store passphrase: ")
		if err != nil {
			return err
		}
		opts.Passphrase = pass
	}

	key, err := promptSecret(fmt.Sprintf("API key for %s: ", opts.setKeyProvider))
	if err != nil {
		return err
	}

	store := security.NewStore()
	storePath := credentialStorePath(opts)
	if _, err := os.Stat(storePath); err == nil {
		if err := store.Load(storePath, opts.Passphrase); err != nil {
			return err
		}
	} else if err := store.Unlock(opts.Passphrase); err != nil {
		return err
	}

	if err := store.Set(opts.setKeyProvider, key); err != nil {
		return err
	}
	if err := store.Save(storePath); err != nil {
		return err
	}
	fmt.Printf("Stored key for %s in %s\n", opts.setKeyProvider, storePath)
	return nil
}

// credentialStorePath resolves the store location the same way Initialize
// does: a path named by the config file wins, otherwise the user-level
// dotfile.
func credentialStorePath(opts cliOptions) string {
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	if cfgPath != "" {
		if m, err := config.NewManager(); err == nil && m.Load(cfgPath) == nil {
			if p := m.Get().Security.CredentialStorePath; p != "" {
				return p
			}
		}
	}
	return security.DefaultStorePath()
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printHelp() {
	fmt.Println(`Commands:
  connect                       connect to the debugger
  disconnect                    close the debugger connection
  status                        show connection state
  cmd <debugger command>        run a raw debugger command
  eval <expression>             evaluate a Lua expression (reg, read_mem, dbg, hex)
  analyze [address]             AI-analyze disassembly, comment written back
  dump <address> <size>         hex dump of memory
  strings <address> <size>      extract printable strings from memory
  scan <address> <size> [pat]   scan memory for a byte pattern (?? wildcards);
                                without a pattern, run the built-in signatures
  quit                          exit`)
}

func parseFlags() cliOptions {
	var opts cliOptions
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.Passphrase, "passphrase", "", "Credential store passphrase")
	flag.StringVar(&opts.setKeyProvider, "set-key", "", "Store an API key for a provider and exit")
	flag.BoolVar(&opts.connect, "connect", false, "Connect to the debugger on startup")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mcpdbg - AI-assisted debugger driver\n\n")
		fmt.Fprintf(os.Stderr, "Usage: mcpdbg [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mcpdbg -c config.yaml -connect     Connect using a config file\n")
		fmt.Fprintf(os.Stderr, "  mcpdbg -set-key claude             Store an Anthropic API key\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("mcpdbg %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	if opts.LogLevel != "" {
		switch opts.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
			os.Exit(1)
		}
	}

	return opts
}
