// Halink is a command-line client for a Home Assistant hub.
//
// It keeps one authenticated REST + WebSocket session to the hub, with
// automatic reconnection, and exposes the hub's state, registries and
// services from the command line. The serve command runs as a daemon
// that journals state changes to SQLite and mirrors them to MQTT.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	halink serve                          Run the state journal and MQTT mirror
//	halink states [domain]                List entity states
//	halink state <entity_id>              Show one entity with registry details
//	halink call <domain.service> [k=v]    Call a service
//	halink registry <kind>                List entities, devices, areas or services
//	halink template <text>                Render a template on the hub
//	halink watch [glob ...]               Stream state changes
//	halink init [dir]                     Write an example config.yaml
//	halink version                        Print version and build information
//	halink -o json states                 Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/halink/internal/buildinfo"
	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/connwatch"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/homeassistant"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath  string
	fixturePath string
	outputFmt   string // "text" (default) or "json"
}

// run is the real entry point for the halink command. Cancelling ctx
// shuts down long-running commands. Command output goes to stdout; logs
// go to stderr except under serve, where they are the output. Arguments
// are parsed by hand so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-fixture" && i+1 < len(args):
			opts.fixturePath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-fixture="):
			opts.fixturePath = strings.TrimPrefix(args[i], "-fixture=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "states":
		domain := ""
		if len(cmdArgs) > 0 {
			domain = cmdArgs[0]
		}
		return runStates(ctx, stdout, stderr, opts, domain)
	case "state":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: halink state <entity_id>")
		}
		return runState(ctx, stdout, stderr, opts, cmdArgs[0])
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: halink call <domain.service> [key=value ...]")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1:])
	case "registry":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: halink registry <entities|devices|areas|services>")
		}
		return runRegistry(ctx, stdout, stderr, opts, cmdArgs[0])
	case "template":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: halink template <text>")
		}
		return runTemplate(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "watch":
		return runWatch(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Halink - Home Assistant hub client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: halink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Journal and mirror state changes until stopped")
	fmt.Fprintln(w, "  states [domain]              List entity states")
	fmt.Fprintln(w, "  state <entity_id>            Show one entity with registry details")
	fmt.Fprintln(w, "  call <domain.service> [k=v]  Call a service; values are JSON or plain strings")
	fmt.Fprintln(w, "  registry <kind>              List entities, devices, areas or services")
	fmt.Fprintln(w, "  template <text>              Render a template on the hub")
	fmt.Fprintln(w, "  watch [glob ...]             Stream state changes")
	fmt.Fprintln(w, "  init [dir]                   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -fixture <path>   Read states and registries from a YAML/JSON fixture")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger writing to w.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Validate already rejected unknown levels.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// clientOptions maps the hub configuration onto client options.
func clientOptions(cfg config.HomeAssistantConfig, logger *slog.Logger, bus *events.Bus) homeassistant.Options {
	return homeassistant.Options{
		URL:                cfg.URL,
		Token:              cfg.Token,
		InsecureSkipVerify: !cfg.VerifyTLS(),
		WebSocketTimeout:   cfg.WebSocketTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		CommandTimeout:     cfg.CommandTimeout,
		StateCacheTTL:      cfg.StateCacheTTL,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: cfg.Reconnect.Base,
			MaxDelay:     cfg.Reconnect.Max,
		},
		Logger: logger,
		Bus:    bus,
	}
}

// connectClient loads the configuration and connects a client for a
// one-shot command. The caller must Disconnect it.
func connectClient(ctx context.Context, stderr io.Writer, opts options) (*homeassistant.Client, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, cfg)

	client := homeassistant.NewClient(clientOptions(cfg.HomeAssistant, logger, nil))
	if !client.Connect(ctx) {
		return nil, fmt.Errorf("connect to %s: %w", cfg.HomeAssistant.URL, client.LastError())
	}
	return client, nil
}

// contextProvider returns the fixture provider when -fixture is set and
// a connected client otherwise. done releases the client.
func contextProvider(ctx context.Context, stderr io.Writer, opts options) (homeassistant.ContextProvider, func(), error) {
	if opts.fixturePath != "" {
		p, err := homeassistant.LoadFixture(opts.fixturePath)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
	client, err := connectClient(ctx, stderr, opts)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Disconnect, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
