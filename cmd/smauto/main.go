// Smauto is a runtime engine for declarative home automation models.
//
// A model file describes brokers (MQTT, AMQP, Redis), the entities that
// publish state on them, and automations whose conditions are evaluated
// continuously against live entity state. Smauto connects to the
// brokers, mirrors entity state, and fires automation actions back onto
// the wire.
//
// Usage:
//
//	smauto interpret <model.yaml>   Run the automations in a model
//	smauto validate <model.yaml>    Check a model and report errors
//	smauto version                  Print version and build information
//	smauto -o json version          Output version information as JSON
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

	"github.com/smauto/smauto/internal/buildinfo"
	"github.com/smauto/smauto/internal/config"
	"github.com/smauto/smauto/internal/engine"
	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the smauto command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the engine and all broker connections.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var logLevel string
	var logFormat string // "text" (default) or "json"
	var outputFmt string // "text" (default) or "json"
	var clock bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-log-level" && i+1 < len(args):
			logLevel = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-log-level="):
			logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-log-format" && i+1 < len(args):
			logFormat = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-format="):
			logFormat = strings.TrimPrefix(args[i], "-log-format=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-clock":
			clock = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable output at info level.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	level := slog.LevelInfo
	if logLevel != "" {
		var err error
		level, err = config.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
	}

	switch command {
	case "interpret":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: smauto interpret <model.yaml>")
		}
		return runInterpret(ctx, stdout, cmdArgs[0], level, logFormat, clock)
	case "validate":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: smauto validate <model.yaml>")
		}
		return runValidate(stdout, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "graph", "gen", "genv":
		// Diagram and code generation live in the model tooling, not in
		// the runtime engine.
		return fmt.Errorf("%s is handled by the smauto model compiler, not the runtime engine", command)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runInterpret handles the "smauto interpret <model.yaml>" subcommand.
// It is the primary operating mode: loads the model, builds the engine,
// and blocks until a shutdown signal arrives.
func runInterpret(ctx context.Context, stdout io.Writer, path string, level slog.Level, logFormat string, clock bool) error {
	logger := newLogger(stdout, level, logFormat)
	logger.Info("starting smauto",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	m, err := model.Load(path)
	if err != nil {
		return err
	}
	logger.Info("model loaded",
		"path", path,
		"brokers", len(m.Brokers),
		"entities", len(m.Entities),
		"automations", len(m.Automations),
	)

	bus := events.New()
	eng, err := engine.New(m, engine.Options{
		Logger:        logger,
		Bus:           bus,
		ClockProducer: clock,
	})
	if err != nil {
		return err
	}

	// Trace sink: every operational event (state transitions, triggers,
	// enable/disable flips, publish failures) lands in the log at TRACE.
	// At higher levels slog drops the records and the sink is free.
	traceCh := bus.Subscribe(256)
	defer bus.Unsubscribe(traceCh)
	go func() {
		for ev := range traceCh {
			logger.Log(ctx, config.LevelTrace, "event",
				"source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return eng.Run(ctx)
}

// runValidate handles the "smauto validate <model.yaml>" subcommand. It
// parses and validates the model without touching any broker, printing
// a summary on success and the full error list on failure.
func runValidate(stdout io.Writer, path string, outputFmt string) error {
	m, err := model.Load(path)
	if err != nil {
		return err
	}
	// The built-in clock entity is part of the language, so conditions
	// may reference system_clock.time without declaring it. Inject it
	// before validation exactly as the engine does.
	m.EnsureSystemClock()
	if err := m.Validate(); err != nil {
		return fmt.Errorf("model %s is invalid:\n%w", path, err)
	}

	if outputFmt == "json" {
		summary := map[string]any{
			"path":        path,
			"valid":       true,
			"brokers":     len(m.Brokers),
			"entities":    len(m.Entities),
			"automations": len(m.Automations),
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(stdout, "%s is valid: %d broker(s), %d entity(ies), %d automation(s)\n",
		path, len(m.Brokers), len(m.Entities), len(m.Automations))
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// smauto is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Smauto - Home Automation Runtime Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: smauto [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  interpret <model>  Run the automations in a model file")
	fmt.Fprintln(w, "  validate <model>   Check a model file and report errors")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -log-level lvl    Log level: trace, debug, info, warn, error (default: info)")
	fmt.Fprintln(w, "  -log-format fmt   Log format: text (default) or json")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -clock            Publish the built-in 1 Hz system clock")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in smauto goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
