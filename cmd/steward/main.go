// Steward drives long-lived conversational sessions on a schedule.
//
// Each session talks to its own backend: an interactive subprocess that
// prints a "> " prompt when idle, or an HTTP chat endpoint. Scheduled
// messages are delivered on their cadence, replies are relayed to the
// transcript hub and MQTT, and replies that stall before acting are
// nudged along by the continuation monitor.
//
// Usage:
//
//	steward serve               Start configured sessions and the scheduler
//	steward init [dir]          Write an example steward.yaml
//	steward ask <message>       Send one message to a fresh session
//	steward parse <spec>        Validate a schedule spec and show its next run
//	steward plans               List saved task plans
//	steward history [session]   Show recent scheduled executions
//	steward version             Print version and build information
//	steward -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/config"
)

// main builds the OS-level environment and hands off to [run] so the
// command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that no
// package-level flag state leaks between tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: steward ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "parse":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: steward parse <spec>")
		}
		return runParse(stdout, outputFmt, strings.Join(cmdArgs, " "))
	case "plans":
		return runPlans(stdout, outputFmt, configPath)
	case "history":
		return runHistory(stdout, outputFmt, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steward - scheduled conversational sessions")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steward [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start configured sessions and the scheduler")
	fmt.Fprintln(w, "  init [dir]         Write an example steward.yaml (default: .)")
	fmt.Fprintln(w, "  ask <message>      Send one message to a fresh session")
	fmt.Fprintln(w, "  parse <spec>       Validate a schedule spec and show its next run")
	fmt.Fprintln(w, "  plans              List saved task plans")
	fmt.Fprintln(w, "  history [session]  Show recent scheduled executions (-n N to limit)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./steward.yaml, ~/.config/steward/steward.yaml, /etc/steward/steward.yaml")
	return nil
}

// loadConfig loads .env into the environment, then locates and parses
// the YAML configuration file. Returns the parsed config and the path
// that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the process logger from cfg. The returned closer
// flushes the rotated log file, if one is configured.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Debug && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	logger, closer := config.NewLogger(w, level, cfg.LogFormat, cfg.LogFile)
	return logger, closer, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
