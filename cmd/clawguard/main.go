package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

const defaultConfigPath = "clawguard.toml"

// exitDenied is returned by the check-* commands when the policy says no.
const exitDenied = 2

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clawguard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file (.toml or .yaml)")
	showVersion := fs.Bool("version", false, "Show version")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *showVersion {
		fmt.Fprintf(stdout, "clawguard v%s (built %s)\n", version, buildTime)
		return 0
	}

	sub, rest := fs.Arg(0), fs.Args()
	if len(rest) > 0 {
		rest = rest[1:]
	}

	switch sub {
	case "", "start":
		return runDaemon(*configPath, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "clawguard v%s (built %s)\n", version, buildTime)
		return 0
	}

	cmd, ok := commands[sub]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", sub)
		usage(fs, stderr)
		return 1
	}
	env := &cmdEnv{configPath: *configPath, stdout: stdout, stderr: stderr}
	defer env.close()
	code, err := cmd.run(env, rest)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage: clawguard [-config path] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-12s %s\n", "start", "run the daemon (default)")
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].help)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. level may be changed later for
// hot-reloaded log levels. When file is non-nil every record is also written
// there as JSON.
func newLogger(w io.Writer, format string, level *slog.LevelVar, file io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var terminal slog.Handler
	if format == "json" {
		terminal = slog.NewJSONHandler(w, opts)
	} else {
		terminal = slog.NewTextHandler(w, opts)
	}
	if file == nil {
		return slog.New(terminal)
	}
	return slog.New(slogmulti.Fanout(terminal, slog.NewJSONHandler(file, opts)))
}

// newLogFile opens a size-rotated log file.
func newLogFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}
