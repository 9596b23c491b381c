package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/clawinfra/clawguard/internal/audit"
	"github.com/clawinfra/clawguard/internal/config"
	"github.com/clawinfra/clawguard/internal/fsutil"
	"github.com/clawinfra/clawguard/internal/netguard"
	"github.com/clawinfra/clawguard/internal/secrets"
	"github.com/clawinfra/clawguard/internal/security"
	"github.com/clawinfra/clawguard/internal/tools"
)

type command struct {
	help string
	run  func(env *cmdEnv, args []string) (int, error)
}

var commands = map[string]command{
	"encrypt":    {"seal a value (argument or stdin) as an envelope", cmdEncrypt},
	"decrypt":    {"open an envelope", cmdDecrypt},
	"migrate":    {"seal plaintext and legacy secrets in the config file", cmdMigrate},
	"check-path": {"ask the sandbox about a path", cmdCheckPath},
	"check-cmd":  {"ask the command policy about a command line", cmdCheckCmd},
	"check-url":  {"ask the outbound guard about a URL", cmdCheckURL},
	"run-tool":   {"run a tool through the policy: run-tool <name> [json-args]", cmdRunTool},
	"audit":      {"list recent security events", cmdAudit},
	"pair-reset": {"revoke every paired token (daemon must be stopped)", cmdPairReset},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// cmdEnv loads config and the key store on first use.
type cmdEnv struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	stdin      io.Reader

	logger *slog.Logger
	cfg    *config.Config
	store  *secrets.Store
}

func (e *cmdEnv) load() error {
	if e.cfg != nil {
		return nil
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	e.logger = newLogger(e.stderr, "text", level, nil)
	cfg, store, err := loadConfig(e.configPath, e.logger, nil)
	if err != nil {
		return err
	}
	e.cfg, e.store = cfg, store
	return nil
}

func (e *cmdEnv) close() {
	if e.store != nil {
		e.store.Close()
	}
}

func (e *cmdEnv) policy() (*security.Policy, error) {
	if err := e.load(); err != nil {
		return nil, err
	}
	return newPolicy(e.cfg, nil, e.logger)
}

// report prints a decision and maps it to an exit code.
func (e *cmdEnv) report(d security.Decision) int {
	if !d.Allowed {
		fmt.Fprintf(e.stdout, "denied (%s): %s\n", d.Category, d.Reason)
		return exitDenied
	}
	if d.Canonical != "" {
		fmt.Fprintf(e.stdout, "allowed: %s\n", d.Canonical)
	} else {
		fmt.Fprintln(e.stdout, "allowed")
	}
	return 0
}

func cmdEncrypt(env *cmdEnv, args []string) (int, error) {
	var value string
	switch len(args) {
	case 0:
		in := env.stdin
		if in == nil {
			in = os.Stdin
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return 1, err
		}
		value = strings.TrimRight(line, "\r\n")
	case 1:
		value = args[0]
	default:
		return 1, errors.New("usage: encrypt [value]")
	}
	if value == "" {
		return 1, errors.New("nothing to encrypt")
	}
	if err := env.load(); err != nil {
		return 1, err
	}
	sealed, err := env.store.EncryptString(value)
	if err != nil {
		return 1, err
	}
	fmt.Fprintln(env.stdout, sealed)
	return 0, nil
}

func cmdDecrypt(env *cmdEnv, args []string) (int, error) {
	if len(args) != 1 {
		return 1, errors.New("usage: decrypt <envelope>")
	}
	if err := env.load(); err != nil {
		return 1, err
	}
	plain, err := env.store.DecryptString(args[0])
	if err != nil {
		return 1, err
	}
	if secrets.NeedsMigration(args[0]) {
		fmt.Fprintln(env.stderr, "warning: legacy envelope; run 'clawguard migrate' to upgrade stored values")
	}
	fmt.Fprintln(env.stdout, plain)
	return 0, nil
}

func cmdMigrate(env *cmdEnv, _ []string) (int, error) {
	// Loading seals and migrates; the file is rewritten if anything changed.
	if err := env.load(); err != nil {
		return 1, err
	}
	fmt.Fprintf(env.stdout, "%s: secrets sealed with %s envelopes\n", env.cfg.Path(), strings.TrimSuffix(secrets.PrefixCurrent, ":"))
	return 0, nil
}

func cmdCheckPath(env *cmdEnv, args []string) (int, error) {
	if len(args) != 1 {
		return 1, errors.New("usage: check-path <path>")
	}
	p, err := env.policy()
	if err != nil {
		return 1, err
	}
	return env.report(p.ValidatePath(args[0])), nil
}

func cmdCheckCmd(env *cmdEnv, args []string) (int, error) {
	if len(args) == 0 {
		return 1, errors.New("usage: check-cmd <command line>")
	}
	p, err := env.policy()
	if err != nil {
		return 1, err
	}
	return env.report(p.ValidateCommand(strings.Join(args, " "))), nil
}

func cmdCheckURL(env *cmdEnv, args []string) (int, error) {
	if len(args) != 1 {
		return 1, errors.New("usage: check-url <url>")
	}
	if err := env.load(); err != nil {
		return 1, err
	}
	g, err := netguard.New(env.cfg.Outbound, netguard.WithLogger(env.logger))
	if err != nil {
		return 1, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return env.report(g.ValidateDestination(ctx, args[0])), nil
}

func cmdRunTool(env *cmdEnv, args []string) (int, error) {
	if len(args) < 1 || len(args) > 2 {
		return 1, errors.New("usage: run-tool <name> [json-args]")
	}
	toolArgs := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return 1, fmt.Errorf("tool arguments: %w", err)
		}
	}
	p, err := env.policy()
	if err != nil {
		return 1, err
	}
	reg := tools.NewRegistry(env.logger, tools.Builtins(p)...)
	ctx := tools.WithIdentity(context.Background(), "cli")
	res, err := reg.Execute(ctx, args[0], toolArgs)
	if err != nil {
		return 1, err
	}
	if res.Output != "" {
		fmt.Fprintln(env.stdout, res.Output)
	}
	if !res.Success {
		fmt.Fprintf(env.stderr, "tool failed: %s\n", res.Error)
		return exitDenied, nil
	}
	return 0, nil
}

func cmdAudit(env *cmdEnv, args []string) (int, error) {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	limit := fs.Int("limit", 20, "number of events")
	kind := fs.String("kind", "", "only events of this kind")
	if err := fs.Parse(args); err != nil {
		return 1, nil
	}
	if err := env.load(); err != nil {
		return 1, err
	}
	path := env.cfg.AuditDBPath()
	if path == "" {
		return 1, errors.New("audit store is disabled")
	}
	store, err := audit.OpenStore(path)
	if err != nil {
		return 1, err
	}
	defer store.Close()

	events, err := store.Recent(context.Background(), audit.Kind(*kind), *limit)
	if err != nil {
		return 1, err
	}
	for _, ev := range events {
		fmt.Fprintf(env.stdout, "%s  %-16s %-10s %s %s\n",
			ev.Time.Local().Format(time.DateTime), ev.Kind, ev.Component, ev.Subject, ev.Reason)
	}
	return 0, nil
}

func cmdPairReset(env *cmdEnv, _ []string) (int, error) {
	if err := env.load(); err != nil {
		return 1, err
	}
	lock, err := fsutil.AcquireLock(env.cfg.LockPath())
	if err != nil {
		return 1, fmt.Errorf("stop the daemon first: %w", err)
	}
	defer lock.Release()

	n := len(env.cfg.PairedTokens())
	if err := env.cfg.SavePairedTokens(nil); err != nil {
		return 1, err
	}
	fmt.Fprintf(env.stdout, "revoked %d paired token(s); a new code is issued on next start\n", n)
	return 0, nil
}
