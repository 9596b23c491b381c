package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/clawguard/internal/config"
	"github.com/clawinfra/clawguard/internal/fsutil"
	"github.com/clawinfra/clawguard/internal/secrets"
)

const localGateway = "\n[gateway]\nhost = '127.0.0.1'\nport = 0\nrequire_pairing = true\n"

func TestSetup_WiresDaemon(t *testing.T) {
	path := writeConfig(t, localGateway)
	app, err := setup(path, io.Discard)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	if app.Pairing.Code() == "" {
		t.Error("no pairing code issued for an unpaired gateway")
	}
	if app.Store == nil {
		t.Error("audit store not opened")
	}
	if len(app.Scheduler.ListJobs()) != 3 {
		t.Errorf("jobs = %d, want 3", len(app.Scheduler.ListJobs()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ticket_secret = 'enc2:") && !strings.Contains(string(data), `ticket_secret = "enc2:`) {
		t.Errorf("ticket secret not sealed on disk:\n%s", data)
	}

	if _, err := setup(path, io.Discard); !errors.Is(err, fsutil.ErrLocked) {
		t.Fatalf("second setup = %v, want ErrLocked", err)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	app, err := setup(writeConfig(t, localGateway), io.Discard)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ReloadAppliesLogLevel(t *testing.T) {
	path := writeConfig(t, localGateway)
	app, err := setup(path, io.Discard)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	updated := strings.Replace(string(data), "log_level = 'info'", "log_level = 'debug'", 1)
	updated = strings.Replace(updated, `log_level = "info"`, `log_level = "debug"`, 1)
	if updated == string(data) {
		t.Fatalf("log_level not found in config:\n%s", data)
	}
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	app.reload()
	if got := app.level.Level(); got.String() != "DEBUG" {
		t.Errorf("level = %v, want DEBUG", got)
	}
}

func TestLoadConfig_ConcurrentFirstRunsAgreeOnKey(t *testing.T) {
	path := writeConfig(t, "\n[providers.openai]\nbase_url = 'https://api.openai.com/v1'\napi_key = 'sk-plain'\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	const n = 4
	stores := make([]*secrets.Store, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, stores[i], errs[i] = loadConfig(path, logger, nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("loadConfig %d: %v", i, err)
		}
		defer stores[i].Close()
	}

	cfg, store, err := loadConfig(path, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p, ok := cfg.Provider("openai")
	if !ok || !strings.HasPrefix(p.APIKey, secrets.PrefixCurrent) {
		t.Fatalf("provider key not sealed on disk: %+v", p)
	}
	for i, s := range stores {
		got, err := config.Open(s, p.APIKey)
		if err != nil || got != "sk-plain" {
			t.Errorf("store %d cannot open the sealed key: %q, %v", i, got, err)
		}
	}
}
