package config_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/basket/loopd/internal/config"
)

func TestWatcher_ReloadsPolicy(t *testing.T) {
	homeDir := t.TempDir()
	writeConfig(t, homeDir, "capability:\n  policy: enrollment\n")

	var (
		mu     sync.Mutex
		policy string
	)
	w := config.NewWatcher(homeDir, nil, func(cfg config.Config) {
		mu.Lock()
		policy = cfg.Capability.Policy
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports, in case notification setup
	// lags on this platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	update := []byte("capability:\n  policy: strict\n")
	if err := os.WriteFile(config.ConfigPath(homeDir), update, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	for {
		select {
		case <-w.Events():
			mu.Lock()
			got := policy
			mu.Unlock()
			if got != "strict" {
				t.Fatalf("expected strict policy after reload, got %q", got)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(config.ConfigPath(homeDir), update, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config reload")
		}
	}
}

func TestWatcher_InvalidConfigKeepsRunningSettings(t *testing.T) {
	homeDir := t.TempDir()
	writeConfig(t, homeDir, "log_level: info\n")

	calls := make(chan config.Config, 4)
	w := config.NewWatcher(homeDir, nil, func(cfg config.Config) { calls <- cfg })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("capability:\n  policy: lax\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	select {
	case cfg := <-calls:
		t.Fatalf("invalid config must not be applied, got %+v", cfg.Capability)
	case <-time.After(300 * time.Millisecond):
	}
}
