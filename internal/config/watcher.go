package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reloads config.yaml when it changes and hands the new Config to
// onReload. Only settings that are safe to swap live (capability policy,
// log level) should be applied by the callback.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	onReload func(Config)
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, onReload func(Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		onReload: onReload,
		events:   make(chan ReloadEvent, 16),
	}
}

// Events reports applied reloads; sends are dropped when nobody listens.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory so editors that replace the file by
// rename are still seen. The goroutine exits when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ev fsnotify.Event) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		// Keep the running settings until the file is valid again.
		w.logger.Warn("config reload rejected", "path", ev.Name, "error", err)
		return
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
	w.logger.Info("config reloaded", "path", ev.Name, "op", ev.Op.String(),
		"fingerprint", cfg.Fingerprint(), "capability_policy", cfg.Capability.Policy, "log_level", cfg.LogLevel)
	select {
	case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
	default:
	}
}
