package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// ReloadEvent carries the configuration re-read after config.yaml changed.
// Err is set when the new file could not be loaded; Config is then zero.
// RestartRequired names changed settings that only take effect on restart.
type ReloadEvent struct {
	Path            string
	Config          Config
	RestartRequired []string
	Err             error
}

// Watcher re-reads config.yaml when it changes. Only the workflow section is
// applied live by the server.
type Watcher struct {
	fs      afero.Fs
	logger  *slog.Logger
	events  chan ReloadEvent
	current Config
}

// NewWatcher watches base.HomeDir. base is the configuration the process is
// running with, used to report settings that need a restart.
func NewWatcher(base Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fs:      afero.NewOsFs(),
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
		current: base,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory, so editors that save by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.current.HomeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.current.HomeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				w.reload(target)
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

func (w *Watcher) reload(path string) {
	next, err := LoadFrom(w.fs, w.current.HomeDir)
	ev := ReloadEvent{Path: path, Err: err}
	if err != nil {
		w.logger.Error("config reload failed", "path", path, "error", err)
	} else {
		ev.Config = next
		ev.RestartRequired = RestartRequired(w.current, next)
		w.logger.Info("config file changed", "path", path, "fingerprint", next.Fingerprint(), "restart_required", ev.RestartRequired)
		w.current = next
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("config reload dropped; consumer is behind", "path", path)
	}
}

// RestartRequired lists the settings that differ between old and next and
// are read only at startup.
func RestartRequired(old, next Config) []string {
	var out []string
	if old.BindAddr != next.BindAddr {
		out = append(out, "bind_addr")
	}
	if old.DBPath != next.DBPath {
		out = append(out, "db_path")
	}
	if old.LogLevel != next.LogLevel {
		out = append(out, "log_level")
	}
	if old.MaxBodyBytes != next.MaxBodyBytes || old.IngestRatePerMinute != next.IngestRatePerMinute || !slices.Equal(old.AllowOrigins, next.AllowOrigins) {
		out = append(out, "http")
	}
	if old.Auth.Password != next.Auth.Password || !slices.Equal(old.Auth.APIKeys, next.Auth.APIKeys) || old.Auth.SessionTTLHours != next.Auth.SessionTTLHours {
		out = append(out, "auth")
	}
	if old.Cron != next.Cron {
		out = append(out, "cron")
	}
	if old.System.DiskPath != next.System.DiskPath || old.System.CheckTimeoutMS != next.System.CheckTimeoutMS || !slices.Equal(old.System.Services, next.System.Services) {
		out = append(out, "system")
	}
	if old.Telemetry != next.Telemetry {
		out = append(out, "telemetry")
	}
	return out
}
