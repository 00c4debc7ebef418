package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Provider hands out the configuration in effect. The returned value is
// immutable; callers read it once per cycle.
type Provider interface {
	Current() *Config
}

// Static is a Provider that always returns the same configuration
type Static struct {
	cfg *Config
}

// NewStatic creates a provider for cfg
func NewStatic(cfg *Config) *Static {
	return &Static{cfg: cfg}
}

// Current returns the configuration
func (s *Static) Current() *Config {
	return s.cfg
}

// Watcher is a Provider backed by a configuration file that is re-read when it changes.
// A reload that fails validation is rejected and the previous configuration stays in effect.
type Watcher struct {
	path    string
	v       *viper.Viper
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher loads path and starts watching it for changes
func NewWatcher(path string) (*Watcher, error) {
	w, err := openWatcher(path)
	if err != nil {
		return nil, err
	}
	w.watch()
	return w, nil
}

func openWatcher(path string) (*Watcher, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, v: v}
	w.current.Store(cfg)
	return w, nil
}

func (w *Watcher) watch() {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		w.apply()
	})
	w.v.WatchConfig()
}

// Current returns the configuration in effect
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers fn to be called with every accepted configuration
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload re-reads the file immediately. It must not race with the file
// watcher and is meant for watchers opened without one.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", w.path, err)
	}
	return w.swapLocked()
}

func (w *Watcher) apply() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.swapLocked(); err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("Rejected configuration reload, keeping previous configuration")
	}
}

func (w *Watcher) swapLocked() error {
	cfg, err := decode(w.v)
	if err != nil {
		return err
	}

	w.current.Store(cfg)
	logrus.WithFields(logrus.Fields{
		"path":    w.path,
		"dry_run": cfg.DryRun,
	}).Info("Configuration reloaded")

	for _, fn := range w.listeners {
		fn(cfg)
	}
	return nil
}

// NewProvider returns a Watcher for path, or a Static provider when path is empty or watch is false
func NewProvider(path string, watch bool) (Provider, error) {
	if path == "" || !watch {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		return NewStatic(cfg), nil
	}
	return NewWatcher(path)
}

// ResolvePath returns path, or "" when path is the default location and no file exists there
func ResolvePath(path string) string {
	if path != DefaultPath {
		return path
	}
	if _, err := os.Stat(path); err != nil {
		logrus.WithField("path", path).Info("No configuration file found, using defaults and environment")
		return ""
	}
	return path
}
