package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/benz9527/xsensor/lib/infra"
	"github.com/benz9527/xsensor/xlog"
)

// Watcher keeps the latest valid configuration of one file and reloads
// it when the file changes. An invalid edit is logged and ignored.
type Watcher struct {
	path    string
	flags   *pflag.FlagSet
	logger  xlog.XLogger
	current atomic.Pointer[Config]

	lock      sync.Mutex
	listeners []func(prev, next *Config)
}

func NewWatcher(path string, flags *pflag.FlagSet, logger xlog.XLogger) (*Watcher, error) {
	cfg, err := Load(path, flags)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.NewXLogger(xlog.WithXLoggerLevel(xlog.ParseLogLevel(cfg.Log.Level)))
	}
	w := &Watcher{path: path, flags: flags, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(prev, next *Config)) {
	if fn == nil {
		return
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	w.listeners = append(w.listeners, fn)
}

// HotReloadLogLevel applies the log level of every reload to logger.
func (w *Watcher) HotReloadLogLevel(logger xlog.XLogger) {
	w.OnChange(func(prev, next *Config) {
		if prev.Log.Level == next.Log.Level {
			return
		}
		logger.IncreaseLogLevel(xlog.ParseLogLevel(next.Log.Level).ZapLevel())
		w.logger.Info("log level reloaded",
			zap.String("from", prev.Log.Level),
			zap.String("to", next.Log.Level),
		)
	})
}

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	next, err := Load(w.path, w.flags)
	if err != nil {
		return err
	}
	prev := w.current.Swap(next)
	w.lock.Lock()
	listeners := make([]func(prev, next *Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.lock.Unlock()
	for _, fn := range listeners {
		fn(prev, next)
	}
	return nil
}

// Watch blocks until ctx ends, reloading on writes to the file. The
// directory is watched since editors often replace the file.
func (w *Watcher) Watch(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return infra.WrapErrorStackWithMessage(err, "[config] create file watcher")
	}
	defer func() { _ = watcher.Close() }()
	dir, name := filepath.Split(filepath.Clean(w.path))
	if dir == "" {
		dir = "."
	}
	if err = watcher.Add(dir); err != nil {
		return infra.WrapErrorStackWithMessage(err, "[config] watch "+dir)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.ErrorStack(err, "config reload rejected", zap.String("path", w.path))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.String("error", err.Error()))
		}
	}
}
