// Package config loads and hot-reloads the daemon's YAML configuration:
// socket path, plugin search paths, excluded substrings, and the ordered
// rule set consumed by the transformation engine.
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rkallin/mprisbridge/internal/rules"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// RuleConfig is one entry of the rules: list in the YAML file.
type RuleConfig struct {
	Rule    string                 `yaml:"rule"`
	Handler string                 `yaml:"handler"`
	Args    []interface{}          `yaml:"args,omitempty"`
	Kwargs  map[string]interface{} `yaml:"kwargs,omitempty"`
}

// File is the on-disk shape of the configuration document.
type File struct {
	SocketPath         string       `yaml:"socket_path"`
	PluginPaths        []string     `yaml:"plugin_paths"`
	Rules              []RuleConfig `yaml:"rules"`
	ExcludedSubstrings []string     `yaml:"excluded_substrings"`
}

func (f File) toEntries() []rules.RuleSetEntry {
	out := make([]rules.RuleSetEntry, 0, len(f.Rules))
	for _, r := range f.Rules {
		out = append(out, rules.RuleSetEntry{Rule: r.Rule, Handler: r.Handler, Args: r.Args, Kwargs: r.Kwargs})
	}
	return out
}

// Loader reads the configuration file, compiles its rule set through an
// Engine, and watches the file for changes, atomically swapping in a freshly
// compiled Engine on every valid edit. A compile failure on reload is
// logged and the previous Engine keeps serving.
type Loader struct {
	path   string
	fs     afero.Fs
	logger *zap.Logger

	newEngine func([]rules.RuleSetEntry) (*rules.Engine, error)

	mu     sync.RWMutex
	file   File
	engine *rules.Engine

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEngineFunc compiles a rule set into a ready-to-use Engine; Orchestrator
// wiring supplies a closure that already has the plugin loader and matcher.
type NewEngineFunc func([]rules.RuleSetEntry) (*rules.Engine, error)

// PeekPluginPaths reads and parses just the plugin_paths field of the
// configuration file without compiling a rule engine. Plugin search paths
// must be known before the first Engine can be built, but Load's engine
// compilation is itself driven by the rule set that same file declares, so
// this narrow pre-parse breaks the ordering cycle. A missing or malformed
// file yields no search paths; the subsequent real Load reports that error
// properly.
func PeekPluginPaths(fs afero.Fs, path string) []string {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f.PluginPaths
}

// NewLoader constructs a Loader. It does not read the file until Load is
// called.
func NewLoader(path string, fs afero.Fs, newEngine NewEngineFunc, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{path: path, fs: fs, newEngine: newEngine, logger: logger, done: make(chan struct{})}
}

// Load reads and parses the configuration file and compiles its initial
// rule set. Must succeed before the daemon can start.
func (l *Loader) Load() error {
	raw, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", l.path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parsing %s: %w", l.path, err)
	}
	if f.SocketPath == "" {
		f.SocketPath = "/tmp/mpris.sock"
	}
	if f.ExcludedSubstrings == nil {
		f.ExcludedSubstrings = []string{"playerctld"}
	}
	engine, err := l.newEngine(f.toEntries())
	if err != nil {
		return fmt.Errorf("config: compiling rule set: %w", err)
	}
	l.mu.Lock()
	l.file = f
	l.engine = engine
	l.mu.Unlock()
	return nil
}

// File returns a copy of the most recently successfully loaded file.
func (l *Loader) File() File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.file
}

// Engine returns the currently active compiled rule engine.
func (l *Loader) Engine() *rules.Engine {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engine
}

// Watch starts an fsnotify watch on the configuration file's directory
// (watching the directory, not the file, survives editors that replace the
// file via rename-on-save) and reloads on every write/create event that
// targets this file. Watch returns immediately; call Stop to tear down.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: starting watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}
	l.watcher = w
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Load(); err != nil {
				l.logger.Error("config reload failed, keeping previous rule set live", zap.Error(err))
				continue
			}
			l.logger.Info("config reloaded", zap.String("path", l.path))
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", zap.Error(err))
		case <-l.done:
			return
		}
	}
}

// Stop tears down the fsnotify watch, if one was started.
func (l *Loader) Stop() error {
	close(l.done)
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
