package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes a reload of one file in the watched directory.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called after a file has been parsed and validated.
type ChangeHandler func(event ChangeEvent) error

// Watcher keeps parsed copies of the yaml/json files in a directory and
// notifies per-file handlers when they change.
type Watcher struct {
	dir        string
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]func(map[string]interface{}) error
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
	eventMu    sync.Mutex

	// debounce absorbs editors that write a file in several syscalls
	debounce time.Duration
}

// NewWatcher creates a watcher for dir. The directory is created if missing.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		dir:        dir,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		watcher:    fw,
		stopCh:     make(chan struct{}),
		logger:     logger,
		debounce:   50 * time.Millisecond,
	}, nil
}

// Start loads every file once, then follows filesystem events until ctx is
// done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := w.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	w.mu.Lock()
	w.started = true
	loaded := len(w.configs)
	w.mu.Unlock()

	go w.watchLoop(ctx)

	w.logger.Info("Config watcher started",
		zap.String("config_dir", w.dir),
		zap.Int("loaded_configs", loaded),
	)
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	close(w.stopCh)
	w.started = false
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	w.logger.Info("Config watcher stopped")
	return nil
}

// RegisterHandler adds a handler for filename (base name, e.g. "entities.yaml").
func (w *Watcher) RegisterHandler(filename string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
}

// RegisterValidator installs a validator run before handlers see a change.
// A file that fails validation keeps its previous contents.
func (w *Watcher) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validators[filename] = validator
}

// Get returns a copy of the last good parse of filename.
func (w *Watcher) Get(filename string) (map[string]interface{}, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg, ok := w.configs[filename]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// Reload re-reads filename from disk.
func (w *Watcher) Reload(filename string) error {
	return w.loadFile(filepath.Join(w.dir, filename), "manual_reload")
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	w.eventMu.Lock()
	defer w.eventMu.Unlock()

	if !isConfigFile(ev.Name) {
		return
	}
	filename := filepath.Base(ev.Name)

	var action string
	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case ev.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case ev.Op&fsnotify.Rename == fsnotify.Rename:
		action = "delete"
	default:
		return
	}

	if action == "delete" {
		w.removeFile(filename)
		return
	}

	time.Sleep(w.debounce)
	if err := w.loadFile(ev.Name, action); err != nil {
		w.logger.Error("Failed to load config file",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (w *Watcher) loadAll() error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isConfigFile(path) {
			return nil
		}
		if err := w.loadFile(path, "initial_load"); err != nil {
			// one bad file should not block startup
			w.logger.Warn("Skipping invalid config file", zap.String("file", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	filename := filepath.Base(path)
	cfg := make(map[string]interface{})

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}

	w.mu.RLock()
	validator := w.validators[filename]
	w.mu.RUnlock()
	if validator != nil {
		if err := validator(cfg); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	w.mu.Lock()
	w.configs[filename] = cfg
	handlers := append([]ChangeHandler(nil), w.handlers[filename]...)
	w.mu.Unlock()

	w.notify(handlers, ChangeEvent{File: filename, Action: action, Config: cfg, Timestamp: time.Now()})
	w.logger.Info("Config file loaded", zap.String("file", filename), zap.String("action", action))
	return nil
}

func (w *Watcher) removeFile(filename string) {
	w.mu.Lock()
	_, existed := w.configs[filename]
	delete(w.configs, filename)
	handlers := append([]ChangeHandler(nil), w.handlers[filename]...)
	w.mu.Unlock()
	if !existed {
		return
	}
	w.notify(handlers, ChangeEvent{File: filename, Action: "delete", Timestamp: time.Now()})
	w.logger.Info("Config file removed", zap.String("file", filename))
}

// notify runs handlers in registration order on the calling goroutine.
func (w *Watcher) notify(handlers []ChangeHandler, ev ChangeEvent) {
	for _, h := range handlers {
		if err := h(ev); err != nil {
			w.logger.Error("Config handler error",
				zap.String("file", ev.File),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
