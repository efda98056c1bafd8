// Package config loads the pipeline configuration file: which consumers run,
// their debounce and gating behavior, and the posture knobs (admin role
// names, owned alert types and tags).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ConsumerConfig fully describes one aggregation consumer: which subjects it
// listens on, whether it needs the complete batch set before running, and how
// long the debounce window is.
type ConsumerConfig struct {
	Name                string   `yaml:"name"`
	Topics              []string `yaml:"topics"`
	RequiresFullContext bool     `yaml:"requires_full_context"`
	DebounceSeconds     int      `yaml:"debounce_seconds"`
}

// DebounceWindow returns the consumer's debounce window, falling back to the
// pipeline default of 300 seconds.
func (c ConsumerConfig) DebounceWindow() time.Duration {
	if c.DebounceSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.DebounceSeconds) * time.Second
}

// PipelineConfig is one parsed snapshot of the configuration file.
type PipelineConfig struct {
	Consumers       []ConsumerConfig `yaml:"consumers"`
	AdminRoleNames  []string         `yaml:"admin_role_names"`
	OwnedAlertTypes []string         `yaml:"owned_alert_types"`

	Version int64 `yaml:"-"`
}

// DefaultPipelineConfig returns the built-in configuration used when no file
// is provided.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Consumers: []ConsumerConfig{
			{Name: "linker", Topics: []string{"sync.batches"}, DebounceSeconds: 300},
			{Name: "analyzer", Topics: []string{"posture.linked"}, RequiresFullContext: true, DebounceSeconds: 300},
		},
		AdminRoleNames: []string{
			"Global Administrator",
			"Privileged Role Administrator",
			"Security Administrator",
			"Company Administrator",
		},
		OwnedAlertTypes: []string{"mfa_not_enforced", "mfa_partial_enforced"},
	}
}

func (c *PipelineConfig) validate() error {
	seen := make(map[string]bool, len(c.Consumers))
	for _, consumer := range c.Consumers {
		if consumer.Name == "" {
			return fmt.Errorf("consumer with empty name")
		}
		if seen[consumer.Name] {
			return fmt.Errorf("duplicate consumer name %q", consumer.Name)
		}
		seen[consumer.Name] = true
		if len(consumer.Topics) == 0 {
			return fmt.Errorf("consumer %q has no topics", consumer.Name)
		}
	}
	if len(c.OwnedAlertTypes) == 0 {
		return fmt.Errorf("owned_alert_types is empty")
	}
	return nil
}

// Loader loads the configuration file and keeps the last good snapshot. A
// parse or validation failure on reload never replaces a working snapshot.
type Loader struct {
	path      string
	hotReload bool
	logger    *slog.Logger

	mu       sync.RWMutex
	snapshot *PipelineConfig
	watchers []chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a configuration loader. An empty path means the built-in
// defaults are used and hot reload is disabled.
func NewLoader(path string, hotReload bool, logger *slog.Logger) *Loader {
	return &Loader{
		path:      path,
		hotReload: hotReload && path != "",
		logger:    logger,
	}
}

// LoadSnapshot reads, parses and validates the configuration file, swapping
// the current snapshot on success.
func (l *Loader) LoadSnapshot() (*PipelineConfig, error) {
	if l.path == "" {
		cfg := DefaultPipelineConfig()
		cfg.Version = time.Now().UnixNano()
		l.swap(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	cfg.Version = time.Now().UnixNano()

	l.swap(&cfg)
	l.logger.Info("Pipeline config loaded",
		"path", l.path,
		"consumers", len(cfg.Consumers),
		"version", cfg.Version)
	return &cfg, nil
}

func (l *Loader) swap(cfg *PipelineConfig) {
	l.mu.Lock()
	l.snapshot = cfg
	watchers := append([]chan struct{}(nil), l.watchers...)
	l.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// GetSnapshot returns the current snapshot, or the defaults if nothing has
// been loaded yet.
func (l *Loader) GetSnapshot() *PipelineConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot == nil {
		return DefaultPipelineConfig()
	}
	cfg := *l.snapshot
	return &cfg
}

// Subscribe returns a channel that receives a notification whenever a new
// snapshot is installed.
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()
	return ch
}

// WatchForChanges starts the file watcher if hot reload is enabled. Reloads
// are debounced so editors that write in several steps trigger one reload.
func (l *Loader) WatchForChanges() error {
	if !l.hotReload {
		l.logger.Info("Config hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors replace files, which breaks file watches.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()

	l.logger.Info("Watching config file for changes", "path", l.path)
	return nil
}

func (l *Loader) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Second, func() {
				if _, err := l.LoadSnapshot(); err != nil {
					l.logger.Error("Config reload failed, keeping last good snapshot", "error", err)
				}
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("Config watcher error", "error", err)
		case <-l.done:
			return
		}
	}
}

// StopWatching stops the file watcher.
func (l *Loader) StopWatching() {
	if l.watcher != nil {
		close(l.done)
		l.watcher.Close()
		l.watcher = nil
	}
}
