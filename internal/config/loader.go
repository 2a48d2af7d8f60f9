package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ratingstudy/internal/control"
	"ratingstudy/internal/security"
)

// Loader loads a configuration file and reloads it when the file changes.
// Callbacks see only configurations that passed validation; a bad edit
// leaves the previous configuration in place and is reported on Errors.
type Loader struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	config   *Config
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	errChan chan error
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
		errChan:  make(chan error, 1),
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, overrides and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg.Clone(), nil
}

// Config returns a copy of the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config == nil {
		return nil
	}
	return l.config.Clone()
}

// OnChange registers a callback invoked after each successful reload.
// Register callbacks before calling Watch.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns reload and watcher errors. Errors are dropped when the
// channel is full.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file. The containing directory
// is watched so that editors that replace the file are handled.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, func() {
				if err := l.Reload(); err != nil {
					l.report(err)
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Reload reads the file again and, if it validates, swaps it in and runs
// the OnChange callbacks.
func (l *Loader) Reload() error {
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	newCfg, err := Load(l.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := slices.Clone(l.onChange)
	l.mu.Unlock()

	for _, cb := range callbacks {
		var prev *Config
		if oldCfg != nil {
			prev = oldCfg.Clone()
		}
		cb(prev, newCfg.Clone())
	}
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// loadConfigFromFile decodes path over the defaults. A missing file yields
// the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// A configured control list replaces the defaults rather than merging
	// into them element by element.
	cfg.Study.Controls = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if len(cfg.Study.Controls) == 0 {
		cfg.Study.Controls = control.DefaultSpecs()
	}
	return cfg, nil
}

func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// Encode serializes cfg in the format implied by path's extension.
// Unknown extensions use TOML.
func Encode(cfg *Config, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode JSON: %w", err)
		}
		return append(data, '\n'), nil
	case ".yaml", ".yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode YAML: %w", err)
		}
		return data, nil
	default:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encode TOML: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// SaveConfig writes cfg to path atomically with owner-only permissions,
// since the file may hold the store secret.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return security.WriteFileAtomic(path, data, security.PermSecretFile)
}

// LoadOrCreate loads path, first writing the defaults there if it does not
// exist. The boolean reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, cfg.Validate()
	}
	cfg, err := Load(path)
	return cfg, false, err
}
