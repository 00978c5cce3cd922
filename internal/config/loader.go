package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		if len(sub) >= 3 {
			return sub[2]
		}
		return ""
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Loader owns the three config files of a config directory and reloads them
// when they change on disk.
type Loader struct {
	configDir string
	logger    *slog.Logger

	mu        sync.RWMutex
	cfg       *Config
	providers *ProvidersConfig
	routes    *RoutesConfig
	watchers  []func()
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{configDir: configDir, logger: logger}
}

func (l *Loader) path(name string) string {
	return filepath.Join(l.configDir, name)
}

// Load reads gateway.yaml, providers.yaml and routes.yaml. Nothing is swapped
// in unless all three parse and the routes validate.
func (l *Loader) Load() error {
	cfg := DefaultConfig()
	if err := LoadFile(l.path("gateway.yaml"), cfg); err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}

	providers := &ProvidersConfig{}
	if err := LoadFile(l.path("providers.yaml"), providers); err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}

	routes := &RoutesConfig{}
	if err := LoadFile(l.path("routes.yaml"), routes); err != nil {
		return fmt.Errorf("load routes config: %w", err)
	}
	if err := routes.Validate(providers); err != nil {
		return fmt.Errorf("validate routes config: %w", err)
	}
	for name, p := range providers.Providers {
		if p.Timeout <= 0 {
			p.Timeout = cfg.Routing.DefaultTimeout
			providers.Providers[name] = p
		}
	}

	l.mu.Lock()
	l.cfg = cfg
	l.providers = providers
	l.routes = routes
	l.mu.Unlock()

	l.logger.Info("configuration loaded",
		"dir", l.configDir,
		"providers", len(providers.Providers),
		"candidates", len(routes.Candidates),
		"quota_backend", cfg.Quota.Backend,
	)
	return nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) Providers() *ProvidersConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.providers
}

func (l *Loader) Routes() *RoutesConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.routes
}

// OnReload registers a callback that fires after a successful reload.
func (l *Loader) OnReload(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

func (l *Loader) reload(file string) {
	l.logger.Info("config file changed, reloading", "file", file)
	if err := l.Load(); err != nil {
		l.logger.Error("failed to reload config, keeping previous", "error", err)
		return
	}
	l.mu.RLock()
	fns := append([]func(){}, l.watchers...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Watch starts watching the config directory. The returned stop function
// closes the watcher.
func (l *Loader) Watch() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	done := make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".yaml" {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					l.reload(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
