package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Loader loads and optionally watches a configuration file.
type Loader struct {
	path     string
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked when the file changes on disk.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a Loader for the given file path.
func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{path: path}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses, expands, defaults and validates the configuration.
// An empty path yields the defaults.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}

		rawMap, err := parseBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}

		expanded := expandEnvVars(rawMap)

		if err := decodeConfig(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Watch reloads the configuration whenever the file changes, invoking the
// onChange callback with the fresh config. Blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	slog.Info("Watching configuration", "path", l.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := l.Load(ctx)
			if err != nil {
				slog.Error("Failed to reload config", "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "path", l.path)
			if l.onChange != nil {
				l.onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

// parseBytes parses YAML or JSON into a generic map.
func parseBytes(data []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(data))
	raw := map[string]any{}
	if trimmed == "" {
		return raw, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} in string values.
func expandEnvVars(v any) any {
	switch val := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(val, func(m string) string {
			groups := envVarPattern.FindStringSubmatch(m)
			if env, ok := os.LookupEnv(groups[1]); ok {
				return env
			}
			return groups[2]
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandEnvVars(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandEnvVars(item)
		}
		return out
	default:
		return v
	}
}

// decodeConfig maps the generic document onto the Config struct, honoring
// yaml tags and weak typing (string ports, etc).
func decodeConfig(raw any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// applyEnvOverrides lets environment variables override file values for the
// options commonly set in container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMTREE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MEMTREE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("MEMTREE_LLM_API_KEY"); v != "" {
		cfg.Judge.APIKey = v
	}
	if v := os.Getenv("MEMTREE_LLM_BASE_URL"); v != "" {
		cfg.Judge.BaseURL = v
	}
	if v := os.Getenv("MEMTREE_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MEMTREE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// SlogLevel translates the configured level into a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
