package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "sqlite://:memory:", cfg.DatabaseURL)
	assert.Equal(t, "main", cfg.DefaultBranch)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "mock", cfg.Embedding.Provider)
	assert.Equal(t, 8, cfg.Embedding.Dimension)

	// Non-mock providers default to the OpenAI dimension.
	cfg = &Config{Embedding: EmbeddingConfig{Provider: "openai"}}
	cfg.SetDefaults()
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.SetDefaults()
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "bedrock" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
		{"bad database url", func(c *Config) { c.DatabaseURL = "mongodb://x" }},
		{"scoped default branch", func(c *Config) { c.DefaultBranch = "team/main" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		url     string
		dialect string
		dsn     string
		wantErr bool
	}{
		{"sqlite:///data/mem.db", "sqlite", "/data/mem.db", false},
		{"sqlite://:memory:", "sqlite", ":memory:", false},
		{"postgres://u:p@localhost/mem", "postgres", "postgres://u:p@localhost/mem", false},
		{"postgresql://u:p@localhost/mem", "postgres", "postgresql://u:p@localhost/mem", false},
		{"mysql://u:p@tcp(localhost:3306)/mem", "mysql", "u:p@tcp(localhost:3306)/mem", false},
		{"redis://localhost", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			dialect, dsn, err := ParseDatabaseURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, dialect)
			assert.Equal(t, tt.dsn, dsn)
		})
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_MEM_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "memtree.yaml")
	body := `
database_url: "sqlite://:memory:"
port: 9090
api_key: ${TEST_MEM_KEY}
rate_limit: 120
embedding:
  provider: mock
judge:
  llm_api_key: ${MISSING_KEY:-fallback}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := NewLoader(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Equal(t, "fallback", cfg.Judge.APIKey)
	// Defaults still fill the gaps.
	assert.Equal(t, "main", cfg.DefaultBranch)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtree.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 7070, "log_level": "debug"}`), 0o644))

	cfg, err := NewLoader(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite://:memory:", cfg.DatabaseURL)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtree.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: trace"), 0o644))

	_, err := NewLoader(path).Load(context.Background())
	assert.Error(t, err)

	_, err = NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMTREE_API_KEY", "env-key")
	t.Setenv("MEMTREE_LOG_LEVEL", "warn")

	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}
