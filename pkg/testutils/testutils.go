// Package testutils provides shared helpers for package tests: an
// in-memory storage and a deterministic embedder.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/storage"
)

// TestConfig returns a minimal valid configuration for testing.
func TestConfig() *config.Config {
	return &config.Config{
		DatabaseURL: "sqlite://:memory:",
		Embedding: config.EmbeddingConfig{
			Provider: "mock",
		},
	}
}

// NewStore opens an in-memory SQLite storage with the schema applied.
func NewStore(t *testing.T) *storage.SQL {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		Dialect:    "sqlite",
		DSN:        ":memory:",
		RootBranch: "main",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewEmbedder returns a deterministic embedder for tests.
func NewEmbedder() embedder.Embedder {
	return embedder.NewMock(8)
}

// TestContext returns a context that expires with a comfortable margin.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
