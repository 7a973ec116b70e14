// Package service is the composition root: it wires storage, the
// embedding provider, the vector index, the judge and every engine into
// one facade the transports call.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/memtree/pkg/branch"
	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/consolidate"
	"github.com/kadirpekel/memtree/pkg/conversation"
	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/embedders"
	"github.com/kadirpekel/memtree/pkg/judge"
	"github.com/kadirpekel/memtree/pkg/merge"
	"github.com/kadirpekel/memtree/pkg/observability"
	"github.com/kadirpekel/memtree/pkg/ratelimit"
	"github.com/kadirpekel/memtree/pkg/search"
	"github.com/kadirpekel/memtree/pkg/snapshot"
	"github.com/kadirpekel/memtree/pkg/storage"
	"github.com/kadirpekel/memtree/pkg/task"
	"github.com/kadirpekel/memtree/pkg/vector"
	"github.com/kadirpekel/memtree/pkg/verify"
	"github.com/kadirpekel/memtree/pkg/write"
)

// Service owns the full engine stack for one deployment.
type Service struct {
	Config *config.Config

	Store    *storage.SQL
	Embedder embedder.Embedder
	Vectors  vector.Provider
	Metrics  *observability.Metrics
	Limiter  *ratelimit.Limiter

	Branches      *branch.Engine
	Merges        *merge.Engine
	Search        *search.Engine
	Writes        *write.Engine
	Consolidator  *consolidate.Engine
	Verifier      *verify.Engine
	Snapshots     *snapshot.Engine
	Conversations *conversation.Engine
	Tasks         *task.Engine
}

// New wires a service from configuration. Optional collaborators that
// fail to initialize degrade with a warning instead of failing startup;
// the storage is the only hard dependency.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialect, dsn, err := config.ParseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, storage.Options{
		Dialect:    dialect,
		DSN:        dsn,
		RootBranch: cfg.DefaultBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	emb, err := embedders.New(cfg.Embedding)
	if err != nil {
		slog.Warn("Embedder unavailable, writes persist without vectors", "error", err)
		emb = nil
	}

	var vectors vector.Provider
	if cfg.Vector.Enabled {
		provider, err := vector.NewChromemProvider(vector.ChromemConfig{
			PersistPath: cfg.Vector.PersistPath,
			Compress:    cfg.Vector.Compress,
		})
		if err != nil {
			slog.Warn("Vector provider unavailable, similarity search uses stored embeddings", "error", err)
		} else {
			vectors = provider
		}
	}

	metrics, err := observability.Init(ctx, cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	var j judge.Judge
	if lj := judge.New(judge.Config{
		APIKey:  cfg.Judge.APIKey,
		BaseURL: cfg.Judge.BaseURL,
		Model:   cfg.Judge.Model,
	}); lj != nil {
		j = lj
	}

	s := &Service{
		Config:   cfg,
		Store:    store,
		Embedder: emb,
		Vectors:  vectors,
		Metrics:  metrics,
		Limiter:  ratelimit.New(cfg.RateLimit),
	}
	s.Branches = branch.NewEngine(store, vectors)
	s.Merges = merge.NewEngine(store, emb, vectors)
	s.Search = search.NewEngine(store, emb, vectors)
	s.Writes = write.NewEngine(store, emb, vectors)
	s.Consolidator = consolidate.NewEngine(store, emb)
	s.Verifier = verify.NewEngine(store, j)
	s.Snapshots = snapshot.NewEngine(store, cfg.Vector.PersistPath)
	s.Conversations = conversation.NewEngine(store, emb)
	s.Tasks = task.NewEngine(store, s.Branches, s.Merges, s.Consolidator, s.Verifier)

	slog.Info("Service initialized",
		"dialect", dialect,
		"root_branch", store.RootBranch(),
		"embedder", embedderName(emb),
		"vector_index", vectors != nil,
		"judge", j != nil)
	return s, nil
}

// Close releases the vector index and the storage.
func (s *Service) Close() error {
	if s.Vectors != nil {
		if err := s.Vectors.Close(); err != nil {
			slog.Warn("Vector provider close failed", "error", err)
		}
	}
	if s.Embedder != nil {
		if err := s.Embedder.Close(); err != nil {
			slog.Warn("Embedder close failed", "error", err)
		}
	}
	return s.Store.Close()
}

func embedderName(e embedder.Embedder) string {
	if e == nil {
		return "none"
	}
	return e.Model()
}
