package vector

import (
	"context"
)

// Provider is an optional similarity-search accelerator. The SQL store
// remains the source of truth; the provider only holds id, embedding and a
// thin metadata envelope per entity, partitioned into one collection per
// branch and entity kind.
type Provider interface {
	// Upsert adds or replaces one document in a collection.
	Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error

	// Search returns the topK nearest neighbors by cosine similarity.
	Search(ctx context.Context, collection string, embedding []float32, topK int) ([]Result, error)

	// Delete removes a document by id. Missing ids are not an error.
	Delete(ctx context.Context, collection, id string) error

	// DropCollection removes a collection and its documents, for branch
	// archival and restores.
	DropCollection(ctx context.Context, collection string) error

	// Name identifies the provider implementation.
	Name() string

	// Close flushes any persistence and releases resources.
	Close() error
}

// Result is one similarity hit.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// CollectionFor names the collection holding one entity kind on one branch.
func CollectionFor(entity, branchSlug string) string {
	return entity + "_" + branchSlug
}
