package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// VectorWriter is the vector store surface the indexer needs.
type VectorWriter interface {
	EnsureCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection, pointID string, vector []float32, payload map[string]any) error
}

// QdrantWriter writes points into per-tenant collections, creating each
// collection on first use.
type QdrantWriter struct {
	client     *qdrant.Client
	vectorSize uint64

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantWriter wraps an existing client.
func NewQdrantWriter(client *qdrant.Client, vectorSize uint64) *QdrantWriter {
	return &QdrantWriter{
		client:     client,
		vectorSize: vectorSize,
		ensured:    map[string]bool{},
	}
}

// EnsureCollection creates the collection if it does not exist. The result
// is cached per process; collections are never deleted at runtime.
func (w *QdrantWriter) EnsureCollection(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ensured[name] {
		return nil
	}

	exists, err := w.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		err = w.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     w.vectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	w.ensured[name] = true
	return nil
}

// Upsert writes one point. Point ids are post UUIDs, so re-indexing the
// same post replaces its point instead of duplicating it.
func (w *QdrantWriter) Upsert(ctx context.Context, collection, pointID string, vector []float32, payload map[string]any) error {
	_, err := w.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point %s into %s: %w", pointID, collection, err)
	}
	return nil
}
