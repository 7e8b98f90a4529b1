package worker

import (
	"context"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

// Embedder refreshes the embedding index for a memory namespace.
type Embedder interface {
	Sync(ctx context.Context, namespace string, limit int) (int, error)
}

// EmbedSyncHandler runs a memory embedding sync. Without an embedder the job
// succeeds with nothing synced.
type EmbedSyncHandler struct {
	Embedder Embedder
}

func (h *EmbedSyncHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.MemoryEmbedSyncInput](job)
	if err != nil {
		return nil, err
	}
	namespace := in.Namespace
	if namespace == "" {
		namespace = "default"
	}
	if h.Embedder == nil {
		return map[string]any{"namespace": namespace, "synced": 0, "skipped": true}, nil
	}
	n, err := h.Embedder.Sync(ctx, namespace, intOr(in.Limit, 1000))
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": namespace, "synced": n}, nil
}
