package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/config"
)

// NewIndex builds the index selected by cfg.Provider. It returns a nil Index
// for "sqlite", where similarity search runs inside the task store.
func NewIndex(ctx context.Context, cfg config.VectorStoreConfig, dimension int, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "sqlite", "":
		return nil, nil
	case "chromem":
		return NewChromemIndex(ChromemConfig{
			Path:       cfg.ChromemPath,
			Compress:   cfg.ChromemCompress,
			Collection: cfg.QdrantCollection,
			VectorSize: dimension,
		}, logger)
	case "qdrant":
		return NewQdrantIndex(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.QdrantCollection,
			VectorSize: dimension,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown vectorstore provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
