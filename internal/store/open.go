package store

import (
	"context"
	"fmt"

	"github.com/regionplacer/placer/internal/config"
)

// Open creates the backend selected by cfg. Its operations are traced.
func Open(cfg config.StorageConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "", "file":
		b, err = NewFileBackend(cfg.Dir)
	case "redis":
		b, err = NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
	case "postgres":
		b, err = NewPostgresBackend(cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	name := cfg.Backend
	if name == "" {
		name = "file"
	}
	return Traced(b, name), nil
}

// Migrate rewrites the stored state in the current map form.
// Legacy list documents are converted; current documents are rewritten unchanged.
func Migrate(ctx context.Context, s StateStore) (int, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.Save(ctx, state); err != nil {
		return 0, err
	}
	return len(state.Regions), nil
}
