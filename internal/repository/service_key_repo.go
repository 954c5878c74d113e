package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

type ServiceKeyRepo struct {
	pool *pgxpool.Pool
}

func NewServiceKeyRepo(pool *pgxpool.Pool) *ServiceKeyRepo {
	return &ServiceKeyRepo{pool: pool}
}

func (r *ServiceKeyRepo) Create(ctx context.Context, k *models.ServiceKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, k.ID, k.Name, k.KeyHash)
	return err
}

func (r *ServiceKeyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM service_keys WHERE id = $1", id)
	return err
}

// FindByKeyHash returns the service key for the given hash, or an error
// when no key matches.
func (r *ServiceKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*models.ServiceKey, error) {
	var k models.ServiceKey
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			SELECT id, name, key_hash, created_at
			FROM service_keys WHERE key_hash = $1
		`, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}
