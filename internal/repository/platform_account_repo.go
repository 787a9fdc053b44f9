package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydesk/backend/internal/models"
)

type PlatformAccountRepo struct {
	pool *pgxpool.Pool
}

func NewPlatformAccountRepo(pool *pgxpool.Pool) *PlatformAccountRepo {
	return &PlatformAccountRepo{pool: pool}
}

func (r *PlatformAccountRepo) ListEnabled(ctx context.Context) ([]*models.PlatformAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, platform, label, api_key, api_secret, enabled, created_at, updated_at
		FROM platform_accounts WHERE enabled = TRUE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PlatformAccount
	for rows.Next() {
		var a models.PlatformAccount
		if err := rows.Scan(&a.ID, &a.Platform, &a.Label, &a.APIKey, &a.APISecret, &a.Enabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
