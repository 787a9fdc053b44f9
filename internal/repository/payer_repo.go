package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydesk/backend/internal/models"
)

type PayerRepo struct {
	pool *pgxpool.Pool
}

func NewPayerRepo(pool *pgxpool.Pool) *PayerRepo {
	return &PayerRepo{pool: pool}
}

const payerColumns = `id, display_name, email, status, clocked_in, created_at, updated_at`

func (r *PayerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Payer, error) {
	var p models.Payer
	err := r.pool.QueryRow(ctx, `SELECT `+payerColumns+` FROM payers WHERE id = $1`, id).
		Scan(&p.ID, &p.DisplayName, &p.Email, &p.Status, &p.ClockedIn, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListClockedIn returns active, clocked-in payers ordered by account
// creation time ascending, the fairness order for who gets first pick.
func (r *PayerRepo) ListClockedIn(ctx context.Context) ([]*models.Payer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+payerColumns+` FROM payers
		WHERE status = $1 AND clocked_in = TRUE
		ORDER BY created_at ASC
	`, models.PayerStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Payer
	for rows.Next() {
		var p models.Payer
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Email, &p.Status, &p.ClockedIn, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
