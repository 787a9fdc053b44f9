package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydesk/backend/internal/models"
)

type ShiftRepo struct {
	pool *pgxpool.Pool
}

func NewShiftRepo(pool *pgxpool.Pool) *ShiftRepo {
	return &ShiftRepo{pool: pool}
}

// ActivePayerIDs returns the payers whose current shift is ACTIVE (not on
// break, not ended). Shift state is written by the shift-tracking
// subsystem; this is a read-only view.
func (r *ShiftRepo) ActivePayerIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT payer_id FROM shifts
		WHERE status = $1 AND ended_at IS NULL
	`, models.ShiftStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
