package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName, role string) (*Staff, error) {
	var st Staff
	err := r.pool.QueryRow(ctx, `
		INSERT INTO staff (email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, email, passwordHash, displayName, role).Scan(&st.ID)
	if err != nil {
		return nil, err
	}
	st.Email = email
	st.DisplayName = displayName
	st.Role = role
	return &st, nil
}

// GetByEmail returns the staff member and password hash for login, or nil
// when the email is unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Staff, string, error) {
	var st Staff
	var passwordHash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash
		FROM staff WHERE email = $1
	`, email).Scan(&st.ID, &st.Email, &st.DisplayName, &st.Role, &passwordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return &st, passwordHash, nil
}
