// Package ledger is the durable trade store, the single source of truth
// for trade lifecycle state, keyed by the platform-issued trade hash.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paydesk/backend/internal/models"
)

// ErrTradeNotFound is returned when no ledger row matches the lookup.
var ErrTradeNotFound = errors.New("trade not found")

const tradeColumns = `id, trade_hash, platform, account_id, status, trade_status,
	assigned_payer_id, assigned_at, completed_at, is_escalated, escalated_by, escalation_reason,
	fiat_amount, crypto_amount, crypto_currency, fiat_currency, margin, buyer_name,
	platform_created_at, notes, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	err := row.Scan(&t.ID, &t.TradeHash, &t.Platform, &t.AccountID, &t.Status, &t.TradeStatus,
		&t.AssignedPayerID, &t.AssignedAt, &t.CompletedAt, &t.IsEscalated, &t.EscalatedBy, &t.EscalationReason,
		&t.FiatAmount, &t.CryptoAmount, &t.CryptoCurrency, &t.FiatCurrency, &t.Margin, &t.BuyerName,
		&t.PlatformCreatedAt, &t.Notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return &t, nil
}

func collectTrades(rows pgx.Rows) ([]*models.Trade, error) {
	defer rows.Close()
	var out []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return scanTrade(r.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

func (r *Repository) GetByHash(ctx context.Context, tradeHash string) (*models.Trade, error) {
	return scanTrade(r.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_hash = $1`, tradeHash))
}

// GetByHashForUpdate takes a row-level lock inside tx. The engine locks
// each trade during the assignment step to close the race with a
// concurrent human action on the same row.
func (r *Repository) GetByHashForUpdate(ctx context.Context, tx pgx.Tx, tradeHash string) (*models.Trade, error) {
	return scanTrade(tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_hash = $1 FOR UPDATE`, tradeHash))
}

// ListLive returns all non-terminal rows, oldest platform creation first.
func (r *Repository) ListLive(ctx context.Context) ([]*models.Trade, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status NOT IN ($1, $2, $3, $4)
		ORDER BY platform_created_at ASC, id ASC
	`, models.TradeStatusCompleted, models.TradeStatusCancelled, models.TradeStatusDisputed, models.TradeStatusSuccessful)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

// ListLiveTx is ListLive inside the cycle transaction.
func (r *Repository) ListLiveTx(ctx context.Context, tx pgx.Tx) ([]*models.Trade, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status NOT IN ($1, $2, $3, $4)
		ORDER BY platform_created_at ASC, id ASC
	`, models.TradeStatusCompleted, models.TradeStatusCancelled, models.TradeStatusDisputed, models.TradeStatusSuccessful)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

// UpsertTx inserts a newly-reported trade or refreshes the status-sensitive
// fields of an existing row. Internal status and assignment fields are never
// touched on conflict; the transition table owns those.
func (r *Repository) UpsertTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error {
	return tx.QueryRow(ctx, `
		INSERT INTO trades (id, trade_hash, platform, account_id, status, trade_status,
			fiat_amount, crypto_amount, crypto_currency, fiat_currency, margin, buyer_name,
			platform_created_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trade_hash) DO UPDATE SET
			trade_status = EXCLUDED.trade_status,
			fiat_amount = EXCLUDED.fiat_amount,
			crypto_amount = EXCLUDED.crypto_amount,
			margin = EXCLUDED.margin,
			updated_at = now()
		RETURNING id, status, created_at, updated_at
	`, t.ID, t.TradeHash, t.Platform, t.AccountID, t.Status, t.TradeStatus,
		t.FiatAmount, t.CryptoAmount, t.CryptoCurrency, t.FiatCurrency, t.Margin, t.BuyerName,
		t.PlatformCreatedAt, t.Notes).Scan(&t.ID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
}

func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error {
	_, err := tx.Exec(ctx, `
		UPDATE trades SET status = $2, trade_status = $3, assigned_payer_id = $4, assigned_at = $5,
			completed_at = $6, is_escalated = $7, escalated_by = $8, escalation_reason = $9,
			notes = $10, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Status, t.TradeStatus, t.AssignedPayerID, t.AssignedAt,
		t.CompletedAt, t.IsEscalated, t.EscalatedBy, t.EscalationReason, t.Notes)
	return err
}

// DeleteTx hard-deletes a row. Trades that disappear from every platform
// listing without completing are removed, not soft-cancelled.
func (r *Repository) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id)
	return err
}

// AssignedPayerIDs returns the payers currently holding an ASSIGNED trade.
func (r *Repository) AssignedPayerIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT assigned_payer_id FROM trades
		WHERE status = $1 AND assigned_payer_id IS NOT NULL
	`, models.TradeStatusAssigned)
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

// CountsByStatus powers the dashboard aggregate view.
func (r *Repository) CountsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM trades GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
