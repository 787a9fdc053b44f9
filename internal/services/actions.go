package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paydesk/backend/internal/events"
	"github.com/paydesk/backend/internal/models"
	"github.com/paydesk/backend/internal/notify"
	"github.com/paydesk/backend/internal/platform"
)

// Invariant violations surfaced to the acting staff member.
var (
	ErrAlreadyCompleted   = errors.New("trade is already completed")
	ErrAlreadyCancelled   = errors.New("trade is already cancelled")
	ErrTradeTerminal      = errors.New("trade is in a terminal state")
	ErrTerminalOnPlatform = errors.New("platform reports the trade in a terminal state, cannot mark paid")
	ErrNoEligiblePayers   = errors.New("no eligible payers to reassign to")
)

// TradeLedger is the ledger surface the human actions need.
type TradeLedger interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	GetByHashForUpdate(ctx context.Context, tx pgx.Tx, tradeHash string) (*models.Trade, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	AssignedPayerIDs(ctx context.Context) (map[uuid.UUID]bool, error)
}

// ClientSource resolves the adapter for the account that owns a trade.
type ClientSource interface {
	ClientForAccount(ctx context.Context, accountID uuid.UUID) (platform.Client, error)
}

// Marker is the modification guard surface: every mutation marks the
// trade before returning so the next reconciliation tick leaves it alone.
type Marker interface {
	Mark(tradeHash string)
}

// Publisher receives fire-and-forget trade events.
type Publisher interface {
	Publish(ev events.Event)
}

// Roster supplies the reassignment round-robin candidates.
type Roster interface {
	EligiblePayers(ctx context.Context) ([]*models.Payer, error)
}

// InsertEscalationTxFunc enqueues an escalation notification inside the
// caller's transaction. Provided by main as a closure over
// river.Client.InsertTx.
type InsertEscalationTxFunc func(ctx context.Context, tx pgx.Tx, args notify.EscalationJobArgs) error

// TradeActions implements the human-triggered mutations: mark paid,
// escalate, cancel, reassign.
type TradeActions struct {
	ledger           TradeLedger
	clients          ClientSource
	guard            Marker
	bus              Publisher
	roster           Roster
	insertEscalation InsertEscalationTxFunc
	logger           *slog.Logger
	now              func() time.Time
}

func NewTradeActions(ledger TradeLedger, clients ClientSource, guard Marker, bus Publisher, roster Roster, insertEscalation InsertEscalationTxFunc, logger *slog.Logger) *TradeActions {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeActions{
		ledger:           ledger,
		clients:          clients,
		guard:            guard,
		bus:              bus,
		roster:           roster,
		insertEscalation: insertEscalation,
		logger:           logger,
		now:              time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (a *TradeActions) SetClock(now func() time.Time) { a.now = now }

// MarkPaid verifies the trade against the platform, marks it paid there,
// and completes the ledger row. Calling it on an already-completed trade
// is a successful no-op.
func (a *TradeActions) MarkPaid(ctx context.Context, tradeID, staffID uuid.UUID) (*models.Trade, error) {
	t, err := a.ledger.GetByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TradeStatusCompleted {
		return t, nil
	}
	if models.IsTerminalStatus(t.Status) {
		return nil, ErrTradeTerminal
	}

	client, err := a.clients.ClientForAccount(ctx, t.AccountID)
	if err != nil {
		return nil, err
	}

	alreadyPaid := false
	couldNotVerify := false
	detail, err := client.GetTradeDetails(ctx, t.TradeHash)
	switch {
	case errors.Is(err, platform.ErrNotFound):
		// The platform forgot the hash: the trade is dead there.
		return nil, ErrTerminalOnPlatform
	case err != nil:
		couldNotVerify = true
		a.logger.Warn("could not verify trade with platform before mark paid", "trade_hash", t.TradeHash, "error", err)
	default:
		switch detail.Status {
		case platform.StatusCancelled, platform.StatusExpired, platform.StatusDisputed:
			return nil, ErrTerminalOnPlatform
		case platform.StatusPaid, platform.StatusCompleted, platform.StatusSuccessful:
			alreadyPaid = true
		}
	}

	if !alreadyPaid {
		if err := client.MarkPaid(ctx, t.TradeHash); err != nil {
			return nil, fmt.Errorf("platform mark paid: %w", err)
		}
	}

	tx, err := a.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row, err := a.ledger.GetByHashForUpdate(ctx, tx, t.TradeHash)
	if err != nil {
		return nil, err
	}
	row.Status = models.TradeStatusCompleted
	row.AssignedPayerID = nil
	if row.CompletedAt == nil {
		at := a.now()
		row.CompletedAt = &at
	}
	if couldNotVerify {
		row.Notes = appendNote(row.Notes, "could not verify with platform before mark paid")
	}
	if err := a.ledger.UpdateTx(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	a.guard.Mark(row.TradeHash)
	a.bus.Publish(events.StatusChanged(row.ID, row.Status))
	a.logger.Info("trade marked paid", "trade_hash", row.TradeHash, "staff_id", staffID)
	return row, nil
}

// Escalate removes the trade from automatic reconciliation until a human
// resolves it, and queues a CC/support notification in the same
// transaction.
func (a *TradeActions) Escalate(ctx context.Context, tradeID, staffID uuid.UUID, reason string) (*models.Trade, error) {
	t, err := a.ledger.GetByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalStatus(t.Status) {
		return nil, ErrTradeTerminal
	}

	tx, err := a.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row, err := a.ledger.GetByHashForUpdate(ctx, tx, t.TradeHash)
	if err != nil {
		return nil, err
	}
	row.IsEscalated = true
	row.Status = models.TradeStatusEscalated
	row.AssignedPayerID = nil
	row.EscalatedBy = &staffID
	row.EscalationReason = reason
	if err := a.ledger.UpdateTx(ctx, tx, row); err != nil {
		return nil, err
	}
	if a.insertEscalation != nil {
		args := notify.EscalationJobArgs{
			TradeID:     row.ID,
			TradeHash:   row.TradeHash,
			Reason:      reason,
			EscalatedBy: staffID,
		}
		if err := a.insertEscalation(ctx, tx, args); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	a.guard.Mark(row.TradeHash)
	a.bus.Publish(events.Escalated(row.ID))
	a.logger.Info("trade escalated", "trade_hash", row.TradeHash, "staff_id", staffID, "reason", reason)
	return row, nil
}

// Cancel cancels the trade on the platform and hard-deletes the ledger
// row, the same policy as auto-pruning.
func (a *TradeActions) Cancel(ctx context.Context, tradeID uuid.UUID) error {
	t, err := a.ledger.GetByID(ctx, tradeID)
	if err != nil {
		return err
	}
	switch t.Status {
	case models.TradeStatusCompleted:
		return ErrAlreadyCompleted
	case models.TradeStatusCancelled:
		return ErrAlreadyCancelled
	}

	client, err := a.clients.ClientForAccount(ctx, t.AccountID)
	if err != nil {
		return err
	}
	if err := client.CancelTrade(ctx, t.TradeHash); err != nil {
		return fmt.Errorf("platform cancel: %w", err)
	}

	tx, err := a.ledger.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := a.ledger.DeleteTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	a.guard.Mark(t.TradeHash)
	a.bus.Publish(events.Deleted(t.ID))
	a.logger.Info("trade cancelled and removed", "trade_hash", t.TradeHash)
	return nil
}

// Reassign hands the trade to the next eligible payer after the current
// one in id order, wrapping around. If that payer is already holding an
// assignment the trade queues back to ACTIVE_FUNDED instead of
// double-assigning. Reassignment always clears escalation.
func (a *TradeActions) Reassign(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	t, err := a.ledger.GetByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalStatus(t.Status) {
		return nil, ErrTradeTerminal
	}

	eligible, err := a.roster.EligiblePayers(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligiblePayers
	}
	sort.Slice(eligible, func(i, j int) bool {
		return strings.Compare(eligible[i].ID.String(), eligible[j].ID.String()) < 0
	})

	next := eligible[0]
	if t.AssignedPayerID != nil {
		for i, p := range eligible {
			if p.ID == *t.AssignedPayerID {
				next = eligible[(i+1)%len(eligible)]
				break
			}
		}
	}

	holding, err := a.ledger.AssignedPayerIDs(ctx)
	if err != nil {
		return nil, err
	}
	// The current holder of this very trade doesn't count as busy.
	nextBusy := holding[next.ID] && !(t.AssignedPayerID != nil && *t.AssignedPayerID == next.ID)

	tx, err := a.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row, err := a.ledger.GetByHashForUpdate(ctx, tx, t.TradeHash)
	if err != nil {
		return nil, err
	}
	row.IsEscalated = false
	row.EscalatedBy = nil
	row.EscalationReason = ""
	if nextBusy {
		row.Status = models.TradeStatusActiveFunded
		row.AssignedPayerID = nil
		row.AssignedAt = nil
	} else {
		at := a.now()
		row.Status = models.TradeStatusAssigned
		row.AssignedPayerID = &next.ID
		row.AssignedAt = &at
	}
	if err := a.ledger.UpdateTx(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	a.guard.Mark(row.TradeHash)
	a.bus.Publish(events.StatusChanged(row.ID, row.Status))
	a.logger.Info("trade reassigned", "trade_hash", row.TradeHash, "status", row.Status, "payer_id", row.AssignedPayerID)
	return row, nil
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
