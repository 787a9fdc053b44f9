// Package reconciler runs the polling loop that keeps the trade ledger
// consistent with external platform state and hands out unclaimed funded
// trades to available payers.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paydesk/backend/internal/events"
	"github.com/paydesk/backend/internal/ledger"
	"github.com/paydesk/backend/internal/models"
	"github.com/paydesk/backend/internal/platform"
)

const defaultInterval = 2 * time.Second

// ErrCycleInFlight means a tick fired while the previous cycle was still
// running; the tick is dropped, not queued.
var ErrCycleInFlight = errors.New("reconciliation cycle already in flight")

// TradeStore is the ledger surface the engine needs. All cycle writes go
// through one transaction obtained from Begin.
type TradeStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ListLiveTx(ctx context.Context, tx pgx.Tx) ([]*models.Trade, error)
	UpsertTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetByHashForUpdate(ctx context.Context, tx pgx.Tx, tradeHash string) (*models.Trade, error)
}

// ClientBuilder produces the adapter set for this cycle.
type ClientBuilder interface {
	BuildClients(ctx context.Context) (map[string][]platform.Client, error)
}

// AvailabilityResolver returns payers eligible for a new assignment,
// ordered by account creation time ascending.
type AvailabilityResolver interface {
	AvailablePayers(ctx context.Context) ([]*models.Payer, error)
}

// Publisher receives fire-and-forget trade events.
type Publisher interface {
	Publish(ev events.Event)
}

type Engine struct {
	store    TradeStore
	registry ClientBuilder
	avail    AvailabilityResolver
	guard    *Guard
	bus      Publisher
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	inFlight atomic.Bool
}

func NewEngine(store TradeStore, reg ClientBuilder, avail AvailabilityResolver, guard *Guard, bus Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		registry: reg,
		avail:    avail,
		guard:    guard,
		bus:      bus,
		logger:   logger.With("component", "reconciler"),
		interval: defaultInterval,
		now:      time.Now,
	}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetInterval overrides the tick period, for tests.
func (e *Engine) SetInterval(d time.Duration) { e.interval = d }

// Run ticks until ctx is cancelled. A tick that fires while a cycle is
// still running is dropped; a slow cycle degrades polling frequency
// instead of piling up overlapping transactions.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				if errors.Is(err, ErrCycleInFlight) {
					e.logger.Debug("tick skipped, cycle in flight")
					continue
				}
				// Failed cycles roll back in full and retry on the next tick.
				e.logger.Error("reconciliation cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one poll-aggregate-reconcile-assign pass.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer e.inFlight.Store(false)

	clients, err := e.registry.BuildClients(ctx)
	if err != nil {
		return err
	}
	live, failedAccounts := e.aggregate(ctx, clients)

	liveByHash := make(map[string]platform.RawTrade, len(live))
	for _, rt := range live {
		if _, ok := liveByHash[rt.TradeHash]; !ok {
			liveByHash[rt.TradeHash] = rt
		}
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Events are collected during the cycle and published only after the
	// transaction commits, so subscribers never see rolled-back state.
	var pending []events.Event

	rows, err := e.store.ListLiveTx(ctx, tx)
	if err != nil {
		return err
	}

	pending, err = e.prune(ctx, tx, rows, liveByHash, failedAccounts, pending)
	if err != nil {
		return err
	}

	funded := fundedFIFO(live)

	if err := e.upsertFunded(ctx, tx, funded); err != nil {
		return err
	}

	pending, err = e.applyTransitions(ctx, tx, rows, liveByHash, pending)
	if err != nil {
		return err
	}

	pending, err = e.assign(ctx, tx, funded, pending)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, ev := range pending {
		e.bus.Publish(ev)
	}
	return nil
}

// aggregate fans out ListActiveTrades across every adapter in parallel.
// A failing adapter is logged and excluded; the cycle proceeds with
// whatever the rest returned.
func (e *Engine) aggregate(ctx context.Context, clients map[string][]platform.Client) ([]platform.RawTrade, map[uuid.UUID]bool) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		all    []platform.RawTrade
		failed = make(map[uuid.UUID]bool)
	)
	for _, group := range clients {
		for _, c := range group {
			wg.Add(1)
			go func(c platform.Client) {
				defer wg.Done()
				trades, err := c.ListActiveTrades(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[c.AccountID()] = true
					// Rate-limit and auth failures are called out for
					// operator visibility; all are non-fatal to the cycle.
					switch {
					case errors.Is(err, platform.ErrRateLimited):
						e.logger.Warn("adapter rate limited", "platform", c.Platform(), "account_id", c.AccountID())
					case errors.Is(err, platform.ErrUnauthorized):
						e.logger.Warn("adapter credentials rejected", "platform", c.Platform(), "account_id", c.AccountID())
					default:
						e.logger.Warn("adapter listing failed", "platform", c.Platform(), "account_id", c.AccountID(), "error", err)
					}
					return
				}
				all = append(all, trades...)
			}(c)
		}
	}
	wg.Wait()
	return all, failed
}

// prune hard-deletes non-terminal rows whose hash no platform reports as
// live anymore. Rows belonging to an account whose listing failed this
// cycle are left alone; absence of data is not absence of the trade.
func (e *Engine) prune(ctx context.Context, tx pgx.Tx, rows []*models.Trade, liveByHash map[string]platform.RawTrade, failedAccounts map[uuid.UUID]bool, pending []events.Event) ([]events.Event, error) {
	for _, row := range rows {
		if _, live := liveByHash[row.TradeHash]; live {
			continue
		}
		if failedAccounts[row.AccountID] {
			continue
		}
		if e.guard.RecentlyModified(row.TradeHash) {
			continue
		}
		if err := e.store.DeleteTx(ctx, tx, row.ID); err != nil {
			return pending, err
		}
		e.logger.Info("pruned trade no longer reported live", "trade_hash", row.TradeHash, "status", row.Status)
		pending = append(pending, events.Deleted(row.ID))
	}
	return pending, nil
}

// fundedFIFO filters this cycle's listings down to "active funded" trades
// and orders them oldest-first by platform-reported creation time. Equal
// timestamps fall back to hash order so the result is deterministic.
func fundedFIFO(live []platform.RawTrade) []platform.RawTrade {
	var funded []platform.RawTrade
	seen := make(map[string]bool)
	for _, rt := range live {
		if rt.Status != platform.StatusActiveFunded || seen[rt.TradeHash] {
			continue
		}
		seen[rt.TradeHash] = true
		funded = append(funded, rt)
	}
	sort.SliceStable(funded, func(i, j int) bool {
		if funded[i].CreatedAt.Equal(funded[j].CreatedAt) {
			return funded[i].TradeHash < funded[j].TradeHash
		}
		return funded[i].CreatedAt.Before(funded[j].CreatedAt)
	})
	return funded
}

func (e *Engine) upsertFunded(ctx context.Context, tx pgx.Tx, funded []platform.RawTrade) error {
	for _, rt := range funded {
		t := &models.Trade{
			ID:                uuid.New(),
			TradeHash:         rt.TradeHash,
			Platform:          rt.Platform,
			AccountID:         rt.AccountID,
			Status:            models.TradeStatusActiveFunded,
			TradeStatus:       rt.Status,
			FiatAmount:        rt.FiatAmount,
			CryptoAmount:      rt.CryptoAmount,
			CryptoCurrency:    rt.CryptoCurrency,
			FiatCurrency:      rt.FiatCurrency,
			Margin:            rt.Margin,
			BuyerName:         rt.BuyerName,
			PlatformCreatedAt: rt.CreatedAt,
		}
		if err := e.store.UpsertTx(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// applyTransitions maps each live platform status onto the internal state
// machine for rows that already exist in the ledger.
func (e *Engine) applyTransitions(ctx context.Context, tx pgx.Tx, rows []*models.Trade, liveByHash map[string]platform.RawTrade, pending []events.Event) ([]events.Event, error) {
	for _, row := range rows {
		rt, live := liveByHash[row.TradeHash]
		if !live {
			continue
		}
		if e.guard.RecentlyModified(row.TradeHash) {
			continue
		}
		prev := row.Status
		changed := transition(row, rt.Status, e.now)
		if !changed {
			continue
		}
		if err := e.store.UpdateTx(ctx, tx, row); err != nil {
			return pending, err
		}
		if row.Status != prev {
			pending = append(pending, events.StatusChanged(row.ID, row.Status))
		}
	}
	return pending, nil
}

// transition applies the platform-status table to one row in place and
// reports whether the row needs a write. Escalation short-circuits the
// table: the engine only re-asserts ESCALATED and never auto-advances it.
func transition(row *models.Trade, rawStatus string, now func() time.Time) bool {
	changed := row.TradeStatus != rawStatus
	row.TradeStatus = rawStatus

	if row.IsEscalated {
		if row.Status != models.TradeStatusEscalated {
			row.Status = models.TradeStatusEscalated
			changed = true
		}
		return changed
	}

	switch rawStatus {
	case platform.StatusActiveFunded:
		if row.Status == models.TradeStatusPending {
			row.Status = models.TradeStatusActiveFunded
			changed = true
		}
	case platform.StatusPaid, platform.StatusCompleted:
		if row.Status != models.TradeStatusCompleted {
			row.Status = models.TradeStatusCompleted
			row.AssignedPayerID = nil
			if row.CompletedAt == nil {
				at := now()
				row.CompletedAt = &at
			}
			changed = true
		}
	case platform.StatusSuccessful:
		if row.Status != models.TradeStatusSuccessful {
			row.Status = models.TradeStatusSuccessful
			row.AssignedPayerID = nil
			changed = true
		}
	case platform.StatusCancelled, platform.StatusExpired:
		if row.Status != models.TradeStatusCancelled {
			row.Status = models.TradeStatusCancelled
			row.AssignedPayerID = nil
			changed = true
		}
	case platform.StatusDisputed:
		// A dispute opened before the desk ever touched the trade parks it
		// in DISPUTED; a dispute on an in-flight trade closes it out.
		target := models.TradeStatusCancelled
		if row.Status == models.TradeStatusPending {
			target = models.TradeStatusDisputed
		}
		if row.Status != target {
			row.Status = target
			row.AssignedPayerID = nil
			changed = true
		}
	}
	return changed
}

// assign walks the FIFO list of funded trades, handing each to the next
// free payer. The row is re-read under a lock and re-checked so a human
// action between the snapshot and now wins over the engine.
func (e *Engine) assign(ctx context.Context, tx pgx.Tx, funded []platform.RawTrade, pending []events.Event) ([]events.Event, error) {
	payers, err := e.avail.AvailablePayers(ctx)
	if err != nil {
		return pending, err
	}
	next := 0
	for _, rt := range funded {
		if next >= len(payers) {
			// Expected backpressure: the rest stay ACTIVE_FUNDED.
			break
		}
		if e.guard.RecentlyModified(rt.TradeHash) {
			continue
		}
		row, err := e.store.GetByHashForUpdate(ctx, tx, rt.TradeHash)
		if err != nil {
			if errors.Is(err, ledger.ErrTradeNotFound) {
				continue
			}
			return pending, err
		}
		if row.Status != models.TradeStatusActiveFunded || row.IsEscalated || e.guard.RecentlyModified(row.TradeHash) {
			continue
		}
		p := payers[next]
		next++
		at := e.now()
		row.Status = models.TradeStatusAssigned
		row.AssignedPayerID = &p.ID
		row.AssignedAt = &at
		if err := e.store.UpdateTx(ctx, tx, row); err != nil {
			return pending, err
		}
		e.logger.Info("trade assigned", "trade_hash", row.TradeHash, "payer_id", p.ID)
		pending = append(pending, events.StatusChanged(row.ID, models.TradeStatusAssigned))
	}
	return pending, nil
}
