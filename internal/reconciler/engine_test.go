package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/paydesk/backend/internal/events"
	"github.com/paydesk/backend/internal/ledger"
	"github.com/paydesk/backend/internal/models"
	"github.com/paydesk/backend/internal/platform"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- in-memory TradeStore ---

type memStore struct {
	mu        sync.Mutex
	trades    map[string]*models.Trade // keyed by trade hash
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[string]*models.Trade)}
}

func cloneTrade(t *models.Trade) *models.Trade {
	c := *t
	return &c
}

func (s *memStore) put(t *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.TradeHash] = cloneTrade(t)
}

func (s *memStore) get(hash string) *models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[hash]
	if !ok {
		return nil
	}
	return cloneTrade(t)
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (s *memStore) ListLiveTx(context.Context, pgx.Tx) ([]*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Trade
	for _, t := range s.trades {
		if !models.IsTerminalStatus(t.Status) {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlatformCreatedAt.Equal(out[j].PlatformCreatedAt) {
			return out[i].TradeHash < out[j].TradeHash
		}
		return out[i].PlatformCreatedAt.Before(out[j].PlatformCreatedAt)
	})
	return out, nil
}

// UpsertTx mirrors the SQL ON CONFLICT clause: an existing row only gets
// its raw status and amounts refreshed, never its internal state.
func (s *memStore) UpsertTx(_ context.Context, _ pgx.Tx, t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.trades[t.TradeHash]; ok {
		existing.TradeStatus = t.TradeStatus
		existing.FiatAmount = t.FiatAmount
		existing.CryptoAmount = t.CryptoAmount
		existing.Margin = t.Margin
		t.ID = existing.ID
		t.Status = existing.Status
		return nil
	}
	s.trades[t.TradeHash] = cloneTrade(t)
	return nil
}

func (s *memStore) UpdateTx(_ context.Context, _ pgx.Tx, t *models.Trade) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.TradeHash] = cloneTrade(t)
	return nil
}

func (s *memStore) DeleteTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, t := range s.trades {
		if t.ID == id {
			delete(s.trades, hash)
			return nil
		}
	}
	return nil
}

func (s *memStore) GetByHashForUpdate(_ context.Context, _ pgx.Tx, hash string) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[hash]
	if !ok {
		return nil, ledger.ErrTradeNotFound
	}
	return cloneTrade(t), nil
}

// --- fake adapter ---

type fakeClient struct {
	name      string
	accountID uuid.UUID
	trades    []platform.RawTrade
	listErr   error
}

func (f *fakeClient) Platform() string     { return f.name }
func (f *fakeClient) AccountID() uuid.UUID { return f.accountID }

func (f *fakeClient) ListActiveTrades(context.Context) ([]platform.RawTrade, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.trades, nil
}

func (f *fakeClient) GetTradeDetails(_ context.Context, hash string) (*platform.RawTrade, error) {
	for i := range f.trades {
		if f.trades[i].TradeHash == hash {
			return &f.trades[i], nil
		}
	}
	return nil, platform.ErrNotFound
}

func (f *fakeClient) MarkPaid(context.Context, string) error            { return nil }
func (f *fakeClient) CancelTrade(context.Context, string) error         { return nil }
func (f *fakeClient) GetTradeChat(context.Context, string) *platform.Chat { return &platform.Chat{} }
func (f *fakeClient) SendMessage(context.Context, string, string)       {}

// --- fake registry ---

type fakeRegistry struct {
	clients []platform.Client
}

func (f *fakeRegistry) BuildClients(context.Context) (map[string][]platform.Client, error) {
	out := make(map[string][]platform.Client)
	for _, c := range f.clients {
		out[c.Platform()] = append(out[c.Platform()], c)
	}
	return out, nil
}

// --- fake availability resolver ---

type fakeAvail struct {
	payers []*models.Payer
}

func (f *fakeAvail) AvailablePayers(context.Context) ([]*models.Payer, error) {
	return f.payers, nil
}

// --- capturing publisher ---

type capturedEvents struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capturedEvents) Publish(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *capturedEvents) ofType(typ string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(store *memStore, reg *fakeRegistry, avail *fakeAvail) (*Engine, *Guard, *capturedEvents) {
	guard := NewGuardWithClock(func() time.Time { return testClock })
	bus := &capturedEvents{}
	e := NewEngine(store, reg, avail, guard, bus, nil)
	e.SetClock(func() time.Time { return testClock })
	return e, guard, bus
}

func funded(hash string, account uuid.UUID, createdAt time.Time) platform.RawTrade {
	return platform.RawTrade{
		TradeHash:      hash,
		Status:         platform.StatusActiveFunded,
		FiatAmount:     decimal.NewFromInt(100),
		CryptoAmount:   decimal.NewFromFloat(0.001),
		CryptoCurrency: "BTC",
		FiatCurrency:   "USD",
		CreatedAt:      createdAt,
		Platform:       platform.Paxful,
		AccountID:      account,
	}
}

func payer(name string) *models.Payer {
	return &models.Payer{ID: uuid.New(), DisplayName: name, Status: models.PayerStatusActive, ClockedIn: true}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestCycleAssignsOldestTradesFirst(t *testing.T) {
	account := uuid.New()
	t0 := testClock.Add(-3 * time.Minute)
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{
		name:      platform.Paxful,
		accountID: account,
		trades: []platform.RawTrade{
			// Listed out of creation order on purpose.
			funded("h3", account, t0.Add(2*time.Second)),
			funded("h1", account, t0),
			funded("h2", account, t0.Add(time.Second)),
		},
	}}}
	w1, w2 := payer("w1"), payer("w2")
	store := newMemStore()
	e, _, bus := newTestEngine(store, reg, &fakeAvail{payers: []*models.Payer{w1, w2}})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	h1, h2, h3 := store.get("h1"), store.get("h2"), store.get("h3")
	if h1.Status != models.TradeStatusAssigned || *h1.AssignedPayerID != w1.ID {
		t.Fatalf("h1 = %s/%v, want ASSIGNED to w1", h1.Status, h1.AssignedPayerID)
	}
	if h2.Status != models.TradeStatusAssigned || *h2.AssignedPayerID != w2.ID {
		t.Fatalf("h2 = %s/%v, want ASSIGNED to w2", h2.Status, h2.AssignedPayerID)
	}
	if h3.Status != models.TradeStatusActiveFunded || h3.AssignedPayerID != nil {
		t.Fatalf("h3 = %s/%v, want ACTIVE_FUNDED unassigned", h3.Status, h3.AssignedPayerID)
	}
	if h1.AssignedAt == nil || !h1.AssignedAt.Equal(testClock) {
		t.Fatalf("h1.AssignedAt = %v, want engine clock", h1.AssignedAt)
	}
	if got := bus.ofType(events.TypeTradeStatusChanged); len(got) != 2 {
		t.Fatalf("published %d status events, want 2", len(got))
	}
}

func TestCycleCreatesLedgerRowsForNewFundedTrades(t *testing.T) {
	account := uuid.New()
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{
		name:      platform.Paxful,
		accountID: account,
		trades: []platform.RawTrade{
			funded("n1", account, testClock.Add(-time.Minute)),
			{TradeHash: "n2", Status: platform.StatusCancelled, AccountID: account, Platform: platform.Paxful},
		},
	}}}
	store := newMemStore()
	e, _, _ := newTestEngine(store, reg, &fakeAvail{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	n1 := store.get("n1")
	if n1 == nil || n1.Status != models.TradeStatusActiveFunded {
		t.Fatalf("n1 = %+v, want ACTIVE_FUNDED row", n1)
	}
	// Only "active funded" listings create rows.
	if store.get("n2") != nil {
		t.Fatal("cancelled listing must not create a ledger row")
	}
}

func TestEscalationIsSticky(t *testing.T) {
	account := uuid.New()
	rt := funded("e1", account, testClock.Add(-time.Hour))
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account, trades: []platform.RawTrade{rt}}}}

	store := newMemStore()
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "e1",
		Platform:          platform.Paxful,
		AccountID:         account,
		Status:            models.TradeStatusEscalated,
		IsEscalated:       true,
		PlatformCreatedAt: rt.CreatedAt,
	})
	e, _, _ := newTestEngine(store, reg, &fakeAvail{payers: []*models.Payer{payer("w1")}})

	for i := 0; i < 5; i++ {
		if err := e.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	row := store.get("e1")
	if row.Status != models.TradeStatusEscalated {
		t.Fatalf("status = %s, want ESCALATED after repeated cycles", row.Status)
	}
	if row.AssignedPayerID != nil {
		t.Fatal("escalated trade must never be auto-assigned")
	}
}

func TestEscalationReasserted(t *testing.T) {
	account := uuid.New()
	rt := funded("e2", account, testClock.Add(-time.Hour))
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account, trades: []platform.RawTrade{rt}}}}

	// Someone flipped the status out from under the escalation flag.
	store := newMemStore()
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "e2",
		AccountID:         account,
		Status:            models.TradeStatusActiveFunded,
		IsEscalated:       true,
		PlatformCreatedAt: rt.CreatedAt,
	})
	e, _, _ := newTestEngine(store, reg, &fakeAvail{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := store.get("e2").Status; got != models.TradeStatusEscalated {
		t.Fatalf("status = %s, want ESCALATED re-asserted", got)
	}
}

func TestPruneDeletesDisappearedTrade(t *testing.T) {
	account := uuid.New()
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account}}}

	store := newMemStore()
	gone := &models.Trade{
		ID:                uuid.New(),
		TradeHash:         "gone",
		AccountID:         account,
		Status:            models.TradeStatusActiveFunded,
		PlatformCreatedAt: testClock.Add(-time.Hour),
	}
	store.put(gone)
	e, _, bus := newTestEngine(store, reg, &fakeAvail{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if store.get("gone") != nil {
		t.Fatal("trade absent from every live listing must be deleted")
	}
	deleted := bus.ofType(events.TypeTradeDeleted)
	if len(deleted) != 1 || deleted[0].TradeID != gone.ID {
		t.Fatalf("deleted events = %+v, want exactly one for the pruned trade", deleted)
	}
}

func TestPruneSparesTradesOfFailedAdapters(t *testing.T) {
	account := uuid.New()
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{
		name:      platform.Binance,
		accountID: account,
		listErr:   platform.ErrRateLimited,
	}}}

	store := newMemStore()
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "b1",
		AccountID:         account,
		Status:            models.TradeStatusAssigned,
		PlatformCreatedAt: testClock.Add(-time.Hour),
	})
	e, _, bus := newTestEngine(store, reg, &fakeAvail{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if store.get("b1") == nil {
		t.Fatal("trade must survive when its account's listing failed")
	}
	if got := bus.ofType(events.TypeTradeDeleted); len(got) != 0 {
		t.Fatalf("no deletions expected, got %+v", got)
	}
}

func TestGuardSuppressesEngineTouches(t *testing.T) {
	account := uuid.New()
	rt := funded("x1", account, testClock.Add(-time.Hour))
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account, trades: []platform.RawTrade{rt}}}}

	// A human just marked x1 paid; the platform still says active funded.
	store := newMemStore()
	completedAt := testClock.Add(-2 * time.Second)
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "x1",
		AccountID:         account,
		Status:            models.TradeStatusCompleted,
		CompletedAt:       &completedAt,
		PlatformCreatedAt: rt.CreatedAt,
	})
	e, guard, bus := newTestEngine(store, reg, &fakeAvail{payers: []*models.Payer{payer("w1")}})
	guard.Mark("x1")

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	row := store.get("x1")
	if row.Status != models.TradeStatusCompleted {
		t.Fatalf("status = %s, guard must prevent downgrade within the window", row.Status)
	}
	if row.AssignedPayerID != nil {
		t.Fatal("guard must prevent re-assignment within the window")
	}
	if got := bus.ofType(events.TypeTradeStatusChanged); len(got) != 0 {
		t.Fatalf("no status events expected, got %+v", got)
	}
}

func TestGuardedActiveTradeNotAssigned(t *testing.T) {
	account := uuid.New()
	rt := funded("g1", account, testClock.Add(-time.Hour))
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account, trades: []platform.RawTrade{rt}}}}

	store := newMemStore()
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "g1",
		AccountID:         account,
		Status:            models.TradeStatusActiveFunded,
		PlatformCreatedAt: rt.CreatedAt,
	})
	e, guard, _ := newTestEngine(store, reg, &fakeAvail{payers: []*models.Payer{payer("w1")}})
	guard.Mark("g1")

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := store.get("g1"); got.Status != models.TradeStatusActiveFunded || got.AssignedPayerID != nil {
		t.Fatalf("guarded trade = %s/%v, want untouched", got.Status, got.AssignedPayerID)
	}
}

func TestCancelledPlatformStatusClearsAssignment(t *testing.T) {
	account := uuid.New()
	rt := funded("c1", account, testClock.Add(-time.Hour))
	rt.Status = platform.StatusCancelled
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account, trades: []platform.RawTrade{rt}}}}

	w3 := payer("w3")
	store := newMemStore()
	assignedAt := testClock.Add(-10 * time.Minute)
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "c1",
		AccountID:         account,
		Status:            models.TradeStatusAssigned,
		AssignedPayerID:   &w3.ID,
		AssignedAt:        &assignedAt,
		PlatformCreatedAt: rt.CreatedAt,
	})
	e, _, bus := newTestEngine(store, reg, &fakeAvail{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	row := store.get("c1")
	if row.Status != models.TradeStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", row.Status)
	}
	if row.AssignedPayerID != nil {
		t.Fatal("cancelled trade must release its payer")
	}
	if got := bus.ofType(events.TypeTradeStatusChanged); len(got) != 1 {
		t.Fatalf("published %d status events, want 1", len(got))
	}
}

func TestOverlappingCycleIsDropped(t *testing.T) {
	store := newMemStore()
	e, _, _ := newTestEngine(store, &fakeRegistry{}, &fakeAvail{})
	e.inFlight.Store(true)
	if err := e.RunCycle(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("err = %v, want ErrCycleInFlight", err)
	}
	e.inFlight.Store(false)
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle after release: %v", err)
	}
}

func TestCycleErrorPublishesNothing(t *testing.T) {
	account := uuid.New()
	rt := funded("f1", account, testClock.Add(-time.Hour))
	rt.Status = platform.StatusPaid
	reg := &fakeRegistry{clients: []platform.Client{&fakeClient{name: platform.Paxful, accountID: account, trades: []platform.RawTrade{rt}}}}

	store := newMemStore()
	store.put(&models.Trade{
		ID:                uuid.New(),
		TradeHash:         "f1",
		AccountID:         account,
		Status:            models.TradeStatusAssigned,
		PlatformCreatedAt: rt.CreatedAt,
	})
	store.updateErr = errors.New("connection reset")
	e, _, bus := newTestEngine(store, reg, &fakeAvail{})

	if err := e.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	if len(bus.evs) != 0 {
		t.Fatalf("events published despite failed cycle: %+v", bus.evs)
	}
}

func TestTransitionTable(t *testing.T) {
	payerID := uuid.New()
	now := func() time.Time { return testClock }

	cases := []struct {
		name       string
		status     string
		raw        string
		escalated  bool
		wantStatus string
		wantPayer  bool
	}{
		{"pending to active funded", models.TradeStatusPending, platform.StatusActiveFunded, false, models.TradeStatusActiveFunded, true},
		{"assigned stays assigned while funded", models.TradeStatusAssigned, platform.StatusActiveFunded, false, models.TradeStatusAssigned, true},
		{"paid completes", models.TradeStatusAssigned, platform.StatusPaid, false, models.TradeStatusCompleted, false},
		{"completed completes", models.TradeStatusActiveFunded, platform.StatusCompleted, false, models.TradeStatusCompleted, false},
		{"successful", models.TradeStatusAssigned, platform.StatusSuccessful, false, models.TradeStatusSuccessful, false},
		{"cancelled", models.TradeStatusAssigned, platform.StatusCancelled, false, models.TradeStatusCancelled, false},
		{"expired cancels", models.TradeStatusActiveFunded, platform.StatusExpired, false, models.TradeStatusCancelled, false},
		{"disputed at creation", models.TradeStatusPending, platform.StatusDisputed, false, models.TradeStatusDisputed, false},
		{"disputed in flight", models.TradeStatusAssigned, platform.StatusDisputed, false, models.TradeStatusCancelled, false},
		{"escalated short-circuits", models.TradeStatusActiveFunded, platform.StatusCancelled, true, models.TradeStatusEscalated, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pid := payerID
			row := &models.Trade{Status: tc.status, IsEscalated: tc.escalated, AssignedPayerID: &pid}
			transition(row, tc.raw, now)
			if row.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", row.Status, tc.wantStatus)
			}
			if (row.AssignedPayerID != nil) != tc.wantPayer {
				t.Fatalf("payer retained = %v, want %v", row.AssignedPayerID != nil, tc.wantPayer)
			}
			if row.TradeStatus != tc.raw {
				t.Fatalf("raw status not recorded: %q", row.TradeStatus)
			}
		})
	}
}

func TestMarkPaidTransitionSetsCompletedAtOnce(t *testing.T) {
	row := &models.Trade{Status: models.TradeStatusAssigned}
	transition(row, platform.StatusPaid, func() time.Time { return testClock })
	if row.CompletedAt == nil || !row.CompletedAt.Equal(testClock) {
		t.Fatalf("CompletedAt = %v, want clock time", row.CompletedAt)
	}
	later := testClock.Add(time.Minute)
	transition(row, platform.StatusPaid, func() time.Time { return later })
	if !row.CompletedAt.Equal(testClock) {
		t.Fatal("CompletedAt must not drift on repeated paid reports")
	}
}
