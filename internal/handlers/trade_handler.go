package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/paydesk/backend/internal/ledger"
	"github.com/paydesk/backend/internal/middleware"
	"github.com/paydesk/backend/internal/models"
	"github.com/paydesk/backend/internal/platform"
	"github.com/paydesk/backend/internal/services"
)

// TradeReader is the ledger read surface used by the handler.
type TradeReader interface {
	ListLive(ctx context.Context) ([]*models.Trade, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error)
}

// TradeActions abstracts the human-triggered mutations.
type TradeActions interface {
	MarkPaid(ctx context.Context, tradeID, staffID uuid.UUID) (*models.Trade, error)
	Escalate(ctx context.Context, tradeID, staffID uuid.UUID, reason string) (*models.Trade, error)
	Cancel(ctx context.Context, tradeID uuid.UUID) error
	Reassign(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error)
}

// ClientSource resolves the platform adapter to pull chat from.
type ClientSource interface {
	ClientForAccount(ctx context.Context, accountID uuid.UUID) (platform.Client, error)
}

// TradeHandler serves the trade read and action endpoints.
type TradeHandler struct {
	Trades  TradeReader
	Actions TradeActions
	Clients ClientSource
	Logger  *slog.Logger
}

// ListTrades handles GET /api/v1/trades.
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Trades.ListLive(r.Context())
	if err != nil {
		h.Logger.Error("list trades", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

type tradeDetailResponse struct {
	Trade           *models.Trade  `json:"trade"`
	Chat            *platform.Chat `json:"chat"`
	DurationSeconds int64          `json:"duration_seconds"`
}

// GetTrade handles GET /api/v1/trades/{id}: the ledger row plus its
// platform chat and how long the trade has been open.
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeID(r)
	if !ok {
		http.Error(w, `{"error":"invalid trade id"}`, http.StatusBadRequest)
		return
	}
	trade, err := h.Trades.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrTradeNotFound) {
			http.Error(w, `{"error":"trade not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get trade", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	chat := &platform.Chat{}
	if client, err := h.Clients.ClientForAccount(r.Context(), trade.AccountID); err == nil {
		chat = client.GetTradeChat(r.Context(), trade.TradeHash)
	} else {
		h.Logger.Warn("no adapter for trade account", "account_id", trade.AccountID, "error", err)
	}

	writeJSON(w, http.StatusOK, tradeDetailResponse{
		Trade:           trade,
		Chat:            chat,
		DurationSeconds: int64(time.Since(trade.PlatformCreatedAt).Seconds()),
	})
}

// MarkPaid handles POST /api/v1/trades/{id}/mark-paid.
func (h *TradeHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, staff, ok := h.tradeAndStaff(w, r)
	if !ok {
		return
	}
	trade, err := h.Actions.MarkPaid(r.Context(), id, staff.ID)
	if err != nil {
		h.actionError(w, "mark paid", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

// Escalate handles POST /api/v1/trades/{id}/escalate.
func (h *TradeHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, staff, ok := h.tradeAndStaff(w, r)
	if !ok {
		return
	}
	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}
	trade, err := h.Actions.Escalate(r.Context(), id, staff.ID, req.Reason)
	if err != nil {
		h.actionError(w, "escalate", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// Cancel handles POST /api/v1/trades/{id}/cancel.
func (h *TradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.tradeAndStaff(w, r)
	if !ok {
		return
	}
	if err := h.Actions.Cancel(r.Context(), id); err != nil {
		h.actionError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "trade_id": id.String()})
}

// Reassign handles POST /api/v1/trades/{id}/reassign.
func (h *TradeHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.tradeAndStaff(w, r)
	if !ok {
		return
	}
	trade, err := h.Actions.Reassign(r.Context(), id)
	if err != nil {
		h.actionError(w, "reassign", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (h *TradeHandler) tradeAndStaff(w http.ResponseWriter, r *http.Request) (uuid.UUID, *middleware.StaffIdentity, bool) {
	staff := middleware.StaffFromCtx(r.Context())
	if staff == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, nil, false
	}
	id, ok := tradeID(r)
	if !ok {
		http.Error(w, `{"error":"invalid trade id"}`, http.StatusBadRequest)
		return uuid.Nil, nil, false
	}
	return id, staff, true
}

// actionError maps invariant violations to conflict responses with the
// reason text; everything else is an internal error.
func (h *TradeHandler) actionError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ledger.ErrTradeNotFound):
		http.Error(w, `{"error":"trade not found"}`, http.StatusNotFound)
	case errors.Is(err, services.ErrAlreadyCompleted),
		errors.Is(err, services.ErrAlreadyCancelled),
		errors.Is(err, services.ErrTradeTerminal),
		errors.Is(err, services.ErrTerminalOnPlatform),
		errors.Is(err, services.ErrNoEligiblePayers):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error(action+" failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func tradeID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
