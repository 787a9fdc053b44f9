// Package dashboard serves the desk overview: trade counts per lifecycle
// state and how many payers are free right now.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/paydesk/backend/internal/models"
)

type TradeCounter interface {
	CountsByStatus(ctx context.Context) (map[string]int, error)
}

type PayerCounter interface {
	AvailablePayers(ctx context.Context) ([]*models.Payer, error)
}

type Handler struct {
	trades TradeCounter
	payers PayerCounter
	log    *slog.Logger
}

func NewHandler(trades TradeCounter, payers PayerCounter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{trades: trades, payers: payers, log: log}
}

type statsResponse struct {
	TradesByStatus  map[string]int `json:"trades_by_status"`
	AvailablePayers int            `json:"available_payers"`
}

// Stats handles GET /api/v1/dashboard/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.trades.CountsByStatus(r.Context())
	if err != nil {
		h.log.Error("trade counts", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	payers, err := h.payers.AvailablePayers(r.Context())
	if err != nil {
		h.log.Error("available payers", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsResponse{
		TradesByStatus:  counts,
		AvailablePayers: len(payers),
	})
}
