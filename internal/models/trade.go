package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Internal trade lifecycle states. Status is authoritative for assignment;
// TradeStatus keeps the last raw platform string for audit only.
const (
	TradeStatusPending      = "PENDING"
	TradeStatusActiveFunded = "ACTIVE_FUNDED"
	TradeStatusAssigned     = "ASSIGNED"
	TradeStatusCompleted    = "COMPLETED"
	TradeStatusCancelled    = "CANCELLED"
	TradeStatusDisputed     = "DISPUTED"
	TradeStatusEscalated    = "ESCALATED"
	TradeStatusSuccessful   = "SUCCESSFUL"
)

type Trade struct {
	ID                uuid.UUID       `json:"id"`
	TradeHash         string          `json:"trade_hash"`
	Platform          string          `json:"platform"`
	AccountID         uuid.UUID       `json:"account_id"`
	Status            string          `json:"status"`
	TradeStatus       string          `json:"trade_status"`
	AssignedPayerID   *uuid.UUID      `json:"assigned_payer_id,omitempty"`
	AssignedAt        *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	IsEscalated       bool            `json:"is_escalated"`
	EscalatedBy       *uuid.UUID      `json:"escalated_by,omitempty"`
	EscalationReason  string          `json:"escalation_reason,omitempty"`
	FiatAmount        decimal.Decimal `json:"fiat_amount"`
	CryptoAmount      decimal.Decimal `json:"crypto_amount"`
	CryptoCurrency    string          `json:"crypto_currency"`
	FiatCurrency      string          `json:"fiat_currency"`
	Margin            decimal.Decimal `json:"margin"`
	BuyerName         string          `json:"buyer_name,omitempty"`
	PlatformCreatedAt time.Time       `json:"platform_created_at"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminalStatus reports whether a trade in the given state is finished
// from the ledger's point of view; terminal rows are never pruned or assigned.
func IsTerminalStatus(status string) bool {
	switch status {
	case TradeStatusCompleted, TradeStatusCancelled, TradeStatusDisputed, TradeStatusSuccessful:
		return true
	}
	return false
}
