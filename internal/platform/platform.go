// Package platform defines the uniform client contract over external
// P2P trading platforms. Each adapter normalizes its platform's payload
// shapes and status vocabulary at the decode boundary, so everything past
// this package speaks one schema.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported platform types, as stored in platform_accounts.platform.
const (
	Paxful  = "paxful"
	Noones  = "noones"
	Binance = "binance"
)

// Canonical raw trade statuses. Adapters translate platform-specific
// vocabulary into these before returning.
const (
	StatusActiveFunded = "active funded"
	StatusPaid         = "paid"
	StatusCompleted    = "completed"
	StatusSuccessful   = "successful"
	StatusCancelled    = "cancelled"
	StatusExpired      = "expired"
	StatusDisputed     = "disputed"
)

var (
	// ErrNotFound means the platform no longer recognizes the trade hash.
	ErrNotFound = errors.New("trade not found on platform")
	// ErrRateLimited maps HTTP 429 responses.
	ErrRateLimited = errors.New("platform rate limit exceeded")
	// ErrUnauthorized maps HTTP 401 responses (expired or revoked credentials).
	ErrUnauthorized = errors.New("platform rejected credentials")
)

// RawTrade is the normalized view of one platform-reported trade.
type RawTrade struct {
	TradeHash      string
	Status         string
	FiatAmount     decimal.Decimal
	CryptoAmount   decimal.Decimal
	CryptoCurrency string
	FiatCurrency   string
	Margin         decimal.Decimal
	BuyerName      string
	CreatedAt      time.Time
	Platform       string
	AccountID      uuid.UUID
}

type ChatMessage struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

type Chat struct {
	Messages    []ChatMessage `json:"messages"`
	Attachments []string      `json:"attachments"`
}

// Client is the per-account adapter contract. Every call is one remote
// round trip and may fail independently of other accounts.
//
// MarkPaid is idempotent: marking an already-paid trade returns nil.
// GetTradeChat and SendMessage are best-effort and never return an error
// for remote failures; chat is informational only.
type Client interface {
	Platform() string
	AccountID() uuid.UUID
	ListActiveTrades(ctx context.Context) ([]RawTrade, error)
	GetTradeDetails(ctx context.Context, tradeHash string) (*RawTrade, error)
	MarkPaid(ctx context.Context, tradeHash string) error
	CancelTrade(ctx context.Context, tradeHash string) error
	GetTradeChat(ctx context.Context, tradeHash string) *Chat
	SendMessage(ctx context.Context, tradeHash, text string)
}

// StatusError converts a non-2xx HTTP status into the adapter error taxonomy.
func StatusError(httpStatus int) error {
	switch httpStatus {
	case 401, 403:
		return ErrUnauthorized
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimited
	}
	return fmt.Errorf("platform returned status %d", httpStatus)
}
