// Package paxful adapts one Paxful account to the platform.Client contract.
// Paxful's trade API is POST-only with form-encoded bodies and wraps every
// payload under data; all of that stays inside this package.
package paxful

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/paydesk/backend/internal/platform"
)

const defaultBaseURL = "https://api.paxful.com/paxful/v1"

// Paxful allows roughly 10 requests/second per account token.
var defaultLimit = rate.Limit(10)

type Client struct {
	baseURL   string
	token     string
	accountID uuid.UUID
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func New(accountID uuid.UUID, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   defaultBaseURL,
		token:     token,
		accountID: accountID,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(defaultLimit, 5),
		logger:    logger.With("platform", platform.Paxful, "account_id", accountID),
	}
}

// NewWithBaseURL is used by tests to point the client at a local server.
func NewWithBaseURL(accountID uuid.UUID, token, baseURL string, logger *slog.Logger) *Client {
	c := New(accountID, token, logger)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Platform() string     { return platform.Paxful }
func (c *Client) AccountID() uuid.UUID { return c.accountID }

// rawTrade mirrors Paxful's wire shape before normalization.
type rawTrade struct {
	TradeHash           string          `json:"trade_hash"`
	TradeStatus         string          `json:"trade_status"`
	FiatAmountRequested decimal.Decimal `json:"fiat_amount_requested"`
	CryptoAmountTotal   decimal.Decimal `json:"crypto_amount_total"`
	CryptoCurrencyCode  string          `json:"crypto_currency_code"`
	FiatCurrencyCode    string          `json:"fiat_currency_code"`
	Margin              decimal.Decimal `json:"margin"`
	ResponderUsername   string          `json:"responder_username"`
	StartedAt           int64           `json:"started_at"`
}

func (c *Client) normalize(rt rawTrade) platform.RawTrade {
	return platform.RawTrade{
		TradeHash:      rt.TradeHash,
		Status:         strings.ToLower(strings.TrimSpace(rt.TradeStatus)),
		FiatAmount:     rt.FiatAmountRequested,
		CryptoAmount:   rt.CryptoAmountTotal,
		CryptoCurrency: strings.ToUpper(rt.CryptoCurrencyCode),
		FiatCurrency:   strings.ToUpper(rt.FiatCurrencyCode),
		Margin:         rt.Margin,
		BuyerName:      rt.ResponderUsername,
		CreatedAt:      time.Unix(rt.StartedAt, 0).UTC(),
		Platform:       platform.Paxful,
		AccountID:      c.accountID,
	}
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return platform.StatusError(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ListActiveTrades(ctx context.Context) ([]platform.RawTrade, error) {
	var body struct {
		Status string `json:"status"`
		Data   struct {
			Trades []rawTrade `json:"trades"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/trade/list", url.Values{"active": {"true"}}, &body); err != nil {
		return nil, err
	}
	out := make([]platform.RawTrade, 0, len(body.Data.Trades))
	for _, rt := range body.Data.Trades {
		out = append(out, c.normalize(rt))
	}
	return out, nil
}

func (c *Client) GetTradeDetails(ctx context.Context, tradeHash string) (*platform.RawTrade, error) {
	var body struct {
		Status string `json:"status"`
		Data   struct {
			Trade *rawTrade `json:"trade"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/trade/get", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		return nil, err
	}
	if body.Data.Trade == nil || body.Status == "error" {
		return nil, platform.ErrNotFound
	}
	t := c.normalize(*body.Data.Trade)
	return &t, nil
}

func (c *Client) MarkPaid(ctx context.Context, tradeHash string) error {
	var body struct {
		Status string `json:"status"`
		Error  struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.post(ctx, "/trade/paid", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		return err
	}
	if body.Status == "success" {
		return nil
	}
	// Paxful rejects paying a trade that is already paid or released; the
	// contract treats that as success.
	msg := strings.ToLower(body.Error.Message)
	if strings.Contains(msg, "already") {
		return nil
	}
	return fmt.Errorf("mark paid rejected: %s", body.Error.Message)
}

func (c *Client) CancelTrade(ctx context.Context, tradeHash string) error {
	var body struct {
		Status string `json:"status"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.post(ctx, "/trade/cancel", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		return err
	}
	if body.Status != "success" {
		return fmt.Errorf("cancel rejected: %s", body.Error.Message)
	}
	return nil
}

func (c *Client) GetTradeChat(ctx context.Context, tradeHash string) *platform.Chat {
	var body struct {
		Data struct {
			Messages []struct {
				Author    string `json:"author"`
				Text      string `json:"text"`
				Timestamp int64  `json:"timestamp"`
			} `json:"messages"`
			Attachments []string `json:"attachments"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/trade-chat/get", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		c.logger.Warn("trade chat fetch failed", "trade_hash", tradeHash, "error", err)
		return &platform.Chat{}
	}
	chat := &platform.Chat{Attachments: body.Data.Attachments}
	for _, m := range body.Data.Messages {
		chat.Messages = append(chat.Messages, platform.ChatMessage{
			Author: m.Author,
			Text:   m.Text,
			SentAt: time.Unix(m.Timestamp, 0).UTC(),
		})
	}
	return chat
}

func (c *Client) SendMessage(ctx context.Context, tradeHash, text string) {
	err := c.post(ctx, "/trade-chat/post", url.Values{"trade_hash": {tradeHash}, "message": {text}}, nil)
	if err != nil {
		c.logger.Warn("trade chat send failed", "trade_hash", tradeHash, "error", err)
	}
}

var _ platform.Client = (*Client)(nil)
