// Package noones adapts one Noones account. The API is Paxful-shaped but
// capitalizes statuses ("Active Funded"), spells several fields differently
// and reports start times as RFC 3339 strings.
package noones

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

const defaultBaseURL = "https://api.noones.com/noones/v1"

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
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		logger:    logger.With("platform", platform.Noones, "account_id", accountID),
	}
}

func NewWithBaseURL(accountID uuid.UUID, token, baseURL string, logger *slog.Logger) *Client {
	c := New(accountID, token, logger)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Platform() string     { return platform.Noones }
func (c *Client) AccountID() uuid.UUID { return c.accountID }

type rawTrade struct {
	TradeHash      string          `json:"trade_hash"`
	TradeStatus    string          `json:"trade_status"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	CryptoAmount   decimal.Decimal `json:"crypto_amount"`
	CurrencyCrypto string          `json:"currency_crypto"`
	CurrencyFiat   string          `json:"currency_fiat"`
	Margin         decimal.Decimal `json:"margin"`
	BuyerUsername  string          `json:"buyer_username"`
	StartDate      string          `json:"start_date"`
}

func (c *Client) normalize(rt rawTrade) platform.RawTrade {
	created, err := time.Parse(time.RFC3339, rt.StartDate)
	if err != nil {
		// A zero CreatedAt would sort ahead of every real trade in the
		// assignment queue; an unreadable start date sorts as newest instead.
		c.logger.Warn("unparseable start_date", "trade_hash", rt.TradeHash, "start_date", rt.StartDate)
		created = time.Now()
	}
	return platform.RawTrade{
		TradeHash:      rt.TradeHash,
		Status:         strings.ToLower(strings.TrimSpace(rt.TradeStatus)),
		FiatAmount:     rt.FiatAmount,
		CryptoAmount:   rt.CryptoAmount,
		CryptoCurrency: strings.ToUpper(rt.CurrencyCrypto),
		FiatCurrency:   strings.ToUpper(rt.CurrencyFiat),
		Margin:         rt.Margin,
		BuyerName:      rt.BuyerUsername,
		CreatedAt:      created.UTC(),
		Platform:       platform.Noones,
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
		Data []rawTrade `json:"data"`
	}
	if err := c.post(ctx, "/trade/list", url.Values{"active": {"true"}}, &body); err != nil {
		return nil, err
	}
	out := make([]platform.RawTrade, 0, len(body.Data))
	for _, rt := range body.Data {
		out = append(out, c.normalize(rt))
	}
	return out, nil
}

func (c *Client) GetTradeDetails(ctx context.Context, tradeHash string) (*platform.RawTrade, error) {
	var body struct {
		Data *rawTrade `json:"data"`
	}
	if err := c.post(ctx, "/trade/get", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		return nil, err
	}
	if body.Data == nil {
		return nil, platform.ErrNotFound
	}
	t := c.normalize(*body.Data)
	return &t, nil
}

func (c *Client) MarkPaid(ctx context.Context, tradeHash string) error {
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "/trade/paid", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		return err
	}
	if body.Success || strings.Contains(strings.ToLower(body.Message), "already") {
		return nil
	}
	return fmt.Errorf("mark paid rejected: %s", body.Message)
}

func (c *Client) CancelTrade(ctx context.Context, tradeHash string) error {
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "/trade/cancel", url.Values{"trade_hash": {tradeHash}}, &body); err != nil {
		return err
	}
	if !body.Success {
		return fmt.Errorf("cancel rejected: %s", body.Message)
	}
	return nil
}

func (c *Client) GetTradeChat(ctx context.Context, tradeHash string) *platform.Chat {
	var body struct {
		Data struct {
			Messages []struct {
				Author string `json:"author"`
				Text   string `json:"text"`
				SentAt string `json:"sent_at"`
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
		sent, _ := time.Parse(time.RFC3339, m.SentAt)
		chat.Messages = append(chat.Messages, platform.ChatMessage{Author: m.Author, Text: m.Text, SentAt: sent.UTC()})
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
