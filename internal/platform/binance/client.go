// Package binance adapts a Binance-style C2C desk account. Unlike the
// Paxful family this API is GET/JSON, reports amounts as numeric strings,
// timestamps in milliseconds, and uses its own order-status vocabulary,
// all of which is translated here.
package binance

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

const defaultBaseURL = "https://api.binance.com/sapi/v1/c2c"

// statusMap translates the order-status vocabulary to canonical raw statuses.
var statusMap = map[string]string{
	"TRADING":             platform.StatusActiveFunded,
	"BUYER_PAYED":         platform.StatusPaid,
	"COMPLETED":           platform.StatusCompleted,
	"SUCCESS":             platform.StatusSuccessful,
	"CANCELLED":           platform.StatusCancelled,
	"CANCELLED_BY_SYSTEM": platform.StatusExpired,
	"IN_APPEAL":           platform.StatusDisputed,
}

type Client struct {
	baseURL   string
	apiKey    string
	accountID uuid.UUID
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func New(accountID uuid.UUID, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   defaultBaseURL,
		apiKey:    apiKey,
		accountID: accountID,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(20), 10),
		logger:    logger.With("platform", platform.Binance, "account_id", accountID),
	}
}

func NewWithBaseURL(accountID uuid.UUID, apiKey, baseURL string, logger *slog.Logger) *Client {
	c := New(accountID, apiKey, logger)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Platform() string     { return platform.Binance }
func (c *Client) AccountID() uuid.UUID { return c.accountID }

type rawOrder struct {
	OrderNumber   string `json:"orderNumber"`
	OrderStatus   string `json:"orderStatus"`
	TotalPrice    string `json:"totalPrice"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	Fiat          string `json:"fiat"`
	BuyerNickname string `json:"buyerNickname"`
	CreateTime    int64  `json:"createTime"`
}

func (c *Client) normalize(ro rawOrder) platform.RawTrade {
	status, ok := statusMap[strings.ToUpper(ro.OrderStatus)]
	if !ok {
		status = strings.ToLower(ro.OrderStatus)
	}
	fiat, err := decimal.NewFromString(ro.TotalPrice)
	if err != nil {
		c.logger.Warn("unparseable totalPrice", "order", ro.OrderNumber, "value", ro.TotalPrice)
	}
	crypto, err := decimal.NewFromString(ro.Amount)
	if err != nil {
		c.logger.Warn("unparseable amount", "order", ro.OrderNumber, "value", ro.Amount)
	}
	return platform.RawTrade{
		TradeHash:      ro.OrderNumber,
		Status:         status,
		FiatAmount:     fiat,
		CryptoAmount:   crypto,
		CryptoCurrency: strings.ToUpper(ro.Asset),
		FiatCurrency:   strings.ToUpper(ro.Fiat),
		BuyerName:      ro.BuyerNickname,
		CreatedAt:      time.UnixMilli(ro.CreateTime).UTC(),
		Platform:       platform.Binance,
		AccountID:      c.accountID,
	}
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

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
		Data []rawOrder `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/orderMatch/listOrders", url.Values{"tradeType": {"SELL"}}, &body); err != nil {
		return nil, err
	}
	out := make([]platform.RawTrade, 0, len(body.Data))
	for _, ro := range body.Data {
		out = append(out, c.normalize(ro))
	}
	return out, nil
}

func (c *Client) GetTradeDetails(ctx context.Context, tradeHash string) (*platform.RawTrade, error) {
	var body struct {
		Data *rawOrder `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/orderMatch/getUserOrderDetail", url.Values{"adOrderNo": {tradeHash}}, &body); err != nil {
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
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/orderMatch/markOrderAsPaid", url.Values{"orderNumber": {tradeHash}}, &body); err != nil {
		return err
	}
	// 000000 is success; 83xxx codes mean the order already left the
	// unpaid state, which the contract treats as success.
	if body.Code == "000000" || strings.HasPrefix(body.Code, "83") {
		return nil
	}
	return fmt.Errorf("mark paid rejected: %s (%s)", body.Message, body.Code)
}

func (c *Client) CancelTrade(ctx context.Context, tradeHash string) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/orderMatch/cancelOrder", url.Values{"orderNumber": {tradeHash}}, &body); err != nil {
		return err
	}
	if body.Code != "000000" {
		return fmt.Errorf("cancel rejected: %s (%s)", body.Message, body.Code)
	}
	return nil
}

func (c *Client) GetTradeChat(ctx context.Context, tradeHash string) *platform.Chat {
	var body struct {
		Data []struct {
			Nickname   string `json:"nickname"`
			Content    string `json:"content"`
			CreateTime int64  `json:"createTime"`
			ImageURL   string `json:"imageUrl"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/retrieveChatMessages", url.Values{"orderNo": {tradeHash}}, &body); err != nil {
		c.logger.Warn("trade chat fetch failed", "trade_hash", tradeHash, "error", err)
		return &platform.Chat{}
	}
	chat := &platform.Chat{}
	for _, m := range body.Data {
		if m.ImageURL != "" {
			chat.Attachments = append(chat.Attachments, m.ImageURL)
		}
		if m.Content != "" {
			chat.Messages = append(chat.Messages, platform.ChatMessage{
				Author: m.Nickname,
				Text:   m.Content,
				SentAt: time.UnixMilli(m.CreateTime).UTC(),
			})
		}
	}
	return chat
}

func (c *Client) SendMessage(ctx context.Context, tradeHash, text string) {
	err := c.do(ctx, http.MethodPost, "/chat/sendMessage", url.Values{"orderNo": {tradeHash}, "content": {text}}, nil)
	if err != nil {
		c.logger.Warn("trade chat send failed", "trade_hash", tradeHash, "error", err)
	}
}

var _ platform.Client = (*Client)(nil)
