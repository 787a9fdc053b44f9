package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/paydesk/backend/internal/platform"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithBaseURL(uuid.New(), "test-key", srv.URL, nil)
}

func TestStatusVocabularyTranslation(t *testing.T) {
	cases := map[string]string{
		"TRADING":             platform.StatusActiveFunded,
		"BUYER_PAYED":         platform.StatusPaid,
		"COMPLETED":           platform.StatusCompleted,
		"SUCCESS":             platform.StatusSuccessful,
		"CANCELLED":           platform.StatusCancelled,
		"CANCELLED_BY_SYSTEM": platform.StatusExpired,
		"IN_APPEAL":           platform.StatusDisputed,
	}
	c := &Client{accountID: uuid.New()}
	for wire, want := range cases {
		got := c.normalize(rawOrder{OrderStatus: wire, TotalPrice: "1", Amount: "1"})
		if got.Status != want {
			t.Errorf("%s normalized to %q, want %q", wire, got.Status, want)
		}
	}
	// Unknown statuses pass through lowercased rather than being dropped.
	if got := c.normalize(rawOrder{OrderStatus: "SOMETHING_NEW", TotalPrice: "1", Amount: "1"}); got.Status != "something_new" {
		t.Errorf("unknown status normalized to %q", got.Status)
	}
}

func TestListActiveTradesDecodesOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		w.Write([]byte(`{
			"data": [{
				"orderNumber": "2054321",
				"orderStatus": "TRADING",
				"totalPrice": "99.95",
				"amount": "0.001",
				"asset": "usdt",
				"fiat": "ngn",
				"buyerNickname": "buyer-x",
				"createTime": 1717243200000
			}]
		}`))
	})

	trades, err := c.ListActiveTrades(context.Background())
	if err != nil {
		t.Fatalf("ListActiveTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	rt := trades[0]
	if rt.TradeHash != "2054321" || rt.Status != platform.StatusActiveFunded {
		t.Errorf("trade = %s/%s", rt.TradeHash, rt.Status)
	}
	if rt.FiatAmount.String() != "99.95" || rt.CryptoAmount.String() != "0.001" {
		t.Errorf("amounts = %s/%s", rt.FiatAmount, rt.CryptoAmount)
	}
	if rt.CryptoCurrency != "USDT" || rt.FiatCurrency != "NGN" {
		t.Errorf("currencies = %s/%s", rt.CryptoCurrency, rt.FiatCurrency)
	}
	if want := time.UnixMilli(1717243200000).UTC(); !rt.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", rt.CreatedAt, want)
	}
}

func TestMarkPaidCodeHandling(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"success", `{"code": "000000"}`, false},
		{"already left unpaid state", `{"code": "83012", "message": "Order status invalid"}`, false},
		{"hard rejection", `{"code": "010001", "message": "Order in appeal"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tc.body))
			})
			err := c.MarkPaid(context.Background(), "2054321")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
