package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
)

func testClient(baseURL string) *Client {
	return NewClient(ClientConfig{
		Name:           "alpha",
		BaseURL:        baseURL,
		APIKey:         "test-key",
		RequestsPerSec: 1000,
		Burst:          1000,
	})
}

func TestGetTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ticker/bookTicker" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s", got)
		}
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(tickerResponse{
			Symbol:   "BTCUSDT",
			BidPrice: "64000.5",
			AskPrice: "64001.5",
			Time:     1700000000000,
		})
	}))
	defer srv.Close()

	tick, err := testClient(srv.URL).GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("get ticker: %v", err)
	}
	if tick.Bid != 64000.5 || tick.Ask != 64001.5 {
		t.Fatalf("ticker = %+v", tick)
	}
	if tick.Mid() != 64001 {
		t.Fatalf("mid = %v, want 64001", tick.Mid())
	}
}

func TestPlaceOrderLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/order" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["side"] != "BUY" || body["type"] != "LIMIT" {
			t.Errorf("body = %v", body)
		}
		if body["quantity"] != "0.5" || body["price"] != "64000" {
			t.Errorf("quantity/price = %v/%v", body["quantity"], body["price"])
		}
		if body["timeInForce"] != "GTC" {
			t.Errorf("timeInForce = %v", body["timeInForce"])
		}
		_ = json.NewEncoder(w).Encode(orderResponse{
			OrderID: "12345",
			Status:  "NEW",
		})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.OrderSideBuy,
		Size:   0.5,
		Price:  64000,
		Type:   domain.OrderTypeLimit,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.OrderID != "12345" || res.Status != domain.OrderStatusResting {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Code: -4164, Message: "Order's notional must be no smaller than 5"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.OrderSideBuy,
		Size:   0.0001,
		Type:   domain.OrderTypeMarket,
	})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("got %v, want ErrOrderRejected", err)
	}
}

func TestServerErrorsMapToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetTicker(context.Background(), "BTCUSDT")
	if !errors.Is(err, domain.ErrVenueUnavailable) {
		t.Fatalf("got %v, want ErrVenueUnavailable", err)
	}
}

func TestRateLimitMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(apiError{Code: -1003, Message: "Too many requests"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetTicker(context.Background(), "BTCUSDT")
	if !errors.Is(err, domain.ErrVenueUnavailable) {
		t.Fatalf("got %v, want ErrVenueUnavailable for 429", err)
	}
}

func TestCancelOrderToleratesFinalState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Code: -2011, Message: "Unknown order sent."})
	}))
	defer srv.Close()

	if err := testClient(srv.URL).CancelOrder(context.Background(), "BTCUSDT", "12345"); err != nil {
		t.Fatalf("cancel of finalized order must succeed: %v", err)
	}
}

func TestGetPosition(t *testing.T) {
	positions := []positionResponse{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(positions)
	}))
	defer srv.Close()

	c := testClient(srv.URL)

	pos, err := c.GetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos != nil {
		t.Fatalf("flat venue must return nil, got %+v", pos)
	}

	positions = []positionResponse{
		{Symbol: "ETHUSDT", PositionAmt: "1", EntryPrice: "3000"},
		{Symbol: "BTCUSDT", PositionAmt: "-0.25", EntryPrice: "64000"},
	}
	pos, err = c.GetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position")
	}
	if pos.Size != -0.25 || pos.EntryPrice != 64000 {
		t.Fatalf("position = %+v", pos)
	}

	// Zero size reported by the venue counts as flat.
	positions = []positionResponse{{Symbol: "BTCUSDT", PositionAmt: "0", EntryPrice: "0"}}
	pos, err = c.GetPosition(context.Background(), "BTCUSDT")
	if err != nil || pos != nil {
		t.Fatalf("zero-size position: pos=%+v err=%v", pos, err)
	}
}

func TestGetFundingRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fundingResponse{
			Symbol:               "BTCUSDT",
			LastFundingRate:      "-0.00125",
			FundingIntervalHours: 4,
			NextFundingTime:      1700000400000,
			Time:                 1700000000000,
		})
	}))
	defer srv.Close()

	q, err := testClient(srv.URL).GetFundingRate(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("get funding rate: %v", err)
	}
	if q.Rate != -0.00125 {
		t.Fatalf("rate = %v", q.Rate)
	}
	if q.Interval != 4*time.Hour {
		t.Fatalf("interval = %s, want 4h", q.Interval)
	}
	if q.Venue != "alpha" {
		t.Fatalf("venue = %q", q.Venue)
	}
	if q.NextSettlement.UnixMilli() != 1700000400000 {
		t.Fatalf("next settlement = %v", q.NextSettlement)
	}
}

func TestGetFundingRateDefaultsInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fundingResponse{
			Symbol:          "BTCUSDT",
			LastFundingRate: "0.0001",
		}) // no interval, no timestamps
	}))
	defer srv.Close()

	q, err := testClient(srv.URL).GetFundingRate(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("get funding rate: %v", err)
	}
	if q.Interval != 8*time.Hour {
		t.Fatalf("interval = %s, want the 8h default", q.Interval)
	}
	if q.ObservedAt.IsZero() {
		t.Fatal("observed time must be set when the venue omits it")
	}
}

func TestOrderStatusMapping(t *testing.T) {
	cases := []struct {
		wire string
		want domain.OrderStatus
	}{
		{"NEW", domain.OrderStatusResting},
		{"FILLED", domain.OrderStatusFilled},
		{"PARTIALLY_FILLED", domain.OrderStatusPartiallyFilled},
		{"CANCELED", domain.OrderStatusCancelled},
		{"EXPIRED", domain.OrderStatusCancelled},
		{"REJECTED", domain.OrderStatusRejected},
	}
	c := testClient("http://unused")
	for _, tc := range cases {
		res, err := c.toResult(orderResponse{OrderID: "1", Status: tc.wire, ExecutedQty: "1", AvgPrice: "100"})
		if err != nil {
			t.Fatalf("%s: %v", tc.wire, err)
		}
		if res.Status != tc.want {
			t.Errorf("%s -> %s, want %s", tc.wire, res.Status, tc.want)
		}
	}
	if _, err := c.toResult(orderResponse{OrderID: "1", Status: "PENDING_WHATEVER"}); err == nil {
		t.Error("unknown status must error")
	}
}
