// Package venue implements domain.VenueClient over a perp exchange's REST
// and websocket APIs. Authentication beyond a verbatim API-key header is out
// of scope; request signing, when a venue requires it, belongs to a gateway
// in front of this client.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/willcroft/fundarb/internal/domain"
)

// ClientConfig holds the per-venue connection parameters.
type ClientConfig struct {
	Name    string
	BaseURL string
	WSURL   string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSec paces outbound calls; venues enforce their own limits
	// and a throttled client beats a banned one.
	RequestsPerSec float64
	Burst          int
}

// Client is a REST client for one venue, safe for concurrent use.
type Client struct {
	name       string
	baseURL    string
	wsURL      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a venue client from the given config.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:   cfg.WSURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return c.name }

// GetTicker returns the venue's current best bid and ask for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := url.Values{"symbol": {symbol}}
	var resp tickerResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/ticker/bookTicker", params, nil, &resp); err != nil {
		return domain.Ticker{}, fmt.Errorf("venue %s: get ticker %s: %w", c.name, symbol, err)
	}

	bid, err := strconv.ParseFloat(resp.BidPrice, 64)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("venue %s: parse bid %q: %w", c.name, resp.BidPrice, err)
	}
	ask, err := strconv.ParseFloat(resp.AskPrice, 64)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("venue %s: parse ask %q: %w", c.name, resp.AskPrice, err)
	}
	return domain.Ticker{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.UnixMilli(resp.Time),
	}, nil
}

// PlaceOrder submits an order. Venue-level validation failures map to
// domain.ErrOrderRejected; transport failures to domain.ErrVenueUnavailable.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	body := map[string]any{
		"symbol":     req.Symbol,
		"side":       strings.ToUpper(string(req.Side)),
		"type":       strings.ToUpper(string(req.Type)),
		"quantity":   strconv.FormatFloat(req.Size, 'f', -1, 64),
		"reduceOnly": req.ReduceOnly,
	}
	if req.Type == domain.OrderTypeLimit {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		body["timeInForce"] = "GTC"
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/order", nil, body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("venue %s: place order %s %s: %w", c.name, req.Side, req.Symbol, err)
	}
	return c.toResult(resp)
}

// CancelOrder cancels a resting order. Cancelling an order that already
// reached a final state is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	err := c.do(ctx, http.MethodDelete, "/api/v1/order", params, nil, nil)
	if err != nil && !isFinalStateError(err) {
		return fmt.Errorf("venue %s: cancel order %s: %w", c.name, orderID, err)
	}
	return nil
}

// GetOrder queries one order's current status.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/order", params, nil, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("venue %s: get order %s: %w", c.name, orderID, err)
	}
	return c.toResult(resp)
}

// GetOpenOrders lists the venue's resting orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResult, error) {
	params := url.Values{"symbol": {symbol}}
	var resp []orderResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/openOrders", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("venue %s: get open orders %s: %w", c.name, symbol, err)
	}
	out := make([]domain.OrderResult, 0, len(resp))
	for _, o := range resp {
		r, err := c.toResult(o)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// GetPosition returns the venue's open position for a symbol, or nil when
// flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	params := url.Values{"symbol": {symbol}}
	var resp []positionResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/positionRisk", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("venue %s: get position %s: %w", c.name, symbol, err)
	}
	for _, p := range resp {
		if p.Symbol != symbol {
			continue
		}
		size, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return nil, fmt.Errorf("venue %s: parse position size %q: %w", c.name, p.PositionAmt, err)
		}
		if size == 0 {
			return nil, nil
		}
		entry, err := strconv.ParseFloat(p.EntryPrice, 64)
		if err != nil {
			return nil, fmt.Errorf("venue %s: parse entry price %q: %w", c.name, p.EntryPrice, err)
		}
		return &domain.VenuePosition{Symbol: symbol, Size: size, EntryPrice: entry}, nil
	}
	return nil, nil
}

// GetFundingRate returns the venue's current funding rate and settlement
// interval for a symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (domain.FundingQuote, error) {
	params := url.Values{"symbol": {symbol}}
	var resp fundingResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/premiumIndex", params, nil, &resp); err != nil {
		return domain.FundingQuote{}, fmt.Errorf("venue %s: get funding rate %s: %w", c.name, symbol, err)
	}

	fundingRate, err := strconv.ParseFloat(resp.LastFundingRate, 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("venue %s: parse funding rate %q: %w", c.name, resp.LastFundingRate, err)
	}
	intervalHours := resp.FundingIntervalHours
	if intervalHours <= 0 {
		intervalHours = 8
	}
	observed := time.UnixMilli(resp.Time)
	if resp.Time == 0 {
		observed = time.Now().UTC()
	}
	quote := domain.FundingQuote{
		Venue:      c.name,
		Symbol:     symbol,
		Rate:       fundingRate,
		Interval:   time.Duration(intervalHours) * time.Hour,
		ObservedAt: observed,
	}
	if resp.NextFundingTime > 0 {
		quote.NextSettlement = time.UnixMilli(resp.NextFundingTime)
	}
	return quote, quote.Validate()
}

// toResult converts the wire order shape into a domain.OrderResult.
func (c *Client) toResult(o orderResponse) (domain.OrderResult, error) {
	executed, err := strconv.ParseFloat(zeroIfEmpty(o.ExecutedQty), 64)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("venue %s: parse executed qty %q: %w", c.name, o.ExecutedQty, err)
	}
	avg, err := strconv.ParseFloat(zeroIfEmpty(o.AvgPrice), 64)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("venue %s: parse avg price %q: %w", c.name, o.AvgPrice, err)
	}

	var status domain.OrderStatus
	switch o.Status {
	case "NEW":
		status = domain.OrderStatusResting
	case "FILLED":
		status = domain.OrderStatusFilled
	case "PARTIALLY_FILLED":
		status = domain.OrderStatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		status = domain.OrderStatusCancelled
	case "REJECTED":
		status = domain.OrderStatusRejected
	default:
		return domain.OrderResult{}, fmt.Errorf("venue %s: unknown order status %q", c.name, o.Status)
	}

	return domain.OrderResult{
		OrderID:     o.OrderID,
		Status:      status,
		FilledSize:  executed,
		FilledPrice: avg,
	}, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// do performs one rate-limited HTTP request and decodes the JSON response
// into out (when non-nil). Status 4xx maps to domain.ErrOrderRejected for
// order endpoints' validation failures; 5xx and transport errors map to
// domain.ErrVenueUnavailable so callers can apply their retry policy with
// errors.Is.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrVenueUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", domain.ErrVenueUnavailable, resp.StatusCode, trimBody(data))
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: rate limited: %s", domain.ErrVenueUnavailable, ae.Message)
		}
		return fmt.Errorf("%w: status %d code %d: %s", domain.ErrOrderRejected, resp.StatusCode, ae.Code, ae.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func trimBody(data []byte) string {
	const max = 256
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

// isFinalStateError reports whether a cancel failed only because the order
// already reached a terminal state on the venue.
func isFinalStateError(err error) bool {
	return strings.Contains(err.Error(), "Unknown order") ||
		strings.Contains(err.Error(), "already filled") ||
		strings.Contains(err.Error(), "already canceled")
}

// Compile-time interface check.
var _ domain.VenueClient = (*Client)(nil)
