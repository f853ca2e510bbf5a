package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType distinguishes resting maker orders from immediate taker orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the venue-side order lifecycle.
type OrderStatus string

const (
	OrderStatusResting         OrderStatus = "resting"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Ticker is a venue's current best bid and ask for a symbol.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the reference mid price, or 0 when either side is missing.
func (t Ticker) Mid() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

// OrderRequest is a single order submission to a venue. Price is ignored for
// market orders.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Size       float64
	Price      float64
	Type       OrderType
	ReduceOnly bool
}

// OrderResult is a venue's response to a submission or status query. The
// venue is responsible for reporting the actual filled size, rounded to its
// own lot increments; callers always use FilledSize downstream.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	FilledSize  float64
	FilledPrice float64
	Message     string
}

// Filled reports whether the order has fully filled.
func (r OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled
}

// OrderAttempt records one leg submission inside an open or close cycle. It
// is owned by the execution coordinator for the duration of the cycle and
// discarded once the cycle resolves.
type OrderAttempt struct {
	Venue          string
	Symbol         string
	Side           OrderSide
	RequestedSize  float64
	RequestedPrice float64
	Offset         float64 // maker offset applied to mid, 0 for market orders
	Type           OrderType
	SubmittedAt    time.Time
	OrderID        string
	Status         OrderStatus
	FilledSize     float64
	FilledPrice    float64
}

// VenuePosition is a venue's view of an open single-leg position. Size is
// signed: positive long, negative short.
type VenuePosition struct {
	Symbol     string
	Size       float64
	EntryPrice float64
}
