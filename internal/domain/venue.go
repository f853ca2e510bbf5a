package domain

import "context"

// VenueClient is the capability interface for one trading venue. The engine
// treats venues as black boxes: authentication, signing, and lot-size
// rounding live behind this interface. GetPosition returns nil when the
// venue holds no position for the symbol.
type VenueClient interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingQuote, error)
}
