package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/willcroft/fundarb/internal/domain"
	"github.com/willcroft/fundarb/internal/executor"
	"github.com/willcroft/fundarb/internal/funding"
	"github.com/willcroft/fundarb/internal/ledger"
)

// stubVenue fills every order immediately: limits at their submitted price,
// markets at the venue mid. Funding quotes are scripted per test.
type stubVenue struct {
	name    string
	mid     float64
	funding domain.FundingQuote

	mu     sync.Mutex
	seq    int
	orders map[string]domain.OrderResult
}

func newStubVenue(name string, mid float64, rate float64, interval time.Duration) *stubVenue {
	return &stubVenue{
		name:   name,
		mid:    mid,
		orders: make(map[string]domain.OrderResult),
		funding: domain.FundingQuote{
			Venue:    name,
			Symbol:   "BTCUSDT",
			Rate:     rate,
			Interval: interval,
		},
	}
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	return domain.Ticker{Symbol: symbol, Bid: s.mid - 0.5, Ask: s.mid + 0.5, Timestamp: time.Now()}, nil
}

func (s *stubVenue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	price := req.Price
	if req.Type == domain.OrderTypeMarket {
		price = s.mid
	}
	res := domain.OrderResult{
		OrderID:     fmt.Sprintf("%s-%d", s.name, s.seq),
		Status:      domain.OrderStatusFilled,
		FilledSize:  req.Size,
		FilledPrice: price,
	}
	s.orders[res.OrderID] = res
	return res, nil
}

func (s *stubVenue) CancelOrder(_ context.Context, _, _ string) error { return nil }

func (s *stubVenue) GetOrder(_ context.Context, _, orderID string) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.orders[orderID]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("stub venue %s: unknown order %s", s.name, orderID)
	}
	return res, nil
}

func (s *stubVenue) GetOpenOrders(_ context.Context, _ string) ([]domain.OrderResult, error) {
	return nil, nil
}

func (s *stubVenue) GetPosition(_ context.Context, _ string) (*domain.VenuePosition, error) {
	return nil, nil
}

func (s *stubVenue) GetFundingRate(_ context.Context, _ string) (domain.FundingQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.funding
	q.ObservedAt = time.Now().UTC()
	return q, nil
}

func (s *stubVenue) setRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding.Rate = rate
}

var _ domain.VenueClient = (*stubVenue)(nil)

// memQuoteCache is a map-backed domain.QuoteCache.
type memQuoteCache struct {
	mu sync.Mutex
	m  map[string]domain.FundingQuote
}

func newMemQuoteCache() *memQuoteCache {
	return &memQuoteCache{m: make(map[string]domain.FundingQuote)}
}

func quoteKey(venue, symbol string) string { return venue + "|" + symbol }

func (c *memQuoteCache) SetQuote(_ context.Context, q domain.FundingQuote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[quoteKey(q.Venue, q.Symbol)] = q
	return nil
}

func (c *memQuoteCache) GetQuote(_ context.Context, venue, symbol string) (domain.FundingQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.m[quoteKey(venue, symbol)]
	if !ok {
		return domain.FundingQuote{}, domain.ErrNotFound
	}
	return q, nil
}

func (c *memQuoteCache) GetQuotes(_ context.Context, symbol string, venues []string) (map[string]domain.FundingQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.FundingQuote, len(venues))
	for _, v := range venues {
		if q, ok := c.m[quoteKey(v, symbol)]; ok {
			out[v] = q
		}
	}
	return out, nil
}

var _ domain.QuoteCache = (*memQuoteCache)(nil)

// memPositionStore is a map-backed domain.PositionStore.
type memPositionStore struct {
	mu sync.Mutex
	m  map[string]domain.PairedPosition
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{m: make(map[string]domain.PairedPosition)}
}

func (s *memPositionStore) Create(_ context.Context, pos domain.PairedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[pos.ID] = pos
	return nil
}

func (s *memPositionStore) Update(_ context.Context, pos domain.PairedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.m[pos.ID] = pos
	return nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.PairedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.m[id]
	if !ok {
		return domain.PairedPosition{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *memPositionStore) ListActive(_ context.Context) ([]domain.PairedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PairedPosition
	for _, pos := range s.m {
		if !pos.State.Terminal() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *memPositionStore) ListHistory(_ context.Context, _ string, _ domain.ListOpts) ([]domain.PairedPosition, error) {
	return nil, nil
}

func (s *memPositionStore) ListResolvedBefore(_ context.Context, cutoff time.Time) ([]domain.PairedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PairedPosition
	for _, pos := range s.m {
		if pos.State.Terminal() && pos.ClosedAt != nil && pos.ClosedAt.Before(cutoff) {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *memPositionStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	doomed, _ := s.ListResolvedBefore(ctx, cutoff)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range doomed {
		delete(s.m, pos.ID)
	}
	return int64(len(doomed)), nil
}

var _ domain.PositionStore = (*memPositionStore)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(alpha, beta *stubVenue, store *memPositionStore, cache *memQuoteCache, autoExecute bool) *Engine {
	logger := testLogger()
	led := ledger.New(logger)
	eval := funding.NewEvaluator(funding.EvaluatorConfig{StalenessBound: time.Minute}, logger)
	coord := executor.New(
		map[string]domain.VenueClient{alpha.name: alpha, beta.name: beta},
		led,
		executor.NewMemLockManager(),
		executor.Config{
			MakerOffsets: []float64{0.0001},
			PollInterval: time.Millisecond,
			WaitWindow:   2 * time.Millisecond,
			VenueRetries: 1,
			RetryBackoff: time.Millisecond,
			LockTTL:      time.Second,
		},
		logger,
	)
	return New(Config{
		Symbols:        []string{"BTCUSDT"},
		EvalInterval:   time.Minute,
		StalenessBound: time.Minute,
		PositionSize:   1,
		MaxPositions:   1,
		AutoExecute:    autoExecute,
	}, Deps{
		VenueA:    alpha,
		VenueB:    beta,
		Evaluator: eval,
		Coord:     coord,
		Ledger:    led,
		Positions: store,
		Quotes:    cache,
		Logger:    logger,
	})
}

func TestEvaluateOnceOpensBestOpportunity(t *testing.T) {
	alpha := newStubVenue("alpha", 100, -0.003, time.Hour)
	beta := newStubVenue("beta", 100, -0.01, 8*time.Hour)
	store := newMemPositionStore()
	cache := newMemQuoteCache()
	eng := newTestEngine(alpha, beta, store, cache, true)
	ctx := context.Background()

	eng.evaluateOnce(ctx)

	active := eng.ledger.AllActive()
	if len(active) != 1 {
		t.Fatalf("got %d active positions, want 1", len(active))
	}
	pos := active[0]
	if pos.LongVenue != "alpha" || pos.ShortVenue != "beta" {
		t.Fatalf("legs = long %s / short %s", pos.LongVenue, pos.ShortVenue)
	}
	if pos.State != domain.PositionActive {
		t.Fatalf("state = %s", pos.State)
	}

	stored, err := store.GetByID(ctx, pos.ID)
	if err != nil {
		t.Fatalf("position not persisted: %v", err)
	}
	if stored.State != domain.PositionActive {
		t.Fatalf("persisted state = %s", stored.State)
	}

	if _, err := cache.GetQuote(ctx, "alpha", "BTCUSDT"); err != nil {
		t.Fatal("quote cache not populated for alpha")
	}
	if _, err := cache.GetQuote(ctx, "beta", "BTCUSDT"); err != nil {
		t.Fatal("quote cache not populated for beta")
	}

	// A second cycle must not stack another position on the same symbol.
	eng.evaluateOnce(ctx)
	if got := len(eng.ledger.AllActive()); got != 1 {
		t.Fatalf("second cycle opened another position: %d active", got)
	}
}

func TestEvaluateOnceWithoutAutoExecute(t *testing.T) {
	alpha := newStubVenue("alpha", 100, -0.003, time.Hour)
	beta := newStubVenue("beta", 100, -0.01, 8*time.Hour)
	store := newMemPositionStore()
	eng := newTestEngine(alpha, beta, store, newMemQuoteCache(), false)

	eng.evaluateOnce(context.Background())

	if got := len(eng.ledger.AllActive()); got != 0 {
		t.Fatalf("monitor cycle opened %d positions", got)
	}
	if len(store.m) != 0 {
		t.Fatal("monitor cycle persisted a position")
	}
}

func TestCheckPositionsClosesOnFundingFlip(t *testing.T) {
	alpha := newStubVenue("alpha", 100, -0.003, time.Hour)
	beta := newStubVenue("beta", 100, -0.01, 8*time.Hour)
	store := newMemPositionStore()
	cache := newMemQuoteCache()
	eng := newTestEngine(alpha, beta, store, cache, true)
	ctx := context.Background()

	eng.evaluateOnce(ctx)
	active := eng.ledger.AllActive()
	if len(active) != 1 {
		t.Fatalf("got %d active positions, want 1", len(active))
	}
	id := active[0].ID

	// The long venue's rate turns positive: the pair now bleeds funding.
	alpha.setRate(0.01)
	if err := cache.SetQuote(ctx, domain.FundingQuote{
		Venue: "alpha", Symbol: "BTCUSDT", Rate: 0.01, Interval: time.Hour, ObservedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	eng.checkPositions(ctx)

	if got := len(eng.ledger.AllActive()); got != 0 {
		t.Fatalf("position not closed on funding flip: %d active", got)
	}
	stored, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("closed position not persisted: %v", err)
	}
	if stored.State != domain.PositionClosed {
		t.Fatalf("persisted state = %s, want closed", stored.State)
	}
	if stored.ClosedAt == nil {
		t.Fatal("closed_at not recorded")
	}
}

func TestRehydrateAndHorizonClose(t *testing.T) {
	alpha := newStubVenue("alpha", 100, -0.003, time.Hour)
	beta := newStubVenue("beta", 100, -0.01, 8*time.Hour)
	store := newMemPositionStore()
	eng := newTestEngine(alpha, beta, store, newMemQuoteCache(), true)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	seed := domain.PairedPosition{
		ID:              "pos-restart",
		Symbol:          "BTCUSDT",
		LongVenue:       "alpha",
		ShortVenue:      "beta",
		Size:            1,
		State:           domain.PositionActive,
		Strategy:        domain.StrategyEarlyClose,
		Regime:          domain.RegimeBothNegative,
		OpenedAt:        past.Add(-7 * time.Hour),
		TargetCloseAt:   &past,
		EntryPriceLong:  100,
		EntryPriceShort: 100.1,
	}
	if err := store.Create(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if err := eng.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if got := len(eng.ledger.AllActive()); got != 1 {
		t.Fatalf("rehydrated %d positions, want 1", got)
	}

	eng.checkPositions(ctx)

	if got := len(eng.ledger.AllActive()); got != 0 {
		t.Fatalf("expired position not closed: %d active", got)
	}
	stored, err := store.GetByID(ctx, "pos-restart")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != domain.PositionClosed {
		t.Fatalf("persisted state = %s, want closed", stored.State)
	}
}
