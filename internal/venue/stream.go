package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/willcroft/fundarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickerHandler is called for every best bid/ask update.
type TickerHandler func(domain.Ticker)

// FundingUpdate is a streamed funding-rate change. The settlement interval is
// not carried on the stream; callers merge it from the REST snapshot.
type FundingUpdate struct {
	Venue       string
	Symbol      string
	Rate        float64
	NextFunding time.Time
	At          time.Time
}

// FundingHandler is called for every funding-rate update.
type FundingHandler func(FundingUpdate)

// Stream is a websocket client for one venue's real-time market data feed.
// It manages the connection lifecycle, subscriptions, and dispatches messages
// to registered handlers.
type Stream struct {
	venue string
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []streamCommand

	tickerHandlers  []TickerHandler
	fundingHandlers []FundingHandler
	handlerMu       sync.RWMutex

	// done is closed when the stream is shut down.
	done chan struct{}
}

// streamCommand is a subscription control frame.
type streamCommand struct {
	Method  string   `json:"method"`
	Streams []string `json:"params"`
}

// NewStream creates a market-data stream for the given venue and endpoint.
func NewStream(venueName, wsURL string) *Stream {
	return &Stream{
		venue: venueName,
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the websocket connection and starts the read loop.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("venue %s: stream: %w", s.venue, domain.ErrVenueUnavailable)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("venue %s: stream connect: %w", s.venue, err)
	}

	s.conn = conn

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop()
	go s.pingLoop()

	// Restore any previous subscriptions after reconnect.
	for _, cmd := range s.subscriptions {
		if err := s.sendCommand(cmd); err != nil {
			return fmt.Errorf("venue %s: restore subscription: %w", s.venue, err)
		}
	}

	return nil
}

// Subscribe subscribes to ticker and funding updates for the given symbols.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("venue %s: stream not connected", s.venue)
	}

	streams := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		streams = append(streams, sym+"@bookTicker", sym+"@markPrice")
	}
	cmd := streamCommand{Method: "SUBSCRIBE", Streams: streams}

	if err := s.sendCommand(cmd); err != nil {
		return fmt.Errorf("venue %s: subscribe: %w", s.venue, err)
	}

	// Track subscription for reconnection.
	s.subscriptions = append(s.subscriptions, cmd)
	return nil
}

// Close shuts down the websocket connection and stops the read loop.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)

	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return s.conn.Close()
	}

	return nil
}

// OnTicker registers a handler for best bid/ask updates.
func (s *Stream) OnTicker(handler TickerHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.tickerHandlers = append(s.tickerHandlers, handler)
}

// OnFunding registers a handler for funding-rate updates.
func (s *Stream) OnFunding(handler FundingHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.fundingHandlers = append(s.fundingHandlers, handler)
}

// sendCommand sends a JSON control frame. Caller must hold s.mu.
func (s *Stream) sendCommand(cmd streamCommand) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages and dispatches them to handlers. On
// disconnect, it attempts to reconnect with exponential backoff.
func (s *Stream) readLoop() {
	defer func() {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		s.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and routes it by event type.
func (s *Stream) handleMessage(raw []byte) {
	var envelope struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	switch envelope.Event {
	case "bookTicker":
		var msg struct {
			Symbol   string `json:"s"`
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
			Time     int64  `json:"E"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		bid, errB := strconv.ParseFloat(msg.BidPrice, 64)
		ask, errA := strconv.ParseFloat(msg.AskPrice, 64)
		if errB != nil || errA != nil {
			return
		}
		tick := domain.Ticker{
			Symbol:    msg.Symbol,
			Bid:       bid,
			Ask:       ask,
			Timestamp: time.UnixMilli(msg.Time),
		}

		s.handlerMu.RLock()
		handlers := s.tickerHandlers
		s.handlerMu.RUnlock()

		for _, h := range handlers {
			h(tick)
		}

	case "markPriceUpdate":
		var msg struct {
			Symbol      string `json:"s"`
			FundingRate string `json:"r"`
			NextFunding int64  `json:"T"`
			Time        int64  `json:"E"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		fundingRate, err := strconv.ParseFloat(msg.FundingRate, 64)
		if err != nil {
			return
		}
		update := FundingUpdate{
			Venue:       s.venue,
			Symbol:      msg.Symbol,
			Rate:        fundingRate,
			NextFunding: time.UnixMilli(msg.NextFunding),
			At:          time.UnixMilli(msg.Time),
		}

		s.handlerMu.RLock()
		handlers := s.fundingHandlers
		s.handlerMu.RUnlock()

		for _, h := range handlers {
			h(update)
		}
	}
}

// reconnect re-establishes the websocket connection with exponential backoff.
// It blocks until successful or the stream is closed.
func (s *Stream) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-s.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
