// Package pricefeed maintains a live mark price cache from the Gate.io
// spot ticker WebSocket channel.
//
// The feed is an optional, best-effort supplement to the REST price
// fetch: reports prefer a fresh feed price and fall back to REST when
// the feed is stale or disconnected. The feed reconnects on its own
// with exponential backoff and never blocks ingestion.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	defaultFeedURL = "wss://api.gateio.ws/ws/v4/"

	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// A ticker older than this no longer counts as a live mark price.
	priceStaleThreshold = 2 * time.Minute
)

// PricePoint is one cached ticker observation.
type PricePoint struct {
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feed subscribes to spot tickers for a fixed set of pairs and caches
// the latest price per pair.
type Feed struct {
	url        string
	pairs      []string
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	cache   map[string]PricePoint
	cacheMu sync.RWMutex
}

// New creates a price feed for the given pairs. An empty url selects
// the production endpoint.
func New(url string, pairs []string, log zerolog.Logger) *Feed {
	if url == "" {
		url = defaultFeedURL
	}

	return &Feed{
		url:      url,
		pairs:    pairs,
		log:      log.With().Str("component", "pricefeed").Logger(),
		cache:    make(map[string]PricePoint),
		stopChan: make(chan struct{}),
	}
}

// Start connects and begins the read loop. A failed initial connection
// is not fatal: the reconnect loop keeps trying in the background.
func (f *Feed) Start() error {
	f.log.Info().Strs("pairs", f.pairs).Msg("Starting price feed")

	if err := f.Connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial price feed connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readMessages(ctx)

	return nil
}

// Stop shuts the feed down for good.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.log.Info().Msg("Stopping price feed")
	close(f.stopChan)

	return f.Disconnect()
}

// Connect dials the WebSocket and subscribes to the ticker channel.
func (f *Feed) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Connecting to ticker WebSocket")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe to tickers: %w", err)
	}

	f.log.Info().Msg("Price feed connected")
	return nil
}

// Disconnect closes the WebSocket connection.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false

	if err != nil {
		return fmt.Errorf("error closing WebSocket: %w", err)
	}
	return nil
}

// wsRequest is the outbound subscription envelope.
type wsRequest struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
}

// wsMessage is the inbound message envelope.
type wsMessage struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *wsError        `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// tickerUpdate is the spot.tickers update payload.
type tickerUpdate struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
}

func (f *Feed) subscribe(ctx context.Context) error {
	request := wsRequest{
		Time:    time.Now().Unix(),
		Channel: "spot.tickers",
		Event:   "subscribe",
		Payload: f.pairs,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}

	f.log.Info().Strs("pairs", f.pairs).Msg("Subscribed to ticker channel")
	return nil
}

// readMessages consumes ticker updates until the connection drops, then
// hands off to the reconnect loop.
func (f *Feed) readMessages(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				f.log.Info().Int("status", int(closeStatus)).Msg("WebSocket closed normally")
			case ctx.Err() != nil:
				f.log.Debug().Msg("Read cancelled by context")
			default:
				f.log.Error().Err(err).Msg("Unexpected WebSocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := f.handleMessage(message); err != nil {
			f.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle ticker message")
		}
	}
}

// handleMessage parses one inbound envelope and updates the cache on
// ticker updates. Subscription acks and unrelated channels are ignored.
func (f *Feed) handleMessage(message []byte) error {
	var envelope wsMessage
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("failed to parse message envelope: %w", err)
	}

	if envelope.Error != nil {
		return fmt.Errorf("server error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if envelope.Channel != "spot.tickers" || envelope.Event != "update" {
		return nil
	}

	var update tickerUpdate
	if err := json.Unmarshal(envelope.Result, &update); err != nil {
		return fmt.Errorf("failed to parse ticker update: %w", err)
	}

	price, err := strconv.ParseFloat(update.Last, 64)
	if err != nil {
		return fmt.Errorf("invalid last price %q: %w", update.Last, err)
	}

	f.cacheMu.Lock()
	f.cache[update.CurrencyPair] = PricePoint{
		Pair:      update.CurrencyPair,
		Price:     price,
		UpdatedAt: time.Now(),
	}
	f.cacheMu.Unlock()

	f.log.Debug().Str("pair", update.CurrencyPair).Float64("price", price).Msg("Ticker updated")
	return nil
}

// reconnectLoop retries the connection with exponential backoff until
// stopped. The attempt counter resets after each successful connection.
func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to price feed")
		} else {
			f.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to price feed (past attempt budget, still trying)")
		}

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.Connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readMessages(ctx)
		return
	}
}

func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// LastPrice returns the freshest cached price for a pair. The second
// return is false when no live price is available (never seen, or
// older than the staleness threshold).
func (f *Feed) LastPrice(pair string) (PricePoint, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	point, ok := f.cache[pair]
	if !ok || time.Since(point.UpdatedAt) > priceStaleThreshold {
		return PricePoint{}, false
	}
	return point, true
}

// Snapshot returns a copy of every cached price point, stale or not.
func (f *Feed) Snapshot() map[string]PricePoint {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	out := make(map[string]PricePoint, len(f.cache))
	for pair, point := range f.cache {
		out[pair] = point
	}
	return out
}

// IsConnected reports the current connection state.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
