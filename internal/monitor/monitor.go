// Package monitor maintains a streaming connection to the Polymarket
// market channel and re-checks subscribed binary markets on every
// price tick, independently of the periodic scan.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/platform/polymarket"
)

const (
	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
)

// State is the connection lifecycle state of the monitor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// PairMatcher evaluates a binary market against a pair of live prices.
type PairMatcher interface {
	MatchPair(market domain.Market, prices map[string]float64) []domain.StrategyMatch
}

// MatchNotifier is told about matches found on the realtime path and
// about the monitor giving up on reconnecting.
type MatchNotifier interface {
	MatchesFound(ctx context.Context, matches []domain.StrategyMatch)
	MonitorDown(ctx context.Context, cause string)
}

// Config holds monitor tunables.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	MaxAssets            int // registered token IDs, 0 = no cap
}

// Deps are the monitor's collaborators. Matcher is required; the rest
// are optional and skipped when nil.
type Deps struct {
	Matcher  PairMatcher
	Matches  domain.MatchStore
	Bus      domain.SignalBus
	Notifier MatchNotifier
	Prices   domain.PriceCache
}

// subscription pairs a registered token with its market and the
// opposite outcome's token, so a tick re-check is a single map lookup.
type subscription struct {
	market   domain.Market
	opposite string
}

// Monitor owns the websocket session, the price table and the
// registered subscriptions. Tick handling runs on the single read
// goroutine, so a read-evaluate-act sequence for a token pair is never
// interleaved with another update to the same pair.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu           sync.Mutex
	state        State
	running      bool
	conn         *websocket.Conn
	cancel       context.CancelFunc
	done         chan struct{}
	subs         map[string]subscription
	order        []string // token IDs in registration order
	markets      int
	prices       map[string]float64
	attempts     int
	reconnects   int64
	priceUpdates int64
	matchesFound int64
	lastErr      error
}

// Stats is a point-in-time snapshot of the monitor's counters.
type Stats struct {
	State        State
	Markets      int
	Assets       int
	PriceUpdates int64
	MatchesFound int64
	Reconnects   int64
}

// New builds a Monitor. Markets can be registered before or after
// Start.
func New(cfg Config, deps Deps, logger *slog.Logger) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 2 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "monitor")),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		state:  StateDisconnected,
		subs:   make(map[string]subscription),
		prices: make(map[string]float64),
	}
}

// AddMarket registers one binary market for realtime tracking.
func (m *Monitor) AddMarket(market domain.Market) bool {
	return m.AddMarkets(market) == 1
}

// AddMarkets registers binary markets for realtime tracking and
// returns how many were newly added. Non-binary markets and markets
// already registered are skipped. When the monitor is connected, the
// subscription message is re-sent immediately with the full asset set.
func (m *Monitor) AddMarkets(markets ...domain.Market) int {
	m.mu.Lock()
	added := 0
	for _, mk := range markets {
		if !mk.Binary() {
			continue
		}
		a, b := mk.Outcomes[0].TokenID, mk.Outcomes[1].TokenID
		if a == "" || b == "" {
			continue
		}
		if _, ok := m.subs[a]; ok {
			continue
		}
		if _, ok := m.subs[b]; ok {
			continue
		}
		if m.cfg.MaxAssets > 0 && len(m.order)+2 > m.cfg.MaxAssets {
			m.logger.Debug("asset cap reached, market not registered",
				slog.String("condition_id", mk.ConditionID),
				slog.Int("max_assets", m.cfg.MaxAssets))
			continue
		}
		m.subs[a] = subscription{market: mk, opposite: b}
		m.subs[b] = subscription{market: mk, opposite: a}
		m.order = append(m.order, a, b)
		m.markets++
		added++
	}
	connected := m.state == StateConnected && m.conn != nil
	conn := m.conn
	assets := make([]string, len(m.order))
	copy(assets, m.order)
	m.mu.Unlock()

	if added == 0 {
		return 0
	}
	m.logger.Info("markets registered",
		slog.Int("added", added),
		slog.Int("assets", len(assets)))
	if connected {
		if err := m.sendSubscribe(conn, assets); err != nil {
			// the next reconnect replays the full set anyway
			m.logger.Warn("re-subscribe failed", slog.String("error", err.Error()))
		}
	}
	return added
}

// Start connects and begins processing ticks. It returns immediately;
// connection and reconnection run in the background until Stop is
// called or the reconnect budget is exhausted.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("monitor already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.state = StateConnecting
	m.attempts = 0
	m.lastErr = nil
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	assets := len(m.order)
	m.mu.Unlock()

	m.logger.Info("monitor starting",
		slog.String("url", m.cfg.URL),
		slog.Int("assets", assets))
	go m.run(runCtx, done)
}

// Stop closes the connection and halts reconnection. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	cancel()
	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
	<-done
	m.setState(context.Background(), StateStopped)
	m.logger.Info("monitor stopped")
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the terminal error after reconnect exhaustion, nil
// otherwise.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:        m.state,
		Markets:      m.markets,
		Assets:       len(m.order),
		PriceUpdates: m.priceUpdates,
		MatchesFound: m.matchesFound,
		Reconnects:   m.reconnects,
	}
}

// run owns the connect/read/reconnect cycle until the context is
// cancelled or the attempt budget is exhausted.
func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			m.setState(ctx, StateStopped)
			return
		}
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(ctx, StateStopped)
				return
			}
			if !m.scheduleReconnect(ctx, err) {
				return
			}
			continue
		}
		m.attach(ctx, conn)
		if err := m.sendSubscribe(conn, m.assetList()); err != nil {
			m.logger.Warn("subscribe failed", slog.String("error", err.Error()))
			m.detach(conn)
			if !m.scheduleReconnect(ctx, err) {
				return
			}
			continue
		}
		hbCtx, hbCancel := context.WithCancel(ctx)
		go m.heartbeat(hbCtx, conn)
		err = m.readLoop(ctx, conn)
		hbCancel()
		m.detach(conn)
		if ctx.Err() != nil {
			m.setState(ctx, StateStopped)
			return
		}
		if !m.scheduleReconnect(ctx, err) {
			return
		}
	}
}

func (m *Monitor) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("monitor: dial %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

func (m *Monitor) attach(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.attempts = 0
	m.mu.Unlock()
	m.setState(ctx, StateConnected)
	m.logger.Info("connected", slog.String("url", m.cfg.URL))
}

func (m *Monitor) detach(conn *websocket.Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// scheduleReconnect counts a failed connection, waits the linearly
// growing delay and reports whether another attempt should be made.
// Exceeding the attempt budget transitions to Stopped.
func (m *Monitor) scheduleReconnect(ctx context.Context, cause error) bool {
	m.mu.Lock()
	m.attempts++
	m.reconnects++
	attempt := m.attempts
	if attempt > m.cfg.MaxReconnectAttempts {
		m.state = StateStopped
		m.running = false
		m.lastErr = fmt.Errorf("monitor: %w after %d attempts: %v",
			domain.ErrReconnectExhausted, m.cfg.MaxReconnectAttempts, cause)
		cancel := m.cancel
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted, monitor stopped",
			slog.Int("attempts", m.cfg.MaxReconnectAttempts),
			slog.String("error", cause.Error()))
		m.publishState(ctx, StateStopped)
		if m.deps.Notifier != nil {
			m.deps.Notifier.MonitorDown(ctx, cause.Error())
		}
		cancel()
		return false
	}
	m.state = StateReconnecting
	m.mu.Unlock()

	delay := reconnectDelay(attempt, m.cfg.ReconnectBaseDelay)
	m.logger.Warn("connection lost, reconnecting",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()))
	m.publishState(ctx, StateReconnecting)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		m.setState(ctx, StateStopped)
		return false
	case <-t.C:
		return true
	}
}

// reconnectDelay grows linearly with the attempt count.
func reconnectDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

func (m *Monitor) setState(ctx context.Context, s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.publishState(ctx, s)
}

func (m *Monitor) publishState(ctx context.Context, s State) {
	if m.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event": "monitor_state",
		"state": string(s),
	})
	if err != nil {
		return
	}
	if err := m.deps.Bus.Publish(ctx, "monitor", payload); err != nil {
		m.logger.Debug("publish state failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) assetList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	assets := make([]string, len(m.order))
	copy(assets, m.order)
	return assets
}

func (m *Monitor) sendSubscribe(conn *websocket.Conn, assets []string) error {
	cmd := polymarket.WSCommand{Type: "market", Assets: assets, InitialDump: true}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("monitor: marshal subscribe: %w", err)
	}
	if err := m.writeText(conn, data); err != nil {
		return fmt.Errorf("monitor: send subscribe: %w", err)
	}
	m.logger.Debug("subscribed", slog.Int("assets", len(assets)))
	return nil
}

func (m *Monitor) writeText(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeat sends the textual keepalive the market channel expects.
// A failed write closes the connection so the read loop notices.
func (m *Monitor) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.writeText(conn, []byte("PING")); err != nil {
				m.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
				conn.Close()
				return
			}
		}
	}
}

func (m *Monitor) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.handleFrame(ctx, data)
	}
}

// handleFrame processes one raw frame: heartbeat acknowledgements and
// non-JSON payloads are dropped, everything else is one update record
// or a JSON array of them.
func (m *Monitor) handleFrame(ctx context.Context, data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	if bytes.Equal(data, []byte("PONG")) || bytes.Equal(data, []byte("PING")) {
		return
	}
	switch data[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			m.logger.Debug("unparseable stream frame", slog.String("error", err.Error()))
			return
		}
		for _, raw := range records {
			m.handleRecord(ctx, raw)
		}
	case '{':
		m.handleRecord(ctx, json.RawMessage(data))
	default:
		// not JSON, ignore
	}
}

func (m *Monitor) handleRecord(ctx context.Context, raw json.RawMessage) {
	var env struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Debug("unparseable stream record", slog.String("error", err.Error()))
		return
	}
	switch env.EventType {
	case "book":
		var msg polymarket.BookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.logger.Debug("bad book message", slog.String("error", err.Error()))
			return
		}
		m.applyBook(ctx, &msg)
	case "price_change":
		var msg polymarket.PriceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.logger.Debug("bad price_change message", slog.String("error", err.Error()))
			return
		}
		m.applyRawPrice(ctx, msg.AssetID, msg.Price)
	case "last_trade_price":
		var msg polymarket.PriceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.logger.Debug("bad last_trade_price message", slog.String("error", err.Error()))
			return
		}
		m.applyRawPrice(ctx, msg.AssetID, msg.Price)
	case "":
		// some frames omit event_type; one carrying book sides is a book
		var msg polymarket.BookMessage
		if err := json.Unmarshal(raw, &msg); err == nil && (len(msg.Bids) > 0 || len(msg.Asks) > 0) {
			m.applyBook(ctx, &msg)
		}
	default:
		m.logger.Debug("ignoring stream event", slog.String("event_type", env.EventType))
	}
}

// applyBook reduces a book snapshot to a single observed price: the
// midpoint when both sides are present, otherwise the one live side.
func (m *Monitor) applyBook(ctx context.Context, msg *polymarket.BookMessage) {
	q := polymarket.BookBestQuote(msg)
	var price float64
	switch {
	case q.TwoSided():
		price = q.Mid()
	case q.BestBid > 0:
		price = q.BestBid
	case q.BestAsk > 0 && q.BestAsk < 1:
		price = q.BestAsk
	default:
		return
	}
	m.applyPrice(ctx, msg.AssetID, price)
}

func (m *Monitor) applyRawPrice(ctx context.Context, assetID, raw string) {
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil || price <= 0 || price >= 1 {
		return
	}
	m.applyPrice(ctx, assetID, price)
}

// applyPrice updates the price table and, when the value actually
// changed and the opposite outcome has a known price, re-checks the
// pair immediately on the read goroutine.
func (m *Monitor) applyPrice(ctx context.Context, tokenID string, price float64) {
	m.mu.Lock()
	sub, registered := m.subs[tokenID]
	if !registered {
		m.mu.Unlock()
		return
	}
	if last, known := m.prices[tokenID]; known && last == price {
		m.mu.Unlock()
		return
	}
	m.prices[tokenID] = price
	m.priceUpdates++
	opposite, oppositeKnown := m.prices[sub.opposite]
	m.mu.Unlock()

	if m.deps.Prices != nil {
		if err := m.deps.Prices.SetPrice(ctx, tokenID, price, time.Now().UTC()); err != nil {
			m.logger.Debug("price cache write failed", slog.String("error", err.Error()))
		}
	}
	if !oppositeKnown {
		return
	}

	matches := m.deps.Matcher.MatchPair(sub.market, map[string]float64{
		tokenID:      price,
		sub.opposite: opposite,
	})
	if len(matches) == 0 {
		return
	}
	for i := range matches {
		matches[i].Source = domain.MatchSourceMonitor
	}
	m.mu.Lock()
	m.matchesFound += int64(len(matches))
	m.mu.Unlock()
	for i := range matches {
		mt := &matches[i]
		m.logger.InfoContext(ctx, "realtime match",
			slog.String("match_id", mt.ID),
			slog.String("strategy", string(mt.Strategy)),
			slog.String("confidence", string(mt.Confidence)),
			slog.String("condition_id", mt.ConditionID),
			slog.Float64("profit", mt.EstimatedProfit))
	}
	m.fanOut(ctx, matches)
}

// fanOut persists, publishes and notifies realtime matches. Monitor
// matches are never auto-enqueued for execution; they surface for
// manual triggering.
func (m *Monitor) fanOut(ctx context.Context, matches []domain.StrategyMatch) {
	if m.deps.Matches != nil {
		if err := m.deps.Matches.InsertBatch(ctx, matches); err != nil {
			m.logger.WarnContext(ctx, "persist matches failed", slog.String("error", err.Error()))
		}
	}
	if m.deps.Bus != nil {
		for i := range matches {
			mt := &matches[i]
			payload, err := json.Marshal(map[string]any{
				"event":        "match_found",
				"match_id":     mt.ID,
				"strategy":     string(mt.Strategy),
				"confidence":   string(mt.Confidence),
				"condition_id": mt.ConditionID,
				"question":     mt.Question,
				"profit":       mt.EstimatedProfit,
				"source":       mt.Source,
			})
			if err != nil {
				continue
			}
			if err := m.deps.Bus.Publish(ctx, "matches", payload); err != nil {
				m.logger.WarnContext(ctx, "publish match failed", slog.String("error", err.Error()))
			}
		}
	}
	if m.deps.Notifier != nil {
		m.deps.Notifier.MatchesFound(ctx, matches)
	}
}
