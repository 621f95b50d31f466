package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/platform/polymarket"
	"github.com/marcusholm/polyscan/internal/strategy"
)

// wsServer is a mock market channel: it records subscribe commands,
// answers the textual heartbeat, and lets tests push frames or drop
// connections.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	refuse   atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
	subs  chan polymarket.WSCommand
	pings atomic.Int64
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{subs: make(chan polymarket.WSCommand, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.closeAll()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	go s.readClient(conn)
}

func (s *wsServer) readClient(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "PING" {
			s.pings.Add(1)
			s.write(conn, []byte("PONG"))
			continue
		}
		var cmd polymarket.WSCommand
		if err := json.Unmarshal(data, &cmd); err == nil && cmd.Type == "market" {
			select {
			case s.subs <- cmd:
			default:
			}
		}
	}
}

func (s *wsServer) write(conn *websocket.Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsServer) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// push marshals v and sends it on the most recent connection.
func (s *wsServer) push(t *testing.T, v any) {
	t.Helper()
	conn := s.latest()
	if conn == nil {
		t.Fatal("no client connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	s.write(conn, data)
}

func (s *wsServer) pushRaw(t *testing.T, raw string) {
	t.Helper()
	conn := s.latest()
	if conn == nil {
		t.Fatal("no client connected")
	}
	s.write(conn, []byte(raw))
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *wsServer) closeAll() {
	s.dropConnections()
}

// awaitSub waits for the next subscribe command sent by the client.
func (s *wsServer) awaitSub(t *testing.T) polymarket.WSCommand {
	t.Helper()
	select {
	case cmd := <-s.subs:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
		return polymarket.WSCommand{}
	}
}

type fakeMatchStore struct {
	mu      sync.Mutex
	batches [][]domain.StrategyMatch
}

func (s *fakeMatchStore) Insert(ctx context.Context, m domain.StrategyMatch) error { return nil }

func (s *fakeMatchStore) InsertBatch(ctx context.Context, ms []domain.StrategyMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, ms)
	return nil
}

func (s *fakeMatchStore) GetByID(ctx context.Context, id string) (domain.StrategyMatch, error) {
	return domain.StrategyMatch{}, domain.ErrNotFound
}

func (s *fakeMatchStore) MarkExecuted(ctx context.Context, id string) error { return nil }

func (s *fakeMatchStore) ListRecent(ctx context.Context, limit int) ([]domain.StrategyMatch, error) {
	return nil, nil
}

func (s *fakeMatchStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.StrategyMatch, error) {
	return nil, nil
}

func (s *fakeMatchStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeMatchStore) all() []domain.StrategyMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StrategyMatch
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type fakeBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][][]byte)
	}
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[channel])
}

type fakeNotifier struct {
	mu        sync.Mutex
	calls     [][]domain.StrategyMatch
	downCause []string
}

func (n *fakeNotifier) MatchesFound(ctx context.Context, matches []domain.StrategyMatch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, matches)
}

func (n *fakeNotifier) MonitorDown(ctx context.Context, cause string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.downCause = append(n.downCause, cause)
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakePriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (c *fakePriceCache) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]float64)
	}
	c.prices[tokenID] = price
	return nil
}

func (c *fakePriceCache) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error) {
	return 0, time.Time{}, domain.ErrNotFound
}

func (c *fakePriceCache) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	return nil, nil
}

func (c *fakePriceCache) get(tokenID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[tokenID]
	return p, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func monitorStrategyConfig() strategy.Config {
	return strategy.Config{
		EnableArbitrage: true,
		SpreadThreshold: 0.02,
		TradeAmount:     50,
		TakerFeeRate:    0.01,
	}
}

func binaryMarket(cond string) domain.Market {
	return domain.Market{
		ConditionID: cond,
		Question:    "question " + cond,
		Outcomes: []domain.Outcome{
			{TokenID: cond + "-yes", Label: "Yes"},
			{TokenID: cond + "-no", Label: "No"},
		},
		Liquidity: 5000,
		Volume24h: 2000,
		Status:    domain.MarketStatusActive,
	}
}

func bookFrame(tokenID, cond string, bid, ask string) polymarket.BookMessage {
	return polymarket.BookMessage{
		EventType: "book",
		AssetID:   tokenID,
		Market:    cond,
		Bids:      []polymarket.WSPriceLevel{{Price: bid, Size: "100"}},
		Asks:      []polymarket.WSPriceLevel{{Price: ask, Size: "100"}},
		Timestamp: "1700000000000",
	}
}

type monitorFixture struct {
	mon      *Monitor
	server   *wsServer
	matches  *fakeMatchStore
	bus      *fakeBus
	notifier *fakeNotifier
	prices   *fakePriceCache
}

func newMonitorFixture(t *testing.T, cfg Config) *monitorFixture {
	t.Helper()
	fx := &monitorFixture{
		server:   newWSServer(t),
		matches:  &fakeMatchStore{},
		bus:      &fakeBus{},
		notifier: &fakeNotifier{},
		prices:   &fakePriceCache{},
	}
	cfg.URL = fx.server.url()
	fx.mon = New(cfg, Deps{
		Matcher:  strategy.NewMatcher(monitorStrategyConfig(), discardLogger()),
		Matches:  fx.matches,
		Bus:      fx.bus,
		Notifier: fx.notifier,
		Prices:   fx.prices,
	}, discardLogger())
	t.Cleanup(fx.mon.Stop)
	return fx
}

func testMonitorConfig() Config {
	return Config{
		HeartbeatInterval:    50 * time.Millisecond,
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartSendsSubscribeCommand(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())
	market := binaryMarket("0xa")
	if got := fx.mon.AddMarkets(market); got != 1 {
		t.Fatalf("AddMarkets = %d, want 1", got)
	}

	fx.mon.Start(context.Background())
	cmd := fx.server.awaitSub(t)

	if cmd.Type != "market" {
		t.Errorf("command type = %q, want market", cmd.Type)
	}
	if !cmd.InitialDump {
		t.Error("initial_dump not requested")
	}
	if len(cmd.Assets) != 2 || cmd.Assets[0] != "0xa-yes" || cmd.Assets[1] != "0xa-no" {
		t.Errorf("assets = %v, want [0xa-yes 0xa-no]", cmd.Assets)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateConnected })
}

func TestRealtimeTickPairsMatch(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())
	market := binaryMarket("0xa")
	fx.mon.AddMarkets(market)
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)

	// first tick alone cannot pair
	fx.server.push(t, bookFrame("0xa-yes", "0xa", "0.47", "0.49"))
	waitFor(t, 2*time.Second, func() bool { return fx.mon.Stats().PriceUpdates == 1 })
	if got := len(fx.matches.all()); got != 0 {
		t.Fatalf("matches after single tick = %d, want 0", got)
	}

	// mids 0.48 + 0.58 = 1.06, over fair by more than the threshold
	fx.server.push(t, bookFrame("0xa-no", "0xa", "0.57", "0.59"))
	waitFor(t, 2*time.Second, func() bool { return len(fx.matches.all()) == 1 })

	got := fx.matches.all()[0]
	if got.Strategy != domain.StrategyArbitrageShort {
		t.Errorf("strategy = %s, want %s", got.Strategy, domain.StrategyArbitrageShort)
	}
	if got.Source != domain.MatchSourceMonitor {
		t.Errorf("source = %q, want %q", got.Source, domain.MatchSourceMonitor)
	}
	if got.ConditionID != "0xa" {
		t.Errorf("condition id = %q, want 0xa", got.ConditionID)
	}

	waitFor(t, 2*time.Second, func() bool { return fx.bus.count("matches") == 1 })
	waitFor(t, 2*time.Second, func() bool { return fx.notifier.callCount() == 1 })

	if p, ok := fx.prices.get("0xa-yes"); !ok || p != 0.48 {
		t.Errorf("cached yes price = %v (%v), want 0.48", p, ok)
	}
	if p, ok := fx.prices.get("0xa-no"); !ok || p != 0.58 {
		t.Errorf("cached no price = %v (%v), want 0.58", p, ok)
	}
	if got := fx.mon.Stats().MatchesFound; got != 1 {
		t.Errorf("MatchesFound = %d, want 1", got)
	}
}

func TestPriceStateUpdatesOnlyOnChange(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())
	fx.mon.AddMarkets(binaryMarket("0xa"))
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)

	// a tick for an unregistered asset is dropped
	fx.server.push(t, bookFrame("unknown-token", "0xz", "0.30", "0.32"))

	frame := bookFrame("0xa-yes", "0xa", "0.47", "0.49")
	fx.server.push(t, frame)
	fx.server.push(t, frame) // identical mid, no new update

	// a changed mid is processed after the duplicate was skipped
	fx.server.push(t, bookFrame("0xa-yes", "0xa", "0.45", "0.47"))
	waitFor(t, 2*time.Second, func() bool { return fx.mon.Stats().PriceUpdates == 2 })

	if got := fx.mon.Stats().PriceUpdates; got != 2 {
		t.Errorf("PriceUpdates = %d, want 2", got)
	}
}

func TestHeartbeatAndGarbageIgnored(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.HeartbeatInterval = 15 * time.Millisecond
	fx := newMonitorFixture(t, cfg)
	fx.mon.AddMarkets(binaryMarket("0xa"))
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)

	waitFor(t, 2*time.Second, func() bool { return fx.server.pings.Load() >= 2 })

	fx.server.pushRaw(t, "PONG")
	fx.server.pushRaw(t, "definitely not json")
	fx.server.pushRaw(t, `{"event_type":"tick_size_change","asset_id":"0xa-yes"}`)
	fx.server.pushRaw(t, `[{"event_type":"book","asset_id":`) // truncated
	fx.server.pushRaw(t, `{"event_type":"book","asset_id":"0xa-yes","bids":"nope"}`)

	// the stream keeps working after all of the above
	fx.server.push(t, []polymarket.BookMessage{
		bookFrame("0xa-yes", "0xa", "0.47", "0.49"),
		bookFrame("0xa-no", "0xa", "0.57", "0.59"),
	})
	waitFor(t, 2*time.Second, func() bool { return len(fx.matches.all()) == 1 })

	if fx.mon.State() != StateConnected {
		t.Errorf("state = %s, want %s", fx.mon.State(), StateConnected)
	}
}

func TestPriceChangeAndLastTradeEvents(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())
	fx.mon.AddMarkets(binaryMarket("0xa"))
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)

	fx.server.push(t, polymarket.PriceChangeMessage{
		EventType: "price_change",
		AssetID:   "0xa-yes",
		Side:      "SELL",
		Price:     "0.48",
		Size:      "25",
		Timestamp: "1700000000000",
	})
	fx.server.push(t, polymarket.PriceMessage{
		EventType: "last_trade_price",
		AssetID:   "0xa-no",
		Price:     "0.58",
		Size:      "10",
		Timestamp: "1700000000000",
	})

	waitFor(t, 2*time.Second, func() bool { return len(fx.matches.all()) == 1 })
	if got := fx.matches.all()[0].Strategy; got != domain.StrategyArbitrageShort {
		t.Errorf("strategy = %s, want %s", got, domain.StrategyArbitrageShort)
	}
	if got := fx.mon.Stats().PriceUpdates; got != 2 {
		t.Errorf("PriceUpdates = %d, want 2", got)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())
	fx.mon.AddMarkets(binaryMarket("0xa"))
	fx.mon.Start(context.Background())
	first := fx.server.awaitSub(t)

	fx.server.dropConnections()

	second := fx.server.awaitSub(t)
	if len(second.Assets) != len(first.Assets) {
		t.Errorf("replayed assets = %v, want %v", second.Assets, first.Assets)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateConnected })
	if got := fx.mon.Stats().Reconnects; got < 1 {
		t.Errorf("Reconnects = %d, want >= 1", got)
	}

	// price table survives the reconnect, ticks still pair
	fx.server.push(t, bookFrame("0xa-yes", "0xa", "0.47", "0.49"))
	fx.server.push(t, bookFrame("0xa-no", "0xa", "0.57", "0.59"))
	waitFor(t, 2*time.Second, func() bool { return len(fx.matches.all()) == 1 })
}

func TestReconnectExhaustionStops(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	fx := newMonitorFixture(t, cfg)
	fx.server.refuse.Store(true)
	fx.mon.AddMarkets(binaryMarket("0xa"))

	fx.mon.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateStopped })

	if err := fx.mon.Err(); !errors.Is(err, domain.ErrReconnectExhausted) {
		t.Errorf("Err() = %v, want ErrReconnectExhausted", err)
	}

	// a manual restart after exhaustion reconnects cleanly
	fx.server.refuse.Store(false)
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateConnected })
	if err := fx.mon.Err(); err != nil {
		t.Errorf("Err() after restart = %v, want nil", err)
	}
}

func TestStopDuringBackoffIsPrompt(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.ReconnectBaseDelay = 30 * time.Second // far beyond the test window
	fx := newMonitorFixture(t, cfg)
	fx.server.refuse.Store(true)

	fx.mon.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateReconnecting })

	done := make(chan struct{})
	go func() {
		fx.mon.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the pending reconnect")
	}
	if fx.mon.State() != StateStopped {
		t.Errorf("state = %s, want %s", fx.mon.State(), StateStopped)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())

	fx.mon.Stop() // before start, no-op

	fx.mon.AddMarkets(binaryMarket("0xa"))
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateConnected })

	fx.mon.Stop()
	fx.mon.Stop()
	if fx.mon.State() != StateStopped {
		t.Errorf("state = %s, want %s", fx.mon.State(), StateStopped)
	}
}

func TestAddMarketsAfterConnectResubscribes(t *testing.T) {
	fx := newMonitorFixture(t, testMonitorConfig())
	fx.mon.AddMarkets(binaryMarket("0xa"))
	fx.mon.Start(context.Background())
	fx.server.awaitSub(t)
	waitFor(t, 2*time.Second, func() bool { return fx.mon.State() == StateConnected })

	if got := fx.mon.AddMarkets(binaryMarket("0xb")); got != 1 {
		t.Fatalf("AddMarkets = %d, want 1", got)
	}
	cmd := fx.server.awaitSub(t)
	if len(cmd.Assets) != 4 {
		t.Errorf("re-subscribe assets = %v, want 4 ids", cmd.Assets)
	}

	// duplicates and non-binary markets are not registered again
	if got := fx.mon.AddMarkets(binaryMarket("0xa")); got != 0 {
		t.Errorf("duplicate AddMarkets = %d, want 0", got)
	}
	multi := binaryMarket("0xc")
	multi.Outcomes = append(multi.Outcomes, domain.Outcome{TokenID: "0xc-maybe", Label: "Maybe"})
	if got := fx.mon.AddMarkets(multi); got != 0 {
		t.Errorf("non-binary AddMarkets = %d, want 0", got)
	}
}

func TestMaxAssetsCap(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.MaxAssets = 2
	fx := newMonitorFixture(t, cfg)

	if got := fx.mon.AddMarkets(binaryMarket("0xa"), binaryMarket("0xb")); got != 1 {
		t.Errorf("AddMarkets under cap = %d, want 1", got)
	}
	if got := fx.mon.Stats().Assets; got != 2 {
		t.Errorf("Assets = %d, want 2", got)
	}
}

func TestReconnectDelayGrowsLinearly(t *testing.T) {
	base := 10 * time.Millisecond
	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		d := reconnectDelay(attempt, base)
		if want := time.Duration(attempt) * base; d != want {
			t.Errorf("delay(%d) = %v, want %v", attempt, d, want)
		}
		if d < prev {
			t.Errorf("delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
}
