package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcusholm/polyscan/internal/config"
	"github.com/marcusholm/polyscan/internal/crypto"
	"github.com/marcusholm/polyscan/internal/dispatch"
	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/executor"
	"github.com/marcusholm/polyscan/internal/monitor"
	"github.com/marcusholm/polyscan/internal/platform/polymarket"
	"github.com/marcusholm/polyscan/internal/scanner"
	"github.com/marcusholm/polyscan/internal/server"
	"github.com/marcusholm/polyscan/internal/server/handler"
	"github.com/marcusholm/polyscan/internal/server/ws"
	"github.com/marcusholm/polyscan/internal/strategy"
)

// components is the service graph built on top of the wired
// dependencies. The monitor is nil when disabled in the configuration.
type components struct {
	scanner *scanner.Scanner
	queue   *dispatch.Queue
	monitor *monitor.Monitor
	gamma   *polymarket.GammaClient
	live    *executor.LiveExecutor // nil when running on paper
}

// buildComponents assembles the platform clients, executor, queue,
// monitor and scanner. The only network call it makes is deriving CLOB
// credentials when a wallet is configured without static API keys;
// everything else connects when the components start.
func (a *App) buildComponents(ctx context.Context, deps *Dependencies) (*components, error) {
	cfg := a.cfg

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Polymarket.HTTPTimeout.Duration)

	var signer *crypto.Signer
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load wallet key: %w", err)
		}
		signer, err = crypto.NewSigner(key, cfg.Polymarket.ChainID)
		if err != nil {
			return nil, fmt.Errorf("app: build signer: %w", err)
		}
	}

	var hmacAuth *crypto.HMACAuth
	if cfg.ClobAPI.Key != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        cfg.ClobAPI.Key,
			Secret:     cfg.ClobAPI.Secret,
			Passphrase: cfg.ClobAPI.Passphrase,
		}
	}

	clob := polymarket.NewClobClient(
		cfg.Polymarket.ClobHost,
		cfg.Polymarket.HTTPTimeout.Duration,
		signer,
		hmacAuth,
		cfg.Polymarket.SignatureType,
	)

	if signer != nil && hmacAuth == nil {
		// A wallet without static CLOB credentials can derive them
		// from its own key.
		if err := clob.DeriveAPIKey(ctx); err != nil {
			a.logger.Warn("deriving CLOB credentials failed",
				slog.String("error", err.Error()))
		}
	}

	var exec domain.TradeExecutor
	var live *executor.LiveExecutor
	if signer != nil && clob.Authenticated() {
		live = executor.NewLiveExecutor(clob, signer, deps.Limiter, executor.LiveConfig{
			SignatureType: cfg.Polymarket.SignatureType,
			OrderRate:     cfg.Dispatch.OrderRate,
			OrderWindow:   cfg.Dispatch.OrderWindow.Duration,
		}, a.logger)
		exec = live
	} else {
		a.logger.Info("no wallet or CLOB credentials configured, executions run on paper")
		exec = executor.NewPaperExecutor(a.logger)
	}

	var execNotifier dispatch.ExecutionNotifier
	if deps.Notifier != nil {
		execNotifier = deps.Notifier
	}
	queue := dispatch.NewQueue(exec, deps.Execs, deps.Matches, deps.Bus, execNotifier, dispatch.Config{
		TaskDelay: cfg.Dispatch.TaskDelay.Duration,
	}, a.logger)

	catalog := scanner.NewCatalogFetcher(gamma, scanner.CatalogConfig{
		PageSize:       cfg.Scanner.PageSize,
		PageDelay:      cfg.Scanner.PageDelay.Duration,
		MaxPageRetries: cfg.Scanner.MaxPageRetries,
		RetryBackoff:   cfg.Scanner.RetryBackoff.Duration,
		MaxMarkets:     cfg.Scanner.MaxMarkets,
	}, a.logger)

	quotes := scanner.NewQuoteEnricher(clob, deps.Prices, scanner.EnricherConfig{
		BatchSize:    cfg.Scanner.OrderBookBatchSize,
		QuoteTimeout: cfg.Scanner.QuoteTimeout.Duration,
	}, a.logger)

	sdeps := scanner.Deps{
		Catalog:  catalog,
		Quotes:   quotes,
		Queue:    queue,
		Matches:  deps.Matches,
		Scans:    deps.Scans,
		Bus:      deps.Bus,
		Archiver: deps.Archiver,
	}
	if deps.Notifier != nil {
		sdeps.Notifier = deps.Notifier
	}

	scn := scanner.New(scanner.Config{
		Interval:    cfg.Scanner.ScanInterval.Duration,
		AutoExecute: cfg.Dispatch.AutoExecute,
		Strategy:    strategyConfig(cfg),
	}, sdeps, a.logger)

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mdeps := monitor.Deps{
			Matcher: scn,
			Matches: deps.Matches,
			Bus:     deps.Bus,
			Prices:  deps.Prices,
		}
		if deps.Notifier != nil {
			mdeps.Notifier = deps.Notifier
		}
		mon = monitor.New(monitor.Config{
			URL:                  strings.TrimRight(cfg.Polymarket.WsHost, "/") + "/ws/market",
			HeartbeatInterval:    cfg.Monitor.HeartbeatInterval.Duration,
			ReconnectBaseDelay:   cfg.Monitor.ReconnectBaseDelay.Duration,
			MaxReconnectAttempts: cfg.Monitor.MaxReconnectAttempts,
			MaxAssets:            cfg.Monitor.MaxAssets,
		}, mdeps, a.logger)
		scn.SetWatcher(mon)
	}

	return &components{scanner: scn, queue: queue, monitor: mon, gamma: gamma, live: live}, nil
}

// strategyConfig maps the TOML strategy block onto the matcher's
// tunables.
func strategyConfig(cfg *config.Config) strategy.Config {
	s := cfg.Strategy
	return strategy.Config{
		EnableMintSplit:    s.EnableMintSplit,
		EnableArbitrage:    s.EnableArbitrage,
		EnableMarketMaking: s.EnableMarketMaking,

		MinOutcomesForMint: s.MinOutcomesForMint,
		MinPriceSumMargin:  s.MinPriceSumMargin,
		SpreadThreshold:    s.SpreadThreshold,
		TargetSpreadPct:    s.TargetSpreadPct,

		MintAmount:   s.MintAmount,
		TradeAmount:  s.TradeAmount,
		TakerFeeRate: s.TakerFeeRate,
		GasFeeUSD:    s.GasFeeUSD,
		MinNetProfit: s.MinNetProfit,

		MinLiquidity:        s.MinLiquidity,
		MinVolume24h:        s.MinVolume24h,
		HighConfidenceDepth: s.HighConfidenceDepth,
	}
}

// runMode starts the scan loop, the realtime monitor, and the control
// server, then blocks until the context is cancelled.
func (a *App) runMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildComponents(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := c.scanner.Start(ctx); err != nil {
		return fmt.Errorf("app: start scanner: %w", err)
	}
	if c.live != nil {
		defer a.cancelOpenOrders(c.live)
	}
	defer c.scanner.Stop()
	defer c.queue.Stop()

	if c.monitor != nil {
		c.monitor.Start(ctx)
		defer c.monitor.Stop()
	}

	a.startServer(ctx, g, deps, c)
	a.startRetention(ctx, g, deps)

	// Keep the group alive until shutdown even when the server and
	// retention loop are disabled.
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cancelOpenOrders pulls the wallet's resting orders during shutdown.
// It runs under its own deadline because the run context is already
// cancelled by the time the shutdown path reaches it.
func (a *App) cancelOpenOrders(live *executor.LiveExecutor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := live.CancelOpen(ctx); err != nil {
		a.logger.Warn("cancel open orders failed", slog.String("error", err.Error()))
	}
}

// scanMode runs a single pass and prints the report to stdout.
func (a *App) scanMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildComponents(ctx, deps)
	if err != nil {
		return err
	}
	defer c.queue.Stop()

	report, err := c.scanner.RunScan(ctx)
	if err != nil {
		return fmt.Errorf("app: scan: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("app: encode report: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// serveMode starts only the control server; scanning is driven through
// the API.
func (a *App) serveMode(ctx context.Context, deps *Dependencies) error {
	if !a.cfg.Server.Enabled {
		return errors.New("app: serve mode requires server.enabled")
	}

	c, err := a.buildComponents(ctx, deps)
	if err != nil {
		return err
	}
	if c.live != nil {
		defer a.cancelOpenOrders(c.live)
	}
	defer c.scanner.Stop()
	defer c.queue.Stop()
	if c.monitor != nil {
		defer c.monitor.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, c)
	a.startRetention(ctx, g, deps)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startServer registers the route handlers and runs the HTTP server
// plus the websocket hub inside the group. A disabled server is a
// no-op.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	if !a.cfg.Server.Enabled {
		return
	}

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	var mon handler.MonitorSource
	if c.monitor != nil {
		mon = c.monitor
	}

	h := server.Handlers{
		Health:        handler.NewHealthHandler(),
		Status:        handler.NewStatusHandler(c.scanner, mon, deps.Execs),
		Bot:           handler.NewBotHandler(c.scanner, ctx, a.logger),
		Config:        handler.NewConfigHandler(c.scanner, a.logger),
		Opportunities: handler.NewOpportunityHandler(deps.Matches, c.queue, a.logger),
		History:       handler.NewHistoryHandler(deps.Execs, deps.Scans),
		Markets:       handler.NewMarketHandler(c.gamma),
		Prices:        handler.NewPriceHandler(deps.Prices),
		Events:        handler.NewEventsHandler(deps.Bus),
	}

	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		APIRate:     a.cfg.Server.APIRate,
		APIWindow:   a.cfg.Server.APIWindow.Duration,
	}, h, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startRetention runs the daily archive-then-delete pass that moves
// aged matches and executions into object storage.
func (a *App) startRetention(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil || a.cfg.S3.RetentionDays <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.retentionPass(ctx, deps)
			}
		}
	})
}

// retentionPass archives then deletes one batch of aged history. A
// failed archive skips the delete, so rows are never lost.
func (a *App) retentionPass(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.RetentionDays)
	logger := a.logger.With(slog.Time("cutoff", cutoff))

	if n, err := deps.Archiver.ArchiveMatches(ctx, cutoff); err != nil {
		logger.WarnContext(ctx, "archive matches failed", slog.String("error", err.Error()))
	} else if n > 0 {
		deleted, err := deps.Matches.DeleteBefore(ctx, cutoff)
		if err != nil {
			logger.WarnContext(ctx, "delete archived matches failed", slog.String("error", err.Error()))
		}
		logger.InfoContext(ctx, "matches archived", slog.Int64("archived", n), slog.Int64("deleted", deleted))
	}

	if n, err := deps.Archiver.ArchiveExecutions(ctx, cutoff); err != nil {
		logger.WarnContext(ctx, "archive executions failed", slog.String("error", err.Error()))
	} else if n > 0 {
		deleted, err := deps.Execs.DeleteBefore(ctx, cutoff)
		if err != nil {
			logger.WarnContext(ctx, "delete archived executions failed", slog.String("error", err.Error()))
		}
		logger.InfoContext(ctx, "executions archived", slog.Int64("archived", n), slog.Int64("deleted", deleted))
	}
}
