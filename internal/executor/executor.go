// Package executor implements the execution collaborators the dispatch
// queue hands matched opportunities to: a live executor that signs and
// submits CLOB limit orders, and a paper executor that simulates fills
// when no wallet is configured.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/marcusholm/polyscan/internal/crypto"
	"github.com/marcusholm/polyscan/internal/domain"
)

// OrderClient submits and cancels orders on the exchange.
type OrderClient interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
}

// LiveConfig holds live-execution tunables.
type LiveConfig struct {
	SignatureType  int
	RetryDelay     time.Duration // pause before the single retry of a retryable rejection
	CooldownWindow time.Duration // repeat-execution suppression per condition+strategy
	OrderRate      int           // orders per window, 0 disables the limiter
	OrderWindow    time.Duration
}

// LiveExecutor places one limit order per match leg through the
// authenticated CLOB client. Legs are placed in order; the first
// failure stops the match and cancels the legs already placed, so no
// partial multi-leg position is left resting on the book.
type LiveExecutor struct {
	poster   OrderClient
	signer   *crypto.Signer
	limiter  domain.RateLimiter // optional
	cfg      LiveConfig
	cooldown *cooldown
	logger   *slog.Logger
}

// NewLiveExecutor builds a live executor. signer must be non-nil; the
// rate limiter may be nil.
func NewLiveExecutor(poster OrderClient, signer *crypto.Signer, limiter domain.RateLimiter, cfg LiveConfig, logger *slog.Logger) *LiveExecutor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = 2 * time.Minute
	}
	if cfg.OrderWindow <= 0 {
		cfg.OrderWindow = time.Minute
	}
	return &LiveExecutor{
		poster:   poster,
		signer:   signer,
		limiter:  limiter,
		cfg:      cfg,
		cooldown: newCooldown(cfg.CooldownWindow),
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Name identifies the executor in logs and execution records.
func (e *LiveExecutor) Name() string { return "live" }

// Execute places every leg of the match. The same condition+strategy
// pair is executed at most once per cooldown window; repeats are
// rejected without touching the exchange.
func (e *LiveExecutor) Execute(ctx context.Context, match domain.StrategyMatch) (domain.ExecutionResult, error) {
	if len(match.Legs) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("executor: match %s has no legs", match.ID)
	}
	key := match.ConditionID + "/" + string(match.Strategy)
	if e.cooldown.blocked(key) {
		e.logger.InfoContext(ctx, "repeat execution suppressed",
			slog.String("match_id", match.ID),
			slog.String("condition_id", match.ConditionID),
			slog.String("strategy", string(match.Strategy)))
		return domain.ExecutionResult{
			Success: false,
			Message: "repeat execution within cooldown window",
		}, nil
	}
	e.cooldown.prune()

	orderIDs := make([]string, 0, len(match.Legs))
	for i, leg := range match.Legs {
		res, err := e.placeLeg(ctx, match, leg)
		if err != nil {
			e.rollback(ctx, match, orderIDs)
			result := domain.ExecutionResult{
				Success:  false,
				OrderIDs: orderIDs,
				Message: fmt.Sprintf("leg %d/%d (%s %s) failed, cancelled %d placed",
					i+1, len(match.Legs), leg.Side, leg.Label, len(orderIDs)),
			}
			return result, &domain.ExecutionError{TaskID: match.ID, Err: err}
		}
		orderIDs = append(orderIDs, res.OrderID)
		e.logger.InfoContext(ctx, "leg placed",
			slog.String("match_id", match.ID),
			slog.String("order_id", res.OrderID),
			slog.String("side", string(leg.Side)),
			slog.String("token", leg.TokenID),
			slog.Float64("price", leg.Price),
			slog.Float64("size", leg.Size))
	}

	return domain.ExecutionResult{
		Success:  true,
		Profit:   match.EstimatedProfit,
		OrderIDs: orderIDs,
		Message:  fmt.Sprintf("placed %d legs", len(orderIDs)),
	}, nil
}

// rollback cancels the legs already placed when a later leg fails. The
// legs of a match only profit together; a lone resting leg is exposure,
// not an opportunity. Cancel failures are logged and skipped.
func (e *LiveExecutor) rollback(ctx context.Context, match domain.StrategyMatch, orderIDs []string) {
	for _, id := range orderIDs {
		if err := e.poster.CancelOrder(ctx, id); err != nil {
			e.logger.WarnContext(ctx, "cancel placed leg failed",
				slog.String("match_id", match.ID),
				slog.String("order_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// CancelOpen cancels every resting order for the wallet. Runs during
// shutdown so a stopped deployment leaves no limit orders working.
func (e *LiveExecutor) CancelOpen(ctx context.Context) error {
	if err := e.poster.CancelAll(ctx); err != nil {
		return fmt.Errorf("executor: cancel open orders: %w", err)
	}
	return nil
}

// placeLeg signs and submits one order, retrying once after a short
// delay when the failure is retryable.
func (e *LiveExecutor) placeLeg(ctx context.Context, match domain.StrategyMatch, leg domain.MatchLeg) (domain.OrderResult, error) {
	if e.limiter != nil && e.cfg.OrderRate > 0 {
		key := "orders:" + e.signer.Address().Hex()
		if err := e.limiter.Wait(ctx, key, e.cfg.OrderRate, e.cfg.OrderWindow); err != nil {
			return domain.OrderResult{}, fmt.Errorf("executor: rate limit wait: %w", err)
		}
	}

	order, err := e.buildOrder(leg)
	if err != nil {
		return domain.OrderResult{}, err
	}

	res, err := e.poster.PostOrder(ctx, order)
	if err == nil {
		return res, nil
	}
	if !domain.IsRetryable(err) && !res.ShouldRetry {
		return res, err
	}

	e.logger.WarnContext(ctx, "order rejected, retrying once",
		slog.String("match_id", match.ID),
		slog.String("token", leg.TokenID),
		slog.String("error", err.Error()))
	t := time.NewTimer(e.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return domain.OrderResult{}, ctx.Err()
	case <-t.C:
	}

	// fresh salt and signature for the retry
	order, err = e.buildOrder(leg)
	if err != nil {
		return domain.OrderResult{}, err
	}
	return e.poster.PostOrder(ctx, order)
}

// buildOrder converts a match leg into a signed limit order. Amounts
// use USDC's 6-decimal fixed point: buying pays price*size USDC for
// size shares, selling offers size shares for price*size USDC.
func (e *LiveExecutor) buildOrder(leg domain.MatchLeg) (domain.Order, error) {
	wallet := e.signer.Address().Hex()
	shares := usdcUnits(leg.Size)
	notional := usdcUnits(leg.Price * leg.Size)

	var maker, taker *big.Int
	sideInt := 0
	if leg.Side == domain.OrderSideSell {
		sideInt = 1
		maker, taker = shares, notional
	} else {
		maker, taker = notional, shares
	}

	order := domain.Order{
		ID:          uuid.New().String(),
		TokenID:     leg.TokenID,
		Wallet:      wallet,
		Side:        leg.Side,
		Type:        domain.OrderTypeGTC,
		Price:       leg.Price,
		Size:        leg.Size,
		MakerAmount: maker,
		TakerAmount: taker,
		Status:      domain.OrderStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	payload := crypto.OrderPayload{
		Salt:          fmt.Sprintf("%d", time.Now().UnixNano()),
		Maker:         wallet,
		Signer:        wallet,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       leg.TokenID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideInt,
		SignatureType: e.cfg.SignatureType,
	}
	sig, err := e.signer.SignOrder(payload)
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: sign order: %w", err)
	}
	order.Signature = sig
	return order, nil
}

// usdcUnits converts a decimal amount to USDC's 6-decimal fixed point.
func usdcUnits(amount float64) *big.Int {
	return big.NewInt(int64(amount*1e6 + 0.5))
}

// PaperExecutor simulates fills at the observed match prices without
// touching the exchange. Used whenever no wallet key is configured.
type PaperExecutor struct {
	logger *slog.Logger
}

func NewPaperExecutor(logger *slog.Logger) *PaperExecutor {
	return &PaperExecutor{logger: logger.With(slog.String("component", "executor"))}
}

func (e *PaperExecutor) Name() string { return "paper" }

// Execute pretends every leg filled at its observed price and reports
// the match's estimated profit as realized.
func (e *PaperExecutor) Execute(ctx context.Context, match domain.StrategyMatch) (domain.ExecutionResult, error) {
	if len(match.Legs) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("executor: match %s has no legs", match.ID)
	}
	orderIDs := make([]string, 0, len(match.Legs))
	for _, leg := range match.Legs {
		id := "sim-" + uuid.New().String()
		orderIDs = append(orderIDs, id)
		e.logger.DebugContext(ctx, "simulated fill",
			slog.String("match_id", match.ID),
			slog.String("order_id", id),
			slog.String("side", string(leg.Side)),
			slog.String("token", leg.TokenID),
			slog.Float64("price", leg.Price),
			slog.Float64("size", leg.Size))
	}
	return domain.ExecutionResult{
		Success:   true,
		Simulated: true,
		Profit:    match.EstimatedProfit,
		OrderIDs:  orderIDs,
		Message:   fmt.Sprintf("simulated %d fills", len(orderIDs)),
	}, nil
}
