// Package trading implements the trade lifecycle: the decision gates,
// the lock-guarded executor, the per-order monitor and the
// reconciliation sweeper.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/signal"
)

// Gating reason codes, surfaced verbatim to the control API
const (
	ReasonBotNotRunning       = "bot_not_running"
	ReasonPendingOrderExists  = "pending_order_exists"
	ReasonCooldownActive      = "cooldown_active"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBelowMinSell        = "below_min_sell"
)

// minBuyFloorUSD is the absolute floor of the buy balance pre-check
const minBuyFloorUSD = 5.0

// Decision is the decider's output for one confirmed action
type Decision struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	SizeUSD  float64 `json:"size_usd"`
}

// Decider applies the safety gates to a confirmed action. It has no
// side effects on the exchange.
type Decider struct {
	store   *db.DB
	gateway *exchange.Gateway
	safety  *risk.SafetyState
	logger  zerolog.Logger
}

// NewDecider creates the trade decider
func NewDecider(store *db.DB, gateway *exchange.Gateway, safety *risk.SafetyState) *Decider {
	return &Decider{
		store:   store,
		gateway: gateway,
		safety:  safety,
		logger:  config.NewLogger("decider"),
	}
}

// Decide runs the gates in order; the first failure short-circuits with
// its reason code. Approved decisions carry the sizing.
func (d *Decider) Decide(ctx context.Context, bot *db.Bot, action signal.Action) (*Decision, error) {
	// Gate 1: bot running.
	if bot.State != db.BotStateRunning {
		return &Decision{Reason: ReasonBotNotRunning}, nil
	}

	// Gate 2: no pending order.
	pending, err := d.store.PendingTradeCount(ctx, bot.TriggeredBy())
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return &Decision{Reason: ReasonPendingOrderExists}, nil
	}

	// Gate 3: cooldown, measured from fill time. Unfilled trades never
	// arm it, and a bot that has never traded passes.
	ok, err := d.cooldownElapsed(ctx, bot, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Decision{Reason: ReasonCooldownActive}, nil
	}

	// Gate 4: balance pre-check.
	product, err := d.gateway.Product(ctx, bot.Pair)
	if err != nil {
		return nil, fmt.Errorf("product catalog unavailable: %w", err)
	}

	if bot.SkipOnLowBalance {
		reason, err := d.balanceGate(ctx, bot, action, product)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return &Decision{Reason: reason}, nil
		}
	}

	// Gate 5: global safety (caps are across all bots combined).
	if ok, reason := d.safety.Check(ctx); !ok {
		return &Decision{Reason: reason}, nil
	}

	// Sizing.
	if action == signal.ActionBuy {
		return &Decision{Approved: true, SizeUSD: bot.PositionSizeUSD}, nil
	}

	sizeUSD, reason, err := d.sellSizing(ctx, bot, product)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &Decision{Reason: reason}, nil
	}
	return &Decision{Approved: true, SizeUSD: sizeUSD}, nil
}

// cooldownElapsed checks gate 3 against the last completed trade
func (d *Decider) cooldownElapsed(ctx context.Context, bot *db.Bot, now time.Time) (bool, error) {
	last, err := d.store.LastCompletedTrade(ctx, bot.TriggeredBy())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if last.FilledAt == nil {
		return true, nil
	}
	cooldown := time.Duration(bot.CooldownSeconds) * time.Second
	return now.Sub(*last.FilledAt) >= cooldown, nil
}

// balanceGate checks gate 4 for the given direction
func (d *Decider) balanceGate(ctx context.Context, bot *db.Bot, action signal.Action, product exchange.Product) (string, error) {
	switch action {
	case signal.ActionBuy:
		available, err := d.gateway.AvailableBalance(ctx, product.QuoteCurrency)
		if err != nil {
			return "", err
		}
		required := bot.PositionSizeUSD * 0.1
		if required < minBuyFloorUSD {
			required = minBuyFloorUSD
		}
		if available < required {
			return ReasonInsufficientBalance, nil
		}
	case signal.ActionSell:
		available, err := d.gateway.AvailableBalance(ctx, product.BaseCurrency)
		if err != nil {
			return "", err
		}
		if available < product.MinBaseSize || available <= 0 {
			return ReasonInsufficientBalance, nil
		}
	}
	return "", nil
}

// sellSizing computes the USD size of a sell: the USD equivalent of
// min(available_crypto, position_size_usd / last_price), rejected when
// below the exchange minimum
func (d *Decider) sellSizing(ctx context.Context, bot *db.Bot, product exchange.Product) (float64, string, error) {
	ticker, err := d.gateway.GetTicker(ctx, bot.Pair)
	if err != nil {
		return 0, "", err
	}

	available, err := d.gateway.AvailableBalance(ctx, product.BaseCurrency)
	if err != nil {
		return 0, "", err
	}

	sizeCrypto := bot.PositionSizeUSD / ticker.Price
	if available < sizeCrypto {
		sizeCrypto = available
	}
	sizeUSD := sizeCrypto * ticker.Price

	if sizeCrypto < product.MinBaseSize || sizeUSD < product.MinQuoteSize {
		return 0, ReasonBelowMinSell, nil
	}
	return sizeUSD, "", nil
}
