// Package portfolio derives positions and P&L as a pure function of the
// completed trade log. The ledger holds no mutable state of its own.
package portfolio

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
)

// TradeSource supplies the completed trade log. Satisfied by the store.
type TradeSource interface {
	CompletedTradesByPair(ctx context.Context, productID string) ([]*db.Trade, error)
	CompletedProductIDs(ctx context.Context) ([]string, error)
}

// PriceSource supplies current prices for unrealized P&L. Satisfied by
// the exchange gateway.
type PriceSource interface {
	GetTicker(ctx context.Context, productID string) (*exchange.Ticker, error)
}

// Position is the derived state for one pair
type Position struct {
	ProductID     string  `json:"product_id"`
	CryptoBalance float64 `json:"crypto_balance"`
	AvgCostBasis  float64 `json:"avg_cost_basis"`
	USDInvested   float64 `json:"usd_invested"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	CurrentPrice  float64 `json:"current_price"`
	TradeCount    int     `json:"trade_count"`
}

// Totals aggregates every pair
type Totals struct {
	Positions     []Position `json:"positions"`
	USDInvested   float64    `json:"usd_invested"`
	RealizedPnL   float64    `json:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
}

// Verdict is the data-integrity cross-check result
type Verdict string

const (
	VerdictOK         Verdict = "OK"
	VerdictSuspicious Verdict = "SUSPICIOUS"
)

// Ledger exposes portfolio state derived from trades
type Ledger struct {
	trades TradeSource
	prices PriceSource
}

// NewLedger creates the portfolio ledger view
func NewLedger(trades TradeSource, prices PriceSource) *Ledger {
	return &Ledger{trades: trades, prices: prices}
}

// lot is one outstanding tranche from a buy, carried at its original
// per-unit cost for FIFO matching
type lot struct {
	size     float64 // base amount remaining
	unitCost float64 // USD per base unit, from the buy's size_usd
}

// Position derives the position for one pair by scanning its completed
// trades in fill order. Realized P&L matches sells against the oldest
// outstanding buy lots (FIFO). Trade.SizeUSD is the authoritative USD
// value throughout; size×price is never substituted for it.
func (l *Ledger) Position(ctx context.Context, productID string) (*Position, error) {
	trades, err := l.trades.CompletedTradesByPair(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades for %s: %w", productID, err)
	}

	pos := &Position{ProductID: productID, TradeCount: len(trades)}
	var lots []lot

	for _, t := range trades {
		switch t.Side {
		case db.TradeSideBuy:
			if t.SizeCrypto <= 0 {
				continue
			}
			lots = append(lots, lot{
				size:     t.SizeCrypto,
				unitCost: t.SizeUSD / t.SizeCrypto,
			})
			pos.CryptoBalance += t.SizeCrypto

		case db.TradeSideSell:
			if t.SizeCrypto <= 0 {
				continue
			}
			pos.CryptoBalance -= t.SizeCrypto

			var pnl float64
			lots, pnl = consumeLots(lots, t)
			pos.RealizedPnL += pnl
		}
	}

	for _, outstanding := range lots {
		pos.USDInvested += outstanding.size * outstanding.unitCost
	}
	if pos.CryptoBalance > 1e-12 && pos.USDInvested > 0 {
		pos.AvgCostBasis = pos.USDInvested / pos.CryptoBalance
	}

	if ticker, err := l.prices.GetTicker(ctx, productID); err == nil {
		pos.CurrentPrice = ticker.Price
		pos.UnrealizedPnL = (pos.CurrentPrice - pos.AvgCostBasis) * pos.CryptoBalance
	} else {
		log.Debug().Err(err).Str("product_id", productID).Msg("No current price, unrealized P&L omitted")
	}

	return pos, nil
}

// consumeLots FIFO-matches one completed sell against the outstanding
// buy lots and returns the surviving lots plus the sell's realized P&L.
// A sell with no matching lots (external deposits sold off) realizes
// its full value against a zero basis.
func consumeLots(lots []lot, sell *db.Trade) ([]lot, float64) {
	sellUnitValue := sell.SizeUSD / sell.SizeCrypto
	remaining := sell.SizeCrypto

	var pnl float64
	for remaining > 0 && len(lots) > 0 {
		oldest := &lots[0]
		consumed := oldest.size
		if consumed > remaining {
			consumed = remaining
		}
		pnl += consumed * (sellUnitValue - oldest.unitCost)
		oldest.size -= consumed
		remaining -= consumed
		if oldest.size <= 1e-12 {
			lots = lots[1:]
		}
	}

	if remaining > 0 {
		pnl += remaining * sellUnitValue
	}
	return lots, pnl
}

// SellRealizedPnL returns the realized P&L of one completed sell,
// FIFO-matched against the pair's completed trade log. The sell itself
// is skipped when it already appears in history, as are trades that
// filled after it. Negative results feed the global daily-loss cap.
func SellRealizedPnL(history []*db.Trade, sell *db.Trade) float64 {
	if sell.SizeCrypto <= 0 {
		return 0
	}

	var lots []lot
	for _, t := range history {
		if t.ID == sell.ID {
			continue
		}
		if sell.FilledAt != nil && t.FilledAt != nil && t.FilledAt.After(*sell.FilledAt) {
			continue
		}
		if t.SizeCrypto <= 0 {
			continue
		}
		switch t.Side {
		case db.TradeSideBuy:
			lots = append(lots, lot{
				size:     t.SizeCrypto,
				unitCost: t.SizeUSD / t.SizeCrypto,
			})
		case db.TradeSideSell:
			lots, _ = consumeLots(lots, t)
		}
	}

	_, pnl := consumeLots(lots, sell)
	return pnl
}

// Totals sums positions across every pair with completed trades
func (l *Ledger) Totals(ctx context.Context) (*Totals, error) {
	productIDs, err := l.trades.CompletedProductIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list traded pairs: %w", err)
	}

	totals := &Totals{}
	for _, id := range productIDs {
		pos, err := l.Position(ctx, id)
		if err != nil {
			return nil, err
		}
		totals.Positions = append(totals.Positions, *pos)
		totals.USDInvested += pos.USDInvested
		totals.RealizedPnL += pos.RealizedPnL
		totals.UnrealizedPnL += pos.UnrealizedPnL
	}
	return totals, nil
}

// Validate cross-checks total buy volume against known deposits. Buy
// volume beyond max(2×deposits, deposits+100) marks the data suspicious.
func (l *Ledger) Validate(ctx context.Context, knownDepositsUSD float64) (Verdict, error) {
	productIDs, err := l.trades.CompletedProductIDs(ctx)
	if err != nil {
		return VerdictSuspicious, fmt.Errorf("failed to list traded pairs: %w", err)
	}

	var totalBuysUSD float64
	for _, id := range productIDs {
		trades, err := l.trades.CompletedTradesByPair(ctx, id)
		if err != nil {
			return VerdictSuspicious, err
		}
		for _, t := range trades {
			if t.Side == db.TradeSideBuy {
				totalBuysUSD += t.SizeUSD
			}
		}
	}

	bound := 2 * knownDepositsUSD
	if alt := knownDepositsUSD + 100; alt > bound {
		bound = alt
	}

	if totalBuysUSD > bound {
		log.Warn().
			Float64("total_buys_usd", totalBuysUSD).
			Float64("bound", bound).
			Msg("Ledger data integrity check failed")
		return VerdictSuspicious, nil
	}
	return VerdictOK, nil
}
