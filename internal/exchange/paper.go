package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PaperClient simulates the exchange for TRADING_MODE=test. Orders are
// recorded without touching the real exchange and auto-fill after a
// configurable delay with simulated slippage and taker fees.
type PaperClient struct {
	fillDelay    time.Duration
	tickInterval time.Duration
	baseSlippage float64
	takerFee     float64

	mu       sync.RWMutex
	prices   map[string]float64
	balances map[string]float64
	orders   map[string]*paperOrder
}

type paperOrder struct {
	state    OrderState
	fillAt   time.Time
	product  string
	side     Side
	sizeUSD  float64
}

// NewPaperClient creates a paper exchange with seeded prices and balances
func NewPaperClient(fillDelay time.Duration) *PaperClient {
	log.Info().
		Dur("fill_delay", fillDelay).
		Msg("Paper exchange initialized (test trading mode)")

	return &PaperClient{
		fillDelay:    fillDelay,
		tickInterval: time.Second,
		baseSlippage: 0.0005,
		takerFee:     0.006,
		prices: map[string]float64{
			"BTC-USD": 42000,
			"ETH-USD": 2500,
			"SOL-USD": 95,
		},
		balances: map[string]float64{
			"USD": 10000,
		},
		orders: make(map[string]*paperOrder),
	}
}

// SetPrice overrides the simulated price for a pair (used by tests)
func (p *PaperClient) SetPrice(productID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[productID] = price
}

// SetBalance overrides a simulated balance (used by tests)
func (p *PaperClient) SetBalance(currency string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[currency] = amount
}

// ListProducts returns a catalog entry per simulated pair
func (p *PaperClient) ListProducts(ctx context.Context) ([]Product, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	products := make([]Product, 0, len(p.prices))
	for id := range p.prices {
		products = append(products, Product{
			ProductID:     id,
			BaseCurrency:  baseOf(id),
			QuoteCurrency: "USD",
			MinBaseSize:   0.00001,
			MinQuoteSize:  1,
		})
	}
	return products, nil
}

// GetCandles synthesizes a random walk ending at the current price
func (p *PaperClient) GetCandles(ctx context.Context, productID string, granularity Granularity, limit int) ([]Candle, error) {
	p.mu.RLock()
	price, ok := p.prices[productID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}

	step := time.Duration(granularity.Seconds()) * time.Second
	start := time.Now().Add(-time.Duration(limit) * step)

	candles := make([]Candle, 0, limit)
	walk := price
	for i := 0; i < limit; i++ {
		drift := walk * 0.002 * (rand.Float64() - 0.5)
		open := walk
		walk += drift
		high := open
		low := walk
		if walk > open {
			high, low = walk, open
		}
		candles = append(candles, Candle{
			Start:  start.Add(time.Duration(i) * step),
			Open:   open,
			High:   high * 1.0005,
			Low:    low * 0.9995,
			Close:  walk,
			Volume: 10 + rand.Float64()*90,
		})
	}
	// Anchor the last close on the live simulated price.
	candles[limit-1].Close = price
	return candles, nil
}

// GetTicker returns the simulated ticker
func (p *PaperClient) GetTicker(ctx context.Context, productID string) (*Ticker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	price, ok := p.prices[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	return &Ticker{ProductID: productID, Price: price, Timestamp: time.Now()}, nil
}

// ListBalances returns the simulated balances
func (p *PaperClient) ListBalances(ctx context.Context) ([]Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	balances := make([]Balance, 0, len(p.balances))
	for currency, available := range p.balances {
		balances = append(balances, Balance{
			Currency:  currency,
			Available: available,
			IsCash:    currency == "USD",
		})
	}
	return balances, nil
}

// PlaceMarketOrder records an order that auto-fills after the delay
func (p *PaperClient) PlaceMarketOrder(ctx context.Context, productID string, side Side, sizeUSD float64) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}

	// Slippage moves against the taker.
	fillPrice := price * (1 + p.baseSlippage)
	if side == SideSell {
		fillPrice = price * (1 - p.baseSlippage)
	}

	orderID := uuid.New().String()
	p.orders[orderID] = &paperOrder{
		state: OrderState{
			OrderID:     orderID,
			Status:      OrderStatusOpen,
			SizeInQuote: true,
		},
		fillAt:  time.Now().Add(p.fillDelay),
		product: productID,
		side:    side,
		sizeUSD: sizeUSD,
	}

	// Remember the fill economics for when the order matures.
	p.orders[orderID].state.FilledPrice = fillPrice

	log.Info().
		Str("order_id", orderID).
		Str("product_id", productID).
		Str("side", string(side)).
		Float64("size_usd", sizeUSD).
		Msg("Paper order placed")

	return &OrderAck{
		OrderID:       orderID,
		ExchangePrice: fillPrice,
		SizeInQuote:   true,
	}, nil
}

// GetOrderStatus returns the order state, filling matured orders
func (p *PaperClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}

	if order.state.Status == OrderStatusOpen && time.Now().After(order.fillAt) {
		p.fillLocked(order)
	}

	state := order.state
	return &state, nil
}

// fillLocked settles a matured order against the simulated balances
func (p *PaperClient) fillLocked(order *paperOrder) {
	fee := order.sizeUSD * p.takerFee
	order.state.Status = OrderStatusFilled
	order.state.FilledSize = order.sizeUSD
	order.state.CommissionUSD = fee

	base := baseOf(order.product)
	sizeCrypto := order.sizeUSD / order.state.FilledPrice
	if order.side == SideBuy {
		p.balances["USD"] -= order.sizeUSD + fee
		p.balances[base] += sizeCrypto
	} else {
		p.balances[base] -= sizeCrypto
		p.balances["USD"] += order.sizeUSD - fee
	}

	log.Debug().
		Str("order_id", order.state.OrderID).
		Float64("price", order.state.FilledPrice).
		Float64("fee", fee).
		Msg("Paper order filled")
}

// Stream emits synthetic tickers on a fixed interval until ctx ends
func (p *PaperClient) Stream(ctx context.Context, productIDs []string, onTicker func(Ticker), onUser func(UserUpdate)) error {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, id := range productIDs {
				p.mu.Lock()
				price, ok := p.prices[id]
				if ok {
					// Small random walk so evaluators see movement.
					price *= 1 + 0.001*(rand.Float64()-0.5)
					p.prices[id] = price
				}
				p.mu.Unlock()
				if ok {
					onTicker(Ticker{ProductID: id, Price: price, Timestamp: time.Now()})
				}
			}
		}
	}
}

// baseOf extracts the base currency from a pair like BTC-USD
func baseOf(productID string) string {
	for i := 0; i < len(productID); i++ {
		if productID[i] == '-' {
			return productID[:i]
		}
	}
	return productID
}
