package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/coinpilot/coinpilot/internal/risk"
)

// Publisher is the event-bus surface the gateway needs. Satisfied by
// bus.Bus; kept as an interface so the dependency is one-way.
type Publisher interface {
	Publish(topic string, payload interface{}) error
}

// GatewayConfig carries the freshness and rate budgets
type GatewayConfig struct {
	TickerTTL    time.Duration
	MaxStaleness time.Duration
	AccountsTTL  time.Duration
	RateLimitRPS float64
	RateBurst    int
}

// Gateway fronts every interaction with the exchange: the streaming
// receiver, REST fallbacks with single-flight coalescing, rate limiting
// and the circuit breaker.
type Gateway struct {
	client   Client
	pub      Publisher
	breakers *risk.CircuitBreakerManager
	limiter  *rate.Limiter
	retry    RetryConfig
	cfg      GatewayConfig

	mu             sync.RWMutex
	streamedTicker map[string]Ticker
	restTicker     map[string]Ticker
	balances       []Balance
	balancesAt     time.Time
	products       map[string]Product

	sf singleflight.Group

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// NewGateway creates the exchange gateway
func NewGateway(client Client, pub Publisher, breakers *risk.CircuitBreakerManager, cfg GatewayConfig) *Gateway {
	return &Gateway{
		client:         client,
		pub:            pub,
		breakers:       breakers,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst),
		retry:          DefaultRetryConfig(),
		cfg:            cfg,
		streamedTicker: make(map[string]Ticker),
		restTicker:     make(map[string]Ticker),
		products:       make(map[string]Product),
	}
}

// call runs one REST operation through the rate limiter, circuit
// breaker and retry budget
func (g *Gateway) call(ctx context.Context, op func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	err := WithRetry(ctx, g.retry, func() error {
		_, err := g.breakers.Exchange().Execute(func() (interface{}, error) {
			return nil, op()
		})
		return err
	})
	g.breakers.RecordRequest("exchange", err == nil)
	return err
}

// StartStreaming subscribes to the ticker and user channels for the
// given pairs. Idempotent: a live stream is left alone.
func (g *Gateway) StartStreaming(ctx context.Context, pairs []string) error {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()

	if g.streamCancel != nil {
		return nil
	}

	if err := g.loadProducts(ctx); err != nil {
		log.Warn().Err(err).Msg("Product catalog unavailable at stream start")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	g.streamCancel = cancel
	g.streamDone = make(chan struct{})

	go func() {
		defer close(g.streamDone)
		err := g.client.Stream(streamCtx, pairs, g.onTicker, g.onUser)
		if streamCtx.Err() == nil {
			log.Error().Err(err).Msg("Stream receiver exited unexpectedly")
		}
	}()

	log.Info().Strs("pairs", pairs).Msg("Streaming started")
	return nil
}

// StopStreaming tears down the subscription and waits for the receiver
func (g *Gateway) StopStreaming() {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()

	if g.streamCancel == nil {
		return
	}
	g.streamCancel()
	<-g.streamDone
	g.streamCancel = nil
	g.streamDone = nil

	log.Info().Msg("Streaming stopped")
}

// onTicker updates the streamed cache and fans the tick out on the bus
func (g *Gateway) onTicker(t Ticker) {
	g.mu.Lock()
	g.streamedTicker[t.ProductID] = t
	g.mu.Unlock()

	if g.pub != nil {
		if err := g.pub.Publish("ticker."+t.ProductID, t); err != nil {
			log.Debug().Err(err).Str("product_id", t.ProductID).Msg("Ticker publish failed")
		}
	}
}

// onUser refreshes the balance snapshot and surfaces order updates
func (g *Gateway) onUser(u UserUpdate) {
	if u.Balances != nil {
		g.mu.Lock()
		g.balances = u.Balances
		g.balancesAt = time.Now()
		g.mu.Unlock()
	}
	if u.Order != nil && g.pub != nil {
		if err := g.pub.Publish("pending_order", u.Order); err != nil {
			log.Debug().Err(err).Str("order_id", u.Order.OrderID).Msg("Order update publish failed")
		}
	}
}

// loadProducts fetches the product catalog for minimum lot sizes
func (g *Gateway) loadProducts(ctx context.Context) error {
	var products []Product
	err := g.call(ctx, func() error {
		var err error
		products, err = g.client.ListProducts(ctx)
		return err
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	for _, p := range products {
		g.products[p.ProductID] = p
	}
	g.mu.Unlock()
	return nil
}

// Product returns catalog data for a pair
func (g *Gateway) Product(ctx context.Context, productID string) (Product, error) {
	g.mu.RLock()
	p, ok := g.products[productID]
	g.mu.RUnlock()
	if ok {
		return p, nil
	}

	if err := g.loadProducts(ctx); err != nil {
		return Product{}, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok = g.products[productID]
	if !ok {
		return Product{}, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	return p, nil
}

// GetTicker returns the freshest known ticker for a pair. The streamed
// value wins while younger than TickerTTL; otherwise one coalesced REST
// fetch runs, and if that fails a cached value within MaxStaleness is
// still served. Older than that is ErrStaleTicker.
func (g *Gateway) GetTicker(ctx context.Context, productID string) (*Ticker, error) {
	now := time.Now()

	g.mu.RLock()
	streamed, hasStreamed := g.streamedTicker[productID]
	g.mu.RUnlock()

	if hasStreamed && now.Sub(streamed.Timestamp) <= g.cfg.TickerTTL {
		t := streamed
		return &t, nil
	}

	result, err, _ := g.sf.Do("ticker:"+productID, func() (interface{}, error) {
		var t *Ticker
		callErr := g.call(ctx, func() error {
			var err error
			t, err = g.client.GetTicker(ctx, productID)
			return err
		})
		if callErr != nil {
			return nil, callErr
		}
		g.mu.Lock()
		g.restTicker[productID] = *t
		g.mu.Unlock()
		return t, nil
	})
	if err == nil {
		return result.(*Ticker), nil
	}

	// REST failed; fall back to whichever cached value is freshest.
	g.mu.RLock()
	rest, hasRest := g.restTicker[productID]
	g.mu.RUnlock()

	best := streamed
	has := hasStreamed
	if hasRest && (!has || rest.Timestamp.After(best.Timestamp)) {
		best = rest
		has = true
	}
	if has && now.Sub(best.Timestamp) <= g.cfg.MaxStaleness {
		t := best
		log.Debug().
			Str("product_id", productID).
			Dur("age", now.Sub(best.Timestamp)).
			Msg("Serving stale ticker after REST failure")
		return &t, nil
	}

	return nil, fmt.Errorf("%w: %s (rest: %v)", ErrStaleTicker, productID, err)
}

// GetCandles fetches OHLCV data over REST. Intended to be called
// through the market data cache.
func (g *Gateway) GetCandles(ctx context.Context, productID string, granularity Granularity, limit int) ([]Candle, error) {
	var candles []Candle
	err := g.call(ctx, func() error {
		var err error
		candles, err = g.client.GetCandles(ctx, productID, granularity, limit)
		return err
	})
	return candles, err
}

// GetAccounts returns per-currency balances, preferring the streamed
// user-channel snapshot and falling back to REST with a short cache
func (g *Gateway) GetAccounts(ctx context.Context) ([]Balance, error) {
	g.mu.RLock()
	cached := g.balances
	age := time.Since(g.balancesAt)
	g.mu.RUnlock()

	if cached != nil && age <= g.cfg.AccountsTTL {
		return cached, nil
	}

	result, err, _ := g.sf.Do("accounts", func() (interface{}, error) {
		var balances []Balance
		callErr := g.call(ctx, func() error {
			var err error
			balances, err = g.client.ListBalances(ctx)
			return err
		})
		if callErr != nil {
			return nil, callErr
		}
		g.mu.Lock()
		g.balances = balances
		g.balancesAt = time.Now()
		g.mu.Unlock()
		return balances, nil
	})
	if err != nil {
		if cached != nil {
			log.Debug().Err(err).Msg("Serving cached balances after REST failure")
			return cached, nil
		}
		return nil, err
	}
	return result.([]Balance), nil
}

// AvailableBalance returns the available amount of one currency
func (g *Gateway) AvailableBalance(ctx context.Context, currency string) (float64, error) {
	balances, err := g.GetAccounts(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Currency == currency {
			return b.Available, nil
		}
	}
	return 0, nil
}

// PlaceMarketOrder submits a market order sized in quote currency.
// Placement is never retried: a transient error after the exchange may
// have accepted the order must surface to the executor, not repeat.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, productID string, side Side, sizeUSD float64) (*OrderAck, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	var ack *OrderAck
	_, err := g.breakers.Exchange().Execute(func() (interface{}, error) {
		var err error
		ack, err = g.client.PlaceMarketOrder(ctx, productID, side, sizeUSD)
		return nil, err
	})
	g.breakers.RecordRequest("exchange", err == nil)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// GetOrderStatus returns the reconciled exchange status of an order
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	var state *OrderState
	err := g.call(ctx, func() error {
		var err error
		state, err = g.client.GetOrderStatus(ctx, orderID)
		return err
	})
	return state, err
}

// Health verifies the exchange is reachable
func (g *Gateway) Health(ctx context.Context) error {
	_, err := g.GetAccounts(ctx)
	return err
}
