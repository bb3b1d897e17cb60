package exchange

import "time"

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus represents the exchange-side state of an order
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the exchange will not change this status again
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Granularity is a candle bucket size
type Granularity string

const (
	GranularityOneMinute     Granularity = "ONE_MINUTE"
	GranularityFiveMinute    Granularity = "FIVE_MINUTE"
	GranularityFifteenMinute Granularity = "FIFTEEN_MINUTE"
	GranularityOneHour       Granularity = "ONE_HOUR"
	GranularitySixHour       Granularity = "SIX_HOUR"
	GranularityOneDay        Granularity = "ONE_DAY"
)

// Seconds returns the bucket width in seconds
func (g Granularity) Seconds() int {
	switch g {
	case GranularityOneMinute:
		return 60
	case GranularityFiveMinute:
		return 300
	case GranularityFifteenMinute:
		return 900
	case GranularityOneHour:
		return 3600
	case GranularitySixHour:
		return 21600
	case GranularityOneDay:
		return 86400
	default:
		return 60
	}
}

// Ticker is the last-known price snapshot for a pair
type Ticker struct {
	ProductID string    `json:"product_id"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bucket
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Product describes a tradable pair and its exchange minimums
type Product struct {
	ProductID     string  `json:"product_id"`
	BaseCurrency  string  `json:"base_currency"`
	QuoteCurrency string  `json:"quote_currency"`
	MinBaseSize   float64 `json:"min_base_size"`
	MinQuoteSize  float64 `json:"min_quote_size"`
}

// Balance is a uniform per-currency balance record. Fiat rows coming
// from the exchange's portfolio breakdown are translated into the same
// shape with IsCash set.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	IsCash    bool    `json:"is_cash"`
}

// OrderAck is the exchange acknowledgment of a placed market order
type OrderAck struct {
	OrderID       string  `json:"order_id"`
	ExchangeSize  float64 `json:"exchange_size"`
	ExchangePrice float64 `json:"exchange_price"`
	SizeInQuote   bool    `json:"size_in_quote"`
}

// OrderState is the reconciled status of an order. FilledSize is
// denominated per SizeInQuote; use NormalizeFill before bookkeeping.
type OrderState struct {
	OrderID       string      `json:"order_id"`
	Status        OrderStatus `json:"status"`
	FilledSize    float64     `json:"filled_size"`
	FilledPrice   float64     `json:"filled_price"`
	CommissionUSD float64     `json:"commission_usd"`
	SizeInQuote   bool        `json:"size_in_quote"`
}

// Fill is the normalized economics of a completed order. SizeUSD is the
// USD value actually transacted; SizeCrypto the base amount. Neither is
// ever recomputed from the other downstream.
type Fill struct {
	SizeUSD       float64
	SizeCrypto    float64
	Price         float64
	CommissionUSD float64
}

// NormalizeFill resolves the size_in_quote ambiguity exactly once.
// When the exchange reports size in quote currency, that size IS the
// USD value; otherwise the size is the base amount.
func NormalizeFill(state *OrderState) Fill {
	if state.SizeInQuote {
		sizeUSD := state.FilledSize
		var sizeCrypto float64
		if state.FilledPrice > 0 {
			sizeCrypto = sizeUSD / state.FilledPrice
		}
		return Fill{
			SizeUSD:       sizeUSD,
			SizeCrypto:    sizeCrypto,
			Price:         state.FilledPrice,
			CommissionUSD: state.CommissionUSD,
		}
	}
	return Fill{
		SizeUSD:       state.FilledSize * state.FilledPrice,
		SizeCrypto:    state.FilledSize,
		Price:         state.FilledPrice,
		CommissionUSD: state.CommissionUSD,
	}
}

// UserUpdate is a user-channel snapshot (order status or balances)
type UserUpdate struct {
	Order    *OrderState `json:"order,omitempty"`
	Balances []Balance   `json:"balances,omitempty"`
}
