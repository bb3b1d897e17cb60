package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CoinbaseClient speaks the Coinbase Advanced Trade REST and websocket
// protocol. Credentials are presented per request as an HMAC signature
// over timestamp, method, path and body.
type CoinbaseClient struct {
	restURL    string
	wsURL      string
	key        string
	secret     string
	httpClient *http.Client
}

// NewCoinbaseClient creates a wire client for the exchange
func NewCoinbaseClient(restURL, wsURL, key, secret string) *CoinbaseClient {
	return &CoinbaseClient{
		restURL: restURL,
		wsURL:   wsURL,
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// sign produces the request signature header value
func (c *CoinbaseClient) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest executes one signed REST call and maps HTTP failures onto
// the gateway error taxonomy
func (c *CoinbaseClient) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CB-ACCESS-KEY", c.key)
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("CB-ACCESS-SIGN", c.sign(timestamp, method, path, string(bodyBytes)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transientf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transientf("failed to read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		// fallthrough to decode
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, truncate(respBody))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return transientf("rate limited by exchange: %s", truncate(respBody))
	case resp.StatusCode >= 500:
		return transientf("exchange %d: %s", resp.StatusCode, truncate(respBody))
	default:
		return fmt.Errorf("exchange rejected request (%d): %s", resp.StatusCode, truncate(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// truncate bounds error payloads logged or wrapped into errors
func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// ListProducts returns the tradable product catalog
func (c *CoinbaseClient) ListProducts(ctx context.Context) ([]Product, error) {
	var resp struct {
		Products []struct {
			ProductID     string `json:"product_id"`
			BaseCurrency  string `json:"base_currency_id"`
			QuoteCurrency string `json:"quote_currency_id"`
			BaseMinSize   string `json:"base_min_size"`
			QuoteMinSize  string `json:"quote_min_size"`
		} `json:"products"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/brokerage/products", nil, &resp); err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(resp.Products))
	for _, p := range resp.Products {
		products = append(products, Product{
			ProductID:     p.ProductID,
			BaseCurrency:  p.BaseCurrency,
			QuoteCurrency: p.QuoteCurrency,
			MinBaseSize:   parseFloat(p.BaseMinSize),
			MinQuoteSize:  parseFloat(p.QuoteMinSize),
		})
	}
	return products, nil
}

// GetCandles fetches OHLCV buckets, oldest first
func (c *CoinbaseClient) GetCandles(ctx context.Context, productID string, granularity Granularity, limit int) ([]Candle, error) {
	end := time.Now()
	start := end.Add(-time.Duration(limit*granularity.Seconds()) * time.Second)
	path := fmt.Sprintf("/api/v3/brokerage/products/%s/candles?start=%d&end=%d&granularity=%s",
		productID, start.Unix(), end.Unix(), granularity)

	var resp struct {
		Candles []struct {
			Start  string `json:"start"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	// The exchange returns newest first; callers expect oldest first.
	candles := make([]Candle, 0, len(resp.Candles))
	for i := len(resp.Candles) - 1; i >= 0; i-- {
		raw := resp.Candles[i]
		startUnix, _ := strconv.ParseInt(raw.Start, 10, 64)
		candles = append(candles, Candle{
			Start:  time.Unix(startUnix, 0).UTC(),
			Open:   parseFloat(raw.Open),
			High:   parseFloat(raw.High),
			Low:    parseFloat(raw.Low),
			Close:  parseFloat(raw.Close),
			Volume: parseFloat(raw.Volume),
		})
	}
	return candles, nil
}

// GetTicker fetches the REST ticker for one product
func (c *CoinbaseClient) GetTicker(ctx context.Context, productID string) (*Ticker, error) {
	path := fmt.Sprintf("/api/v3/brokerage/products/%s/ticker?limit=1", productID)

	var resp struct {
		Trades []struct {
			Price string    `json:"price"`
			Time  time.Time `json:"time"`
		} `json:"trades"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Trades) == 0 {
		return nil, fmt.Errorf("%w: no ticker trades for %s", ErrNotFound, productID)
	}

	return &Ticker{
		ProductID: productID,
		Price:     parseFloat(resp.Trades[0].Price),
		Timestamp: resp.Trades[0].Time,
	}, nil
}

// ListBalances returns per-currency balances. Crypto rows come from the
// accounts endpoint; fiat is only exposed through the portfolio
// breakdown, so both are fetched and translated into the uniform shape.
func (c *CoinbaseClient) ListBalances(ctx context.Context) ([]Balance, error) {
	var accountsResp struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			Type             string `json:"type"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
		} `json:"accounts"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/brokerage/accounts?limit=250", nil, &accountsResp); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(accountsResp.Accounts))
	seenCash := false
	for _, a := range accountsResp.Accounts {
		isCash := a.Type == "ACCOUNT_TYPE_FIAT"
		seenCash = seenCash || isCash
		balances = append(balances, Balance{
			Currency:  a.Currency,
			Available: parseFloat(a.AvailableBalance.Value),
			IsCash:    isCash,
		})
	}

	// Some API key scopes omit fiat accounts; the portfolio breakdown
	// always carries the cash row.
	if !seenCash {
		cash, err := c.portfolioCash(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Portfolio breakdown unavailable, fiat balance missing")
		} else {
			balances = append(balances, cash)
		}
	}

	return balances, nil
}

// portfolioCash translates the portfolio breakdown into a cash balance row
func (c *CoinbaseClient) portfolioCash(ctx context.Context) (Balance, error) {
	var listResp struct {
		Portfolios []struct {
			UUID string `json:"uuid"`
			Type string `json:"type"`
		} `json:"portfolios"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/brokerage/portfolios", nil, &listResp); err != nil {
		return Balance{}, err
	}
	if len(listResp.Portfolios) == 0 {
		return Balance{}, fmt.Errorf("%w: no portfolios", ErrNotFound)
	}

	path := fmt.Sprintf("/api/v3/brokerage/portfolios/%s", listResp.Portfolios[0].UUID)
	var breakdown struct {
		Breakdown struct {
			PortfolioBalances struct {
				TotalCashEquivalentBalance struct {
					Value    string `json:"value"`
					Currency string `json:"currency"`
				} `json:"total_cash_equivalent_balance"`
			} `json:"portfolio_balances"`
		} `json:"breakdown"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &breakdown); err != nil {
		return Balance{}, err
	}

	cash := breakdown.Breakdown.PortfolioBalances.TotalCashEquivalentBalance
	currency := cash.Currency
	if currency == "" {
		currency = "USD"
	}
	return Balance{
		Currency:  currency,
		Available: parseFloat(cash.Value),
		IsCash:    true,
	}, nil
}

// PlaceMarketOrder submits a market order sized in quote currency
func (c *CoinbaseClient) PlaceMarketOrder(ctx context.Context, productID string, side Side, sizeUSD float64) (*OrderAck, error) {
	body := map[string]interface{}{
		"client_order_id": uuid.New().String(),
		"product_id":      productID,
		"side":            string(side),
		"order_configuration": map[string]interface{}{
			"market_market_ioc": map[string]string{
				"quote_size": strconv.FormatFloat(sizeUSD, 'f', 2, 64),
			},
		},
	}

	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error        string `json:"error"`
			ErrorDetails string `json:"error_details"`
		} `json:"error_response"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v3/brokerage/orders", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("order rejected: %s (%s)",
			resp.ErrorResponse.Error, resp.ErrorResponse.ErrorDetails)
	}

	log.Info().
		Str("order_id", resp.SuccessResponse.OrderID).
		Str("product_id", productID).
		Str("side", string(side)).
		Float64("size_usd", sizeUSD).
		Msg("Market order placed")

	return &OrderAck{
		OrderID:     resp.SuccessResponse.OrderID,
		SizeInQuote: true,
	}, nil
}

// GetOrderStatus returns the reconciled status of an order
func (c *CoinbaseClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	path := fmt.Sprintf("/api/v3/brokerage/orders/historical/%s", orderID)

	var resp struct {
		Order struct {
			OrderID          string `json:"order_id"`
			Status           string `json:"status"`
			FilledSize       string `json:"filled_size"`
			AverageFillPrice string `json:"average_filled_price"`
			TotalFees        string `json:"total_fees"`
			SizeInQuote      bool   `json:"size_in_quote"`
			FilledValue      string `json:"filled_value"`
		} `json:"order"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	state := &OrderState{
		OrderID:       resp.Order.OrderID,
		Status:        mapOrderStatus(resp.Order.Status),
		FilledSize:    parseFloat(resp.Order.FilledSize),
		FilledPrice:   parseFloat(resp.Order.AverageFillPrice),
		CommissionUSD: parseFloat(resp.Order.TotalFees),
		SizeInQuote:   resp.Order.SizeInQuote,
	}

	// When the exchange reports fills in quote terms the filled_value
	// carries the authoritative USD amount.
	if state.SizeInQuote && resp.Order.FilledValue != "" {
		state.FilledSize = parseFloat(resp.Order.FilledValue)
	}

	return state, nil
}

// mapOrderStatus maps exchange status strings onto the gateway enum
func mapOrderStatus(s string) OrderStatus {
	switch s {
	case "FILLED":
		return OrderStatusFilled
	case "CANCELLED", "CANCEL_QUEUED":
		return OrderStatusCancelled
	case "EXPIRED", "FAILED":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}

// parseFloat parses exchange decimal strings, tolerating blanks
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
