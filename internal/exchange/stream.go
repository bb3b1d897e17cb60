package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	streamInitialBackoff = 1 * time.Second
	streamMaxBackoff     = 30 * time.Second
	streamStableAfter    = 60 * time.Second
)

// Stream runs the websocket receiver until ctx is cancelled. It
// subscribes to the ticker and user channels for the given products and
// reconnects with bounded exponential backoff; the backoff resets after
// a connection survives streamStableAfter.
func (c *CoinbaseClient) Stream(ctx context.Context, productIDs []string, onTicker func(Ticker), onUser func(UserUpdate)) error {
	backoff := streamInitialBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connectedAt := time.Now()
		err := c.streamOnce(ctx, productIDs, onTicker, onUser)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) >= streamStableAfter {
			backoff = streamInitialBackoff
		}

		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

// streamOnce dials, subscribes and pumps messages until the connection drops
func (c *CoinbaseClient) streamOnce(ctx context.Context, productIDs []string, onTicker func(Ticker), onUser func(UserUpdate)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return transientf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	// Close the socket when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for _, channel := range []string{"ticker", "user"} {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		sub := map[string]interface{}{
			"type":        "subscribe",
			"channel":     channel,
			"product_ids": productIDs,
			"api_key":     c.key,
			"timestamp":   timestamp,
			"signature":   c.sign(timestamp, channel, joinIDs(productIDs), ""),
		}
		if err := conn.WriteJSON(sub); err != nil {
			return transientf("subscribe failed: %v", err)
		}
	}

	log.Info().
		Strs("product_ids", productIDs).
		Msg("Stream subscribed")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return transientf("websocket read failed: %v", err)
		}
		c.dispatchStreamMessage(data, onTicker, onUser)
	}
}

// streamMessage is the envelope shared by all stream channels
type streamMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
		} `json:"tickers"`
		Orders []struct {
			OrderID          string `json:"order_id"`
			Status           string `json:"status"`
			CumulativeQty    string `json:"cumulative_quantity"`
			AvgPrice         string `json:"avg_price"`
			TotalFees        string `json:"total_fees"`
			SizeInQuote      bool   `json:"size_in_quote"`
			FilledValue      string `json:"filled_value"`
		} `json:"orders"`
		Balances []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
			Type      string `json:"type"`
		} `json:"balances"`
	} `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

// dispatchStreamMessage parses one frame and invokes the callbacks
func (c *CoinbaseClient) dispatchStreamMessage(data []byte, onTicker func(Ticker), onUser func(UserUpdate)) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("Unparseable stream frame, skipping")
		return
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch msg.Channel {
	case "ticker":
		for _, event := range msg.Events {
			for _, t := range event.Tickers {
				onTicker(Ticker{
					ProductID: t.ProductID,
					Price:     parseFloat(t.Price),
					Timestamp: ts,
				})
			}
		}
	case "user":
		for _, event := range msg.Events {
			update := UserUpdate{}
			for _, o := range event.Orders {
				state := &OrderState{
					OrderID:       o.OrderID,
					Status:        mapOrderStatus(o.Status),
					FilledSize:    parseFloat(o.CumulativeQty),
					FilledPrice:   parseFloat(o.AvgPrice),
					CommissionUSD: parseFloat(o.TotalFees),
					SizeInQuote:   o.SizeInQuote,
				}
				if state.SizeInQuote && o.FilledValue != "" {
					state.FilledSize = parseFloat(o.FilledValue)
				}
				update.Order = state
			}
			for _, b := range event.Balances {
				update.Balances = append(update.Balances, Balance{
					Currency:  b.Currency,
					Available: parseFloat(b.Available),
					IsCash:    b.Type == "fiat",
				})
			}
			if update.Order != nil || update.Balances != nil {
				onUser(update)
			}
		}
	}
}

// joinIDs joins product ids for the subscribe signature payload
func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
