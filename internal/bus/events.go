package bus

import "time"

// TradeStatusEvent announces a trade record creation or status change.
// The evaluator consumes these to reset its confirmation window; the
// control API relays them to subscribers.
type TradeStatusEvent struct {
	TradeID     string    `json:"trade_id"`
	OrderID     string    `json:"order_id,omitempty"`
	TriggeredBy string    `json:"triggered_by"`
	ProductID   string    `json:"product_id"`
	Side        string    `json:"side"`
	Status      string    `json:"status"`
	SizeUSD     float64   `json:"size_usd"`
	Timestamp   time.Time `json:"timestamp"`
}

// StaleOrderAlert flags a pending trade whose age exceeds the alert
// threshold; it surfaces systemic sync problems.
type StaleOrderAlert struct {
	TradeID   string        `json:"trade_id"`
	OrderID   string        `json:"order_id,omitempty"`
	ProductID string        `json:"product_id"`
	Age       time.Duration `json:"age"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncIssueReport is emitted when the sweeper closes an order the
// monitor should have caught or meets a pending trade without an order
// id, when placement fails post-validation, or when a placed order
// cannot be recorded.
type SyncIssueReport struct {
	Kind      string    `json:"kind"` // "sweeper_closed", "execution_failed", "record_failed"
	TradeID   string    `json:"trade_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}
