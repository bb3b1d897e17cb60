package db

import (
	"time"

	"github.com/google/uuid"
)

// BotState represents the lifecycle state of a bot
type BotState string

const (
	BotStateRunning BotState = "RUNNING"
	BotStateStopped BotState = "STOPPED"
	BotStateError   BotState = "ERROR"
)

// SignalKind identifies a configured signal
type SignalKind string

const (
	SignalKindRSI  SignalKind = "RSI"
	SignalKindMA   SignalKind = "MA"
	SignalKindMACD SignalKind = "MACD"
)

// SignalSettings configures one signal for a bot
type SignalSettings struct {
	Enabled bool               `json:"enabled"`
	Weight  float64            `json:"weight"`
	Params  map[string]float64 `json:"params"`
}

// SignalConfig maps signal kinds to their settings
type SignalConfig map[SignalKind]SignalSettings

// EnabledWeightSum returns the sum of weights over enabled signals
func (c SignalConfig) EnabledWeightSum() float64 {
	var sum float64
	for _, s := range c {
		if s.Enabled {
			sum += s.Weight
		}
	}
	return sum
}

// Bot is a configured decision engine for one trading pair
type Bot struct {
	ID                  uuid.UUID    `json:"id"`
	Name                string       `json:"name"`
	Pair                string       `json:"pair"`
	State               BotState     `json:"state"`
	SignalConfig        SignalConfig `json:"signal_config"`
	ConfirmationSeconds int          `json:"confirmation_seconds"`
	CooldownSeconds     int          `json:"cooldown_seconds"`
	PositionSizeUSD     float64      `json:"position_size_usd"`
	BuyThreshold        *float64     `json:"buy_threshold,omitempty"`  // nil = system default
	SellThreshold       *float64     `json:"sell_threshold,omitempty"` // nil = system default
	SkipOnLowBalance    bool         `json:"skip_on_low_balance"`

	// Transient evaluation state, persisted so a restart resumes the
	// confirmation window. Nil ConfirmationStartAt means IDLE.
	ConfirmationStartAt *time.Time `json:"confirmation_start_at,omitempty"`
	ConfirmingAction    *string    `json:"confirming_action,omitempty"`
	LastCombinedScore   *float64   `json:"last_combined_score,omitempty"`
	LastEvaluatedAt     *time.Time `json:"last_evaluated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggeredBy returns the attribution string recorded on trades this bot places
func (b *Bot) TriggeredBy() string {
	return "bot:" + b.ID.String()
}

// TradeSide represents buy or sell
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeStatus represents the lifecycle status of a trade record
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusFailed    TradeStatus = "failed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusFailed || s == TradeStatusCancelled
}

// Trade is an immutable record of an attempted or executed order.
// SizeUSD is the USD value actually transacted as confirmed by the
// exchange; it is never recomputed from size and price.
type Trade struct {
	ID            uuid.UUID              `json:"id"`
	OrderID       *string                `json:"order_id,omitempty"`
	TriggeredBy   string                 `json:"triggered_by"`
	ProductID     string                 `json:"product_id"`
	Side          TradeSide              `json:"side"`
	SizeUSD       float64                `json:"size_usd"`
	SizeCrypto    float64                `json:"size_crypto"`
	Price         float64                `json:"price"`
	CommissionUSD float64                `json:"commission_usd"`
	Status        TradeStatus            `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	FilledAt      *time.Time             `json:"filled_at,omitempty"`
	SignalContext map[string]interface{} `json:"signal_context,omitempty"`
}

// SignalEvaluation is a historical record of one evaluation pass for a bot
type SignalEvaluation struct {
	ID                 uuid.UUID          `json:"id"`
	BotID              uuid.UUID          `json:"bot_id"`
	EvaluatedAt        time.Time          `json:"evaluated_at"`
	Scores             map[string]float64 `json:"scores"`
	Weights            map[string]float64 `json:"weights"`
	CombinedScore      float64            `json:"combined_score"`
	Action             string             `json:"action"`
	Temperature        string             `json:"temperature"`
	ConfirmationActive bool               `json:"confirmation_active"`
	Progress           float64            `json:"progress"`
}

// TradeFilter selects trades by semantic attributes; zero values are
// ignored. The store never leaks its schema to callers.
type TradeFilter struct {
	TriggeredBy string
	ProductID   string
	Status      TradeStatus
	Since       time.Time
	Until       time.Time
	Limit       int
}
