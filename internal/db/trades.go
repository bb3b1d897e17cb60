package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// InsertTrade persists a new trade record. A duplicate order_id fails
// loudly with ErrDuplicateOrderID.
func (db *DB) InsertTrade(ctx context.Context, trade *Trade) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}

	var contextJSON []byte
	if trade.SignalContext != nil {
		var err error
		contextJSON, err = json.Marshal(trade.SignalContext)
		if err != nil {
			return fmt.Errorf("failed to marshal signal context: %w", err)
		}
	}

	query := `
		INSERT INTO trades (
			id, order_id, triggered_by, product_id, side, size_usd,
			size_crypto, price, commission_usd, status, created_at,
			filled_at, signal_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := db.pool.Exec(ctx, query,
		trade.ID, trade.OrderID, trade.TriggeredBy, trade.ProductID,
		trade.Side, trade.SizeUSD, trade.SizeCrypto, trade.Price,
		trade.CommissionUSD, trade.Status, trade.CreatedAt,
		trade.FilledAt, contextJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicateOrderID, trade.OrderID)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	log.Debug().
		Str("trade_id", trade.ID.String()).
		Str("product_id", trade.ProductID).
		Str("side", string(trade.Side)).
		Str("status", string(trade.Status)).
		Float64("size_usd", trade.SizeUSD).
		Msg("Trade inserted")

	return nil
}

// TradeFill carries the exchange-confirmed economics applied on a
// terminal transition to completed
type TradeFill struct {
	SizeUSD       float64
	SizeCrypto    float64
	Price         float64
	CommissionUSD float64
	FilledAt      time.Time
}

// TransitionTradeStatus moves a pending trade to a terminal status inside
// a serializable critical section. The current row is locked and its
// status re-checked; a non-pending current status fails with
// ErrStatusConflict so double fills cannot race.
func (db *DB) TransitionTradeStatus(ctx context.Context, tradeID uuid.UUID, to TradeStatus, fill *TradeFill) error {
	if !to.Terminal() {
		return fmt.Errorf("transition target must be terminal, got %q", to)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current TradeStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM trades WHERE id = $1 FOR UPDATE`, tradeID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock trade row: %w", err)
	}

	if current != TradeStatusPending {
		return fmt.Errorf("%w: trade %s is %s", ErrStatusConflict, tradeID, current)
	}

	if to == TradeStatusCompleted {
		if fill == nil {
			return fmt.Errorf("completed transition requires fill data")
		}
		_, err = tx.Exec(ctx, `
			UPDATE trades SET
				status = $1, size_usd = $2, size_crypto = $3, price = $4,
				commission_usd = $5, filled_at = $6
			WHERE id = $7
		`, to, fill.SizeUSD, fill.SizeCrypto, fill.Price, fill.CommissionUSD, fill.FilledAt, tradeID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE trades SET status = $1 WHERE id = $2`, to, tradeID)
	}
	if err != nil {
		return fmt.Errorf("failed to update trade status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit status transition: %w", err)
	}

	log.Info().
		Str("trade_id", tradeID.String()).
		Str("status", string(to)).
		Msg("Trade status transitioned")

	return nil
}

// GetTrade retrieves a trade by id
func (db *DB) GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error) {
	query := tradeSelectColumns + ` FROM trades WHERE id = $1`
	return scanTrade(db.pool.QueryRow(ctx, query, id))
}

// GetTradeByOrderID retrieves a trade by its exchange order id
func (db *DB) GetTradeByOrderID(ctx context.Context, orderID string) (*Trade, error) {
	query := tradeSelectColumns + ` FROM trades WHERE order_id = $1`
	return scanTrade(db.pool.QueryRow(ctx, query, orderID))
}

// ListTrades returns trades matching the filter, newest first
func (db *DB) ListTrades(ctx context.Context, filter TradeFilter) ([]*Trade, error) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.TriggeredBy != "" {
		add("triggered_by = $%d", filter.TriggeredBy)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until)
	}

	query := tradeSelectColumns + ` FROM trades`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// PendingTradeCount returns the number of pending trades attributed to
// the given trigger. The executor invariant keeps this at 0 or 1 per bot.
func (db *DB) PendingTradeCount(ctx context.Context, triggeredBy string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE triggered_by = $1 AND status = 'pending'`,
		triggeredBy).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending trades: %w", err)
	}
	return count, nil
}

// ListPendingTradesOlderThan returns pending trades created before the cutoff
func (db *DB) ListPendingTradesOlderThan(ctx context.Context, cutoff time.Time) ([]*Trade, error) {
	query := tradeSelectColumns + `
		FROM trades WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// LastCompletedTrade returns the newest completed trade for a trigger,
// ordered by fill time. ErrNotFound when the trigger has never traded.
func (db *DB) LastCompletedTrade(ctx context.Context, triggeredBy string) (*Trade, error) {
	query := tradeSelectColumns + `
		FROM trades
		WHERE triggered_by = $1 AND status = 'completed'
		ORDER BY filled_at DESC LIMIT 1`
	return scanTrade(db.pool.QueryRow(ctx, query, triggeredBy))
}

// CompletedTradesByPair returns completed trades for a pair in fill order.
// This is the ledger's input sequence.
func (db *DB) CompletedTradesByPair(ctx context.Context, productID string) ([]*Trade, error) {
	query := tradeSelectColumns + `
		FROM trades
		WHERE product_id = $1 AND status = 'completed'
		ORDER BY filled_at`

	rows, err := db.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// CompletedProductIDs returns the distinct pairs that have completed trades
func (db *DB) CompletedProductIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT product_id FROM trades WHERE status = 'completed' ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list product ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DailyTradeStats returns the count of trades created at or after since.
// Realized losses are not computed here.
func (db *DB) DailyTradeStats(ctx context.Context, since time.Time) (count int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count daily trades: %w", err)
	}
	return count, nil
}

const tradeSelectColumns = `
	SELECT id, order_id, triggered_by, product_id, side, size_usd,
		size_crypto, price, commission_usd, status, created_at,
		filled_at, signal_context`

// scanTrade scans one trade row
func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	var contextJSON []byte

	err := row.Scan(
		&t.ID, &t.OrderID, &t.TriggeredBy, &t.ProductID, &t.Side,
		&t.SizeUSD, &t.SizeCrypto, &t.Price, &t.CommissionUSD,
		&t.Status, &t.CreatedAt, &t.FilledAt, &contextJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &t.SignalContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal context: %w", err)
		}
	}

	return &t, nil
}

// collectTrades drains rows into a slice
func collectTrades(rows pgx.Rows) ([]*Trade, error) {
	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
