package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// BotPatch describes a partial bot config update. Nil fields are left
// untouched. Changing SignalConfig, BuyThreshold or SellThreshold resets
// the confirmation window atomically with the update.
type BotPatch struct {
	Name                *string
	SignalConfig        *SignalConfig
	ConfirmationSeconds *int
	CooldownSeconds     *int
	PositionSizeUSD     *float64
	BuyThreshold        *float64
	SellThreshold       *float64
	SkipOnLowBalance    *bool
}

// resetsConfirmation reports whether applying the patch must clear
// in-flight confirmation state
func (p *BotPatch) resetsConfirmation() bool {
	return p.SignalConfig != nil || p.BuyThreshold != nil || p.SellThreshold != nil
}

// CreateBot persists a new bot, assigning bot.ID when it is unset
func (db *DB) CreateBot(ctx context.Context, bot *Bot) error {
	if bot.ID == uuid.Nil {
		bot.ID = uuid.New()
	}
	if bot.State == "" {
		bot.State = BotStateStopped
	}
	now := time.Now()
	bot.CreatedAt = now
	bot.UpdatedAt = now

	configJSON, err := json.Marshal(bot.SignalConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal config: %w", err)
	}

	query := `
		INSERT INTO bots (
			id, name, pair, state, signal_config, confirmation_seconds,
			cooldown_seconds, position_size_usd, buy_threshold, sell_threshold,
			skip_on_low_balance, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = db.pool.Exec(ctx, query,
		bot.ID, bot.Name, bot.Pair, bot.State, configJSON,
		bot.ConfirmationSeconds, bot.CooldownSeconds, bot.PositionSizeUSD,
		bot.BuyThreshold, bot.SellThreshold, bot.SkipOnLowBalance,
		bot.CreatedAt, bot.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s / %s", ErrDuplicateBot, bot.Name, bot.Pair)
		}
		return fmt.Errorf("failed to insert bot: %w", err)
	}

	log.Info().
		Str("bot_id", bot.ID.String()).
		Str("name", bot.Name).
		Str("pair", bot.Pair).
		Msg("Bot created")

	return nil
}

// GetBot retrieves a bot by id
func (db *DB) GetBot(ctx context.Context, id uuid.UUID) (*Bot, error) {
	query := botSelectColumns + ` FROM bots WHERE id = $1`
	return db.scanBot(db.pool.QueryRow(ctx, query, id))
}

// ListBots returns all bots ordered by name
func (db *DB) ListBots(ctx context.Context) ([]*Bot, error) {
	query := botSelectColumns + ` FROM bots ORDER BY name`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := db.scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// ListBotsByState returns bots in the given state
func (db *DB) ListBotsByState(ctx context.Context, state BotState) ([]*Bot, error) {
	query := botSelectColumns + ` FROM bots WHERE state = $1 ORDER BY name`

	rows, err := db.pool.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := db.scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// UpdateBot applies a config patch. Strategy-affecting changes clear the
// confirmation window in the same statement so the two can never diverge.
func (db *DB) UpdateBot(ctx context.Context, id uuid.UUID, patch *BotPatch) (*Bot, error) {
	bot, err := db.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		bot.Name = *patch.Name
	}
	if patch.SignalConfig != nil {
		bot.SignalConfig = *patch.SignalConfig
	}
	if patch.ConfirmationSeconds != nil {
		bot.ConfirmationSeconds = *patch.ConfirmationSeconds
	}
	if patch.CooldownSeconds != nil {
		bot.CooldownSeconds = *patch.CooldownSeconds
	}
	if patch.PositionSizeUSD != nil {
		bot.PositionSizeUSD = *patch.PositionSizeUSD
	}
	if patch.BuyThreshold != nil {
		bot.BuyThreshold = patch.BuyThreshold
	}
	if patch.SellThreshold != nil {
		bot.SellThreshold = patch.SellThreshold
	}
	if patch.SkipOnLowBalance != nil {
		bot.SkipOnLowBalance = *patch.SkipOnLowBalance
	}

	if bot.SignalConfig.EnabledWeightSum() > 1.0+1e-9 {
		return nil, fmt.Errorf("enabled signal weights must sum to <= 1.0, got %.4f", bot.SignalConfig.EnabledWeightSum())
	}

	configJSON, err := json.Marshal(bot.SignalConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal config: %w", err)
	}

	reset := patch.resetsConfirmation()
	if reset {
		bot.ConfirmationStartAt = nil
		bot.ConfirmingAction = nil
	}

	query := `
		UPDATE bots SET
			name = $1,
			signal_config = $2,
			confirmation_seconds = $3,
			cooldown_seconds = $4,
			position_size_usd = $5,
			buy_threshold = $6,
			sell_threshold = $7,
			skip_on_low_balance = $8,
			confirmation_start_at = CASE WHEN $9 THEN NULL ELSE confirmation_start_at END,
			confirming_action = CASE WHEN $9 THEN NULL ELSE confirming_action END,
			updated_at = NOW()
		WHERE id = $10
	`

	tag, err := db.pool.Exec(ctx, query,
		bot.Name, configJSON, bot.ConfirmationSeconds, bot.CooldownSeconds,
		bot.PositionSizeUSD, bot.BuyThreshold, bot.SellThreshold,
		bot.SkipOnLowBalance, reset, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBot, bot.Name)
		}
		return nil, fmt.Errorf("failed to update bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	log.Info().
		Str("bot_id", id.String()).
		Bool("confirmation_reset", reset).
		Msg("Bot updated")

	return db.GetBot(ctx, id)
}

// SetBotState transitions a bot's lifecycle state
func (db *DB) SetBotState(ctx context.Context, id uuid.UUID, state BotState) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE bots SET state = $1, updated_at = NOW() WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("failed to set bot state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	log.Info().
		Str("bot_id", id.String()).
		Str("state", string(state)).
		Msg("Bot state changed")

	return nil
}

// UpdateEvaluationState persists the evaluator's transient fields.
// confirmationStartAt nil with action nil represents IDLE.
func (db *DB) UpdateEvaluationState(ctx context.Context, id uuid.UUID, combinedScore float64, evaluatedAt time.Time, confirmationStartAt *time.Time, confirmingAction *string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE bots SET
			last_combined_score = $1,
			last_evaluated_at = $2,
			confirmation_start_at = $3,
			confirming_action = $4,
			updated_at = NOW()
		WHERE id = $5
	`, combinedScore, evaluatedAt, confirmationStartAt, confirmingAction, id)
	if err != nil {
		return fmt.Errorf("failed to update evaluation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const botSelectColumns = `
	SELECT id, name, pair, state, signal_config, confirmation_seconds,
		cooldown_seconds, position_size_usd, buy_threshold, sell_threshold,
		skip_on_low_balance, confirmation_start_at, confirming_action,
		last_combined_score, last_evaluated_at, created_at, updated_at`

// scanBot scans one bot row
func (db *DB) scanBot(row pgx.Row) (*Bot, error) {
	var bot Bot
	var configJSON []byte

	err := row.Scan(
		&bot.ID, &bot.Name, &bot.Pair, &bot.State, &configJSON,
		&bot.ConfirmationSeconds, &bot.CooldownSeconds, &bot.PositionSizeUSD,
		&bot.BuyThreshold, &bot.SellThreshold, &bot.SkipOnLowBalance,
		&bot.ConfirmationStartAt, &bot.ConfirmingAction,
		&bot.LastCombinedScore, &bot.LastEvaluatedAt,
		&bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan bot: %w", err)
	}

	if err := json.Unmarshal(configJSON, &bot.SignalConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal config: %w", err)
	}

	return &bot, nil
}

// isUniqueViolation reports whether err is a unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
