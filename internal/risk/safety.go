package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Gating reason codes surfaced verbatim to the control API
const (
	ReasonEmergencyStop = "emergency_stop"
	ReasonDailyLossCap  = "daily_loss_cap"
	ReasonDailyTradeCap = "daily_trade_cap"
)

const (
	emergencyStopKey = "safety:emergency_stop"
	dailyCounterTTL  = 48 * time.Hour
)

// SafetyLimits are the process-wide caps applied across all bots
type SafetyLimits struct {
	MaxDailyLossUSD float64
	MaxDailyTrades  int
}

// SafetyState tracks the emergency-stop flag and daily counters. State
// lives in Redis so that every worker process shares one view; the
// decider receives this value explicitly rather than via a singleton.
type SafetyState struct {
	rdb    *redis.Client
	limits SafetyLimits
}

// NewSafetyState creates the shared safety state
func NewSafetyState(rdb *redis.Client, limits SafetyLimits) *SafetyState {
	return &SafetyState{rdb: rdb, limits: limits}
}

// dayKey returns a counter key scoped to the current UTC day
func dayKey(prefix string) string {
	return fmt.Sprintf("%s:%s", prefix, time.Now().UTC().Format("2006-01-02"))
}

// EmergencyStop raises the global stop flag
func (s *SafetyState) EmergencyStop(ctx context.Context) error {
	if err := s.rdb.Set(ctx, emergencyStopKey, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to set emergency stop: %w", err)
	}
	log.Warn().Msg("EMERGENCY STOP engaged")
	return nil
}

// Resume clears the global stop flag
func (s *SafetyState) Resume(ctx context.Context) error {
	if err := s.rdb.Del(ctx, emergencyStopKey).Err(); err != nil {
		return fmt.Errorf("failed to clear emergency stop: %w", err)
	}
	log.Info().Msg("Emergency stop cleared, trading resumed")
	return nil
}

// Stopped reports whether the emergency stop is engaged. Redis being
// unreachable fails closed: trading halts rather than running unguarded.
func (s *SafetyState) Stopped(ctx context.Context) bool {
	_, err := s.rdb.Get(ctx, emergencyStopKey).Result()
	if err == nil {
		return true
	}
	if !errors.Is(err, redis.Nil) {
		log.Error().Err(err).Msg("Safety flag unreadable, failing closed")
		return true
	}
	return false
}

// RecordTrade increments today's trade counter
func (s *SafetyState) RecordTrade(ctx context.Context) {
	key := dayKey("safety:daily_trades")
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dailyCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to record daily trade count")
	}
}

// RecordLoss adds a realized loss (positive USD) to today's loss counter
func (s *SafetyState) RecordLoss(ctx context.Context, lossUSD float64) {
	if lossUSD <= 0 {
		return
	}
	key := dayKey("safety:daily_loss")
	pipe := s.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, key, lossUSD)
	pipe.Expire(ctx, key, dailyCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to record daily loss")
	}
}

// Check evaluates the global safety gates. Returns ok=false and a
// reason code on the first violated gate.
func (s *SafetyState) Check(ctx context.Context) (bool, string) {
	if s.Stopped(ctx) {
		return false, ReasonEmergencyStop
	}

	if s.limits.MaxDailyTrades > 0 {
		count, err := s.rdb.Get(ctx, dayKey("safety:daily_trades")).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Error().Err(err).Msg("Daily trade counter unreadable, failing closed")
			return false, ReasonDailyTradeCap
		}
		if count >= s.limits.MaxDailyTrades {
			return false, ReasonDailyTradeCap
		}
	}

	if s.limits.MaxDailyLossUSD > 0 {
		loss, err := s.rdb.Get(ctx, dayKey("safety:daily_loss")).Float64()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Error().Err(err).Msg("Daily loss counter unreadable, failing closed")
			return false, ReasonDailyLossCap
		}
		if loss >= s.limits.MaxDailyLossUSD {
			return false, ReasonDailyLossCap
		}
	}

	return true, ""
}
