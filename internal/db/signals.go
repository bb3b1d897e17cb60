package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// InsertEvaluation records one evaluation pass in signal history
func (db *DB) InsertEvaluation(ctx context.Context, eval *SignalEvaluation) error {
	if eval.ID == uuid.Nil {
		eval.ID = uuid.New()
	}
	if eval.EvaluatedAt.IsZero() {
		eval.EvaluatedAt = time.Now()
	}

	scoresJSON, err := json.Marshal(eval.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}
	weightsJSON, err := json.Marshal(eval.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}

	query := `
		INSERT INTO signal_history (
			id, bot_id, evaluated_at, scores, weights, combined_score,
			action, temperature, confirmation_active, progress
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = db.pool.Exec(ctx, query,
		eval.ID, eval.BotID, eval.EvaluatedAt, scoresJSON, weightsJSON,
		eval.CombinedScore, eval.Action, eval.Temperature,
		eval.ConfirmationActive, eval.Progress,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	return nil
}

// ListEvaluations returns the newest evaluations for a bot
func (db *DB) ListEvaluations(ctx context.Context, botID uuid.UUID, limit int) ([]*SignalEvaluation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, bot_id, evaluated_at, scores, weights, combined_score,
			action, temperature, confirmation_active, progress
		FROM signal_history
		WHERE bot_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`

	rows, err := db.pool.Query(ctx, query, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*SignalEvaluation
	for rows.Next() {
		var e SignalEvaluation
		var scoresJSON, weightsJSON []byte

		err := rows.Scan(
			&e.ID, &e.BotID, &e.EvaluatedAt, &scoresJSON, &weightsJSON,
			&e.CombinedScore, &e.Action, &e.Temperature,
			&e.ConfirmationActive, &e.Progress,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}

		if err := json.Unmarshal(scoresJSON, &e.Scores); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scores: %w", err)
		}
		if err := json.Unmarshal(weightsJSON, &e.Weights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
		}

		evals = append(evals, &e)
	}
	return evals, rows.Err()
}

// PruneEvaluations deletes signal history older than the cutoff
func (db *DB) PruneEvaluations(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM signal_history WHERE evaluated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune signal history: %w", err)
	}

	if tag.RowsAffected() > 0 {
		log.Debug().
			Int64("deleted", tag.RowsAffected()).
			Time("cutoff", cutoff).
			Msg("Signal history pruned")
	}

	return tag.RowsAffected(), nil
}
