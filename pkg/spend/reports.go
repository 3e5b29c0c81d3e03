package spend

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KeySpend aggregates spend for one virtual key
type KeySpend struct {
	KeyPrefix        string   `json:"key_prefix"`
	KeyName          string   `json:"key_name,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	Requests         int64    `json:"requests"`
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	Spend            float64  `json:"spend"`
	MaxBudget        *float64 `json:"max_budget,omitempty"`
}

// ModelSpend aggregates spend for one model alias
type ModelSpend struct {
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Spend            float64 `json:"spend"`
}

// Reporter runs aggregation queries over request_logs
type Reporter struct {
	db *sql.DB
}

// NewReporter creates a reporter
func NewReporter(db *sql.DB) *Reporter {
	return &Reporter{db: db}
}

// ByKey returns spend grouped by virtual key since the given time
func (r *Reporter) ByKey(ctx context.Context, since time.Time) ([]KeySpend, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT vk.key_prefix, COALESCE(vk.key_name, ''), COALESCE(vk.user_id, ''),
		       COUNT(*), COALESCE(SUM(rl.prompt_tokens), 0),
		       COALESCE(SUM(rl.completion_tokens), 0), COALESCE(SUM(rl.spend), 0),
		       vk.max_budget
		FROM request_logs rl
		JOIN virtual_keys vk ON vk.key_hash = rl.key_hash
		WHERE rl.created_at >= $1
		GROUP BY vk.key_prefix, vk.key_name, vk.user_id, vk.max_budget
		ORDER BY SUM(rl.spend) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("spend by key query: %w", err)
	}
	defer rows.Close()

	var result []KeySpend
	for rows.Next() {
		var ks KeySpend
		if err := rows.Scan(&ks.KeyPrefix, &ks.KeyName, &ks.UserID,
			&ks.Requests, &ks.PromptTokens, &ks.CompletionTokens, &ks.Spend,
			&ks.MaxBudget); err != nil {
			return nil, err
		}
		result = append(result, ks)
	}
	return result, rows.Err()
}

// ByModel returns spend grouped by model alias since the given time
func (r *Reporter) ByModel(ctx context.Context, since time.Time) ([]ModelSpend, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model_alias, provider, COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(spend), 0)
		FROM request_logs
		WHERE created_at >= $1
		GROUP BY model_alias, provider
		ORDER BY SUM(spend) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("spend by model query: %w", err)
	}
	defer rows.Close()

	var result []ModelSpend
	for rows.Next() {
		var ms ModelSpend
		if err := rows.Scan(&ms.Model, &ms.Provider, &ms.Requests,
			&ms.PromptTokens, &ms.CompletionTokens, &ms.Spend); err != nil {
			return nil, err
		}
		result = append(result, ms)
	}
	return result, rows.Err()
}

// RollupDay upserts one finished day from request_logs into spend_daily
func (r *Reporter) RollupDay(ctx context.Context, day time.Time) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO spend_daily (day, key_hash, model_alias, provider, requests, prompt_tokens, completion_tokens, spend)
		SELECT $1::date, key_hash, model_alias, provider, COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(spend), 0)
		FROM request_logs
		WHERE created_at >= $2 AND created_at < $3
		GROUP BY key_hash, model_alias, provider
		ON CONFLICT (day, key_hash, model_alias, provider) DO UPDATE SET
			requests = EXCLUDED.requests,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			spend = EXCLUDED.spend`,
		dayStart.Format("2006-01-02"), dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("rollup day %s: %w", dayStart.Format("2006-01-02"), err)
	}
	return nil
}
