package spend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gantry-ai/gantry/pkg/async"
	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/observability"
)

// RequestRecord is one metered inference request
type RequestRecord struct {
	RequestID        string    `json:"request_id"`
	KeyHash          string    `json:"key_hash,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	ModelAlias       string    `json:"model"`
	Provider         string    `json:"provider"`
	UpstreamModel    string    `json:"upstream_model,omitempty"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Spend            float64   `json:"spend"`
	LatencyMS        int64     `json:"latency_ms"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Callback receives every recorded request
type Callback interface {
	Name() string
	Deliver(ctx context.Context, rec *RequestRecord) error
}

const recordTimeout = 10 * time.Second

// Tracker persists usage records and dispatches them to callbacks
type Tracker struct {
	db        *sql.DB
	keys      *auth.KeyManager
	metrics   *observability.Metrics
	logger    *observability.Logger
	callbacks []Callback
}

// NewTracker creates a tracker. keys may be nil when budget accounting is
// not wanted (no database deployments).
func NewTracker(db *sql.DB, keys *auth.KeyManager, metrics *observability.Metrics, logger *observability.Logger, callbacks ...Callback) *Tracker {
	return &Tracker{
		db:        db,
		keys:      keys,
		metrics:   metrics,
		logger:    logger,
		callbacks: callbacks,
	}
}

// Record meters one request off the hot path. The client response has
// already been written; failures here are logged and dropped.
func (t *Tracker) Record(ctx context.Context, rec *RequestRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	t.count(rec)

	async.SafeGo(ctx, recordTimeout, "spend record", func(ctx context.Context) error {
		return t.RecordSync(ctx, rec)
	})
}

// RecordSync does the actual persistence, budget accounting, and callback
// fan-out. Exposed for tests and for shutdown-time draining.
func (t *Tracker) RecordSync(ctx context.Context, rec *RequestRecord) error {
	if err := t.insert(ctx, rec); err != nil {
		t.logger.WithError(err).WithField("request_id", rec.RequestID).Error("failed to write request log")
	}

	if t.keys != nil && rec.KeyHash != "" && rec.Spend > 0 {
		if err := t.keys.IncrementSpend(ctx, rec.KeyHash, rec.Spend); err != nil {
			t.logger.WithError(err).WithField("request_id", rec.RequestID).Error("failed to increment key spend")
		}
	}

	for _, cb := range t.callbacks {
		if err := cb.Deliver(ctx, rec); err != nil {
			t.logger.WithError(err).WithFields(map[string]interface{}{
				"callback":   cb.Name(),
				"request_id": rec.RequestID,
			}).Warn("spend callback failed")
		}
	}
	return nil
}

func (t *Tracker) insert(ctx context.Context, rec *RequestRecord) error {
	if t.db == nil {
		return nil
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO request_logs (
			request_id, key_hash, user_id, model_alias, provider, upstream_model,
			endpoint, prompt_tokens, completion_tokens, total_tokens, spend,
			latency_ms, status, error_message, created_at
		) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15)`,
		rec.RequestID, rec.KeyHash, rec.UserID, rec.ModelAlias, rec.Provider, rec.UpstreamModel,
		rec.Endpoint, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Spend,
		rec.LatencyMS, rec.Status, rec.ErrorMessage, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func (t *Tracker) count(rec *RequestRecord) {
	if t.metrics == nil {
		return
	}
	t.metrics.ProxyRequestsTotal.WithLabelValues(rec.ModelAlias, rec.Provider, rec.Status).Inc()
	t.metrics.PromptTokensTotal.WithLabelValues(rec.ModelAlias, rec.Provider).Add(float64(rec.PromptTokens))
	t.metrics.CompletionTokensTotal.WithLabelValues(rec.ModelAlias, rec.Provider).Add(float64(rec.CompletionTokens))
	if rec.Spend > 0 {
		t.metrics.SpendTotal.WithLabelValues(rec.ModelAlias, rec.Provider).Add(rec.Spend)
	}
	t.metrics.UpstreamRequestDuration.WithLabelValues(rec.ModelAlias, rec.Provider).
		Observe(float64(rec.LatencyMS) / 1000.0)
}
