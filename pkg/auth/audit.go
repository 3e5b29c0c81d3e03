package auth

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/observability"
)

// AuditLog records one administrative action
type AuditLog struct {
	ID           int64     `json:"id"`
	Actor        string    `json:"actor,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditRecorder persists key management and SSO events to audit_logs.
// Failures are logged, never surfaced: an audit insert must not fail the
// action it records.
type AuditRecorder struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewAuditRecorder creates an audit recorder
func NewAuditRecorder(db *sql.DB, logger *observability.Logger) *AuditRecorder {
	return &AuditRecorder{db: db, logger: logger}
}

// Record inserts an audit entry
func (ar *AuditRecorder) Record(ctx context.Context, log *AuditLog) {
	if ar == nil || ar.db == nil {
		return
	}

	_, err := ar.db.ExecContext(ctx, `
		INSERT INTO audit_logs (actor, action, resource_type, resource_id, ip_address, user_agent, status, error_message)
		VALUES (NULLIF($1, ''), $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''))`,
		log.Actor, log.Action, log.ResourceType, log.ResourceID,
		log.IPAddress, log.UserAgent, log.Status, log.ErrorMessage,
	)
	if err != nil {
		ar.logger.WithError(err).WithField("action", log.Action).Error("failed to write audit log")
	}
}

// RecordRequest builds an entry from an HTTP request and inserts it
func (ar *AuditRecorder) RecordRequest(r *http.Request, actor, action, resourceType, resourceID string, actionErr error) {
	log := &AuditLog{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    httputil.ClientIP(r),
		UserAgent:    r.UserAgent(),
		Status:       "success",
	}
	if actionErr != nil {
		log.Status = "failure"
		log.ErrorMessage = actionErr.Error()
	}
	ar.Record(r.Context(), log)
}
