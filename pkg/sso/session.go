package sso

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

const (
	// SessionCookieName carries the session ID to the browser
	SessionCookieName = "gantry_session"
	// stateCookieName holds the CSRF state during the SSO round trip
	stateCookieName = "gantry_sso_state"

	sessionTTL = 24 * time.Hour
	stateTTL   = 10 * time.Minute
)

// SessionManager persists SSO sessions in Postgres
type SessionManager struct {
	db *sql.DB
}

// NewSessionManager creates a session manager
func NewSessionManager(db *sql.DB) *SessionManager {
	return &SessionManager{db: db}
}

// Create issues a new session for a provisioned user
func (sm *SessionManager) Create(ctx context.Context, userID int64, provider, samlSessionIndex string) (*Session, error) {
	id, err := randomToken(24)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:               id,
		UserID:           userID,
		Provider:         provider,
		SAMLSessionIndex: samlSessionIndex,
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(sessionTTL),
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (id, user_id, provider, saml_session_index, created_at, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		session.ID, session.UserID, session.Provider, session.SAMLSessionIndex,
		session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get returns a live session, or sql.ErrNoRows when missing or expired
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	session := &Session{}
	var samlIndex sql.NullString
	err := sm.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, saml_session_index, created_at, expires_at
		FROM sso_sessions
		WHERE id = $1 AND expires_at > NOW()`, sessionID).Scan(
		&session.ID, &session.UserID, &session.Provider, &samlIndex,
		&session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, err
	}
	session.SAMLSessionIndex = samlIndex.String
	return session, nil
}

// Delete removes a session
func (sm *SessionManager) Delete(ctx context.Context, sessionID string) error {
	_, err := sm.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE id = $1`, sessionID)
	return err
}

// CleanupExpired removes expired sessions, returning how many were dropped
func (sm *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := sm.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SetSessionCookie attaches the session to the browser
func SetSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
}

// ClearSessionCookie removes the session cookie
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: SessionCookieName, MaxAge: -1, Path: "/"})
}

func setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	})
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, MaxAge: -1, Path: "/"})
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
