package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gantry-ai/gantry/pkg/auth"
)

// Provisioner handles just-in-time user provisioning from SSO assertions
type Provisioner struct {
	db *sql.DB
	// adminUserID is the IdP user ID that gets the admin role on login
	adminUserID string
}

// NewProvisioner creates a provisioner. adminUserID matches the asserted
// external ID (usually the email) against PROXY_ADMIN_ID.
func NewProvisioner(db *sql.DB, adminUserID string) *Provisioner {
	return &Provisioner{db: db, adminUserID: adminUserID}
}

// Provision creates or updates the user behind an asserted identity
func (p *Provisioner) Provision(ctx context.Context, identity *Identity) (*User, error) {
	var internalUserID int64
	err := p.db.QueryRowContext(ctx, `
		SELECT internal_user_id
		FROM sso_user_mappings
		WHERE provider = $1 AND external_user_id = $2`,
		identity.Provider, identity.ExternalID).Scan(&internalUserID)

	if errors.Is(err, sql.ErrNoRows) {
		return p.createUser(ctx, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check user mapping: %w", err)
	}
	return p.updateUser(ctx, internalUserID, identity)
}

// roleFor grants admin to the configured admin user, everyone else is an
// internal user.
func (p *Provisioner) roleFor(identity *Identity) string {
	if p.adminUserID != "" && (identity.ExternalID == p.adminUserID || identity.Email == p.adminUserID) {
		return string(auth.RoleProxyAdmin)
	}
	return string(auth.RoleInternalUser)
}

func (p *Provisioner) createUser(ctx context.Context, identity *Identity) (*User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (user_id, email, display_name, first_name, last_name, role, is_active, created_at, updated_at, last_login_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, true, NOW(), NOW(), NOW())
		RETURNING id`,
		identity.ExternalID, identity.Email, identity.FullName(),
		identity.FirstName, identity.LastName, p.roleFor(identity)).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sso_user_mappings (provider, external_user_id, internal_user_id, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW(), NOW())`,
		identity.Provider, identity.ExternalID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return p.fetchUser(ctx, userID)
}

func (p *Provisioner) updateUser(ctx context.Context, userID int64, identity *Identity) (*User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Attributes refresh on every login so IdP-side renames propagate
	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET email = $1, display_name = NULLIF($2, ''), first_name = NULLIF($3, ''),
		    last_name = NULLIF($4, ''), role = $5, updated_at = NOW(), last_login_at = NOW()
		WHERE id = $6`,
		identity.Email, identity.FullName(), identity.FirstName,
		identity.LastName, p.roleFor(identity), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sso_user_mappings SET last_login_at = NOW(), updated_at = NOW()
		WHERE provider = $1 AND external_user_id = $2`,
		identity.Provider, identity.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to update user mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return p.fetchUser(ctx, userID)
}

func (p *Provisioner) fetchUser(ctx context.Context, userID int64) (*User, error) {
	user := &User{}
	var displayName, firstName, lastName sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, display_name, first_name, last_name, role, is_active, created_at, updated_at, last_login_at
		FROM users WHERE id = $1`, userID).Scan(
		&user.ID, &user.UserID, &user.Email, &displayName, &firstName, &lastName,
		&user.Role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	user.DisplayName = displayName.String
	user.FirstName = firstName.String
	user.LastName = lastName.String
	return user, nil
}
