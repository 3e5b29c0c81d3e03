package auth

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/config"
	"github.com/gantry-ai/gantry/pkg/observability"
)

func setupManager(t *testing.T, opts KeyManagerOptions) (*KeyManager, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	km := NewKeyManager(db, NewKeyGenerator("test-salt"), logger, opts)
	return km, mock, db
}

func virtualKeyRows(keyHash string, spend float64, maxBudget *float64, revokedAt, expiresAt *time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "key_hash", "key_prefix", "key_name", "user_id",
		"team_id", "max_budget", "spend", "budget_duration", "budget_reset_at",
		"tpm_limit", "rpm_limit", "max_parallel_requests", "allowed_models", "metadata",
		"expires_at", "revoked_at", "created_at", "updated_at",
	}).AddRow(
		1, keyHash, "gk_abcd1234", "test key", "user-1",
		"", maxBudget, spend, "", nil,
		nil, nil, nil, []byte("{}"), nil,
		expiresAt, revokedAt, now, now,
	)
}

func TestKeyManager_GenerateKey(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	mock.ExpectExec("INSERT INTO virtual_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))

	budget := 25.0
	resp, err := km.GenerateKey(context.Background(), &GenerateKeyRequest{
		KeyName:   "test key",
		UserID:    "user-1",
		MaxBudget: &budget,
		Duration:  "30d",
	})
	require.NoError(t, err)

	assert.True(t, MatchesFormat(resp.Key))
	assert.NotEmpty(t, resp.KeyPrefix)
	require.NotNil(t, resp.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *resp.ExpiresAt, time.Minute)
	require.NotNil(t, resp.MaxBudget)
	assert.Equal(t, 25.0, *resp.MaxBudget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyManager_GenerateKey_UpperboundClamping(t *testing.T) {
	ubBudget := 100.0
	ubTPM := int64(1000)
	km, mock, db := setupManager(t, KeyManagerOptions{
		Upperbound: &config.UpperboundKeyParams{
			MaxBudget: &ubBudget,
			TPMLimit:  &ubTPM,
			Duration:  "30d",
		},
	})
	defer db.Close()

	mock.ExpectExec("INSERT INTO virtual_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))

	askBudget := 5000.0
	resp, err := km.GenerateKey(context.Background(), &GenerateKeyRequest{
		MaxBudget: &askBudget,
		Duration:  "365d",
	})
	require.NoError(t, err)

	// requested values above the bound come back clamped
	require.NotNil(t, resp.MaxBudget)
	assert.Equal(t, 100.0, *resp.MaxBudget)
	require.NotNil(t, resp.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *resp.ExpiresAt, time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyManager_GenerateKey_UpperboundDefaultsApply(t *testing.T) {
	ubBudget := 100.0
	km, mock, db := setupManager(t, KeyManagerOptions{
		Upperbound: &config.UpperboundKeyParams{MaxBudget: &ubBudget},
	})
	defer db.Close()

	mock.ExpectExec("INSERT INTO virtual_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// no budget requested at all still gets the bound as ceiling
	resp, err := km.GenerateKey(context.Background(), &GenerateKeyRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.MaxBudget)
	assert.Equal(t, 100.0, *resp.MaxBudget)
}

func TestKeyManager_ValidateKey(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	rawKey := "gk_validtestkey123456789"
	keyHash := km.gen.HashKey(rawKey)

	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WithArgs(keyHash).
		WillReturnRows(virtualKeyRows(keyHash, 0, nil, nil, nil))

	k, err := km.ValidateKey(context.Background(), rawKey)
	require.NoError(t, err)
	assert.Equal(t, keyHash, k.KeyHash)
	assert.Equal(t, "user-1", k.UserID)

	// second validation should hit the local cache, no new query expected
	_, err = km.ValidateKey(context.Background(), rawKey)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyManager_ValidateKey_NotFound(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WillReturnError(sql.ErrNoRows)

	_, err := km.ValidateKey(context.Background(), "gk_doesnotexist12345678")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyManager_ValidateKey_Revoked(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	rawKey := "gk_revokedkey123456789"
	keyHash := km.gen.HashKey(rawKey)
	revoked := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WillReturnRows(virtualKeyRows(keyHash, 0, nil, &revoked, nil))

	_, err := km.ValidateKey(context.Background(), rawKey)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestKeyManager_ValidateKey_Expired(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	rawKey := "gk_expiredkey123456789"
	keyHash := km.gen.HashKey(rawKey)
	expired := time.Now().Add(-time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WillReturnRows(virtualKeyRows(keyHash, 0, nil, nil, &expired))

	_, err := km.ValidateKey(context.Background(), rawKey)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestKeyManager_ValidateKey_OverBudget(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	rawKey := "gk_overbudgetkey12345678"
	keyHash := km.gen.HashKey(rawKey)
	budget := 10.0

	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WillReturnRows(virtualKeyRows(keyHash, 10.5, &budget, nil, nil))

	k, err := km.ValidateKey(context.Background(), rawKey)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	// the record comes back with the error so callers can log the key
	require.NotNil(t, k)
	assert.Equal(t, 10.5, k.Spend)
}

func TestKeyManager_RevokeKey(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	rawKey := "gk_tobedeleted123456789"
	keyHash := km.gen.HashKey(rawKey)

	mock.ExpectExec("UPDATE virtual_keys SET revoked_at").
		WithArgs(keyHash).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := km.RevokeKey(context.Background(), rawKey)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyManager_RevokeKey_NotFound(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	mock.ExpectExec("UPDATE virtual_keys SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := km.RevokeKey(context.Background(), "gk_neverexisted12345678")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyManager_RevokeKey_InvalidatesCache(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	rawKey := "gk_cachedthenrevoked1234"
	keyHash := km.gen.HashKey(rawKey)

	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WillReturnRows(virtualKeyRows(keyHash, 0, nil, nil, nil))
	_, err := km.ValidateKey(context.Background(), rawKey)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE virtual_keys SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, km.RevokeKey(context.Background(), rawKey))

	// post-revocation validation must go back to the database
	revoked := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM virtual_keys WHERE key_hash").
		WillReturnRows(virtualKeyRows(keyHash, 0, nil, &revoked, nil))

	_, err = km.ValidateKey(context.Background(), rawKey)
	assert.ErrorIs(t, err, ErrKeyRevoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyManager_IncrementSpend(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	mock.ExpectExec("UPDATE virtual_keys SET spend = spend").
		WithArgs(0.0125, "somehash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, km.IncrementSpend(context.Background(), "somehash", 0.0125))

	// zero amounts and empty hashes are no-ops
	require.NoError(t, km.IncrementSpend(context.Background(), "somehash", 0))
	require.NoError(t, km.IncrementSpend(context.Background(), "", 1.0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyManager_ResetDueBudgets(t *testing.T) {
	km, mock, db := setupManager(t, KeyManagerOptions{})
	defer db.Close()

	mock.ExpectQuery("SELECT key_hash, (.+) FROM virtual_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key_hash", "budget_duration"}).
			AddRow("hash-monthly-0001", "30d").
			AddRow("hash-oneshot-0002", ""))

	mock.ExpectExec("UPDATE virtual_keys SET spend = 0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE virtual_keys SET spend = 0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := km.ResetDueBudgets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecorder_Record(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	ar := NewAuditRecorder(db, logger)

	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ar.Record(context.Background(), &AuditLog{
		Actor:        "admin",
		Action:       "key.generate",
		ResourceType: "virtual_key",
		ResourceID:   "gk_abcd1234",
		Status:       "success",
	})
	assert.NoError(t, mock.ExpectationsWereMet())

	// insert failures are swallowed
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(errors.New("connection lost"))
	ar.Record(context.Background(), &AuditLog{
		Action: "key.revoke", ResourceType: "virtual_key", Status: "failure",
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
