package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/config"
	"github.com/gantry-ai/gantry/pkg/models"
	"github.com/gantry-ai/gantry/pkg/observability"
	"github.com/gantry-ai/gantry/pkg/providers"
	"github.com/gantry-ai/gantry/pkg/spend"
)

func newAdminGateway(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	keys := auth.NewKeyManager(db, auth.NewKeyGenerator("test-salt"), logger, auth.KeyManagerOptions{})

	registry, err := models.NewRegistry([]config.ModelEntry{
		{ModelName: "gpt-4o", Params: config.ModelParams{Model: "openai/gpt-4o"}},
	})
	require.NoError(t, err)

	server := NewServer(Options{
		MasterKey: gatewayMasterKey,
		Models:    registry,
		Providers: providers.NewRegistry(time.Second),
		Keys:      keys,
		Reporter:  spend.NewReporter(db),
		Logger:    logger,
	})
	return server, mock
}

func adminRequest(t *testing.T, method, path string, body string) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+gatewayMasterKey)
	return req
}

func TestGenerateKey(t *testing.T) {
	server, mock := newAdminGateway(t)

	mock.ExpectExec(`INSERT INTO virtual_keys`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := adminRequest(t, http.MethodPost, "/key/generate",
		`{"key_name":"ci-key","user_id":"user-1","max_budget":10}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp auth.GenerateKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Key, auth.KeyPrefix))
	assert.Equal(t, "ci-key", resp.KeyName)
	require.NotNil(t, resp.MaxBudget)
	assert.Equal(t, 10.0, *resp.MaxBudget)
}

func TestGenerateKey_RequiresAdmin(t *testing.T) {
	server, _ := newAdminGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/key/generate", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeKey(t *testing.T) {
	server, mock := newAdminGateway(t)

	mock.ExpectExec(`UPDATE virtual_keys SET revoked_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := adminRequest(t, http.MethodPost, "/key/revoke", `{"key":"somehashvalue"}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func TestRevokeKey_NotFound(t *testing.T) {
	server, mock := newAdminGateway(t)

	mock.ExpectExec(`UPDATE virtual_keys SET revoked_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := adminRequest(t, http.MethodPost, "/key/revoke", `{"key":"unknownhash"}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeKey_MissingKey(t *testing.T) {
	server, _ := newAdminGateway(t)

	req := adminRequest(t, http.MethodPost, "/key/revoke", `{}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeyInfo_MissingParam(t *testing.T) {
	server, _ := newAdminGateway(t)

	req := adminRequest(t, http.MethodGet, "/key/info", "")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpendByKey(t *testing.T) {
	server, mock := newAdminGateway(t)

	rows := sqlmock.NewRows([]string{
		"key_prefix", "key_name", "user_id", "count", "prompt_tokens",
		"completion_tokens", "spend", "max_budget",
	}).AddRow("gk_abc12345", "ci-key", "user-1", 10, 5000, 2000, 0.05, nil)

	mock.ExpectQuery(`SELECT vk.key_prefix.+FROM request_logs rl`).
		WillReturnRows(rows)

	req := adminRequest(t, http.MethodGet, "/spend/keys", "")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gk_abc12345")
}

func TestSpendByModel_BadSince(t *testing.T) {
	server, _ := newAdminGateway(t)

	req := adminRequest(t, http.MethodGet, "/spend/models?since=yesterday", "")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpendSince(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/spend/keys?since=2026-08-01", nil)
	since, err := spendSince(r)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), since)

	r = httptest.NewRequest(http.MethodGet, "/spend/keys", nil)
	since, err = spendSince(r)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), since, time.Minute)

	r = httptest.NewRequest(http.MethodGet, "/spend/keys?days=7", nil)
	since, err = spendSince(r)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -7), since, time.Minute)

	r = httptest.NewRequest(http.MethodGet, "/spend/keys?days=0", nil)
	_, err = spendSince(r)
	require.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/spend/keys?days=soon", nil)
	_, err = spendSince(r)
	require.Error(t, err)
}
