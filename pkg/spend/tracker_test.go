package spend

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/observability"
)

type captureCallback struct {
	name     string
	received []*RequestRecord
	err      error
}

func (c *captureCallback) Name() string { return c.name }

func (c *captureCallback) Deliver(_ context.Context, rec *RequestRecord) error {
	c.received = append(c.received, rec)
	return c.err
}

func testRecord() *RequestRecord {
	return &RequestRecord{
		RequestID:        "req-123",
		KeyHash:          "abc123hash",
		ModelAlias:       "gpt-4o",
		Provider:         "openai",
		UpstreamModel:    "gpt-4o-2024-11-20",
		Endpoint:         "/v1/chat/completions",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Spend:            0.00075,
		LatencyMS:        820,
		Status:           "success",
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestTracker_RecordSync_InsertsLog(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO request_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tracker := NewTracker(db, nil, nil, testLogger())
	err = tracker.RecordSync(context.Background(), testRecord())
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_RecordSync_CallbackFanout(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO request_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	good := &captureCallback{name: "good"}
	failing := &captureCallback{name: "failing", err: errors.New("endpoint down")}
	after := &captureCallback{name: "after"}

	tracker := NewTracker(db, nil, nil, testLogger(), good, failing, after)
	err = tracker.RecordSync(context.Background(), testRecord())
	require.NoError(t, err)

	// A failing callback must not stop the others
	assert.Len(t, good.received, 1)
	assert.Len(t, failing.received, 1)
	assert.Len(t, after.received, 1)
	assert.Equal(t, "req-123", good.received[0].RequestID)
}

func TestTracker_RecordSync_InsertFailureDoesNotBlockCallbacks(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO request_logs`).
		WillReturnError(errors.New("connection refused"))

	cb := &captureCallback{name: "archive"}
	tracker := NewTracker(db, nil, nil, testLogger(), cb)

	err = tracker.RecordSync(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Len(t, cb.received, 1)
}

func TestTracker_RecordSync_NilDatabase(t *testing.T) {
	cb := &captureCallback{name: "only"}
	tracker := NewTracker(nil, nil, nil, testLogger(), cb)

	err := tracker.RecordSync(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Len(t, cb.received, 1)
}

func TestTracker_CountsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracker := NewTracker(nil, nil, metrics, testLogger())
	tracker.count(testRecord())
	tracker.count(testRecord())

	requests := testutil.ToFloat64(
		metrics.ProxyRequestsTotal.WithLabelValues("gpt-4o", "openai", "success"))
	assert.Equal(t, 2.0, requests)

	promptTokens := testutil.ToFloat64(
		metrics.PromptTokensTotal.WithLabelValues("gpt-4o", "openai"))
	assert.Equal(t, 200.0, promptTokens)

	spendTotal := testutil.ToFloat64(
		metrics.SpendTotal.WithLabelValues("gpt-4o", "openai"))
	assert.InDelta(t, 0.0015, spendTotal, 1e-9)
}
