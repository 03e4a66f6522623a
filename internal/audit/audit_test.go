package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggp-io/eventpipe/internal/envelope"
	"github.com/ggp-io/eventpipe/internal/pipeline"
)

func testEnvelope() *envelope.Envelope {
	causation := uuid.MustParse("6a3f2f4e-0d5b-4f5e-8a4f-6f3f1c0b8a22")
	return &envelope.Envelope{
		EventID:       uuid.MustParse("3f1cbbb5-6a7e-4e6c-a8a1-2e9cf62f81f4"),
		EventType:     "ggp.core.sop.created",
		OccurredAt:    time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		Producer:      "core-api@test",
		CorrelationID: uuid.MustParse("9a4f2f4e-0d5b-4f5e-8a4f-6f3f1c0b8a11"),
		CausationID:   &causation,
		Actor:         envelope.Actor{Type: "user", ID: "u-42", Display: "Alice"},
		TenantID:      "acme",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"sop_id":"sop-1","title":"Cleanup"}`),
	}
}

var testSource = pipeline.SourceMeta{Topic: "ggp.core.sop.created", Partition: 0, Offset: 17}

func TestApplyInsertsFlattenedRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	env := testEnvelope()
	mock.ExpectExec("INSERT INTO audit_event").
		WithArgs(
			env.EventID.String(),
			env.EventType,
			env.OccurredAt,
			env.Producer,
			env.CorrelationID.String(),
			env.CausationID.String(),
			"user",
			"u-42",
			"Alice",
			"acme",
			1,
			[]byte(env.Payload),
			testSource.Topic,
			testSource.Partition,
			testSource.Offset,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewHandler(db, nil).Apply(context.Background(), env, testSource))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyNullsOptionalColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	env := testEnvelope()
	env.CausationID = nil
	env.TenantID = ""
	env.Actor.Display = ""

	mock.ExpectExec("INSERT INTO audit_event").
		WithArgs(
			env.EventID.String(),
			env.EventType,
			env.OccurredAt,
			env.Producer,
			env.CorrelationID.String(),
			nil,
			"user",
			"u-42",
			nil,
			nil,
			1,
			[]byte(env.Payload),
			testSource.Topic,
			testSource.Partition,
			testSource.Offset,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewHandler(db, nil).Apply(context.Background(), env, testSource))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTreatsConflictAsSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_event").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, NewHandler(db, nil).Apply(context.Background(), testEnvelope(), testSource))
}

func TestApplySurfacesStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_event").
		WillReturnError(errors.New("pq: the database system is starting up"))

	err = NewHandler(db, nil).Apply(context.Background(), testEnvelope(), testSource)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert audit record")
}
