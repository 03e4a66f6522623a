package ledger

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggp-io/eventpipe/internal/pipeline"
)

var testSource = pipeline.SourceMeta{Topic: "ggp.core.sop.created", Partition: 1, Offset: 204}

func TestTryMarkProcessedInsertsNewKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	eventID := uuid.New()
	mock.ExpectExec("INSERT INTO consumer_processed_event").
		WithArgs("ggp-audit-v1", eventID.String(), "ggp.core.sop.created", "ggp.core.sop.created", int32(1), int64(204)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	fresh, err := New(db).TryMarkProcessed(context.Background(), "ggp-audit-v1", eventID, "ggp.core.sop.created", testSource)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryMarkProcessedReportsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// ON CONFLICT DO NOTHING affects zero rows for an existing key.
	mock.ExpectExec("INSERT INTO consumer_processed_event").
		WillReturnResult(sqlmock.NewResult(0, 0))

	fresh, err := New(db).TryMarkProcessed(context.Background(), "ggp-audit-v1", uuid.New(), "ggp.core.sop.created", testSource)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestTryMarkProcessedDistinctEventsBothInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO consumer_processed_event").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO consumer_processed_event").WillReturnResult(sqlmock.NewResult(0, 1))

	store := New(db)
	for i := 0; i < 2; i++ {
		fresh, err := store.TryMarkProcessed(context.Background(), "ggp-audit-v1", uuid.New(), "ggp.core.sop.created", testSource)
		require.NoError(t, err)
		assert.True(t, fresh)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryMarkProcessedPropagatesStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO consumer_processed_event").
		WillReturnError(errors.New("pq: connection refused"))

	_, err = New(db).TryMarkProcessed(context.Background(), "ggp-audit-v1", uuid.New(), "ggp.core.sop.created", testSource)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark processed")
}
