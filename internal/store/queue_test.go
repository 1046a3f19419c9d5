package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "postgres://postgres@localhost:5432/test"
	db, err := store.Open(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestQueueWorkAdmitsThenDedupes(t *testing.T) {
	db := openTestStore(t)
	ctx := t.Context()

	title := "Test Work"
	jobID, err := db.QueueWork(ctx, 101, 1000, store.FormatPDF, "tester", &title, nil)
	require.NoError(t, err)
	require.NotNil(t, jobID)

	status, err := db.JobStatus(ctx, *jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, status)

	// Re-admitting the same work/format while the job is still in flight
	// returns the existing job instead of inserting a second one.
	sameJobID, err := db.QueueWork(ctx, 101, 1000, store.FormatPDF, "tester", &title, nil)
	require.NoError(t, err)
	require.NotNil(t, sameJobID)
	assert.Equal(t, *jobID, *sameJobID)
}

func TestQueueWorkRejectsInvalidFormat(t *testing.T) {
	db := openTestStore(t)
	ctx := t.Context()

	_, err := db.QueueWork(ctx, 202, 1000, store.Format("bogus"), "tester", nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidFormat))
}

func TestGetJobOrderAndMarkDispatchFail(t *testing.T) {
	db := openTestStore(t)
	ctx := t.Context()

	jobID, err := db.QueueWork(ctx, 303, 1000, store.FormatEPUB, "tester", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, jobID)

	order, err := db.GetJobOrder(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, *jobID, order.JobID)
	assert.Equal(t, int64(303), order.WorkID)

	// Wrong report_code is rejected.
	err = db.MarkDispatchFail(ctx, order.DispatchID, 500, order.ReportCode+1)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotAuthorized))

	require.NoError(t, db.MarkDispatchFail(ctx, order.DispatchID, 500, order.ReportCode))

	// A second failure report for the same dispatch is rejected.
	err = db.MarkDispatchFail(ctx, order.DispatchID, 500, order.ReportCode)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.AlreadyReported))
}
