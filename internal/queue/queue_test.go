package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/queue"
	"github.com/textvault/coordinator/internal/store"
)

func TestQueueAdmitLeaseStatus(t *testing.T) {
	db, err := store.Open(t.Context(), "postgres://postgres@localhost:5432/test")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	q := queue.New(db)
	ctx := t.Context()

	jobID, err := q.Admit(ctx, 707, 5000, store.FormatMOBI, "tester", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, jobID)

	status, err := q.Status(ctx, *jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, status)

	order, err := q.Lease(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, *jobID, order.JobID)

	require.NoError(t, q.ReportFailure(ctx, order.DispatchID, 503, order.ReportCode))
}
