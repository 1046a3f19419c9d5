package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/jackc/pgx/v5"

	"github.com/textvault/coordinator/internal/apperr"
)

// LeaseWindowSeconds is how long a dispatch holds exclusive claim on its job
// before another worker may be leased the same job.
const LeaseWindowSeconds = 4 * 60

// MaxDispatchAttempts is the total-dispatch retry cap (spec.md §4.3):
// enforced by counting every dispatch, reported failure or not, so a silent
// worker also consumes budget.
const MaxDispatchAttempts = 3

// JobOrder is what's handed to a leased worker.
type JobOrder struct {
	DispatchID  int64
	JobID       int64
	WorkID      int64
	FileFormat  Format
	ReportCode  int32
	UpdatedTime int64
	GetImg      bool
}

// GetJobOrder selects and leases at most one job for clientName, implementing
// get_job's full state machine: newest-submitted-first selection among jobs
// with no live lease, recursive failure of jobs that have exhausted their
// retry budget, and random report_code generation for the winning lease.
// Returns nil when the queue is empty.
func (s *Store) GetJobOrder(ctx context.Context, clientName string) (*JobOrder, error) {
	for {
		var jobID, workID int64
		var format Format
		var updated int64

		err := s.Pool.QueryRow(ctx, `
			SELECT job_id, work_id, format, updated
			FROM queue
			WHERE NOT complete
			  AND NOT EXISTS (
				SELECT 1 FROM dispatches
				WHERE dispatches.job_id = queue.job_id
				  AND dispatches.dispatched_time > NOW() - ($1 * INTERVAL '1 second')
			  )
			ORDER BY submitted_time DESC
			LIMIT 1
		`, LeaseWindowSeconds).Scan(&jobID, &workID, &format, &updated)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("selecting next job: %w", err)
		}

		var attempts int
		err = s.Pool.QueryRow(ctx, `SELECT count(*) FROM dispatches WHERE job_id = $1`, jobID).Scan(&attempts)
		if err != nil {
			return nil, fmt.Errorf("counting dispatches for job %d: %w", jobID, err)
		}

		if attempts >= MaxDispatchAttempts {
			err := s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
				return markJobComplete(ctx, tx, jobID, false)
			})
			if err != nil {
				return nil, err
			}
			continue // recurse: this job is no longer eligible, try again
		}

		reportCode := int32(rand.IntN(65536) - 32768)
		var dispatchID int64
		err = s.Pool.QueryRow(ctx, `
			INSERT INTO dispatches (job_id, dispatched_to_name, report_code)
			VALUES ($1, $2, $3)
			RETURNING dispatch_id
		`, jobID, clientName, reportCode).Scan(&dispatchID)
		if err != nil {
			return nil, fmt.Errorf("creating dispatch for job %d: %w", jobID, err)
		}

		return &JobOrder{
			DispatchID:  dispatchID,
			JobID:       jobID,
			WorkID:      workID,
			FileFormat:  format,
			ReportCode:  reportCode,
			UpdatedTime: updated,
			GetImg:      true,
		}, nil
	}
}

// MarkDispatchFail records a worker-reported failure, authenticating with
// report_code and rejecting a dispatch whose failure was already reported.
// If the job's total dispatch count has now reached the retry cap, the job
// is marked complete/failed.
func (s *Store) MarkDispatchFail(ctx context.Context, dispatchID int64, failStatus int32, reportCode int32) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var storedCode int32
		var fails bool
		var jobID int64
		err := tx.QueryRow(ctx, `
			SELECT report_code, fail_reported, job_id FROM dispatches WHERE dispatch_id = $1
		`, dispatchID).Scan(&storedCode, &fails, &jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.JobNotFound, "no dispatch with id %d", dispatchID)
		}
		if err != nil {
			return fmt.Errorf("loading dispatch %d: %w", dispatchID, err)
		}
		if reportCode != storedCode {
			return apperr.New(apperr.NotAuthorized, "report code mismatch for dispatch %d", dispatchID)
		}
		if fails {
			return apperr.New(apperr.AlreadyReported, "dispatch %d already reported a failure", dispatchID)
		}

		_, err = tx.Exec(ctx, `
			UPDATE dispatches SET fail_reported = true, fail_status = $2, complete = true WHERE dispatch_id = $1
		`, dispatchID, failStatus)
		if err != nil {
			return fmt.Errorf("marking dispatch %d failed: %w", dispatchID, err)
		}

		var attempts int
		err = tx.QueryRow(ctx, `SELECT count(*) FROM dispatches WHERE job_id = $1`, jobID).Scan(&attempts)
		if err != nil {
			return fmt.Errorf("counting dispatches for job %d: %w", jobID, err)
		}
		if attempts >= MaxDispatchAttempts {
			if err := markJobComplete(ctx, tx, jobID, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepExhausted marks complete/failed any job whose dispatch count has
// reached the retry cap but was never visited by get_job's own recursive
// failure path -- e.g. a job nobody has requested since its last expired
// lease. This is the coordinator's maintenance loop, generalizing the
// original ao3_saver_backend heartbeat's clear_queue_by_attempts sweep.
func (s *Store) SweepExhausted(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE queue SET complete = true, success = false
		WHERE NOT complete
		  AND job_id IN (
			SELECT job_id FROM dispatches GROUP BY job_id HAVING count(*) >= $1
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM dispatches
			WHERE dispatches.job_id = queue.job_id
			  AND dispatches.dispatched_time > NOW() - ($2 * INTERVAL '1 second')
		  )
	`, MaxDispatchAttempts, LeaseWindowSeconds)
	if err != nil {
		return 0, fmt.Errorf("sweeping exhausted jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
