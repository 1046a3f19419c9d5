package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/textvault/coordinator/internal/apperr"
)

// QueueWork admits work_id/file_format as a job, following queue_work's
// admission rule: skip if already archived at an equal-or-newer
// updated_time, return the existing job id if one is already in flight, and
// otherwise insert a fresh job. Returns (nil, nil) for "already archived".
func (s *Store) QueueWork(ctx context.Context, workID int64, updatedTime int64, format Format, submittedBy string, title, author *string) (*int64, error) {
	if !ValidFormats[format] {
		return nil, apperr.New(apperr.InvalidFormat, "%q is not a valid format", format)
	}

	var existingJobID *int64
	err := s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var headUpdated int64
		err := tx.QueryRow(ctx, `
			SELECT updated_time FROM storage
			WHERE work_id = $1 AND format = $2 AND patch_of IS NULL
		`, workID, format).Scan(&headUpdated)
		switch {
		case err == nil:
			if headUpdated >= updatedTime {
				return nil // already archived at or past this updated_time
			}
		case errors.Is(err, pgx.ErrNoRows):
			// no existing version yet, fall through to admission
		default:
			return fmt.Errorf("checking existing storage entry: %w", err)
		}

		var jobID int64
		err = tx.QueryRow(ctx, `
			SELECT job_id FROM queue
			WHERE work_id = $1 AND format = $2 AND NOT complete
		`, workID, format).Scan(&jobID)
		switch {
		case err == nil:
			existingJobID = &jobID
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			// no incomplete job yet, insert one
		default:
			return fmt.Errorf("checking existing job: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO queue (work_id, format, updated, submitted_by_id, title, author)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING job_id
		`, workID, format, updatedTime, submittedBy, title, author).Scan(&jobID)
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
		existingJobID = &jobID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return existingJobID, nil
}

// GetJob loads a job row by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	return getJob(ctx, s.Pool, jobID)
}

func getJob(ctx context.Context, q querier, jobID int64) (*Job, error) {
	var j Job
	err := q.QueryRow(ctx, `
		SELECT job_id, work_id, format, submitted_time, updated, submitted_by_id, title, author, complete, success
		FROM queue WHERE job_id = $1
	`, jobID).Scan(&j.JobID, &j.WorkID, &j.FileFormat, &j.SubmittedTime, &j.UpdatedTime, &j.SubmittedBy, &j.Title, &j.Author, &j.Complete, &j.Success)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.JobNotFound, "no job with id %d", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %d: %w", jobID, err)
	}
	return &j, nil
}

// JobStatus returns the externally visible status of a job.
func (s *Store) JobStatus(ctx context.Context, jobID int64) (Status, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Status(), nil
}

// markJobComplete finalizes a job's terminal state. A job's complete flag is
// set exactly once; callers must not call this twice for the same job.
func markJobComplete(ctx context.Context, tx pgx.Tx, jobID int64, success bool) error {
	_, err := tx.Exec(ctx, `UPDATE queue SET complete = true, success = $2 WHERE job_id = $1`, jobID, success)
	if err != nil {
		return fmt.Errorf("marking job %d complete: %w", jobID, err)
	}
	return nil
}
