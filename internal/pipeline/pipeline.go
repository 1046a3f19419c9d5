// Package pipeline composes the queue, version, and supporting-object
// engines into the two work-submission paths described in spec.md §4.4: the
// normal worker submission (dispatch-gated) and the sideload submission
// (bypasses the queue entirely). Both run inside one transaction so no
// partial state is ever observable by a reader.
package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/store"
	"github.com/textvault/coordinator/internal/version"
)

// Pipeline wires the store and version engine used by both submission
// paths.
type Pipeline struct {
	Store   *store.Store
	Version *version.Engine
}

// New constructs a Pipeline.
func New(s *store.Store, v *version.Engine) *Pipeline {
	return &Pipeline{Store: s, Version: v}
}

// SubmitResult is returned to the worker protocol's /submit_job handler.
type SubmitResult struct {
	FoundAsDuplicate bool
	Unfetched        []store.UnfetchedObject
}

// SubmitJob validates a worker's dispatch claim, then runs the version
// engine's store operation, and finally marks both the dispatch and its job
// complete. DuplicateDetected is handled locally as a successful outcome
// (dispatch.found_as_duplicate = true) rather than propagated as an error,
// per spec.md §7's error-handling policy.
func (p *Pipeline) SubmitJob(ctx context.Context, dispatchID int64, reportCode int32, raw []byte, retrievedFrom string) (*SubmitResult, error) {
	var result SubmitResult

	err := p.Store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		dispatch, job, err := loadAndAuthorize(ctx, tx, dispatchID, reportCode)
		if err != nil {
			return err
		}

		storeResult, err := p.Version.Store(ctx, tx, job.WorkID, raw, job.UpdatedTime, retrievedFrom, job.FileFormat, job.Title, job.Author)
		if apperr.Is(err, apperr.DuplicateDetected) {
			result.FoundAsDuplicate = true
			return completeDispatch(ctx, tx, dispatch.DispatchID, job.JobID, true, true)
		}
		if err != nil {
			return fmt.Errorf("storing submission for job %d: %w", job.JobID, err)
		}

		result.Unfetched = storeResult.Unfetched
		return completeDispatch(ctx, tx, dispatch.DispatchID, job.JobID, true, false)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SideloadSubmit implements /submit_work: it stores a version directly,
// bypassing the queue and dispatch machinery entirely, for administrators
// backfilling or correcting content out of band.
func (p *Pipeline) SideloadSubmit(ctx context.Context, workID int64, raw []byte, format store.Format, updatedTime int64, requesterID string, title, author *string) (*version.StoreResult, error) {
	var result *version.StoreResult
	err := p.Store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		result, err = p.Version.Store(ctx, tx, workID, raw, updatedTime, requesterID, format, title, author)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func loadAndAuthorize(ctx context.Context, tx pgx.Tx, dispatchID int64, reportCode int32) (*store.Dispatch, *store.Job, error) {
	var d store.Dispatch
	err := tx.QueryRow(ctx, `
		SELECT dispatch_id, job_id, dispatched_to_name, dispatched_time, report_code, fail_reported, fail_status, complete, found_as_duplicate
		FROM dispatches WHERE dispatch_id = $1
	`, dispatchID).Scan(&d.DispatchID, &d.JobID, &d.DispatchedToName, &d.DispatchedTime, &d.ReportCode, &d.FailReported, &d.FailStatus, &d.Complete, &d.FoundAsDuplicate)
	if err != nil {
		return nil, nil, apperr.New(apperr.JobNotFound, "no dispatch with id %d", dispatchID)
	}
	if d.ReportCode != reportCode {
		return nil, nil, apperr.New(apperr.NotAuthorized, "report code mismatch for dispatch %d", dispatchID)
	}
	if d.IsTerminal() {
		return nil, nil, apperr.New(apperr.JobNotFound, "dispatch %d is already finalized", dispatchID)
	}

	var j store.Job
	err = tx.QueryRow(ctx, `
		SELECT job_id, work_id, format, submitted_time, updated, submitted_by_id, title, author, complete, success
		FROM queue WHERE job_id = $1
	`, d.JobID).Scan(&j.JobID, &j.WorkID, &j.FileFormat, &j.SubmittedTime, &j.UpdatedTime, &j.SubmittedBy, &j.Title, &j.Author, &j.Complete, &j.Success)
	if err != nil {
		return nil, nil, apperr.New(apperr.JobNotFound, "no job for dispatch %d", dispatchID)
	}

	return &d, &j, nil
}

func completeDispatch(ctx context.Context, tx pgx.Tx, dispatchID, jobID int64, complete, foundAsDuplicate bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE dispatches SET complete = $2, found_as_duplicate = $3 WHERE dispatch_id = $1
	`, dispatchID, complete, foundAsDuplicate)
	if err != nil {
		return fmt.Errorf("completing dispatch %d: %w", dispatchID, err)
	}
	_, err = tx.Exec(ctx, `UPDATE queue SET complete = true, success = true WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("completing job %d: %w", jobID, err)
	}
	return nil
}
