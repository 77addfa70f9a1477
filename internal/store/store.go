// Package store holds the durable transfer-job records. The Postgres
// implementation is the source of truth; the memory implementation
// mirrors its semantics for tests and single-node development.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// QueryFilter selects jobs by status set and optionally by owner.
// Results are always ordered by (priority desc, createdAt asc). An
// empty status set matches nothing.
type QueryFilter struct {
	Statuses []domain.Status
	UserID   string
	Limit    int
}

// IndexSink receives a denormalized copy of a job whenever its status
// or progress changes, so per-user listings never need a second read
// of the primary record. Sink failures are logged, not propagated:
// the index is eventually consistent with the primary record.
type IndexSink interface {
	PatchJob(ctx context.Context, job *domain.TransferJob)
}

// JobStore is durable CRUD over transfer jobs plus the scheduler's
// claim and liveness primitives.
type JobStore interface {
	// Create persists a new job. Returns domain.ErrDuplicateID if the
	// id is already taken.
	Create(ctx context.Context, job *domain.TransferJob) error
	// Get returns the job or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.TransferJob, error)
	// Update merges the non-nil fields of u into the stored job and
	// returns the result. Status transitions auto-stamp StartedAt and
	// CompletedAt. Returns domain.ErrNotFound if the job is absent.
	Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.TransferJob, error)
	// Query returns a point-in-time snapshot matching the filter.
	Query(ctx context.Context, f QueryFilter) ([]*domain.TransferJob, error)
	// Claim atomically transitions the job from queued to processing.
	// The second return is false if the job was not in queued state at
	// write time (already claimed, paused, terminal); nothing changes
	// in that case.
	Claim(ctx context.Context, id string) (*domain.TransferJob, bool, error)
	// Touch bumps UpdatedAt as a liveness heartbeat.
	Touch(ctx context.Context, id string) error
	// RequeueStale finds processing jobs whose heartbeat is older than
	// olderThan and pushes them back through the retry policy: requeue
	// with RetryCount+1, or terminal failed once retries are spent.
	// Returns the number of jobs moved.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// applyUpdate merges u into j in place, stamping lifecycle timestamps
// on status transitions. Both store implementations share it so the
// HTTP PUT surface and the executor stamp identically. Re-applying the
// same update is a no-op apart from UpdatedAt.
func applyUpdate(j *domain.TransferJob, u domain.JobUpdate, now time.Time) {
	if u.Status != nil && *u.Status != j.Status {
		switch *u.Status {
		case domain.StatusProcessing:
			if j.StartedAt == nil {
				j.StartedAt = domain.TimePtr(now)
			}
		case domain.StatusCompleted, domain.StatusFailed:
			j.CompletedAt = domain.TimePtr(now)
		}
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.CurrentFileIndex != nil {
		j.CurrentFileIndex = *u.CurrentFileIndex
	}
	if u.ClearError {
		j.Error = nil
	} else if u.Error != nil {
		j.Error = u.Error
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	if u.Priority != nil {
		j.Priority = *u.Priority
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	j.UpdatedAt = now
}

// retryOrFail applies the retry policy to a job that lost its executor
// (stale heartbeat). Mirrors the executor's per-file failure handling.
func retryOrFail(j *domain.TransferJob, reason string, now time.Time) {
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = domain.StatusQueued
		j.Error = domain.StrPtr(fmt.Sprintf("Retry %d/%d", j.RetryCount, j.MaxRetries))
		j.Progress = 0
		j.CurrentFileIndex = 0
	} else {
		j.Status = domain.StatusFailed
		j.Error = domain.StrPtr(reason)
		j.CompletedAt = domain.TimePtr(now)
	}
	j.UpdatedAt = now
}

func touchesIndex(u domain.JobUpdate) bool {
	return u.Status != nil || u.Progress != nil || u.Error != nil || u.ClearError
}
