// Package executor moves one claimed job's files from its source
// provider to its destination, updating progress after every file.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cloudporter/cloudporter/internal/domain"
	"github.com/cloudporter/cloudporter/internal/index"
	"github.com/cloudporter/cloudporter/internal/provider"
	"github.com/cloudporter/cloudporter/internal/store"
	"github.com/cloudporter/cloudporter/internal/wallet"
)

const gib = int64(1 << 30)

type Executor struct {
	store           store.JobStore
	resolver        provider.Resolver
	wallet          wallet.Ledger
	history         store.HistoryStore
	broadcast       index.Broadcaster
	costPerGiBCents int64
	log             *zap.Logger
}

func New(s store.JobStore, r provider.Resolver, w wallet.Ledger, h store.HistoryStore, b index.Broadcaster, costPerGiBCents int64, log *zap.Logger) *Executor {
	if b == nil {
		b = index.Noop{}
	}
	return &Executor{store: s, resolver: r, wallet: w, history: h, broadcast: b, costPerGiBCents: costPerGiBCents, log: log}
}

// Run claims the job and processes its files in order. A job that is
// no longer queued (claimed by another cycle, paused, terminal) is a
// silent no-op. File errors feed the retry policy; credentials and
// funds problems fail the job outright.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	job, claimed, err := e.store.Claim(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "claim job %s", jobID)
	}
	if !claimed {
		return nil
	}
	log := e.log.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))
	log.Info("job started",
		zap.String("source", job.SourceService),
		zap.String("destination", job.DestinationService),
		zap.Int("files", len(job.SourceFiles)),
		zap.Int("attempt", job.RetryCount+1))
	e.publish(ctx, job, "")

	// debited tracks the charge taken by this attempt so a shutdown
	// re-queue can hand it back (the rerun will charge again).
	var debited int64

	src, err := e.resolver.Resolve(ctx, job.UserID, job.SourceService)
	if err != nil {
		return e.fail(ctx, job, errors.Wrapf(err, "resolve source %s", job.SourceService), debited, log)
	}
	dst, err := e.resolver.Resolve(ctx, job.UserID, job.DestinationService)
	if err != nil {
		return e.fail(ctx, job, errors.Wrapf(err, "resolve destination %s", job.DestinationService), debited, log)
	}

	// Only the first attempt is charged; retries re-run work the user
	// already paid for.
	if cost := e.cost(job.TotalBytes()); cost > 0 && job.RetryCount == 0 {
		ok, err := e.wallet.Debit(ctx, job.UserID, cost, fmt.Sprintf("transfer job %s", job.ID))
		if err != nil {
			return e.fail(ctx, job, errors.Wrap(err, "debit wallet"), debited, log)
		}
		if !ok {
			return e.fail(ctx, job, errors.Wrapf(domain.ErrInsufficientFunds, "need %d cents", cost), debited, log)
		}
		debited = cost
	}

	var transferred int64
	total := len(job.SourceFiles)
	for i, f := range job.SourceFiles {
		if err := ctx.Err(); err != nil {
			return e.requeueOnShutdown(job, debited, log)
		}
		flog := log.With(zap.String("file", f.Name), zap.Int("attempt", job.RetryCount+1))

		data, err := src.Download(ctx, f.ID)
		if err != nil {
			flog.Warn("download failed", zap.Error(err))
			return e.fail(ctx, job, err, debited, log)
		}
		if _, err := dst.Upload(ctx, data, f.Name, job.DestinationPath); err != nil {
			flog.Warn("upload failed", zap.Error(err))
			return e.fail(ctx, job, err, debited, log)
		}
		transferred += int64(len(data))

		pct := domain.ProgressFor(i+1, total)
		upd := domain.JobUpdate{
			Progress:         domain.IntPtr(pct),
			CurrentFileIndex: domain.IntPtr(i + 1),
		}
		if i+1 == total {
			upd.Status = domain.StatusPtr(domain.StatusCompleted)
			upd.ClearError = true
		}
		job, err = e.store.Update(ctx, job.ID, upd)
		if err != nil {
			// Leave the job as last written; the stale-heartbeat sweep
			// will pick it back up.
			flog.Error("progress write failed", zap.Error(err))
			return errors.Wrapf(err, "update job %s", job.ID)
		}
		e.publish(ctx, job, f.Name)
		flog.Debug("file transferred", zap.Int("progress", pct))
	}

	if err := e.history.Append(ctx, domain.HistoryRecord{
		JobID:              job.ID,
		UserID:             job.UserID,
		SourceService:      job.SourceService,
		DestinationService: job.DestinationService,
		FileCount:          total,
		Bytes:              transferred,
		CompletedAt:        time.Now().UTC(),
	}); err != nil {
		log.Error("history append failed", zap.Error(err))
	}
	log.Info("job completed", zap.Int64("bytes", transferred))
	return nil
}

// fail applies the retry policy: transient errors re-queue the job for
// a full restart until retries are spent, terminal ones fail it now.
// A canceled ctx means the shutdown surfaced through a provider call;
// that path re-queues on a detached ctx and consumes no retry.
func (e *Executor) fail(ctx context.Context, job *domain.TransferJob, cause error, debited int64, log *zap.Logger) error {
	if ctx.Err() != nil {
		return e.requeueOnShutdown(job, debited, log)
	}
	var upd domain.JobUpdate
	if !domain.Terminal(cause) && job.RetryCount < job.MaxRetries {
		n := job.RetryCount + 1
		upd = domain.JobUpdate{
			Status:           domain.StatusPtr(domain.StatusQueued),
			RetryCount:       domain.IntPtr(n),
			Error:            domain.StrPtr(fmt.Sprintf("Retry %d/%d", n, job.MaxRetries)),
			Progress:         domain.IntPtr(0),
			CurrentFileIndex: domain.IntPtr(0),
		}
		log.Warn("job re-queued", zap.Int("retry", n), zap.Int("max_retries", job.MaxRetries), zap.Error(cause))
	} else {
		upd = domain.JobUpdate{
			Status: domain.StatusPtr(domain.StatusFailed),
			Error:  domain.StrPtr(cause.Error()),
		}
		log.Error("job failed", zap.Int("retry", job.RetryCount), zap.Error(cause))
	}
	updated, err := e.store.Update(ctx, job.ID, upd)
	if err != nil {
		log.Error("status write failed", zap.Error(err))
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	e.publish(ctx, updated, "")
	return nil
}

// requeueOnShutdown puts an interrupted job back without consuming a
// retry; the interruption was ours, not the provider's. Any charge the
// aborted attempt took is handed back, since the rerun will charge
// again.
func (e *Executor) requeueOnShutdown(job *domain.TransferJob, debited int64, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if debited > 0 {
		if err := e.wallet.Credit(ctx, job.UserID, debited, fmt.Sprintf("refund transfer job %s", job.ID)); err != nil {
			log.Error("refund on shutdown failed", zap.Int64("cents", debited), zap.Error(err))
		}
	}
	_, err := e.store.Update(ctx, job.ID, domain.JobUpdate{
		Status:           domain.StatusPtr(domain.StatusQueued),
		Progress:         domain.IntPtr(0),
		CurrentFileIndex: domain.IntPtr(0),
	})
	if err != nil {
		log.Error("requeue on shutdown failed", zap.Error(err))
		return err
	}
	log.Info("job re-queued on shutdown")
	return nil
}

func (e *Executor) cost(bytes int64) int64 {
	if bytes <= 0 || e.costPerGiBCents <= 0 {
		return 0
	}
	// Cents per GiB, rounded up to the next cent.
	return (bytes*e.costPerGiBCents + gib - 1) / gib
}

func (e *Executor) publish(ctx context.Context, job *domain.TransferJob, file string) {
	e.broadcast.Publish(ctx, index.Event{
		JobID:    job.ID,
		UserID:   job.UserID,
		Status:   job.Status,
		Progress: job.Progress,
		File:     file,
		Error:    job.Error,
	})
}
