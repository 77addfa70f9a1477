// Package index keeps the denormalized per-user job view in Redis and
// broadcasts progress events over pub/sub. Both paths are best-effort:
// a Redis outage degrades the live view, never a job.
package index

import (
	"context"
	"encoding/json"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// JobSummary is the denormalized copy stored per user. It carries
// exactly what a listing needs so the UI never re-reads the primary
// record.
type JobSummary struct {
	ID        string        `json:"id"`
	Status    domain.Status `json:"status"`
	Progress  int           `json:"progress"`
	Error     *string       `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Event is one fire-and-forget progress notification.
type Event struct {
	JobID    string        `json:"jobId"`
	UserID   string        `json:"userId"`
	Status   domain.Status `json:"status"`
	Progress int           `json:"progress"`
	File     string        `json:"file,omitempty"`
	Error    *string       `json:"error,omitempty"`
}

// Broadcaster delivers progress events to whoever is listening.
// Delivery failure must never fail the job.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event)
}

type Redis struct {
	rdb *r.Client
	log *zap.Logger
}

func NewRedis(rdb *r.Client, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, log: log}
}

func userKey(userID string) string { return "user:" + userID + ":jobs" }
func channel(userID string) string { return "transfers:" + userID }

// PatchJob upserts the user-scoped copy of the job. Implements
// store.IndexSink.
func (x *Redis) PatchJob(ctx context.Context, job *domain.TransferJob) {
	s := JobSummary{
		ID:        job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Error:     job.Error,
		UpdatedAt: job.UpdatedAt,
	}
	b, err := json.Marshal(s)
	if err != nil {
		x.log.Warn("index: encode summary", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := x.rdb.HSet(ctx, userKey(job.UserID), job.ID, b).Err(); err != nil {
		x.log.Warn("index: patch failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (x *Redis) Publish(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		x.log.Warn("broadcast: encode event", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	if err := x.rdb.Publish(ctx, channel(ev.UserID), b).Err(); err != nil {
		x.log.Warn("broadcast: publish failed", zap.String("job_id", ev.JobID), zap.Error(err))
	}
}

// UserJobs reads the denormalized listing for one user straight from
// the index, optionally filtered to active jobs.
func (x *Redis) UserJobs(ctx context.Context, userID string, activeOnly bool) ([]JobSummary, error) {
	m, err := x.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(m))
	for _, raw := range m {
		var s JobSummary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		if activeOnly && !s.Status.IsActive() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Noop is the broadcaster used when no Redis is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
