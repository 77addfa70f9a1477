package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// HistoryStore records one row per completed transfer.
type HistoryStore interface {
	Append(ctx context.Context, rec domain.HistoryRecord) error
}

type PgHistory struct {
	db *pgxpool.Pool
}

func NewPgHistory(db *pgxpool.Pool) *PgHistory { return &PgHistory{db: db} }

func (h *PgHistory) Append(ctx context.Context, rec domain.HistoryRecord) error {
	_, err := h.db.Exec(ctx, `insert into transfer_history(
job_id, user_id, source_service, destination_service, file_count, bytes, completed_at
) values ($1,$2,$3,$4,$5,$6,$7)`,
		rec.JobID, rec.UserID, rec.SourceService, rec.DestinationService,
		rec.FileCount, rec.Bytes, rec.CompletedAt)
	return errors.Wrap(err, "append history")
}

// MemoryHistory collects records in memory for tests.
type MemoryHistory struct {
	mu      sync.Mutex
	Records []domain.HistoryRecord
}

func NewMemoryHistory() *MemoryHistory { return &MemoryHistory{} }

func (h *MemoryHistory) Append(_ context.Context, rec domain.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Records = append(h.Records, rec)
	return nil
}
