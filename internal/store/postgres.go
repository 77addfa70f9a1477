package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// Postgres persists job metadata (source of truth).
type Postgres struct {
	db   *pgxpool.Pool
	sink IndexSink
}

func NewPostgres(db *pgxpool.Pool, sink IndexSink) *Postgres {
	return &Postgres{db: db, sink: sink}
}

const jobColumns = `id, user_id, source_service, destination_service, source_files,
destination_path, status, progress, current_file_index, error, retry_count,
max_retries, priority, created_at, updated_at, started_at, completed_at`

func (s *Postgres) Create(ctx context.Context, job *domain.TransferJob) error {
	files, err := json.Marshal(job.SourceFiles)
	if err != nil {
		return errors.Wrap(err, "encode source files")
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		job.ID, job.UserID, job.SourceService, job.DestinationService, files,
		job.DestinationPath, job.Status, job.Progress, job.CurrentFileIndex,
		job.Error, job.RetryCount, job.MaxRetries, job.Priority,
		now, now, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return domain.ErrDuplicateID
		}
		return errors.Wrap(err, "insert job")
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	s.patch(ctx, job)
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.TransferJob, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	return scanJob(row)
}

// Update runs the field merge inside a row-locked transaction so two
// writers to the same job cannot interleave fields.
func (s *Postgres) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.TransferJob, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1 for update`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	applyUpdate(job, u, time.Now().UTC())
	if err := writeJob(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	if touchesIndex(u) {
		s.patch(ctx, job)
	}
	return job, nil
}

func (s *Postgres) Query(ctx context.Context, f QueryFilter) ([]*domain.TransferJob, error) {
	q := `select ` + jobColumns + ` from jobs where status = any($1)`
	args := []any{statusStrings(f.Statuses)}
	if f.UserID != "" {
		q += ` and user_id = $2`
		args = append(args, f.UserID)
	}
	q += ` order by priority desc, created_at asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` limit $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	var out []*domain.TransferJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Claim is the conditional queued->processing transition: the write
// succeeds only if the stored status is still queued, so two pollers
// racing on the same job produce exactly one executor.
func (s *Postgres) Claim(ctx context.Context, id string) (*domain.TransferJob, bool, error) {
	row := s.db.QueryRow(ctx, `update jobs
    set status = 'processing',
        started_at = coalesce(started_at, now()),
        updated_at = now()
  where id = $1 and status = 'queued'
  returning `+jobColumns, id)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) {
		// Distinguish a missing job from a lost race.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, false, gerr
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.patch(ctx, job)
	return job, true, nil
}

func (s *Postgres) Touch(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `update jobs set updated_at = now() where id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "touch job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(ctx,
		`select id from jobs where status = 'processing' and updated_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "scan stale jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return n, errors.Wrap(err, "begin")
		}
		row := tx.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1 and status = 'processing' for update`, id)
		job, err := scanJob(row)
		if err != nil {
			_ = tx.Rollback(ctx)
			if errors.Is(err, domain.ErrNotFound) {
				continue // finished meanwhile
			}
			return n, err
		}
		retryOrFail(job, "executor heartbeat lost", time.Now().UTC())
		if err := writeJob(ctx, tx, job); err != nil {
			_ = tx.Rollback(ctx)
			return n, err
		}
		if err := tx.Commit(ctx); err != nil {
			return n, errors.Wrap(err, "commit")
		}
		s.patch(ctx, job)
		n++
	}
	return n, nil
}

func (s *Postgres) patch(ctx context.Context, job *domain.TransferJob) {
	if s.sink != nil {
		s.sink.PatchJob(ctx, job)
	}
}

func writeJob(ctx context.Context, tx pgx.Tx, j *domain.TransferJob) error {
	files, err := json.Marshal(j.SourceFiles)
	if err != nil {
		return errors.Wrap(err, "encode source files")
	}
	_, err = tx.Exec(ctx, `update jobs set
    status = $2, progress = $3, current_file_index = $4, error = $5,
    retry_count = $6, priority = $7, updated_at = $8, started_at = $9,
    completed_at = $10, source_files = $11
  where id = $1`,
		j.ID, j.Status, j.Progress, j.CurrentFileIndex, j.Error,
		j.RetryCount, j.Priority, j.UpdatedAt, j.StartedAt, j.CompletedAt, files)
	return errors.Wrap(err, "write job")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.TransferJob, error) {
	var (
		j     domain.TransferJob
		files []byte
	)
	err := row.Scan(&j.ID, &j.UserID, &j.SourceService, &j.DestinationService, &files,
		&j.DestinationPath, &j.Status, &j.Progress, &j.CurrentFileIndex, &j.Error,
		&j.RetryCount, &j.MaxRetries, &j.Priority, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	if err := json.Unmarshal(files, &j.SourceFiles); err != nil {
		return nil, errors.Wrap(err, "decode source files")
	}
	return &j, nil
}

func statusStrings(in []domain.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
