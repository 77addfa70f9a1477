package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloudporter/cloudporter/internal/domain"
)

// Memory is an in-process JobStore with the same merge, stamping and
// claim semantics as the Postgres store.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.TransferJob
	sink IndexSink
	now  func() time.Time
}

func NewMemory(sink IndexSink) *Memory {
	return &Memory{
		jobs: make(map[string]*domain.TransferJob),
		sink: sink,
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Create(ctx context.Context, job *domain.TransferJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.ErrDuplicateID
	}
	now := m.now().UTC()
	cp := cloneJob(job)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.jobs[job.ID] = cp
	m.patch(ctx, cp)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) Update(ctx context.Context, id string, u domain.JobUpdate) (*domain.TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	applyUpdate(j, u, m.now().UTC())
	if touchesIndex(u) {
		m.patch(ctx, j)
	}
	return cloneJob(j), nil
}

func (m *Memory) Query(ctx context.Context, f QueryFilter) ([]*domain.TransferJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// An empty status set matches nothing, same as the SQL
	// `status = any('{}')`.
	if len(f.Statuses) == 0 {
		return nil, nil
	}
	want := make(map[domain.Status]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		want[s] = true
	}
	var out []*domain.TransferJob
	for _, j := range m.jobs {
		if !want[j.Status] {
			continue
		}
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, id string) (*domain.TransferJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if j.Status != domain.StatusQueued {
		return nil, false, nil
	}
	applyUpdate(j, domain.JobUpdate{Status: domain.StatusPtr(domain.StatusProcessing)}, m.now().UTC())
	m.patch(ctx, j)
	return cloneJob(j), true, nil
}

func (m *Memory) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, j := range m.jobs {
		if j.Status != domain.StatusProcessing || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		retryOrFail(j, "executor heartbeat lost", now)
		m.patch(ctx, j)
		n++
	}
	return n, nil
}

func (m *Memory) patch(ctx context.Context, j *domain.TransferJob) {
	if m.sink != nil {
		m.sink.PatchJob(ctx, cloneJob(j))
	}
}

func cloneJob(j *domain.TransferJob) *domain.TransferJob {
	cp := *j
	cp.SourceFiles = append([]domain.FileDescriptor(nil), j.SourceFiles...)
	if j.Error != nil {
		cp.Error = domain.StrPtr(*j.Error)
	}
	if j.StartedAt != nil {
		cp.StartedAt = domain.TimePtr(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		cp.CompletedAt = domain.TimePtr(*j.CompletedAt)
	}
	return &cp
}
