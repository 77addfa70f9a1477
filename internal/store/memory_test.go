package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudporter/cloudporter/internal/domain"
)

func newJob(id, userID string, priority int) *domain.TransferJob {
	return &domain.TransferJob{
		ID:                 id,
		UserID:             userID,
		SourceService:      "google-drive",
		DestinationService: "onedrive",
		SourceFiles: []domain.FileDescriptor{
			{ID: "f1", Name: "a.txt", Size: 10},
		},
		DestinationPath: "root",
		Status:          domain.StatusQueued,
		MaxRetries:      domain.DefaultMaxRetries,
		Priority:        priority,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	job := newJob("j1", "u1", 0)
	require.NoError(t, m.Create(ctx, job))

	got, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)

	assert.ErrorIs(t, m.Create(ctx, newJob("j1", "u1", 0)), domain.ErrDuplicateID)

	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryUpdateStampsLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))

	got, err := m.Update(ctx, "j1", domain.JobUpdate{Status: domain.StatusPtr(domain.StatusProcessing)})
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	started := *got.StartedAt
	got, err = m.Update(ctx, "j1", domain.JobUpdate{
		Status:   domain.StatusPtr(domain.StatusCompleted),
		Progress: domain.IntPtr(100),
	})
	require.NoError(t, err)
	assert.Equal(t, started, *got.StartedAt, "StartedAt set only once")
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 100, got.Progress)
}

func TestMemoryUpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))

	upd := domain.JobUpdate{
		Status:   domain.StatusPtr(domain.StatusFailed),
		Error:    domain.StrPtr("boom"),
		Progress: domain.IntPtr(50),
	}
	first, err := m.Update(ctx, "j1", upd)
	require.NoError(t, err)
	second, err := m.Update(ctx, "j1", upd)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Progress, second.Progress)
	assert.Equal(t, *first.Error, *second.Error)
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt, "terminal stamp not moved by replay")
	assert.Equal(t, first.RetryCount, second.RetryCount)
}

func TestMemoryUpdateClearsError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))

	_, err := m.Update(ctx, "j1", domain.JobUpdate{Error: domain.StrPtr("Retry 1/3")})
	require.NoError(t, err)
	got, err := m.Update(ctx, "j1", domain.JobUpdate{ClearError: true})
	require.NoError(t, err)
	assert.Nil(t, got.Error)
}

func TestMemoryQueryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	require.NoError(t, m.Create(ctx, newJob("low-old", "u1", 0)))
	require.NoError(t, m.Create(ctx, newJob("high", "u1", 5)))
	require.NoError(t, m.Create(ctx, newJob("low-new", "u2", 0)))

	jobs, err := m.Query(ctx, QueryFilter{Statuses: []domain.Status{domain.StatusQueued}})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "high", jobs[0].ID, "priority desc first")
	assert.Equal(t, "low-old", jobs[1].ID, "then createdAt asc")
	assert.Equal(t, "low-new", jobs[2].ID)

	jobs, err = m.Query(ctx, QueryFilter{Statuses: []domain.Status{domain.StatusQueued}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = m.Query(ctx, QueryFilter{Statuses: domain.ActiveStatuses, UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "low-new", jobs[0].ID)
}

func TestMemoryQueryEmptyStatusSetMatchesNothing(t *testing.T) {
	// Same semantics as the SQL store's `status = any('{}')`.
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))

	jobs, err := m.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = m.Query(ctx, QueryFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMemoryClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := m.Claim(ctx, "j1")
			assert.NoError(t, err)
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one claimer wins the queued->processing transition")

	got, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestMemoryClaimRefusesPaused(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))
	_, err := m.Update(ctx, "j1", domain.JobUpdate{Status: domain.StatusPtr(domain.StatusPaused)})
	require.NoError(t, err)

	_, claimed, err := m.Claim(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, claimed)

	// Back to queued makes it eligible again.
	_, err = m.Update(ctx, "j1", domain.JobUpdate{Status: domain.StatusPtr(domain.StatusQueued)})
	require.NoError(t, err)
	_, claimed, err = m.Claim(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryRequeueStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Create(ctx, newJob("stuck", "u1", 0)))
	_, _, err := m.Claim(ctx, "stuck")
	require.NoError(t, err)

	require.NoError(t, m.Create(ctx, newJob("fresh", "u1", 0)))
	_, _, err = m.Claim(ctx, "fresh")
	require.NoError(t, err)
	// fresh gets a recent heartbeat after time advances
	now = now.Add(20 * time.Minute)
	require.NoError(t, m.Touch(ctx, "fresh"))

	n, err := m.RequeueStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := m.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stuck.Status)
	assert.Equal(t, 1, stuck.RetryCount)
	assert.Equal(t, 0, stuck.Progress)
	require.NotNil(t, stuck.Error)
	assert.Equal(t, "Retry 1/3", *stuck.Error)

	fresh, err := m.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, fresh.Status)
}

func TestMemoryRequeueStaleExhaustsToFailed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	job := newJob("j1", "u1", 0)
	job.MaxRetries = 1
	require.NoError(t, m.Create(ctx, job))

	for cycle := 0; cycle < 2; cycle++ {
		_, claimed, err := m.Claim(ctx, "j1")
		require.NoError(t, err)
		require.True(t, claimed)
		now = now.Add(time.Hour)
		_, err = m.RequeueStale(ctx, 10*time.Minute)
		require.NoError(t, err)
	}

	got, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount, "retryCount never exceeds maxRetries")
	assert.NotNil(t, got.CompletedAt)
}

func TestProgressCompletedInvariant(t *testing.T) {
	// progress == 100 iff status == completed across every transition
	// the store performs on its own (requeue, claim, stamps).
	ctx := context.Background()
	rec := &recordingSink{}
	m := NewMemory(rec)
	require.NoError(t, m.Create(ctx, newJob("j1", "u1", 0)))
	_, _, err := m.Claim(ctx, "j1")
	require.NoError(t, err)
	_, err = m.Update(ctx, "j1", domain.JobUpdate{
		Status:   domain.StatusPtr(domain.StatusCompleted),
		Progress: domain.IntPtr(100),
	})
	require.NoError(t, err)

	for _, j := range rec.jobs {
		assert.GreaterOrEqual(t, j.Progress, 0)
		assert.LessOrEqual(t, j.Progress, 100)
		if j.Status == domain.StatusCompleted {
			assert.Equal(t, 100, j.Progress)
		} else {
			assert.Less(t, j.Progress, 100)
		}
	}
}

func TestProgressFor(t *testing.T) {
	cases := []struct {
		done, total, want int
	}{
		{0, 4, 0}, {1, 4, 25}, {2, 4, 50}, {3, 4, 75}, {4, 4, 100},
		{1, 3, 33}, {2, 3, 67},
		{0, 0, 100},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%d_of_%d", c.done, c.total), func(t *testing.T) {
			assert.Equal(t, c.want, domain.ProgressFor(c.done, c.total))
		})
	}
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []*domain.TransferJob
}

func (r *recordingSink) PatchJob(_ context.Context, job *domain.TransferJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}
