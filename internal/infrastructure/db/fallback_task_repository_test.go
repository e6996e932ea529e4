package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

// flakyRepository is a primary store that can be switched off.
type flakyRepository struct {
	*MemoryTaskRepository
	down   atomic.Bool
	writes atomic.Int32
}

func newFlakyRepository() *flakyRepository {
	return &flakyRepository{MemoryTaskRepository: NewMemoryTaskRepository()}
}

func (f *flakyRepository) unavailable() error {
	return fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

func (f *flakyRepository) Create(ctx context.Context, task *domain.Task) error {
	if f.down.Load() {
		return f.unavailable()
	}
	f.writes.Add(1)
	return f.MemoryTaskRepository.Create(ctx, task)
}

func (f *flakyRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	if f.down.Load() {
		return nil, f.unavailable()
	}
	return f.MemoryTaskRepository.Get(ctx, id)
}

func (f *flakyRepository) Update(ctx context.Context, id string, u domain.ProgressUpdate) error {
	if f.down.Load() {
		return f.unavailable()
	}
	f.writes.Add(1)
	return f.MemoryTaskRepository.Update(ctx, id, u)
}

func (f *flakyRepository) Save(ctx context.Context, task *domain.Task) error {
	if f.down.Load() {
		return f.unavailable()
	}
	f.writes.Add(1)
	return f.MemoryTaskRepository.Save(ctx, task)
}

func (f *flakyRepository) ListByUser(ctx context.Context, user string, limit, offset int) ([]domain.Task, error) {
	if f.down.Load() {
		return nil, f.unavailable()
	}
	return f.MemoryTaskRepository.ListByUser(ctx, user, limit, offset)
}

func TestFallbackWritesThroughToPrimary(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	repo := NewFallbackTaskRepository(primary, nil, logger.NewNop())

	if err := repo.Create(ctx, newTask("t1", "u1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Update(ctx, "t1", domain.ProgressUpdate{Percentage: domain.Float64Ptr(40)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := primary.MemoryTaskRepository.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("primary missing task: %v", err)
	}
	if got.Percentage != 40 {
		t.Errorf("primary percentage = %v, want 40", got.Percentage)
	}
	if repo.PendingSync() != 0 {
		t.Errorf("PendingSync() = %d, want 0", repo.PendingSync())
	}
}

func TestFallbackSurvivesPrimaryOutage(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	repo := NewFallbackTaskRepository(primary, nil, logger.NewNop())

	if err := repo.Create(ctx, newTask("t1", "u1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	primary.down.Store(true)
	update := domain.ProgressUpdate{
		Status:     domain.StatusPtr(domain.TaskStatusRunning),
		Percentage: domain.Float64Ptr(60),
	}
	if err := repo.Update(ctx, "t1", update); err != nil {
		t.Fatalf("Update during outage returned error: %v", err)
	}

	got, err := repo.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get during outage: %v", err)
	}
	if got.Percentage != 60 {
		t.Errorf("local percentage = %v, want 60", got.Percentage)
	}
	if repo.PendingSync() != 1 {
		t.Fatalf("PendingSync() = %d, want 1", repo.PendingSync())
	}

	// Recovery: the next successful write pushes the full record.
	primary.down.Store(false)
	if err := repo.Update(ctx, "t1", domain.ProgressUpdate{Percentage: domain.Float64Ptr(90)}); err != nil {
		t.Fatalf("Update after recovery: %v", err)
	}
	if repo.PendingSync() != 0 {
		t.Errorf("PendingSync() = %d, want 0", repo.PendingSync())
	}
	remote, _ := primary.MemoryTaskRepository.Get(ctx, "t1")
	if remote.Status != domain.TaskStatusRunning || remote.Percentage != 90 {
		t.Errorf("primary = %s/%v, want running/90", remote.Status, remote.Percentage)
	}
}

func TestFallbackCreateDuringOutageSyncsLater(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	primary.down.Store(true)
	repo := NewFallbackTaskRepository(primary, nil, logger.NewNop())

	if err := repo.Create(ctx, newTask("t1", "u1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Sync(ctx); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("Sync during outage error = %v, want ErrStoreUnavailable", err)
	}

	primary.down.Store(false)
	if err := repo.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := primary.MemoryTaskRepository.Get(ctx, "t1"); err != nil {
		t.Errorf("primary missing task after sync: %v", err)
	}
}

func TestFallbackGet(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	_ = primary.MemoryTaskRepository.Create(ctx, newTask("remote", "u1", time.Now()))
	repo := NewFallbackTaskRepository(primary, nil, logger.NewNop())

	if _, err := repo.Get(ctx, "remote"); err != nil {
		t.Errorf("Get(remote): %v", err)
	}
	if _, err := repo.Get(ctx, "nowhere"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Get(nowhere) error = %v, want ErrTaskNotFound", err)
	}

	primary.down.Store(true)
	if _, err := repo.Get(ctx, "remote"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("Get(remote) during outage error = %v, want ErrStoreUnavailable", err)
	}
}

func TestFallbackLocalOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewFallbackTaskRepository(nil, nil, logger.NewNop())
	if !repo.LocalOnly() {
		t.Fatal("LocalOnly() = false, want true")
	}

	if err := repo.Create(ctx, newTask("t1", "u1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Update(ctx, "t1", domain.ProgressUpdate{TotalSteps: domain.IntPtr(5)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := repo.Get(ctx, "t1")
	if err != nil || got.TotalSteps != 5 {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := repo.Get(ctx, "t2"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Get(t2) error = %v, want ErrTaskNotFound", err)
	}

	done := newTask("done", "u1", time.Now().Add(-72*time.Hour))
	done.Status = domain.TaskStatusCompleted
	if err := repo.Create(ctx, done); err != nil {
		t.Fatalf("Create(done): %v", err)
	}
	if n := repo.Purge(time.Now().Add(48*time.Hour), 24*time.Hour); n != 0 {
		t.Errorf("Purge() = %d, want 0 without a primary", n)
	}
	if _, err := repo.Get(ctx, "done"); err != nil {
		t.Errorf("Get(done) after purge: %v", err)
	}
}

func TestFallbackListMergesStores(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	base := time.Now()
	_ = primary.MemoryTaskRepository.Create(ctx, newTask("old", "u1", base.Add(-time.Hour)))

	repo := NewFallbackTaskRepository(primary, nil, logger.NewNop())
	_ = repo.Create(ctx, newTask("new", "u1", base))

	got, err := repo.ListByUser(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("ListByUser = %v, want [new old]", ids(got))
	}

	primary.down.Store(true)
	got, err = repo.ListByUser(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListByUser during outage: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("ListByUser during outage = %v, want [new]", ids(got))
	}
}

func TestFallbackPurgeKeepsUnsyncedTasks(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	repo := NewFallbackTaskRepository(primary, nil, logger.NewNop())
	old := time.Now().Add(-48 * time.Hour)

	synced := newTask("synced", "u1", old)
	synced.Status = domain.TaskStatusCompleted
	_ = repo.Create(ctx, synced)

	primary.down.Store(true)
	unsynced := newTask("unsynced", "u1", old)
	unsynced.Status = domain.TaskStatusFailed
	_ = repo.Create(ctx, unsynced)

	if n := repo.Purge(time.Now(), 24*time.Hour); n != 1 {
		t.Fatalf("Purge() = %d, want 1", n)
	}
	if _, err := repo.local.Get(ctx, "unsynced"); err != nil {
		t.Errorf("unsynced task evicted: %v", err)
	}

	// Evicted tasks are still served from the primary.
	primary.down.Store(false)
	if _, err := repo.Get(ctx, "synced"); err != nil {
		t.Errorf("Get(synced) after purge: %v", err)
	}
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
