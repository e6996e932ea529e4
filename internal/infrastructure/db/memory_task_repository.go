package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cra-copilot/backend/internal/domain"
)

// MemoryTaskRepository keeps tasks in process memory. Every read and write
// copies, so callers never share maps with the store.
type MemoryTaskRepository struct {
	tasks map[string]*domain.Task
	mu    sync.RWMutex
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{
		tasks: make(map[string]*domain.Task),
	}
}

func (r *MemoryTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryTaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, exists := r.tasks[id]
	if !exists {
		return nil, domain.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (r *MemoryTaskRepository) Update(ctx context.Context, id string, update domain.ProgressUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[id]
	if !exists {
		return domain.ErrTaskNotFound
	}
	update.Apply(task)
	return nil
}

func (r *MemoryTaskRepository) Save(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryTaskRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Task, error) {
	r.mu.RLock()
	matched := make([]domain.Task, 0)
	for _, task := range r.tasks {
		if task.UserID == userID {
			matched = append(matched, *task.Clone())
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(matched)
	return paginate(matched, limit, offset), nil
}

func (r *MemoryTaskRepository) Delete(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, id)
}

func (r *MemoryTaskRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tasks)
}

// PurgeTerminal drops terminal tasks last updated before cutoff. keep vetoes
// individual removals. It returns the IDs it removed.
func (r *MemoryTaskRepository) PurgeTerminal(cutoff time.Time, keep func(id string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, task := range r.tasks {
		if !task.Status.IsTerminal() || !task.UpdatedAt.Before(cutoff) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(r.tasks, id)
		removed = append(removed, id)
	}
	return removed
}

func sortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func paginate(tasks []domain.Task, limit, offset int) []domain.Task {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tasks) {
		return []domain.Task{}
	}
	tasks = tasks[offset:]
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}
