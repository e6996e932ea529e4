package db

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

// FallbackTaskRepository puts a primary document store in front of an
// in-process mirror. Every write lands in the mirror first; the primary is
// written best-effort. A task whose primary write failed is marked dirty and
// pushed in full on the next successful contact with the primary.
//
// A nil primary runs the repository in local-only mode.
type FallbackTaskRepository struct {
	primary ports.TaskRepository
	local   *MemoryTaskRepository
	log     *logger.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
	locks map[string]*sync.Mutex
}

func NewFallbackTaskRepository(primary ports.TaskRepository, local *MemoryTaskRepository, log *logger.Logger) *FallbackTaskRepository {
	if local == nil {
		local = NewMemoryTaskRepository()
	}
	return &FallbackTaskRepository{
		primary: primary,
		local:   local,
		log:     log,
		dirty:   make(map[string]struct{}),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *FallbackTaskRepository) lockTask(id string) func() {
	r.mu.Lock()
	m := r.locks[id]
	if m == nil {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (r *FallbackTaskRepository) tryLockTask(id string) (func(), bool) {
	r.mu.Lock()
	m := r.locks[id]
	if m == nil {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

func (r *FallbackTaskRepository) markDirty(id string) {
	r.mu.Lock()
	r.dirty[id] = struct{}{}
	r.mu.Unlock()
}

func (r *FallbackTaskRepository) clearDirty(id string) {
	r.mu.Lock()
	delete(r.dirty, id)
	r.mu.Unlock()
}

func (r *FallbackTaskRepository) isDirty(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dirty[id]
	return ok
}

// PendingSync returns the number of tasks the primary has not caught up with.
func (r *FallbackTaskRepository) PendingSync() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dirty)
}

func (r *FallbackTaskRepository) LocalOnly() bool {
	return r.primary == nil
}

func (r *FallbackTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	unlock := r.lockTask(task.ID)
	defer unlock()

	if err := r.local.Create(ctx, task); err != nil {
		return err
	}
	if r.primary == nil {
		return nil
	}

	if err := r.primary.Create(ctx, task); err != nil {
		r.log.Warnw("task_store_primary_unavailable", "op", "create", "id", task.ID, "error", err)
		r.markDirty(task.ID)
		return nil
	}
	r.afterPrimaryContact(ctx, task.ID)
	return nil
}

func (r *FallbackTaskRepository) Save(ctx context.Context, task *domain.Task) error {
	unlock := r.lockTask(task.ID)
	defer unlock()

	if err := r.local.Save(ctx, task); err != nil {
		return err
	}
	if r.primary == nil {
		return nil
	}

	if err := r.primary.Save(ctx, task); err != nil {
		r.log.Warnw("task_store_primary_unavailable", "op", "save", "id", task.ID, "error", err)
		r.markDirty(task.ID)
		return nil
	}
	r.clearDirty(task.ID)
	r.afterPrimaryContact(ctx, task.ID)
	return nil
}

func (r *FallbackTaskRepository) Update(ctx context.Context, id string, update domain.ProgressUpdate) error {
	unlock := r.lockTask(id)
	defer unlock()

	err := r.local.Update(ctx, id, update)
	if errors.Is(err, domain.ErrTaskNotFound) {
		// Owned by another process; only the primary knows it.
		if r.primary == nil {
			return err
		}
		return r.primary.Update(ctx, id, update)
	}
	if err != nil {
		return err
	}
	if r.primary == nil {
		return nil
	}

	if r.isDirty(id) {
		r.pushLocked(ctx, id)
		return nil
	}

	perr := r.primary.Update(ctx, id, update)
	switch {
	case perr == nil:
		r.afterPrimaryContact(ctx, id)
	case errors.Is(perr, domain.ErrTaskNotFound):
		// The primary missed the create; send the whole record.
		r.pushLocked(ctx, id)
	default:
		r.log.Warnw("task_store_primary_unavailable", "op", "update", "id", id, "error", perr)
		r.markDirty(id)
	}
	return nil
}

// Get serves tasks held by this process from the mirror and everything else
// from the primary.
func (r *FallbackTaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	task, err := r.local.Get(ctx, id)
	if err == nil {
		return task, nil
	}
	if r.primary == nil {
		return nil, err
	}
	return r.primary.Get(ctx, id)
}

// ListByUser merges the primary listing with the mirror. Mirror copies win
// since they carry writes the primary may not have seen yet.
func (r *FallbackTaskRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Task, error) {
	local, err := r.local.ListByUser(ctx, userID, 0, 0)
	if err != nil {
		return nil, err
	}
	if r.primary == nil {
		return paginate(local, limit, offset), nil
	}

	window := 0
	if limit > 0 {
		window = limit + offset
	}
	remote, err := r.primary.ListByUser(ctx, userID, window, 0)
	if err != nil {
		r.log.Warnw("task_store_primary_unavailable", "op", "list", "user_id", userID, "error", err)
		return paginate(local, limit, offset), nil
	}

	byID := make(map[string]domain.Task, len(remote)+len(local))
	for _, t := range remote {
		byID[t.ID] = t
	}
	for _, t := range local {
		byID[t.ID] = t
	}
	merged := make([]domain.Task, 0, len(byID))
	for _, t := range byID {
		merged = append(merged, t)
	}
	sortNewestFirst(merged)
	return paginate(merged, limit, offset), nil
}

// Sync pushes every dirty task to the primary. It stops at the first failure
// and returns it.
func (r *FallbackTaskRepository) Sync(ctx context.Context) error {
	if r.primary == nil {
		return nil
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		unlock := r.lockTask(id)
		err := r.push(ctx, id)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// afterPrimaryContact flushes the backlog once the primary answers again.
// Called with the lock for skipID held.
func (r *FallbackTaskRepository) afterPrimaryContact(ctx context.Context, skipID string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		if id != skipID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	r.log.Infow("task_store_primary_resync", "pending", len(ids))
	for _, id := range ids {
		// Busy tasks are pushed by their own writer or the janitor.
		unlock, ok := r.tryLockTask(id)
		if !ok {
			continue
		}
		err := r.push(ctx, id)
		unlock()
		if err != nil {
			return
		}
	}
}

func (r *FallbackTaskRepository) pushLocked(ctx context.Context, id string) {
	if err := r.push(ctx, id); err == nil {
		r.afterPrimaryContact(ctx, id)
	}
}

// push writes the mirror copy of id to the primary. The caller holds the
// task lock.
func (r *FallbackTaskRepository) push(ctx context.Context, id string) error {
	task, err := r.local.Get(ctx, id)
	if err != nil {
		r.clearDirty(id)
		return nil
	}
	if err := r.primary.Save(ctx, task); err != nil {
		r.log.Warnw("task_store_primary_unavailable", "op", "resync", "id", id, "error", err)
		r.markDirty(id)
		return err
	}
	r.clearDirty(id)
	r.log.Debugw("task_store_resync_ok", "id", id)
	return nil
}

// Purge evicts terminal tasks older than retention from the mirror. Tasks
// still waiting for the primary are kept. Without a primary the mirror holds
// the only copy and nothing is evicted.
func (r *FallbackTaskRepository) Purge(now time.Time, retention time.Duration) int {
	if r.primary == nil {
		return 0
	}
	removed := r.local.PurgeTerminal(now.Add(-retention), r.isDirty)
	if len(removed) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range removed {
		delete(r.locks, id)
	}
	r.mu.Unlock()

	r.log.Debugw("task_store_purge_ok", "removed", len(removed))
	return len(removed)
}

// StartJanitor retries the sync backlog and purges expired tasks every
// interval until ctx is done.
func (r *FallbackTaskRepository) StartJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Errorw("task_store_janitor_panic", "panic", rec)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := r.Sync(ctx); err != nil {
					r.log.Debugw("task_store_janitor_sync_incomplete", "pending", r.PendingSync(), "error", err)
				}
				if retention > 0 {
					r.Purge(now, retention)
				}
			}
		}
	}()
}
