package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/cra-copilot/backend/pkg/utils/keygen"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	defaultStreamInterval = time.Second
	finalWriteTimeout     = 10 * time.Second
)

// taskHandle tracks one running agent.
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskService creates tasks, runs their agents in the background and owns
// every write to a task's progress record.
type TaskService struct {
	repo           ports.TaskRepository
	registry       ports.AgentRegistry
	logger         *logger.Logger
	streamInterval time.Duration
	newID          func() string
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*taskHandle
	closed  bool
}

type TaskServiceConfig struct {
	Repository     ports.TaskRepository
	Registry       ports.AgentRegistry
	Logger         *logger.Logger
	StreamInterval time.Duration
	IDGenerator    func() string
}

func NewTaskService(cfg TaskServiceConfig) *TaskService {
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = keygen.GenerateTaskID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskService{
		repo:           cfg.Repository,
		registry:       cfg.Registry,
		logger:         cfg.Logger,
		streamInterval: interval,
		newID:          newID,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		locks:          make(map[string]*sync.Mutex),
		handles:        make(map[string]*taskHandle),
	}
}

func (s *TaskService) lockKeys(keys ...string) func() {
	if len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

func taskKey(id string) string {
	return "task:" + id
}

// ==================== Task Lifecycle ====================

// CreateTask validates the request, writes the pending record and starts the
// agent. It returns as soon as the record is written.
func (s *TaskService) CreateTask(ctx context.Context, input ports.CreateTaskInput) (*domain.TaskProgress, error) {
	if !input.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTaskType, input.Type)
	}
	agent, ok := s.registry.Agent(input.Type)
	if !ok {
		return nil, fmt.Errorf("%w: no agent registered for %q", domain.ErrInvalidTaskType, input.Type)
	}
	if input.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServiceShuttingDown
	}

	now := s.now()
	task := &domain.Task{
		ID:          s.newID(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Type:        input.Type,
		UserID:      input.UserID,
		SessionID:   input.SessionID,
		Input:       input.Input.Clone(),
		Config:      input.Config.Clone(),
		Status:      domain.TaskStatusPending,
		CurrentStep: "Task queued",
	}
	if task.Input == nil {
		task.Input = domain.JSONB{}
	}

	if err := s.repo.Create(ctx, task); err != nil {
		s.logger.Errorw("task_create_failed", "task_type", input.Type, "user_id", input.UserID, "error", err)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.logger.Infow("task_create_ok", "task_id", task.ID, "task_type", task.Type, "user_id", task.UserID)

	if err := s.launch(task, agent); err != nil {
		s.finish(task.ID, domain.TaskStatusCancelled, nil, "Task interrupted by server shutdown")
		return nil, err
	}

	progress := task.Progress()
	return &progress, nil
}

// launch registers the run with the shutdown wait group. Registration and the
// closed check share s.mu so that Shutdown never waits on a partial set.
func (s *TaskService) launch(task *domain.Task, agent ports.Agent) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrServiceShuttingDown
	}
	s.handles[task.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx, h, task.ID, agent, task.Input.Clone(), task.Config.Clone())
	return nil
}

func (s *TaskService) run(ctx context.Context, h *taskHandle, taskID string, agent ports.Agent, input, config domain.JSONB) {
	defer s.wg.Done()
	defer close(h.done)
	defer func() {
		s.mu.Lock()
		delete(s.handles, taskID)
		s.mu.Unlock()
	}()
	defer h.cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("task_agent_panic", "task_id", taskID, "agent", agent.Name(), "panic", r)
			s.finish(taskID, domain.TaskStatusFailed, nil, fmt.Sprintf("Agent panic: %v", r))
		}
	}()

	s.UpdateProgress(ctx, taskID, domain.ProgressUpdate{
		Status:      domain.StatusPtr(domain.TaskStatusRunning),
		CurrentStep: domain.StringPtr("Initializing task execution"),
	})

	started := time.Now()
	output, err := agent.Execute(ctx, taskID, input, config, s)

	switch {
	case err == nil:
		s.finish(taskID, domain.TaskStatusCompleted, output, "")
		s.logger.Infow("task_run_ok", "task_id", taskID, "agent", agent.Name(), "duration", time.Since(started))
	case ctx.Err() != nil:
		reason := "Task cancelled"
		if s.ctx.Err() != nil {
			reason = "Task interrupted by server shutdown"
		}
		s.finish(taskID, domain.TaskStatusCancelled, nil, reason)
		s.logger.Infow("task_run_cancelled", "task_id", taskID, "agent", agent.Name(), "reason", reason)
	default:
		s.finish(taskID, domain.TaskStatusFailed, nil, err.Error())
		s.logger.Warnw("task_run_failed", "task_id", taskID, "agent", agent.Name(), "error", err)
	}
}

// finish writes the terminal record. The write is detached from the run
// context so that cancellation does not lose it.
func (s *TaskService) finish(taskID string, status domain.TaskStatus, output domain.JSONB, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	update := domain.ProgressUpdate{Status: domain.StatusPtr(status)}
	switch status {
	case domain.TaskStatusCompleted:
		if output == nil {
			output = domain.JSONB{}
		}
		update.Output = output
		update.Percentage = domain.Float64Ptr(100)
		update.CurrentStep = domain.StringPtr("Task completed")
	case domain.TaskStatusCancelled:
		update.CurrentStep = domain.StringPtr("Task cancelled")
		update.Error = domain.StringPtr(errMsg)
	default:
		update.CurrentStep = domain.StringPtr("Task failed")
		update.Error = domain.StringPtr(errMsg)
	}
	s.UpdateProgress(ctx, taskID, update)
}

// ==================== Progress ====================

// UpdateProgress applies a partial update. It never returns an error: a
// rejected or failed write is logged and reported as false.
func (s *TaskService) UpdateProgress(ctx context.Context, taskID string, update domain.ProgressUpdate) bool {
	unlock := s.lockKeys(taskKey(taskID))
	defer unlock()

	current, err := s.repo.Get(ctx, taskID)
	if err != nil {
		s.logger.Warnw("task_progress_lookup_failed", "task_id", taskID, "error", err)
		return false
	}
	return s.applyLocked(ctx, current, update)
}

func (s *TaskService) applyLocked(ctx context.Context, current *domain.Task, update domain.ProgressUpdate) bool {
	if current.Status.IsTerminal() {
		s.logger.Debugw("task_progress_rejected_terminal", "task_id", current.ID, "status", current.Status)
		return false
	}

	normalized := s.normalize(current, update)
	if err := s.repo.Update(ctx, current.ID, normalized); err != nil {
		s.logger.Warnw("task_progress_write_failed", "task_id", current.ID, "error", err)
		return false
	}
	return true
}

// normalize enforces the progress record rules against the current state:
// percentage never decreases and reaches 100 only on completion, steps never
// exceed the total, output is kept only on completion and error only on
// failure or cancellation.
func (s *TaskService) normalize(current *domain.Task, u domain.ProgressUpdate) domain.ProgressUpdate {
	now := s.now()
	u.UpdatedAt = now

	status := current.Status
	if u.Status != nil {
		if *u.Status == domain.TaskStatusPending && current.Status != domain.TaskStatusPending {
			u.Status = nil
		} else {
			status = *u.Status
		}
	}

	if status == domain.TaskStatusCompleted {
		u.Percentage = domain.Float64Ptr(100)
	} else if u.Percentage != nil {
		p := *u.Percentage
		if p < current.Percentage {
			p = current.Percentage
		}
		if p >= 100 {
			p = 99
		}
		if p < 0 {
			p = 0
		}
		u.Percentage = domain.Float64Ptr(p)
	}

	total := current.TotalSteps
	if u.TotalSteps != nil {
		if *u.TotalSteps < 0 {
			u.TotalSteps = domain.IntPtr(0)
		}
		total = *u.TotalSteps
	}
	steps := current.StepsCompleted
	if u.StepsCompleted != nil {
		steps = *u.StepsCompleted
		if steps < 0 {
			steps = 0
		}
	}
	if status == domain.TaskStatusCompleted && total > 0 {
		steps = total
	}
	if total > 0 && steps > total {
		steps = total
	}
	if steps != current.StepsCompleted || u.StepsCompleted != nil {
		u.StepsCompleted = domain.IntPtr(steps)
	}

	if status != domain.TaskStatusCompleted {
		u.Output = nil
	}
	if status != domain.TaskStatusFailed && status != domain.TaskStatusCancelled {
		u.Error = nil
	}
	if status.IsTerminal() {
		u.CompletedAt = &now
	} else {
		u.CompletedAt = nil
	}
	return u
}

// ==================== Queries ====================

func (s *TaskService) GetStatus(ctx context.Context, taskID string) (*domain.TaskProgress, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return nil, err
		}
		s.logger.Errorw("task_get_failed", "task_id", taskID, "error", err)
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	progress := task.Progress()
	return &progress, nil
}

func (s *TaskService) ListTasks(ctx context.Context, userID string, limit, offset int) ([]domain.TaskProgress, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Errorw("task_list_failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	out := make([]domain.TaskProgress, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Progress())
	}
	return out, nil
}

// ==================== Control ====================

// CancelTask marks the task cancelled and stops its agent at the next step
// boundary.
func (s *TaskService) CancelTask(ctx context.Context, taskID string) error {
	unlock := s.lockKeys(taskKey(taskID))
	current, err := s.repo.Get(ctx, taskID)
	if err != nil {
		unlock()
		return err
	}
	if current.Status.IsTerminal() {
		unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskTerminal, current.Status)
	}
	ok := s.applyLocked(ctx, current, domain.ProgressUpdate{
		Status:      domain.StatusPtr(domain.TaskStatusCancelled),
		CurrentStep: domain.StringPtr("Task cancelled"),
		Error:       domain.StringPtr("Task cancelled by user"),
	})
	unlock()
	if !ok {
		return fmt.Errorf("failed to cancel task: %w", domain.ErrStoreUnavailable)
	}

	s.mu.Lock()
	h := s.handles[taskID]
	s.mu.Unlock()
	if h != nil {
		h.cancel()
	}

	s.logger.Infow("task_cancel_ok", "task_id", taskID)
	return nil
}

// StreamStatus polls the task every interval and emits each snapshot that
// differs from the previous one. The channel closes after a terminal snapshot
// or when ctx is done.
func (s *TaskService) StreamStatus(ctx context.Context, taskID string, interval time.Duration) (<-chan domain.TaskProgress, error) {
	if interval <= 0 {
		interval = s.streamInterval
	}
	first, err := s.GetStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.TaskProgress, 1)
	go func() {
		defer close(ch)

		emit := func(p domain.TaskProgress) bool {
			select {
			case ch <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}

		last := *first
		if !emit(last) || last.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := s.GetStatus(ctx, taskID)
			if err != nil {
				if errors.Is(err, domain.ErrTaskNotFound) {
					return
				}
				s.logger.Debugw("task_stream_poll_failed", "task_id", taskID, "error", err)
				continue
			}
			if next.UpdatedAt.Equal(last.UpdatedAt) && next.Status == last.Status {
				continue
			}
			last = *next
			if !emit(last) || last.Status.IsTerminal() {
				return
			}
		}
	}()
	return ch, nil
}

// Wait blocks until the task's agent has returned. Tasks not running in this
// process return immediately.
func (s *TaskService) Wait(ctx context.Context, taskID string) error {
	s.mu.Lock()
	h := s.handles[taskID]
	s.mu.Unlock()

	if h == nil {
		_, err := s.repo.Get(ctx, taskID)
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of agents currently executing.
func (s *TaskService) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown stops accepting tasks, cancels the running ones and waits for
// them to record their final state.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	running := len(s.handles)
	s.mu.Unlock()

	s.logger.Infow("task_service_shutdown", "running", running)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task service shutdown: %w", ctx.Err())
	}
}
