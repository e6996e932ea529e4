package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{db: db, log: log}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		r.log.Errorw("task_repo_create_failed", "id", task.ID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	r.log.Debugw("task_repo_create_ok", "id", task.ID, "type", task.Type)
	return nil
}

func (r *taskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		r.log.Errorw("task_repo_get_failed", "id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return &task, nil
}

func (r *taskRepository) Update(ctx context.Context, id string, update domain.ProgressUpdate) error {
	cols := update.Columns()
	if len(cols) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&domain.Task{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		r.log.Errorw("task_repo_update_failed", "id", id, "error", res.Error)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTaskNotFound
	}
	r.log.Debugw("task_repo_update_ok", "id", id, "fields", len(cols))
	return nil
}

// Save writes the whole document, inserting it when absent.
func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(task).Error
	if err != nil {
		r.log.Errorw("task_repo_save_failed", "id", task.ID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	r.log.Debugw("task_repo_save_ok", "id", task.ID)
	return nil
}

func (r *taskRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_list_failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	r.log.Debugw("task_repo_list_ok", "user_id", userID, "count", len(tasks))
	return tasks, nil
}
