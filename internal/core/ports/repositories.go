package ports

import (
	"context"

	"github.com/cra-copilot/backend/internal/domain"
)

// TaskRepository persists tasks keyed by ID. Get and Update return
// domain.ErrTaskNotFound for unknown IDs.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, id string, update domain.ProgressUpdate) error
	Save(ctx context.Context, task *domain.Task) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Task, error)
}
