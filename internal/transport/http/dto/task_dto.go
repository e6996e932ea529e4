package dto

import (
	"strings"

	"github.com/cra-copilot/backend/internal/domain"
)

type ExecuteTaskRequest struct {
	TaskType  string       `json:"task_type"`
	InputData domain.JSONB `json:"input_data"`
	Config    domain.JSONB `json:"config,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

func (r *ExecuteTaskRequest) Validate() []string {
	var errors []string

	if strings.TrimSpace(r.TaskType) == "" {
		errors = append(errors, "task_type is required")
	} else if _, err := domain.ParseTaskType(r.TaskType); err != nil {
		names := make([]string, 0, len(domain.AllTaskTypes))
		for _, t := range domain.AllTaskTypes {
			names = append(names, string(t))
		}
		errors = append(errors, "task_type must be one of: "+strings.Join(names, ", "))
	}

	if r.InputData == nil {
		errors = append(errors, "input_data is required")
	}

	return errors
}

// GetTaskType returns the canonical task type. Call after Validate.
func (r *ExecuteTaskRequest) GetTaskType() domain.TaskType {
	t, _ := domain.ParseTaskType(r.TaskType)
	return t
}

type ExecuteTaskResponse struct {
	TaskID  string            `json:"task_id"`
	Status  domain.TaskStatus `json:"status"`
	Message string            `json:"message"`
}

type TaskListResponse struct {
	Tasks  []domain.TaskProgress `json:"tasks"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	RunningTasks int    `json:"running_tasks"`
	StoreMode    string `json:"store_mode"`
	PendingSync  int    `json:"pending_sync"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}
