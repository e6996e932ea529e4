package domain

import (
	"strings"
	"time"
)

type TaskType string

const (
	TaskTypeSimpleChat     TaskType = "simple_chat"
	TaskTypePaperScout     TaskType = "paper_scout"
	TaskTypePaperCritic    TaskType = "paper_critic"
	TaskTypePaperReviser   TaskType = "paper_reviser"
	TaskTypeSearchAuditor  TaskType = "paper_search_auditor"
	TaskTypeReviewCreation TaskType = "review_creation"
)

// AllTaskTypes lists every task type the service accepts.
var AllTaskTypes = []TaskType{
	TaskTypeSimpleChat,
	TaskTypePaperScout,
	TaskTypePaperCritic,
	TaskTypePaperReviser,
	TaskTypeSearchAuditor,
	TaskTypeReviewCreation,
}

func (t TaskType) Valid() bool {
	for _, known := range AllTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTaskType accepts the canonical names plus the dashed spellings the
// frontend sends ("paper-scout").
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", ErrInvalidTaskType
	}
	return t, nil
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is the persisted document: the request plus its single progress record.
type Task struct {
	ID        string    `gorm:"primaryKey;size:64" json:"task_id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	Type      TaskType `gorm:"size:50;not null" json:"task_type"`
	UserID    string   `gorm:"size:255;not null" json:"user_id"`
	SessionID string   `gorm:"size:255" json:"session_id,omitempty"`
	Input     JSONB    `gorm:"type:jsonb" json:"input_data"`
	Config    JSONB    `gorm:"type:jsonb" json:"config,omitempty"`

	Status         TaskStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Percentage     float64    `gorm:"column:progress_percentage;not null;default:0" json:"progress_percentage"`
	CurrentStep    string     `gorm:"type:text" json:"current_step,omitempty"`
	StepsCompleted int        `gorm:"not null;default:0" json:"steps_completed"`
	TotalSteps     int        `gorm:"not null;default:0" json:"total_steps"`
	Output         JSONB      `gorm:"type:jsonb" json:"output_data,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}

// Clone returns a copy that shares no maps with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = t.Input.Clone()
	c.Config = t.Config.Clone()
	c.Output = t.Output.Clone()
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Progress returns the status view of the task.
func (t *Task) Progress() TaskProgress {
	return TaskProgress{
		TaskID:         t.ID,
		TaskType:       t.Type,
		UserID:         t.UserID,
		SessionID:      t.SessionID,
		Status:         t.Status,
		Percentage:     t.Percentage,
		CurrentStep:    t.CurrentStep,
		StepsCompleted: t.StepsCompleted,
		TotalSteps:     t.TotalSteps,
		Output:         t.Output.Clone(),
		Error:          t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
}

type TaskProgress struct {
	TaskID         string     `json:"task_id"`
	TaskType       TaskType   `json:"task_type"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id,omitempty"`
	Status         TaskStatus `json:"status"`
	Percentage     float64    `json:"progress_percentage"`
	CurrentStep    string     `json:"current_step,omitempty"`
	StepsCompleted int        `json:"steps_completed"`
	TotalSteps     int        `json:"total_steps"`
	Output         JSONB      `json:"output_data,omitempty"`
	Error          string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ProgressUpdate is a partial update. Nil fields are left untouched.
type ProgressUpdate struct {
	Status         *TaskStatus
	Percentage     *float64
	CurrentStep    *string
	StepsCompleted *int
	TotalSteps     *int
	Output         JSONB
	Error          *string
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// Apply merges the set fields of u into t.
func (u ProgressUpdate) Apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Percentage != nil {
		t.Percentage = *u.Percentage
	}
	if u.CurrentStep != nil {
		t.CurrentStep = *u.CurrentStep
	}
	if u.StepsCompleted != nil {
		t.StepsCompleted = *u.StepsCompleted
	}
	if u.TotalSteps != nil {
		t.TotalSteps = *u.TotalSteps
	}
	if u.Output != nil {
		t.Output = u.Output.Clone()
	}
	if u.Error != nil {
		t.ErrorMessage = *u.Error
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		t.CompletedAt = &ts
	}
	if !u.UpdatedAt.IsZero() {
		t.UpdatedAt = u.UpdatedAt
	}
}

// Columns returns the update as a column map for a partial document write.
func (u ProgressUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.Percentage != nil {
		cols["progress_percentage"] = *u.Percentage
	}
	if u.CurrentStep != nil {
		cols["current_step"] = *u.CurrentStep
	}
	if u.StepsCompleted != nil {
		cols["steps_completed"] = *u.StepsCompleted
	}
	if u.TotalSteps != nil {
		cols["total_steps"] = *u.TotalSteps
	}
	if u.Output != nil {
		cols["output"] = u.Output
	}
	if u.Error != nil {
		cols["error_message"] = *u.Error
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	if !u.UpdatedAt.IsZero() {
		cols["updated_at"] = u.UpdatedAt
	}
	return cols
}

func StatusPtr(s TaskStatus) *TaskStatus { return &s }
func Float64Ptr(f float64) *float64      { return &f }
func IntPtr(i int) *int                  { return &i }
func StringPtr(s string) *string         { return &s }
