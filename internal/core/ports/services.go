package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/cra-copilot/backend/internal/domain"
)

type TaskService interface {
	CreateTask(ctx context.Context, input CreateTaskInput) (*domain.TaskProgress, error)
	UpdateProgress(ctx context.Context, taskID string, update domain.ProgressUpdate) bool
	GetStatus(ctx context.Context, taskID string) (*domain.TaskProgress, error)
	ListTasks(ctx context.Context, userID string, limit, offset int) ([]domain.TaskProgress, error)
	CancelTask(ctx context.Context, taskID string) error
	StreamStatus(ctx context.Context, taskID string, interval time.Duration) (<-chan domain.TaskProgress, error)
	Wait(ctx context.Context, taskID string) error
}

type CreateTaskInput struct {
	Type      domain.TaskType
	UserID    string
	SessionID string
	Input     domain.JSONB
	Config    domain.JSONB
}

// ==================== AGENTS ====================

// ProgressReporter receives step progress from a running agent. It reports
// whether the write was accepted; agents keep going either way.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, taskID string, update domain.ProgressUpdate) bool
}

// Agent runs one task type. Execute must return promptly once ctx is
// cancelled.
type Agent interface {
	Name() string
	Description() string
	Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ProgressReporter) (domain.JSONB, error)
}

type AgentRegistry interface {
	Agent(taskType domain.TaskType) (Agent, bool)
}

// ==================== PROVIDERS ====================

// ChatMessage is one prior turn of a conversation. Role is "user" or "model".
type ChatMessage struct {
	Role    string `json:"role" mapstructure:"role"`
	Content string `json:"content" mapstructure:"content"`
}

// GenerationConfig tunes a single model call. Nil fields fall back to the
// client defaults. History is sent ahead of the prompt.
type GenerationConfig struct {
	Model           string
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens *int
	History         []ChatMessage
}

type LanguageModel interface {
	Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)
	GenerateStream(ctx context.Context, prompt string, cfg GenerationConfig, onChunk func(chunk string) error) error
}

type SearchSort string

const (
	SortRelevance SearchSort = "relevance"
	SortDate      SearchSort = "date"
	SortCitations SearchSort = "citation_count"
)

type SearchRequest struct {
	Query            string
	MaxResults       int
	YearsBack        int
	IncludeAbstracts bool
	Sort             SearchSort
}

type SearchProvider interface {
	Search(ctx context.Context, req SearchRequest) ([]domain.Paper, error)
}

// ProviderError is returned by language model and search clients.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Operation, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}
