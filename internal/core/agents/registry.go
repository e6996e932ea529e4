package agents

import (
	"fmt"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

const DefaultCriticThreshold = 5.0

// Dependencies are the providers shared by every agent.
type Dependencies struct {
	LLM             ports.LanguageModel
	Search          ports.SearchProvider
	Logger          *logger.Logger
	DefaultModel    string
	CriticThreshold float64
	Clock           func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.CriticThreshold <= 0 {
		d.CriticThreshold = DefaultCriticThreshold
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	TaskType    domain.TaskType `json:"task_type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
}

// Registry maps every task type to exactly one agent.
type Registry struct {
	agents map[domain.TaskType]ports.Agent
}

// NewRegistry fails unless every task type has an agent.
func NewRegistry(agents map[domain.TaskType]ports.Agent) (*Registry, error) {
	for _, t := range domain.AllTaskTypes {
		if agents[t] == nil {
			return nil, fmt.Errorf("agent registry: no agent for task type %q", t)
		}
	}
	for t := range agents {
		if !t.Valid() {
			return nil, fmt.Errorf("agent registry: unknown task type %q", t)
		}
	}

	copied := make(map[domain.TaskType]ports.Agent, len(agents))
	for t, a := range agents {
		copied[t] = a
	}
	return &Registry{agents: copied}, nil
}

// NewDefaultRegistry builds the production agent table.
func NewDefaultRegistry(deps Dependencies) (*Registry, error) {
	deps = deps.withDefaults()
	if deps.LLM == nil || deps.Search == nil {
		return nil, fmt.Errorf("agent registry: language model and search provider are required")
	}

	scout := NewPaperScoutAgent(deps)
	critic := NewPaperCriticAgent(deps)
	reviser := NewPaperReviserAgent(deps)

	return NewRegistry(map[domain.TaskType]ports.Agent{
		domain.TaskTypeSimpleChat:     NewSimpleChatAgent(deps),
		domain.TaskTypePaperScout:     scout,
		domain.TaskTypePaperCritic:    critic,
		domain.TaskTypePaperReviser:   reviser,
		domain.TaskTypeSearchAuditor:  NewPaperSearchAuditor(deps, scout, critic, reviser),
		domain.TaskTypeReviewCreation: NewReviewCreationAgent(deps),
	})
}

func (r *Registry) Agent(taskType domain.TaskType) (ports.Agent, bool) {
	a, ok := r.agents[taskType]
	return a, ok
}

// Agents lists the registered agents in task type order.
func (r *Registry) Agents() []AgentInfo {
	out := make([]AgentInfo, 0, len(r.agents))
	for _, t := range domain.AllTaskTypes {
		a, ok := r.agents[t]
		if !ok {
			continue
		}
		out = append(out, AgentInfo{TaskType: t, Name: a.Name(), Description: a.Description()})
	}
	return out
}
