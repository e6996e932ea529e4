package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/gemini"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

type ChatInput struct {
	Message string              `mapstructure:"message"`
	History []ports.ChatMessage `mapstructure:"history"`
	Model   string              `mapstructure:"model"`
}

type ChatResult struct {
	Response  string `json:"response"`
	ModelUsed string `json:"model_used"`
	Timestamp string `json:"timestamp"`
}

// SimpleChatAgent answers one message, optionally with prior turns.
type SimpleChatAgent struct {
	llm          ports.LanguageModel
	defaultModel string
	log          *logger.Logger
	now          func() time.Time
}

func NewSimpleChatAgent(deps Dependencies) *SimpleChatAgent {
	deps = deps.withDefaults()
	return &SimpleChatAgent{
		llm:          deps.LLM,
		defaultModel: deps.DefaultModel,
		log:          deps.Logger.Named("simple_chat"),
		now:          deps.Clock,
	}
}

func (a *SimpleChatAgent) Name() string { return "simple_chat" }

func (a *SimpleChatAgent) Description() string {
	return "Conversational assistant for research questions"
}

func (a *SimpleChatAgent) Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ports.ProgressReporter) (domain.JSONB, error) {
	var in ChatInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	opts, err := decodeOptions(config)
	if err != nil {
		return nil, err
	}
	if in.Model != "" {
		opts.Model = in.Model
	}

	p := newPipeline(a.Name(), taskID, progress,
		Step{Name: "Processing message", Checkpoint: 25},
		Step{Name: "Generating response", Checkpoint: 90},
		Step{Name: "Finalizing response", Checkpoint: 100},
	)

	gen := opts.generation()
	if err := p.run(ctx, func(ctx context.Context) error {
		gen.History = make([]ports.ChatMessage, 0, len(in.History))
		for _, m := range in.History {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			gen.History = append(gen.History, m)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var sb strings.Builder
	if err := p.run(ctx, func(ctx context.Context) error {
		return a.llm.GenerateStream(ctx, in.Message, gen, func(chunk string) error {
			sb.WriteString(chunk)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	var result ChatResult
	if err := p.run(ctx, func(ctx context.Context) error {
		result = ChatResult{
			Response:  strings.TrimSpace(sb.String()),
			ModelUsed: gemini.ResolveModel(opts.Model, a.defaultModel),
			Timestamp: a.now().UTC().Format(time.RFC3339),
		}
		return nil
	}); err != nil {
		return nil, err
	}

	a.log.Debugw("chat_response_generated",
		"task_id", taskID,
		"history_turns", len(gen.History),
		"response_chars", len(result.Response),
	)
	return domain.ToJSONB(result)
}
