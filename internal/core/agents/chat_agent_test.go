package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/cra-copilot/backend/internal/domain"
)

func TestSimpleChatAgent(t *testing.T) {
	llm := newFakeLLM(llmRule{contains: "What is HbA1c?", reply: "HbA1c reflects average glucose. "})
	agent := NewSimpleChatAgent(testDeps(llm, &fakeSearch{}))
	rec := &recordingReporter{}

	out, err := agent.Execute(context.Background(), "t1", domain.JSONB{
		"message": "What is HbA1c?",
		"model":   "gemini-2-5-flash",
		"history": []interface{}{
			map[string]interface{}{"role": "user", "content": "Hi"},
			map[string]interface{}{"role": "model", "content": "Hello"},
			map[string]interface{}{"role": "user", "content": "  "},
		},
	}, domain.JSONB{"temperature": 0.2}, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if out["response"] != "HbA1c reflects average glucose." {
		t.Errorf("response = %q", out["response"])
	}
	if out["model_used"] != "gemini-2.5-flash" {
		t.Errorf("model_used = %v", out["model_used"])
	}
	if out["timestamp"] != "2025-06-15T12:00:00Z" {
		t.Errorf("timestamp = %v", out["timestamp"])
	}

	cfg := llm.configs[0]
	if len(cfg.History) != 2 {
		t.Errorf("history = %v, want blank turns dropped", cfg.History)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 {
		t.Errorf("temperature = %v", cfg.Temperature)
	}
	if cfg.Model != "gemini-2-5-flash" {
		t.Errorf("model = %q", cfg.Model)
	}
	assertMonotonic(t, rec.percentages())
}

func TestSimpleChatAgentRequiresMessage(t *testing.T) {
	agent := NewSimpleChatAgent(testDeps(newFakeLLM(), &fakeSearch{}))
	_, err := agent.Execute(context.Background(), "t1", domain.JSONB{"message": " "}, nil, nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}
