package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type llmRule struct {
	contains string
	reply    string
	err      error
}

// fakeLLM answers with the first rule whose marker appears in the prompt.
type fakeLLM struct {
	mu      sync.Mutex
	rules   []llmRule
	prompts []string
	configs []ports.GenerationConfig
}

func newFakeLLM(rules ...llmRule) *fakeLLM {
	return &fakeLLM{rules: rules}
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, cfg ports.GenerationConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()

	for _, r := range f.rules {
		if strings.Contains(prompt, r.contains) {
			return r.reply, r.err
		}
	}
	return "ok", nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, cfg ports.GenerationConfig, onChunk func(string) error) error {
	text, err := f.Generate(ctx, prompt, cfg)
	if err != nil {
		return err
	}
	for _, w := range strings.SplitAfter(text, " ") {
		if err := onChunk(w); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLLM) calls(marker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.prompts {
		if strings.Contains(p, marker) {
			n++
		}
	}
	return n
}

// fakeSearch serves results per query; unknown queries return def.
type fakeSearch struct {
	mu       sync.Mutex
	byQuery  map[string][]domain.Paper
	def      []domain.Paper
	err      error
	requests []ports.SearchRequest
}

func (f *fakeSearch) Search(ctx context.Context, req ports.SearchRequest) ([]domain.Paper, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if papers, ok := f.byQuery[req.Query]; ok {
		return papers, nil
	}
	return f.def, nil
}

type recordingReporter struct {
	mu      sync.Mutex
	updates []domain.ProgressUpdate
}

func (r *recordingReporter) UpdateProgress(_ context.Context, _ string, u domain.ProgressUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return true
}

func (r *recordingReporter) percentages() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, u := range r.updates {
		if u.Percentage != nil {
			out = append(out, *u.Percentage)
		}
	}
	return out
}

func (r *recordingReporter) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		if u.CurrentStep != nil {
			out = append(out, *u.CurrentStep)
		}
	}
	return out
}

func assertMonotonic(t *testing.T, values []float64) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, values)
		}
	}
	for _, v := range values {
		if v < 0 || v >= 100 {
			t.Fatalf("progress %v outside [0, 100): %v", v, values)
		}
	}
}

func testDeps(llm ports.LanguageModel, search ports.SearchProvider) Dependencies {
	return Dependencies{
		LLM:    llm,
		Search: search,
		Logger: logger.NewNop(),
		Clock:  func() time.Time { return fixedNow },
	}
}

func diabetesPapers() []domain.Paper {
	return []domain.Paper{
		{
			PMID:            "38000001",
			Title:           "Metformin versus placebo in type 2 diabetes: a randomized controlled trial",
			Authors:         []string{"Jane Smith", "Wei Chen", "Ana Lopez"},
			Abstract:        "Methods: participants with type 2 diabetes were randomized in a multicenter trial across Europe and Asia. Statistical analysis of HbA1c data showed improved glycemic control with metformin compared to placebo over 24 weeks in a large sample.",
			Journal:         "Diabetes Care",
			PublicationDate: "2024-Feb-10",
			DOI:             "10.2337/dc24-0001",
			Keywords:        []string{"Diabetes Mellitus, Type 2", "Metformin"},
			URL:             "https://pubmed.ncbi.nlm.nih.gov/38000001/",
		},
		{
			PMID:            "37000002",
			Title:           "Diabetes treatment outcomes: a systematic review and meta-analysis",
			Authors:         []string{"Priya Patel", "Tom Brown"},
			Abstract:        "We performed a systematic review and meta-analysis of diabetes treatment trials. Data from 40 studies were pooled using a random effects design.",
			Journal:         "Lancet Diabetes Endocrinol",
			PublicationDate: "2023-Jul",
			DOI:             "10.1016/s2213-0002",
			Keywords:        []string{"Diabetes Mellitus, Type 2", "Treatment Outcome"},
			URL:             "https://pubmed.ncbi.nlm.nih.gov/37000002/",
		},
		{
			PMID:            "30000003",
			Title:           "Insulin pump use: a case report",
			Authors:         []string{"Ola Berg"},
			Journal:         "Diabetes Care",
			PublicationDate: "2012",
			Keywords:        []string{"Insulin"},
			URL:             "https://pubmed.ncbi.nlm.nih.gov/30000003/",
		},
	}
}
