package agents

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

const (
	VerdictValidated          = "validated"
	VerdictPartiallyValidated = "partially_validated"
	VerdictRejected           = "rejected"
)

type CriticInput struct {
	Query         string         `mapstructure:"query"`
	OriginalQuery string         `mapstructure:"original_query"`
	Papers        []domain.Paper `mapstructure:"papers"`
	Threshold     float64        `mapstructure:"threshold"`
	ReviewType    string         `mapstructure:"review_type"`
}

// PaperScores are 0-10 ratings per dimension.
type PaperScores struct {
	Relevance   float64 `json:"relevance" mapstructure:"relevance"`
	Quality     float64 `json:"quality" mapstructure:"quality"`
	Credibility float64 `json:"credibility" mapstructure:"credibility"`
	Methodology float64 `json:"methodology" mapstructure:"methodology"`
	Impact      float64 `json:"impact" mapstructure:"impact"`
}

func (s PaperScores) mean() float64 {
	return (s.Relevance + s.Quality + s.Credibility + s.Methodology + s.Impact) / 5
}

type PaperEvaluation struct {
	PMID    string      `json:"pmid" mapstructure:"pmid"`
	Title   string      `json:"title" mapstructure:"title"`
	Scores  PaperScores `json:"scores" mapstructure:"scores"`
	Overall float64     `json:"overall_score" mapstructure:"overall_score"`
	Passed  bool        `json:"passed" mapstructure:"passed"`
	Notes   []string    `json:"notes,omitempty" mapstructure:"notes"`
}

type CriticResult struct {
	Query           string            `json:"query"`
	PapersEvaluated int               `json:"papers_evaluated"`
	Threshold       float64           `json:"threshold"`
	Evaluations     []PaperEvaluation `json:"evaluations"`
	AverageScore    float64           `json:"average_score"`
	PassedCount     int               `json:"passed_count"`
	Verdict         string            `json:"verdict"`
	Summary         string            `json:"summary"`
}

// PaperCriticAgent scores each paper against the query and renders a verdict
// on the set.
type PaperCriticAgent struct {
	llm       ports.LanguageModel
	threshold float64
	log       *logger.Logger
	now       func() time.Time
}

func NewPaperCriticAgent(deps Dependencies) *PaperCriticAgent {
	deps = deps.withDefaults()
	return &PaperCriticAgent{
		llm:       deps.LLM,
		threshold: deps.CriticThreshold,
		log:       deps.Logger.Named("paper_critic"),
		now:       deps.Clock,
	}
}

func (a *PaperCriticAgent) Name() string { return "paper_critic" }

func (a *PaperCriticAgent) Description() string {
	return "Scores papers for relevance, quality, credibility, methodology and impact"
}

func (a *PaperCriticAgent) Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ports.ProgressReporter) (domain.JSONB, error) {
	var in CriticInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	opts, err := decodeOptions(config)
	if err != nil {
		return nil, err
	}
	result, err := a.evaluate(ctx, taskID, in, opts, progress)
	if err != nil {
		return nil, err
	}
	return domain.ToJSONB(result)
}

func (a *PaperCriticAgent) evaluate(ctx context.Context, taskID string, in CriticInput, opts generationOptions, progress ports.ProgressReporter) (*CriticResult, error) {
	query := strings.TrimSpace(stringOr(in.Query, in.OriginalQuery))
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = a.threshold
	}
	if threshold > 10 {
		return nil, fmt.Errorf("%w: threshold must be within 0-10", domain.ErrInvalidInput)
	}

	p := newPipeline(a.Name(), taskID, progress,
		Step{Name: "Preparing evaluation criteria", Checkpoint: 20},
		Step{Name: "Scoring papers", Checkpoint: 60},
		Step{Name: "Generating critique summary", Checkpoint: 100},
	)

	result := &CriticResult{
		Query:           query,
		PapersEvaluated: len(in.Papers),
		Threshold:       threshold,
		Evaluations:     []PaperEvaluation{},
	}

	var keywords []string
	if err := p.run(ctx, func(ctx context.Context) error {
		keywords = queryKeywords(query)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		year := a.now().Year()
		sum := 0.0
		for _, paper := range in.Papers {
			ev := scorePaper(paper, keywords, in.ReviewType, year, threshold)
			if ev.Passed {
				result.PassedCount++
			}
			sum += ev.Overall
			result.Evaluations = append(result.Evaluations, ev)
		}
		if len(in.Papers) > 0 {
			result.AverageScore = round2(sum / float64(len(in.Papers)))
		}
		result.Verdict = verdict(result.PassedCount, len(in.Papers))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		if len(in.Papers) == 0 {
			result.Summary = "No papers were supplied for evaluation."
			return nil
		}
		summary, err := a.llm.Generate(ctx, critiquePrompt(result), opts.generation())
		if err != nil {
			return err
		}
		result.Summary = strings.TrimSpace(summary)
		return nil
	}); err != nil {
		return nil, err
	}

	a.log.Infow("paper_critic_completed",
		"task_id", taskID,
		"papers", result.PapersEvaluated,
		"passed", result.PassedCount,
		"verdict", result.Verdict,
	)
	return result, nil
}

// scorePaper rates one paper on a 0-10 scale per dimension.
func scorePaper(p domain.Paper, keywords []string, reviewType string, currentYear int, threshold float64) PaperEvaluation {
	relevance := textRelevance(p.Title, keywords)*0.4 +
		textRelevance(p.Abstract, keywords)*0.4 +
		keywordOverlap(keywords, p.Keywords)*0.2

	impact := recencyScore(p, currentYear)
	if p.CitationCount > 0 {
		impact = math.Min(1, impact+math.Log10(float64(p.CitationCount)+1)/4)
	}

	scores := PaperScores{
		Relevance:   round2(relevance * 10),
		Quality:     round2(completeness(p) * 10),
		Credibility: round2(studyTypeScore(p, stringOr(reviewType, ReviewSystematic)) * 10),
		Methodology: round2(methodologyScore(p) * 10),
		Impact:      round2(impact * 10),
	}
	overall := round2(scores.mean())

	return PaperEvaluation{
		PMID:    p.PMID,
		Title:   p.Title,
		Scores:  scores,
		Overall: overall,
		Passed:  overall >= threshold,
		Notes:   paperNotes(p, currentYear),
	}
}

func paperNotes(p domain.Paper, currentYear int) []string {
	var notes []string
	if p.Abstract == "" {
		notes = append(notes, "no abstract available")
	}
	if p.DOI == "" {
		notes = append(notes, "no DOI")
	}
	text := strings.ToLower(p.Title + " " + p.Abstract)
	for _, kind := range []string{"case report", "editorial", "commentary"} {
		if strings.Contains(text, kind) {
			notes = append(notes, "appears to be a "+kind)
		}
	}
	if y := p.Year(); y > 0 && currentYear-y > 10 {
		notes = append(notes, fmt.Sprintf("published %d years ago", currentYear-y))
	}
	return notes
}

func verdict(passed, total int) string {
	if total == 0 {
		return VerdictRejected
	}
	switch ratio := float64(passed) / float64(total); {
	case ratio >= 0.7:
		return VerdictValidated
	case ratio >= 0.3:
		return VerdictPartiallyValidated
	default:
		return VerdictRejected
	}
}

func critiquePrompt(r *CriticResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are reviewing the evidence gathered for the research question: %q\n\n", r.Query)
	fmt.Fprintf(&sb, "%d papers were scored from 0 to 10 on relevance, quality, credibility, methodology and impact. The acceptance threshold is %.1f; %d papers passed and the verdict is %s.\n\n",
		r.PapersEvaluated, r.Threshold, r.PassedCount, r.Verdict)
	for i, ev := range r.Evaluations {
		fmt.Fprintf(&sb, "%d. %s (PMID %s) overall %.2f [rel %.1f, qual %.1f, cred %.1f, meth %.1f, impact %.1f]",
			i+1, truncate(ev.Title, 120), ev.PMID, ev.Overall,
			ev.Scores.Relevance, ev.Scores.Quality, ev.Scores.Credibility, ev.Scores.Methodology, ev.Scores.Impact)
		if len(ev.Notes) > 0 {
			fmt.Fprintf(&sb, " notes: %s", strings.Join(ev.Notes, "; "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(`
Write a short critique in markdown with these sections:

## Overall Assessment
## Strongest Evidence
## Weaknesses and Bias Risks
## Recommendations

Refer to papers by PMID. Do not invent papers that are not listed.`)
	return sb.String()
}
