package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/cra-copilot/backend/internal/infrastructure/pubmed"
	"github.com/cra-copilot/backend/pkg/utils/keygen"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// AuditEntry records one decision taken while producing the final paper set.
type AuditEntry struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Decision  string `json:"decision"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

type AuditResult struct {
	OriginalQuery   string         `json:"original_query"`
	OptimizedQuery  string         `json:"optimized_query"`
	Search          *ScoutResult   `json:"search"`
	Critique        *CriticResult  `json:"critique"`
	Revision        *ReviserResult `json:"revision"`
	FinalPapers     []domain.Paper `json:"final_papers"`
	PapersFound     int            `json:"papers_found"`
	ConfidenceScore float64        `json:"confidence_score"`
	ConfidenceLevel string         `json:"confidence_level"`
	AuditTrail      []AuditEntry   `json:"audit_trail"`
	Report          string         `json:"report"`
}

// PaperSearchAuditor chains search, critique and revision, then rates how
// far the resulting paper set can be trusted.
type PaperSearchAuditor struct {
	llm     ports.LanguageModel
	scout   *PaperScoutAgent
	critic  *PaperCriticAgent
	reviser *PaperReviserAgent
	log     *logger.Logger
	now     func() time.Time
}

func NewPaperSearchAuditor(deps Dependencies, scout *PaperScoutAgent, critic *PaperCriticAgent, reviser *PaperReviserAgent) *PaperSearchAuditor {
	deps = deps.withDefaults()
	return &PaperSearchAuditor{
		llm:     deps.LLM,
		scout:   scout,
		critic:  critic,
		reviser: reviser,
		log:     deps.Logger.Named("paper_search_auditor"),
		now:     deps.Clock,
	}
}

func (a *PaperSearchAuditor) Name() string { return "paper_search_auditor" }

func (a *PaperSearchAuditor) Description() string {
	return "Runs search, critique and revision end to end and audits the final evidence set"
}

func (a *PaperSearchAuditor) Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ports.ProgressReporter) (domain.JSONB, error) {
	var in ScoutInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	in, err := in.normalized()
	if err != nil {
		return nil, err
	}
	opts, err := decodeOptions(config)
	if err != nil {
		return nil, err
	}

	p := newPipeline(a.Name(), taskID, progress,
		Step{Name: "Searching literature", Checkpoint: 30},
		Step{Name: "Evaluating evidence", Checkpoint: 60},
		Step{Name: "Revising paper set", Checkpoint: 90},
		Step{Name: "Auditing results", Checkpoint: 100},
	)

	result := &AuditResult{OriginalQuery: in.Query, AuditTrail: []AuditEntry{}}
	record := func(stage, decision, detail string) {
		result.AuditTrail = append(result.AuditTrail, AuditEntry{
			ID:        keygen.GenerateShortID(),
			Stage:     stage,
			Decision:  decision,
			Detail:    detail,
			Timestamp: a.now().UTC().Format(time.RFC3339),
		})
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		scouted, err := a.scout.scout(ctx, taskID, in, opts, newScaledReporter(progress, 0, 30, "Search"))
		if err != nil {
			return err
		}
		result.Search = scouted
		result.OptimizedQuery = scouted.OptimizedQuery
		if scouted.OptimizedQuery != in.Query {
			record("search", "query_optimized", scouted.OptimizedQuery)
		}
		record("search", "papers_retrieved", fmt.Sprintf("%d papers", scouted.PapersFound))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		critique, err := a.critic.evaluate(ctx, taskID, CriticInput{
			Query:  in.Query,
			Papers: result.Search.Papers,
		}, opts, newScaledReporter(progress, 30, 60, "Critique"))
		if err != nil {
			return err
		}
		result.Critique = critique
		record("critique", critique.Verdict,
			fmt.Sprintf("%d of %d papers passed at threshold %.1f", critique.PassedCount, critique.PapersEvaluated, critique.Threshold))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		revision, err := a.reviser.revise(ctx, taskID, ReviserInput{
			Query:       result.OptimizedQuery,
			Papers:      result.Search.Papers,
			Evaluations: result.Critique.Evaluations,
			YearsBack:   in.YearsBack,
		}, newScaledReporter(progress, 60, 90, "Revision"))
		if err != nil {
			return err
		}
		result.Revision = revision
		for _, pmid := range revision.Removed {
			record("revision", "paper_removed", "PMID "+pmid)
		}
		for _, gap := range revision.Gaps {
			record("revision", gap.Type+"_gap", fmt.Sprintf("%s; %d papers added", gap.Description, gap.PapersAdded))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		result.FinalPapers = result.Revision.Papers
		result.PapersFound = len(result.FinalPapers)
		result.ConfidenceScore = confidenceScore(result.Critique, result.Revision)
		result.ConfidenceLevel = confidenceLevel(result.ConfidenceScore)
		record("audit", "confidence_"+result.ConfidenceLevel, fmt.Sprintf("score %.2f", result.ConfidenceScore))

		report, err := a.report(ctx, opts.generation(), result)
		if err != nil {
			return err
		}
		result.Report = report
		return nil
	}); err != nil {
		return nil, err
	}

	a.log.Infow("paper_search_audit_completed",
		"task_id", taskID,
		"query", in.Query,
		"final_papers", result.PapersFound,
		"confidence", result.ConfidenceScore,
	)
	return domain.ToJSONB(result)
}

func (a *PaperSearchAuditor) report(ctx context.Context, gen ports.GenerationConfig, r *AuditResult) (string, error) {
	if len(r.FinalPapers) == 0 {
		return fmt.Sprintf(
			"# Search Audit\n\n## No papers found\n\nNo papers matched %q, so no evidence set could be audited. Confidence: %s.",
			r.OriginalQuery, r.ConfidenceLevel,
		), nil
	}

	var trail strings.Builder
	for _, e := range r.AuditTrail {
		fmt.Fprintf(&trail, "- [%s] %s: %s\n", e.Stage, e.Decision, e.Detail)
	}
	top := r.FinalPapers
	if len(top) > scoutAnalysisPapers {
		top = top[:scoutAnalysisPapers]
	}

	prompt := fmt.Sprintf(auditReportPrompt,
		r.OriginalQuery, r.OptimizedQuery,
		r.Search.PapersFound, r.Critique.Verdict, r.Critique.AverageScore,
		r.Revision.RemovedCount, r.Revision.SupplementaryFound, len(r.FinalPapers),
		r.ConfidenceScore, r.ConfidenceLevel,
		trail.String(), pubmed.FormatPapers(top, false),
	)
	out, err := a.llm.Generate(ctx, prompt, gen)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// confidenceScore rates the final set on a 0-100 scale from the critic's
// scores and the gaps left unfilled by the revision.
func confidenceScore(c *CriticResult, r *ReviserResult) float64 {
	if c == nil || r == nil || r.TotalPapers == 0 {
		return 0
	}
	passRate := 0.0
	if c.PapersEvaluated > 0 {
		passRate = float64(c.PassedCount) / float64(c.PapersEvaluated)
	}
	unresolved := 0
	for _, g := range r.Gaps {
		if g.PapersAdded == 0 {
			unresolved++
		}
	}
	coverage := 1 - float64(unresolved)/3
	score := c.AverageScore/10*50 + passRate*30 + coverage*20
	return round2(clamp(score, 0, 100))
}

func confidenceLevel(score float64) string {
	switch {
	case score >= 75:
		return ConfidenceHigh
	case score >= 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

const auditReportPrompt = `Write an audit report for a literature search.

Research question: %q
PubMed query used: %s

Pipeline results:
- Initial search returned %d papers
- Critic verdict: %s (average score %.2f of 10)
- Revision removed %d papers and added %d from supplementary searches
- Final evidence set: %d papers
- Confidence: %.2f of 100 (%s)

Audit trail:
%s
Top papers in the final set:
%s

Structure the report in markdown with these sections:

## Summary
## Search Quality
## Evidence Strength
## Remaining Gaps
## Confidence Statement

Refer to papers by PMID and do not cite papers that are not listed.`
