package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"golang.org/x/sync/errgroup"
)

const (
	GapMethodological = "methodological"
	GapGeographic     = "geographic"
	GapTemporal       = "temporal"
)

const (
	reviserDefaultResults = 5
	reviserRecentYears    = 2
	reviserSearchWorkers  = 3
)

var (
	strongDesignTerms = []string{"randomized", "randomised", "meta-analysis", "systematic review", "controlled trial", "cohort"}
	regionTerms       = []string{
		"africa", "asia", "europe", "america", "australia", "china", "india", "japan", "brazil",
		"united states", "united kingdom", "low-income", "middle-income", "multicenter", "multicentre",
		"multinational", "international", "global",
	}
)

type ReviserInput struct {
	Query         string            `mapstructure:"query"`
	OriginalQuery string            `mapstructure:"original_query"`
	Papers        []domain.Paper    `mapstructure:"papers"`
	Evaluations   []PaperEvaluation `mapstructure:"evaluations"`
	MaxResults    int               `mapstructure:"max_results"`
	YearsBack     int               `mapstructure:"years_back"`
}

// CoverageGap is a blind spot of the paper set plus the search used to fill it.
type CoverageGap struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Query       string `json:"query"`
	PapersAdded int    `json:"papers_added"`
}

type ReviserResult struct {
	Query              string         `json:"query"`
	OriginalCount      int            `json:"original_count"`
	RemovedCount       int            `json:"removed_count"`
	Removed            []string       `json:"removed_pmids"`
	Gaps               []CoverageGap  `json:"gaps"`
	SupplementaryFound int            `json:"supplementary_found"`
	Papers             []domain.Paper `json:"papers"`
	TotalPapers        int            `json:"total_papers"`
	Summary            string         `json:"summary"`
}

// PaperReviserAgent drops papers the critic rejected and searches for papers
// that cover what the remaining set misses.
type PaperReviserAgent struct {
	search ports.SearchProvider
	log    *logger.Logger
	now    func() time.Time
}

func NewPaperReviserAgent(deps Dependencies) *PaperReviserAgent {
	deps = deps.withDefaults()
	return &PaperReviserAgent{
		search: deps.Search,
		log:    deps.Logger.Named("paper_reviser"),
		now:    deps.Clock,
	}
}

func (a *PaperReviserAgent) Name() string { return "paper_reviser" }

func (a *PaperReviserAgent) Description() string {
	return "Removes rejected papers and fills coverage gaps with targeted searches"
}

func (a *PaperReviserAgent) Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ports.ProgressReporter) (domain.JSONB, error) {
	var in ReviserInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	result, err := a.revise(ctx, taskID, in, progress)
	if err != nil {
		return nil, err
	}
	return domain.ToJSONB(result)
}

func (a *PaperReviserAgent) revise(ctx context.Context, taskID string, in ReviserInput, progress ports.ProgressReporter) (*ReviserResult, error) {
	query := strings.TrimSpace(stringOr(in.Query, in.OriginalQuery))
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	perGap := intOr(in.MaxResults, reviserDefaultResults)
	yearsBack := intOr(in.YearsBack, scoutDefaultYearsBack)

	p := newPipeline(a.Name(), taskID, progress,
		Step{Name: "Reviewing critic decisions", Checkpoint: 20},
		Step{Name: "Identifying coverage gaps", Checkpoint: 40},
		Step{Name: "Running supplementary searches", Checkpoint: 80},
		Step{Name: "Merging results", Checkpoint: 100},
	)

	result := &ReviserResult{
		Query:         query,
		OriginalCount: len(in.Papers),
		Removed:       []string{},
		Gaps:          []CoverageGap{},
	}

	var kept []domain.Paper
	if err := p.run(ctx, func(ctx context.Context) error {
		kept, result.Removed = dropRejected(in.Papers, in.Evaluations)
		result.RemovedCount = len(result.Removed)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		result.Gaps = detectGaps(query, kept, a.now().Year())
		return nil
	}); err != nil {
		return nil, err
	}

	found := make([][]domain.Paper, len(result.Gaps))
	if err := p.run(ctx, func(ctx context.Context) error {
		if len(result.Gaps) == 0 {
			return nil
		}
		p.label(ctx, fmt.Sprintf("Searching for %d coverage gaps", len(result.Gaps)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reviserSearchWorkers)
		for i, gap := range result.Gaps {
			i, gap := i, gap
			g.Go(func() error {
				req := ports.SearchRequest{
					Query:            gap.Query,
					MaxResults:       perGap,
					YearsBack:        yearsBack,
					IncludeAbstracts: true,
					Sort:             ports.SortRelevance,
				}
				if gap.Type == GapTemporal {
					req.YearsBack = reviserRecentYears
					req.Sort = ports.SortDate
				}
				papers, err := a.search.Search(gctx, req)
				if err != nil {
					return fmt.Errorf("%s gap search: %w", gap.Type, err)
				}
				found[i] = papers
				return nil
			})
		}
		return g.Wait()
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		merged, added := mergePapers(kept, found)
		for i := range result.Gaps {
			result.Gaps[i].PapersAdded = added[i]
			result.SupplementaryFound += added[i]
		}
		result.Papers = merged
		result.TotalPapers = len(merged)
		result.Summary = revisionSummary(result)
		return nil
	}); err != nil {
		return nil, err
	}

	a.log.Infow("paper_reviser_completed",
		"task_id", taskID,
		"removed", result.RemovedCount,
		"gaps", len(result.Gaps),
		"added", result.SupplementaryFound,
		"total", result.TotalPapers,
	)
	return result, nil
}

// dropRejected keeps papers without an evaluation or with a passing one.
func dropRejected(papers []domain.Paper, evaluations []PaperEvaluation) ([]domain.Paper, []string) {
	failed := make(map[string]struct{})
	for _, ev := range evaluations {
		if !ev.Passed && ev.PMID != "" {
			failed[ev.PMID] = struct{}{}
		}
	}
	kept := make([]domain.Paper, 0, len(papers))
	removed := []string{}
	for _, p := range papers {
		if _, ok := failed[p.PMID]; ok {
			removed = append(removed, p.PMID)
			continue
		}
		kept = append(kept, p)
	}
	return kept, removed
}

func detectGaps(query string, papers []domain.Paper, currentYear int) []CoverageGap {
	var corpus strings.Builder
	recent := false
	for _, p := range papers {
		corpus.WriteString(strings.ToLower(p.Title + " " + p.Abstract + " " + strings.Join(p.Keywords, " ")))
		corpus.WriteString(" ")
		if y := p.Year(); y > 0 && currentYear-y <= reviserRecentYears {
			recent = true
		}
	}
	text := corpus.String()

	gaps := []CoverageGap{}
	if !containsAny(text, strongDesignTerms) {
		gaps = append(gaps, CoverageGap{
			Type:        GapMethodological,
			Description: "No randomized trials, cohorts or meta-analyses in the paper set",
			Query:       fmt.Sprintf("(%s) AND (randomized controlled trial[pt] OR meta-analysis[pt] OR systematic review[pt])", query),
		})
	}
	if !containsAny(text, regionTerms) {
		gaps = append(gaps, CoverageGap{
			Type:        GapGeographic,
			Description: "No multicenter or region-specific populations in the paper set",
			Query:       fmt.Sprintf("(%s) AND (multicenter OR international OR global)", query),
		})
	}
	if !recent {
		gaps = append(gaps, CoverageGap{
			Type:        GapTemporal,
			Description: fmt.Sprintf("No papers from the last %d years", reviserRecentYears),
			Query:       query,
		})
	}
	return gaps
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// mergePapers appends supplementary results after the kept set, dropping
// PMIDs already present. added counts the new papers per batch.
func mergePapers(kept []domain.Paper, batches [][]domain.Paper) ([]domain.Paper, []int) {
	seen := make(map[string]struct{}, len(kept))
	merged := make([]domain.Paper, 0, len(kept))
	for _, p := range kept {
		if p.PMID != "" {
			if _, dup := seen[p.PMID]; dup {
				continue
			}
			seen[p.PMID] = struct{}{}
		}
		merged = append(merged, p)
	}

	added := make([]int, len(batches))
	for i, batch := range batches {
		for _, p := range batch {
			if p.PMID == "" {
				continue
			}
			if _, dup := seen[p.PMID]; dup {
				continue
			}
			seen[p.PMID] = struct{}{}
			merged = append(merged, p)
			added[i]++
		}
	}
	return merged, added
}

func revisionSummary(r *ReviserResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Started with %d papers and removed %d that did not meet the quality threshold.", r.OriginalCount, r.RemovedCount)
	if len(r.Gaps) == 0 {
		sb.WriteString(" No coverage gaps were found.")
	}
	for _, gap := range r.Gaps {
		fmt.Fprintf(&sb, " %s gap: %s; %d papers added.", strings.ToUpper(gap.Type[:1])+gap.Type[1:], gap.Description, gap.PapersAdded)
	}
	fmt.Fprintf(&sb, " The revised set holds %d papers.", r.TotalPapers)
	return sb.String()
}
