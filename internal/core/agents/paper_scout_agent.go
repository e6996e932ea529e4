package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/cra-copilot/backend/internal/infrastructure/pubmed"
)

const (
	scoutDefaultMaxResults = 10
	scoutDefaultYearsBack  = 5
	scoutMaxResultsLimit   = 100
	scoutAnalysisPapers    = 10
	scoutTopicLimit        = 10
)

const (
	AnalysisCompleted = "completed"
	AnalysisNoPapers  = "no_papers_found"
)

type ScoutInput struct {
	Query            string `mapstructure:"query"`
	MaxResults       int    `mapstructure:"max_results"`
	YearsBack        int    `mapstructure:"years_back"`
	IncludeAbstracts *bool  `mapstructure:"include_abstracts"`
	Sort             string `mapstructure:"sort"`
	AnalysisType     string `mapstructure:"analysis_type"`
}

func (in ScoutInput) normalized() (ScoutInput, error) {
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return in, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	in.MaxResults = intOr(in.MaxResults, scoutDefaultMaxResults)
	if in.MaxResults > scoutMaxResultsLimit {
		in.MaxResults = scoutMaxResultsLimit
	}
	in.YearsBack = intOr(in.YearsBack, scoutDefaultYearsBack)
	switch ports.SearchSort(in.Sort) {
	case ports.SortRelevance, ports.SortDate, ports.SortCitations:
	case "":
		in.Sort = string(ports.SortRelevance)
	default:
		return in, fmt.Errorf("%w: unknown sort %q", domain.ErrInvalidInput, in.Sort)
	}
	in.AnalysisType = stringOr(in.AnalysisType, "comprehensive")
	return in, nil
}

type DateRange struct {
	Earliest string `json:"earliest"`
	Latest   string `json:"latest"`
}

type PaperAnalysis struct {
	Status              string         `json:"status"`
	AnalysisText        string         `json:"analysis_text,omitempty"`
	PaperCount          int            `json:"paper_count"`
	Topics              []string       `json:"topics,omitempty"`
	DateRange           *DateRange     `json:"date_range,omitempty"`
	JournalDistribution map[string]int `json:"journal_distribution,omitempty"`
}

type SearchMetadata struct {
	MaxResults       int    `json:"max_results"`
	YearsBack        int    `json:"years_back"`
	IncludeAbstracts bool   `json:"include_abstracts"`
	Sort             string `json:"sort"`
	AnalysisType     string `json:"analysis_type"`
	Timestamp        string `json:"timestamp"`
}

type ScoutResult struct {
	OriginalQuery  string         `json:"original_query"`
	OptimizedQuery string         `json:"optimized_query"`
	PapersFound    int            `json:"papers_found"`
	Papers         []domain.Paper `json:"papers"`
	Analysis       PaperAnalysis  `json:"analysis"`
	Report         string         `json:"report"`
	SearchMetadata SearchMetadata `json:"search_metadata"`
}

// PaperScoutAgent searches the literature and summarizes what it finds.
type PaperScoutAgent struct {
	llm    ports.LanguageModel
	search ports.SearchProvider
	log    *logger.Logger
	now    func() time.Time
}

func NewPaperScoutAgent(deps Dependencies) *PaperScoutAgent {
	deps = deps.withDefaults()
	return &PaperScoutAgent{
		llm:    deps.LLM,
		search: deps.Search,
		log:    deps.Logger.Named("paper_scout"),
		now:    deps.Clock,
	}
}

func (a *PaperScoutAgent) Name() string { return "paper_scout" }

func (a *PaperScoutAgent) Description() string {
	return "Searches PubMed, analyzes the matching papers and writes a research report"
}

func (a *PaperScoutAgent) Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ports.ProgressReporter) (domain.JSONB, error) {
	var in ScoutInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	opts, err := decodeOptions(config)
	if err != nil {
		return nil, err
	}
	result, err := a.scout(ctx, taskID, in, opts, progress)
	if err != nil {
		return nil, err
	}
	return domain.ToJSONB(result)
}

func (a *PaperScoutAgent) scout(ctx context.Context, taskID string, in ScoutInput, opts generationOptions, progress ports.ProgressReporter) (*ScoutResult, error) {
	in, err := in.normalized()
	if err != nil {
		return nil, err
	}
	gen := opts.generation()
	includeAbstracts := boolOr(in.IncludeAbstracts, true)

	p := newPipeline(a.Name(), taskID, progress,
		Step{Name: "Analyzing search query", Checkpoint: 25},
		Step{Name: "Searching PubMed database", Checkpoint: 60},
		Step{Name: "Analyzing papers", Checkpoint: 90},
		Step{Name: "Generating final report", Checkpoint: 100},
	)

	result := &ScoutResult{
		OriginalQuery: in.Query,
		SearchMetadata: SearchMetadata{
			MaxResults:       in.MaxResults,
			YearsBack:        in.YearsBack,
			IncludeAbstracts: includeAbstracts,
			Sort:             in.Sort,
			AnalysisType:     in.AnalysisType,
			Timestamp:        a.now().UTC().Format(time.RFC3339),
		},
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		result.OptimizedQuery = optimizeQuery(ctx, a.llm, gen, in.Query, a.log)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		papers, err := a.search.Search(ctx, ports.SearchRequest{
			Query:            result.OptimizedQuery,
			MaxResults:       in.MaxResults,
			YearsBack:        in.YearsBack,
			IncludeAbstracts: includeAbstracts,
			Sort:             ports.SearchSort(in.Sort),
		})
		if err != nil {
			return err
		}
		if papers == nil {
			papers = []domain.Paper{}
		}
		result.Papers = papers
		result.PapersFound = len(papers)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		p.label(ctx, fmt.Sprintf("Found %d papers, analyzing content", result.PapersFound))
		analysis, err := a.analyze(ctx, gen, in.Query, result.Papers)
		if err != nil {
			return err
		}
		result.Analysis = analysis
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		report, err := a.report(ctx, gen, in, result, opts.includePaperList())
		if err != nil {
			return err
		}
		result.Report = report
		return nil
	}); err != nil {
		return nil, err
	}

	a.log.Infow("paper_scout_completed",
		"task_id", taskID,
		"query", in.Query,
		"optimized_query", result.OptimizedQuery,
		"papers_found", result.PapersFound,
	)
	return result, nil
}

func (a *PaperScoutAgent) analyze(ctx context.Context, gen ports.GenerationConfig, query string, papers []domain.Paper) (PaperAnalysis, error) {
	if len(papers) == 0 {
		return PaperAnalysis{Status: AnalysisNoPapers}, nil
	}

	top := papers
	if len(top) > scoutAnalysisPapers {
		top = top[:scoutAnalysisPapers]
	}
	summaries := make([]string, 0, len(top))
	for _, paper := range top {
		authors := paper.Authors
		if len(authors) > 3 {
			authors = authors[:3]
		}
		summaries = append(summaries, fmt.Sprintf(
			"Title: %s\nAuthors: %s\nJournal: %s\nDate: %s\nAbstract: %s\nKeywords: %s\n",
			paper.Title, strings.Join(authors, ", "), paper.Journal, paper.PublicationDate,
			truncate(paper.Abstract, 300), strings.Join(paper.Keywords, ", "),
		))
	}

	text, err := a.llm.Generate(ctx, fmt.Sprintf(scoutAnalysisPrompt, query, strings.Join(summaries, "\n")), gen)
	if err != nil {
		return PaperAnalysis{}, err
	}

	return PaperAnalysis{
		Status:              AnalysisCompleted,
		AnalysisText:        strings.TrimSpace(text),
		PaperCount:          len(papers),
		Topics:              topTopics(papers, scoutTopicLimit),
		DateRange:           dateRange(papers),
		JournalDistribution: journalDistribution(papers, scoutTopicLimit),
	}, nil
}

func (a *PaperScoutAgent) report(ctx context.Context, gen ports.GenerationConfig, in ScoutInput, result *ScoutResult, withBibliography bool) (string, error) {
	if result.PapersFound == 0 {
		return fmt.Sprintf(
			"# Research Report\n\n## No papers found\n\nThe search for %q (PubMed query: %s) returned no papers published in the last %d years.\n\nTry broader terms, fewer field tags or a longer time window.",
			in.Query, result.OptimizedQuery, in.YearsBack,
		), nil
	}

	prompt := fmt.Sprintf(scoutReportPrompt, in.Query, result.PapersFound, stringOr(result.Analysis.AnalysisText, "No analysis available"))
	report, err := a.llm.Generate(ctx, prompt, gen)
	if err != nil {
		return "", err
	}
	report = strings.TrimSpace(report)
	if withBibliography {
		top := result.Papers
		if len(top) > scoutAnalysisPapers {
			top = top[:scoutAnalysisPapers]
		}
		report += "\n\n## Paper Bibliography\n\n" + pubmed.FormatPapers(top, boolOr(in.IncludeAbstracts, true))
	}
	return report, nil
}

// optimizeQuery asks the model for a PubMed-ready query. Any failure or an
// implausibly short answer keeps the original query.
func optimizeQuery(ctx context.Context, llm ports.LanguageModel, gen ports.GenerationConfig, query string, log *logger.Logger) string {
	out, err := llm.Generate(ctx, fmt.Sprintf(optimizeQueryPrompt, query), gen)
	if err != nil {
		log.Warnw("query_optimization_failed", "query", query, "error", err)
		return query
	}
	out = strings.Trim(strings.TrimSpace(out), "\"'`")
	out = strings.TrimSpace(out)
	if len(out) < 3 {
		return query
	}
	return out
}

type countEntry struct {
	key   string
	count int
}

// mostCommon orders values by frequency, ties by first appearance.
func mostCommon(values []string, limit int) []countEntry {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, v := range values {
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]countEntry, len(order))
	for i, k := range order {
		out[i] = countEntry{key: k, count: counts[k]}
	}
	return out
}

func topTopics(papers []domain.Paper, limit int) []string {
	var all []string
	for _, p := range papers {
		all = append(all, p.Keywords...)
	}
	entries := mostCommon(all, limit)
	topics := make([]string, len(entries))
	for i, e := range entries {
		topics[i] = e.key
	}
	return topics
}

func dateRange(papers []domain.Paper) *DateRange {
	r := &DateRange{}
	for _, p := range papers {
		d := p.PublicationDate
		if d == "" {
			continue
		}
		if r.Earliest == "" || d < r.Earliest {
			r.Earliest = d
		}
		if d > r.Latest {
			r.Latest = d
		}
	}
	return r
}

func journalDistribution(papers []domain.Paper, limit int) map[string]int {
	journals := make([]string, 0, len(papers))
	for _, p := range papers {
		journals = append(journals, p.Journal)
	}
	out := make(map[string]int)
	for _, e := range mostCommon(journals, limit) {
		out[e.key] = e.count
	}
	return out
}

const optimizeQueryPrompt = `Optimize this search query for PubMed to find the most relevant research papers:

Original query: "%s"

Consider:
- Medical Subject Headings (MeSH) terms
- Boolean operators (AND, OR, NOT)
- Field tags like [ti] for title, [ab] for abstract
- Synonyms and related terms
- Spelling variations

Return only the optimized query without explanation.`

const scoutAnalysisPrompt = `Analyze these research papers related to the query: "%s"

Papers to analyze:
%s

Provide analysis in the following format:

## Key Findings
- [List 3-5 main findings across the papers]

## Research Trends
- [Identify emerging trends or patterns]

## Knowledge Gaps
- [Areas that need more research]

## Methodology Insights
- [Common research methods used]

## Recommendations
- [Suggestions for future research directions]

## Quality Assessment
- [Brief assessment of the paper quality and relevance]

Keep the analysis concise but comprehensive.`

const scoutReportPrompt = `Generate a comprehensive research report based on the following information:

**Search Query**: %s
**Papers Found**: %d
**Analysis Results**: %s

Create a structured report with:

1. **Executive Summary**
   - Brief overview of the search and findings

2. **Search Results Overview**
   - Number of papers found
   - Date range and journal distribution

3. **Key Research Findings**
   - Major discoveries and insights
   - Consistent findings across studies

4. **Research Landscape**
   - Current state of research in this area
   - Emerging trends and methodologies

5. **Research Gaps and Opportunities**
   - Areas needing more investigation
   - Potential research directions

6. **Top Papers**
   - Brief descriptions of the most relevant papers

7. **Recommendations**
   - Next steps for researchers
   - Specific papers to read first

Format the report in markdown for easy reading.`
