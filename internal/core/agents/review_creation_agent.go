package agents

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

const (
	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"
)

const (
	reviewAnalysisPapers = 20
	reviewMaxThemes      = 7
	reviewMaxSections    = 6
	reviewMaxKeywords    = 10
)

var (
	strategyKeywordPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
	themePattern           = regexp.MustCompile(`(?m)^\s*(?:\d+\.|-|\*)\s*\**([A-Z][^.:*\n]+)`)
	sectionPattern         = regexp.MustCompile(`(?m)^\s*(?:\d+\.|#{2,3})\s*\**([A-Z][^:*\n]+)`)

	defaultSections = []string{"Introduction", "Literature Review", "Discussion", "Conclusion"}
	wordsPerSection = map[string]int{LengthShort: 150, LengthMedium: 300, LengthLong: 500}
	papersPerLength = map[string]int{LengthShort: 15, LengthMedium: 30, LengthLong: 50}
)

type ReviewInput struct {
	Topic          string `mapstructure:"topic"`
	ReviewType     string `mapstructure:"review_type"`
	TargetAudience string `mapstructure:"target_audience"`
	Length         string `mapstructure:"length"`
	MaxPapers      int    `mapstructure:"max_papers"`
	YearsBack      int    `mapstructure:"years_back"`
}

func (in ReviewInput) normalized() (ReviewInput, error) {
	in.Topic = strings.TrimSpace(in.Topic)
	if in.Topic == "" {
		return in, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}
	in.ReviewType = strings.ToLower(stringOr(in.ReviewType, ReviewNarrative))
	if _, ok := studyTypes[in.ReviewType]; !ok {
		return in, fmt.Errorf("%w: unknown review type %q", domain.ErrInvalidInput, in.ReviewType)
	}
	in.TargetAudience = stringOr(in.TargetAudience, "academic")
	in.Length = strings.ToLower(stringOr(in.Length, LengthMedium))
	if _, ok := wordsPerSection[in.Length]; !ok {
		return in, fmt.Errorf("%w: unknown length %q", domain.ErrInvalidInput, in.Length)
	}
	in.MaxPapers = intOr(in.MaxPapers, papersPerLength[in.Length])
	if in.MaxPapers > scoutMaxResultsLimit {
		in.MaxPapers = scoutMaxResultsLimit
	}
	in.YearsBack = intOr(in.YearsBack, scoutDefaultYearsBack)
	return in, nil
}

type SearchStrategy struct {
	StrategyText    string   `json:"strategy_text"`
	PrimaryKeywords []string `json:"primary_keywords"`
	Query           string   `json:"query"`
	TimeRange       string   `json:"time_range"`
	MaxPapers       int      `json:"max_papers"`
}

type RankedPaper struct {
	PMID           string  `json:"pmid"`
	Title          string  `json:"title"`
	RelevanceScore float64 `json:"relevance_score"`
}

type ReviewAnalysis struct {
	AnalysisText string        `json:"analysis_text,omitempty"`
	MajorThemes  []string      `json:"major_themes"`
	PaperCount   int           `json:"paper_count"`
	QualityScore float64       `json:"quality_score"`
	TopPapers    []RankedPaper `json:"top_papers"`
}

type ReviewOutline struct {
	OutlineText     string   `json:"outline_text,omitempty"`
	Sections        []string `json:"sections"`
	WordsPerSection int      `json:"words_per_section"`
}

type ReviewSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type ReviewMetadata struct {
	CreatedAt     string `json:"created_at"`
	WordCount     int    `json:"word_count"`
	SectionsCount int    `json:"sections_count"`
}

type ReviewResult struct {
	Topic           string          `json:"topic"`
	ReviewType      string          `json:"review_type"`
	TargetAudience  string          `json:"target_audience"`
	Length          string          `json:"length"`
	PapersAnalyzed  int             `json:"papers_analyzed"`
	SearchStrategy  SearchStrategy  `json:"search_strategy"`
	AnalysisResults ReviewAnalysis  `json:"analysis_results"`
	Outline         ReviewOutline   `json:"outline"`
	Sections        []ReviewSection `json:"sections"`
	References      string          `json:"references"`
	FinalReview     string          `json:"final_review"`
	Metadata        ReviewMetadata  `json:"metadata"`
}

// ReviewCreationAgent writes a cited literature review from a topic.
type ReviewCreationAgent struct {
	llm    ports.LanguageModel
	search ports.SearchProvider
	log    *logger.Logger
	now    func() time.Time
}

func NewReviewCreationAgent(deps Dependencies) *ReviewCreationAgent {
	deps = deps.withDefaults()
	return &ReviewCreationAgent{
		llm:    deps.LLM,
		search: deps.Search,
		log:    deps.Logger.Named("review_creation"),
		now:    deps.Clock,
	}
}

func (a *ReviewCreationAgent) Name() string { return "review_creation" }

func (a *ReviewCreationAgent) Description() string {
	return "Plans, researches and writes a literature review with numbered references"
}

func (a *ReviewCreationAgent) Execute(ctx context.Context, taskID string, input, config domain.JSONB, progress ports.ProgressReporter) (domain.JSONB, error) {
	var in ReviewInput
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
	gen := opts.generation()

	p := newPipeline(a.Name(), taskID, progress,
		Step{Name: "Developing search strategy", Checkpoint: 15},
		Step{Name: "Collecting research papers", Checkpoint: 30},
		Step{Name: "Analyzing research papers", Checkpoint: 50},
		Step{Name: "Creating review structure", Checkpoint: 65},
		Step{Name: "Writing review content", Checkpoint: 90},
		Step{Name: "Reviewing and refining content", Checkpoint: 95},
		Step{Name: "Finalizing review", Checkpoint: 100},
	)
	p.advance(ctx, 5, "Initializing review creation workflow")

	result := &ReviewResult{
		Topic:          in.Topic,
		ReviewType:     in.ReviewType,
		TargetAudience: in.TargetAudience,
		Length:         in.Length,
		Sections:       []ReviewSection{},
	}
	var papers []domain.Paper
	var body string

	if err := p.run(ctx, func(ctx context.Context) error {
		text, err := a.llm.Generate(ctx, fmt.Sprintf(strategyPrompt, in.ReviewType, in.Topic, in.TargetAudience, in.Length), gen)
		if err != nil {
			return err
		}
		result.SearchStrategy = SearchStrategy{
			StrategyText:    strings.TrimSpace(text),
			PrimaryKeywords: strategyKeywords(text),
			TimeRange:       fmt.Sprintf("%d years", in.YearsBack),
			MaxPapers:       in.MaxPapers,
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		query := optimizeQuery(ctx, a.llm, gen, in.Topic, a.log)
		result.SearchStrategy.Query = query
		found, err := a.search.Search(ctx, ports.SearchRequest{
			Query:            query,
			MaxResults:       in.MaxPapers,
			YearsBack:        in.YearsBack,
			IncludeAbstracts: true,
			Sort:             ports.SortRelevance,
		})
		if err != nil {
			return err
		}
		papers, result.AnalysisResults.TopPapers = rankForReview(found, queryKeywords(in.Topic), in.ReviewType)
		result.PapersAnalyzed = len(papers)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		result.AnalysisResults.PaperCount = len(papers)
		result.AnalysisResults.QualityScore = overallQuality(papers)
		result.AnalysisResults.MajorThemes = []string{}
		if len(papers) == 0 {
			return nil
		}
		text, err := a.llm.Generate(ctx, analysisPrompt(in, papers), gen)
		if err != nil {
			return err
		}
		result.AnalysisResults.AnalysisText = strings.TrimSpace(text)
		result.AnalysisResults.MajorThemes = extractMatches(themePattern, text, reviewMaxThemes)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		result.Outline = ReviewOutline{Sections: []string{}, WordsPerSection: wordsPerSection[in.Length]}
		if len(papers) == 0 {
			return nil
		}
		text, err := a.llm.Generate(ctx, fmt.Sprintf(structurePrompt,
			in.ReviewType, in.Topic, in.ReviewType, in.TargetAudience, in.Length, len(papers),
			strings.Join(result.AnalysisResults.MajorThemes, ", ")), gen)
		if err != nil {
			return err
		}
		result.Outline.OutlineText = strings.TrimSpace(text)
		result.Outline.Sections = extractMatches(sectionPattern, text, reviewMaxSections)
		if len(result.Outline.Sections) == 0 {
			result.Outline.Sections = append([]string(nil), defaultSections...)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		citations := shortCitations(papers)
		sections := result.Outline.Sections
		for i, name := range sections {
			if err := ctx.Err(); err != nil {
				return err
			}
			text, err := a.llm.Generate(ctx, fmt.Sprintf(sectionPrompt,
				name, in.ReviewType, in.Topic, in.TargetAudience, in.Length, len(papers),
				truncate(result.AnalysisResults.AnalysisText, 1000), citations, in.TargetAudience,
				strings.ToLower(name), sectionWords(in.Length, name)), gen)
			if err != nil {
				return err
			}
			result.Sections = append(result.Sections, ReviewSection{Title: name, Content: strings.TrimSpace(text)})
			p.advance(ctx, 65+float64(i+1)/float64(len(sections))*25, "Writing "+name)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		if len(result.Sections) == 0 {
			body = fmt.Sprintf("No papers matching %q were found in PubMed for the last %d years, so no review could be written. Try a broader topic or a longer time window.",
				in.Topic, in.YearsBack)
			return nil
		}
		draft := joinSections(result.Sections)
		improved, err := a.llm.Generate(ctx, fmt.Sprintf(qualityPrompt, in.ReviewType, in.Topic, draft, in.TargetAudience), gen)
		if err != nil {
			return err
		}
		body = strings.TrimSpace(improved)
		if body == "" {
			body = draft
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(ctx, func(ctx context.Context) error {
		created := a.now()
		result.References = ReferencesSection(papers)
		result.FinalReview = fmt.Sprintf(finalReviewTemplate,
			in.Topic, titleCase(in.ReviewType), titleCase(in.TargetAudience), len(papers),
			created.Format("2006-01-02 15:04"), body, result.References)
		result.Metadata = ReviewMetadata{
			CreatedAt:     created.UTC().Format(time.RFC3339),
			WordCount:     len(strings.Fields(result.FinalReview)),
			SectionsCount: len(result.Sections),
		}
		return nil
	}); err != nil {
		return nil, err
	}

	a.log.Infow("review_created",
		"task_id", taskID,
		"topic", in.Topic,
		"papers", result.PapersAnalyzed,
		"sections", result.Metadata.SectionsCount,
		"words", result.Metadata.WordCount,
	)
	return domain.ToJSONB(result)
}

// rankForReview orders papers by review relevance, highest first.
func rankForReview(papers []domain.Paper, keywords []string, reviewType string) ([]domain.Paper, []RankedPaper) {
	type scored struct {
		paper domain.Paper
		score float64
	}
	list := make([]scored, len(papers))
	for i, p := range papers {
		list[i] = scored{paper: p, score: reviewRelevance(p, keywords, reviewType)}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	ranked := make([]domain.Paper, len(list))
	top := make([]RankedPaper, 0, len(list))
	for i, s := range list {
		ranked[i] = s.paper
		if i < scoutAnalysisPapers {
			top = append(top, RankedPaper{PMID: s.paper.PMID, Title: s.paper.Title, RelevanceScore: round2(s.score)})
		}
	}
	return ranked, top
}

func strategyKeywords(text string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range strategyKeywordPattern.FindAllString(text, -1) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
		if len(out) == reviewMaxKeywords {
			break
		}
	}
	return out
}

func extractMatches(re *regexp.Regexp, text string, limit int) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		v := strings.TrimSpace(m[1])
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out
}

func sectionWords(length, section string) int {
	base := wordsPerSection[length]
	switch strings.ToLower(section) {
	case "introduction", "conclusion":
		return base * 7 / 10
	case "discussion", "literature review":
		return base * 13 / 10
	default:
		return base
	}
}

func joinSections(sections []ReviewSection) string {
	parts := make([]string, len(sections))
	for i, s := range sections {
		parts[i] = fmt.Sprintf("## %s\n\n%s", s.Title, s.Content)
	}
	return strings.Join(parts, "\n\n")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func analysisPrompt(in ReviewInput, papers []domain.Paper) string {
	top := papers
	if len(top) > reviewAnalysisPapers {
		top = top[:reviewAnalysisPapers]
	}
	summaries := make([]string, len(top))
	for i, p := range top {
		authors := p.Authors
		if len(authors) > 3 {
			authors = authors[:3]
		}
		summaries[i] = fmt.Sprintf("Title: %s\nAuthors: %s\nJournal: %s\nDate: %s\nAbstract: %s\nKeywords: %s\n",
			p.Title, strings.Join(authors, ", "), p.Journal, p.PublicationDate,
			truncate(p.Abstract, 400), strings.Join(p.Keywords, ", "))
	}
	return fmt.Sprintf(reviewAnalysisPrompt, len(papers), in.ReviewType, in.Topic, strings.Join(summaries, "\n"), in.TargetAudience)
}

const strategyPrompt = `Develop a comprehensive search strategy for a %s literature review on: "%s"

Target audience: %s
Review length: %s

Create a search strategy that includes:

1. **Primary Keywords**: Main search terms
2. **Secondary Keywords**: Related and synonym terms
3. **Search Databases**: Recommended databases beyond PubMed
4. **Inclusion Criteria**: What types of papers to include
5. **Exclusion Criteria**: What to exclude
6. **Time Range**: Suggested publication years
7. **Study Types**: Preferred study designs

Format as a structured strategy that other reviewers can follow.`

const reviewAnalysisPrompt = `Analyze these %d research papers for a %s review on "%s":

%s

Provide a comprehensive analysis including:

1. **Major Themes**: 5-7 key themes across the papers
2. **Methodological Approaches**: Common research methods
3. **Key Findings**: Most important discoveries or conclusions
4. **Controversies/Debates**: Areas of disagreement or debate
5. **Research Gaps**: What is missing in current research
6. **Temporal Trends**: How research has evolved over time
7. **Quality Assessment**: Overall quality of the evidence

Structure your analysis to guide the creation of a %s literature review.`

const structurePrompt = `Create a detailed outline for a %s literature review on "%s".

Review specifications:
- Type: %s
- Target audience: %s
- Length: %s
- Papers analyzed: %d

Major themes identified: %s

Create a structured outline with:

1. **Introduction Section**
   - Background and context
   - Objectives and scope
   - Review methodology

2. **Main Body Sections** (organize around themes)
   - Section titles and purposes
   - Key papers to cite in each section
   - Logical flow between sections

3. **Discussion/Synthesis Section**
   - Integration of findings
   - Implications
   - Limitations

4. **Conclusion Section**
   - Summary of key findings
   - Future research directions

Use "## " headings for the section titles.`

const sectionPrompt = `Write the "%s" section for a %s literature review on "%s".

Context:
- Target audience: %s
- Review length: %s
- Papers analyzed: %d

Available analysis: %s

Referenced papers (cite them as [number]):
%s

Section requirements:
- Academic writing style appropriate for %s
- Integrate research findings with citations such as [1], [2]
- Critical analysis, not just summary
- Logical flow and clear arguments

Every finding, study or claim taken from the papers above must carry its citation number in square brackets.

Write the %s section in about %d words. Do not repeat the section heading.`

const qualityPrompt = `Review this %s literature review on "%s" and return an improved version.

Current review:
%s

Check for:
1. **Coherence**: Logical flow between sections
2. **Completeness**: All important aspects covered
3. **Academic Rigor**: Appropriate depth and analysis
4. **Clarity**: Clear writing for a %s audience
5. **Balance**: Fair representation of different perspectives

Keep the "## " section headings and every [n] citation. Do not add a references list.`

const finalReviewTemplate = `# Literature Review: %s

**Review Type**: %s
**Target Audience**: %s
**Papers Analyzed**: %d
**Generated**: %s

---

%s

---

## References

%s

---

*Generated by CRA-Copilot Review Creation Agent*
`
