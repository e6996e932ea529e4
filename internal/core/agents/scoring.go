package agents

import (
	"math"
	"strings"

	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/pubmed"
)

const (
	ReviewSystematic = "systematic"
	ReviewNarrative  = "narrative"
	ReviewGeneral    = "general"
)

type studyTypeIndicators struct {
	preferred []string
	penalized []string
}

var studyTypes = map[string]studyTypeIndicators{
	ReviewSystematic: {
		preferred: []string{"randomized", "controlled", "trial", "meta-analysis", "systematic"},
		penalized: []string{"case report", "editorial", "commentary"},
	},
	ReviewNarrative: {
		preferred: []string{"review", "survey", "perspective", "analysis"},
		penalized: []string{"case report"},
	},
	ReviewGeneral: {
		preferred: []string{"study", "research", "analysis", "investigation"},
		penalized: []string{"editorial", "commentary"},
	},
}

var methodologyIndicators = []string{
	"methodology", "methods", "statistical", "analysis", "data",
	"participants", "subjects", "sample", "protocol", "design",
}

// queryKeywords derives the scoring vocabulary of a query.
func queryKeywords(query string) []string {
	return pubmed.ExtractKeywords(query, 0)
}

// textRelevance weights each keyword by its word count. A full match scores
// the weight, a partial match of a multi-word keyword half of it.
func textRelevance(text string, keywords []string) float64 {
	if text == "" || len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	var total, possible float64
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		words := strings.Fields(kw)
		weight := float64(len(words))
		possible += weight
		switch {
		case strings.Contains(lower, kw):
			total += weight
		case partialMatch(lower, words):
			total += weight * 0.5
		}
	}
	return total / math.Max(possible, 1)
}

func partialMatch(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// keywordOverlap is the Jaccard similarity of the two vocabularies.
func keywordOverlap(query, paper []string) float64 {
	a := wordSet(query)
	b := wordSet(paper)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func wordSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range terms {
		for _, w := range strings.Fields(strings.ToLower(t)) {
			set[strings.Trim(w, ",.;:()")] = struct{}{}
		}
	}
	delete(set, "")
	return set
}

func studyTypeScore(p domain.Paper, reviewType string) float64 {
	ind, ok := studyTypes[reviewType]
	if !ok {
		ind = studyTypes[ReviewGeneral]
	}
	text := strings.ToLower(p.Title + " " + p.Abstract)
	score := 0.5
	for _, w := range ind.preferred {
		if strings.Contains(text, w) {
			score += 0.1
		}
	}
	for _, w := range ind.penalized {
		if strings.Contains(text, w) {
			score -= 0.2
		}
	}
	return clamp(score, 0, 1)
}

func methodologyScore(p domain.Paper) float64 {
	if p.Abstract == "" {
		return 0.5
	}
	text := strings.ToLower(p.Abstract)
	score := 0.3
	for _, w := range methodologyIndicators {
		if strings.Contains(text, w) {
			score += 0.1
		}
	}
	return math.Min(score, 1)
}

// completeness scores how much bibliographic metadata a record carries.
func completeness(p domain.Paper) float64 {
	score := 0.0
	if p.DOI != "" {
		score += 0.3
	}
	if p.Journal != "" {
		score += 0.2
	}
	if len(p.Abstract) > 200 {
		score += 0.3
	}
	if len(p.Authors) > 0 {
		score += 0.2
	}
	return score
}

// overallQuality is the mean completeness of papers on a 0-100 scale.
func overallQuality(papers []domain.Paper) float64 {
	if len(papers) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range papers {
		sum += completeness(p)
	}
	return round2(sum / float64(len(papers)) * 100)
}

// reviewRelevance combines the heuristics used to rank papers for a review.
func reviewRelevance(p domain.Paper, keywords []string, reviewType string) float64 {
	return textRelevance(p.Title, keywords)*0.25 +
		textRelevance(p.Abstract, keywords)*0.35 +
		keywordOverlap(keywords, p.Keywords)*0.15 +
		studyTypeScore(p, reviewType)*0.15 +
		methodologyScore(p)*0.10
}

// recencyScore favours recent work. Unknown dates score neutral.
func recencyScore(p domain.Paper, currentYear int) float64 {
	year := p.Year()
	if year == 0 {
		return 0.5
	}
	switch age := currentYear - year; {
	case age <= 2:
		return 0.8
	case age <= 5:
		return 0.6
	case age <= 10:
		return 0.4
	default:
		return 0.2
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
