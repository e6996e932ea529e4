package agents

import (
	"fmt"
	"strings"

	"github.com/cra-copilot/backend/internal/domain"
)

// ReferencesSection renders the numbered bibliography appended to a review.
func ReferencesSection(papers []domain.Paper) string {
	if len(papers) == 0 {
		return "No references found."
	}
	refs := make([]string, len(papers))
	for i, p := range papers {
		refs[i] = FormatCitation(p, i+1)
	}
	return fmt.Sprintf("The following %d papers were identified and analyzed for this literature review:\n\n%s",
		len(papers), strings.Join(refs, "\n\n"))
}

// FormatCitation renders one reference. At most six authors are listed.
func FormatCitation(p domain.Paper, n int) string {
	authors := "Authors not available"
	if len(p.Authors) > 0 {
		if len(p.Authors) <= 6 {
			authors = strings.Join(p.Authors, ", ")
		} else {
			authors = strings.Join(p.Authors[:6], ", ") + ", et al."
		}
	}

	parts := []string{
		fmt.Sprintf("**[%d]** %s", n, authors),
		fmt.Sprintf("(%s)", yearLabel(p.PublicationDate, "Year not available")),
		stringOr(p.Title, "Title not available"),
		fmt.Sprintf("*%s*", stringOr(p.Journal, "Journal not available")),
	}

	var ids []string
	if p.PMID != "" {
		ids = append(ids, "PMID: "+p.PMID)
	}
	if p.DOI != "" {
		ids = append(ids, "DOI: "+p.DOI)
	} else if p.URL != "" {
		ids = append(ids, "URL: "+p.URL)
	}
	if len(ids) > 0 {
		parts = append(parts, "("+strings.Join(ids, "; ")+")")
	}

	citation := strings.Join(parts, ". ")
	if p.Abstract != "" {
		citation += fmt.Sprintf("\n   *Abstract excerpt: %s*", truncate(p.Abstract, 200))
	}
	return citation
}

// shortCitations is the numbered list handed to the writer so that it cites
// papers as [n].
func shortCitations(papers []domain.Paper) string {
	if len(papers) == 0 {
		return "No papers available for citation."
	}
	lines := make([]string, len(papers))
	for i, p := range papers {
		author := "Unknown author"
		if len(p.Authors) > 0 {
			author = p.Authors[0]
			if len(p.Authors) > 1 {
				author += " et al."
			}
		}
		lines[i] = fmt.Sprintf("[%d] %s (%s): %s", i+1, author,
			yearLabel(p.PublicationDate, "Unknown year"), truncate(stringOr(p.Title, "Unknown title"), 80))
	}
	return strings.Join(lines, "\n")
}

func yearLabel(date, missing string) string {
	switch {
	case date == "":
		return missing
	case len(date) >= 4:
		return date[:4]
	default:
		return date
	}
}
