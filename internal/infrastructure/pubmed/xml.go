package pubmed

import (
	"encoding/xml"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/cra-copilot/backend/internal/domain"
)

type eSearchResult struct {
	Count int      `xml:"Count"`
	IDs   []string `xml:"IdList>Id"`
	Error string   `xml:"ERROR"`
}

// markup keeps inline tags (<i>, <sup>) so their text survives decoding.
type markup struct {
	Inner string `xml:",innerxml"`
}

func (m markup) Text() string {
	return cleanText(html.UnescapeString(tagPattern.ReplaceAllString(m.Inner, "")))
}

type xmlDate struct {
	Year        string `xml:"Year"`
	Month       string `xml:"Month"`
	Day         string `xml:"Day"`
	MedlineDate string `xml:"MedlineDate"`
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title    markup `xml:"ArticleTitle"`
			Abstract struct {
				Texts []markup `xml:"AbstractText"`
			} `xml:"Abstract"`
			Journal struct {
				Title string `xml:"Title"`
				Issue struct {
					PubDate xmlDate `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			Authors []struct {
				LastName       string `xml:"LastName"`
				ForeName       string `xml:"ForeName"`
				CollectiveName string `xml:"CollectiveName"`
			} `xml:"AuthorList>Author"`
			ArticleDates []xmlDate `xml:"ArticleDate"`
		} `xml:"Article"`
		MeshHeadings []struct {
			Descriptor string `xml:"DescriptorName"`
		} `xml:"MeshHeadingList>MeshHeading"`
	} `xml:"MedlineCitation"`
	PubmedData struct {
		ArticleIDs []struct {
			IDType string `xml:"IdType,attr"`
			Value  string `xml:",chardata"`
		} `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

const (
	maxPaperKeywords  = 10
	articleURLPattern = "https://pubmed.ncbi.nlm.nih.gov/%s/"
)

var (
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	spacePattern     = regexp.MustCompile(`\s+`)
	keywordPattern   = regexp.MustCompile(`\b[a-zA-Z]{4,}\b`)
	keywordStopWords = map[string]struct{}{}
)

func init() {
	for _, w := range strings.Fields(`the a an and or but in on at to for of with by is are was were be been
		have has had will would could should this that these those we they our their`) {
		keywordStopWords[w] = struct{}{}
	}
}

func parseSearchResult(data []byte) (*eSearchResult, error) {
	var res eSearchResult
	if err := xml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode esearch response: %w", err)
	}
	return &res, nil
}

func parseArticles(data []byte, includeAbstracts bool) ([]domain.Paper, error) {
	var set pubmedArticleSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode efetch response: %w", err)
	}

	papers := make([]domain.Paper, 0, len(set.Articles))
	for _, a := range set.Articles {
		if strings.TrimSpace(a.Citation.PMID) == "" {
			continue
		}
		papers = append(papers, a.toPaper(includeAbstracts))
	}
	return papers, nil
}

func (a pubmedArticle) toPaper(includeAbstracts bool) domain.Paper {
	art := a.Citation.Article
	pmid := strings.TrimSpace(a.Citation.PMID)
	title := art.Title.Text()

	authors := make([]string, 0, len(art.Authors))
	for _, au := range art.Authors {
		switch {
		case au.LastName != "" && au.ForeName != "":
			authors = append(authors, au.ForeName+" "+au.LastName)
		case au.LastName != "":
			authors = append(authors, au.LastName)
		case au.CollectiveName != "":
			authors = append(authors, au.CollectiveName)
		}
	}

	var abstract string
	if includeAbstracts {
		sections := make([]string, 0, len(art.Abstract.Texts))
		for _, t := range art.Abstract.Texts {
			if s := t.Text(); s != "" {
				sections = append(sections, s)
			}
		}
		abstract = strings.Join(sections, " ")
	}

	var doi string
	for _, id := range a.PubmedData.ArticleIDs {
		if id.IDType == "doi" {
			doi = strings.TrimSpace(id.Value)
			break
		}
	}

	keywords := make([]string, 0, maxPaperKeywords)
	for _, mh := range a.Citation.MeshHeadings {
		if d := strings.TrimSpace(mh.Descriptor); d != "" {
			keywords = append(keywords, d)
		}
	}
	if len(keywords) == 0 {
		keywords = ExtractKeywords(title+" "+abstract, maxPaperKeywords)
	}
	if len(keywords) > maxPaperKeywords {
		keywords = keywords[:maxPaperKeywords]
	}

	return domain.Paper{
		PMID:            pmid,
		Title:           title,
		Authors:         authors,
		Abstract:        abstract,
		Journal:         strings.TrimSpace(art.Journal.Title),
		PublicationDate: publicationDate(art.Journal.Issue.PubDate, art.ArticleDates),
		DOI:             doi,
		Keywords:        keywords,
		URL:             fmt.Sprintf(articleURLPattern, pmid),
	}
}

// publicationDate prefers the journal issue date and falls back to the
// electronic article date, whose month and day are zero padded.
func publicationDate(pub xmlDate, articleDates []xmlDate) string {
	if pub.Year != "" {
		parts := []string{pub.Year}
		if pub.Month != "" {
			parts = append(parts, pub.Month)
			if pub.Day != "" {
				parts = append(parts, pub.Day)
			}
		}
		return strings.Join(parts, "-")
	}
	for _, d := range articleDates {
		if d.Year == "" {
			continue
		}
		parts := []string{d.Year}
		if d.Month != "" {
			parts = append(parts, zeroPad(d.Month))
			if d.Day != "" {
				parts = append(parts, zeroPad(d.Day))
			}
		}
		return strings.Join(parts, "-")
	}
	if md := strings.TrimSpace(pub.MedlineDate); len(md) >= 4 {
		return md[:4]
	}
	return ""
}

func zeroPad(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// ExtractKeywords returns the most frequent words of four or more letters,
// ties broken by first appearance.
func ExtractKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, w := range keywordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := keywordStopWords[w]; stop {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

func cleanText(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}
