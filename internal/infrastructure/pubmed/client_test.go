package pubmed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

const esearchXML = `<?xml version="1.0" ?>
<eSearchResult><Count>3</Count><RetMax>3</RetMax>
<IdList><Id>111</Id><Id>222</Id><Id>333</Id></IdList>
</eSearchResult>`

const emptyESearchXML = `<eSearchResult><Count>0</Count><IdList></IdList></eSearchResult>`

func article(pmid, title, extra string) string {
	return fmt.Sprintf(`<PubmedArticle>
<MedlineCitation><PMID Version="1">%s</PMID>
<Article>
<Journal><Title>Diabetes Care</Title><JournalIssue><PubDate><Year>2023</Year><Month>Mar</Month><Day>5</Day></PubDate></JournalIssue></Journal>
<ArticleTitle>%s</ArticleTitle>
<Abstract><AbstractText Label="BACKGROUND">Metformin &amp; insulin therapy.</AbstractText><AbstractText>Randomized   trial.</AbstractText></Abstract>
<AuthorList><Author><LastName>Smith</LastName><ForeName>Jane</ForeName></Author><Author><LastName>Doe</LastName></Author></AuthorList>
</Article>
%s
</MedlineCitation>
<PubmedData><ArticleIdList><ArticleId IdType="pubmed">%s</ArticleId><ArticleId IdType="doi">10.1000/%s</ArticleId></ArticleIdList></PubmedData>
</PubmedArticle>`, pmid, title, extra, pmid, pmid)
}

func articleSet(articles ...string) string {
	return "<PubmedArticleSet>" + strings.Join(articles, "\n") + "</PubmedArticleSet>"
}

func newTestClient(baseURL string, batchSize int) *Client {
	c := NewClient(config.PubMedConfig{
		BaseURL:    baseURL,
		Tool:       "test-tool",
		Email:      "dev@example.org",
		BatchSize:  batchSize,
		MaxRetries: 2,
	}, logger.NewNop())
	c.retry.InitialDelay = time.Millisecond
	c.retry.MaxDelay = 5 * time.Millisecond
	c.now = func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) }
	return c
}

func TestSearch(t *testing.T) {
	var term, tool string
	var fetchCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/esearch.fcgi"):
			term = r.URL.Query().Get("term")
			tool = r.URL.Query().Get("tool")
			fmt.Fprint(w, esearchXML)
		case strings.HasSuffix(r.URL.Path, "/efetch.fcgi"):
			fetchCalls.Add(1)
			ids := strings.Split(r.URL.Query().Get("id"), ",")
			var arts []string
			// Return in reverse to check that ranking is restored.
			for i := len(ids) - 1; i >= 0; i-- {
				extra := ""
				if ids[i] == "111" {
					extra = `<MeshHeadingList><MeshHeading><DescriptorName>Diabetes Mellitus, Type 2</DescriptorName></MeshHeading></MeshHeadingList>`
				}
				arts = append(arts, article(ids[i], "Paper <i>"+ids[i]+"</i>", extra))
			}
			fmt.Fprint(w, articleSet(arts...))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	papers, err := newTestClient(srv.URL, 2).Search(context.Background(), ports.SearchRequest{
		Query:            "diabetes",
		MaxResults:       3,
		YearsBack:        5,
		IncludeAbstracts: true,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if want := "(diabetes) AND 2020/06/16:2025/06/15[pdat]"; term != want {
		t.Errorf("term = %q, want %q", term, want)
	}
	if tool != "test-tool" {
		t.Errorf("tool = %q", tool)
	}
	if fetchCalls.Load() != 2 {
		t.Errorf("efetch calls = %d, want 2 batches", fetchCalls.Load())
	}
	if len(papers) != 3 {
		t.Fatalf("len(papers) = %d, want 3", len(papers))
	}

	got := []string{papers[0].PMID, papers[1].PMID, papers[2].PMID}
	if strings.Join(got, ",") != "111,222,333" {
		t.Errorf("order = %v, want ESearch ranking", got)
	}

	p := papers[0]
	if p.Title != "Paper 111" {
		t.Errorf("Title = %q", p.Title)
	}
	if len(p.Authors) != 2 || p.Authors[0] != "Jane Smith" || p.Authors[1] != "Doe" {
		t.Errorf("Authors = %v", p.Authors)
	}
	if p.Abstract != "Metformin & insulin therapy. Randomized trial." {
		t.Errorf("Abstract = %q", p.Abstract)
	}
	if p.PublicationDate != "2023-Mar-5" {
		t.Errorf("PublicationDate = %q", p.PublicationDate)
	}
	if p.DOI != "10.1000/111" {
		t.Errorf("DOI = %q", p.DOI)
	}
	if p.URL != "https://pubmed.ncbi.nlm.nih.gov/111/" {
		t.Errorf("URL = %q", p.URL)
	}
	if len(p.Keywords) != 1 || p.Keywords[0] != "Diabetes Mellitus, Type 2" {
		t.Errorf("MeSH keywords = %v", p.Keywords)
	}
	if len(papers[1].Keywords) == 0 {
		t.Error("text keywords not derived when MeSH is absent")
	}
}

func TestSearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/efetch.fcgi") {
			t.Error("efetch called for empty result")
		}
		fmt.Fprint(w, emptyESearchXML)
	}))
	defer srv.Close()

	papers, err := newTestClient(srv.URL, 20).Search(context.Background(), ports.SearchRequest{Query: "zzzz"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(papers) != 0 {
		t.Errorf("len(papers) = %d, want 0", len(papers))
	}
}

func TestSearchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, emptyESearchXML)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, 20).Search(context.Background(), ports.SearchRequest{Query: "q"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSearchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 20).Search(context.Background(), ports.SearchRequest{Query: "q"})
	var pe *ports.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %v, want 429 provider error", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 1 + 2 retries", calls.Load())
	}
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, 20).Search(context.Background(), ports.SearchRequest{Query: "q"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestPublicationDateFallback(t *testing.T) {
	tests := []struct {
		name string
		pub  xmlDate
		art  []xmlDate
		want string
	}{
		{"pubdate", xmlDate{Year: "2021", Month: "Jan"}, nil, "2021-Jan"},
		{"article date padded", xmlDate{}, []xmlDate{{Year: "2022", Month: "3", Day: "7"}}, "2022-03-07"},
		{"medline date", xmlDate{MedlineDate: "2019 Nov-Dec"}, nil, "2019"},
		{"none", xmlDate{}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := publicationDate(tt.pub, tt.art); got != tt.want {
				t.Errorf("publicationDate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Insulin resistance and insulin signalling in the liver; liver insulin.", 3)
	want := []string{"insulin", "liver", "resistance"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ExtractKeywords() = %v, want %v", got, want)
	}
}

func TestSortPapers(t *testing.T) {
	papers := []domain.Paper{
		{PMID: "a", PublicationDate: "2019-01-01", CitationCount: 5},
		{PMID: "b", PublicationDate: "2023-01-01", CitationCount: 1},
		{PMID: "c", PublicationDate: "2021-01-01", CitationCount: 9},
	}
	sortPapers(papers, ports.SortDate)
	if papers[0].PMID != "b" || papers[2].PMID != "a" {
		t.Errorf("date order = %v", papers)
	}
	sortPapers(papers, ports.SortCitations)
	if papers[0].PMID != "c" || papers[2].PMID != "b" {
		t.Errorf("citation order = %v", papers)
	}
}

func TestFormatPapers(t *testing.T) {
	if got := FormatPapers(nil, false); got != "No papers found." {
		t.Errorf("FormatPapers(nil) = %q", got)
	}

	out := FormatPapers([]domain.Paper{{
		PMID:     "1",
		Title:    "Metformin outcomes",
		Authors:  []string{"A One", "B Two", "C Three", "D Four"},
		Journal:  "Lancet",
		DOI:      "10.1/x",
		Keywords: []string{"k1", "k2", "k3", "k4", "k5", "k6"},
		URL:      "https://pubmed.ncbi.nlm.nih.gov/1/",
	}}, false)

	for _, want := range []string{
		"**1. Metformin outcomes**",
		"- **Authors**: A One, B Two, C Three...",
		"- **DOI**: 10.1/x",
		"- **Keywords**: k1, k2, k3, k4, k5\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRetryPolicyCalculateDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
	tests := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 200 * time.Millisecond,
		2: 400 * time.Millisecond,
		5: time.Second,
	}
	for n, want := range tests {
		if got := p.CalculateDelay(n); got != want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", n, got, want)
		}
	}
}
