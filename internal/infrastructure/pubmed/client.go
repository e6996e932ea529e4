package pubmed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

const (
	providerName      = "pubmed"
	defaultMaxResults = 20
	defaultYearsBack  = 5
)

// Client searches PubMed through the NCBI E-utilities.
type Client struct {
	httpClient *http.Client
	cfg        config.PubMedConfig
	retry      RetryPolicy
	log        *logger.Logger
	now        func() time.Time
}

func NewClient(cfg config.PubMedConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Tool == "" {
		cfg.Tool = "CRA-Copilot"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		retry:      DefaultRetryPolicy(cfg.MaxRetries),
		log:        log,
		now:        time.Now,
	}
}

// Search runs an ESearch limited to the last YearsBack years and fetches the
// matching records. No matches is not an error.
func (c *Client) Search(ctx context.Context, req ports.SearchRequest) ([]domain.Paper, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &ports.ProviderError{Provider: providerName, Operation: "esearch", Message: "empty query"}
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}
	if req.YearsBack <= 0 {
		req.YearsBack = defaultYearsBack
	}

	pmids, err := c.searchIDs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pmids) == 0 {
		c.log.Infow("pubmed_search_empty", "query", req.Query)
		return []domain.Paper{}, nil
	}

	papers, err := c.fetch(ctx, pmids, req.IncludeAbstracts)
	if err != nil {
		return nil, err
	}
	sortPapers(papers, req.Sort)

	c.log.Infow("pubmed_search_ok", "query", req.Query, "ids", len(pmids), "papers", len(papers))
	return papers, nil
}

func (c *Client) searchIDs(ctx context.Context, req ports.SearchRequest) ([]string, error) {
	params := c.baseParams()
	params.Set("term", c.dateBoundedTerm(req.Query, req.YearsBack))
	params.Set("retmax", strconv.Itoa(req.MaxResults))
	params.Set("sort", "relevance")

	body, err := c.get(ctx, "esearch", "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}
	res, err := parseSearchResult(body)
	if err != nil {
		return nil, &ports.ProviderError{Provider: providerName, Operation: "esearch", Message: "invalid response body", Err: err}
	}
	if res.Error != "" {
		return nil, &ports.ProviderError{Provider: providerName, Operation: "esearch", Message: res.Error}
	}
	return res.IDs, nil
}

// fetch loads records in batches, pausing between batches. The result keeps
// the ESearch ranking.
func (c *Client) fetch(ctx context.Context, pmids []string, includeAbstracts bool) ([]domain.Paper, error) {
	byID := make(map[string]domain.Paper, len(pmids))
	for start := 0; start < len(pmids); start += c.cfg.BatchSize {
		if start > 0 && c.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.BatchDelay):
			}
		}

		end := start + c.cfg.BatchSize
		if end > len(pmids) {
			end = len(pmids)
		}
		batch := pmids[start:end]

		params := c.baseParams()
		params.Set("id", strings.Join(batch, ","))

		body, err := c.get(ctx, "efetch", "efetch.fcgi", params)
		if err != nil {
			return nil, err
		}
		papers, err := parseArticles(body, includeAbstracts)
		if err != nil {
			return nil, &ports.ProviderError{Provider: providerName, Operation: "efetch", Message: "invalid response body", Err: err}
		}
		for _, p := range papers {
			byID[p.PMID] = p
		}
		c.log.Debugw("pubmed_fetch_batch_ok", "requested", len(batch), "parsed", len(papers))
	}

	ordered := make([]domain.Paper, 0, len(byID))
	for _, id := range pmids {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
			delete(byID, id)
		}
	}
	return ordered, nil
}

func (c *Client) baseParams() url.Values {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("retmode", "xml")
	params.Set("tool", c.cfg.Tool)
	if c.cfg.Email != "" {
		params.Set("email", c.cfg.Email)
	}
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	return params
}

func (c *Client) dateBoundedTerm(query string, yearsBack int) string {
	end := c.now()
	start := end.AddDate(0, 0, -365*yearsBack)
	return fmt.Sprintf("(%s) AND %s:%s[pdat]", query, start.Format("2006/01/02"), end.Format("2006/01/02"))
}

func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := c.getOnce(ctx, op, endpoint, params)
		if err == nil {
			return body, nil
		}

		var pe *ports.ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() || !c.retry.ShouldRetry(attempt) {
			return nil, err
		}

		delay := c.retry.CalculateDelay(attempt)
		c.log.Warnw("pubmed_request_retry", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) getOnce(ctx context.Context, op, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "failed to create request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, Message: "failed to read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &ports.ProviderError{Provider: providerName, Operation: op, StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

func sortPapers(papers []domain.Paper, order ports.SearchSort) {
	switch order {
	case ports.SortDate:
		sort.SliceStable(papers, func(i, j int) bool {
			return papers[i].PublicationDate > papers[j].PublicationDate
		})
	case ports.SortCitations:
		sort.SliceStable(papers, func(i, j int) bool {
			return papers[i].CitationCount > papers[j].CitationCount
		})
	}
}

// FormatPapers renders papers as a numbered markdown bibliography.
func FormatPapers(papers []domain.Paper, includeAbstracts bool) string {
	if len(papers) == 0 {
		return "No papers found."
	}

	entries := make([]string, 0, len(papers))
	for i, p := range papers {
		var sb strings.Builder
		authors := p.Authors
		more := ""
		if len(authors) > 3 {
			authors = authors[:3]
			more = "..."
		}
		fmt.Fprintf(&sb, "\n**%d. %s**\n", i+1, p.Title)
		fmt.Fprintf(&sb, "- **Authors**: %s%s\n", strings.Join(authors, ", "), more)
		fmt.Fprintf(&sb, "- **Journal**: %s\n", p.Journal)
		fmt.Fprintf(&sb, "- **Date**: %s\n", p.PublicationDate)
		fmt.Fprintf(&sb, "- **PMID**: %s\n", p.PMID)
		fmt.Fprintf(&sb, "- **URL**: %s\n", p.URL)
		if p.DOI != "" {
			fmt.Fprintf(&sb, "- **DOI**: %s\n", p.DOI)
		}
		if len(p.Keywords) > 0 {
			kw := p.Keywords
			if len(kw) > 5 {
				kw = kw[:5]
			}
			fmt.Fprintf(&sb, "- **Keywords**: %s\n", strings.Join(kw, ", "))
		}
		if includeAbstracts && p.Abstract != "" {
			fmt.Fprintf(&sb, "- **Abstract**: %s\n", truncateRunes(p.Abstract, 200))
		}
		entries = append(entries, sb.String())
	}
	return strings.Join(entries, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
