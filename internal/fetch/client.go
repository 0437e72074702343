package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/medgraph/backend/pkg/circuitbreaker"
	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
	"github.com/medgraph/backend/pkg/retry"
)

// ErrFetchFailure signals that the upstream aggregator could not serve the
// request after retries. The pipeline degrades to cached or graph-only
// results rather than failing the query.
var ErrFetchFailure = errors.New("external fetch failed")

// Result is one document returned by the research aggregator. Only
// redacted query text is ever sent upstream to obtain it.
type Result struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	URL      string `json:"url"`
	Citation string `json:"citation"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Client queries the external research aggregator.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	maxResults int
	cb         *circuitbreaker.CircuitBreaker
	retryConf  retry.Config
}

func NewClient(cfg config.FetchConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	cb := circuitbreaker.NewCircuitBreaker("fetch", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		maxResults: maxResults,
		cb:         cb,
		retryConf: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   300 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

// Search sends the redacted query upstream and returns parsed documents.
// JSON responses are preferred; HTML responses are scraped as a fallback.
func (c *Client) Search(ctx context.Context, redactedQuery string) ([]Result, error) {
	var results []Result

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConf, func() error {
			var err error
			results, err = c.doSearch(ctx, redactedQuery)
			return err
		})
	})

	if err != nil {
		logger.Warn("External fetch exhausted retries",
			zap.String("endpoint", c.endpoint),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailure, err)
	}

	logger.Debug("External fetch completed", zap.Int("result_count", len(results)))

	return results, nil
}

func (c *Client) doSearch(ctx context.Context, query string) ([]Result, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch endpoint: %w", err)
	}

	q := u.Query()
	q.Set("q", query)
	q.Set("limit", fmt.Sprintf("%d", c.maxResults))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/html")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		return c.scrapeHTML(resp)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}

	if len(parsed.Results) > c.maxResults {
		parsed.Results = parsed.Results[:c.maxResults]
	}

	return parsed.Results, nil
}

// scrapeHTML extracts result entries from an HTML listing page.
func (c *Client) scrapeHTML(resp *http.Response) ([]Result, error) {
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML response: %w", err)
	}

	var results []Result
	doc.Find("article, .result, .search-result").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= c.maxResults {
			return false
		}

		title := strings.TrimSpace(s.Find("h1, h2, h3, .title").First().Text())
		abstract := strings.TrimSpace(s.Find("p, .abstract, .summary").First().Text())
		href, _ := s.Find("a").First().Attr("href")

		if title == "" && abstract == "" {
			return true
		}

		results = append(results, Result{
			SourceID: fmt.Sprintf("scrape-%d", i),
			Title:    title,
			Abstract: abstract,
			URL:      href,
			Citation: title,
		})
		return true
	})

	if len(results) == 0 {
		return nil, fmt.Errorf("no results in HTML response")
	}

	return results, nil
}
