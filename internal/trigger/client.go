// Package trigger starts collection jobs on the upstream scraping API and
// records a placeholder for each batch it is handed back.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-relay/internal/payload"
)

// Errors returned by the client.
var (
	ErrInvalidTriggerResponse = errors.New("trigger response carried no batch id")
	ErrUnknownPlatform        = errors.New("unknown platform")
	ErrEmptyRequest           = errors.New("trigger request is empty")
)

// Platform names a job board the collection API can search.
type Platform string

// Supported platforms.
const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformIndeed   Platform = "indeed"
	PlatformBoth     Platform = "both"
)

// DefaultTimeout bounds a trigger call. Upstream acceptance can be slow.
const DefaultTimeout = time.Hour

const maxErrorBody = 512

// Datasets maps each collection target to its upstream dataset ID.
type Datasets struct {
	LinkedInJobs      string `mapstructure:"linkedin_jobs"`
	IndeedJobs        string `mapstructure:"indeed_jobs"`
	LinkedInCompanies string `mapstructure:"linkedin_companies"`
}

// Config describes how to reach the collection API.
type Config struct {
	BaseURL       string
	APIToken      string
	CallbackURL   string
	WebhookSecret string
	Datasets      Datasets
	Timeout       time.Duration
}

// SearchParams are the keyword discovery inputs.
type SearchParams struct {
	Keyword  string `json:"keyword"`
	Location string `json:"location,omitempty"`
	Country  string `json:"country,omitempty"`
}

// DualResult holds the batch IDs of a two-platform trigger.
type DualResult struct {
	LinkedIn string `json:"linkedin"`
	Indeed   string `json:"indeed"`
}

// Client issues trigger requests.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collector.base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("trigger")}, nil
}

// Trigger starts a keyword discovery job on platform.
func (c *Client) Trigger(ctx context.Context, platform Platform, params SearchParams) (string, error) {
	if strings.TrimSpace(params.Keyword) == "" {
		return "", fmt.Errorf("%w: keyword is required", ErrEmptyRequest)
	}
	var dataset string
	switch platform {
	case PlatformLinkedIn:
		dataset = c.cfg.Datasets.LinkedInJobs
	case PlatformIndeed:
		dataset = c.cfg.Datasets.IndeedJobs
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return c.do(ctx, dataset, true, []SearchParams{params})
}

// TriggerCompanyLookup collects company pages by URL.
func (c *Client) TriggerCompanyLookup(ctx context.Context, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: company urls are required", ErrEmptyRequest)
	}
	body := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		body = append(body, map[string]string{"url": u})
	}
	return c.do(ctx, c.cfg.Datasets.LinkedInCompanies, false, body)
}

// TriggerDual runs the LinkedIn and Indeed triggers concurrently and waits
// for both. Either branch failing fails the call; the sibling is not cancelled.
func (c *Client) TriggerDual(ctx context.Context, params SearchParams) (DualResult, error) {
	var (
		g   errgroup.Group
		res DualResult
	)
	g.Go(func() error {
		id, err := c.Trigger(ctx, PlatformLinkedIn, params)
		if err != nil {
			return fmt.Errorf("%s: %w", PlatformLinkedIn, err)
		}
		res.LinkedIn = id
		return nil
	})
	g.Go(func() error {
		id, err := c.Trigger(ctx, PlatformIndeed, params)
		if err != nil {
			return fmt.Errorf("%s: %w", PlatformIndeed, err)
		}
		res.Indeed = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return DualResult{}, err
	}
	return res, nil
}

func (c *Client) endpoint(dataset string, discover bool) string {
	q := url.Values{}
	q.Set("dataset_id", dataset)
	if c.cfg.CallbackURL != "" {
		q.Set("endpoint", c.cfg.CallbackURL)
	}
	if c.cfg.WebhookSecret != "" {
		q.Set("auth_header", c.cfg.WebhookSecret)
	}
	q.Set("format", "json")
	q.Set("uncompressed_webhook", "true")
	q.Set("include_errors", "true")
	if discover {
		q.Set("type", "discover_new")
		q.Set("discover_by", "keyword")
	}
	return c.cfg.BaseURL + "/datasets/v3/trigger?" + q.Encode()
}

func (c *Client) do(ctx context.Context, dataset string, discover bool, body any) (string, error) {
	if dataset == "" {
		return "", fmt.Errorf("dataset id is not configured")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal trigger body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(dataset, discover), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("close trigger response", zap.Error(closeErr))
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read trigger response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("trigger returned status %d: %s", resp.StatusCode, truncate(raw))
	}

	v, err := payload.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTriggerResponse, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", ErrInvalidTriggerResponse
	}
	batchID := payload.ExtractBatchID(obj)
	if batchID == "" {
		return "", ErrInvalidTriggerResponse
	}
	c.logger.Info("collection triggered",
		zap.String("dataset_id", dataset),
		zap.String("batch_id", batchID),
		zap.Duration("duration", time.Since(start)),
	)
	return batchID, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
