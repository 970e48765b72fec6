package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cartograph/internal/types"
)

const mozAPIBase = "https://lsapi.seomoz.com/v2"

// MozConfig holds credentials and overrides for the Moz Links API client.
type MozConfig struct {
	APIToken string
	BaseURL  string // Override for testing; defaults to mozAPIBase
	Logger   *slog.Logger
}

// MozClient fetches Domain Authority, Page Authority and Spam Score from the
// Moz Links API. It is the supplementary authority signal cross-checked
// against DataForSEO's rating by the SEO metrics agent. Implements
// AuthorityProvider.
type MozClient struct {
	base     *BaseClient
	apiToken string
	baseURL  string
	logger   *slog.Logger
}

// NewMozClient creates a Moz client with its own breaker.
func NewMozClient(httpClient *http.Client, cfg MozConfig) *MozClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mozAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MozClient{
		base: NewBaseClient(httpClient, "moz", RetryPolicy{
			MaxRetries: 2,
			MinWait:    time.Second,
			MaxWait:    10 * time.Second,
		}, "CartoGraph/1.0"),
		apiToken: cfg.APIToken,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// AuthorityMetrics fetches DA, PA and Spam Score for a batch of domains via
// the url_metrics endpoint.
func (c *MozClient) AuthorityMetrics(ctx context.Context, domains []string) ([]AuthorityMetrics, error) {
	payload := mozURLMetricsRequest{Targets: domains}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/url_metrics", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-moz-token", c.apiToken)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("Moz url_metrics returned %d", resp.StatusCode),
			nil,
		)
	}

	var out mozURLMetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	results := make([]AuthorityMetrics, 0, len(out.Results))
	for i, r := range out.Results {
		m := AuthorityMetrics{Source: "moz"}
		if i < len(domains) {
			m.Domain = domains[i]
		}
		if r.DomainAuthority != nil {
			da := int(*r.DomainAuthority)
			m.DomainAuthority = &da
		}
		if r.PageAuthority != nil {
			pa := int(*r.PageAuthority)
			m.PageAuthority = &pa
		}
		if r.SpamScore != nil {
			ss := int(*r.SpamScore)
			m.SpamScore = &ss
		}
		results = append(results, m)
	}
	return results, nil
}

type mozURLMetricsRequest struct {
	Targets []string `json:"targets"`
}

type mozURLMetricsResponse struct {
	Results []struct {
		DomainAuthority *float64 `json:"domain_authority"`
		PageAuthority   *float64 `json:"page_authority"`
		SpamScore       *float64 `json:"spam_score"`
	} `json:"results"`
}
