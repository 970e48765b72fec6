package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cartograph/internal/types"
)

const wappalyzerAPIBase = "https://api.wappalyzer.com/v2"

// minTechConfidence filters out low-confidence fingerprints. Detections below
// this threshold are discarded before they reach the tech_stack field group.
const minTechConfidence = 0.5

// WappalyzerConfig holds credentials and overrides for the Wappalyzer client.
type WappalyzerConfig struct {
	APIKey  string
	BaseURL string // Override for testing; defaults to wappalyzerAPIBase
	Logger  *slog.Logger
}

// WappalyzerClient fingerprints domain technology stacks via the Wappalyzer
// lookup API. Implements TechProvider for the tech stack agent.
type WappalyzerClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewWappalyzerClient creates a Wappalyzer client with its own breaker.
func NewWappalyzerClient(httpClient *http.Client, cfg WappalyzerConfig) *WappalyzerClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = wappalyzerAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WappalyzerClient{
		base:    NewBaseClient(httpClient, "wappalyzer", DefaultRetryPolicy(), "CartoGraph/1.0"),
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// TechStack fingerprints one domain and returns its detected technologies,
// dropping detections below the confidence threshold.
func (c *WappalyzerClient) TechStack(ctx context.Context, domain string) (*TechFingerprint, error) {
	params := url.Values{}
	params.Set("urls", "https://"+domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lookup?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("Wappalyzer lookup returned %d for %s", resp.StatusCode, domain),
			nil,
		)
	}

	var out []wappalyzerLookup
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider, "failed to decode Wappalyzer response", err)
	}

	fp := &TechFingerprint{
		Domain:     domain,
		DetectedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, lookup := range out {
		for _, tech := range lookup.Technologies {
			confidence := tech.Confidence / 100
			if confidence < minTechConfidence {
				continue
			}
			category := ""
			if len(tech.Categories) > 0 {
				category = tech.Categories[0].Name
			}
			fp.Technologies = append(fp.Technologies, TechDetection{
				Name:       tech.Name,
				Category:   category,
				Confidence: confidence,
			})
		}
	}
	return fp, nil
}

type wappalyzerLookup struct {
	URL          string `json:"url"`
	Technologies []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
		Categories []struct {
			Name string `json:"name"`
		} `json:"categories"`
	} `json:"technologies"`
}
