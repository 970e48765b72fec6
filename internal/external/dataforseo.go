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

const dataForSEOAPIBase = "https://api.dataforseo.com"

// ukLocationCode is the DataForSEO location code for the United Kingdom.
// All SERP collection runs against the UK index.
const ukLocationCode = 2826

// serpFeatureNames maps DataForSEO item types to the feature keys stored on
// the serp_visibility field group.
var serpFeatureNames = map[string]string{
	"shopping":         "shopping_carousel",
	"people_also_ask":  "people_also_ask",
	"featured_snippet": "featured_snippet",
	"local_pack":       "local_pack",
	"sitelinks":        "sitelinks",
	"images":           "image_pack",
	"ai_overview":      "ai_overview",
}

// DataForSEOConfig holds credentials and overrides for the DataForSEO client.
type DataForSEOConfig struct {
	Login    string
	Password string
	BaseURL  string // Override for testing; defaults to dataForSEOAPIBase
	Logger   *slog.Logger
}

// DataForSEOClient talks to DataForSEO's queued SERP API and Backlinks API.
// SERP collection is three-step: task_post submits keywords, tasks_ready is
// polled until results exist, task_get fetches them. Backlink metrics are a
// single live call. It implements SERPProvider and AuthorityProvider.
type DataForSEOClient struct {
	base     *BaseClient
	login    string
	password string
	baseURL  string
	logger   *slog.Logger
}

// NewDataForSEOClient creates a DataForSEO client with its own breaker.
func NewDataForSEOClient(httpClient *http.Client, cfg DataForSEOConfig) *DataForSEOClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = dataForSEOAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DataForSEOClient{
		base:     NewBaseClient(httpClient, "dataforseo", DefaultRetryPolicy(), "CartoGraph/1.0"),
		login:    cfg.Login,
		password: cfg.Password,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// SubmitSERPTasks queues one organic-SERP task per keyword and returns the
// provider task IDs. Depth 30 covers the positions the intent scorer reads.
func (c *DataForSEOClient) SubmitSERPTasks(ctx context.Context, keywords []string, location string) ([]string, error) {
	locationCode := ukLocationCode
	if location != "" {
		fmt.Sscanf(location, "%d", &locationCode)
	}

	payload := make([]map[string]any, 0, len(keywords))
	for _, kw := range keywords {
		payload = append(payload, map[string]any{
			"keyword":       kw,
			"location_code": locationCode,
			"language_code": "en",
			"device":        "desktop",
			"os":            "windows",
			"depth":         30,
			"tag":           "cartograph",
		})
	}

	var out dfsTaskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v3/serp/google/organic/task_post", payload, &out); err != nil {
		return nil, err
	}

	taskIDs := make([]string, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		if t.ID != "" {
			taskIDs = append(taskIDs, t.ID)
		}
	}

	c.logger.InfoContext(ctx, "submitted SERP tasks", "count", len(taskIDs))
	return taskIDs, nil
}

// ReadySERPTasks returns the task IDs whose results can be fetched.
func (c *DataForSEOClient) ReadySERPTasks(ctx context.Context) ([]string, error) {
	var out dfsTaskResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v3/serp/google/organic/tasks_ready", nil, &out); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		if t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// FetchSERPResults retrieves the organic rows of a completed task. Non-organic
// items contribute SERP feature flags but are not returned as rows.
func (c *DataForSEOClient) FetchSERPResults(ctx context.Context, taskID string) ([]SERPResult, error) {
	var out dfsSERPGetResponse
	path := "/v3/serp/google/organic/task_get/regular/" + taskID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	collectedAt := time.Now().UTC().Format(time.RFC3339)
	var results []SERPResult
	for _, task := range out.Tasks {
		keyword := task.Data.Keyword
		for _, res := range task.Result {
			features := presentFeatures(res.Items)
			for _, item := range res.Items {
				if item.Type != "organic" {
					continue
				}
				results = append(results, SERPResult{
					Keyword:      keyword,
					Position:     item.RankAbsolute,
					Domain:       registrableDomain(item.URL),
					URL:          item.URL,
					Title:        item.Title,
					SERPFeatures: features,
					CollectedAt:  collectedAt,
				})
			}
		}
	}
	return results, nil
}

// AuthorityMetrics fetches backlink counts via the live Backlinks endpoint.
// DataForSEO supplies link graph volume; rating scores come from Moz.
func (c *DataForSEOClient) AuthorityMetrics(ctx context.Context, domains []string) ([]AuthorityMetrics, error) {
	payload := make([]map[string]any, 0, len(domains))
	for _, d := range domains {
		payload = append(payload, map[string]any{
			"target":             d,
			"include_subdomains": false,
		})
	}

	var out dfsBacklinksResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v3/backlinks/domain_pages_summary/live", payload, &out); err != nil {
		return nil, err
	}

	var results []AuthorityMetrics
	for _, task := range out.Tasks {
		for _, item := range task.Result {
			m := AuthorityMetrics{
				Domain: item.Target,
				Source: "dataforseo",
			}
			if item.Backlinks != nil {
				m.Backlinks = item.Backlinks
			}
			if item.ReferringDomains != nil {
				m.ReferringDomains = item.ReferringDomains
			}
			if item.Rank != nil {
				m.DomainRating = item.Rank
			}
			if item.OrganicETV != nil {
				m.OrganicTraffic = item.OrganicETV
			}
			results = append(results, m)
		}
	}
	return results, nil
}

// doJSON runs an authenticated JSON request and decodes the response.
func (c *DataForSEOClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode DataForSEO payload", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.login, c.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("DataForSEO returned %d for %s", resp.StatusCode, path),
			nil,
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamProvider, "failed to decode DataForSEO response", err)
	}
	return nil
}

// presentFeatures returns the feature keys present among SERP items.
func presentFeatures(items []dfsSERPItem) []string {
	seen := make(map[string]bool)
	var features []string
	for _, item := range items {
		feat, ok := serpFeatureNames[strings.ToLower(item.Type)]
		if !ok || seen[feat] {
			continue
		}
		seen[feat] = true
		features = append(features, feat)
	}
	return features
}

// registrableDomain strips scheme, path and a leading www from a URL.
func registrableDomain(rawURL string) string {
	s := strings.TrimPrefix(rawURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}

// ---------------------------------------------------------------------------
// DataForSEO Response Types
// ---------------------------------------------------------------------------

type dfsTaskResponse struct {
	Tasks []struct {
		ID string `json:"id"`
	} `json:"tasks"`
}

type dfsSERPItem struct {
	Type         string `json:"type"`
	RankAbsolute int    `json:"rank_absolute"`
	URL          string `json:"url"`
	Title        string `json:"title"`
}

type dfsSERPGetResponse struct {
	Tasks []struct {
		Data struct {
			Keyword string `json:"keyword"`
		} `json:"data"`
		Result []struct {
			Items []dfsSERPItem `json:"items"`
		} `json:"result"`
	} `json:"tasks"`
}

type dfsBacklinksResponse struct {
	Tasks []struct {
		Result []struct {
			Target           string `json:"target"`
			Backlinks        *int64 `json:"backlinks"`
			ReferringDomains *int   `json:"referring_domains"`
			Rank             *int   `json:"rank"`
			OrganicETV       *int64 `json:"organic_etv"`
		} `json:"result"`
	} `json:"tasks"`
}
