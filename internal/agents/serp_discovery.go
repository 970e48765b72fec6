package agents

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"cartograph/internal/external"
	"cartograph/internal/types"
)

// Domains excluded from discovery. These are marketplace and social listing
// surfaces, not the UK merchants the index tracks.
var excludedDomainPatterns = []*regexp.Regexp{
	regexp.MustCompile(`amazon\.(co\.uk|com)$`),
	regexp.MustCompile(`ebay\.(co\.uk|com)$`),
	regexp.MustCompile(`etsy\.com$`),
	regexp.MustCompile(`google\.(co\.uk|com)$`),
	regexp.MustCompile(`facebook\.com$`),
	regexp.MustCompile(`instagram\.com$`),
	regexp.MustCompile(`youtube\.com$`),
	regexp.MustCompile(`pinterest\.(co\.uk|com)$`),
	regexp.MustCompile(`wikipedia\.org$`),
	regexp.MustCompile(`reddit\.com$`),
	regexp.MustCompile(`trustpilot\.com$`),
}

// UK relevance: .co.uk/.uk family TLDs pass outright; .com domains pass
// provisionally and rely on the classifier for a verdict.
var ukTLDPattern = regexp.MustCompile(`\.(co\.uk|org\.uk|me\.uk|uk)$`)

const serpResultsDelay = 2 * time.Minute

// DomainStore is the persistence surface SERP discovery needs to separate
// new domains from known ones. Satisfied by db.DomainRepository.
type DomainStore interface {
	GetByName(ctx context.Context, domain string) (*types.Domain, error)
	Insert(ctx context.Context, d *types.Domain) error
}

// DiscoveredDomain is one domain surfaced by a SERP run.
type DiscoveredDomain struct {
	Domain       string   `json:"domain"`
	TLD          string   `json:"tld"`
	Keyword      string   `json:"discovery_keyword"`
	Position     int      `json:"discovery_position"`
	SERPFeatures []string `json:"serp_features"`
	IsNew        bool     `json:"is_new"`
}

// SERPDiscovery drives the queued SERP provider in two phases. The first
// run submits collection tasks and requeues itself with the provider task
// IDs in evidence; later runs fetch whatever is ready, creating stub
// records for unseen domains and fanning them out to the classifier.
type SERPDiscovery struct {
	provider external.SERPProvider
	store    DomainStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewSERPDiscovery(provider external.SERPProvider, store DomainStore, logger *slog.Logger) *SERPDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &SERPDiscovery{provider: provider, store: store, logger: logger, now: time.Now}
}

func (a *SERPDiscovery) Kind() types.AgentKind { return types.AgentSERPDiscovery }

// SetNow overrides the clock for testing.
func (a *SERPDiscovery) SetNow(fn func() time.Time) { a.now = fn }

func (a *SERPDiscovery) Run(ctx context.Context, task types.EnrichmentTask) Result {
	pending := evidenceStrings(task.Evidence, "provider_task_ids")
	if len(pending) == 0 {
		return a.submit(ctx, task)
	}
	return a.collect(ctx, task, pending)
}

// submit queues one provider task per keyword, then requeues this task to
// come back for the results.
func (a *SERPDiscovery) submit(ctx context.Context, task types.EnrichmentTask) Result {
	keywords := evidenceStrings(task.Evidence, "keywords")
	if len(keywords) == 0 {
		return Fatal("no_keywords_in_evidence")
	}

	taskIDs, err := a.provider.SubmitSERPTasks(ctx, keywords, "United Kingdom")
	if err != nil {
		return classifyProviderError(a.Kind(), task.Attempt, err)
	}
	if len(taskIDs) == 0 {
		return Fatal("provider_accepted_no_tasks")
	}

	a.logger.InfoContext(ctx, "serp collection submitted",
		"task_id", task.TaskID, "keywords", len(keywords), "provider_tasks", len(taskIDs))

	next := task
	next.Evidence = types.JSONMap{"provider_task_ids": taskIDs}
	// Submission succeeded, so the results poll does not consume the
	// retry budget.
	next.Attempt = 0
	return RetryTask(next, "awaiting_serp_results", serpResultsDelay)
}

// collect fetches results for whichever submitted tasks are ready and
// requeues for the remainder.
func (a *SERPDiscovery) collect(ctx context.Context, task types.EnrichmentTask, pending []string) Result {
	ready, err := a.provider.ReadySERPTasks(ctx)
	if err != nil {
		return classifyProviderError(a.Kind(), task.Attempt, err)
	}

	readySet := make(map[string]bool, len(ready))
	for _, id := range ready {
		readySet[id] = true
	}

	var results []external.SERPResult
	var remaining []string
	for _, id := range pending {
		if !readySet[id] {
			remaining = append(remaining, id)
			continue
		}
		rows, err := a.provider.FetchSERPResults(ctx, id)
		if err != nil {
			return classifyProviderError(a.Kind(), task.Attempt, err)
		}
		results = append(results, rows...)
	}

	if len(results) == 0 && len(remaining) > 0 {
		next := task
		next.Evidence = types.JSONMap{"provider_task_ids": remaining}
		next.Attempt = task.Attempt + 1
		if next.Attempt >= RetryBudget(a.Kind()) {
			return Fatal("serp_results_never_ready")
		}
		return RetryTask(next, "serp_results_not_ready", serpResultsDelay)
	}

	res, err := a.processResults(ctx, task, results)
	if err != nil {
		return Retry("store_unavailable", Backoff(a.Kind(), task.Attempt))
	}

	if len(remaining) > 0 {
		next := task
		next.Evidence = types.JSONMap{"provider_task_ids": remaining}
		next.Attempt = 0
		res.Outcome = OutcomeRetry
		res.Reason = "serp_results_partial"
		res.Delay = serpResultsDelay
		res.Task = &next
	}
	return res
}

// processResults filters, dedupes and persists discoveries, producing
// classifier tasks and domain.created events for the new ones.
func (a *SERPDiscovery) processResults(ctx context.Context, task types.EnrichmentTask, results []external.SERPResult) (Result, error) {
	seen := make(map[string]bool, len(results))
	var discovered []DiscoveredDomain
	excluded := 0

	for _, row := range results {
		domain := strings.ToLower(row.Domain)
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true

		if isExcludedDomain(domain) {
			excluded++
			continue
		}
		if !isUKRelevant(domain) {
			continue
		}

		isNew, err := a.ensureStub(ctx, domain)
		if err != nil {
			return Result{}, err
		}
		discovered = append(discovered, DiscoveredDomain{
			Domain:       domain,
			TLD:          extractTLD(domain),
			Keyword:      row.Keyword,
			Position:     row.Position,
			SERPFeatures: row.SERPFeatures,
			IsNew:        isNew,
		})
	}

	res := Ok(nil)
	newCount := 0
	for _, d := range discovered {
		if !d.IsNew {
			continue
		}
		newCount++
		features := types.JSONMap{}
		for _, f := range d.SERPFeatures {
			features[f] = true
		}
		res.Next = append(res.Next, types.EnrichmentTask{
			TraceID: task.TraceID,
			Agent:   types.AgentDomainClassifier,
			Domain:  d.Domain,
			Evidence: types.JSONMap{
				"serp": types.JSONMap{
					"keyword":  d.Keyword,
					"position": d.Position,
					"features": features,
				},
			},
		})
		res.Events = append(res.Events, OutboundEvent{
			Event: types.EventDomainCreated,
			Payload: types.JSONMap{
				"domain":            d.Domain,
				"tld":               d.TLD,
				"discovery_keyword": d.Keyword,
			},
		})
	}

	a.logger.InfoContext(ctx, "serp discovery processed",
		"task_id", task.TaskID,
		"results", len(results),
		"discovered", len(discovered),
		"new", newCount,
		"excluded", excluded,
	)
	return res, nil
}

// ensureStub inserts a pending-enrichment stub for an unseen domain and
// reports whether the domain was new.
func (a *SERPDiscovery) ensureStub(ctx context.Context, domain string) (bool, error) {
	_, err := a.store.GetByName(ctx, domain)
	if err == nil {
		return false, nil
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundDomain {
		return false, err
	}

	now := a.now().UTC()
	stub := &types.Domain{
		DomainID:      "dom_" + uuid.New().String(),
		Domain:        domain,
		Country:       "GB",
		TLD:           extractTLD(domain),
		Status:        types.DomainStatusPending,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
		SchemaVersion: "1",
	}
	if err := a.store.Insert(ctx, stub); err != nil {
		// A concurrent worker won the insert race; the domain is known.
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictDomainExists {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isExcludedDomain(domain string) bool {
	for _, p := range excludedDomainPatterns {
		if p.MatchString(domain) {
			return true
		}
	}
	return false
}

func isUKRelevant(domain string) bool {
	return ukTLDPattern.MatchString(domain) || strings.HasSuffix(domain, ".com")
}

var tldPattern = regexp.MustCompile(`\.[a-z]{2,}(\.[a-z]{2,})?$`)

func extractTLD(domain string) string {
	// Prefer the compound UK suffixes over the bare final label.
	if m := ukTLDPattern.FindString(domain); m != "" {
		return strings.TrimPrefix(m, ".")
	}
	return strings.TrimPrefix(tldPattern.FindString(domain), ".")
}
