package agents

import (
	"context"
	"log/slog"
	"time"

	"cartograph/internal/config"
	"cartograph/internal/external"
	"cartograph/internal/types"
)

// authorityDivergencePoints is how far DataForSEO's domain rating and Moz's
// domain authority may differ before the record is flagged for review.
const authorityDivergencePoints = 30

// SEOMetrics merges backlink and authority data from the primary provider
// (DataForSEO) with Moz's supplementary scores. Moz is best-effort; its
// failure degrades the output rather than failing the run.
type SEOMetrics struct {
	primary       external.AuthorityProvider
	supplementary external.AuthorityProvider
	scoring       config.ScoringConfig
	logger        *slog.Logger
	now           func() time.Time
}

func NewSEOMetrics(primary, supplementary external.AuthorityProvider, scoring config.ScoringConfig, logger *slog.Logger) *SEOMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &SEOMetrics{
		primary:       primary,
		supplementary: supplementary,
		scoring:       scoring,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *SEOMetrics) Kind() types.AgentKind { return types.AgentSEOMetrics }

// SetNow overrides the clock for testing.
func (a *SEOMetrics) SetNow(fn func() time.Time) { a.now = fn }

func (a *SEOMetrics) Run(ctx context.Context, task types.EnrichmentTask) Result {
	if task.Domain == "" {
		return Fatal("no_domain_on_task")
	}

	primary, err := a.primary.AuthorityMetrics(ctx, []string{task.Domain})
	if err != nil {
		return classifyProviderError(a.Kind(), task.Attempt, err)
	}

	var moz []external.AuthorityMetrics
	if a.supplementary != nil {
		moz, err = a.supplementary.AuthorityMetrics(ctx, []string{task.Domain})
		if err != nil {
			a.logger.WarnContext(ctx, "supplementary authority lookup failed",
				"task_id", task.TaskID, "domain", task.Domain, "error", err)
			moz = nil
		}
	}

	blob := a.merge(ctx, task.Domain, first(primary), first(moz))

	res := Ok(map[string]types.JSONMap{"seo_metrics": blob})
	res.Next = []types.EnrichmentTask{{
		TraceID:  task.TraceID,
		Agent:    types.AgentIntentScoring,
		DomainID: task.DomainID,
		Domain:   task.Domain,
	}}
	return res
}

// merge combines both providers into the seo_metrics group blob and applies
// the quality flags.
func (a *SEOMetrics) merge(ctx context.Context, domain string, dfs, moz *external.AuthorityMetrics) types.JSONMap {
	blob := types.JSONMap{
		"as_of":  a.now().UTC().Format(time.RFC3339),
		"source": "dataforseo",
	}

	var domainRating, domainAuthority, spamScore *int
	var traffic *int64

	if dfs != nil {
		domainRating = dfs.DomainRating
		traffic = dfs.OrganicTraffic
		putInt(blob, "domain_rating", dfs.DomainRating)
		putInt64(blob, "backlinks", dfs.Backlinks)
		putInt(blob, "referring_domains", dfs.ReferringDomains)
	}
	if moz != nil {
		domainAuthority = moz.DomainAuthority
		spamScore = moz.SpamScore
		putInt(blob, "domain_authority", moz.DomainAuthority)
		putInt(blob, "page_authority", moz.PageAuthority)
		putInt(blob, "spam_score", moz.SpamScore)
		blob["source"] = "dataforseo+moz"
	}

	if traffic != nil {
		blob["organic_traffic_estimate"] = *traffic
	}

	diverged := domainRating != nil && domainAuthority != nil &&
		abs(*domainRating-*domainAuthority) > authorityDivergencePoints
	if diverged {
		a.logger.WarnContext(ctx, "authority divergence",
			"domain", domain, "domain_rating", *domainRating, "domain_authority", *domainAuthority)
	}
	blob["authority_divergence_flagged"] = diverged
	blob["low_traffic_flagged"] = traffic != nil && *traffic < int64(a.scoring.LowTrafficCeiling)
	blob["high_spam_flagged"] = spamScore != nil && *spamScore > a.scoring.HighSpamScoreFloor

	return blob
}

func first(list []external.AuthorityMetrics) *external.AuthorityMetrics {
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

func putInt(m types.JSONMap, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}

func putInt64(m types.JSONMap, key string, v *int64) {
	if v != nil {
		m[key] = *v
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
