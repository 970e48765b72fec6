package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// DomainRepository provides data access for the domains table: the scalar
// columns plus one JSONB column per enrichment field-group. Rows come back
// unmasked; tier gating happens in the handler layer, never in SQL.
type DomainRepository struct {
	db DBTX
}

// NewDomainRepository creates a DomainRepository backed by the given database
// connection (pool or transaction).
func NewDomainRepository(db DBTX) *DomainRepository {
	return &DomainRepository{db: db}
}

// groupColumn whitelists the JSONB column names. Group names arrive from
// agent task payloads, so they are never interpolated without this check.
var groupColumn = func() map[string]bool {
	m := make(map[string]bool, len(tiering.FieldGroupNames))
	for _, g := range tiering.FieldGroupNames {
		m[g] = true
	}
	return m
}()

const domainScalarColumns = `d.domain_id, d.domain, d.country, d.tld, d.status,
	d.first_seen_at, d.last_updated_at, d.schema_version`

// domainColumns appends the JSONB group columns to the scalar set in
// tiering.FieldGroupNames order, which scanDomain relies on.
var domainColumns = domainScalarColumns + ", d." + strings.Join(tiering.FieldGroupNames, ", d.")

func scanDomain(row pgx.Row) (*types.Domain, error) {
	var d types.Domain
	d.Groups = make(types.FieldGroupSet, len(tiering.FieldGroupNames))

	dest := []any{
		&d.DomainID, &d.Domain, &d.Country, &d.TLD, &d.Status,
		&d.FirstSeenAt, &d.LastUpdatedAt, &d.SchemaVersion,
	}
	blobs := make([]types.JSONMap, len(tiering.FieldGroupNames))
	for i := range blobs {
		dest = append(dest, &blobs[i])
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, name := range tiering.FieldGroupNames {
		if blobs[i] != nil {
			d.Groups[name] = blobs[i]
		}
	}
	return &d, nil
}

// GetByName retrieves one domain record by its apex name, with all
// enrichment groups attached.
func (r *DomainRepository) GetByName(ctx context.Context, domain string) (*types.Domain, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains d WHERE d.domain = $1`,
		domain,
	)
	d, err := scanDomain(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDomain, "domain not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve domain", err)
	}
	return d, nil
}

// GetByID retrieves one domain record by its internal ID.
func (r *DomainRepository) GetByID(ctx context.Context, domainID string) (*types.Domain, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains d WHERE d.domain_id = $1`,
		domainID,
	)
	d, err := scanDomain(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDomain, "domain not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve domain", err)
	}
	return d, nil
}

// Insert registers a newly discovered domain in pending_enrichment state.
// Duplicate apex names are a conflict; discovery agents treat that as
// already-known and move on.
func (r *DomainRepository) Insert(ctx context.Context, d *types.Domain) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO domains (domain_id, domain, country, tld, status,
		 first_seen_at, last_updated_at, schema_version)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), $6)`,
		d.DomainID, d.Domain, d.Country, d.TLD, d.Status, d.SchemaVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDomainExists, "domain already tracked", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert domain", err)
	}
	return nil
}

// UpdateGroup replaces one enrichment group blob and bumps last_updated_at.
// The group name must be one of the known JSONB columns.
func (r *DomainRepository) UpdateGroup(ctx context.Context, domainID, group string, blob types.JSONMap) error {
	if !groupColumn[group] {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unknown field group %q", group), nil)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE domains
		 SET `+group+` = $1, last_updated_at = NOW()
		 WHERE domain_id = $2`,
		blob, domainID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update field group", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDomain, "domain not found", nil)
	}
	return nil
}

// UpdateStatus moves a domain between lifecycle states.
func (r *DomainRepository) UpdateStatus(ctx context.Context, domainID string, status types.DomainStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE domains SET status = $1, last_updated_at = NOW() WHERE domain_id = $2`,
		status, domainID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update domain status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDomain, "domain not found", nil)
	}
	return nil
}

// summaryColumns projects the list-view fields, pulling the filterable
// values out of JSONB so sorting and filtering stay in SQL.
const summaryColumns = domainScalarColumns + `,
	(d.seo_metrics->>'domain_rating')::int,
	(d.seo_metrics->>'organic_traffic_estimate')::int,
	(d.intent_layer->>'commercial_intent_score')::float8,
	d.ecommerce->>'platform',
	d.ecommerce->>'category_primary',
	(d.confidence_score->>'value')::float8`

func scanSummary(rows pgx.Rows) (types.DomainSummary, error) {
	var s types.DomainSummary
	err := rows.Scan(
		&s.DomainID, &s.Domain, &s.Country, &s.TLD, &s.Status,
		&s.FirstSeenAt, &s.LastUpdatedAt, &s.SchemaVersion,
		&s.DomainRating, &s.OrganicTrafficEstimate, &s.CommercialIntentScore,
		&s.Platform, &s.CategoryPrimary, &s.ConfidenceValue,
	)
	return s, err
}

// filterClause builds the WHERE conditions for a DomainFilter. The arg
// closure appends a positional parameter and returns its placeholder.
func filterClause(filter types.DomainFilter, arg func(any) string) []string {
	var conds []string
	if filter.Platform != "" {
		conds = append(conds, "d.ecommerce->>'platform' = "+arg(filter.Platform))
	}
	if filter.Country != "" {
		conds = append(conds, "d.country = "+arg(filter.Country))
	}
	if filter.MinDomainRating > 0 {
		conds = append(conds, "(d.seo_metrics->>'domain_rating')::int >= "+arg(filter.MinDomainRating))
	}
	if filter.MinIntentScore > 0 {
		conds = append(conds, "(d.intent_layer->>'commercial_intent_score')::float8 >= "+arg(filter.MinIntentScore))
	}
	if filter.Status != "" {
		conds = append(conds, "d.status = "+arg(filter.Status))
	}
	return conds
}

// List returns a keyset-paginated page of domain summaries matching the
// filter, newest first. The returned cursor is nil when the page was not
// full, i.e. there is nothing more to fetch.
func (r *DomainRepository) List(
	ctx context.Context,
	filter types.DomainFilter,
	cursor *types.Cursor,
	limit int,
) ([]types.DomainSummary, *types.Cursor, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds := filterClause(filter, arg)
	if cursor != nil {
		// Keyset condition on (last_updated_at, domain_id) DESC.
		conds = append(conds, fmt.Sprintf("(d.last_updated_at, d.domain_id) < (%s, %s)",
			arg(cursor.LastUpdatedAt), arg(cursor.DomainID)))
	}

	query := `SELECT ` + summaryColumns + ` FROM domains d`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY d.last_updated_at DESC, d.domain_id DESC LIMIT " + arg(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list domains", err)
	}
	defer rows.Close()

	var out []types.DomainSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan domain row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read domain rows", err)
	}

	var next *types.Cursor
	if len(out) == limit && limit > 0 {
		last := out[len(out)-1]
		next = &types.Cursor{LastUpdatedAt: last.LastUpdatedAt, DomainID: last.DomainID}
	}
	return out, next, nil
}

// ListForExport streams up to limit full domain records matching the filter,
// newest first. Export masking and CSV flattening happen in the caller.
func (r *DomainRepository) ListForExport(
	ctx context.Context,
	filter types.DomainFilter,
	limit int,
) ([]*types.Domain, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	conds := filterClause(filter, arg)

	query := `SELECT ` + domainColumns + ` FROM domains d`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY d.last_updated_at DESC, d.domain_id DESC LIMIT " + arg(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query export rows", err)
	}
	defer rows.Close()

	var out []*types.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan export row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read export rows", err)
	}
	return out, nil
}

// CountMatching returns how many domains a filter would export. Used to price
// an export in credits before any rows are fetched.
func (r *DomainRepository) CountMatching(ctx context.Context, filter types.DomainFilter, max int) (int, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	conds := filterClause(filter, arg)

	// LIMIT inside the subquery bounds the count scan at the export cap.
	query := `SELECT COUNT(*) FROM (SELECT 1 FROM domains d`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " LIMIT " + arg(max) + ") t"

	var n int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count domains", err)
	}
	return n, nil
}

// ListStaleIntent returns active domains whose intent layer has never been
// scored or was last scored before the cutoff, stalest first. Feeds the
// rescoring scheduler.
func (r *DomainRepository) ListStaleIntent(ctx context.Context, cutoff time.Time, limit int) ([]*types.Domain, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+domainColumns+` FROM domains d
		 WHERE d.status = $1
		   AND (d.intent_layer IS NULL
		        OR (d.intent_layer->>'scored_at')::timestamptz < $2)
		 ORDER BY d.last_updated_at ASC
		 LIMIT $3`,
		types.DomainStatusActive, cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query stale domains", err)
	}
	defer rows.Close()

	var out []*types.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stale domain row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read stale domain rows", err)
	}
	return out, nil
}

// ListChangedSince returns domains touched since the given time, newest
// first. Any agent write bumps last_updated_at, so this is the change feed
// the alert scanner classifies.
func (r *DomainRepository) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]*types.Domain, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+domainColumns+` FROM domains d
		 WHERE d.last_updated_at >= $1
		 ORDER BY d.last_updated_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query changed domains", err)
	}
	defer rows.Close()

	var out []*types.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan changed domain row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read changed domain rows", err)
	}
	return out, nil
}

// isUniqueViolation reports whether err is a Postgres 23505 unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
