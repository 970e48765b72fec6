package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"cartograph/internal/types"
)

// AlertRepository provides data access for saved alert rules.
type AlertRepository struct {
	db DBTX
}

// NewAlertRepository creates an AlertRepository backed by the given database
// connection (pool or transaction).
func NewAlertRepository(db DBTX) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `a.alert_id, a.workspace_id, a.name, a.alert_type,
	a.filter_criteria, a.threshold, a.delivery, a.is_active,
	a.last_triggered, a.created_at`

func scanAlert(row pgx.Row) (*types.Alert, error) {
	var a types.Alert
	err := row.Scan(
		&a.AlertID,
		&a.WorkspaceID,
		&a.Name,
		&a.Type,
		&a.FilterCriteria,
		&a.Threshold,
		&a.Delivery,
		&a.IsActive,
		&a.LastTriggered,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new alert rule. The caller enforces the tier's alert
// limit via CountByWorkspace before calling.
func (r *AlertRepository) Create(ctx context.Context, a *types.Alert) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO alerts (alert_id, workspace_id, name, alert_type,
		 filter_criteria, threshold, delivery, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		a.AlertID, a.WorkspaceID, a.Name, a.Type,
		a.FilterCriteria, a.Threshold, a.Delivery, a.IsActive,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create alert", err)
	}
	return nil
}

// GetByID retrieves one alert, scoped to its workspace.
func (r *AlertRepository) GetByID(ctx context.Context, workspaceID, alertID string) (*types.Alert, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+alertColumns+`
		 FROM alerts a
		 WHERE a.alert_id = $1 AND a.workspace_id = $2`,
		alertID, workspaceID,
	)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAlert, "alert not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve alert", err)
	}
	return a, nil
}

// ListByWorkspace returns all alert rules for a workspace, newest first.
func (r *AlertRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*types.Alert, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+alertColumns+`
		 FROM alerts a
		 WHERE a.workspace_id = $1
		 ORDER BY a.created_at DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list alerts", err)
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan alert", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read alerts", err)
	}
	return out, nil
}

// CountByWorkspace returns the number of alert rules in a workspace, paused
// rules included. Feeds the per-tier alert limit check at creation time; the
// limit caps configured rules, not just the active ones.
func (r *AlertRepository) CountByWorkspace(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM alerts WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count alerts", err)
	}
	return n, nil
}

// Update applies changes to the mutable fields of an alert rule.
func (r *AlertRepository) Update(ctx context.Context, a *types.Alert) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE alerts
		 SET name = $1,
		     filter_criteria = $2,
		     threshold = $3,
		     delivery = $4,
		     is_active = $5
		 WHERE alert_id = $6 AND workspace_id = $7`,
		a.Name, a.FilterCriteria, a.Threshold, a.Delivery, a.IsActive,
		a.AlertID, a.WorkspaceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update alert", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAlert, "alert not found", nil)
	}
	return nil
}

// Delete removes an alert rule, scoped to its workspace.
func (r *AlertRepository) Delete(ctx context.Context, workspaceID, alertID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM alerts WHERE alert_id = $1 AND workspace_id = $2`,
		alertID, workspaceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete alert", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAlert, "alert not found", nil)
	}
	return nil
}

// MarkTriggered stamps the alert's last firing time. Alert evaluation runs
// in the change-detection worker.
func (r *AlertRepository) MarkTriggered(ctx context.Context, alertID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE alerts SET last_triggered = NOW() WHERE alert_id = $1`,
		alertID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark alert triggered", err)
	}
	return nil
}

// ListActiveByType returns the active alerts of one type across workspaces.
// The change-detection agent scans these when a domain's metrics move.
func (r *AlertRepository) ListActiveByType(ctx context.Context, alertType types.AlertType) ([]*types.Alert, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+alertColumns+`
		 FROM alerts a
		 WHERE a.alert_type = $1 AND a.is_active
		 ORDER BY a.created_at`,
		alertType,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list alerts by type", err)
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan alert", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read alerts", err)
	}
	return out, nil
}
