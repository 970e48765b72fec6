package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cartograph/internal/types"
)

// ============================================================
// Usage counter tests
// ============================================================

func TestWorkspaceRepository_IncrementLookups_ReturnsNewCount(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 25
			return nil
		},
	}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{1, "ws_1"}).Return(row)

	n, err := repo.IncrementLookups(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	db.AssertExpectations(t)
}

func TestWorkspaceRepository_IncrementExportCredits_ConsumesN(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 42
			return nil
		},
	}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{40, "ws_1"}).Return(row)

	n, err := repo.IncrementExportCredits(ctx, "ws_1", 40)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestWorkspaceRepository_IncrementLookups_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.IncrementLookups(ctx, "ws_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundWorkspace, appErr.Code)
}

// ============================================================
// Billing state tests
// ============================================================

func TestWorkspaceRepository_ApplyCheckout_StaleEventIsNoOp(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	// Zero rows affected: the optimistic lock rejected an older event.
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	eventAt := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	err := repo.ApplyCheckout(ctx, "ws_1", "cus_1", "sub_1", "price_pro_m",
		types.TierProfessional, false, eventAt)
	require.NoError(t, err, "stale events must be absorbed, not surfaced")
	db.AssertExpectations(t)
}

func TestWorkspaceRepository_ApplyCancellation_DowngradesToFree(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	var captured []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	eventAt := time.Now().UTC()
	err := repo.ApplyCancellation(ctx, "sub_1", eventAt)
	require.NoError(t, err)

	assert.Equal(t, types.TierFree, captured[0])
	assert.Equal(t, types.SubStatusCancelled, captured[1])
	assert.Equal(t, "sub_1", captured[3])
}

func TestWorkspaceRepository_ResetUsageCycle_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection reset"))

	err := repo.ResetUsageCycle(ctx, "cus_1", time.Now(), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// ============================================================
// Founding member seat tests
// ============================================================

func TestWorkspaceRepository_TryClaimFoundingSeat_Claims(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 137
			return nil
		},
	}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{200}).Return(row)

	claimed, err := repo.TryClaimFoundingSeat(ctx, 200)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestWorkspaceRepository_TryClaimFoundingSeat_CapReached(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	// CAS matched no rows: all seats are taken. Not an error.
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{200}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	claimed, err := repo.TryClaimFoundingSeat(ctx, 200)
	require.NoError(t, err)
	assert.False(t, claimed)
}

// ============================================================
// Event dedup tests
// ============================================================

func TestWorkspaceRepository_MarkBillingEventProcessed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"evt_1"}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"evt_1"}).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil).Once()

	first, err := repo.MarkBillingEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	replay, err := repo.MarkBillingEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, replay, "replayed event must report already-processed")
}

// ============================================================
// Lookup tests
// ============================================================

func TestWorkspaceRepository_GetByStripeCustomerID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"cus_ghost"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByStripeCustomerID(ctx, "cus_ghost")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundWorkspace, appErr.Code)
}

func TestWorkspaceRepository_GetByAPITokenPrefix_MapsToAuthError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"cg_abc123"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByAPITokenPrefix(ctx, "cg_abc123")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, appErr.Code)
	assert.Equal(t, 401, appErr.HTTPStatus())
}

// ============================================================
// Founding checkout transaction tests
// ============================================================

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

func foundingCheckoutFixture() (*WorkspaceRepository, *mockDBTX, *mockTx) {
	inner := new(mockDBTX)
	tx := &mockTx{mockDBTX: inner}
	repo := NewWorkspaceRepository(&mockTxBeginner{mockDBTX: new(mockDBTX), tx: tx}, nil)
	return repo, inner, tx
}

func TestWorkspaceRepository_ApplyFoundingCheckout_CommitsAllWrites(t *testing.T) {
	repo, inner, tx := foundingCheckoutFixture()
	ctx := context.Background()

	inner.On("Exec", ctx, sqlContaining("processed_billing_events"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	inner.On("QueryRow", ctx, sqlContaining("founding_member_seats"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 7
			return nil
		}})
	inner.On("Exec", ctx, sqlContaining("UPDATE workspaces"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	founding, err := repo.ApplyFoundingCheckout(ctx, "ws_1", "cus_1", "sub_1",
		"price_pro_founding", types.TierProfessional, 200, "evt_1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, founding)
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 1, tx.rollbacks, "deferred rollback after commit is a no-op")
}

func TestWorkspaceRepository_ApplyFoundingCheckout_RollsBackOnFailedUpdate(t *testing.T) {
	repo, inner, tx := foundingCheckoutFixture()
	ctx := context.Background()

	// Event recorded and seat claimed, then the workspace update fails. The
	// whole unit must roll back so a retry of the event can still attach the
	// founding flag.
	inner.On("Exec", ctx, sqlContaining("processed_billing_events"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	inner.On("QueryRow", ctx, sqlContaining("founding_member_seats"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 8
			return nil
		}})
	inner.On("Exec", ctx, sqlContaining("UPDATE workspaces"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection reset"))

	_, err := repo.ApplyFoundingCheckout(ctx, "ws_1", "cus_1", "sub_1",
		"price_pro_founding", types.TierProfessional, 200, "evt_1", time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestWorkspaceRepository_ApplyFoundingCheckout_ReplaySkipsSeatClaim(t *testing.T) {
	repo, inner, tx := foundingCheckoutFixture()
	ctx := context.Background()

	inner.On("Exec", ctx, sqlContaining("processed_billing_events"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	inner.On("Exec", ctx, sqlContaining("UPDATE workspaces"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	founding, err := repo.ApplyFoundingCheckout(ctx, "ws_1", "cus_1", "sub_1",
		"price_pro_founding", types.TierProfessional, 200, "evt_1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, founding)
	inner.AssertNotCalled(t, "QueryRow")
	assert.Equal(t, 1, tx.commits)
}

// ============================================================
// Conditional lookup consume tests
// ============================================================

func TestWorkspaceRepository_TryConsumeLookup_GrantsBelowLimit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	limit := 25
	db.On("Exec", ctx, sqlContaining("domain_lookups_used < $2"), []any{"ws_1", 25}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	granted, err := repo.TryConsumeLookup(ctx, "ws_1", &limit)
	require.NoError(t, err)
	assert.True(t, granted)
	db.AssertExpectations(t)
}

func TestWorkspaceRepository_TryConsumeLookup_DeniedAtLimit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	// The guard matched no row: the counter already reached the limit.
	limit := 25
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	granted, err := repo.TryConsumeLookup(ctx, "ws_1", &limit)
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestWorkspaceRepository_TryConsumeLookup_UnmeteredAlwaysConsumes(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWorkspaceRepository(db, nil)
	ctx := context.Background()

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 9001
			return nil
		},
	}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{1, "ws_1"}).Return(row)

	granted, err := repo.TryConsumeLookup(ctx, "ws_1", nil)
	require.NoError(t, err)
	assert.True(t, granted)
}
