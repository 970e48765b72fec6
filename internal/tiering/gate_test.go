package tiering

import (
	"errors"
	"testing"

	"cartograph/internal/types"
)

func requireCode(t *testing.T, err error, code types.ErrorCode) *types.AppError {
	t.Helper()
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T (%v)", err, err)
	}
	if appErr.Code != code {
		t.Fatalf("error code = %s, want %s", appErr.Code, code)
	}
	return appErr
}

func TestGateLookupQuotaBoundary(t *testing.T) {
	g := NewGate(NewCatalog(), types.TierFree)

	// 24 of 25 used: one lookup left.
	if err := g.CheckLookupQuota(24); err != nil {
		t.Fatalf("lookup at 24/25 should pass: %v", err)
	}

	// 25 of 25 used: exhausted.
	err := g.CheckLookupQuota(25)
	appErr := requireCode(t, err, types.ErrCodeQuotaLookups)
	if appErr.Details["limit"] != 25 || appErr.Details["used"] != 25 {
		t.Errorf("details = %v", appErr.Details)
	}
	if appErr.HTTPStatus() != 429 {
		t.Errorf("status = %d, want 429", appErr.HTTPStatus())
	}
}

func TestGateLookupQuotaUnlimited(t *testing.T) {
	g := NewGate(NewCatalog(), types.TierProfessional)
	if err := g.CheckLookupQuota(1_000_000); err != nil {
		t.Fatalf("professional lookups are unlimited: %v", err)
	}
}

func TestGateFeatureGated(t *testing.T) {
	free := NewGate(NewCatalog(), types.TierFree)
	err := free.RequireFeature(types.FeatureWebhooks)
	appErr := requireCode(t, err, types.ErrCodeFeatureGated)
	if appErr.Details["feature"] != string(types.FeatureWebhooks) {
		t.Errorf("details = %v", appErr.Details)
	}
	if appErr.HTTPStatus() != 403 {
		t.Errorf("status = %d, want 403", appErr.HTTPStatus())
	}

	pro := NewGate(NewCatalog(), types.TierProfessional)
	if err := pro.RequireFeature(types.FeatureWebhooks); err != nil {
		t.Fatalf("professional has webhooks: %v", err)
	}
}

func TestGateExportCredits(t *testing.T) {
	// Free tier cannot export at all: feature check fires first.
	free := NewGate(NewCatalog(), types.TierFree)
	requireCode(t, free.CheckExportCredits(0, 10), types.ErrCodeFeatureGated)

	// Starter: 50 credits per cycle.
	starter := NewGate(NewCatalog(), types.TierStarter)
	if err := starter.CheckExportCredits(40, 10); err != nil {
		t.Fatalf("40+10 fits in 50 exactly: %v", err)
	}
	err := starter.CheckExportCredits(45, 10)
	appErr := requireCode(t, err, types.ErrCodeQuotaExportCredits)
	if appErr.Details["requested"] != 10 {
		t.Errorf("details = %v", appErr.Details)
	}

	// Enterprise: unlimited.
	ent := NewGate(NewCatalog(), types.TierEnterprise)
	if err := ent.CheckExportCredits(1_000_000, 500_000); err != nil {
		t.Fatalf("enterprise credits are unlimited: %v", err)
	}
}

func TestGateAPIQuota(t *testing.T) {
	pro := NewGate(NewCatalog(), types.TierProfessional)
	if err := pro.CheckAPIQuota(9999); err != nil {
		t.Fatalf("9999 of 10000: %v", err)
	}
	requireCode(t, pro.CheckAPIQuota(10000), types.ErrCodeQuotaAPICalls)
}

func TestGateAlertLimit(t *testing.T) {
	starter := NewGate(NewCatalog(), types.TierStarter)
	if err := starter.CheckAlertLimit(4); err != nil {
		t.Fatalf("4 of 5 alerts: %v", err)
	}
	requireCode(t, starter.CheckAlertLimit(5), types.ErrCodeQuotaAlerts)

	business := NewGate(NewCatalog(), types.TierBusiness)
	if err := business.CheckAlertLimit(10_000); err != nil {
		t.Fatalf("business alerts are unlimited: %v", err)
	}
}

func TestGateRowLimitAndClamp(t *testing.T) {
	starter := NewGate(NewCatalog(), types.TierStarter)

	// Hard check for exports.
	if err := starter.CheckRowLimit(5000); err != nil {
		t.Fatalf("5000 rows is exactly the starter cap: %v", err)
	}
	requireCode(t, starter.CheckRowLimit(5001), types.ErrCodeRowLimitExceeded)

	// Soft clamp for listings: 50000 requested on starter clamps to 5000.
	if got := starter.ClampPageSize(50000, 100); got != 5000 {
		t.Errorf("clamp(50000) = %d, want 5000", got)
	}
	if got := starter.ClampPageSize(0, 100); got != 100 {
		t.Errorf("clamp(0) = %d, want default 100", got)
	}

	ent := NewGate(NewCatalog(), types.TierEnterprise)
	if got := ent.ClampPageSize(50000, 100); got != 50000 {
		t.Errorf("enterprise clamp(50000) = %d", got)
	}
}

func TestGateUnknownTierFailsClosed(t *testing.T) {
	g := NewGate(NewCatalog(), types.Tier("platinum"))

	requireCode(t, g.CheckLookupQuota(25), types.ErrCodeQuotaLookups)
	appErr := requireCode(t, g.RequireFeature(types.FeatureAPI), types.ErrCodeFeatureGated)
	// The original tier name stays in the details for diagnosis.
	if appErr.Details["current_tier"] != "platinum" {
		t.Errorf("current_tier detail = %v", appErr.Details["current_tier"])
	}
}
