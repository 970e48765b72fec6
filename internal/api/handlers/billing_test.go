package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/billing"
	"cartograph/internal/config"
	"cartograph/internal/core"
	"cartograph/internal/types"
)

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		PriceStarterMonthly: "price_starter_m",
		PriceProMonthly:     "price_pro_m",
		PriceProAnnual:      "price_pro_a",
		PriceProFounding:    "price_pro_founding",
		FoundingMemberCap:   200,
	}
}

func newBillingFixture() (*BillingHandler, *fakeLedger, *fakeGateway) {
	ledger := &fakeLedger{ws: &types.Workspace{WorkspaceID: "ws_test", Tier: types.TierFree}}
	gateway := &fakeGateway{}
	h := NewBillingHandler(
		ledger,
		gateway,
		config.ServerConfig{AppBaseURL: "https://app.cartograph.co.uk"},
		testBillingConfig(),
		core.NewValidator(),
		discardLogger(),
	)
	return h, ledger, gateway
}

func TestPlansCatalogue(t *testing.T) {
	h, _, _ := newBillingFixture()
	srv := serveAs(h, nil) // public route

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/billing/plans", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var plans []billing.PlanInfo
	decodeData(t, rec, &plans)
	require.Len(t, plans, 5)
	assert.Equal(t, types.TierFree, plans[0].Tier)

	pro := plans[2]
	assert.Equal(t, types.TierProfessional, pro.Tier)
	assert.Equal(t, "price_pro_m", pro.StripeMonthly)
	require.NotNil(t, pro.Founding)
	assert.Equal(t, 60, pro.Founding.PriceAnnualGBP)
	assert.Equal(t, 200, pro.Founding.Cap)
}

func TestCheckoutCreatesSession(t *testing.T) {
	h, _, gateway := newBillingFixture()
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/billing/checkout", CheckoutRequest{PriceID: "price_pro_a"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CheckoutResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test_1", resp.CheckoutURL)
	assert.Equal(t, "cs_test_1", resp.SessionID)

	assert.Equal(t, "ws_test", gateway.gotCheckout.WorkspaceID)
	assert.Equal(t, "price_pro_a", gateway.gotCheckout.PriceID)
	assert.False(t, gateway.gotCheckout.FoundingMember)
	assert.Contains(t, gateway.gotCheckout.SuccessURL, "https://app.cartograph.co.uk/billing/success")
	assert.Contains(t, gateway.gotCheckout.CancelURL, "/billing/cancelled")
}

func TestCheckoutUnknownPrice(t *testing.T) {
	h, _, gateway := newBillingFixture()
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/billing/checkout", CheckoutRequest{PriceID: "price_bogus"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_invalid_json", decodeError(t, rec).Error.Code)
	assert.Empty(t, gateway.gotCheckout.WorkspaceID)
}

func TestCheckoutFoundingRequiresFoundingPrice(t *testing.T) {
	h, _, _ := newBillingFixture()
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/billing/checkout", CheckoutRequest{
		PriceID:        "price_pro_m",
		FoundingMember: true,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = postJSON(t, srv, "/v1/billing/checkout", CheckoutRequest{
		PriceID:        "price_pro_founding",
		FoundingMember: true,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPortalRequiresBillingAccount(t *testing.T) {
	h, _, _ := newBillingFixture()
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/billing/portal", struct{}{})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "access_denied", decodeError(t, rec).Error.Code)
}

func TestPortalCreatesSession(t *testing.T) {
	h, ledger, gateway := newBillingFixture()
	ledger.ws.StripeCustomerID = "cus_123"
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/billing/portal", struct{}{})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PortalResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "https://billing.stripe.com/p/session_1", resp.PortalURL)
	assert.Equal(t, "cus_123", gateway.gotCustomer)
	assert.Equal(t, "https://app.cartograph.co.uk/settings/billing", gateway.gotReturn)
}
