package external

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMozClient_AuthorityMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/url_metrics", r.URL.Path)
		require.Equal(t, "moz-token-1", r.Header.Get("x-moz-token"))
		fmt.Fprint(w, `{
			"results": [
				{"domain_authority": 52.0, "page_authority": 44.0, "spam_score": 3.0},
				{"domain_authority": null, "page_authority": null, "spam_score": 71.0}
			]
		}`)
	}))
	defer srv.Close()

	client := NewMozClient(srv.Client(), MozConfig{APIToken: "moz-token-1", BaseURL: srv.URL})
	metrics, err := client.AuthorityMetrics(context.Background(), []string{"trailgear.co.uk", "spammy.example"})
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	assert.Equal(t, "trailgear.co.uk", metrics[0].Domain)
	assert.Equal(t, "moz", metrics[0].Source)
	require.NotNil(t, metrics[0].DomainAuthority)
	assert.Equal(t, 52, *metrics[0].DomainAuthority)

	// Missing scores stay nil instead of defaulting to zero.
	assert.Nil(t, metrics[1].DomainAuthority)
	require.NotNil(t, metrics[1].SpamScore)
	assert.Equal(t, 71, *metrics[1].SpamScore)
}

func TestWappalyzerClient_TechStack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/lookup", r.URL.Path)
		require.Equal(t, "https://trailgear.co.uk", r.URL.Query().Get("urls"))
		require.Equal(t, "wapp-key-1", r.Header.Get("x-api-key"))
		fmt.Fprint(w, `[{
			"url": "https://trailgear.co.uk",
			"technologies": [
				{"name": "Shopify", "confidence": 100, "categories": [{"name": "Ecommerce"}]},
				{"name": "Klaviyo", "confidence": 90, "categories": [{"name": "Email"}]},
				{"name": "MaybeReact", "confidence": 20, "categories": [{"name": "JavaScript frameworks"}]}
			]
		}]`)
	}))
	defer srv.Close()

	client := NewWappalyzerClient(srv.Client(), WappalyzerConfig{APIKey: "wapp-key-1", BaseURL: srv.URL})
	fp, err := client.TechStack(context.Background(), "trailgear.co.uk")
	require.NoError(t, err)

	assert.Equal(t, "trailgear.co.uk", fp.Domain)
	require.Len(t, fp.Technologies, 2, "detections below the confidence threshold are dropped")
	assert.Equal(t, "Shopify", fp.Technologies[0].Name)
	assert.Equal(t, "Ecommerce", fp.Technologies[0].Category)
	assert.InDelta(t, 1.0, fp.Technologies[0].Confidence, 0.001)
}
