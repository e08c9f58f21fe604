package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lvonguyen/chainwatch/internal/threat"
)

// =============================================================================
// HTTP Feed Adapter Tests
// =============================================================================

// TestHTTPFeed_FetchMapsItems verifies a feed page maps to observations, the
// cursor is forwarded, and malformed items are skipped without failing the
// page.
func TestHTTPFeed_FetchMapsItems(t *testing.T) {
	var gotAuth, gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		fmt.Fprint(w, `{
			"items": [
				{
					"threat_type": "phishing",
					"category": "financial",
					"severity": "high",
					"target_type": "url",
					"target_value": "http://evil.com/claim",
					"indicators": [{"type": "url", "value": "evil.com/claim"}],
					"description": "fake airdrop",
					"tags": ["airdrop"]
				},
				{
					"threat_type": "phishing",
					"target_type": "url",
					"target_value": ""
				},
				{
					"threat_type": "drainer",
					"target_type": "address",
					"target_value": "0xDEADBEEF",
					"network": "ethereum"
				}
			],
			"next_cursor": "page-2"
		}`)
	}))
	defer srv.Close()

	t.Setenv("TEST_FEED_KEY", "secret-token")
	adapter, err := NewHTTPFeedAdapter(HTTPFeedConfig{
		Name:      "test-feed",
		BaseURL:   srv.URL,
		APIKeyEnv: "TEST_FEED_KEY",
	})
	if err != nil {
		t.Fatalf("NewHTTPFeedAdapter: %v", err)
	}

	res, err := adapter.Fetch(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotCursor != "page-1" {
		t.Errorf("cursor param = %q", gotCursor)
	}
	if res.NextCursor != "page-2" {
		t.Errorf("next cursor = %q", res.NextCursor)
	}

	// The empty-target item is skipped.
	if len(res.Observations) != 2 {
		t.Fatalf("observations = %d, want 2", len(res.Observations))
	}

	first := res.Observations[0]
	if first.Type != threat.TypePhishing || first.Severity != threat.SeverityHigh {
		t.Errorf("first item mapped wrong: %s/%s", first.Type, first.Severity)
	}
	if first.Source.Name != "test-feed" || first.Source.Kind != threat.SourceExternalAPI {
		t.Errorf("source not attributed: %+v", first.Source)
	}
	if len(first.Indicators) != 1 || first.Indicators[0].Value != "evil.com/claim" {
		t.Errorf("indicators not mapped: %+v", first.Indicators)
	}

	// Omitted category and severity fall back to defaults.
	second := res.Observations[1]
	if second.Category != threat.CategoryFinancial || second.Severity != threat.SeverityMedium {
		t.Errorf("defaults not applied: %s/%s", second.Category, second.Severity)
	}
	if second.Target.Network != "ethereum" {
		t.Errorf("network not carried: %q", second.Target.Network)
	}
}

// TestHTTPFeed_NonOKStatusFails verifies upstream errors surface as adapter
// errors rather than empty pages.
func TestHTTPFeed_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	adapter, err := NewHTTPFeedAdapter(HTTPFeedConfig{Name: "test-feed", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPFeedAdapter: %v", err)
	}

	if _, err := adapter.Fetch(context.Background(), ""); err == nil {
		t.Error("non-200 response should fail the fetch")
	}
}

// TestHTTPFeed_ConfigValidation verifies required config fields.
func TestHTTPFeed_ConfigValidation(t *testing.T) {
	if _, err := NewHTTPFeedAdapter(HTTPFeedConfig{BaseURL: "http://x"}); err == nil {
		t.Error("missing name should be rejected")
	}
	if _, err := NewHTTPFeedAdapter(HTTPFeedConfig{Name: "x"}); err == nil {
		t.Error("missing base url should be rejected")
	}
}
