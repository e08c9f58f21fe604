package stats

import (
	"context"
	"testing"
	"time"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

func seedFeed(t *testing.T, s *store.MemoryStore, now time.Time) {
	t.Helper()
	seed := []struct {
		hash       string
		typ        threat.Type
		sev        threat.Severity
		confidence int
		tags       []string
		firstSeen  time.Time
	}{
		{"a", threat.TypePhishing, threat.SeverityHigh, 80, []string{"airdrop"}, now.Add(-30 * time.Minute)},
		{"b", threat.TypePhishing, threat.SeverityMedium, 60, []string{"airdrop", "wave-7"}, now.Add(-2 * time.Hour)},
		{"c", threat.TypeDrainer, threat.SeverityCritical, 90, []string{"wave-7"}, now.Add(-3 * time.Hour)},
	}
	for _, sd := range seed {
		rec := &threat.Record{
			IdentityHash: sd.hash,
			Type:         sd.typ,
			Category:     threat.CategoryFinancial,
			Severity:     sd.sev,
			Status:       threat.StatusActive,
			Confidence:   sd.confidence,
			Target:       threat.Target{Type: threat.TargetDomain, Value: "evil-" + sd.hash + ".com"},
			Sources:      []threat.Source{{ID: "src-1", Kind: threat.SourceCommunity, Reliability: 60}},
			Tags:         sd.tags,
			Timeline:     threat.Timeline{FirstSeen: sd.firstSeen, LastSeen: sd.firstSeen, DiscoveredAt: sd.firstSeen},
		}
		if _, _, err := s.UpsertByIdentity(context.Background(), sd.hash,
			func() *threat.Record { return rec }, nil); err != nil {
			t.Fatalf("seed %s: %v", sd.hash, err)
		}
	}
}

// =============================================================================
// Snapshot Generation Tests
// =============================================================================

// TestGenerate_CountsAndWindow verifies the breakdown maps, average
// confidence, and the new-in-window count against the period boundary.
func TestGenerate_CountsAndWindow(t *testing.T) {
	s := store.NewMemoryStore(100)
	agg := NewAggregator(s, nil, DefaultConfig(), nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.SetClock(func() time.Time { return now })
	seedFeed(t, s, now)

	snap, err := agg.Generate(context.Background(), PeriodHourly)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if snap.Total != 3 {
		t.Errorf("total = %d, want 3", snap.Total)
	}
	// Only the 30-minute-old record falls inside the hourly window.
	if snap.NewInWindow != 1 {
		t.Errorf("newInWindow = %d, want 1", snap.NewInWindow)
	}
	if snap.ByType[threat.TypePhishing] != 2 || snap.ByType[threat.TypeDrainer] != 1 {
		t.Errorf("byType = %v", snap.ByType)
	}
	if snap.BySeverity[threat.SeverityCritical] != 1 {
		t.Errorf("bySeverity = %v", snap.BySeverity)
	}
	if snap.BySourceKind[threat.SourceCommunity] != 3 {
		t.Errorf("bySourceKind = %v", snap.BySourceKind)
	}
	if want := (80.0 + 60.0 + 90.0) / 3; snap.AvgConfidence != want {
		t.Errorf("avgConfidence = %v, want %v", snap.AvgConfidence, want)
	}
}

// TestGenerate_TopTagsOrdered verifies tags sort by count descending with a
// stable alphabetical tiebreak and respect the configured limit.
func TestGenerate_TopTagsOrdered(t *testing.T) {
	s := store.NewMemoryStore(100)
	cfg := DefaultConfig()
	cfg.TopTagsN = 2
	agg := NewAggregator(s, nil, cfg, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.SetClock(func() time.Time { return now })
	seedFeed(t, s, now)

	snap, err := agg.Generate(context.Background(), PeriodDaily)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// airdrop and wave-7 tie at 2; alphabetical breaks the tie.
	want := []TagCount{{Tag: "airdrop", Count: 2}, {Tag: "wave-7", Count: 2}}
	if len(snap.TopTags) != len(want) {
		t.Fatalf("topTags = %v", snap.TopTags)
	}
	for i := range want {
		if snap.TopTags[i] != want[i] {
			t.Errorf("topTags[%d] = %v, want %v", i, snap.TopTags[i], want[i])
		}
	}
}

// TestGenerate_UnknownPeriod verifies period validation.
func TestGenerate_UnknownPeriod(t *testing.T) {
	agg := NewAggregator(store.NewMemoryStore(100), nil, DefaultConfig(), nil)
	if _, err := agg.Generate(context.Background(), "fortnightly"); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("want validation error, got %v", err)
	}
}

// =============================================================================
// Latest Tests
// =============================================================================

// TestLatest_GeneratesOnFirstRequest verifies a cold aggregator computes a
// snapshot on demand and then serves the cached one.
func TestLatest_GeneratesOnFirstRequest(t *testing.T) {
	s := store.NewMemoryStore(100)
	agg := NewAggregator(s, nil, DefaultConfig(), nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.SetClock(func() time.Time { return now })
	seedFeed(t, s, now)

	first, err := agg.Latest(context.Background(), PeriodWeekly)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if first.Total != 3 {
		t.Errorf("total = %d, want 3", first.Total)
	}

	// A later read returns the cached snapshot, not a regeneration.
	seedExtra := &threat.Record{
		IdentityHash: "extra",
		Type:         threat.TypeHoneypot,
		Category:     threat.CategoryTechnical,
		Severity:     threat.SeverityLow,
		Status:       threat.StatusActive,
		Target:       threat.Target{Type: threat.TargetAddress, Value: "0xfeed"},
		Sources:      []threat.Source{{ID: "src-2", Kind: threat.SourceOnChain, Reliability: 70}},
		Timeline:     threat.Timeline{FirstSeen: now, LastSeen: now},
	}
	if _, _, err := s.UpsertByIdentity(context.Background(), "extra",
		func() *threat.Record { return seedExtra }, nil); err != nil {
		t.Fatalf("seed extra: %v", err)
	}

	cached, err := agg.Latest(context.Background(), PeriodWeekly)
	if err != nil {
		t.Fatalf("cached Latest: %v", err)
	}
	if cached.Total != 3 {
		t.Errorf("cached snapshot regenerated: total = %d", cached.Total)
	}

	// An explicit regeneration picks up the new record.
	fresh, err := agg.Generate(context.Background(), PeriodWeekly)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fresh.Total != 4 {
		t.Errorf("regenerated total = %d, want 4", fresh.Total)
	}
}
