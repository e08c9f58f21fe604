package aging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

func seedRecord(t *testing.T, s *store.MemoryStore, hash string, sev threat.Severity, lastSeen time.Time) *threat.Record {
	t.Helper()
	rec := &threat.Record{
		IdentityHash: hash,
		Type:         threat.TypePhishing,
		Category:     threat.CategoryFinancial,
		Severity:     sev,
		Status:       threat.StatusActive,
		Target:       threat.Target{Type: threat.TargetDomain, Value: "evil-" + hash + ".com"},
		Sources:      []threat.Source{{ID: "src-1", Kind: threat.SourceCommunity, Reliability: 60}},
		Timeline:     threat.Timeline{FirstSeen: lastSeen, LastSeen: lastSeen, DiscoveredAt: lastSeen},
	}
	out, _, err := s.UpsertByIdentity(context.Background(), hash,
		func() *threat.Record { return rec }, nil)
	if err != nil {
		t.Fatalf("seed %s: %v", hash, err)
	}
	return out
}

// blockingGate reports every record as pending correlation.
type blockingGate struct{}

func (blockingGate) Pending(string) bool { return true }

// =============================================================================
// TTL Expiry Tests
// =============================================================================

// TestRun_SeverityInverseTTL verifies that low-severity records expire sooner
// than high-severity ones seen at the same time.
func TestRun_SeverityInverseTTL(t *testing.T) {
	s := store.NewMemoryStore(100)
	bus := event.NewBus()
	sw := NewSweeper(s, bus, nil, DefaultConfig(), nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	info := seedRecord(t, s, "info", threat.SeverityInfo, base)
	crit := seedRecord(t, s, "crit", threat.SeverityCritical, base)

	// 10 days later: past the 7d info TTL, well inside the 90d critical TTL.
	res, err := sw.Run(ctx, base.Add(10*24*time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Expired != 1 {
		t.Fatalf("expired = %d, want 1", res.Expired)
	}

	gotInfo, _ := s.Get(ctx, info.ID)
	gotCrit, _ := s.Get(ctx, crit.ID)
	if gotInfo.Status != threat.StatusExpired {
		t.Errorf("info record should expire, status %s", gotInfo.Status)
	}
	if gotInfo.ExpiresAt == nil {
		t.Error("expiresAt not stamped")
	}
	if gotCrit.Status != threat.StatusActive {
		t.Errorf("critical record should survive, status %s", gotCrit.Status)
	}
}

// TestRun_RefreshedRecordSurvives verifies the CAS guard: a record whose
// lastSeen moved after candidate selection is left alone this pass.
func TestRun_RefreshedRecordSurvives(t *testing.T) {
	s := store.NewMemoryStore(100)
	bus := event.NewBus()
	sw := NewSweeper(s, bus, nil, DefaultConfig(), nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rec := seedRecord(t, s, "fresh", threat.SeverityInfo, base)

	// Simulate a concurrent ingestion refreshing the record between candidate
	// selection and the expiry write.
	stale := rec.Clone()
	fresh, _ := s.Get(ctx, rec.ID)
	fresh.Timeline.LastSeen = base.Add(9 * 24 * time.Hour)
	if err := s.Update(ctx, fresh); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if sw.expire(ctx, stale, base.Add(10*24*time.Hour)) {
		t.Error("expiry must not fire against a refreshed record")
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Status != threat.StatusActive {
		t.Errorf("record should stay active, status %s", got.Status)
	}
}

// TestRun_CorrelationGateSkips verifies records awaiting a correlation pass
// are skipped, not expired.
func TestRun_CorrelationGateSkips(t *testing.T) {
	s := store.NewMemoryStore(100)
	sw := NewSweeper(s, event.NewBus(), blockingGate{}, DefaultConfig(), nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rec := seedRecord(t, s, "gated", threat.SeverityInfo, base)

	res, err := sw.Run(ctx, base.Add(10*24*time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Expired != 0 || res.Skipped != 1 {
		t.Errorf("expired/skipped = %d/%d, want 0/1", res.Expired, res.Skipped)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Status != threat.StatusActive {
		t.Errorf("gated record should stay active, status %s", got.Status)
	}
}

// TestRun_StaleReviewFlagged verifies under-review records past the stale
// window are counted but never auto-expired.
func TestRun_StaleReviewFlagged(t *testing.T) {
	s := store.NewMemoryStore(100)
	sw := NewSweeper(s, event.NewBus(), nil, DefaultConfig(), nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rec := seedRecord(t, s, "review", threat.SeverityInfo, base)
	fresh, _ := s.Get(ctx, rec.ID)
	fresh.Status = threat.StatusUnderReview
	if err := s.Update(ctx, fresh); err != nil {
		t.Fatalf("set under review: %v", err)
	}

	res, err := sw.Run(ctx, base.Add(10*24*time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FlaggedStale != 1 {
		t.Errorf("flaggedStale = %d, want 1", res.FlaggedStale)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Status != threat.StatusUnderReview {
		t.Errorf("under-review record must not auto-expire, status %s", got.Status)
	}
}

// =============================================================================
// Single-Flight Tests
// =============================================================================

// TestRun_SingleFlight verifies concurrent sweep requests collapse to one
// running pass; the rest get ErrSweepInProgress.
func TestRun_SingleFlight(t *testing.T) {
	s := store.NewMemoryStore(1000)
	sw := NewSweeper(s, event.NewBus(), nil, DefaultConfig(), nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		seedRecord(t, s, "rec-"+string(rune('a'+i%26))+string(rune('a'+i/26)), threat.SeverityInfo, base)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	ran, rejected := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sw.Run(ctx, base.Add(10*24*time.Hour))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ran++
			case errors.Is(err, ErrSweepInProgress):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ran < 1 {
		t.Error("at least one sweep should run")
	}
	if ran+rejected != workers {
		t.Errorf("ran %d + rejected %d != %d workers", ran, rejected, workers)
	}
	if sw.RunsTotal() != int64(ran) {
		t.Errorf("RunsTotal = %d, want %d", sw.RunsTotal(), ran)
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

// TestRun_MetricsRecorded verifies a sweep reports expiry counts and the
// per-severity active gauge.
func TestRun_MetricsRecorded(t *testing.T) {
	s := store.NewMemoryStore(100)
	sw := NewSweeper(s, event.NewBus(), nil, DefaultConfig(), nil)
	m := observability.NewMetrics(prometheus.NewRegistry())
	sw.SetMetrics(m)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedRecord(t, s, "old", threat.SeverityInfo, base)
	seedRecord(t, s, "live", threat.SeverityCritical, base)

	if _, err := sw.Run(ctx, base.Add(10*24*time.Hour)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(m.SweepsTotal); got != 1 {
		t.Errorf("sweeps total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecordsExpired); got != 1 {
		t.Errorf("records expired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecordsActive.WithLabelValues(string(threat.SeverityCritical))); got != 1 {
		t.Errorf("active critical gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecordsActive.WithLabelValues(string(threat.SeverityInfo))); got != 0 {
		t.Errorf("active info gauge = %v, want 0", got)
	}
}

// =============================================================================
// Manual Transition Tests
// =============================================================================

// TestTransition_LegalityAndSideEffects verifies the moderation path enforces
// the state machine and re-activation resets the TTL clock.
func TestTransition_LegalityAndSideEffects(t *testing.T) {
	s := store.NewMemoryStore(100)
	bus := event.NewBus()
	sw := NewSweeper(s, bus, nil, DefaultConfig(), nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(5 * 24 * time.Hour)
	sw.SetClock(func() time.Time { return now })

	var events []event.Mutation
	bus.Subscribe(func(m event.Mutation) { events = append(events, m) })

	rec := seedRecord(t, s, "mod", threat.SeverityMedium, base)

	// active -> under_review -> active resets lastSeen and stamps verifiedAt.
	if _, err := sw.Transition(ctx, rec.ID, threat.StatusUnderReview); err != nil {
		t.Fatalf("to under_review: %v", err)
	}
	back, err := sw.Transition(ctx, rec.ID, threat.StatusActive)
	if err != nil {
		t.Fatalf("back to active: %v", err)
	}
	if !back.Timeline.LastSeen.Equal(now) {
		t.Errorf("re-activation should reset lastSeen, got %v", back.Timeline.LastSeen)
	}
	if back.Timeline.VerifiedAt == nil || !back.Timeline.VerifiedAt.Equal(now) {
		t.Error("re-activation should stamp verifiedAt")
	}

	// resolved is terminal; stamps resolvedAt.
	resolved, err := sw.Transition(ctx, rec.ID, threat.StatusResolved)
	if err != nil {
		t.Fatalf("to resolved: %v", err)
	}
	if resolved.Timeline.ResolvedAt == nil {
		t.Error("resolution should stamp resolvedAt")
	}
	if _, err := sw.Transition(ctx, rec.ID, threat.StatusActive); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("leaving a terminal status should be rejected, got %v", err)
	}

	if len(events) != 3 {
		t.Errorf("each transition should publish once: %d events", len(events))
	}
	for _, m := range events {
		if m.Kind != event.KindStatusChanged {
			t.Errorf("unexpected event kind %s", m.Kind)
		}
	}
}

// TestTransition_UnknownRecord verifies the not-found path.
func TestTransition_UnknownRecord(t *testing.T) {
	s := store.NewMemoryStore(100)
	sw := NewSweeper(s, event.NewBus(), nil, DefaultConfig(), nil)

	_, err := sw.Transition(context.Background(), "missing", threat.StatusResolved)
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("want not-found, got %v", err)
	}
}
