package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// memPublisher records published payloads; failChannels simulates a broken
// subscriber endpoint.
type memPublisher struct {
	mu           sync.Mutex
	published    map[string]int
	failChannels map[string]bool
}

func newMemPublisher() *memPublisher {
	return &memPublisher{published: make(map[string]int), failChannels: make(map[string]bool)}
}

func (p *memPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failChannels[channel] {
		return errors.New("subscriber unreachable")
	}
	p.published[channel]++
	return nil
}

func (p *memPublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[channel]
}

func criticalRecord() *threat.Record {
	return &threat.Record{
		ID:         "rec-1",
		Type:       threat.TypeDrainer,
		Category:   threat.CategoryFinancial,
		Severity:   threat.SeverityCritical,
		Status:     threat.StatusActive,
		Confidence: 80,
		Target:     threat.Target{Type: threat.TargetAddress, Value: "0xdeadbeef", Network: "ethereum"},
		Sources:    []threat.Source{{ID: "src-1", Kind: threat.SourceOnChain, Reliability: 80}},
		Tags:       []string{"drainer-ring"},
	}
}

func mutationFor(rec *threat.Record) event.Mutation {
	return event.Mutation{
		ID:     "mut-1",
		Kind:   event.KindCreated,
		Record: rec,
		At:     time.Now().UTC(),
	}
}

// =============================================================================
// Filter Dispatch Tests
// =============================================================================

// TestDispatch_FilterRouting verifies only subscriptions whose filter matches
// the record receive a delivery.
func TestDispatch_FilterRouting(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	high := threat.SeverityHigh
	matching, err := reg.Create(&Subscription{
		UserID:   "user-1",
		RealTime: true,
		Filter:   Filter{Types: []threat.Type{threat.TypeDrainer}, MinSeverity: &high},
	})
	if err != nil {
		t.Fatalf("create matching: %v", err)
	}
	other, err := reg.Create(&Subscription{
		UserID:   "user-2",
		RealTime: true,
		Filter:   Filter{Types: []threat.Type{threat.TypeHoneypot}},
	})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	deliveries := d.Dispatch(context.Background(), mutationFor(criticalRecord()))
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	if deliveries[0].SubscriptionID != matching.ID {
		t.Errorf("delivered to %s, want %s", deliveries[0].SubscriptionID, matching.ID)
	}
	if !deliveries[0].Succeeded {
		t.Error("delivery should succeed")
	}
	if got := pub.count(feedChannelPrefix + matching.ID); got != 1 {
		t.Errorf("matching channel published %d times", got)
	}
	if got := pub.count(feedChannelPrefix + other.ID); got != 0 {
		t.Errorf("non-matching channel published %d times", got)
	}
}

// TestDispatch_FailureCountedNeverFatal verifies a broken subscriber bumps
// failure counters without affecting other deliveries.
func TestDispatch_FailureCountedNeverFatal(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	broken, _ := reg.Create(&Subscription{UserID: "user-1", RealTime: true})
	healthy, _ := reg.Create(&Subscription{UserID: "user-2", RealTime: true})
	pub.failChannels[feedChannelPrefix+broken.ID] = true

	deliveries := d.Dispatch(context.Background(), mutationFor(criticalRecord()))
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(deliveries))
	}

	if broken.Stats.Attempted != 1 || broken.Stats.Failed != 1 {
		t.Errorf("broken stats = %+v", broken.Stats)
	}
	if healthy.Stats.Attempted != 1 || healthy.Stats.Failed != 0 {
		t.Errorf("healthy stats = %+v", healthy.Stats)
	}
	if healthy.Stats.LastDeliveredAt == nil {
		t.Error("healthy subscription should have a delivery timestamp")
	}

	delivered, failed := d.Totals()
	if delivered != 1 || failed != 1 {
		t.Errorf("totals = %d/%d, want 1/1", delivered, failed)
	}
}

// TestDispatch_DeactivatedExcluded verifies unsubscribed entries stop
// receiving while their stats survive.
func TestDispatch_DeactivatedExcluded(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	sub, _ := reg.Create(&Subscription{UserID: "user-1", RealTime: true})
	d.Dispatch(context.Background(), mutationFor(criticalRecord()))

	if err := reg.Deactivate(sub.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	d.Dispatch(context.Background(), mutationFor(criticalRecord()))

	if sub.Stats.Attempted != 1 {
		t.Errorf("deactivated subscription kept receiving: %d attempts", sub.Stats.Attempted)
	}
}

// TestDispatch_DeliveryOutcomesCounted verifies the per-outcome delivery
// counters.
func TestDispatch_DeliveryOutcomesCounted(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)
	m := observability.NewMetrics(prometheus.NewRegistry())
	d.SetMetrics(m)

	broken, _ := reg.Create(&Subscription{UserID: "user-1", RealTime: true})
	reg.Create(&Subscription{UserID: "user-2", RealTime: true})
	pub.failChannels[feedChannelPrefix+broken.ID] = true

	d.Dispatch(context.Background(), mutationFor(criticalRecord()))

	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("delivered")); got != 1 {
		t.Errorf("delivered counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
}

// =============================================================================
// Digest Tests
// =============================================================================

// TestDigest_BufferedThenFlushed verifies non-real-time subscriptions buffer
// and receive one batched payload per flush.
func TestDigest_BufferedThenFlushed(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	sub, _ := reg.Create(&Subscription{UserID: "user-1", RealTime: false})

	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), mutationFor(criticalRecord()))
	}
	if got := pub.count(feedChannelPrefix + sub.ID); got != 0 {
		t.Fatalf("digest subscription must not get realtime deliveries: %d", got)
	}
	if got := d.PendingDigest(sub.ID); got != 3 {
		t.Fatalf("pending digest = %d, want 3", got)
	}

	if flushed := d.FlushDigests(context.Background()); flushed != 1 {
		t.Errorf("flushed = %d, want 1 batch", flushed)
	}
	if got := pub.count(feedChannelPrefix + "digest:" + sub.ID); got != 1 {
		t.Errorf("digest channel published %d times, want 1", got)
	}
	if got := d.PendingDigest(sub.ID); got != 0 {
		t.Errorf("buffer should drain: %d left", got)
	}
}

// TestDigest_FailedBatchRebuffered verifies a failed digest delivery keeps the
// batch for the next flush.
func TestDigest_FailedBatchRebuffered(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	sub, _ := reg.Create(&Subscription{UserID: "user-1", RealTime: false})
	d.Dispatch(context.Background(), mutationFor(criticalRecord()))

	channel := feedChannelPrefix + "digest:" + sub.ID
	pub.failChannels[channel] = true
	if flushed := d.FlushDigests(context.Background()); flushed != 0 {
		t.Errorf("failed flush reported %d batches", flushed)
	}
	if got := d.PendingDigest(sub.ID); got != 1 {
		t.Fatalf("failed batch should stay buffered: %d", got)
	}

	pub.failChannels[channel] = false
	if flushed := d.FlushDigests(context.Background()); flushed != 1 {
		t.Errorf("retry flush = %d, want 1", flushed)
	}
}

// =============================================================================
// Watchlist Tests
// =============================================================================

// TestDispatch_WatchlistMatching verifies target membership and the severity
// threshold, and that terminal transitions still deliver so alerts clear.
func TestDispatch_WatchlistMatching(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	w, err := reg.CreateWatchlist(&Watchlist{
		UserID:      "user-1",
		Name:        "treasury",
		Targets:     []string{"0xdeadbeef"},
		MinSeverity: threat.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("CreateWatchlist: %v", err)
	}

	// Matching target at critical severity.
	deliveries := d.Dispatch(context.Background(), mutationFor(criticalRecord()))
	if len(deliveries) != 1 || deliveries[0].WatchlistID != w.ID {
		t.Fatalf("watchlist delivery missing: %+v", deliveries)
	}

	// Below the severity threshold.
	low := criticalRecord()
	low.Severity = threat.SeverityMedium
	if got := d.Dispatch(context.Background(), mutationFor(low)); len(got) != 0 {
		t.Errorf("below-threshold record delivered: %d", len(got))
	}

	// Resolution of a watched record still delivers.
	resolved := criticalRecord()
	resolved.Status = threat.StatusResolved
	m := mutationFor(resolved)
	m.Kind = event.KindStatusChanged
	m.Previous = threat.StatusActive
	if got := d.Dispatch(context.Background(), m); len(got) != 1 {
		t.Errorf("terminal transition should deliver to watchlist: %d", len(got))
	}
}

// =============================================================================
// Broadcast Tests
// =============================================================================

// TestBroadcast_IgnoresFilters verifies the emergency path reaches every
// active subscription even when its filter would not match.
func TestBroadcast_IgnoresFilters(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	mismatched, _ := reg.Create(&Subscription{
		UserID:   "user-1",
		RealTime: true,
		Filter:   Filter{Types: []threat.Type{threat.TypeHoneypot}},
	})
	digest, _ := reg.Create(&Subscription{UserID: "user-2", RealTime: false})

	deliveries := d.Broadcast(context.Background(), mutationFor(criticalRecord()))
	if len(deliveries) != 2 {
		t.Fatalf("broadcast should reach all active subs: %d", len(deliveries))
	}
	if pub.count(feedChannelPrefix+mismatched.ID) != 1 {
		t.Error("filter-mismatched subscription missed the broadcast")
	}
	if pub.count(feedChannelPrefix+digest.ID) != 1 {
		t.Error("digest subscription should get broadcasts in real time")
	}
}

// TestBroadcast_DeliversOncePerMutation verifies a mutation already dispatched
// through the regular flow is not delivered a second time by a broadcast, and
// that digest copies of it are superseded by the immediate delivery.
func TestBroadcast_DeliversOncePerMutation(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	matching, _ := reg.Create(&Subscription{
		UserID:   "user-1",
		RealTime: true,
		Filter:   Filter{Types: []threat.Type{threat.TypeDrainer}},
	})
	unmatched, _ := reg.Create(&Subscription{
		UserID:   "user-2",
		RealTime: true,
		Filter:   Filter{Types: []threat.Type{threat.TypeHoneypot}},
	})
	digest, _ := reg.Create(&Subscription{
		UserID:   "user-3",
		RealTime: false,
		Filter:   Filter{Types: []threat.Type{threat.TypeDrainer}},
	})

	m := mutationFor(criticalRecord())
	d.Dispatch(context.Background(), m)
	if got := pub.count(feedChannelPrefix + matching.ID); got != 1 {
		t.Fatalf("dispatch should deliver to the matching sub once: %d", got)
	}

	deliveries := d.Broadcast(context.Background(), m)
	if len(deliveries) != 2 {
		t.Fatalf("broadcast should cover the 2 undelivered subs: %d", len(deliveries))
	}
	if got := pub.count(feedChannelPrefix + matching.ID); got != 1 {
		t.Errorf("matching sub delivered twice for one mutation: %d", got)
	}
	if got := pub.count(feedChannelPrefix + unmatched.ID); got != 1 {
		t.Errorf("unmatched sub should get the broadcast: %d", got)
	}
	if got := pub.count(feedChannelPrefix + digest.ID); got != 1 {
		t.Errorf("digest sub should get the broadcast immediately: %d", got)
	}

	// The buffered digest copy is superseded by the immediate delivery.
	if got := d.PendingDigest(digest.ID); got != 0 {
		t.Errorf("digest buffer should drop the broadcast mutation: %d left", got)
	}
	if flushed := d.FlushDigests(context.Background()); flushed != 0 {
		t.Errorf("flush delivered %d superseded batches", flushed)
	}
}

// TestRecentDeliveries_NewestFirst verifies the admin delivery log ordering
// and cap handling.
func TestRecentDeliveries_NewestFirst(t *testing.T) {
	reg := NewRegistry(100, time.Hour)
	pub := newMemPublisher()
	d := NewDispatcher(reg, pub, DefaultConfig(), nil)

	reg.Create(&Subscription{UserID: "user-1", RealTime: true})
	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), mutationFor(criticalRecord()))
	}

	recent := d.RecentDeliveries(2)
	if len(recent) != 2 {
		t.Fatalf("RecentDeliveries(2) = %d entries", len(recent))
	}
	all := d.RecentDeliveries(0)
	if len(all) != 3 {
		t.Fatalf("RecentDeliveries(0) = %d entries, want all 3", len(all))
	}
	if all[0].At.Before(all[len(all)-1].At) {
		t.Error("deliveries should be newest first")
	}
}
