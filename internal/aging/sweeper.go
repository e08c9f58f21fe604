// Package aging implements the periodic lifecycle sweep that expires stale
// records and flags overdue reviews.
package aging

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// ErrSweepInProgress is returned when a sweep is requested while another is
// still running. Overlapping sweeps on stale snapshots could apply
// conflicting transitions, so exactly one runs at a time.
var ErrSweepInProgress = errors.New("aging sweep already in progress")

// Config holds sweep cadence and per-severity TTLs. TTL is inversely related
// to severity: unresolved critical threats must stay visible far longer than
// informational noise.
type Config struct {
	Interval         time.Duration                     `yaml:"interval"`
	TTLs             map[threat.Severity]time.Duration `yaml:"ttls"`
	StaleReviewAfter time.Duration                     `yaml:"stale_review_after"`
	BatchLimit       int                               `yaml:"batch_limit"`
}

func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Minute,
		TTLs: map[threat.Severity]time.Duration{
			threat.SeverityInfo:     7 * 24 * time.Hour,
			threat.SeverityLow:      14 * 24 * time.Hour,
			threat.SeverityMedium:   30 * 24 * time.Hour,
			threat.SeverityHigh:     60 * 24 * time.Hour,
			threat.SeverityCritical: 90 * 24 * time.Hour,
		},
		StaleReviewAfter: 72 * time.Hour,
		BatchLimit:       1000,
	}
}

// TTL returns the configured TTL for a severity, falling back to the
// medium TTL for anything unconfigured.
func (c Config) TTL(sev threat.Severity) time.Duration {
	if ttl, ok := c.TTLs[sev]; ok {
		return ttl
	}
	return c.TTLs[threat.SeverityMedium]
}

// Result summarizes one sweep pass.
type Result struct {
	Examined     int           `json:"examined"`
	Expired      int           `json:"expired"`
	Resolved     int           `json:"resolved"`
	FlaggedStale int           `json:"flagged_stale"`
	Skipped      int           `json:"skipped"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// CorrelationGate lets the sweeper hold back records whose deferred
// correlation pass has not completed yet.
type CorrelationGate interface {
	Pending(id string) bool
}

// Sweeper runs the lifecycle sweep.
type Sweeper struct {
	records store.RecordStore
	bus     *event.Bus
	gate    CorrelationGate
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	running atomic.Bool

	lastRun   atomic.Pointer[Result]
	runsTotal atomic.Int64

	metrics *observability.Metrics
}

// SetMetrics attaches sweep counters and the active-records gauge. Nil
// metrics are a no-op.
func (s *Sweeper) SetMetrics(m *observability.Metrics) { s.metrics = m }

func NewSweeper(records store.RecordStore, bus *event.Bus, gate CorrelationGate, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if len(cfg.TTLs) == 0 {
		cfg.TTLs = DefaultConfig().TTLs
	}
	return &Sweeper{
		records: records,
		bus:     bus,
		gate:    gate,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the sweeper's clock for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Start runs periodic sweeps until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Run(ctx, s.now()); err != nil && !errors.Is(err, ErrSweepInProgress) {
					s.logger.Error("aging sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// LastRun returns the most recent sweep result, or nil before the first run.
func (s *Sweeper) LastRun() *Result { return s.lastRun.Load() }

// RunsTotal returns the number of completed sweeps.
func (s *Sweeper) RunsTotal() int64 { return s.runsTotal.Load() }

// Run executes one sweep pass over active and under-review records.
//
// Expiry is conditioned on the lastSeen value observed at candidate
// selection: a record refreshed by a concurrent ingestion carries a newer
// version, so the CAS update fails and the record survives this pass.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	started := s.now()
	res := &Result{StartedAt: started}

	candidates, _, err := s.records.List(ctx, store.RecordQuery{
		Statuses: []threat.Status{threat.StatusActive, threat.StatusUnderReview},
		Limit:    s.cfg.BatchLimit,
	})
	if err != nil {
		return nil, err
	}

	activeBySeverity := make(map[threat.Severity]int)
	for _, rec := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Examined++

		switch rec.Status {
		case threat.StatusActive:
			if rec.Timeline.LastSeen.Add(s.cfg.TTL(rec.Severity)).After(now) {
				activeBySeverity[rec.Severity]++
				continue
			}
			if s.gate != nil && s.gate.Pending(rec.ID) {
				activeBySeverity[rec.Severity]++
				res.Skipped++
				continue
			}
			if s.expire(ctx, rec, now) {
				res.Expired++
			} else {
				activeBySeverity[rec.Severity]++
				res.Skipped++
			}
		case threat.StatusUnderReview:
			if rec.Timeline.LastSeen.Add(s.cfg.StaleReviewAfter).Before(now) {
				res.FlaggedStale++
			}
		}
	}

	res.Duration = s.now().Sub(started)
	s.lastRun.Store(res)
	s.runsTotal.Add(1)

	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.RecordsExpired.Add(float64(res.Expired))
		s.metrics.SweepDuration.Observe(res.Duration.Seconds())
		for _, sev := range []threat.Severity{
			threat.SeverityInfo, threat.SeverityLow, threat.SeverityMedium,
			threat.SeverityHigh, threat.SeverityCritical,
		} {
			s.metrics.RecordsActive.WithLabelValues(string(sev)).Set(float64(activeBySeverity[sev]))
		}
	}

	s.logger.Info("aging sweep complete",
		zap.Int("examined", res.Examined),
		zap.Int("expired", res.Expired),
		zap.Int("flagged_stale", res.FlaggedStale),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// expire transitions one record to expired via CAS. A version conflict means
// the record changed since candidate selection; it is left alone.
func (s *Sweeper) expire(ctx context.Context, rec *threat.Record, now time.Time) bool {
	observedLastSeen := rec.Timeline.LastSeen
	previous := rec.Status

	fresh, err := s.records.Get(ctx, rec.ID)
	if err != nil {
		return false
	}
	if !fresh.Timeline.LastSeen.Equal(observedLastSeen) {
		return false
	}
	if !threat.CanTransition(fresh.Status, threat.StatusExpired) {
		return false
	}

	fresh.Status = threat.StatusExpired
	expiresAt := now
	fresh.ExpiresAt = &expiresAt

	if err := s.records.Update(ctx, fresh); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			return false
		}
		s.logger.Warn("expiry write failed", zap.String("record", rec.ID), zap.Error(err))
		return false
	}

	s.bus.Publish(event.KindStatusChanged, fresh, previous)
	return true
}

// Transition applies a manual lifecycle transition (moderation/resolution
// path). Illegal transitions are rejected against the status state machine.
func (s *Sweeper) Transition(ctx context.Context, id string, to threat.Status) (*threat.Record, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !threat.CanTransition(rec.Status, to) {
		return nil, errs.Validation("illegal status transition %s -> %s", rec.Status, to)
	}

	previous := rec.Status
	rec.Status = to
	now := s.now()
	switch to {
	case threat.StatusResolved:
		rec.Timeline.ResolvedAt = &now
	case threat.StatusActive:
		// Re-verification resets the TTL clock.
		rec.Timeline.LastSeen = now
		rec.Timeline.VerifiedAt = &now
	}

	if err := s.records.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.bus.Publish(event.KindStatusChanged, rec, previous)
	return rec, nil
}
