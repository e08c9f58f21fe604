package sources

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/observability"
)

// suspendAfter is the consecutive-failure count that suspends an adapter.
// Suspension requires a manual reactivation; backoff alone is not enough
// when a feed is persistently broken.
const suspendAfter = 3

// SchedulerConfig tunes the fetch loop.
type SchedulerConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Tick            time.Duration `yaml:"tick"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultInterval: 10 * time.Minute,
		MaxBackoff:      2 * time.Hour,
		Tick:            30 * time.Second,
	}
}

// sourceState is the scheduler's bookkeeping for one adapter.
type sourceState struct {
	adapter  Adapter
	interval time.Duration
	cursor   string
	active   bool

	suspended           bool
	consecutiveFailures int
	backoffUntil        time.Time
	lastRun             *time.Time
	lastError           string

	fetchedTotal  int64
	ingestedTotal int64

	running bool
}

// Scheduler runs registered adapters on their intervals, applying
// exponential backoff to failing ones and suspending persistent failures.
type Scheduler struct {
	ingestor Ingestor
	cfg      SchedulerConfig
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	sources map[string]*sourceState

	metrics *observability.Metrics
}

// SetMetrics attaches fetch-outcome counters. Nil metrics are a no-op.
func (s *Scheduler) SetMetrics(m *observability.Metrics) { s.metrics = m }

func (s *Scheduler) countFetch(name, outcome string) {
	if s.metrics != nil {
		s.metrics.SourceFetches.WithLabelValues(name, outcome).Inc()
	}
}

func NewScheduler(ingestor Ingestor, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSchedulerConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	return &Scheduler{
		ingestor: ingestor,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sources:  make(map[string]*sourceState),
	}
}

// SetClock overrides the scheduler's clock for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Register adds an adapter. A zero interval uses the default.
func (s *Scheduler) Register(a Adapter, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sources[a.Name()]; exists {
		return errs.Conflict("source %s already registered", a.Name())
	}
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}
	s.sources[a.Name()] = &sourceState{
		adapter:  a,
		interval: interval,
		active:   true,
	}
	return nil
}

// UpdateSource adjusts an adapter's interval or active flag.
func (s *Scheduler) UpdateSource(name string, interval time.Duration, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[name]
	if !ok {
		return errs.NotFound("source %s", name)
	}
	if interval > 0 {
		st.interval = interval
	}
	st.active = active
	return nil
}

// Reactivate clears a suspension and its failure history.
func (s *Scheduler) Reactivate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[name]
	if !ok {
		return errs.NotFound("source %s", name)
	}
	st.suspended = false
	st.consecutiveFailures = 0
	st.backoffUntil = time.Time{}
	st.lastError = ""
	return nil
}

// Start runs the fetch loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// tick launches one fetch pass for every due adapter.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []string
	for name, st := range s.sources {
		if !st.active || st.suspended || st.running {
			continue
		}
		if now.Before(st.backoffUntil) {
			continue
		}
		if st.lastRun != nil && now.Sub(*st.lastRun) < st.interval {
			continue
		}
		st.running = true
		due = append(due, name)
	}
	s.mu.Unlock()

	for _, name := range due {
		go func(name string) {
			if _, err := s.RunOnce(ctx, name); err != nil {
				s.logger.Warn("source fetch failed", zap.String("source", name), zap.Error(err))
			}
		}(name)
	}
}

// RunResult summarizes one fetch pass.
type RunResult struct {
	Source   string `json:"source"`
	Fetched  int    `json:"fetched"`
	Ingested int    `json:"ingested"`
	Rejected int    `json:"rejected"`
}

// RunOnce fetches one pass from the named adapter and ingests the results.
// Also the admin on-demand fetch path; a suspended source must be
// reactivated first.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*RunResult, error) {
	s.mu.Lock()
	st, ok := s.sources[name]
	if !ok {
		s.mu.Unlock()
		return nil, errs.NotFound("source %s", name)
	}
	if st.suspended {
		s.mu.Unlock()
		return nil, errs.Conflict("source %s is suspended after %d consecutive failures", name, st.consecutiveFailures)
	}
	adapter := st.adapter
	cursor := st.cursor
	st.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		st.running = false
		s.mu.Unlock()
	}()

	fetched, err := adapter.Fetch(ctx, cursor)

	now := s.now()
	if err != nil {
		s.mu.Lock()
		st.lastRun = &now
		st.consecutiveFailures++
		st.lastError = err.Error()
		backoff := st.interval
		for i := 1; i < st.consecutiveFailures; i++ {
			backoff *= 2
		}
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
		st.backoffUntil = now.Add(backoff)
		if st.consecutiveFailures >= suspendAfter {
			st.suspended = true
			s.logger.Error("source suspended",
				zap.String("source", name),
				zap.Int("consecutive_failures", st.consecutiveFailures))
		}
		s.mu.Unlock()
		s.countFetch(name, "error")
		return nil, err
	}
	s.countFetch(name, "ok")

	res := &RunResult{Source: name, Fetched: len(fetched.Observations)}
	for _, obs := range fetched.Observations {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := s.ingestor.Ingest(ctx, obs); err != nil {
			res.Rejected++
			s.logger.Debug("observation rejected",
				zap.String("source", name),
				zap.String("target", obs.Target.Value),
				zap.Error(err))
			continue
		}
		res.Ingested++
	}

	s.mu.Lock()
	st.lastRun = &now
	st.consecutiveFailures = 0
	st.lastError = ""
	st.backoffUntil = time.Time{}
	st.cursor = fetched.NextCursor
	st.fetchedTotal += int64(res.Fetched)
	st.ingestedTotal += int64(res.Ingested)
	s.mu.Unlock()

	s.logger.Info("source fetch complete",
		zap.String("source", name),
		zap.Int("fetched", res.Fetched),
		zap.Int("ingested", res.Ingested),
		zap.Int("rejected", res.Rejected))
	return res, nil
}

// Status snapshots every registered source for the admin surface.
func (s *Scheduler) Status() []SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceStatus, 0, len(s.sources))
	for name, st := range s.sources {
		out = append(out, SourceStatus{
			Name:                name,
			Kind:                st.adapter.Kind(),
			Reliability:         st.adapter.Reliability(),
			Interval:            st.interval,
			Active:              st.active,
			Suspended:           st.suspended,
			ConsecutiveFailures: st.consecutiveFailures,
			LastRun:             st.lastRun,
			LastError:           st.lastError,
			FetchedTotal:        st.fetchedTotal,
			IngestedTotal:       st.ingestedTotal,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
