// Package stats computes periodic feed rollups for the analytics surface.
package stats

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// Period is a rollup window.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

var periodWindows = map[Period]time.Duration{
	PeriodHourly:  time.Hour,
	PeriodDaily:   24 * time.Hour,
	PeriodWeekly:  7 * 24 * time.Hour,
	PeriodMonthly: 30 * 24 * time.Hour,
}

// Window returns the lookback duration for a period, or false for an
// unknown period.
func (p Period) Window() (time.Duration, bool) {
	d, ok := periodWindows[p]
	return d, ok
}

// TagCount is one entry in the top-tags list.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Snapshot is one computed rollup.
type Snapshot struct {
	Period        Period                    `json:"period"`
	WindowStart   time.Time                 `json:"window_start"`
	WindowEnd     time.Time                 `json:"window_end"`
	GeneratedAt   time.Time                 `json:"generated_at"`
	Total         int                       `json:"total"`
	NewInWindow   int                       `json:"new_in_window"`
	ByType        map[threat.Type]int       `json:"by_type"`
	BySeverity    map[threat.Severity]int   `json:"by_severity"`
	ByStatus      map[threat.Status]int     `json:"by_status"`
	BySourceKind  map[threat.SourceKind]int `json:"by_source_kind"`
	AvgConfidence float64                   `json:"avg_confidence"`
	TopTags       []TagCount                `json:"top_tags"`
}

// Config tunes rollup cadence and persistence.
type Config struct {
	Interval  time.Duration `yaml:"interval"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	TopTagsN  int           `yaml:"top_tags_n"`
}

func DefaultConfig() Config {
	return Config{
		Interval:  15 * time.Minute,
		RedisTTL:  48 * time.Hour,
		KeyPrefix: "chainwatch:stats:",
		TopTagsN:  10,
	}
}

// Aggregator computes rollups from the record store and persists them to
// Redis when available. The in-memory copy is authoritative for reads when
// Redis is down; stats are derived data and can always be regenerated.
type Aggregator struct {
	records store.RecordStore
	rdb     *redis.Client
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	latest map[Period]*Snapshot
}

func NewAggregator(records store.RecordStore, rdb *redis.Client, cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = def.RedisTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TopTagsN <= 0 {
		cfg.TopTagsN = def.TopTagsN
	}
	return &Aggregator{
		records: records,
		rdb:     rdb,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		latest:  make(map[Period]*Snapshot),
	}
}

// SetClock overrides the aggregator's clock for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Start regenerates all periods on the configured cadence.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.GenerateAll(ctx); err != nil {
					a.logger.Warn("stats generation failed", zap.Error(err))
				}
			}
		}
	}()
}

// GenerateAll regenerates every period.
func (a *Aggregator) GenerateAll(ctx context.Context) error {
	for p := range periodWindows {
		if _, err := a.Generate(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Generate computes a fresh snapshot for the period and persists it.
func (a *Aggregator) Generate(ctx context.Context, period Period) (*Snapshot, error) {
	window, ok := period.Window()
	if !ok {
		return nil, errs.Validation("unknown stats period %q", period)
	}

	now := a.now()
	windowStart := now.Add(-window)

	recs, total, err := a.records.List(ctx, store.RecordQuery{})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Period:       period,
		WindowStart:  windowStart,
		WindowEnd:    now,
		GeneratedAt:  now,
		Total:        total,
		ByType:       make(map[threat.Type]int),
		BySeverity:   make(map[threat.Severity]int),
		ByStatus:     make(map[threat.Status]int),
		BySourceKind: make(map[threat.SourceKind]int),
	}

	tagCounts := make(map[string]int)
	confidenceSum := 0
	for _, rec := range recs {
		snap.ByType[rec.Type]++
		snap.BySeverity[rec.Severity]++
		snap.ByStatus[rec.Status]++
		for _, src := range rec.Sources {
			snap.BySourceKind[src.Kind]++
		}
		for _, tag := range rec.Tags {
			tagCounts[tag]++
		}
		confidenceSum += rec.Confidence
		if rec.Timeline.FirstSeen.After(windowStart) {
			snap.NewInWindow++
		}
	}
	if len(recs) > 0 {
		snap.AvgConfidence = float64(confidenceSum) / float64(len(recs))
	}
	snap.TopTags = topTags(tagCounts, a.cfg.TopTagsN)

	a.mu.Lock()
	a.latest[period] = snap
	a.mu.Unlock()

	a.persist(ctx, snap)
	return snap, nil
}

// Latest returns the most recent snapshot for the period, generating one on
// first request.
func (a *Aggregator) Latest(ctx context.Context, period Period) (*Snapshot, error) {
	if _, ok := period.Window(); !ok {
		return nil, errs.Validation("unknown stats period %q", period)
	}

	a.mu.RLock()
	snap := a.latest[period]
	a.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	if restored := a.restore(ctx, period); restored != nil {
		a.mu.Lock()
		a.latest[period] = restored
		a.mu.Unlock()
		return restored, nil
	}

	return a.Generate(ctx, period)
}

func (a *Aggregator) persist(ctx context.Context, snap *Snapshot) {
	if a.rdb == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := a.cfg.KeyPrefix + string(snap.Period)
	if err := a.rdb.Set(ctx, key, payload, a.cfg.RedisTTL).Err(); err != nil {
		a.logger.Warn("stats persist failed", zap.String("key", key), zap.Error(err))
	}
}

func (a *Aggregator) restore(ctx context.Context, period Period) *Snapshot {
	if a.rdb == nil {
		return nil
	}
	payload, err := a.rdb.Get(ctx, a.cfg.KeyPrefix+string(period)).Bytes()
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil
	}
	return &snap
}

func topTags(counts map[string]int, n int) []TagCount {
	out := make([]TagCount, 0, len(counts))
	for tag, count := range counts {
		out = append(out, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
