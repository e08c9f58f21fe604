// Package ingest implements the ingestion and deduplication engine: the
// single write path through which every observation, regardless of producer,
// becomes or updates a canonical threat record.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/pattern"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// Result is the outcome of one ingestion.
type Result struct {
	Record     *threat.Record  `json:"record"`
	IsNew      bool            `json:"is_new"`
	MergedFrom string          `json:"merged_from,omitempty"`
	Matches    []pattern.Match `json:"matched_patterns,omitempty"`
	MutationID string          `json:"mutation_id"`
}

// Engine normalizes, deduplicates and scores observations.
type Engine struct {
	records  store.RecordStore
	patterns *pattern.Engine
	bus      *event.Bus
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock; tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches ingestion counters and the duration histogram.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(records store.RecordStore, patterns *pattern.Engine, bus *event.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		records:  records,
		patterns: patterns,
		bus:      bus,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest validates obs, computes its identity hash, and atomically creates
// or merges the canonical record. Pattern evaluation and confidence scoring
// run inside the upsert's create/merge callbacks, so the whole mutation
// commits as one store write and concurrent producers never see a
// half-scored record. Re-ingesting an identical observation bumps lastSeen
// and nothing else: already-applied patterns do not re-fire.
func (e *Engine) Ingest(ctx context.Context, obs threat.Observation) (*Result, error) {
	start := time.Now()
	if err := obs.Validate(); err != nil {
		e.countIngest(obs, "rejected")
		return nil, errs.Validation("%v", err)
	}

	target, err := threat.Normalize(obs.Target)
	if err != nil {
		e.countIngest(obs, "rejected")
		return nil, errs.Validation("target: %v", err)
	}
	obs.Target = target

	hash := threat.IdentityHash(target, obs.Indicators)
	now := e.now()

	var outcome pattern.Outcome
	rec, created, err := e.records.UpsertByIdentity(ctx, hash,
		func() *threat.Record {
			rec := e.newRecord(obs, hash, now)
			outcome = e.patterns.Evaluate(rec)
			rec.Confidence = threat.ComputeConfidence(rec)
			return rec
		},
		func(existing *threat.Record) error {
			if err := e.merge(existing, obs, now); err != nil {
				return err
			}
			outcome = e.patterns.Evaluate(existing)
			existing.Confidence = threat.ComputeConfidence(existing)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	kind := event.KindMerged
	if created {
		kind = event.KindCreated
	}
	mutation := e.bus.Publish(kind, rec, rec.Status)

	if e.metrics != nil {
		outcomeLabel := "merged"
		if created {
			outcomeLabel = "created"
		}
		e.metrics.ObservationsIngested.WithLabelValues(string(obs.Source.Kind), outcomeLabel).Inc()
		e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}

	e.logger.Info("observation ingested",
		zap.String("record", rec.ID),
		zap.String("mutation", mutation.ID),
		zap.Bool("created", created),
		zap.String("source", obs.Source.ID),
		zap.Int("confidence", rec.Confidence))

	res := &Result{
		Record:     rec,
		IsNew:      created,
		Matches:    outcome.Matches,
		MutationID: mutation.ID,
	}
	if !created {
		res.MergedFrom = obs.Source.ID
	}
	return res, nil
}

func (e *Engine) countIngest(obs threat.Observation, outcome string) {
	if e.metrics != nil {
		e.metrics.ObservationsIngested.WithLabelValues(string(obs.Source.Kind), outcome).Inc()
	}
}

func (e *Engine) newRecord(obs threat.Observation, hash string, now time.Time) *threat.Record {
	rec := &threat.Record{
		ID:           uuid.NewString(),
		IdentityHash: hash,
		Type:         obs.Type,
		Category:     obs.Category,
		Severity:     obs.Severity,
		Status:       threat.StatusActive,
		Target:       obs.Target,
		Indicators:   dedupeIndicators(obs.Indicators),
		Sources:      []threat.Source{obs.Source},
		Tags:         append([]string(nil), obs.Tags...),
		Timeline: threat.Timeline{
			FirstSeen:    now,
			LastSeen:     now,
			DiscoveredAt: now,
			ReportedAt:   obs.ReportedAt,
		},
	}
	if obs.Evidence != "" {
		rec.Evidence = append(rec.Evidence, threat.Evidence{
			SourceID:    obs.Source.ID,
			Description: obs.Evidence,
			AddedAt:     now,
		})
	}
	rec.Confidence = threat.ComputeConfidence(rec)
	return rec
}

// merge folds a duplicate observation into the canonical record: union
// indicators, extend evidence (no duplicate entries), bump lastSeen, append
// the source if it is a new corroborator.
func (e *Engine) merge(rec *threat.Record, obs threat.Observation, now time.Time) error {
	rec.Timeline.LastSeen = now

	for _, ind := range obs.Indicators {
		if !rec.HasIndicator(ind) {
			rec.Indicators = append(rec.Indicators, ind)
		}
	}

	if !rec.HasSource(obs.Source.ID) {
		rec.Sources = append(rec.Sources, obs.Source)
	}

	if obs.Evidence != "" && !hasEvidence(rec, obs.Source.ID, obs.Evidence) {
		rec.Evidence = append(rec.Evidence, threat.Evidence{
			SourceID:    obs.Source.ID,
			Description: obs.Evidence,
			AddedAt:     now,
		})
	}

	for _, tag := range obs.Tags {
		if !rec.HasTag(tag) {
			rec.Tags = append(rec.Tags, tag)
		}
	}

	// A corroborating report of higher severity raises the record; a lower
	// one never lowers it.
	if obs.Severity.Rank() > rec.Severity.Rank() {
		rec.Severity = obs.Severity
	}

	rec.Confidence = threat.ComputeConfidence(rec)
	return nil
}

func hasEvidence(rec *threat.Record, sourceID, description string) bool {
	for _, ev := range rec.Evidence {
		if ev.SourceID == sourceID && ev.Description == description {
			return true
		}
	}
	return false
}

func dedupeIndicators(in []threat.Indicator) []threat.Indicator {
	out := make([]threat.Indicator, 0, len(in))
	for _, ind := range in {
		dup := false
		for _, existing := range out {
			if existing.Type == ind.Type && existing.Value == ind.Value {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ind)
		}
	}
	return out
}
