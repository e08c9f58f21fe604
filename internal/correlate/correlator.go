// Package correlate finds relationships between canonical records and
// persists them as typed, confidence-scored edges.
package correlate

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// Config tunes candidate generation and edge scoring.
type Config struct {
	// MinEdgeConfidence gates edge persistence; weaker pairs write nothing.
	MinEdgeConfidence int `yaml:"min_edge_confidence"`
	// TimeWindow bounds the "created around the same time" candidate rule.
	TimeWindow time.Duration `yaml:"time_window"`
	// QueueSize bounds the deferred-correlation backlog.
	QueueSize int `yaml:"queue_size"`
}

func DefaultConfig() Config {
	return Config{
		MinEdgeConfidence: 40,
		TimeWindow:        6 * time.Hour,
		QueueSize:         1024,
	}
}

// Engine correlates records after ingestion commit. Work arrives via the
// mutation bus and runs on a single background worker; the pending set lets
// the aging sweeper hold off expiring a record whose correlation pass has
// not finished.
type Engine struct {
	records store.RecordStore
	edges   store.EdgeStore
	bus     *event.Bus
	cfg     Config
	logger  *zap.Logger

	queue chan string

	mu      sync.Mutex
	pending map[string]bool

	metrics *observability.Metrics
}

// SetMetrics attaches edge and backlog metrics. Nil metrics are a no-op.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// setBacklogLocked mirrors the pending-set size into the backlog gauge.
// Callers hold e.mu.
func (e *Engine) setBacklogLocked() {
	if e.metrics != nil {
		e.metrics.CorrelationBacklog.Set(float64(len(e.pending)))
	}
}

func NewEngine(records store.RecordStore, edges store.EdgeStore, bus *event.Bus, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Engine{
		records: records,
		edges:   edges,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan string, cfg.QueueSize),
		pending: make(map[string]bool),
	}
}

// HandleMutation enqueues created/merged records for deferred correlation.
// Registered on the mutation bus.
func (e *Engine) HandleMutation(m event.Mutation) {
	if m.Kind != event.KindCreated && m.Kind != event.KindMerged {
		return
	}
	e.mu.Lock()
	e.pending[m.Record.ID] = true
	e.setBacklogLocked()
	e.mu.Unlock()

	select {
	case e.queue <- m.Record.ID:
	default:
		// Backlog full: drop the deferral but clear pending so aging is not
		// blocked forever. The next merge re-enqueues the record.
		e.mu.Lock()
		delete(e.pending, m.Record.ID)
		e.setBacklogLocked()
		e.mu.Unlock()
		e.logger.Warn("correlation backlog full, skipping record", zap.String("record", m.Record.ID))
	}
}

// Pending reports whether a record still awaits its correlation pass.
func (e *Engine) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[id]
}

// Start runs the background worker until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-e.queue:
				if _, err := e.CorrelateByID(ctx, id); err != nil {
					e.logger.Warn("correlation pass failed", zap.String("record", id), zap.Error(err))
				}
			}
		}
	}()
}

// CorrelateByID loads the record and runs Correlate, clearing pending state
// regardless of outcome.
func (e *Engine) CorrelateByID(ctx context.Context, id string) ([]*threat.Correlation, error) {
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.setBacklogLocked()
		e.mu.Unlock()
	}()

	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Correlate(ctx, rec)
}

// Correlate generates candidate pairs for rec, scores each, and persists
// edges above the confidence floor. Correlation is not transitive: edges are
// written only between rec and its direct candidates.
func (e *Engine) Correlate(ctx context.Context, rec *threat.Record) ([]*threat.Correlation, error) {
	candidates, err := e.candidates(ctx, rec)
	if err != nil {
		return nil, err
	}

	var written []*threat.Correlation
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}

		confidence, ctype, evidence := scorePair(rec, cand, e.cfg.TimeWindow)
		if confidence < e.cfg.MinEdgeConfidence {
			continue
		}

		edge, err := e.edges.Upsert(ctx, &threat.Correlation{
			ParentID:   rec.ID,
			ChildID:    cand.ID,
			Type:       ctype,
			Confidence: confidence,
			Evidence:   evidence,
			Status:     threat.CorrelationActive,
		})
		if err != nil {
			e.logger.Warn("edge write failed",
				zap.String("parent", rec.ID), zap.String("child", cand.ID), zap.Error(err))
			continue
		}
		written = append(written, edge)
		if e.metrics != nil {
			e.metrics.EdgesWritten.WithLabelValues(string(edge.Type)).Inc()
		}

		e.linkRecords(ctx, rec.ID, cand.ID)
	}

	if len(written) > 0 && e.bus != nil {
		if fresh, err := e.records.Get(ctx, rec.ID); err == nil {
			e.bus.Publish(event.KindCorrelated, fresh, fresh.Status)
		}
	}
	return written, nil
}

// candidates returns records sharing an indicator value with rec, records
// with the same target under a different threat type, and records created
// within the time window that share a tag.
func (e *Engine) candidates(ctx context.Context, rec *threat.Record) ([]*threat.Record, error) {
	byID := make(map[string]*threat.Record)

	for _, ind := range rec.Indicators {
		found, err := e.records.FindByIndicator(ctx, ind.Value)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			byID[c.ID] = c
		}
	}

	sameTarget, err := e.records.FindByTarget(ctx, rec.Target.Value)
	if err != nil {
		return nil, err
	}
	for _, c := range sameTarget {
		byID[c.ID] = c
	}

	if len(rec.Tags) > 0 {
		windowed, _, err := e.records.List(ctx, store.RecordQuery{
			Statuses:  []threat.Status{threat.StatusActive, threat.StatusUnderReview},
			SeenAfter: rec.Timeline.FirstSeen.Add(-e.cfg.TimeWindow),
			Limit:     200,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range windowed {
			if sharedTags(rec, c) > 0 {
				byID[c.ID] = c
			}
		}
	}

	delete(byID, rec.ID)

	out := make([]*threat.Record, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out, nil
}

// scorePair computes edge confidence from indicator overlap, timeline
// proximity and attribution similarity, and picks the edge type.
func scorePair(a, b *threat.Record, window time.Duration) (int, threat.CorrelationType, string) {
	overlap := indicatorOverlap(a, b)
	proximity := timelineProximity(a, b, window)
	attribution := attributionSimilarity(a, b)

	confidence := int(math.Round(overlap*50 + proximity*25 + attribution*25))

	sameTarget := a.Target.Value == b.Target.Value

	var ctype threat.CorrelationType
	var evidence string
	switch {
	case sameTarget && a.Type == b.Type && overlap >= 0.9:
		ctype = threat.CorrelationDuplicate
		evidence = "same target and near-identical indicator set"
	case sameTarget && a.Type != b.Type:
		ctype = threat.CorrelationTargetOverlap
		evidence = "same target reported under different threat types"
	case sharedTags(a, b) >= 2 && proximity > 0:
		ctype = threat.CorrelationCampaign
		evidence = "shared tags within the correlation window"
	case attribution >= 0.5:
		ctype = threat.CorrelationAttribution
		evidence = "overlapping attribution traits"
	default:
		ctype = threat.CorrelationRelated
		evidence = "shared indicators"
	}

	return confidence, ctype, evidence
}

func indicatorOverlap(a, b *threat.Record) float64 {
	if len(a.Indicators) == 0 && len(b.Indicators) == 0 {
		if a.Target.Value == b.Target.Value {
			return 1
		}
		return 0
	}

	set := make(map[string]bool, len(a.Indicators))
	for _, ind := range a.Indicators {
		set[strings.ToLower(ind.Value)] = true
	}
	shared := 0
	union := len(set)
	for _, ind := range b.Indicators {
		key := strings.ToLower(ind.Value)
		if set[key] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func timelineProximity(a, b *threat.Record, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	delta := a.Timeline.FirstSeen.Sub(b.Timeline.FirstSeen)
	if delta < 0 {
		delta = -delta
	}
	if delta >= window {
		return 0
	}
	return 1 - float64(delta)/float64(window)
}

func attributionSimilarity(a, b *threat.Record) float64 {
	var score float64
	if a.Type == b.Type {
		score += 0.3
	}
	if a.Category == b.Category {
		score += 0.2
	}
	shared := sharedTags(a, b)
	score += math.Min(0.5, float64(shared)*0.25)
	return math.Min(1, score)
}

func sharedTags(a, b *threat.Record) int {
	set := make(map[string]bool, len(a.Tags))
	for _, t := range a.Tags {
		set[t] = true
	}
	n := 0
	for _, t := range b.Tags {
		if set[t] {
			n++
		}
	}
	return n
}

// linkRecords adds each endpoint to the other's correlated set so the
// relationship is queryable from both records.
func (e *Engine) linkRecords(ctx context.Context, aID, bID string) {
	for _, pair := range [][2]string{{aID, bID}, {bID, aID}} {
		rec, err := e.records.Get(ctx, pair[0])
		if err != nil {
			continue
		}
		if containsString(rec.Correlated, pair[1]) {
			continue
		}
		rec.Correlated = append(rec.Correlated, pair[1])
		if err := e.records.Update(ctx, rec); err != nil {
			e.logger.Debug("correlated-set update skipped", zap.String("record", pair[0]), zap.Error(err))
		}
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
