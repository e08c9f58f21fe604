// Package pattern implements the declarative indicator-rule engine. Rules
// are weighted clause lists with a trigger threshold; fired rules adjust the
// triggering record and emit side-effect hints back to the ingestion path.
package pattern

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// Field selects which part of a record a clause inspects.
type Field string

const (
	FieldIndicatorValue Field = "indicator_value"
	FieldIndicatorType  Field = "indicator_type"
	FieldTargetValue    Field = "target_value"
	FieldThreatType     Field = "threat_type"
	FieldCategory       Field = "category"
	FieldTag            Field = "tag"
)

// Op is the clause match operator.
type Op string

const (
	OpEquals   Op = "equals"
	OpContains Op = "contains"
	OpPrefix   Op = "starts_with"
	OpSuffix   Op = "ends_with"
	OpRegex    Op = "regex"
)

// Clause is one weighted match condition.
type Clause struct {
	Field  Field   `json:"field" yaml:"field"`
	Op     Op      `json:"op" yaml:"op"`
	Value  string  `json:"value" yaml:"value"`
	Weight float64 `json:"weight" yaml:"weight"`

	re *regexp.Regexp
}

// ActionType enumerates pattern side effects.
type ActionType string

const (
	ActionIncreaseSeverity ActionType = "increase_severity"
	ActionAdjustConfidence ActionType = "adjust_confidence"
	ActionAddTag           ActionType = "add_tag"
	ActionCorrelate        ActionType = "correlate"
	ActionNotify           ActionType = "notify"
	ActionAutoResolve      ActionType = "auto_resolve"
)

// Action is a configured side effect applied when a pattern fires.
type Action struct {
	Type  ActionType `json:"type" yaml:"type"`
	Tag   string     `json:"tag,omitempty" yaml:"tag,omitempty"`
	Delta int        `json:"delta,omitempty" yaml:"delta,omitempty"`
}

// Pattern is a declarative rule. Clauses freeze once the pattern has fired
// at least once; only IsActive may be toggled afterwards, so historical
// timesTriggered counts stay explainable.
type Pattern struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Clauses        []Clause  `json:"clauses"`
	Threshold      float64   `json:"threshold"`
	Actions        []Action  `json:"actions"`
	Priority       int       `json:"priority"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	TimesTriggered int64     `json:"times_triggered"`
}

// Match records one fired pattern during an evaluation.
type Match struct {
	PatternID string  `json:"pattern_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
}

// Outcome summarizes what an evaluation did to the record and which side
// effects the caller must carry out.
type Outcome struct {
	Matches        []Match
	TagsAdded      []string
	SeverityRaised bool
	AutoResolved   bool
	CorrelateHint  bool
	NotifyHint     bool
}

// Engine evaluates active patterns against records.
type Engine struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// SetMetrics attaches pattern-fire counters. Nil metrics are a no-op.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		patterns: make(map[string]*Pattern),
		logger:   logger,
	}
}

// Add validates and registers a pattern. Regex clauses are compiled here so
// evaluation never pays compilation or sees an invalid expression.
func (e *Engine) Add(p *Pattern) error {
	if p.Name == "" {
		return errs.Validation("pattern name is required")
	}
	if len(p.Clauses) == 0 {
		return errs.Validation("pattern %q has no clauses", p.Name)
	}
	if p.Threshold <= 0 {
		return errs.Validation("pattern %q threshold must be positive", p.Name)
	}
	for i := range p.Clauses {
		c := &p.Clauses[i]
		if c.Weight <= 0 {
			return errs.Validation("pattern %q clause %d weight must be positive", p.Name, i)
		}
		if c.Op == OpRegex {
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return errs.Validation("pattern %q clause %d regex: %v", p.Name, i, err)
			}
			c.re = re
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns[p.ID] = p
	return nil
}

// SetActive toggles a pattern. This is the only edit permitted once a
// pattern has fired.
func (e *Engine) SetActive(id string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.patterns[id]
	if !ok {
		return errs.NotFound("pattern %s", id)
	}
	p.IsActive = active
	return nil
}

// UpdateClauses replaces a pattern's clauses and threshold. Rejected once
// the pattern has fired.
func (e *Engine) UpdateClauses(id string, clauses []Clause, threshold float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.patterns[id]
	if !ok {
		return errs.NotFound("pattern %s", id)
	}
	if p.TimesTriggered > 0 {
		return errs.Conflict("pattern %s has fired %d times; clauses are frozen", id, p.TimesTriggered)
	}
	for i := range clauses {
		c := &clauses[i]
		if c.Op == OpRegex {
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return errs.Validation("clause %d regex: %v", i, err)
			}
			c.re = re
		}
	}
	p.Clauses = clauses
	p.Threshold = threshold
	return nil
}

// List returns a snapshot of all patterns ordered by priority.
func (e *Engine) List() []*Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		cp := *p
		out = append(out, &cp)
	}
	sortPatterns(out)
	return out
}

// Evaluate runs every active pattern against rec, mutating it in place.
// Patterns apply in priority order (ties broken by creation order, then ID)
// so the final record state is deterministic regardless of registration
// order. Each pattern's actions apply at most once per record: a pattern
// already listed in rec.MatchedPatterns is skipped, so re-ingesting a
// duplicate observation never re-escalates the record. auto_resolve
// short-circuits remaining patterns for this record.
func (e *Engine) Evaluate(rec *threat.Record) Outcome {
	e.mu.Lock()
	active := make([]*Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sortPatterns(active)

	var out Outcome
	for _, p := range active {
		if rec.HasMatchedPattern(p.ID) {
			continue
		}
		score := e.score(p, rec)
		if score < p.Threshold {
			continue
		}

		p.TimesTriggered++
		rec.MatchedPatterns = append(rec.MatchedPatterns, p.ID)
		out.Matches = append(out.Matches, Match{PatternID: p.ID, Name: p.Name, Score: score})
		if e.metrics != nil {
			e.metrics.PatternsMatched.WithLabelValues(p.Name).Inc()
		}

		resolved := applyActions(p, rec, &out)
		if resolved {
			out.AutoResolved = true
			break
		}
	}
	e.mu.Unlock()

	if len(out.Matches) > 0 {
		rec.Confidence = threat.ComputeConfidence(rec)
		e.logger.Debug("patterns fired",
			zap.String("record", rec.ID),
			zap.Int("count", len(out.Matches)))
	}
	return out
}

func sortPatterns(ps []*Pattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func (e *Engine) score(p *Pattern, rec *threat.Record) float64 {
	var score float64
	for i := range p.Clauses {
		if clauseMatches(&p.Clauses[i], rec) {
			score += p.Clauses[i].Weight
		}
	}
	return score
}

func clauseMatches(c *Clause, rec *threat.Record) bool {
	switch c.Field {
	case FieldIndicatorValue:
		for _, ind := range rec.Indicators {
			if valueMatches(c, ind.Value) {
				return true
			}
		}
		return false
	case FieldIndicatorType:
		for _, ind := range rec.Indicators {
			if valueMatches(c, string(ind.Type)) {
				return true
			}
		}
		return false
	case FieldTargetValue:
		return valueMatches(c, rec.Target.Value)
	case FieldThreatType:
		return valueMatches(c, string(rec.Type))
	case FieldCategory:
		return valueMatches(c, string(rec.Category))
	case FieldTag:
		for _, tag := range rec.Tags {
			if valueMatches(c, tag) {
				return true
			}
		}
		return false
	}
	return false
}

func valueMatches(c *Clause, v string) bool {
	switch c.Op {
	case OpEquals:
		return strings.EqualFold(v, c.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case OpPrefix:
		return strings.HasPrefix(strings.ToLower(v), strings.ToLower(c.Value))
	case OpSuffix:
		return strings.HasSuffix(strings.ToLower(v), strings.ToLower(c.Value))
	case OpRegex:
		return c.re != nil && c.re.MatchString(v)
	}
	return false
}

// applyActions applies a fired pattern's actions to rec in listed order.
// Returns true when an auto_resolve terminated evaluation for this record.
func applyActions(p *Pattern, rec *threat.Record, out *Outcome) bool {
	for _, a := range p.Actions {
		switch a.Type {
		case ActionIncreaseSeverity:
			rec.Severity = rec.Severity.Bump()
			delta := a.Delta
			if delta == 0 {
				delta = 10
			}
			rec.PatternAdjust += delta
			out.SeverityRaised = true
		case ActionAdjustConfidence:
			rec.PatternAdjust += a.Delta
		case ActionAddTag:
			if a.Tag != "" && !rec.HasTag(a.Tag) {
				rec.Tags = append(rec.Tags, a.Tag)
				out.TagsAdded = append(out.TagsAdded, a.Tag)
			}
		case ActionCorrelate:
			out.CorrelateHint = true
		case ActionNotify:
			out.NotifyHint = true
		case ActionAutoResolve:
			if threat.CanTransition(rec.Status, threat.StatusResolved) {
				rec.Status = threat.StatusResolved
				now := time.Now().UTC()
				rec.Timeline.ResolvedAt = &now
			}
			return true
		}
	}
	return false
}
