// Package threat defines the canonical threat record model shared by the
// ingestion, correlation, pattern, aging and subscription engines.
package threat

import (
	"fmt"
	"time"
)

// SourceKind identifies the class of producer that reported an observation.
type SourceKind string

const (
	SourceCommunity   SourceKind = "community"
	SourceExternalAPI SourceKind = "external_api"
	SourceOnChain     SourceKind = "on_chain"
	SourceManual      SourceKind = "manual"
	SourceAIDetected  SourceKind = "ai_detected"
	SourceHoneypot    SourceKind = "honeypot"
)

var validSourceKinds = map[SourceKind]bool{
	SourceCommunity:   true,
	SourceExternalAPI: true,
	SourceOnChain:     true,
	SourceManual:      true,
	SourceAIDetected:  true,
	SourceHoneypot:    true,
}

// Source describes a contributing producer. Reliability is a statically
// curated weight in [0,100]; it is not adjusted from observed accuracy.
type Source struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        SourceKind `json:"kind"`
	Reliability int        `json:"reliability"`
}

// Type is the closed set of threat classifications.
type Type string

const (
	TypeScam          Type = "scam"
	TypePhishing      Type = "phishing"
	TypeRugpull       Type = "rugpull"
	TypeHoneypot      Type = "honeypot"
	TypeExploit       Type = "exploit"
	TypeMalware       Type = "malware"
	TypeDrainer       Type = "drainer"
	TypePumpDump      Type = "pump_dump"
	TypeFakeToken     Type = "fake_token"
	TypeImpersonation Type = "impersonation"
	TypeRansomware    Type = "ransomware"
	TypeMixer         Type = "mixer"
	TypeSanctioned    Type = "sanctioned"
	TypeFraud         Type = "fraud"
	TypeSpam          Type = "spam"
	TypeBotnet        Type = "botnet"
)

var validTypes = map[Type]bool{
	TypeScam: true, TypePhishing: true, TypeRugpull: true, TypeHoneypot: true,
	TypeExploit: true, TypeMalware: true, TypeDrainer: true, TypePumpDump: true,
	TypeFakeToken: true, TypeImpersonation: true, TypeRansomware: true,
	TypeMixer: true, TypeSanctioned: true, TypeFraud: true, TypeSpam: true,
	TypeBotnet: true,
}

// Category is the closed set of impact categories.
type Category string

const (
	CategoryFinancial         Category = "financial"
	CategoryIdentityTheft     Category = "identity_theft"
	CategoryDataBreach        Category = "data_breach"
	CategoryInfrastructure    Category = "infrastructure"
	CategorySocialEngineering Category = "social_engineering"
	CategoryTechnical         Category = "technical"
	CategoryCompliance        Category = "compliance"
)

var validCategories = map[Category]bool{
	CategoryFinancial: true, CategoryIdentityTheft: true, CategoryDataBreach: true,
	CategoryInfrastructure: true, CategorySocialEngineering: true,
	CategoryTechnical: true, CategoryCompliance: true,
}

// Severity is an ordered enum: info < low < medium < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of s, or -1 for an unknown severity.
func (s Severity) Rank() int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is equal to or more severe than min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Bump returns the next severity up, saturating at critical.
func (s Severity) Bump() Severity {
	switch s {
	case SeverityInfo:
		return SeverityLow
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusActive        Status = "active"
	StatusExpired       Status = "expired"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
	StatusUnderReview   Status = "under_review"
)

// legalTransitions encodes the status state machine. resolved and
// false_positive are terminal; under_review is the only state with a
// backward edge to active.
var legalTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusExpired:       true,
		StatusResolved:      true,
		StatusFalsePositive: true,
		StatusUnderReview:   true,
	},
	StatusUnderReview: {
		StatusActive:        true,
		StatusResolved:      true,
		StatusFalsePositive: true,
	},
	StatusExpired: {
		StatusResolved: true,
	},
}

// CanTransition reports whether the status state machine permits from → to.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	return legalTransitions[from][to]
}

// TargetType identifies what kind of entity a threat points at.
type TargetType string

const (
	TargetAddress TargetType = "address"
	TargetDomain  TargetType = "domain"
	TargetURL     TargetType = "url"
	TargetIP      TargetType = "ip"
	TargetEmail   TargetType = "email"
	TargetHash    TargetType = "hash"
)

var validTargetTypes = map[TargetType]bool{
	TargetAddress: true, TargetDomain: true, TargetURL: true,
	TargetIP: true, TargetEmail: true, TargetHash: true,
}

// Target is the entity a threat record is about. Value is stored in
// normalized form (see Normalize).
type Target struct {
	Type    TargetType `json:"type"`
	Value   string     `json:"value"`
	Network string     `json:"network,omitempty"`
}

// IndicatorType classifies a supporting indicator.
type IndicatorType string

const (
	IndicatorAddress   IndicatorType = "address"
	IndicatorDomain    IndicatorType = "domain"
	IndicatorURL       IndicatorType = "url"
	IndicatorTxHash    IndicatorType = "tx_hash"
	IndicatorBehavior  IndicatorType = "behavior"
	IndicatorSignature IndicatorType = "signature"
	IndicatorText      IndicatorType = "text"
)

// Indicator is a single piece of supporting evidence. Indicator values feed
// both the identity hash and pattern-rule matching.
type Indicator struct {
	Type    IndicatorType `json:"type"`
	Value   string        `json:"value"`
	Context string        `json:"context,omitempty"`
}

// Evidence is a free-form evidence entry attached during ingestion or merge.
type Evidence struct {
	SourceID    string    `json:"source_id"`
	Description string    `json:"description"`
	AddedAt     time.Time `json:"added_at"`
}

// Timeline tracks the observation history of a record. LastSeen is bumped on
// every duplicate ingestion; the other fields are set once.
type Timeline struct {
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	ReportedAt   *time.Time `json:"reported_at,omitempty"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Votes holds community up/down counters. They feed confidence scoring but
// never override it.
type Votes struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// Record is the canonical deduplicated representation of a threat,
// identified by IdentityHash.
type Record struct {
	ID           string      `json:"id"`
	IdentityHash string      `json:"identity_hash"`
	Type         Type        `json:"type"`
	Category     Category    `json:"category"`
	Severity     Severity    `json:"severity"`
	Confidence   int         `json:"confidence"`
	Status       Status      `json:"status"`
	Target       Target      `json:"target"`
	Indicators   []Indicator `json:"indicators"`
	Sources      []Source    `json:"sources"`
	Evidence     []Evidence  `json:"evidence,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Timeline     Timeline    `json:"timeline"`
	Correlated   []string    `json:"correlated_threats,omitempty"`
	Votes        Votes       `json:"votes"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`

	// PatternAdjust accumulates score deltas from matched pattern actions.
	// Disputes counts moderation disputes. Both are scoring inputs, kept on
	// the record so confidence can be recomputed deterministically.
	PatternAdjust int `json:"pattern_adjust"`
	Disputes      int `json:"disputes"`

	// MatchedPatterns lists pattern IDs whose actions have already been
	// applied to this record. A pattern fires at most once per record, so
	// re-ingesting a duplicate observation cannot escalate it again.
	MatchedPatterns []string `json:"matched_patterns,omitempty"`

	// Version is the optimistic-concurrency counter; updates CAS on it.
	Version int64 `json:"version"`
}

// HasSource reports whether a source with the given ID already contributed.
func (r *Record) HasSource(id string) bool {
	for _, s := range r.Sources {
		if s.ID == id {
			return true
		}
	}
	return false
}

// HasTag reports whether the record carries the tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasMatchedPattern reports whether a pattern's actions were already applied.
func (r *Record) HasMatchedPattern(id string) bool {
	for _, p := range r.MatchedPatterns {
		if p == id {
			return true
		}
	}
	return false
}

// HasIndicator reports whether an indicator with the same type and value is
// already attached.
func (r *Record) HasIndicator(ind Indicator) bool {
	for _, existing := range r.Indicators {
		if existing.Type == ind.Type && existing.Value == ind.Value {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate without racing store readers.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Indicators = append([]Indicator(nil), r.Indicators...)
	cp.Sources = append([]Source(nil), r.Sources...)
	cp.Evidence = append([]Evidence(nil), r.Evidence...)
	cp.Tags = append([]string(nil), r.Tags...)
	cp.Correlated = append([]string(nil), r.Correlated...)
	cp.MatchedPatterns = append([]string(nil), r.MatchedPatterns...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.Timeline = r.Timeline.clone()
	return &cp
}

func (t Timeline) clone() Timeline {
	cp := t
	cp.ReportedAt = cloneTime(t.ReportedAt)
	cp.VerifiedAt = cloneTime(t.VerifiedAt)
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CorrelationType classifies an edge between two canonical records.
type CorrelationType string

const (
	CorrelationDuplicate     CorrelationType = "duplicate"
	CorrelationRelated       CorrelationType = "related"
	CorrelationCampaign      CorrelationType = "campaign"
	CorrelationAttribution   CorrelationType = "attribution"
	CorrelationTargetOverlap CorrelationType = "target_overlap"
)

// CorrelationStatus is the lifecycle of an edge. Superseded edges are marked
// disputed, never deleted.
type CorrelationStatus string

const (
	CorrelationActive    CorrelationStatus = "active"
	CorrelationDisputed  CorrelationStatus = "disputed"
	CorrelationConfirmed CorrelationStatus = "confirmed"
)

// Correlation is a typed, confidence-scored edge between two records. The
// edge is stored once and queryable from either endpoint.
type Correlation struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parent_id"`
	ChildID    string            `json:"child_id"`
	Type       CorrelationType   `json:"correlation_type"`
	Confidence int               `json:"confidence"`
	Evidence   string            `json:"evidence,omitempty"`
	Status     CorrelationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Other returns the endpoint opposite to id, or "" if id is not an endpoint.
func (c *Correlation) Other(id string) string {
	switch id {
	case c.ParentID:
		return c.ChildID
	case c.ChildID:
		return c.ParentID
	}
	return ""
}

// Observation is a raw producer input, prior to normalization and dedup.
type Observation struct {
	Source     Source      `json:"source"`
	Type       Type        `json:"type"`
	Category   Category    `json:"category"`
	Severity   Severity    `json:"severity"`
	Target     Target      `json:"target"`
	Indicators []Indicator `json:"indicators,omitempty"`
	Evidence   string      `json:"evidence,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	ReportedAt *time.Time  `json:"reported_at,omitempty"`
}

// Validate rejects malformed observations before any store mutation.
func (o *Observation) Validate() error {
	if o.Target.Value == "" {
		return fmt.Errorf("target value is required")
	}
	if !validTargetTypes[o.Target.Type] {
		return fmt.Errorf("unknown target type %q", o.Target.Type)
	}
	if !validTypes[o.Type] {
		return fmt.Errorf("unknown threat type %q", o.Type)
	}
	if !validCategories[o.Category] {
		return fmt.Errorf("unknown category %q", o.Category)
	}
	if _, ok := severityRank[o.Severity]; !ok {
		return fmt.Errorf("unknown severity %q", o.Severity)
	}
	if o.Source.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if !validSourceKinds[o.Source.Kind] {
		return fmt.Errorf("unknown source kind %q", o.Source.Kind)
	}
	if o.Source.Reliability < 0 || o.Source.Reliability > 100 {
		return fmt.Errorf("source reliability %d out of range [0,100]", o.Source.Reliability)
	}
	for i, ind := range o.Indicators {
		if ind.Value == "" {
			return fmt.Errorf("indicator %d has empty value", i)
		}
	}
	return nil
}
