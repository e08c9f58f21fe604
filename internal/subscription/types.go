// Package subscription matches record mutations against subscriber filters
// and watchlists and decides what gets delivered where.
package subscription

import (
	"time"

	"github.com/lvonguyen/chainwatch/internal/threat"
)

// Filter is an AND-combination of optional field predicates. An absent field
// matches everything, so the zero Filter is match-all.
type Filter struct {
	Types         []threat.Type       `json:"types,omitempty"`
	Categories    []threat.Category   `json:"categories,omitempty"`
	MinSeverity   *threat.Severity    `json:"min_severity,omitempty"`
	SourceKinds   []threat.SourceKind `json:"source_kinds,omitempty"`
	TargetValues  []string            `json:"target_values,omitempty"`
	MinConfidence *int                `json:"min_confidence,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
}

// Matches evaluates the filter against a record in a single pass; there is
// no backtracking because every predicate is independent.
func (f Filter) Matches(rec *threat.Record) bool {
	if len(f.Types) > 0 && !containsType(f.Types, rec.Type) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, rec.Category) {
		return false
	}
	if f.MinSeverity != nil && !rec.Severity.AtLeast(*f.MinSeverity) {
		return false
	}
	if len(f.SourceKinds) > 0 && !hasAnySourceKind(rec, f.SourceKinds) {
		return false
	}
	if len(f.TargetValues) > 0 && !containsString(f.TargetValues, rec.Target.Value) {
		return false
	}
	if f.MinConfidence != nil && rec.Confidence < *f.MinConfidence {
		return false
	}
	for _, tag := range f.Tags {
		if !rec.HasTag(tag) {
			return false
		}
	}
	return true
}

// Channels toggles per-channel delivery.
type Channels struct {
	InApp   bool `json:"in_app"`
	Webhook bool `json:"webhook"`
}

// DeliveryStats counts delivery attempts per subscription. Failures are
// counted, never fatal.
type DeliveryStats struct {
	Attempted       int64      `json:"attempted"`
	Failed          int64      `json:"failed"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
}

// Subscription is one subscriber's standing interest in the feed.
// Deactivated on unsubscribe rather than deleted, so delivery statistics
// survive.
type Subscription struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Filter    Filter        `json:"filter"`
	RealTime  bool          `json:"real_time"`
	Channels  Channels      `json:"channels"`
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
	Stats     DeliveryStats `json:"stats"`
}

// Watchlist is a user-owned named set of targets with its own alert
// threshold. It expands to an implicit target-membership filter.
type Watchlist struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Targets     []string        `json:"targets"`
	MinSeverity threat.Severity `json:"min_severity"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	Stats       DeliveryStats   `json:"stats"`
}

// matches reports whether a record hits this watchlist. Terminal transitions
// still match: consumers need resolved/expired deliveries to clear alerts.
func (w *Watchlist) matches(rec *threat.Record) bool {
	if !rec.Severity.AtLeast(w.MinSeverity) {
		return false
	}
	return containsString(w.Targets, rec.Target.Value)
}

func containsType(list []threat.Type, v threat.Type) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsCategory(list []threat.Category, v threat.Category) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hasAnySourceKind(rec *threat.Record, kinds []threat.SourceKind) bool {
	for _, src := range rec.Sources {
		for _, k := range kinds {
			if src.Kind == k {
				return true
			}
		}
	}
	return false
}
