package pattern

import "github.com/lvonguyen/chainwatch/internal/threat"

// Defaults returns the built-in rule set seeded by the admin initialize
// operation. Names are stable; seeding is idempotent by name.
func Defaults() []*Pattern {
	return []*Pattern{
		{
			Name:        "wallet drainer kit",
			Description: "drainer-style approval lures get escalated and flagged for correlation",
			Priority:    100,
			Clauses: []Clause{
				{Field: FieldThreatType, Op: OpEquals, Value: string(threat.TypeDrainer), Weight: 0.6},
				{Field: FieldIndicatorValue, Op: OpContains, Value: "approve", Weight: 0.4},
				{Field: FieldIndicatorValue, Op: OpContains, Value: "drain", Weight: 0.4},
			},
			Threshold: 0.8,
			Actions: []Action{
				{Type: ActionIncreaseSeverity, Delta: 15},
				{Type: ActionAddTag, Tag: "drainer-kit"},
				{Type: ActionCorrelate},
				{Type: ActionNotify},
			},
			IsActive: true,
		},
		{
			Name:        "fake airdrop claim page",
			Description: "airdrop lures hosted on claim/mint paths",
			Priority:    50,
			Clauses: []Clause{
				{Field: FieldTag, Op: OpEquals, Value: "airdrop", Weight: 0.5},
				{Field: FieldTargetValue, Op: OpContains, Value: "claim", Weight: 0.3},
				{Field: FieldTargetValue, Op: OpContains, Value: "mint", Weight: 0.3},
			},
			Threshold: 0.8,
			Actions: []Action{
				{Type: ActionAdjustConfidence, Delta: 10},
				{Type: ActionAddTag, Tag: "airdrop-lure"},
			},
			IsActive: true,
		},
		{
			Name:        "impersonated support handle",
			Description: "support impersonation over social channels",
			Priority:    40,
			Clauses: []Clause{
				{Field: FieldThreatType, Op: OpEquals, Value: string(threat.TypeImpersonation), Weight: 0.5},
				{Field: FieldIndicatorValue, Op: OpContains, Value: "support", Weight: 0.5},
			},
			Threshold: 1.0,
			Actions: []Action{
				{Type: ActionAdjustConfidence, Delta: 5},
				{Type: ActionAddTag, Tag: "fake-support"},
			},
			IsActive: true,
		},
		{
			Name:        "sanctioned mixer traffic",
			Description: "mixer-class targets are held for review rather than auto-escalated",
			Priority:    30,
			Clauses: []Clause{
				{Field: FieldThreatType, Op: OpEquals, Value: string(threat.TypeMixer), Weight: 1},
			},
			Threshold: 1.0,
			Actions: []Action{
				{Type: ActionAddTag, Tag: "mixer"},
				{Type: ActionCorrelate},
			},
			IsActive: true,
		},
	}
}

// SeedDefaults registers every default pattern whose name is not already
// present and returns the number added. Safe to call repeatedly.
func (e *Engine) SeedDefaults() (int, error) {
	existing := make(map[string]bool)
	for _, p := range e.List() {
		existing[p.Name] = true
	}

	added := 0
	for _, p := range Defaults() {
		if existing[p.Name] {
			continue
		}
		if err := e.Add(p); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
