package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// MemoryStore is the in-memory RecordStore and EdgeStore backend. A bloom
// filter over identity hashes answers the common "never seen" case without
// touching the index map; the map remains authoritative for positives.
type MemoryStore struct {
	mu sync.RWMutex

	records     map[string]*threat.Record // id -> record
	byIdentity  map[string]string         // identityHash -> id (active/under_review/expired)
	byIndicator map[string][]string       // indicator value -> record ids
	byTarget    map[string][]string       // target value -> record ids

	edges       map[string]*threat.Correlation // edge id -> edge
	edgesByRec  map[string][]string            // record id -> edge ids
	edgesByPair map[string]string              // endpoints+type -> edge id

	seen *bloom.BloomFilter
}

// NewMemoryStore creates an empty store sized for expectedRecords.
func NewMemoryStore(expectedRecords uint) *MemoryStore {
	if expectedRecords == 0 {
		expectedRecords = 100000
	}
	return &MemoryStore{
		records:     make(map[string]*threat.Record),
		byIdentity:  make(map[string]string),
		byIndicator: make(map[string][]string),
		byTarget:    make(map[string][]string),
		edges:       make(map[string]*threat.Correlation),
		edgesByRec:  make(map[string][]string),
		edgesByPair: make(map[string]string),
		seen:        bloom.NewWithEstimates(expectedRecords, 0.001),
	}
}

// UpsertByIdentity implements the atomic insert-if-absent-else-merge the
// dedup invariant requires. The whole operation runs under the write lock so
// two concurrent ingestions of one hash serialize onto the same record.
func (s *MemoryStore) UpsertByIdentity(ctx context.Context, hash string, create func() *threat.Record, merge func(*threat.Record) error) (*threat.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.TestString(hash) {
		if id, ok := s.byIdentity[hash]; ok {
			existing := s.records[id]
			if existing.Status == threat.StatusActive || existing.Status == threat.StatusUnderReview {
				merged := existing.Clone()
				if err := merge(merged); err != nil {
					return nil, false, err
				}
				merged.Version = existing.Version + 1
				s.unindexLocked(existing)
				s.records[id] = merged
				s.indexLocked(merged)
				return merged.Clone(), false, nil
			}
		}
	}

	rec := create()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1
	s.records[rec.ID] = rec.Clone()
	s.byIdentity[hash] = rec.ID
	s.indexLocked(rec)
	s.seen.AddString(hash)
	return rec.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*threat.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errs.NotFound("record %s", id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByIdentity(ctx context.Context, hash string) (*threat.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdentity[hash]
	if !ok {
		return nil, errs.NotFound("no record for identity hash")
	}
	return s.records[id].Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *threat.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		return errs.NotFound("record %s", rec.ID)
	}
	if existing.Version != rec.Version {
		return errs.Conflict("record %s version %d, want %d", rec.ID, existing.Version, rec.Version)
	}

	updated := rec.Clone()
	updated.Version = existing.Version + 1
	s.unindexLocked(existing)
	s.records[rec.ID] = updated
	s.indexLocked(updated)

	// Reflect the bump back to the caller so chained updates keep working.
	rec.Version = updated.Version
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q RecordQuery) ([]*threat.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*threat.Record
	for _, rec := range s.records {
		if matchQuery(rec, q) {
			matched = append(matched, rec)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timeline.LastSeen.After(matched[j].Timeline.LastSeen)
	})

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= total {
			return nil, total, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*threat.Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, total, nil
}

func (s *MemoryStore) FindByIndicator(ctx context.Context, value string) ([]*threat.Record, error) {
	return s.findIndexed(s.byIndicator, strings.ToLower(strings.TrimSpace(value)))
}

func (s *MemoryStore) FindByTarget(ctx context.Context, value string) ([]*threat.Record, error) {
	return s.findIndexed(s.byTarget, value)
}

func (s *MemoryStore) findIndexed(index map[string][]string, key string) ([]*threat.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := index[key]
	out := make([]*threat.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func matchQuery(rec *threat.Record, q RecordQuery) bool {
	if len(q.Types) > 0 && !containsType(q.Types, rec.Type) {
		return false
	}
	if len(q.Categories) > 0 && !containsCategory(q.Categories, rec.Category) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, rec.Status) {
		return false
	}
	if q.MinSeverity != "" && !rec.Severity.AtLeast(q.MinSeverity) {
		return false
	}
	if q.MinConfidence > 0 && rec.Confidence < q.MinConfidence {
		return false
	}
	if q.TargetValue != "" && rec.Target.Value != q.TargetValue {
		return false
	}
	if q.SourceKind != "" && !hasSourceKind(rec, q.SourceKind) {
		return false
	}
	if q.Tag != "" && !rec.HasTag(q.Tag) {
		return false
	}
	if !q.SeenAfter.IsZero() && rec.Timeline.LastSeen.Before(q.SeenAfter) {
		return false
	}
	if !q.SeenBefore.IsZero() && rec.Timeline.LastSeen.After(q.SeenBefore) {
		return false
	}
	return true
}

func hasSourceKind(rec *threat.Record, kind threat.SourceKind) bool {
	for _, src := range rec.Sources {
		if src.Kind == kind {
			return true
		}
	}
	return false
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

func containsStatus(list []threat.Status, v threat.Status) bool {
	for _, st := range list {
		if st == v {
			return true
		}
	}
	return false
}

// indexLocked/unindexLocked maintain the inverted indicator and target
// indexes. Callers hold the write lock.

func (s *MemoryStore) indexLocked(rec *threat.Record) {
	s.byTarget[rec.Target.Value] = appendUnique(s.byTarget[rec.Target.Value], rec.ID)
	for _, ind := range rec.Indicators {
		key := strings.ToLower(strings.TrimSpace(ind.Value))
		s.byIndicator[key] = appendUnique(s.byIndicator[key], rec.ID)
	}
}

func (s *MemoryStore) unindexLocked(rec *threat.Record) {
	s.byTarget[rec.Target.Value] = removeID(s.byTarget[rec.Target.Value], rec.ID)
	for _, ind := range rec.Indicators {
		key := strings.ToLower(strings.TrimSpace(ind.Value))
		s.byIndicator[key] = removeID(s.byIndicator[key], rec.ID)
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Edge store implementation.

func pairKey(a, b string, t threat.CorrelationType) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + string(t)
}

func (s *MemoryStore) Upsert(ctx context.Context, edge *threat.Correlation) (*threat.Correlation, error) {
	if edge.ParentID == "" || edge.ChildID == "" || edge.ParentID == edge.ChildID {
		return nil, errs.Validation("correlation requires two distinct endpoints")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := pairKey(edge.ParentID, edge.ChildID, edge.Type)
	if id, ok := s.edgesByPair[key]; ok {
		existing := s.edges[id]
		existing.Confidence = edge.Confidence
		if edge.Evidence != "" {
			existing.Evidence = edge.Evidence
		}
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}

	stored := *edge
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = threat.CorrelationActive
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.edges[stored.ID] = &stored
	s.edgesByPair[key] = stored.ID
	s.edgesByRec[stored.ParentID] = append(s.edgesByRec[stored.ParentID], stored.ID)
	s.edgesByRec[stored.ChildID] = append(s.edgesByRec[stored.ChildID], stored.ID)

	cp := stored
	return &cp, nil
}

func (s *MemoryStore) GetEdge(ctx context.Context, id string) (*threat.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, ok := s.edges[id]
	if !ok {
		return nil, errs.NotFound("correlation %s", id)
	}
	cp := *edge
	return &cp, nil
}

func (s *MemoryStore) ForRecord(ctx context.Context, recordID string) ([]*threat.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.edgesByRec[recordID]
	out := make([]*threat.Correlation, 0, len(ids))
	for _, id := range ids {
		if edge, ok := s.edges[id]; ok {
			cp := *edge
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status threat.CorrelationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	edge, ok := s.edges[id]
	if !ok {
		return errs.NotFound("correlation %s", id)
	}
	edge.Status = status
	edge.UpdatedAt = time.Now().UTC()
	return nil
}
