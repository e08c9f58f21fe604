// Package store provides the document store the feed pipeline runs against.
// The interfaces model an opaque key/filter document database; the in-memory
// implementation is the default backend and the contract for any other.
package store

import (
	"context"
	"time"

	"github.com/lvonguyen/chainwatch/internal/threat"
)

// RecordQuery filters and paginates record listings. Zero-value fields are
// ignored.
type RecordQuery struct {
	Types         []threat.Type
	Categories    []threat.Category
	Statuses      []threat.Status
	MinSeverity   threat.Severity
	MinConfidence int
	TargetValue   string
	SourceKind    threat.SourceKind
	Tag           string
	SeenAfter     time.Time
	SeenBefore    time.Time

	Offset int
	Limit  int
}

// RecordStore is the canonical threat record table. Implementations must make
// UpsertByIdentity atomic with respect to the identityHash unique index:
// concurrent ingestion of the same hash must never create two records.
type RecordStore interface {
	// UpsertByIdentity looks up an active-or-under-review record by identity
	// hash. If absent, create() supplies the new record; otherwise merge()
	// mutates a copy of the existing one which is then CAS-written. Returns
	// the stored record and whether it was newly created.
	UpsertByIdentity(ctx context.Context, hash string, create func() *threat.Record, merge func(*threat.Record) error) (*threat.Record, bool, error)

	Get(ctx context.Context, id string) (*threat.Record, error)
	GetByIdentity(ctx context.Context, hash string) (*threat.Record, error)

	// Update CAS-writes rec against its Version, returning a conflict error
	// on mismatch. The stored version is incremented on success.
	Update(ctx context.Context, rec *threat.Record) error

	List(ctx context.Context, q RecordQuery) ([]*threat.Record, int, error)

	// FindByIndicator returns records carrying an indicator with the value.
	FindByIndicator(ctx context.Context, value string) ([]*threat.Record, error)
	// FindByTarget returns records whose normalized target value matches.
	FindByTarget(ctx context.Context, value string) ([]*threat.Record, error)
}

// EdgeStore holds correlation edges. An edge is stored once and queryable
// from either endpoint.
type EdgeStore interface {
	// Upsert creates the edge, or refreshes confidence/evidence of an
	// existing edge with the same endpoints and type.
	Upsert(ctx context.Context, edge *threat.Correlation) (*threat.Correlation, error)
	GetEdge(ctx context.Context, id string) (*threat.Correlation, error)
	ForRecord(ctx context.Context, recordID string) ([]*threat.Correlation, error)
	SetStatus(ctx context.Context, id string, status threat.CorrelationStatus) error
}
