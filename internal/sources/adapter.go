// Package sources pulls observations from external producers (community
// feeds, intel APIs, on-chain analysis) and hands them to the ingestion
// engine on a per-adapter schedule.
package sources

import (
	"context"
	"time"

	"github.com/lvonguyen/chainwatch/internal/ingest"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// FetchResult carries one fetch pass worth of observations plus the cursor
// to resume from next time.
type FetchResult struct {
	Observations []threat.Observation
	NextCursor   string
}

// Adapter is one external producer. Fetch must be idempotent for a given
// cursor: the scheduler retries failed passes with the same cursor.
type Adapter interface {
	Name() string
	Kind() threat.SourceKind
	Reliability() int
	Fetch(ctx context.Context, cursor string) (*FetchResult, error)
}

// Ingestor is the slice of the ingestion engine the scheduler needs.
type Ingestor interface {
	Ingest(ctx context.Context, obs threat.Observation) (*ingest.Result, error)
}

// sourceFor builds the Source stamped on every observation an adapter emits.
func sourceFor(a Adapter) threat.Source {
	return threat.Source{
		ID:          a.Name(),
		Name:        a.Name(),
		Kind:        a.Kind(),
		Reliability: a.Reliability(),
	}
}

// SourceStatus is the admin view of one registered adapter.
type SourceStatus struct {
	Name                string            `json:"name"`
	Kind                threat.SourceKind `json:"kind"`
	Reliability         int               `json:"reliability"`
	Interval            time.Duration     `json:"interval"`
	Active              bool              `json:"active"`
	Suspended           bool              `json:"suspended"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastRun             *time.Time        `json:"last_run,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	FetchedTotal        int64             `json:"fetched_total"`
	IngestedTotal       int64             `json:"ingested_total"`
}
