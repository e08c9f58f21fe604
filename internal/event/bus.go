// Package event carries record-mutation events from the ingestion and aging
// engines to the pattern, correlation, subscription and stats consumers.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/chainwatch/internal/threat"
)

// Kind describes what happened to the record.
type Kind string

const (
	KindCreated       Kind = "created"
	KindMerged        Kind = "merged"
	KindStatusChanged Kind = "status_changed"
	KindCorrelated    Kind = "correlated"
)

// Mutation is a single record-mutation event. ID is the correlation id used
// to tie log lines, deliveries and postmortems back to one mutation.
type Mutation struct {
	ID       string
	Kind     Kind
	Record   *threat.Record
	Previous threat.Status
	At       time.Time
}

// Handler consumes a mutation. Handlers run synchronously on the publishing
// goroutine in registration order; slow consumers must hand off internally.
type Handler func(Mutation)

// Bus is a minimal in-process fan-out. One publisher path per mutation
// guarantees every registered consumer sees each event exactly once.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. Registration normally happens at startup;
// publishing concurrently with late registration is safe.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish builds a mutation for rec and delivers it to every handler.
func (b *Bus) Publish(kind Kind, rec *threat.Record, previous threat.Status) Mutation {
	m := Mutation{
		ID:       uuid.NewString(),
		Kind:     kind,
		Record:   rec.Clone(),
		Previous: previous,
		At:       time.Now().UTC(),
	}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
	return m
}
