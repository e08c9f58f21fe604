package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/chainwatch/internal/cache"
	"github.com/lvonguyen/chainwatch/internal/errs"
)

// Registry owns subscriptions and watchlists. Durable (user-owned) entries
// live in a map; anonymous session subscriptions live in a fixed-capacity
// LRU so abandoned sessions age out instead of accumulating.
type Registry struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	watchlists map[string]*Watchlist

	sessionSubs *cache.LRU[string, *Subscription]
}

// NewRegistry creates a registry; sessionCapacity bounds anonymous session
// subscriptions.
func NewRegistry(sessionCapacity int, sessionTTL time.Duration) *Registry {
	return &Registry{
		subs:        make(map[string]*Subscription),
		watchlists:  make(map[string]*Watchlist),
		sessionSubs: cache.New[string, *Subscription](sessionCapacity, sessionTTL),
	}
}

// Create registers a subscription. Session-scoped subscriptions (no user id)
// go through the bounded session cache.
func (r *Registry) Create(sub *Subscription) (*Subscription, error) {
	if sub.UserID == "" && sub.SessionID == "" {
		return nil, errs.Validation("subscription requires a user or session id")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()

	if sub.UserID == "" {
		r.sessionSubs.Set(sub.SessionID, sub)
		return sub, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	return sub, nil
}

// Get returns a subscription by id.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.RLock()
	if sub, ok := r.subs[id]; ok {
		r.mu.RUnlock()
		return sub, nil
	}
	r.mu.RUnlock()

	var found *Subscription
	r.sessionSubs.Range(func(_ string, sub *Subscription) bool {
		if sub.ID == id {
			found = sub
			return false
		}
		return true
	})
	if found == nil {
		return nil, errs.NotFound("subscription %s", id)
	}
	return found, nil
}

// Deactivate marks a subscription inactive, preserving its stats.
func (r *Registry) Deactivate(id string) error {
	sub, err := r.Get(id)
	if err != nil {
		return err
	}
	sub.Active = false
	return nil
}

// ListActive snapshots all active subscriptions, durable and session-scoped.
func (r *Registry) ListActive() []*Subscription {
	r.mu.RLock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Active {
			out = append(out, sub)
		}
	}
	r.mu.RUnlock()

	r.sessionSubs.Range(func(_ string, sub *Subscription) bool {
		if sub.Active {
			out = append(out, sub)
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForUser returns a user's subscriptions, active or not.
func (r *Registry) ForUser(userID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CreateWatchlist registers a named watchlist for a user.
func (r *Registry) CreateWatchlist(w *Watchlist) (*Watchlist, error) {
	if w.UserID == "" {
		return nil, errs.Validation("watchlist requires a user id")
	}
	if w.Name == "" {
		return nil, errs.Validation("watchlist name is required")
	}
	if len(w.Targets) == 0 {
		return nil, errs.Validation("watchlist requires at least one target")
	}
	if w.MinSeverity == "" {
		w.MinSeverity = "info"
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Active = true
	w.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchlists[w.ID] = w
	return w, nil
}

// WatchlistsForUser returns a user's watchlists.
func (r *Registry) WatchlistsForUser(userID string) []*Watchlist {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Watchlist
	for _, w := range r.watchlists {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveWatchlists snapshots all active watchlists.
func (r *Registry) ActiveWatchlists() []*Watchlist {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Watchlist, 0, len(r.watchlists))
	for _, w := range r.watchlists {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns (subscriptions, session subscriptions, watchlists) for the
// admin status surface.
func (r *Registry) Counts() (int, int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs), r.sessionSubs.Len(), len(r.watchlists)
}
