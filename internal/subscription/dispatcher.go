package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/threat"
)

// feedChannelPrefix namespaces per-subscription pub/sub channels.
const feedChannelPrefix = "chainwatch:feed:"

// Publisher delivers a serialized notification to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher delivers notifications over Redis pub/sub so API nodes can
// stream them to connected clients.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Notification is what subscribers receive for one matching mutation.
type Notification struct {
	MutationID  string         `json:"mutation_id"`
	Kind        event.Kind     `json:"kind"`
	Record      *threat.Record `json:"record"`
	Previous    threat.Status  `json:"previous_status,omitempty"`
	WatchlistID string         `json:"watchlist_id,omitempty"`
	At          time.Time      `json:"at"`
}

// Delivery records one delivery attempt for the admin surface.
type Delivery struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	WatchlistID    string    `json:"watchlist_id,omitempty"`
	MutationID     string    `json:"mutation_id"`
	RecordID       string    `json:"record_id"`
	Channel        string    `json:"channel"`
	Succeeded      bool      `json:"succeeded"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Config tunes dispatch fan-out.
type Config struct {
	// MaxParallel bounds concurrent delivery attempts per mutation.
	MaxParallel int `yaml:"max_parallel"`
	// DeliveryTimeout bounds each individual delivery attempt.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	// DigestInterval is the flush cadence for non-real-time subscriptions.
	DigestInterval time.Duration `yaml:"digest_interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxParallel:     16,
		DeliveryTimeout: 3 * time.Second,
		DigestInterval:  5 * time.Minute,
	}
}

// Dispatcher fans record mutations out to matching subscriptions and
// watchlists. Delivery is at-least-once: failures bump counters and are
// retried on the next matching mutation's natural flow, never surfaced to
// the mutation that triggered them.
type Dispatcher struct {
	registry  *Registry
	publisher Publisher
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	digests map[string][]Notification
	recent  []Delivery

	delivered int64
	failed    int64

	metrics *observability.Metrics
}

// SetMetrics attaches delivery counters. Nil metrics are a no-op.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) { d.metrics = m }

func NewDispatcher(registry *Registry, publisher Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.DigestInterval <= 0 {
		cfg.DigestInterval = def.DigestInterval
	}
	return &Dispatcher{
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		digests:   make(map[string][]Notification),
	}
}

// HandleMutation is registered on the mutation bus. Matching is synchronous
// and cheap; deliveries run with bounded parallelism and a per-attempt
// timeout so a slow subscriber cannot stall the commit path.
func (d *Dispatcher) HandleMutation(m event.Mutation) {
	d.Dispatch(context.Background(), m)
}

// Dispatch evaluates every active subscription and watchlist against the
// mutation and performs the resulting deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, m event.Mutation) []Delivery {
	base := Notification{
		MutationID: m.ID,
		Kind:       m.Kind,
		Record:     m.Record,
		Previous:   m.Previous,
		At:         m.At,
	}

	type task struct {
		sub       *Subscription
		watchlist *Watchlist
		note      Notification
	}
	var tasks []task

	for _, sub := range d.registry.ListActive() {
		if !sub.Filter.Matches(m.Record) {
			continue
		}
		if !sub.RealTime {
			d.buffer(sub.ID, base)
			continue
		}
		tasks = append(tasks, task{sub: sub, note: base})
	}

	for _, w := range d.registry.ActiveWatchlists() {
		if !w.matches(m.Record) {
			continue
		}
		note := base
		note.WatchlistID = w.ID
		tasks = append(tasks, task{watchlist: w, note: note})
	}

	if len(tasks) == 0 {
		return nil
	}

	results := make([]Delivery, len(tasks))
	sem := make(chan struct{}, d.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t task) {
			defer wg.Done()
			defer func() { <-sem }()
			if t.sub != nil {
				results[i] = d.deliverToSubscription(ctx, t.sub, t.note)
			} else {
				results[i] = d.deliverToWatchlist(ctx, t.watchlist, t.note)
			}
		}(i, t)
	}
	wg.Wait()

	d.record(results)
	return results
}

func (d *Dispatcher) deliverToSubscription(ctx context.Context, sub *Subscription, note Notification) Delivery {
	del := Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		MutationID:     note.MutationID,
		RecordID:       note.Record.ID,
		Channel:        feedChannelPrefix + sub.ID,
		At:             time.Now().UTC(),
	}
	err := d.publish(ctx, del.Channel, note)
	d.settle(&sub.Stats, &del, err)
	return del
}

func (d *Dispatcher) deliverToWatchlist(ctx context.Context, w *Watchlist, note Notification) Delivery {
	del := Delivery{
		ID:          uuid.NewString(),
		WatchlistID: w.ID,
		MutationID:  note.MutationID,
		RecordID:    note.Record.ID,
		Channel:     feedChannelPrefix + "watchlist:" + w.ID,
		At:          time.Now().UTC(),
	}
	err := d.publish(ctx, del.Channel, note)
	d.settle(&w.Stats, &del, err)
	return del
}

func (d *Dispatcher) publish(ctx context.Context, channel string, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, channel, payload)
}

func (d *Dispatcher) settle(stats *DeliveryStats, del *Delivery, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats.Attempted++
	if err != nil {
		stats.Failed++
		d.failed++
		d.countDelivery("failed")
		del.Error = err.Error()
		d.logger.Warn("delivery failed",
			zap.String("channel", del.Channel),
			zap.String("record", del.RecordID),
			zap.Error(err))
		return
	}
	now := del.At
	stats.LastDeliveredAt = &now
	d.delivered++
	d.countDelivery("delivered")
	del.Succeeded = true
}

func (d *Dispatcher) countDelivery(outcome string) {
	if d.metrics != nil {
		d.metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

// buffer queues a notification for a digest subscriber.
func (d *Dispatcher) buffer(subID string, note Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digests[subID] = append(d.digests[subID], note)
}

// PendingDigest returns the number of buffered notifications for a
// subscription.
func (d *Dispatcher) PendingDigest(subID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.digests[subID])
}

// FlushDigests delivers every buffered digest as one batched payload per
// subscription. Failed batches stay buffered for the next flush.
func (d *Dispatcher) FlushDigests(ctx context.Context) int {
	d.mu.Lock()
	batches := d.digests
	d.digests = make(map[string][]Notification)
	d.mu.Unlock()

	flushed := 0
	for subID, notes := range batches {
		sub, err := d.registry.Get(subID)
		if err != nil || !sub.Active {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"subscription_id": subID,
			"count":           len(notes),
			"notifications":   notes,
		})
		if err != nil {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		err = d.publisher.Publish(pctx, feedChannelPrefix+"digest:"+subID, payload)
		cancel()

		d.mu.Lock()
		sub.Stats.Attempted++
		if err != nil {
			sub.Stats.Failed++
			d.failed++
			d.countDelivery("failed")
			d.digests[subID] = append(notes, d.digests[subID]...)
		} else {
			now := time.Now().UTC()
			sub.Stats.LastDeliveredAt = &now
			d.delivered++
			d.countDelivery("delivered")
			flushed++
		}
		d.mu.Unlock()
	}
	return flushed
}

// Broadcast delivers a notification to every active subscription regardless
// of filters. Emergency path only: routine mutations go through Dispatch.
// Subscriptions that already received this mutation through the regular
// dispatch are skipped, and digest copies of it are dropped, so one mutation
// reaches each subscriber once.
func (d *Dispatcher) Broadcast(ctx context.Context, m event.Mutation) []Delivery {
	note := Notification{
		MutationID: m.ID,
		Kind:       m.Kind,
		Record:     m.Record,
		Previous:   m.Previous,
		At:         m.At,
	}

	already := d.deliveredTo(m.ID)
	d.dropBuffered(m.ID)

	var subs []*Subscription
	for _, sub := range d.registry.ListActive() {
		if already[sub.ID] {
			continue
		}
		subs = append(subs, sub)
	}

	results := make([]Delivery, len(subs))
	sem := make(chan struct{}, d.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sub *Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.deliverToSubscription(ctx, sub, note)
		}(i, sub)
	}
	wg.Wait()

	d.record(results)
	return results
}

// deliveredTo returns the subscriptions that already received the mutation.
func (d *Dispatcher) deliveredTo(mutationID string) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool)
	for _, del := range d.recent {
		if del.MutationID == mutationID && del.SubscriptionID != "" && del.Succeeded {
			out[del.SubscriptionID] = true
		}
	}
	return out
}

// dropBuffered removes digest-buffered copies of the mutation; the broadcast
// delivery supersedes them.
func (d *Dispatcher) dropBuffered(mutationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for subID, notes := range d.digests {
		kept := notes[:0]
		for _, n := range notes {
			if n.MutationID != mutationID {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(d.digests, subID)
		} else {
			d.digests[subID] = kept
		}
	}
}

// Start flushes digests on the configured cadence until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.cfg.DigestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.FlushDigests(ctx)
			}
		}
	}()
}

// RecentDeliveries returns up to n of the most recent delivery attempts,
// newest first.
func (d *Dispatcher) RecentDeliveries(n int) []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	out := make([]Delivery, n)
	for i := 0; i < n; i++ {
		out[i] = d.recent[len(d.recent)-1-i]
	}
	return out
}

// Totals returns lifetime delivered and failed counts.
func (d *Dispatcher) Totals() (delivered, failed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, d.failed
}

const recentDeliveryCap = 256

func (d *Dispatcher) record(deliveries []Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, deliveries...)
	if over := len(d.recent) - recentDeliveryCap; over > 0 {
		d.recent = append([]Delivery(nil), d.recent[over:]...)
	}
}
