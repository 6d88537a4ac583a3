package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Middleware observes, annotates, or drops an envelope before fan-out,
// per spec section 4.3. Returning false drops the envelope: nothing is
// delivered or retained, though the sequence number is still consumed.
type Middleware func(ctx context.Context, env *Envelope) (keep bool, err error)

// Config controls the bounds spec section 6 lists under `event_bus`.
type Config struct {
	ReplayBufferSize        int           `mapstructure:"replay_buffer_size"`
	DefaultInboxSize        int           `mapstructure:"default_inbox_size"`
	RequiredPublishDeadline time.Duration `mapstructure:"required_publish_deadline"`
	// MaxConcurrentHandlers bounds the total number of handler
	// invocations running at once across all subscriptions, the
	// goroutine-based stand-in for spec section 5's single-loop
	// cooperative scheduler.
	MaxConcurrentHandlers int64 `mapstructure:"max_concurrent_handlers"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReplayBufferSize <= 0 {
		out.ReplayBufferSize = 4096
	}
	if out.DefaultInboxSize <= 0 {
		out.DefaultInboxSize = 1024
	}
	if out.RequiredPublishDeadline <= 0 {
		out.RequiredPublishDeadline = 5 * time.Second
	}
	if out.MaxConcurrentHandlers <= 0 {
		out.MaxConcurrentHandlers = 256
	}
	return out
}

// Bus is the typed publish/subscribe core described in spec section 4.3.
// It is an endure vertex: Init/Serve/Stop/Name/Weight, the same
// lifecycle contract the teacher's Plugin implements.
type Bus struct {
	cfg Config
	log *zap.Logger

	mu          sync.RWMutex
	declared    map[string]EventTypeSchema
	subs        map[string]*subscription       // by subscription id
	byEventType map[string][]*subscription     // by event type, for fast fan-out
	byOwner     map[string]map[string]struct{} // subscriber id -> subscription ids

	seq atomic.Uint64

	replay     *replayBuffer
	middleware []Middleware
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *statsExporter
}

// New constructs a Bus. Init/Serve are still required before Publish
// is used from within the endure-managed lifecycle, but New is exposed
// directly for tests that want a bus without a container.
func New(cfg Config, log *zap.Logger) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:         cfg,
		log:         log,
		declared:    make(map[string]EventTypeSchema),
		subs:        make(map[string]*subscription),
		byEventType: make(map[string][]*subscription),
		byOwner:     make(map[string]map[string]struct{}),
		replay:      newReplayBuffer(cfg.ReplayBufferSize),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentHandlers),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.metrics = newStatsExporter(b)
	return b
}

// Name implements the endure vertex contract.
func (b *Bus) Name() string { return "event_bus" }

// Weight implements the endure vertex contract.
func (b *Bus) Weight() uint { return 5 }

// Init implements the endure vertex contract; the bus is constructed
// eagerly via New so Init only validates invariants.
func (b *Bus) Init() error { return nil }

// Serve implements the endure vertex contract.
func (b *Bus) Serve() chan error {
	errCh := make(chan error, 1)
	return errCh
}

// Stop implements the endure vertex contract: it cancels all
// subscriber goroutines and waits, up to the grace deadline baked into
// ctx, for in-flight handlers to drain, per spec section 5.
func (b *Bus) Stop(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.log.Warn("event bus stop grace deadline exceeded, handlers still draining")
		return ctx.Err()
	}
}

// MetricsCollector implements the prometheus-collector plugin hook,
// mirroring the teacher's MetricsCollector.
func (b *Bus) MetricsCollector() []interface{} {
	return []interface{}{b.metrics}
}

// Declare registers an event type. Redeclaration with a different
// schema is rejected, per spec section 4.3.
func (b *Bus) Declare(eventType string, schema EventTypeSchema) error {
	const op = errors.Op("eventbus_declare")

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.declared[eventType]; ok {
		if string(existing.Raw) != string(schema.Raw) {
			return errors.E(op, errors.Str("event type already declared with a different schema"))
		}
		return nil
	}
	b.declared[eventType] = schema
	return nil
}

// Use registers a middleware, run in registration order for every publish.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe adds a subscription, per spec section 4.3.
func (b *Bus) Subscribe(eventType, subscriberID string, handler Handler, mode DeliveryMode, filter Filter) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	sub := newSubscription(id, eventType, subscriberID, handler, mode, filter, b.cfg.DefaultInboxSize, b.sem, b.log.Named(subscriberID))

	b.subs[id] = sub
	b.byEventType[eventType] = append(b.byEventType[eventType], sub)
	if b.byOwner[subscriberID] == nil {
		b.byOwner[subscriberID] = make(map[string]struct{})
	}
	b.byOwner[subscriberID][id] = struct{}{}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(b.ctx, b.onHandlerFailure, b.onSubscriberDetached)
	}()

	return id
}

// Unsubscribe removes a single subscription.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, subscriptionID)
	b.byEventType[sub.eventType] = removeSub(b.byEventType[sub.eventType], sub)
	if owned := b.byOwner[sub.subscriberID]; owned != nil {
		delete(owned, subscriptionID)
	}
	b.mu.Unlock()

	sub.close()
}

// UnsubscribeOwner removes every subscription owned by subscriberID,
// used by plugin unload per spec section 3's "subscriber id not
// orphaned" invariant.
func (b *Bus) UnsubscribeOwner(subscriberID string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byOwner[subscriberID]))
	for id := range b.byOwner[subscriberID] {
		ids = append(ids, id)
	}
	delete(b.byOwner, subscriberID)
	b.mu.Unlock()

	for _, id := range ids {
		b.Unsubscribe(id)
	}
}

func removeSub(list []*subscription, target *subscription) []*subscription {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// PublishResult reports whether a Required subscriber missed delivery
// within its deadline.
type PublishResult struct {
	Sequence uint64
	Degraded bool
}

// Publish assigns a sequence number, runs middleware in order, fans
// out to matching subscribers, and appends to the replay buffer, per
// spec section 4.3.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, correlationID string) (PublishResult, error) {
	const op = errors.Op("eventbus_publish")

	seq := b.seq.Add(1)
	env := Envelope{
		Sequence:      seq,
		Type:          eventType,
		Payload:       payload,
		PublishedAt:   time.Now(),
		CorrelationID: correlationID,
	}

	b.mu.RLock()
	mws := b.middleware
	b.mu.RUnlock()

	for _, mw := range mws {
		keep, err := mw(ctx, &env)
		if err != nil {
			return PublishResult{Sequence: seq}, errors.E(op, err)
		}
		if !keep {
			return PublishResult{Sequence: seq}, nil
		}
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.byEventType[eventType]...)
	b.mu.RUnlock()

	degraded := false
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		if detached := sub.offer(env, b.cfg.RequiredPublishDeadline); detached {
			degraded = true
			b.onSubscriberDetached(sub.subscriberID)
			b.Unsubscribe(sub.id)
		} else if sub.currentState() == SubscriberLagging {
			degraded = true
		}
	}

	b.replay.append(env)
	b.metrics.observePublish(eventType)

	return PublishResult{Sequence: seq, Degraded: degraded}, nil
}

// Replay returns the still-buffered envelopes with Sequence >= from,
// optionally narrowed to one event type, per spec section 4.3.
func (b *Bus) Replay(from uint64, eventType string) []Envelope {
	return b.replay.since(from, eventType)
}

func (b *Bus) onHandlerFailure(env Envelope, subscriberID string, cause error) {
	b.log.Warn("handler failed",
		zap.String("event_type", env.Type),
		zap.String("subscriber", subscriberID),
		zap.Uint64("sequence", env.Sequence),
		zap.Error(cause),
	)
	b.metrics.observeHandlerFailure(env.Type, subscriberID)

	if env.Type == "HandlerFailed" {
		// A HandlerFailed handler that itself fails is logged only,
		// never recursively re-wrapped, per spec section 4.3.
		return
	}

	payload := HandlerFailedPayload{EventType: env.Type, SubscriberID: subscriberID, Cause: cause.Error()}
	_, _ = b.Publish(b.ctx, "HandlerFailed", payload, env.CorrelationID)
}

func (b *Bus) onSubscriberDetached(subscriberID string) {
	b.log.Warn("subscriber detached", zap.String("subscriber", subscriberID))
	_, _ = b.Publish(b.ctx, "SubscriberDetached", SubscriberDetachedPayload{SubscriberID: subscriberID}, "")
}

// HandlerFailedPayload is the payload of the core HandlerFailed event type.
type HandlerFailedPayload struct {
	EventType    string
	SubscriberID string
	Cause        string
}

// SubscriberDetachedPayload is the payload of the core SubscriberDetached event type.
type SubscriberDetachedPayload struct {
	SubscriberID string
}
