package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// subscription is one entry in the bus's subscription table, per spec
// section 3.
type subscription struct {
	id           string
	eventType    string
	subscriberID string
	handler      Handler
	mode         DeliveryMode
	filter       Filter

	inbox    chan Envelope
	capacity int

	state     atomic.Int32 // SubscriberState
	lastSeq   atomic.Uint64
	drops     atomic.Uint64
	laggingAt atomic.Int64 // unix nano, 0 if never lagging

	log  *zap.Logger
	sem  *semaphore.Weighted
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newSubscription(id, eventType, subscriberID string, handler Handler, mode DeliveryMode, filter Filter, capacity int, sem *semaphore.Weighted, log *zap.Logger) *subscription {
	s := &subscription{
		id:           id,
		eventType:    eventType,
		subscriberID: subscriberID,
		handler:      handler,
		mode:         mode,
		filter:       filter,
		inbox:        make(chan Envelope, capacity),
		capacity:     capacity,
		log:          log,
		sem:          sem,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(SubscriberActive))
	return s
}

func (s *subscription) currentState() SubscriberState {
	return SubscriberState(s.state.Load())
}

// run drains the inbox in order, one handler invocation at a time for
// this subscriber, which is what gives spec invariant #1's
// "per-subscriber delivery is in sequence order" guarantee: a single
// goroutine per subscription processes its inbox strictly FIFO.
func (s *subscription) run(ctx context.Context, onFailure func(env Envelope, subscriberID string, cause error), onDetached func(subscriberID string)) {
	defer close(s.done)
	for {
		select {
		case env, ok := <-s.inbox:
			if !ok {
				return
			}
			s.invoke(ctx, env, onFailure)
			s.lastSeq.Store(env.Sequence)
			if s.currentState() == SubscriberLagging && len(s.inbox) == 0 {
				s.state.Store(int32(SubscriberActive))
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) invoke(ctx context.Context, env Envelope, onFailure func(env Envelope, subscriberID string, cause error)) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
	}

	defer func() {
		if r := recover(); r != nil {
			onFailure(env, s.subscriberID, panicToError(r))
		}
	}()

	if err := s.handler(env); err != nil {
		onFailure(env, s.subscriberID, err)
	}
}

// offer delivers env to the inbox according to the subscriber's
// DeliveryMode, per spec section 4.3's backpressure rules. It reports
// whether the subscriber should be detached (Required subscriber that
// failed to catch up within deadline).
func (s *subscription) offer(env Envelope, requiredDeadline time.Duration) (detached bool) {
	select {
	case s.inbox <- env:
		return false
	default:
	}

	switch s.mode {
	case BestEffort:
		// Drop the oldest buffered envelope and retry, per spec.
		select {
		case <-s.inbox:
			s.drops.Add(1)
		default:
		}
		select {
		case s.inbox <- env:
		default:
			s.drops.Add(1)
		}
		return false

	default: // Required
		s.markLagging()
		timer := time.NewTimer(requiredDeadline)
		defer timer.Stop()
		select {
		case s.inbox <- env:
			return false
		case <-timer.C:
			s.state.Store(int32(SubscriberDetached))
			return true
		}
	}
}

func (s *subscription) markLagging() {
	if s.state.CompareAndSwap(int32(SubscriberActive), int32(SubscriberLagging)) {
		s.laggingAt.Store(time.Now().UnixNano())
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &handlerPanic{value: r}
}

type handlerPanic struct{ value any }

func (p *handlerPanic) Error() string { return "handler panicked" }
