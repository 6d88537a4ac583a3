// Package eventbus implements the typed publish/subscribe bus from
// spec section 4.3: declared event types, ordered middleware, bounded
// per-subscriber inboxes, and a bounded replay ring.
package eventbus

import (
	"encoding/json"
	"time"
)

// DeliveryMode controls what a full inbox does to a publish, per spec
// section 4.3.
type DeliveryMode int

const (
	// BestEffort drops the oldest buffered envelope when the inbox is full.
	BestEffort DeliveryMode = iota
	// Required blocks the publish (not unrelated publishes) until the
	// inbox has room or a deadline elapses.
	Required
)

// SubscriberState is the lifecycle of a Required subscriber that falls
// behind, per spec section 4.3.
type SubscriberState int

const (
	SubscriberActive SubscriberState = iota
	SubscriberLagging
	SubscriberDetached
)

func (s SubscriberState) String() string {
	switch s {
	case SubscriberActive:
		return "active"
	case SubscriberLagging:
		return "lagging"
	case SubscriberDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Envelope is an immutable, sequence-numbered published event, per
// spec section 3.
type Envelope struct {
	Sequence      uint64
	Type          string
	Payload       any
	PublishedAt   time.Time
	CorrelationID string
}

// Handler is invoked once per matching subscription for each envelope
// that passes the subscription's filter.
type Handler func(env Envelope) error

// Filter optionally narrows which envelopes a subscription receives.
type Filter func(env Envelope) bool

// EventTypeSchema is an opaque placeholder for the JSON Schema a
// declared event type's payload must conform to; the bus itself does
// not validate payloads against it (schemas are documentation and a
// redeclaration guard), matching spec section 4.3's "declare" contract.
type EventTypeSchema struct {
	Raw json.RawMessage
}
