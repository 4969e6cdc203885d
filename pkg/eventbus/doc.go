// Package eventbus provides the durable, ordered, replayable event channel
// that Gaffer components communicate through. Events are immutable facts:
// once durably appended they are never mutated, only read.
//
// The bus is built on a Redis Stream per instance. A single stream gives a
// total append order, so events for the same project are always delivered to
// each subscriber in the order they were appended. Subscribers are Redis
// consumer groups: a subscriber that disconnects and reconnects with the same
// subscriber ID resumes from its last acknowledged position. Delivery is
// at-least-once - an event is redelivered until acknowledged, so consumers
// must be idempotent with respect to event_id.
//
// Every event may name the event that caused it (causation_id), forming a
// forest of causal chains per project. Publish rejects events whose causation
// cannot be resolved, so a stored chain can always be walked back to its root.
package eventbus
