package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCausationNotFound is returned by Publish when an event references a
// causation_id that was never durably appended. Such events are rejected,
// never stored.
var ErrCausationNotFound = errors.New("causation event not found")

// DefaultRedeliverAfter is how long a delivered-but-unacknowledged event sits
// pending before the subscription redelivers it.
const DefaultRedeliverAfter = 5 * time.Second

// maxChainDepth bounds causation chain walks. Chains cannot cycle (causation
// must be durably appended before its children) but a corrupted index should
// not hang the caller.
const maxChainDepth = 10000

// Bus provides instance-scoped publish/subscribe over the durable event log.
// The bus is thread-safe and can be used concurrently from multiple goroutines.
type Bus struct {
	rdb            *redis.Client
	instanceName   string
	redeliverAfter time.Duration
}

// NewBus creates a new event bus for the specified instance.
func NewBus(redisOpts *redis.Options, instanceName string) (*Bus, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Bus{
		rdb:            redis.NewClient(redisOpts),
		instanceName:   instanceName,
		redeliverAfter: DefaultRedeliverAfter,
	}, nil
}

// NewBusFromClient wraps an existing Redis client. The bus takes ownership:
// Close closes the underlying client.
func NewBusFromClient(rdb *redis.Client, instanceName string) (*Bus, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Bus{rdb: rdb, instanceName: instanceName, redeliverAfter: DefaultRedeliverAfter}, nil
}

// SetRedeliverAfter overrides the unacknowledged-event redelivery delay.
// Must be called before Subscribe.
func (b *Bus) SetRedeliverAfter(d time.Duration) {
	if d > 0 {
		b.redeliverAfter = d
	}
}

// Close closes the Redis connection. Implements io.Closer.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping verifies Redis connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish durably appends an event and returns its event ID. The append
// completes before Publish returns success, so acknowledgment means "will be
// delivered".
//
// Missing event_id and timestamp are filled in. Events whose causation_id
// cannot be resolved are rejected with ErrCausationNotFound.
func (b *Bus) Publish(ctx context.Context, e *Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}

	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}
	if err := validatePayload(e); err != nil {
		return "", fmt.Errorf("invalid event payload: %w", err)
	}

	// Resolve causation before appending: a chain must never reference
	// forward or dangle.
	if e.CausationID != "" {
		exists, err := b.rdb.Exists(ctx, EventIndexKey(b.instanceName, e.CausationID)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to resolve causation: %w", err)
		}
		if exists == 0 {
			return "", fmt.Errorf("%w: %s", ErrCausationNotFound, e.CausationID)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	// One MULTI/EXEC: the append and its causation index must land together.
	// A gap between them would let subscribers see an event whose children
	// are all rejected with ErrCausationNotFound.
	indexKey := EventIndexKey(b.instanceName, e.ID)
	var xadd *redis.StringCmd
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		xadd = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamKey(b.instanceName),
			Values: map[string]interface{}{
				"event":      string(data),
				"event_id":   e.ID,
				"project_id": e.ProjectID,
				"type":       string(e.Type),
			},
		})
		pipe.HSet(ctx, indexKey, "data", string(data))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	e.StreamID = xadd.Val()

	// The assigned stream ID is only known after EXEC; record it on the index
	// afterwards. Chain walking needs just the data field, so the seam here is
	// harmless.
	if err := b.rdb.HSet(ctx, indexKey, "stream_id", e.StreamID).Err(); err != nil {
		return "", fmt.Errorf("failed to index stream ID: %w", err)
	}

	return e.ID, nil
}

// GetEvent retrieves a durably appended event by event ID.
// Returns (nil, redis.Nil) if the event doesn't exist.
func (b *Bus) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	hash, err := b.rdb.HGetAll(ctx, EventIndexKey(b.instanceName, eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event index: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}

	var e Event
	if err := json.Unmarshal([]byte(hash["data"]), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	e.StreamID = hash["stream_id"]

	return &e, nil
}

// CausationChain walks causation_id backward from the given event and returns
// the chain in root-first order. Timestamps along the chain are
// non-decreasing because causation must be appended before its children.
func (b *Bus) CausationChain(ctx context.Context, eventID string) ([]*Event, error) {
	var chain []*Event

	id := eventID
	for depth := 0; id != ""; depth++ {
		if depth >= maxChainDepth {
			return nil, fmt.Errorf("causation chain exceeds %d events (corrupted index?)", maxChainDepth)
		}

		e, err := b.GetEvent(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("causation chain broken at %s: %w", id, err)
			}
			return nil, err
		}

		chain = append(chain, e)
		id = e.CausationID
	}

	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}

// Replay reads the durable log for one project over a time range without
// affecting any subscriber's delivery position. Zero times mean unbounded.
// An empty types list matches every type.
func (b *Bus) Replay(ctx context.Context, projectID string, from, to time.Time, types ...EventType) ([]*Event, error) {
	start := "-"
	if !from.IsZero() {
		start = strconv.FormatInt(from.UnixMilli(), 10)
	}
	end := "+"
	if !to.IsZero() {
		end = strconv.FormatInt(to.UnixMilli(), 10)
	}

	messages, err := b.rdb.XRange(ctx, StreamKey(b.instanceName), start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	filter := typeFilter(types)

	var events []*Event
	for _, msg := range messages {
		e, err := eventFromMessage(msg)
		if err != nil {
			return nil, err
		}
		if projectID != "" && e.ProjectID != projectID {
			continue
		}
		if !filter.matches(e.Type) {
			continue
		}
		events = append(events, e)
	}

	return events, nil
}

// Follow tails the event stream read-only, without a consumer group or
// delivery tracking: every follower sees every event and nothing is
// acknowledged. fromStreamID sets the position to start after; empty means
// "new events only". Both channels close when the context is cancelled.
//
// Use Subscribe instead when delivery must survive a disconnect.
func (b *Bus) Follow(ctx context.Context, fromStreamID string, types ...EventType) (<-chan *Event, <-chan error) {
	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)

	lastID := fromStreamID
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)

		stream := StreamKey(b.instanceName)
		filter := typeFilter(types)

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   64,
				Block:   500 * time.Millisecond,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				b.reportError(ctx, errorsChan, fmt.Errorf("failed to read stream: %w", err))
				continue
			}

			for _, msgs := range streams {
				for _, msg := range msgs.Messages {
					lastID = msg.ID

					e, err := eventFromMessage(msg)
					if err != nil {
						b.reportError(ctx, errorsChan, err)
						continue
					}
					if !filter.matches(e.Type) {
						continue
					}

					select {
					case eventsChan <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return eventsChan, errorsChan
}

// Subscription is an active consumer-group subscription to the event stream.
// Events arrive on Events(); each must be acknowledged with Ack once handled,
// or it will be redelivered. Caller must call Close() when done.
type Subscription struct {
	bus    *Bus
	group  string
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of delivered events.
// The channel is closed when the subscription closes or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors. Errors are non-fatal -
// the subscription continues and the affected entry is redelivered later.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Ack acknowledges an event, advancing this subscriber's delivery position
// past it. An unacknowledged event is redelivered.
func (s *Subscription) Ack(ctx context.Context, e *Event) error {
	if e.StreamID == "" {
		return fmt.Errorf("event has no stream ID")
	}
	return s.bus.rdb.XAck(ctx, StreamKey(s.bus.instanceName), s.group, e.StreamID).Err()
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times. The consumer group itself survives: a new
// Subscribe with the same subscriber ID resumes from the last ack.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe attaches a durable subscriber to the event stream. A subscriber
// that disconnects and reconnects with the same subscriberID resumes from its
// last acknowledged position: unacknowledged entries are delivered first,
// then live ones.
//
// An empty types list subscribes to every event type. Events filtered out by
// type are acknowledged internally.
func (b *Bus) Subscribe(ctx context.Context, subscriberID string, types ...EventType) (*Subscription, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber ID cannot be empty")
	}

	stream := StreamKey(b.instanceName)

	// Create the consumer group at the start of the stream so a brand-new
	// subscriber sees the full history. BUSYGROUP means it already exists.
	err := b.rdb.XGroupCreateMkStream(ctx, stream, subscriberID, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	sub := &Subscription{
		bus:    b,
		group:  subscriberID,
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}

	go b.consumeLoop(subCtx, subscriberID, typeFilter(types), eventsChan, errorsChan)

	return sub, nil
}

// consumeLoop drives a subscription: backlog first, then live entries, with a
// periodic reclaim of entries that were delivered but never acknowledged.
func (b *Bus) consumeLoop(ctx context.Context, group string, filter eventTypeFilter, eventsChan chan<- *Event, errorsChan chan<- error) {
	defer close(eventsChan)
	defer close(errorsChan)

	stream := StreamKey(b.instanceName)

	// Backlog: entries delivered to this subscriber before a previous
	// disconnect but never acknowledged.
	backlogID := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: group,
			Streams:  []string{stream, backlogID},
			Count:    64,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.reportError(ctx, errorsChan, fmt.Errorf("failed to read backlog: %w", err))
			return
		}

		count := 0
		for _, msgs := range streams {
			for _, msg := range msgs.Messages {
				count++
				backlogID = msg.ID
				if !b.deliver(ctx, group, filter, msg, eventsChan, errorsChan) {
					return
				}
			}
		}
		if count == 0 {
			break
		}
	}

	// Live: block for new entries, reclaiming stale pending ones between reads.
	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastReclaim) >= b.redeliverAfter {
			lastReclaim = time.Now()
			if !b.reclaimPending(ctx, group, filter, eventsChan, errorsChan) {
				return
			}
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: group,
			Streams:  []string{stream, ">"},
			Count:    64,
			Block:    500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, nothing new
			}
			if ctx.Err() != nil {
				return
			}
			b.reportError(ctx, errorsChan, fmt.Errorf("failed to read stream: %w", err))
			continue
		}

		for _, msgs := range streams {
			for _, msg := range msgs.Messages {
				if !b.deliver(ctx, group, filter, msg, eventsChan, errorsChan) {
					return
				}
			}
		}
	}
}

// reclaimPending redelivers entries that have sat unacknowledged longer than
// the redelivery delay. Returns false when the context is done.
func (b *Bus) reclaimPending(ctx context.Context, group string, filter eventTypeFilter, eventsChan chan<- *Event, errorsChan chan<- error) bool {
	stream := StreamKey(b.instanceName)

	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: group,
		MinIdle:  b.redeliverAfter,
		Start:    "0-0",
		Count:    64,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		b.reportError(ctx, errorsChan, fmt.Errorf("failed to reclaim pending events: %w", err))
		return true
	}

	for _, msg := range msgs {
		if !b.deliver(ctx, group, filter, msg, eventsChan, errorsChan) {
			return false
		}
	}
	return true
}

// deliver parses a stream entry and sends it to the subscriber, acking
// internally when the type filter excludes it or the entry is malformed
// (a malformed entry can never be handled, so redelivering it forever would
// wedge the subscriber). Returns false when the context is done.
func (b *Bus) deliver(ctx context.Context, group string, filter eventTypeFilter, msg redis.XMessage, eventsChan chan<- *Event, errorsChan chan<- error) bool {
	stream := StreamKey(b.instanceName)

	e, err := eventFromMessage(msg)
	if err != nil {
		b.rdb.XAck(ctx, stream, group, msg.ID)
		b.reportError(ctx, errorsChan, err)
		return ctx.Err() == nil
	}

	if !filter.matches(e.Type) {
		b.rdb.XAck(ctx, stream, group, msg.ID)
		return ctx.Err() == nil
	}

	select {
	case eventsChan <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bus) reportError(ctx context.Context, errorsChan chan<- error, err error) {
	select {
	case errorsChan <- err:
	case <-ctx.Done():
	}
}

// eventFromMessage decodes the event envelope out of a stream entry.
func eventFromMessage(msg redis.XMessage) (*Event, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no event field", msg.ID)
	}

	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event from entry %s: %w", msg.ID, err)
	}
	e.StreamID = msg.ID

	return &e, nil
}

// eventTypeFilter matches event types; an empty filter matches everything.
type eventTypeFilter map[EventType]bool

func typeFilter(types []EventType) eventTypeFilter {
	if len(types) == 0 {
		return nil
	}
	f := make(eventTypeFilter, len(types))
	for _, t := range types {
		f[t] = true
	}
	return f
}

func (f eventTypeFilter) matches(t EventType) bool {
	if len(f) == 0 {
		return true
	}
	return f[t]
}

// isBusyGroup reports whether the error is Redis's BUSYGROUP response,
// meaning the consumer group already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// IsNotFound returns true if the error is a Redis "key not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
