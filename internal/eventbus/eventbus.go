// Package eventbus fans engine events out to in-process subscribers and
// optionally mirrors them across processes over a single Redis pub/sub
// channel.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
)

// Mode selects inline-only or redis-mirrored operation.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeRedis  Mode = "redis"
)

const DefaultChannel = "apphub:events"

// Handler receives events delivered by the bus.
type Handler func(ctx context.Context, event core.Event)

// Sampler observes published events carrying workflow metadata. The
// sampling rows feed workflow_event_producer_samples.
type Sampler interface {
	RecordProducerSample(ctx context.Context, meta core.WorkflowEventMetadata, eventType string, observedAt time.Time) error
}

// envelope is the cross-process wire format. Origin identifies the sender
// so subscribers can drop their own messages.
type envelope struct {
	Origin string     `json:"origin"`
	Event  core.Event `json:"event"`
}

// Bus is the process-local publish/subscribe fan-out. The engine never
// blocks on the external broker: when Redis is unreachable the bus logs
// once and keeps delivering inline.
type Bus struct {
	origin  string
	channel string
	client  redis.UniversalClient
	sampler Sampler

	mu          sync.RWMutex
	subscribers map[int]Handler
	nextSubID   int

	degraded atomic.Bool
	degradeOnce sync.Once

	stop   chan struct{}
	doneWG sync.WaitGroup
}

type Option func(*Bus)

// WithRedis mirrors events over the given client and channel.
func WithRedis(client redis.UniversalClient, channel string) Option {
	return func(b *Bus) {
		b.client = client
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithSampler records per-producer sampling rows on publish.
func WithSampler(s Sampler) Option {
	return func(b *Bus) {
		b.sampler = s
	}
}

// New creates a bus with a fresh origin (process id + nonce).
func New(opts ...Option) *Bus {
	b := &Bus{
		origin:      uuid.NewString(),
		channel:     DefaultChannel,
		subscribers: map[int]Handler{},
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the bus's origin label.
func (b *Bus) Origin() string { return b.origin }

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Publish delivers the event to local subscribers and mirrors it to the
// broker when configured. Broker failures degrade to inline-only.
func (b *Bus) Publish(ctx context.Context, event core.Event) {
	if event.Source == "" {
		event.Source = b.origin
	}
	b.deliver(ctx, event)
	b.sample(ctx, event)

	if b.client == nil || b.degraded.Load() {
		return
	}
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		logger.Error(ctx, "failed to encode event envelope", "err", err, "type", event.Type)
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.degrade(ctx, err)
	}
}

// Start runs the cross-process subscription loop until Stop or context
// cancellation. Inline-only buses return immediately.
func (b *Bus) Start(ctx context.Context) {
	if b.client == nil {
		return
	}

	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		b.degrade(ctx, err)
		_ = sub.Close()
		return
	}

	b.doneWG.Add(1)
	go func() {
		defer b.doneWG.Done()
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.receive(ctx, msg.Payload)
			}
		}
	}()
}

// Stop terminates the subscription loop.
func (b *Bus) Stop() {
	close(b.stop)
	b.doneWG.Wait()
}

func (b *Bus) receive(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Error(ctx, "failed to decode event envelope", "err", err)
		return
	}
	// Drop our own messages to avoid loopback double delivery.
	if env.Origin == b.origin {
		return
	}
	b.deliver(ctx, env.Event)
}

func (b *Bus) deliver(ctx context.Context, event core.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, event)
	}
}

func (b *Bus) sample(ctx context.Context, event core.Event) {
	if b.sampler == nil {
		return
	}
	meta, ok := event.WorkflowMetadata()
	if !ok {
		return
	}
	if err := b.sampler.RecordProducerSample(ctx, meta, event.Type, event.OccurredAt); err != nil {
		logger.Debug(ctx, "failed to record producer sample", "err", err)
	}
}

func (b *Bus) degrade(ctx context.Context, err error) {
	b.degraded.Store(true)
	b.degradeOnce.Do(func() {
		logger.Warn(ctx, "event broker unreachable; continuing inline-only", "err", err, "channel", b.channel)
	})
}

// Degraded reports whether the bus has fallen back to inline-only mode.
func (b *Bus) Degraded() bool {
	return b.client == nil || b.degraded.Load()
}
