package events

import (
	"sync"
	"time"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/observability"
	"github.com/ternarybob/arbor"
)

// subscriber is the broadcaster-side state for one open stream.
type subscriber struct {
	pub      *interfaces.Subscription
	ch       chan *models.Event
	lifetime *time.Timer
}

// Broadcaster fans lifecycle events out to at most one subscriber per
// job/batch id. A resubscribe for the same id replaces the previous
// subscriber, whose channel is closed so the old handler unwinds.
//
// Publish is non-blocking: when a subscriber's buffer is full the event is
// dropped rather than stalling the publisher. The terminal event closes the
// stream, and an AfterFunc enforces the configured lifetime ceiling on
// streams that never see one.
type Broadcaster struct {
	mu          sync.Mutex
	subs        map[string]*subscriber
	bufferSize  int
	maxLifetime time.Duration
	monitor     interfaces.EventMonitor
	metrics     *observability.Metrics
	logger      arbor.ILogger
}

// NewBroadcaster creates an event broadcaster
func NewBroadcaster(logger arbor.ILogger, bufferSize int, maxLifetime time.Duration, metrics *observability.Metrics) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broadcaster{
		subs:        make(map[string]*subscriber),
		bufferSize:  bufferSize,
		maxLifetime: maxLifetime,
		metrics:     metrics,
		logger:      logger,
	}
}

// AttachMonitor registers an observer that sees every published event,
// independent of per-id subscriptions.
func (b *Broadcaster) AttachMonitor(monitor interfaces.EventMonitor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitor = monitor
}

// Subscribe registers the caller as the sole subscriber for id. Any previous
// subscription for the same id is closed. The returned channel carries an
// initial connection event before anything else.
func (b *Broadcaster) Subscribe(id string) *interfaces.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.subs[id]; ok {
		b.logger.Debug().Str("id", id).Msg("Replacing existing stream subscriber")
		b.closeLocked(prev)
		delete(b.subs, id)
	}

	sub := &subscriber{
		ch: make(chan *models.Event, b.bufferSize),
	}
	sub.pub = &interfaces.Subscription{
		ID:     id,
		Events: sub.ch,
	}

	if b.maxLifetime > 0 {
		sub.lifetime = time.AfterFunc(b.maxLifetime, func() {
			b.expire(id, sub)
		})
	}

	sub.ch <- &models.Event{
		Type: models.EventConnection,
		ID:   id,
		Payload: models.ConnectionPayload{
			ID:      id,
			Message: "stream established",
		},
		Timestamp: time.Now().UTC(),
	}

	b.subs[id] = sub
	if b.metrics != nil {
		b.metrics.ActiveStreams.Inc()
	}

	return sub.pub
}

// Unsubscribe tears down sub if it is still the active subscription for its
// id. A stale handle from before a replacement is a no-op.
func (b *Broadcaster) Unsubscribe(sub *interfaces.Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.subs[sub.ID]
	if !ok || current.pub != sub {
		return
	}
	b.closeLocked(current)
	delete(b.subs, sub.ID)
}

// Publish delivers the event to the id's subscriber, if any. Events nobody
// listens for are dropped silently; job state lives in the store, streams
// are best-effort notification.
func (b *Broadcaster) Publish(event *models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	monitor := b.monitor
	sub, ok := b.subs[event.ID]
	if ok {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().
				Str("id", event.ID).
				Str("type", string(event.Type)).
				Msg("Subscriber buffer full, dropping event")
		}

		if event.Terminal {
			b.closeLocked(sub)
			delete(b.subs, event.ID)
		}
	}
	b.mu.Unlock()

	if monitor != nil {
		monitor.ObserveEvent(event)
	}
}

// CloseStream force-closes the stream for id. Used by the cleanup sweep when
// a terminal record is evicted.
func (b *Broadcaster) CloseStream(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		b.closeLocked(sub)
		delete(b.subs, id)
	}
}

// Close tears down every open stream (shutdown path).
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		b.closeLocked(sub)
		delete(b.subs, id)
	}
}

// expire enforces the lifetime ceiling for one subscriber.
func (b *Broadcaster) expire(id string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.subs[id]
	if !ok || current != target {
		return
	}
	b.logger.Debug().Str("id", id).Msg("Stream lifetime ceiling reached, closing")
	b.closeLocked(current)
	delete(b.subs, id)
}

func (b *Broadcaster) closeLocked(sub *subscriber) {
	if sub.lifetime != nil {
		sub.lifetime.Stop()
	}
	close(sub.ch)
	if b.metrics != nil {
		b.metrics.ActiveStreams.Dec()
	}
}
