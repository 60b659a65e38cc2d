package interfaces

import "github.com/ternarybob/agnosco/internal/models"

// Subscription is a live event feed for one job or batch id.
type Subscription struct {
	// ID is the job or batch identifier the subscription follows.
	ID string
	// Events delivers published events. Closed by the broadcaster when the
	// stream ends (terminal event, replacement, lifetime ceiling, shutdown).
	Events <-chan *models.Event
}

// Broadcaster fans events out to per-id subscribers.
//
// At most one subscriber exists per id; a new Subscribe for the same id
// replaces (and closes) the previous subscription. Publish never blocks:
// events a slow subscriber cannot absorb are dropped.
type Broadcaster interface {
	// Subscribe registers the caller as the sole subscriber for id and
	// queues an initial connection event.
	Subscribe(id string) *Subscription

	// Unsubscribe tears down the given subscription if it is still the
	// active one for its id.
	Unsubscribe(sub *Subscription)

	// Publish delivers the event to the id's subscriber, if any. After a
	// terminal event the stream is closed.
	Publish(event *models.Event)

	// CloseStream force-closes the stream for id (cleanup path).
	CloseStream(id string)
}

// EventMonitor observes every published event regardless of subscribers.
// The websocket monitor feed implements it.
type EventMonitor interface {
	ObserveEvent(event *models.Event)
}
