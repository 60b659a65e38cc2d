package events

import (
	"testing"
	"time"

	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/arbor"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(arbor.NewLogger(), 16, 0, nil)
}

func TestSubscribeDeliversConnectionEventFirst(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	sub := b.Subscribe("job-1")

	select {
	case event := <-sub.Events:
		if event.Type != models.EventConnection {
			t.Errorf("first event is %s, want connection", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no connection event delivered")
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	sub := b.Subscribe("job-1")
	<-sub.Events // connection

	b.Publish(&models.Event{
		Type:    models.EventStatusChange,
		ID:      "job-1",
		Payload: models.StatusChangePayload{Status: models.JobStatusProcessing},
	})

	select {
	case event := <-sub.Events:
		if event.Type != models.EventStatusChange {
			t.Errorf("got %s, want status_change", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTerminalEventClosesStream(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	sub := b.Subscribe("job-1")
	<-sub.Events // connection

	b.Publish(&models.Event{
		Type:     models.EventCompleted,
		ID:       "job-1",
		Payload:  models.CompletedPayload{},
		Terminal: true,
	})

	// Terminal event arrives, then the channel closes
	event, open := <-sub.Events
	if !open {
		t.Fatal("channel closed before delivering terminal event")
	}
	if event.Type != models.EventCompleted {
		t.Errorf("got %s, want completed", event.Type)
	}

	select {
	case _, open := <-sub.Events:
		if open {
			t.Error("received event after terminal, stream should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestResubscribeReplacesPriorStream(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	first := b.Subscribe("job-1")
	<-first.Events // connection

	second := b.Subscribe("job-1")

	// The first subscriber's channel closes so its handler unwinds
	select {
	case _, open := <-first.Events:
		if open {
			t.Error("first subscription still receiving after replacement")
		}
	case <-time.After(time.Second):
		t.Fatal("first subscription not closed on replacement")
	}

	// Unsubscribing the stale handle must not tear down the new stream
	b.Unsubscribe(first)

	b.Publish(&models.Event{Type: models.EventStatusChange, ID: "job-1"})
	<-second.Events // connection
	select {
	case event := <-second.Events:
		if event.Type != models.EventStatusChange {
			t.Errorf("got %s, want status_change", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("replacement subscriber did not receive event")
	}
}

func TestPublishWithoutSubscriberIsNoOp(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	// Must not panic or block
	b.Publish(&models.Event{Type: models.EventCompleted, ID: "nobody", Terminal: true})
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := NewBroadcaster(arbor.NewLogger(), 1, 0, nil)
	defer b.Close()

	sub := b.Subscribe("job-1")
	_ = sub // intentionally never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(&models.Event{Type: models.EventStatusChange, ID: "job-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestLifetimeCeilingClosesStream(t *testing.T) {
	b := NewBroadcaster(arbor.NewLogger(), 16, 50*time.Millisecond, nil)
	defer b.Close()

	sub := b.Subscribe("job-1")
	<-sub.Events // connection

	select {
	case _, open := <-sub.Events:
		if open {
			t.Error("unexpected event before lifetime expiry")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed at lifetime ceiling")
	}
}

func TestCloseStream(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	sub := b.Subscribe("job-1")
	<-sub.Events // connection

	b.CloseStream("job-1")

	select {
	case _, open := <-sub.Events:
		if open {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("CloseStream did not close the channel")
	}
}
