package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventQuotaBanned, Message: "grant-1 banned"})

	select {
	case e := <-sub:
		require.Equal(t, EventQuotaBanned, e.Type)
		require.Equal(t, "grant-1 banned", e.Message)
		assert.False(t, e.Timestamp.IsZero(), "expected Publish to stamp a non-zero Timestamp")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBrokerBroadcastsToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	defer b.Unsubscribe(subA)
	subB := b.Subscribe()
	defer b.Unsubscribe(subB)

	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventNodeJoined, Message: "node-b joined"})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case e := <-sub:
			assert.Equal(t, EventNodeJoined, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast event")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok, "expected channel to be closed after Unsubscribe")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerBroadcastDropsOnFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe() // buffered 50, never drained below
	defer b.Unsubscribe(sub)

	for i := 0; i < 80; i++ {
		b.Publish(&Event{Type: EventHealthDegraded})
	}
	// give the broadcast loop time to drain eventCh into sub's buffer.
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, sub, 50, "buffer cap, rest dropped")
}
