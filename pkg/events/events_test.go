package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToTopicSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	tasks := b.Subscribe(TopicTasks)
	goals := b.Subscribe(TopicGoals)

	b.Publish(&Event{Type: EventTaskSubmitted, Topic: TopicTasks, TaskID: "t1"})

	select {
	case ev := <-tasks:
		assert.Equal(t, EventTaskSubmitted, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("task subscriber did not receive event")
	}

	select {
	case ev := <-goals:
		t.Fatalf("goal subscriber received unrelated event: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerOrderingPerSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(TopicTasks)
	for i := 0; i < 10; i++ {
		b.Publish(&Event{Type: EventTaskSubmitted, Topic: TopicTasks, TaskID: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub:
			require.Equal(t, string(rune('a'+i)), ev.TaskID)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(TopicTasks)
	// Overfill the subscriber buffer; publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventTaskSubmitted, Topic: TopicTasks})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	// The subscriber got at most its buffer's worth.
	assert.LessOrEqual(t, len(sub), cap(sub))
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(TopicAgents)
	require.Equal(t, 1, b.SubscriberCount(TopicAgents))

	b.Unsubscribe(TopicAgents, sub)
	assert.Equal(t, 0, b.SubscriberCount(TopicAgents))

	_, open := <-sub
	assert.False(t, open)
}
