package events

import (
	"sync"
	"time"
)

// Topic groups related event types for subscription.
type Topic string

const (
	TopicTasks  Topic = "tasks"
	TopicGoals  Topic = "goals"
	TopicAgents Topic = "agents"
	TopicHub    Topic = "hub"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskSubmitted    EventType = "task.submitted"
	EventTaskAssigned     EventType = "task.assigned"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskDeadLettered EventType = "task.dead_lettered"
	EventTaskRequeued     EventType = "task.requeued"

	EventGoalSubmitted    EventType = "goal.submitted"
	EventGoalTransitioned EventType = "goal.transitioned"
	EventGoalDeleted      EventType = "goal.deleted"

	EventAgentConnected    EventType = "agent.connected"
	EventAgentDisconnected EventType = "agent.disconnected"
	EventAgentIdle         EventType = "agent.idle"

	EventHubTransitioned   EventType = "hub.transitioned"
	EventHubWatchdogFired  EventType = "hub.watchdog_timeout"
	EventHubHealingStarted EventType = "hub.healing_started"
	EventAlertFired        EventType = "hub.alert_fired"
)

// Event represents a hub event
type Event struct {
	ID        string
	Type      EventType
	Topic     Topic
	Timestamp time.Time
	TaskID    string
	GoalID    string
	AgentID   string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages per-topic event subscriptions and distribution.
// Delivery is at-most-once: a subscriber with a full buffer misses the
// event rather than blocking the publisher.
type Broker struct {
	subscribers map[Topic]map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Topic]map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription to a topic and returns a channel
func (b *Broker) Subscribe(topic Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[Subscriber]bool)
	}
	b.subscribers[topic][sub] = true
	return sub
}

// Unsubscribe removes a subscription from a topic
func (b *Broker) Unsubscribe(topic Topic, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[topic]; ok {
		if subs[sub] {
			delete(subs, sub)
			close(sub)
		}
	}
}

// Publish publishes an event to all subscribers of its topic
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.Topic] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers on a topic
func (b *Broker) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
