package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventApplyStarted   EventType = "apply.started"
	EventApplyCompleted EventType = "apply.completed"
	EventApplyFailed    EventType = "apply.failed"

	EventNetworkCreated EventType = "network.created"
	EventNetworkRemoved EventType = "network.removed"
	EventVolumeCreated  EventType = "volume.created"
	EventVolumeRemoved  EventType = "volume.removed"

	EventServiceCreated        EventType = "service.created"
	EventServiceStarted        EventType = "service.started"
	EventServiceAlreadyRunning EventType = "service.already_running"
	EventServiceHealthy        EventType = "service.healthy"
	EventServiceFailed         EventType = "service.failed"
	EventServiceSkipped        EventType = "service.skipped"
	EventServiceRemoved        EventType = "service.removed"
)

// Event is one step of an apply or teardown
type Event struct {
	ID        string
	Type      EventType
	Project   string
	Service   string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopped     bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop delivers the events already published, then closes every
// subscriber channel. It must be called after Start.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
		delete(b.subscribers, sub)
	}
}

// Subscribe creates a new subscription
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	if b.stopped {
		close(sub)
		return sub
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event. Events published after Stop are dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
