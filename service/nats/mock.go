package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher and Subscriber for testing.
// Published events are delivered to every live subscription for their mode.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*SettlementEvent
	publishError    error
	subscribers     map[int]mockSubscription
	nextID          int
	closed          bool
}

type mockSubscription struct {
	ctx    context.Context
	mode   string
	events chan *SettlementEvent
}

var (
	_ Publisher  = (*MockPublisher)(nil)
	_ Subscriber = (*MockPublisher)(nil)
)

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*SettlementEvent, 0),
		subscribers:     make(map[int]mockSubscription),
	}
}

// PublishSettlement records the event, fans it out and returns any configured error.
func (m *MockPublisher) PublishSettlement(ctx context.Context, event *SettlementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	for _, sub := range m.subscribers {
		if sub.mode != "" && sub.mode != event.Mode {
			continue
		}
		select {
		case sub.events <- event:
		case <-sub.ctx.Done():
		default:
			// slow subscriber; drop like a full SSE buffer would
		}
	}
	return nil
}

// Subscribe registers a subscription that ends when ctx is done.
func (m *MockPublisher) Subscribe(ctx context.Context, mode string) (<-chan *SettlementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return nil, m.publishError
	}

	id := m.nextID
	m.nextID++
	events := make(chan *SettlementEvent, 10)
	m.subscribers[id] = mockSubscription{ctx: ctx, mode: mode, events: events}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}()

	return events, nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*SettlementEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SettlementEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsForMode returns events published for one mode.
func (m *MockPublisher) GetPublishedEventsForMode(mode string) []*SettlementEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SettlementEvent, 0)
	for _, event := range m.publishedEvents {
		if event.Mode == mode {
			events = append(events, event)
		}
	}
	return events
}

// SubscriberCount returns the number of live subscriptions.
func (m *MockPublisher) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// SetPublishError configures the mock to fail publishes and subscriptions.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*SettlementEvent, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
