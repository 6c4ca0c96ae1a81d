package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrClosed is returned by Next once the subscription is torn down.
var ErrClosed = errors.New("subscription closed")

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	// ID identifies the subscription.
	ID string

	// mu guards the fields below.
	mu sync.Mutex
	// topics are the subscribed topics.
	topics map[string]struct{}
	// filter narrows deliveries.
	filter Filter
	// ring holds queued messages; head is the oldest, size the count.
	ring []Message
	head int
	size int
	// dropped counts messages discarded on overflow.
	dropped uint64
	// lastActivity is the last delivery or client activity.
	lastActivity time.Time
	// closed is set once the subscription is torn down.
	closed bool

	// ready is signaled when messages are queued.
	ready chan struct{}
	// done is closed on teardown.
	done chan struct{}
}

func newSubscription(id string, capacity int, topics []string, filter Filter) *Subscription {
	s := &Subscription{
		ID:           id,
		ring:         make([]Message, capacity),
		lastActivity: time.Now(),
		ready:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.set(topics, filter)

	return s
}

// Update replaces the topics and filter.
func (s *Subscription) Update(topics []string, filter Filter) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(topics, filter)
	s.lastActivity = time.Now()

	return s.topicList()
}

// Topics returns the subscribed topics.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.topicList()
}

// Filter returns the active filter.
func (s *Subscription) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter
}

// Touch records client activity such as a ping.
func (s *Subscription) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
}

// Dropped returns how many messages were discarded on overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

// Len returns the number of queued messages.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Next returns the oldest queued message, waiting until one arrives, the
// subscription is closed or the context ends.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok := s.pop(); ok {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
			// Deliver what was queued before teardown is observed as empty.
			if m, ok := s.pop(); ok {
				return m, nil
			}

			return Message{}, ErrClosed
		case <-s.ready:
		}
	}
}

// Drain removes and returns every queued message.
func (s *Subscription) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Message, 0, s.size)

	if s.size > 0 {
		s.lastActivity = time.Now()
	}

	for s.size > 0 {
		result = append(result, s.ring[s.head])
		s.ring[s.head] = Message{}
		s.head = (s.head + 1) % len(s.ring)
		s.size--
	}

	return result
}

// offer queues m when it matches. It never blocks; on overflow the oldest
// message is dropped. It reports whether m was queued and whether a message
// was dropped.
func (s *Subscription) offer(m Message) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !topicMatches(s.topics, m.Topic) || !s.filter.matches(m) {
		return false, false
	}

	dropped := false

	if s.size == len(s.ring) {
		s.ring[s.head] = Message{}
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		s.dropped++
		dropped = true
	}

	s.ring[(s.head+s.size)%len(s.ring)] = m
	s.size++

	select {
	case s.ready <- struct{}{}:
	default:
	}

	return true, dropped
}

func (s *Subscription) pop() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return Message{}, false
	}

	m := s.ring[s.head]
	s.ring[s.head] = Message{}
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	s.lastActivity = time.Now()

	return m, true
}

func (s *Subscription) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActivity.Before(cutoff)
}

// close tears the subscription down. Queued messages stay readable.
func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.closed = true
	close(s.done)

	return true
}

// set replaces topics and filter. Callers hold mu or own s exclusively.
func (s *Subscription) set(topics []string, filter Filter) {
	s.topics = make(map[string]struct{})
	for _, topic := range normalizeTopics(topics) {
		s.topics[topic] = struct{}{}
	}

	s.filter = filter
}

func (s *Subscription) topicList() []string {
	result := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		result = append(result, topic)
	}

	slices.Sort(result)

	return result
}
