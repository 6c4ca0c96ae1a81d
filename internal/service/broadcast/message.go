package broadcast

import (
	"slices"
	"strings"
	"time"
)

// Topics.
const (
	// TopicEvents carries every persisted event.
	TopicEvents = "events"
	// TopicAlarms carries alarm updates.
	TopicAlarms = "alarms"
	// TopicStreams subscribes to every "stream:<camera_id>" topic.
	TopicStreams = "streams"
	// streamPrefix prefixes per-camera stream topics.
	streamPrefix = "stream:"
)

// Message types pushed to subscribers.
const (
	// TypeEvent wraps an event.
	TypeEvent = "event"
	// TypeAlarmUpdate wraps an alarm snapshot.
	TypeAlarmUpdate = "alarm_update"
	// TypeStreamStatus wraps a stream pipeline status report.
	TypeStreamStatus = "stream_status"
)

// DefaultTopics are used when a subscriber names none.
func DefaultTopics() []string {
	return []string{TopicEvents, TopicAlarms, TopicStreams}
}

// StreamTopic returns the topic of a camera stream.
func StreamTopic(cameraID string) string {
	return streamPrefix + cameraID
}

// Message is one broadcast.
type Message struct {
	// Type is the message kind.
	Type string `json:"type"`
	// Topic is what subscriptions match against.
	Topic string `json:"topic"`
	// Action qualifies alarm updates (created, updated, transitioned...).
	Action string `json:"action,omitempty"`
	// Tenant is used by subscription filters.
	Tenant string `json:"tenant,omitempty"`
	// Site is used by subscription filters.
	Site string `json:"site,omitempty"`
	// CameraID is used by subscription filters.
	CameraID string `json:"camera_id,omitempty"`
	// Data is the payload.
	Data any `json:"data"`
	// Timestamp is when the message was published.
	Timestamp time.Time `json:"timestamp"`
	// Origin is the node that published the message; set by relays.
	Origin string `json:"origin,omitempty"`
}

// Filter narrows a subscription. Empty fields match everything. The camera
// filter only applies to messages that carry a camera id.
type Filter struct {
	// Tenant matches the message tenant.
	Tenant string `json:"tenant,omitempty"`
	// Site matches the message site.
	Site string `json:"site,omitempty"`
	// Camera matches the message camera id.
	Camera string `json:"camera,omitempty"`
}

func (f Filter) matches(m Message) bool {
	switch {
	case f.Tenant != "" && m.Tenant != f.Tenant:
		return false
	case f.Site != "" && m.Site != f.Site:
		return false
	case f.Camera != "" && m.CameraID != "" && m.CameraID != f.Camera:
		return false
	default:
		return true
	}
}

// normalizeTopics trims, drops empties and duplicates, and applies defaults.
func normalizeTopics(topics []string) []string {
	result := make([]string, 0, len(topics))

	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic != "" && !slices.Contains(result, topic) {
			result = append(result, topic)
		}
	}

	if len(result) == 0 {
		return DefaultTopics()
	}

	return result
}

func topicMatches(subscribed map[string]struct{}, topic string) bool {
	if _, ok := subscribed[topic]; ok {
		return true
	}

	if strings.HasPrefix(topic, streamPrefix) {
		_, ok := subscribed[TopicStreams]

		return ok
	}

	return false
}
