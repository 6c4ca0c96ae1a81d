package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/logger"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "overwatch/automation"

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Command is the document published for a hook invocation.
type Command struct {
	// ID identifies the invocation.
	ID string `json:"id"`
	// Hook is the device family.
	Hook string `json:"hook"`
	// Command is the hook-specific command.
	Command string `json:"command,omitempty"`
	// Params are passed through from the rule.
	Params map[string]any `json:"params,omitempty"`
	// AlarmID is the alarm that triggered the hook.
	AlarmID string `json:"alarm_id,omitempty"`
	// EventID is the event that triggered the hook.
	EventID string `json:"event_id,omitempty"`
	// Tenant, Site, Area and CameraID locate the trigger.
	Tenant   string `json:"tenant,omitempty"`
	Site     string `json:"site,omitempty"`
	Area     string `json:"area,omitempty"`
	CameraID string `json:"camera_id,omitempty"`
	// IssuedAt is when the command was published.
	IssuedAt time.Time `json:"issued_at"`
}

// NewCommand builds the command document for an action and its subject.
func NewCommand(action rule.AutomateAction, subject rule.Subject) Command {
	c := Command{
		ID:       uuid.NewString(),
		Hook:     action.Hook,
		Command:  action.Command,
		Params:   action.Params,
		IssuedAt: time.Now().UTC(),
	}

	if e := subject.Event; e != nil {
		c.EventID = e.ID
		c.Tenant = e.Tenant
		c.Site = e.Site
		c.Area = e.Area
		c.CameraID = e.CameraID()
	}

	if a := subject.Alarm; a != nil {
		c.AlarmID = a.ID
	}

	return c
}

// MQTTHooks publishes hook commands to "<prefix>/<hook>/<command>".
type MQTTHooks struct {
	// publisher sends commands.
	publisher Publisher
	// prefix is the topic root.
	prefix string
}

// NewMQTTHooks creates MQTT hooks.
func NewMQTTHooks(publisher Publisher, prefix string) *MQTTHooks {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	return &MQTTHooks{publisher: publisher, prefix: prefix}
}

// Invoke implements the rules engine hook interface.
func (h *MQTTHooks) Invoke(ctx context.Context, action rule.AutomateAction, subject rule.Subject) error {
	command := NewCommand(action, subject)

	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", action.Name(), err)
	}

	topic := h.Topic(action)

	if err = h.publisher.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s command: %w", action.Name(), err)
	}

	logger.InfoKV(ctx, "Automation hook invoked", "hook", action.Name(), "topic", topic, "command_id", command.ID)

	return nil
}

// Topic returns the topic an action is published on.
func (h *MQTTHooks) Topic(action rule.AutomateAction) string {
	if action.Command == "" {
		return h.prefix + "/" + action.Hook
	}

	return h.prefix + "/" + action.Hook + "/" + action.Command
}

// LogHooks only records invocations. It is used when no MQTT broker is
// configured.
type LogHooks struct{}

// Invoke implements the rules engine hook interface.
func (LogHooks) Invoke(ctx context.Context, action rule.AutomateAction, subject rule.Subject) error {
	command := NewCommand(action, subject)

	logger.InfoKV(ctx, "Automation hook requested",
		"hook", action.Name(), "alarm_id", command.AlarmID, "event_id", command.EventID, "params", action.Params)

	return nil
}
