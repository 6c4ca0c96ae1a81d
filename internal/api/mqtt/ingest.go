package mqtt

import (
	"context"
	"fmt"
	"strings"

	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/service/pipeline"
)

// Submitter abstracts the pipeline the ingestor feeds.
type Submitter interface {
	Submit(ctx context.Context, e *event.Event) (*pipeline.Result, error)
}

// Ingestor turns sensor messages into submitted events.
//
// Sensors publish to <prefix> or <prefix>/<tenant>/<site>[/<source_id>]; the
// topic segments fill the fields the payload leaves blank.
type Ingestor struct {
	// submitter receives decoded events.
	submitter Submitter
	// prefix is the configured ingest topic.
	prefix string
}

// NewIngestor creates an ingestor for topics under prefix.
func NewIngestor(submitter Submitter, prefix string) *Ingestor {
	return &Ingestor{
		submitter: submitter,
		prefix:    strings.TrimSuffix(prefix, "/"),
	}
}

// Topic is the subscription filter covering the prefix and everything under it.
func (i *Ingestor) Topic() string {
	return i.prefix + "/#"
}

// Handle decodes and submits one message. It implements MessageHandler.
func (i *Ingestor) Handle(ctx context.Context, topic string, payload []byte) error {
	e, err := event.DecodeJSON(payload)
	if err != nil {
		return fmt.Errorf("decode message on %s: %w", topic, err)
	}

	i.fillFromTopic(e, topic)

	if e.SourceType == "" {
		e.SourceType = "mqtt"
	}

	result, err := i.submitter.Submit(ctx, e)
	if err != nil {
		return fmt.Errorf("submit message on %s: %w", topic, err)
	}

	logger.DebugKV(ctx, "MQTT event submitted",
		"topic", topic,
		"event_id", result.Event.ID,
		"created", result.Created,
	)

	return nil
}

func (i *Ingestor) fillFromTopic(e *event.Event, topic string) {
	rest, found := strings.CutPrefix(topic, i.prefix)
	if !found {
		return
	}

	segments := strings.Split(strings.Trim(rest, "/"), "/")
	targets := []*string{&e.Tenant, &e.Site, &e.SourceID}

	for index, segment := range segments {
		if index >= len(targets) {
			break
		}

		if *targets[index] == "" {
			*targets[index] = segment
		}
	}
}
