package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/domain/rule"
	"github.com/oshokin/overwatch/internal/logger"
	eventrepo "github.com/oshokin/overwatch/internal/repository/event"
	"github.com/oshokin/overwatch/internal/service/rules"
)

const (
	// DefaultWorkers is the size of the asynchronous worker pool.
	DefaultWorkers = 4
	// DefaultQueueSize bounds jobs waiting for a worker.
	DefaultQueueSize = 1024
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline is stopped")

//nolint:gochecknoglobals // Prometheus collectors are registered once per process.
var (
	submitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "events_submitted_total",
		Help:      "Submitted events by result.",
	}, []string{"result"})
	failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "pipeline_failures_total",
		Help:      "Unrecoverable pipeline failures by stage.",
	}, []string{"stage"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "overwatch",
		Name:      "pipeline_queue_depth",
		Help:      "Jobs waiting for an asynchronous worker.",
	})
)

// EventStore persists events.
type EventStore interface {
	Append(ctx context.Context, e *event.Event) (*event.Event, error)
}

// Correlator assigns persisted events to alarms.
type Correlator interface {
	Correlate(ctx context.Context, e *event.Event) (*alarm.Alarm, bool, error)
}

// Evaluator runs the rule set.
type Evaluator interface {
	Evaluate(ctx context.Context, subject rule.Subject) []rules.Firing
}

// Broadcaster pushes events to live subscribers.
type Broadcaster interface {
	PublishEvent(e *event.Event)
}

// Result is what Submit reports back to the caller.
type Result struct {
	// Event is the persisted event.
	Event *event.Event `json:"event"`
	// Alarm is the alarm the event was correlated into.
	Alarm *alarm.Alarm `json:"alarm"`
	// Created is set when the event opened a new alarm.
	Created bool `json:"created"`
}

// job is one unit of asynchronous work.
type job struct {
	// ctx carries the submitter's logger fields, detached from cancellation.
	ctx     context.Context //nolint:containedctx // Jobs outlive the request.
	subject rule.Subject
}

// Pipeline processes submitted events.
type Pipeline struct {
	// store persists events.
	store EventStore
	// correlator assigns events to alarms.
	correlator Correlator
	// rules evaluates the rule set.
	rules Evaluator
	// broadcaster pushes events to subscribers.
	broadcaster Broadcaster
	// workers is the pool size.
	workers int
	// queue feeds the pool.
	queue chan job

	// mu guards stopped and sends on queue.
	mu sync.RWMutex
	// stopped rejects new submissions.
	stopped bool
	// wg tracks workers.
	wg sync.WaitGroup
}

// New creates a pipeline. Call Start before Submit.
func New(
	store EventStore,
	correlator Correlator,
	evaluator Evaluator,
	broadcaster Broadcaster,
	workers, queueSize int,
) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Pipeline{
		store:       store,
		correlator:  correlator,
		rules:       evaluator,
		broadcaster: broadcaster,
		workers:     workers,
		queue:       make(chan job, queueSize),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Go(p.work)
	}

	logger.InfoKV(ctx, "Pipeline started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Stop rejects new submissions, lets the workers drain the queue and waits
// for them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Submit persists and correlates the event, then queues rule evaluation and
// broadcasting. Validation failures are returned as ValidationErrors and
// nothing is persisted.
func (p *Pipeline) Submit(ctx context.Context, e *event.Event) (*Result, error) {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()

	if stopped {
		return nil, ErrStopped
	}

	persisted, err := p.store.Append(ctx, e)
	if err != nil {
		var validationErr *errs.ValidationError
		if errors.As(err, &validationErr) {
			submitted.WithLabelValues("invalid").Inc()

			return nil, err
		}

		if errors.Is(err, eventrepo.ErrDuplicate) {
			submitted.WithLabelValues("duplicate").Inc()

			return nil, err
		}

		p.fail(ctx, "persist", e.ID, err)

		return nil, err
	}

	correlated, created, err := p.correlator.Correlate(ctx, persisted)
	if err != nil {
		p.fail(ctx, "correlate", persisted.ID, err)

		return &Result{Event: persisted}, fmt.Errorf("correlate event %s: %w", persisted.ID, err)
	}

	submitted.WithLabelValues("ok").Inc()

	p.enqueue(ctx, job{
		ctx: context.WithoutCancel(ctx),
		subject: rule.Subject{
			Event: persisted.Clone(),
			Alarm: correlated.Clone(),
		},
	})

	return &Result{Event: persisted, Alarm: correlated, Created: created}, nil
}

// enqueue waits for queue space unless the submitter gives up first.
func (p *Pipeline) enqueue(ctx context.Context, j job) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		logger.WarnKV(ctx, "Pipeline stopped, skipping rules and broadcast", "event_id", j.subject.Event.ID)

		return
	}

	select {
	case p.queue <- j:
		queueDepth.Inc()
	case <-ctx.Done():
		failures.WithLabelValues("enqueue").Inc()
		logger.ErrorKV(ctx, "Pipeline queue full, skipping rules and broadcast",
			"event_id", j.subject.Event.ID, "error", ctx.Err())
	}
}

func (p *Pipeline) work() {
	for j := range p.queue {
		queueDepth.Dec()
		p.process(j)
	}
}

func (p *Pipeline) process(j job) {
	if p.broadcaster != nil {
		p.broadcaster.PublishEvent(j.subject.Event)
	}

	if p.rules == nil {
		return
	}

	for _, firing := range p.rules.Evaluate(j.ctx, j.subject) {
		if firing.Err != nil {
			failures.WithLabelValues("rules").Inc()
		}
	}
}

// fail reports an unrecoverable failure on the operational path.
func (p *Pipeline) fail(ctx context.Context, stage, eventID string, err error) {
	submitted.WithLabelValues("error").Inc()
	failures.WithLabelValues(stage).Inc()
	logger.ErrorKV(ctx, "Event pipeline failure", "stage", stage, "event_id", eventID, "error", err)
}
