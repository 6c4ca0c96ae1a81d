package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/repository/attempt"
)

const (
	// DefaultBaseDelay is the first retry delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the retry delay.
	DefaultMaxDelay = 5 * time.Minute
	// DefaultMaxAttempts is how many sends are tried before giving up.
	DefaultMaxAttempts = 5
	// DefaultSendTimeout bounds a single send.
	DefaultSendTimeout = 30 * time.Second
)

// errBusy is returned by step when another goroutine is sending the attempt.
var errBusy = errors.New("attempt is being sent")

// Sender delivers a notification over one channel. Errors that are not
// DeliveryErrors are treated as transient.
type Sender interface {
	Send(ctx context.Context, a *notification.Attempt) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a *notification.Attempt) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, a *notification.Attempt) error {
	return f(ctx, a)
}

// Options tunes retries and rate limits.
type Options struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration
	// MaxAttempts is how many sends are tried before giving up.
	MaxAttempts int
	// RatePerMinute caps sends per channel; zero disables the limit.
	RatePerMinute int
	// SendTimeout bounds a single send.
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}

	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = max(DefaultMaxDelay, o.BaseDelay)
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}

	return o
}

// Backoff returns the delay after the given number of failed sends.
func (o Options) Backoff(failures int) time.Duration {
	delay := o.BaseDelay

	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= o.MaxDelay {
			return o.MaxDelay
		}
	}

	return min(delay, o.MaxDelay)
}

// Dispatcher owns notification delivery.
type Dispatcher struct {
	// repo persists attempts.
	repo attempt.Repository
	// senders maps channels to their senders.
	senders map[notification.Channel]Sender
	// limiters throttle sends per channel.
	limiters map[notification.Channel]*rate.Limiter
	// opts are the effective options.
	opts Options

	// mu guards the fields below.
	mu sync.Mutex
	// inflight holds attempt ids currently being sent.
	inflight map[string]struct{}
	// timers holds the armed retry timer per attempt id.
	timers map[string]*time.Timer
	// runCtx is the context timer-driven sends log with.
	runCtx context.Context //nolint:containedctx // Timers fire outside any request.
	// stopped rejects new timers after Stop.
	stopped bool
	// wg tracks timer-driven sends.
	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Channels without a sender fail
// permanently.
func NewDispatcher(repo attempt.Repository, senders map[notification.Channel]Sender, opts Options) *Dispatcher {
	opts = opts.withDefaults()

	d := &Dispatcher{
		repo:     repo,
		senders:  senders,
		limiters: make(map[notification.Channel]*rate.Limiter, len(senders)),
		opts:     opts,
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		runCtx:   context.Background(),
	}

	if opts.RatePerMinute > 0 {
		for channel := range senders {
			d.limiters[channel] = rate.NewLimiter(
				rate.Limit(float64(opts.RatePerMinute)/time.Minute.Seconds()),
				max(1, opts.RatePerMinute/10),
			)
		}
	}

	return d
}

// Start re-arms persisted attempts. Timer-driven sends log through ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = context.WithoutCancel(ctx)
	d.mu.Unlock()

	return d.Resume(ctx)
}

// Stop disarms pending timers and waits for in-flight sends to finish. Sends
// are not cancelled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true

	for id, timer := range d.timers {
		if timer.Stop() {
			d.wg.Done()
		}

		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Enqueue persists a new attempt and schedules its first send. Replaying a
// known id never resets it: a terminal attempt is left alone and a pending
// one is re-armed at its stored retry time.
func (d *Dispatcher) Enqueue(ctx context.Context, a *notification.Attempt) error {
	if !a.Channel.Valid() {
		return errs.NewValidationError("notification", "unknown channel "+string(a.Channel))
	}

	now := time.Now().UTC()

	stored, err := d.repo.Get(ctx, a.ID)

	switch {
	case err == nil && stored.Status.Terminal():
		logger.DebugKV(ctx, "Notification replay ignored", "attempt_id", a.ID, "status", stored.Status)

		return nil
	case err == nil:
		d.schedule(stored.ID, max(0, stored.NextRetryAt.Sub(now)))

		return nil
	case !errs.IsNotFound(err):
		return fmt.Errorf("get attempt: %w", err)
	}

	a = a.Clone()
	a.Status = notification.StatusPending
	a.AttemptCount = 0
	a.NextRetryAt = now

	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	a.UpdatedAt = now

	if err = d.repo.Save(ctx, a); err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}

	logger.DebugKV(ctx, "Notification enqueued", "attempt_id", a.ID, "alarm_id", a.AlarmID, "channel", a.Channel)
	d.schedule(a.ID, 0)

	return nil
}

// Resume schedules every persisted non-terminal attempt at its retry time.
func (d *Dispatcher) Resume(ctx context.Context) error {
	pending, err := d.repo.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending attempts: %w", err)
	}

	now := time.Now()

	for _, a := range pending {
		d.schedule(a.ID, max(0, a.NextRetryAt.Sub(now)))
	}

	if len(pending) > 0 {
		logger.InfoKV(ctx, "Notification retries resumed", "attempts", len(pending))
	}

	return nil
}

// Dispatch sends the attempt synchronously, retrying with backoff, and
// returns its terminal status. A persisted attempt that is already terminal
// is returned untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, a *notification.Attempt) (notification.Status, error) {
	if _, err := d.repo.Get(ctx, a.ID); errs.IsNotFound(err) {
		if err = d.repo.Save(ctx, a.Clone()); err != nil {
			return a.Status, fmt.Errorf("save attempt: %w", err)
		}
	}

	for {
		current, delay, err := d.step(ctx, a.ID)

		switch {
		case errors.Is(err, errBusy):
			delay = d.opts.BaseDelay
		case err != nil:
			return current, err
		case current.Terminal():
			return current, nil
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return current, ctx.Err()
		case <-timer.C:
		}
	}
}

// History returns the attempts made for an alarm.
func (d *Dispatcher) History(ctx context.Context, alarmID string) ([]*notification.Attempt, error) {
	return d.repo.ListByAlarm(ctx, alarmID)
}

// schedule arms the retry timer of an attempt, replacing an older one.
func (d *Dispatcher) schedule(id string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if previous, ok := d.timers[id]; ok && previous.Stop() {
		d.wg.Done()
	}

	d.wg.Add(1)

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.timers[id] == timer {
			delete(d.timers, id)
		}

		ctx := d.runCtx
		d.mu.Unlock()

		d.fire(ctx, id)
	})

	d.timers[id] = timer
}

func (d *Dispatcher) fire(ctx context.Context, id string) {
	current, delay, err := d.step(ctx, id)

	switch {
	case errors.Is(err, errBusy):
		return
	case errs.IsNotFound(err):
		logger.WarnKV(ctx, "Notification attempt disappeared", "attempt_id", id)
	case err != nil:
		logger.ErrorKV(ctx, "Notification step failed", "attempt_id", id, "error", err)
		d.schedule(id, d.opts.MaxDelay)
	case !current.Terminal():
		d.schedule(id, delay)
	}
}

// step performs one send of a non-terminal attempt and persists the outcome.
// It returns the new status and, for failed sends, the delay before the next.
func (d *Dispatcher) step(ctx context.Context, id string) (notification.Status, time.Duration, error) {
	if !d.claim(id) {
		return "", 0, errBusy
	}

	defer d.release(id)

	a, err := d.repo.Get(ctx, id)
	if err != nil {
		return "", 0, fmt.Errorf("load attempt: %w", err)
	}

	if a.Status.Terminal() {
		return a.Status, 0, nil
	}

	if limiter, ok := d.limiters[a.Channel]; ok {
		if err = limiter.Wait(ctx); err != nil {
			return a.Status, 0, fmt.Errorf("wait for %s rate limit: %w", a.Channel, err)
		}
	}

	sendErr := d.send(ctx, a)
	now := time.Now().UTC()

	a.AttemptCount++
	a.UpdatedAt = now

	var delay time.Duration

	switch {
	case sendErr == nil:
		a.Status = notification.StatusSent
		a.LastError = ""
	case errs.IsRetryable(sendErr) && a.AttemptCount < d.opts.MaxAttempts:
		delay = d.opts.Backoff(a.AttemptCount)
		a.Status = notification.StatusFailed
		a.LastError = sendErr.Error()
		a.NextRetryAt = now.Add(delay)
	default:
		a.Status = notification.StatusExhausted
		a.LastError = sendErr.Error()
	}

	if err = d.repo.Save(ctx, a); err != nil {
		logger.ErrorKV(ctx, "Failed to persist notification attempt",
			"attempt_id", a.ID, "alarm_id", a.AlarmID, "channel", a.Channel, "error", err)

		return a.Status, delay, fmt.Errorf("save attempt: %w", err)
	}

	switch a.Status {
	case notification.StatusSent:
		logger.InfoKV(ctx, "Notification sent",
			"attempt_id", a.ID, "alarm_id", a.AlarmID, "channel", a.Channel, "attempts", a.AttemptCount)
	case notification.StatusFailed:
		logger.WarnKV(ctx, "Notification failed, will retry",
			"attempt_id", a.ID, "alarm_id", a.AlarmID, "channel", a.Channel,
			"attempts", a.AttemptCount, "retry_in", delay, "error", sendErr)
	case notification.StatusExhausted:
		exhaustedTotal.WithLabelValues(string(a.Channel)).Inc()
		logger.ErrorKV(ctx, "Notification exhausted",
			"attempt_id", a.ID, "alarm_id", a.AlarmID, "channel", a.Channel,
			"attempts", a.AttemptCount, "error", sendErr)
	case notification.StatusPending:
	}

	return a.Status, delay, nil
}

func (d *Dispatcher) send(ctx context.Context, a *notification.Attempt) error {
	sender, ok := d.senders[a.Channel]
	if !ok {
		return errs.NewDeliveryError(string(a.Channel), false, errors.New("channel is not configured"))
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.SendTimeout)
	defer cancel()

	started := time.Now()
	err := sender.Send(sendCtx, a)

	sendDuration.WithLabelValues(string(a.Channel)).Observe(time.Since(started).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}

	sendTotal.WithLabelValues(string(a.Channel), result).Inc()

	return err
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.inflight[id]; busy {
		return false
	}

	d.inflight[id] = struct{}{}

	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, id)
}
