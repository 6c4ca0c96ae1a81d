package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/notification"
	"github.com/oshokin/overwatch/internal/repository/attempt"
)

// scriptedSender fails the first failures sends with err.
type scriptedSender struct {
	mu       sync.Mutex
	failures int
	err      error
	sent     []string
}

func (s *scriptedSender) Send(_ context.Context, a *notification.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures != 0 {
		s.failures--

		return s.err
	}

	s.sent = append(s.sent, a.ID)

	return nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sent)
}

func newTestAttempt(id string) *notification.Attempt {
	return &notification.Attempt{
		ID:      id,
		AlarmID: "a-1",
		RuleID:  "intrusion",
		Channel: notification.ChannelWebhook,
		Payload: notification.Payload{Subject: "[major] Intrusion", Message: "intrusion at hq"},
		Status:  notification.StatusPending,
	}
}

var errTransient = errors.New("connection reset")

func TestBackoff(t *testing.T) {
	t.Parallel()

	opts := Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	var delays []time.Duration
	for failures := 1; failures <= 6; failures++ {
		delays = append(delays, opts.Backoff(failures))
	}

	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, delays)
}

func TestDispatchRetriesUntilSent(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := &scriptedSender{failures: 2, err: errTransient}
		repo := attempt.NewMemoryRepository()
		d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender},
			Options{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5})

		started := time.Now()

		status, err := d.Dispatch(ctx, newTestAttempt("n-1"))
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, status)
		require.Equal(t, 3*time.Second, time.Since(started))

		stored, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, 3, stored.AttemptCount)
		require.Empty(t, stored.LastError)
	})
}

func TestDispatchExhausts(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := &scriptedSender{failures: -1, err: errTransient}
		repo := attempt.NewMemoryRepository()
		d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender},
			Options{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3})

		status, err := d.Dispatch(ctx, newTestAttempt("n-1"))
		require.NoError(t, err)
		require.Equal(t, notification.StatusExhausted, status)

		stored, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, 3, stored.AttemptCount)
		require.Contains(t, stored.LastError, "connection reset")
		require.Zero(t, sender.count())
	})
}

func TestDispatchPermanentFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sender := &scriptedSender{
		failures: 1,
		err:      errs.NewDeliveryError("webhook", false, errors.New("unexpected status 400")),
	}
	repo := attempt.NewMemoryRepository()
	d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender}, Options{})

	status, err := d.Dispatch(ctx, newTestAttempt("n-1"))
	require.NoError(t, err)
	require.Equal(t, notification.StatusExhausted, status)

	stored, err := repo.Get(ctx, "n-1")
	require.NoError(t, err)
	require.Equal(t, 1, stored.AttemptCount)
}

func TestDispatchUnconfiguredChannel(t *testing.T) {
	t.Parallel()

	a := newTestAttempt("n-1")
	a.Channel = notification.ChannelSMS
	a.Target = "+15550100"

	d := NewDispatcher(attempt.NewMemoryRepository(), map[notification.Channel]Sender{}, Options{})

	status, err := d.Dispatch(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, notification.StatusExhausted, status)
}

func TestSentReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := new(scriptedSender)
		repo := attempt.NewMemoryRepository()
		d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender}, Options{})

		status, err := d.Dispatch(ctx, newTestAttempt("n-1"))
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, status)

		before, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)

		status, err = d.Dispatch(ctx, newTestAttempt("n-1"))
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, status)

		require.NoError(t, d.Resume(ctx))
		time.Sleep(time.Minute)
		synctest.Wait()

		after, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.Equal(t, 1, sender.count())

		d.Stop()
	})
}

func TestEnqueueReplayOfSentIsNoop(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := new(scriptedSender)
		repo := attempt.NewMemoryRepository()
		d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender}, Options{})
		require.NoError(t, d.Start(ctx))

		require.NoError(t, d.Enqueue(ctx, newTestAttempt("n-1")))
		synctest.Wait()

		before, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, before.Status)
		require.Equal(t, 1, before.AttemptCount)

		require.NoError(t, d.Enqueue(ctx, newTestAttempt("n-1")))
		time.Sleep(time.Minute)
		synctest.Wait()

		after, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.Equal(t, 1, sender.count())

		d.Stop()
	})
}

func TestEnqueueReplayKeepsRetrySchedule(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := &scriptedSender{failures: 1, err: errTransient}
		repo := attempt.NewMemoryRepository()
		d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender},
			Options{BaseDelay: 10 * time.Second, MaxDelay: time.Minute})
		require.NoError(t, d.Start(ctx))

		require.NoError(t, d.Enqueue(ctx, newTestAttempt("n-1")))
		synctest.Wait()

		require.NoError(t, d.Enqueue(ctx, newTestAttempt("n-1")))
		synctest.Wait()

		stored, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusFailed, stored.Status)
		require.Equal(t, 1, stored.AttemptCount)
		require.Equal(t, 1, sender.count())

		time.Sleep(10 * time.Second)
		synctest.Wait()

		stored, err = repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, stored.Status)
		require.Equal(t, 2, stored.AttemptCount)
		require.Equal(t, 2, sender.count())

		d.Stop()
	})
}

func TestEnqueueRetriesOnTimer(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := &scriptedSender{failures: 1, err: errTransient}
		repo := attempt.NewMemoryRepository()
		d := NewDispatcher(repo, map[notification.Channel]Sender{notification.ChannelWebhook: sender},
			Options{BaseDelay: 2 * time.Second, MaxDelay: time.Minute})
		require.NoError(t, d.Start(ctx))

		require.NoError(t, d.Enqueue(ctx, newTestAttempt("n-1")))
		synctest.Wait()

		stored, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusFailed, stored.Status)
		require.Equal(t, 1, stored.AttemptCount)

		time.Sleep(2 * time.Second)
		synctest.Wait()

		stored, err = repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, stored.Status)

		history, err := d.History(ctx, "a-1")
		require.NoError(t, err)
		require.Len(t, history, 1)

		d.Stop()
	})
}

func TestResumeAfterRestart(t *testing.T) {
	t.Parallel()

	journal := filepath.Join(t.TempDir(), "attempts.json")

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		opts := Options{BaseDelay: 10 * time.Second, MaxDelay: time.Minute}

		firstRepo := attempt.NewFileRepository(journal)
		require.NoError(t, firstRepo.Load(ctx))

		failing := &scriptedSender{failures: -1, err: errTransient}
		first := NewDispatcher(firstRepo, map[notification.Channel]Sender{notification.ChannelWebhook: failing}, opts)
		require.NoError(t, first.Start(ctx))
		require.NoError(t, first.Enqueue(ctx, newTestAttempt("n-1")))
		synctest.Wait()
		first.Stop()

		secondRepo := attempt.NewFileRepository(journal)
		require.NoError(t, secondRepo.Load(ctx))

		stored, err := secondRepo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusFailed, stored.Status)

		working := new(scriptedSender)
		second := NewDispatcher(secondRepo, map[notification.Channel]Sender{notification.ChannelWebhook: working}, opts)
		require.NoError(t, second.Start(ctx))

		time.Sleep(9 * time.Second)
		synctest.Wait()
		require.Zero(t, working.count(), "retry waits for its persisted time")

		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, 1, working.count())

		stored, err = secondRepo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.Equal(t, notification.StatusSent, stored.Status)
		require.Equal(t, 2, stored.AttemptCount)

		second.Stop()
	})
}

func TestRateLimitPerChannel(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		sender := new(scriptedSender)
		d := NewDispatcher(attempt.NewMemoryRepository(),
			map[notification.Channel]Sender{notification.ChannelWebhook: sender},
			Options{RatePerMinute: 60})

		started := time.Now()

		for _, id := range []string{"n-1", "n-2", "n-3", "n-4", "n-5", "n-6", "n-7"} {
			status, err := d.Dispatch(ctx, newTestAttempt(id))
			require.NoError(t, err)
			require.Equal(t, notification.StatusSent, status)
		}

		require.Equal(t, time.Second, time.Since(started))
		require.Equal(t, 7, sender.count())
	})
}

func TestEnqueueRejectsUnknownChannel(t *testing.T) {
	t.Parallel()

	a := newTestAttempt("n-1")
	a.Channel = "carrier_pigeon"

	d := NewDispatcher(attempt.NewMemoryRepository(), nil, Options{})

	var validationErr *errs.ValidationError
	require.ErrorAs(t, d.Enqueue(context.Background(), a), &validationErr)
}
