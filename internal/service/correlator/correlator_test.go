package correlator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/event"
	repo "github.com/oshokin/overwatch/internal/repository/alarm"
	"github.com/oshokin/overwatch/internal/service/alarm"
	"github.com/oshokin/overwatch/internal/service/keylock"
)

func newCorrelator(repository repo.Repository, locks keylock.Locker, window time.Duration) *Correlator {
	manager := alarm.NewManager(repository, keylock.NewLocal(16))

	return New(manager, repository, locks, window, domain.SeverityMinor)
}

func testEvent(id, area string, ts int64) *event.Event {
	return &event.Event{
		ID:         id,
		Tenant:     "acme",
		Site:       "hq",
		SourceType: "camera",
		SourceID:   "cam-1",
		Area:       area,
		Type:       "intrusion",
		Timestamp:  time.Unix(ts, 0).UTC(),
	}
}

func TestCorrelateLinksWithinWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repository := repo.NewMemoryRepository()
	c := newCorrelator(repository, keylock.NewLocal(16), 0)

	first, created, err := c.Correlate(ctx, testEvent("e-100", "gate", 100))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := c.Correlate(ctx, testEvent("e-105", "gate", 105))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, []string{"e-100", "e-105"}, second.LinkedEventIDs)
	require.Equal(t, domain.StateNew, second.State)

	other, created, err := c.Correlate(ctx, testEvent("e-106", "dock", 106))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCorrelateOpensNewAlarmAfterWindow(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		repository := repo.NewMemoryRepository()
		c := newCorrelator(repository, keylock.NewLocal(16), 5*time.Minute)

		first, _, err := c.Correlate(ctx, testEvent("e-1", "gate", 100))
		require.NoError(t, err)

		time.Sleep(5 * time.Minute)

		edge, created, err := c.Correlate(ctx, testEvent("e-2", "gate", 400))
		require.NoError(t, err)
		require.False(t, created, "window bound is inclusive")
		require.Equal(t, first.ID, edge.ID)

		time.Sleep(time.Second)

		late, created, err := c.Correlate(ctx, testEvent("e-3", "gate", 401))
		require.NoError(t, err)
		require.True(t, created)
		require.NotEqual(t, first.ID, late.ID)

		again, created, err := c.Correlate(ctx, testEvent("e-4", "gate", 402))
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, late.ID, again.ID)
	})
}

func TestCorrelateSkipsClosedAlarm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repository := repo.NewMemoryRepository()
	manager := alarm.NewManager(repository, keylock.NewLocal(16))
	c := New(manager, repository, keylock.NewLocal(16), time.Hour, domain.SeverityMinor)

	first, _, err := c.Correlate(ctx, testEvent("e-1", "gate", 100))
	require.NoError(t, err)

	_, err = manager.Transition(ctx, first.ID, domain.StateClosed, "op-1", "")
	require.NoError(t, err)

	next, created, err := c.Correlate(ctx, testEvent("e-2", "gate", 101))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, next.ID)
}

func TestCorrelateSeverityFromPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCorrelator(repo.NewMemoryRepository(), keylock.NewLocal(16), time.Hour)

	e := testEvent("e-1", "gate", 100)
	e.Payload = map[string]any{"severity": "Critical"}

	a, _, err := c.Correlate(ctx, e)
	require.NoError(t, err)
	require.Equal(t, domain.SeverityCritical, a.Severity)

	e = testEvent("e-2", "dock", 100)
	e.Payload = map[string]any{"severity": "apocalyptic"}

	a, _, err = c.Correlate(ctx, e)
	require.NoError(t, err)
	require.Equal(t, domain.SeverityMinor, a.Severity)
}

func TestCorrelateEscalatesOnConfidence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repository := repo.NewMemoryRepository()
	manager := alarm.NewManager(repository, keylock.NewLocal(16), alarm.WithEscalationConfidence(0.75))
	c := New(manager, repository, keylock.NewLocal(16), time.Hour, domain.SeverityMinor)

	withConfidence := func(id string, confidence float64) *event.Event {
		e := testEvent(id, "gate", 100)
		e.Payload = map[string]any{"confidence": confidence}

		return e
	}

	first, created, err := c.Correlate(ctx, withConfidence("e-1", 0.5))
	require.NoError(t, err)
	require.True(t, created)
	require.InDelta(t, 0.5, first.Confidence, 1e-9)

	// (0.5 + 1.0) / 2 sits on the threshold.
	linked, _, err := c.Correlate(ctx, withConfidence("e-2", 1.0))
	require.NoError(t, err)
	require.InDelta(t, 0.75, linked.Confidence, 1e-9)
	require.Equal(t, domain.SeverityMinor, linked.Severity)

	linked, _, err = c.Correlate(ctx, withConfidence("e-3", 1.0))
	require.NoError(t, err)
	require.InDelta(t, 0.875, linked.Confidence, 1e-9)
	require.Equal(t, domain.SeverityMajor, linked.Severity)

	last := linked.History[len(linked.History)-1]
	require.Equal(t, domain.ActionSeverity, last.Action)
	require.Equal(t, alarm.SystemActor, last.Actor)
	require.Contains(t, last.Note, "auto-escalated")

	// An event without confidence counts as 0.5: (0.875 + 0.5) / 2.
	linked, _, err = c.Correlate(ctx, testEvent("e-4", "gate", 101))
	require.NoError(t, err)
	require.InDelta(t, 0.6875, linked.Confidence, 1e-9)
	require.Equal(t, domain.SeverityMajor, linked.Severity)
	require.Len(t, linked.History, 2)
}

func TestCorrelateConcurrentSameKey(t *testing.T) {
	t.Parallel()

	const events = 50

	ctx := context.Background()
	repository := repo.NewMemoryRepository()
	c := newCorrelator(repository, keylock.NewLocal(keylock.DefaultStripes), time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)

	for i := range events {
		wg.Go(func() {
			_, isNew, err := c.Correlate(ctx, testEvent(fmt.Sprintf("e-%d", i), "gate", int64(100+i)))
			assert.NoError(t, err)

			if isNew {
				mu.Lock()
				created++
				mu.Unlock()
			}
		})
	}

	wg.Wait()

	require.Equal(t, 1, created)

	alarms, err := repository.List(ctx, repo.Filter{})
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	require.Len(t, alarms[0].LinkedEventIDs, events)
}

func TestCorrelateAcrossNodesWithRedis(t *testing.T) {
	t.Parallel()

	const events = 20

	ctx := context.Background()
	server := miniredis.RunT(t)
	repository := repo.NewMemoryRepository()

	nodes := make([]*Correlator, 2)
	for i := range nodes {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		nodes[i] = newCorrelator(repository, keylock.NewRedis(client, time.Second), time.Hour)
	}

	var wg sync.WaitGroup

	for i := range events {
		wg.Go(func() {
			_, _, err := nodes[i%2].Correlate(ctx, testEvent(fmt.Sprintf("e-%d", i), "gate", int64(100+i)))
			assert.NoError(t, err)
		})
	}

	wg.Wait()

	alarms, err := repository.List(ctx, repo.Filter{})
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	require.Len(t, alarms[0].LinkedEventIDs, events)
}
