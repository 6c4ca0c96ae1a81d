package keylock

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/oshokin/overwatch/internal/domain/errs"
)

// DefaultStripes is the stripe count of a Local locker.
const DefaultStripes = 256

const (
	// retryDelay is the first wait after a lost race.
	retryDelay = 5 * time.Millisecond
	// maxRetryDelay caps the wait between attempts.
	maxRetryDelay = 200 * time.Millisecond
)

// Unlock releases a held key.
type Unlock func()

// Locker acquires exclusive ownership of a key.
type Locker interface {
	// Lock returns an Unlock func once the key is held. Implementations that
	// cannot wait return errs.ErrCorrelationRace when another owner holds it.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Acquire locks key, retrying with backoff while the locker reports a race.
func Acquire(ctx context.Context, locker Locker, key string) (Unlock, error) {
	delay := retryDelay

	for {
		unlock, err := locker.Lock(ctx, key)
		if !errors.Is(err, errs.ErrCorrelationRace) {
			return unlock, err
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}

		delay = min(delay*2, maxRetryDelay)
	}
}

// Local is a striped lock: keys hash onto a fixed set of one-slot semaphores.
// Distinct keys may share a stripe, which only costs some parallelism.
type Local struct {
	// stripes are buffered channels of capacity one.
	stripes []chan struct{}
}

// NewLocal creates a locker with the given stripe count.
func NewLocal(stripes int) *Local {
	if stripes <= 0 {
		stripes = DefaultStripes
	}

	l := &Local{
		stripes: make([]chan struct{}, stripes),
	}

	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}

	return l
}

// Lock blocks until the key's stripe is free or ctx ends.
func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	stripe := l.stripes[l.index(key)]

	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) index(key string) uint32 {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))

	return hash.Sum32() % uint32(len(l.stripes)) //nolint:gosec // Stripe count is small and positive.
}
