package storage

import (
	"errors"
	"math/rand"
	"time"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
)

const (
	// conflictAttempts bounds the load-mutate-save retry loop.
	conflictAttempts = 5
	conflictBaseWait = 20 * time.Millisecond
)

// RetryOnConflict runs a load-mutate-save closure, retrying with jittered
// backoff while it fails with ErrConflict. The closure must reload the
// aggregate each attempt; mutating a stale copy just loses the race again.
// After the attempt budget the conflict surfaces to the caller.
func RetryOnConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, errdefs.ErrConflict) {
			return err
		}
		wait := conflictBaseWait << attempt
		wait += time.Duration(rand.Int63n(int64(wait)))
		time.Sleep(wait)
	}
	return err
}
