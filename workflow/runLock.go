package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// AcquireRunLock serializes run processing across worker instances. The lock
// is a best-effort optimization: correctness does not depend on Redis, item
// claims are conditional updates either way. A nil locker is a no-op.
func AcquireRunLock(ctx context.Context, locker *redislock.Client, runId string, ttl time.Duration) (*redislock.Lock, error) {
	if locker == nil {
		return nil, nil
	}
	lock, err := locker.Obtain(ctx, fmt.Sprintf("recalc:run:%s", runId), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunBusy
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func ReleaseRunLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
