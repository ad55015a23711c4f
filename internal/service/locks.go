package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/metrics"
)

func accountLockKey(accountID string) string {
	return "account:" + accountID
}

// acquireWithin retries a held lock every retry until wait elapses. A zero
// wait makes a single attempt. The returned error wraps domain.ErrLockHeld
// when the lock never freed up.
func acquireWithin(ctx context.Context, locks domain.LockManager, key string, ttl, wait, retry time.Duration, m *metrics.Metrics) (func(), error) {
	start := time.Now()
	deadline := start.Add(wait)

	for {
		unlock, err := locks.Acquire(ctx, key, ttl)
		if err == nil {
			m.ObserveLockWait(time.Since(start))
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("service: acquire %s: %w", key, err)
		}
		if !time.Now().Add(retry).Before(deadline) {
			return nil, fmt.Errorf("service: %s still locked after %s: %w", key, wait, domain.ErrLockHeld)
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
