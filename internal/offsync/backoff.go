package offsync

import (
	"hash/fnv"
	"time"
)

const (
	defaultBackoffBase = 30 * time.Second
	defaultBackoffMax  = 30 * time.Minute
)

// retryBackoff returns how long a failed action sits out before it becomes
// eligible again: exponential in the retry count, capped, plus up to 25%
// jitter so a fleet of clients recovering together does not hammer the remote
// service in lockstep. Jitter is derived from the action id, keeping the
// schedule stable across eligibility checks.
func retryBackoff(actionID string, retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(actionID))
	jitter := time.Duration(uint64(delay) / 4 * uint64(h.Sum32()%1000) / 1000)
	return delay + jitter
}

// retryDue reports whether a failed action's backoff window has elapsed.
func retryDue(a OfflineAction, now time.Time, base, max time.Duration) bool {
	if a.Status != StatusFailed || a.LastAttemptAt == nil {
		return true
	}
	wait := retryBackoff(a.ID, a.RetryCount, base, max)
	return now.Sub(*a.LastAttemptAt) >= wait
}
