package jobs

import (
	"context"
	"time"
)

// SleepFunc abstracts the wait between poll checks so tests can run the
// loop instantly.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RealSleep waits for d or until the context is cancelled.
func RealSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Poll checks a job's status up to maxChecks times, sleeping interval
// between checks. It returns the terminal snapshot and true, or the last
// observed snapshot and false when the check budget is exhausted or the
// context ends. Poll never cancels the underlying job.
func (r *Registry) Poll(ctx context.Context, id string, interval time.Duration, maxChecks int, sleep SleepFunc, progress func(check int, snap Snapshot)) (Snapshot, bool) {
	if sleep == nil {
		sleep = RealSleep
	}
	var snap Snapshot
	for check := 1; check <= maxChecks; check++ {
		snap = r.Status(id)
		if snap.Status.Terminal() || snap.Status == StatusNotFound {
			return snap, true
		}
		if progress != nil {
			progress(check, snap)
		}
		if err := sleep(ctx, interval); err != nil {
			return snap, false
		}
	}
	return snap, false
}
