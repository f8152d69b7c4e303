package realtime

import (
	"context"
	"sync"
	"time"
)

// DelayFunc returns the delay before the given attempt. tries starts at 1.
type DelayFunc func(tries int) time.Duration

// defaultReconnectAfter is the backoff schedule shared by socket reconnects
// and channel rejoins.
func defaultReconnectAfter(tries int) time.Duration {
	intervals := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
	}
	if tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return 10 * time.Second
}

// CallbackTimer is a single-shot, rearmable timer whose delay grows with the
// number of consecutive schedules. At most one firing is pending at a time;
// scheduling again cancels the previous one.
type CallbackTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	cancel   context.CancelFunc
	tries    int
	afterMs  DelayFunc
	callback func()
}

// NewCallbackTimer creates a timer that invokes callback after
// afterMs(tries+1) once scheduled.
func NewCallbackTimer(callback func(), afterMs DelayFunc) *CallbackTimer {
	return &CallbackTimer{
		callback: callback,
		afterMs:  afterMs,
	}
}

// Reset cancels any pending firing and rewinds the tries counter.
func (t *CallbackTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *CallbackTimer) reset() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.tries = 0
}

// ScheduleTimeout arms the timer. A previously pending firing is cancelled;
// the tries counter advances so the next delay comes from the schedule.
func (t *CallbackTimer) ScheduleTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	t.tries++
	delay := t.afterMs(t.tries)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.timer = time.AfterFunc(delay, func() {
		select {
		case <-ctx.Done():
			return
		default:
			t.callback()
		}
	})
}

// Tries returns the number of schedules since the last reset.
func (t *CallbackTimer) Tries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tries
}
