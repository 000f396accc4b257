package lockmanager

import (
	"sync/atomic"
	"time"
)

// watchdog fires once if the protected section is still running after the
// lease. It never interrupts the section.
type watchdog struct {
	timer    *time.Timer
	fired    atomic.Bool
	disarmed atomic.Bool
}

func armWatchdog(lease time.Duration, onExpire func()) *watchdog {
	w := &watchdog{}
	w.timer = time.AfterFunc(lease, func() {
		w.fired.Store(true)
		onExpire()
	})
	return w
}

// disarm stops the timer. Safe to call more than once, and after the timer
// already fired.
func (w *watchdog) disarm() {
	if w == nil {
		return
	}
	w.disarmed.Store(true)
	w.timer.Stop()
}

// rearm restarts the countdown from now. A disarmed watchdog stays disarmed.
func (w *watchdog) rearm(lease time.Duration) {
	if w == nil || w.disarmed.Load() {
		return
	}
	w.timer.Reset(lease)
}

func (w *watchdog) expired() bool {
	return w != nil && w.fired.Load()
}
