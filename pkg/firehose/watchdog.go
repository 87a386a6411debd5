package firehose

import (
	"time"

	"taracol/pkg/taraerr"
)

// Watchdog measures how long a consumer has waited on a stream. The timer
// runs only between Wait and Hold, so time spent handling an event never
// counts as silence. A nil *Watchdog never fires.
type Watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

// NewWatchdog returns a watchdog that is already waiting.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout, timer: time.NewTimer(timeout)}
}

// C fires once the consumer has waited the full timeout without an event.
func (w *Watchdog) C() <-chan time.Time {
	if w == nil {
		return nil
	}
	return w.timer.C
}

// Hold stops the timer while the consumer handles an event.
func (w *Watchdog) Hold() {
	if w == nil {
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
}

// Wait re-arms the timer before the consumer waits for the next event.
func (w *Watchdog) Wait() {
	if w == nil {
		return
	}
	w.Hold()
	w.timer.Reset(w.timeout)
}

func (w *Watchdog) Stop() {
	if w != nil {
		w.timer.Stop()
	}
}

// Err is the TransportDisconnected error reported after C fires.
func (w *Watchdog) Err() error {
	return taraerr.New(taraerr.CodeTransportDisconnected, "firehose.Watchdog",
		"no event or keepalive within %s", w.timeout)
}
