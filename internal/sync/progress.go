package sync

import (
	"time"

	"mailvault/internal/mail"
)

// emitter coalesces progress callbacks to at most one per interval
// per phase.  The zero-value emitter (nil callback) drops everything.
type emitter struct {
	fn       mail.ProgressFunc
	clock    Clock
	interval time.Duration
	last     map[string]time.Time
}

func newEmitter(fn mail.ProgressFunc, clock Clock, interval time.Duration) *emitter {
	return &emitter{fn: fn, clock: clock, interval: interval, last: make(map[string]time.Time)}
}

func (e *emitter) emit(phase string, fetched, total int) {
	if e.fn == nil {
		return
	}
	now := e.clock.Now()
	if last, ok := e.last[phase]; ok && now.Sub(last) < e.interval {
		return
	}
	e.last[phase] = now
	e.fn(mail.Progress{Phase: phase, Fetched: fetched, Total: total})
}

// flush forces one final event for a phase, bypassing coalescing, so
// the last count of a phase always reaches the host.
func (e *emitter) flush(phase string, fetched, total int) {
	if e.fn == nil {
		return
	}
	e.last[phase] = e.clock.Now()
	e.fn(mail.Progress{Phase: phase, Fetched: fetched, Total: total})
}
