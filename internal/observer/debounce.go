package observer

import (
	"time"

	"github.com/xkilldash9x/elementindex/internal/document"
)

// debouncer collects raw changes and hands them off when the window expires
// or the buffer fills.
type debouncer struct {
	window  time.Duration
	max     func() int
	changes []document.Change
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func([]document.Change)
}

func newDebouncer(window time.Duration, max func() int, flushFn func([]document.Change)) *debouncer {
	return &debouncer{window: window, max: max, flushFn: flushFn}
}

// add buffers c and reports whether it triggered an immediate flush.
func (d *debouncer) add(c document.Change) bool {
	d.changes = append(d.changes, c)
	if len(d.changes) >= d.max() {
		d.flush()
		return true
	}
	// The window starts at the first buffered change so a steady stream still
	// flushes at a bounded latency.
	if d.timer == nil {
		d.timer = time.NewTimer(d.window)
		d.timerCh = d.timer.C
	}
	return false
}

// timerC fires when the window expires. It is nil while nothing is buffered.
func (d *debouncer) timerC() <-chan time.Time { return d.timerCh }

func (d *debouncer) flush() {
	d.stopTimer()
	if len(d.changes) == 0 {
		return
	}
	batch := compress(d.changes)
	d.changes = nil
	d.flushFn(batch)
}

func (d *debouncer) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}

// compress collapses runs of consecutive attribute changes to the same
// (target, name), and runs of text, visibility or size changes to the same
// target, keeping the last value and the first OldValue. Structural changes
// are never merged.
func compress(changes []document.Change) []document.Change {
	if len(changes) <= 1 {
		return changes
	}
	out := make([]document.Change, 0, len(changes))
	for i := 0; i < len(changes); i++ {
		c := changes[i]
		if c.Kind == document.ChildList {
			out = append(out, c)
			continue
		}
		firstOld := c.OldValue
		j := i + 1
		for j < len(changes) && mergeable(c, changes[j]) {
			c = changes[j]
			j++
		}
		c.OldValue = firstOld
		out = append(out, c)
		i = j - 1
	}
	return out
}

func mergeable(a, b document.Change) bool {
	if a.Kind != b.Kind || a.Target != b.Target {
		return false
	}
	return a.Kind != document.Attributes || a.AttributeName == b.AttributeName
}
