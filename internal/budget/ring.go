package budget

import "time"

// ring is a fixed-size window of recent durations.
type ring struct {
	buf  []time.Duration
	next int
	full bool
	sum  time.Duration
}

func newRing(size int) *ring {
	return &ring{buf: make([]time.Duration, size)}
}

func (r *ring) add(d time.Duration) {
	if r.full {
		r.sum -= r.buf[r.next]
	}
	r.buf[r.next] = d
	r.sum += d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) average() time.Duration {
	n := r.len()
	if n == 0 {
		return 0
	}
	return r.sum / time.Duration(n)
}

func (r *ring) last() time.Duration {
	if r.len() == 0 {
		return 0
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.buf) - 1
	}
	return r.buf[i]
}

// reset discards every sample.
func (r *ring) reset() {
	clear(r.buf)
	r.next, r.full, r.sum = 0, false, 0
}
