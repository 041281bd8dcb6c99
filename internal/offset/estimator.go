// Package offset estimates the difference between the broker clock and the local clock.
package offset

// Window is the number of most recent samples averaged.
const Window = 256

// Estimator keeps a moving average of serverTime-localTime samples over the last Window
// observations. It is not safe for concurrent use; the owning stream serializes access.
type Estimator struct {
	buf     [Window]float64
	sum     float64
	count   int
	next    int
	current float64
}

// New returns an empty estimator.
func New() *Estimator {
	return &Estimator{}
}

// Observe records one offset sample in seconds.
func (e *Estimator) Observe(offset float64) {
	if e.count < Window {
		e.buf[e.count] = offset
		e.sum += offset
		e.count++
		e.current = e.sum / float64(e.count)
		return
	}
	e.sum += offset - e.buf[e.next]
	e.buf[e.next] = offset
	e.next = (e.next + 1) % Window
	e.current = e.sum / Window
}

// Current returns the averaged offset, or 0 before the first sample.
func (e *Estimator) Current() float64 {
	return e.current
}

// Count returns the number of live samples, capped at Window.
func (e *Estimator) Count() int {
	return e.count
}

// Reset discards every sample.
func (e *Estimator) Reset() {
	*e = Estimator{}
}
