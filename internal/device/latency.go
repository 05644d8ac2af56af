package device

import "math"

// latencyWindow keeps the most recent latency samples in a fixed ring.
type latencyWindow struct {
	samples []float64
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *latencyWindow) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// values returns the samples oldest first.
func (w *latencyWindow) values() []float64 {
	if !w.full {
		out := make([]float64, w.next)
		copy(out, w.samples[:w.next])
		return out
	}
	out := make([]float64, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	return append(out, w.samples[:w.next]...)
}

// summary returns min, max, mean and population standard deviation.
// The deviation is zero with fewer than two samples.
func (w *latencyWindow) summary() (minV, maxV, mean, stddev float64) {
	n := w.len()
	if n == 0 {
		return 0, 0, 0, 0
	}

	minV, maxV = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range w.samples[:n] {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	mean = sum / float64(n)

	if n >= 2 {
		var sq float64
		for _, v := range w.samples[:n] {
			d := v - mean
			sq += d * d
		}
		stddev = math.Sqrt(sq / float64(n))
	}
	return minV, maxV, mean, stddev
}
