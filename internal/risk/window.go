package risk

import "math"

// window is a bounded rolling sample buffer.
type window struct {
	values []float64
	size   int
}

func newWindow(size int) *window {
	if size < 2 {
		size = 2
	}
	return &window{size: size}
}

func (w *window) push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.size {
		w.values = w.values[len(w.values)-w.size:]
	}
}

func (w *window) len() int { return len(w.values) }

func (w *window) last() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.values[len(w.values)-1]
}

func (w *window) max() float64 {
	out := math.Inf(-1)
	for _, v := range w.values {
		if v > out {
			out = v
		}
	}
	return out
}

// logReturns returns ln(v_i / v_{i-1}) for consecutive positive samples.
func (w *window) logReturns() []float64 {
	if len(w.values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.values)-1)
	for i := 1; i < len(w.values); i++ {
		prev, cur := w.values[i-1], w.values[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}
