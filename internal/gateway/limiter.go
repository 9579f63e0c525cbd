package gateway

import "time"

// frameWindow is a fixed one-second window frame counter.
type frameWindow struct {
	max   int
	now   func() time.Time
	start time.Time
	count int
}

func newFrameWindow(max int, now func() time.Time) *frameWindow {
	return &frameWindow{max: max, now: now, start: now()}
}

// allow counts one frame and reports whether it fits in the current window.
func (w *frameWindow) allow() bool {
	now := w.now()
	if now.Sub(w.start) >= time.Second {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= w.max
}
