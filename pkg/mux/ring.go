package mux

import "github.com/stokerhq/stoker/pkg/types"

// frameRing is a fixed-capacity ring of output frames. When full, appending
// drops the oldest frame. There are no time-based drops: eviction is purely
// count-driven, which keeps the routing path free of clock reads.
type frameRing struct {
	buf   []types.Frame
	head  int // index of the oldest frame
	count int
}

func newFrameRing(capacity int) *frameRing {
	return &frameRing{buf: make([]types.Frame, capacity)}
}

// append adds a frame, evicting the oldest when the ring is full. Returns
// true when an eviction happened.
func (r *frameRing) append(f types.Frame) bool {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = f
		r.count++
		return false
	}
	// Full: overwrite the oldest slot and advance the head.
	r.buf[r.head] = f
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// drain returns the buffered frames in arrival order and empties the ring.
func (r *frameRing) drain() []types.Frame {
	out := make([]types.Frame, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	r.head = 0
	r.count = 0
	return out
}

func (r *frameRing) len() int { return r.count }
