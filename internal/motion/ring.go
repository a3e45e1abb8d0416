package motion

import "golang.org/x/exp/constraints"

// frameRing holds the feedback-delay window of output-buffer frames
// (spec.md §4.K step 2): "a ring of ceil(feedbackDelay/period)+1 buffers
// of NumFrames × NumOutputs floats". Index arithmetic is generic over I
// purely to mirror catrate's ringBuffer generic-index style; the position
// counter only ever needs to outgrow len(buffers) by wraparound, same as
// there.
type frameRing[I constraints.Integer] struct {
	buffers [][]float32
	pos     I
}

func newFrameRing[I constraints.Integer](depth, frameSize int) *frameRing[I] {
	if depth < 1 {
		depth = 1
	}
	bufs := make([][]float32, depth)
	for i := range bufs {
		bufs[i] = make([]float32, frameSize)
	}
	return &frameRing[I]{buffers: bufs}
}

func (r *frameRing[I]) depth() int { return len(r.buffers) }

// current returns the buffer slot the executor is about to fill.
func (r *frameRing[I]) current() []float32 {
	return r.buffers[int(r.pos)%len(r.buffers)]
}

// advance moves the write position forward by one tick, copying the
// previous buffer's contents into the new current slot first — so a
// dropped tick (caller chooses not to refill) still leaves the ring
// aligned with a repeated last-known frame rather than stale garbage.
func (r *frameRing[I]) advance() {
	prev := r.current()
	r.pos++
	copy(r.current(), prev)
}

// at returns the buffer offset ticks behind the current write position;
// offset 0 is the buffer currently being filled.
func (r *frameRing[I]) at(offset int) []float32 {
	idx := (int(r.pos) - offset) % len(r.buffers)
	if idx < 0 {
		idx += len(r.buffers)
	}
	return r.buffers[idx]
}
