package mux

// replayRing retains the tail of a channel's sent byte stream so it can be
// replayed after a trunk drop. Credit grants double as consumption
// acknowledgements and trim the ring, so it never holds more than one
// flow-control window.
type replayRing struct {
	buf   []byte
	start uint64 // stream offset of buf[0]
}

func newReplayRing() *replayRing {
	return &replayRing{}
}

// Append records b at the current end of the stream.
func (r *replayRing) Append(b []byte) {
	r.buf = append(r.buf, b...)
}

// End returns the stream offset one past the last retained byte.
func (r *replayRing) End() uint64 {
	return r.start + uint64(len(r.buf))
}

// Start returns the stream offset of the first retained byte.
func (r *replayRing) Start() uint64 {
	return r.start
}

// Len returns the number of retained bytes.
func (r *replayRing) Len() int {
	return len(r.buf)
}

// TrimTo drops all bytes below the given stream offset.
func (r *replayRing) TrimTo(offset uint64) {
	if offset <= r.start {
		return
	}
	if offset >= r.End() {
		r.start = r.End()
		r.buf = r.buf[:0]
		return
	}
	n := offset - r.start
	r.buf = append(r.buf[:0], r.buf[n:]...)
	r.start = offset
}

// From copies the retained bytes at and above the given stream offset.
// ok is false when the offset has already been trimmed away.
func (r *replayRing) From(offset uint64) (tail []byte, ok bool) {
	if offset < r.start {
		return nil, false
	}
	if offset >= r.End() {
		return nil, true
	}
	n := offset - r.start
	tail = make([]byte, uint64(len(r.buf))-n)
	copy(tail, r.buf[n:])
	return tail, true
}
