package telemetry

// ring is a fixed-capacity FIFO of readings. Not safe for concurrent use;
// the Store serialises access.
type ring struct {
	buf   []Reading
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Reading, capacity)}
}

// push appends r, overwriting the oldest entry when full.
func (q *ring) push(r Reading) {
	capacity := len(q.buf)
	if q.size < capacity {
		q.buf[(q.start+q.size)%capacity] = r
		q.size++
		return
	}
	q.buf[q.start] = r
	q.start = (q.start + 1) % capacity
}

// items returns copies of all entries, oldest first.
func (q *ring) items() []Reading {
	out := make([]Reading, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.buf[(q.start+i)%len(q.buf)].clone()
	}
	return out
}

func (q *ring) len() int {
	return q.size
}
