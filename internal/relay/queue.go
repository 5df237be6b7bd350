package relay

// mediaQueue holds caller audio that arrives before the realtime connection
// is ready. It is bounded; when full, the oldest payload is discarded since
// stale audio is worthless once backlogged. Owner goroutine only.
type mediaQueue struct {
	buf   []string
	start int
	n     int
}

func newMediaQueue(size int) *mediaQueue {
	if size < 1 {
		size = 1
	}
	return &mediaQueue{buf: make([]string, size)}
}

// Push appends payload and reports whether an older payload was dropped to
// make room.
func (q *mediaQueue) Push(payload string) (dropped bool) {
	if q.n == len(q.buf) {
		q.buf[q.start] = ""
		q.start = (q.start + 1) % len(q.buf)
		q.n--
		dropped = true
	}
	q.buf[(q.start+q.n)%len(q.buf)] = payload
	q.n++
	return dropped
}

// Drain returns the queued payloads oldest first and empties the queue.
func (q *mediaQueue) Drain() []string {
	out := make([]string, 0, q.n)
	for i := 0; i < q.n; i++ {
		idx := (q.start + i) % len(q.buf)
		out = append(out, q.buf[idx])
		q.buf[idx] = ""
	}
	q.start, q.n = 0, 0
	return out
}

// Len returns the number of queued payloads.
func (q *mediaQueue) Len() int { return q.n }
