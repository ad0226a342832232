package streamer

// Ring keeps the most recent lines up to a fixed capacity, evicting the
// oldest first. It is not safe for concurrent use.
type Ring struct {
	buf   []string
	start int
	size  int
}

// NewRing creates a ring holding at most capacity lines
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]string, capacity)}
}

// Push appends a line, evicting the oldest one when full
func (r *Ring) Push(line string) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = line
		r.size++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

// Lines returns a copy of the retained lines, oldest first
func (r *Ring) Lines() []string {
	out := make([]string, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of retained lines
func (r *Ring) Len() int { return r.size }

// Cap returns the capacity
func (r *Ring) Cap() int { return len(r.buf) }
