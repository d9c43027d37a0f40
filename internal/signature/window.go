package signature

// WindowCapacity is the number of chunks a detector window retains.
const WindowCapacity = 50

// Window is a fixed-capacity ring of the most recent audio chunks. It is
// owned by a single detector and is not safe for concurrent use.
type Window struct {
	chunks [][]byte
	head   int // index of the oldest chunk
	size   int
}

// NewWindow creates an empty window holding at most capacity chunks.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = WindowCapacity
	}
	return &Window{chunks: make([][]byte, capacity)}
}

// Push appends a copy of chunk, evicting the oldest chunk when full.
func (w *Window) Push(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	if w.size < len(w.chunks) {
		w.chunks[(w.head+w.size)%len(w.chunks)] = c
		w.size++
		return
	}
	w.chunks[w.head] = c
	w.head = (w.head + 1) % len(w.chunks)
}

// Chunks returns the retained chunks from oldest to newest. The returned
// slice is fresh but the chunks themselves are shared with the window.
func (w *Window) Chunks() [][]byte {
	out := make([][]byte, w.size)
	for i := range out {
		out[i] = w.chunks[(w.head+i)%len(w.chunks)]
	}
	return out
}

// Len returns the number of retained chunks.
func (w *Window) Len() int {
	return w.size
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.chunks)
}
