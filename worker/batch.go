package worker

// resultBatcher accumulates result IDs into dispatch chunks of a fixed
// window size. The buffer is carried as a local value inside the analysis
// job; the timeout salvage path drains whatever is left via Take.
type resultBatcher struct {
	size int
	ids  []int64
}

func newResultBatcher(size int) *resultBatcher {
	return &resultBatcher{size: size, ids: make([]int64, 0, size)}
}

// Add appends a result ID to the buffer.
func (b *resultBatcher) Add(id int64) {
	b.ids = append(b.ids, id)
}

// Full reports whether the buffer has reached the window size.
func (b *resultBatcher) Full() bool {
	return len(b.ids) >= b.size
}

// Take swaps the buffer for an empty one and returns the old contents.
// Returns nil when the buffer is empty.
func (b *resultBatcher) Take() []int64 {
	if len(b.ids) == 0 {
		return nil
	}
	ids := b.ids
	b.ids = make([]int64, 0, b.size)
	return ids
}

// Len returns the number of buffered IDs.
func (b *resultBatcher) Len() int {
	return len(b.ids)
}
