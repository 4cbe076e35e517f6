package record

// Allocator is a bump allocator for per-submission scratch memory.
//
// Front-end code copies data that nodes reference at replay time into the
// allocator instead of the heap. Memory stays valid until the slot carrying
// the nodes has been replayed, when Reset rewinds every chunk at once.
// Allocator is not safe for concurrent use; ownership follows the slot.
type Allocator struct {
	chunkSize int
	chunks    [][]byte
	current   int
	offset    int
	allocated int
}

// NewAllocator returns an allocator that grows in chunks of chunkSize bytes.
func NewAllocator(chunkSize int) *Allocator {
	if chunkSize <= 0 {
		chunkSize = 64 << 10
	}
	return &Allocator{chunkSize: chunkSize}
}

// Allocate returns size zeroed bytes aligned to align within their chunk.
// align must be a power of two; zero means 1. Requests larger than the
// chunk size get a dedicated chunk.
func (a *Allocator) Allocate(size, align int) []byte {
	if size <= 0 {
		return nil
	}
	if align <= 0 {
		align = 1
	}

	for a.current < len(a.chunks) {
		chunk := a.chunks[a.current]
		start := (a.offset + align - 1) &^ (align - 1)
		if start+size <= len(chunk) {
			a.offset = start + size
			a.allocated += size
			buf := chunk[start:a.offset:a.offset]
			clear(buf)
			return buf
		}
		a.current++
		a.offset = 0
	}

	n := max(size, a.chunkSize)
	a.chunks = append(a.chunks, make([]byte, n))
	a.current = len(a.chunks) - 1
	a.offset = size
	a.allocated += size
	return a.chunks[a.current][:size:size]
}

// Reset rewinds the allocator, keeping its chunks for reuse.
func (a *Allocator) Reset() {
	a.current = 0
	a.offset = 0
	a.allocated = 0
}

// Allocated returns the bytes handed out since the last Reset.
func (a *Allocator) Allocated() int { return a.allocated }

// Capacity returns the total size of all chunks.
func (a *Allocator) Capacity() int {
	n := 0
	for _, c := range a.chunks {
		n += len(c)
	}
	return n
}
