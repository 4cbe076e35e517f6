// Package megabuffer provides a streaming upload allocator.
//
// Small per-draw data (uniforms, inline vertices) is pushed into large
// shared chunks instead of individual buffers. A chunk is tied to the cycle
// of the submission currently filling it and is only rewound once that
// cycle has retired, so data referenced by in-flight GPU work is never
// overwritten.
package megabuffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/cmdexec"
	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Alignment is the offset alignment of every allocation, matching the
// uniform buffer offset alignment of common adapters.
const Alignment = 256

// Allocator errors.
var (
	// ErrDestroyed is returned by Push after Destroy.
	ErrDestroyed = errors.New("cmdexec: mega-buffer allocator destroyed")

	// ErrNilCycle is returned by Push without a cycle.
	ErrNilCycle = errors.New("cmdexec: mega-buffer push without cycle")
)

// Allocation is a range of a chunk holding pushed data.
type Allocation struct {
	Buffer hal.Buffer
	Offset uint64
	Size   uint64
}

type chunk struct {
	buffer hal.Buffer
	size   uint64
	used   uint64
	cycle  *cycle.Cycle
}

// Allocator sub-allocates pushed data from reusable chunks.
//
// The embedded mutex is the manager lock the command executor takes once
// per submission; Push itself is safe for concurrent use regardless.
type Allocator struct {
	sync.Mutex

	device    hal.Device
	queue     hal.Queue
	chunkSize uint64

	mu        sync.Mutex
	chunks    []*chunk
	destroyed bool
}

// New returns an allocator creating chunks of chunkSize bytes.
// A zero chunkSize selects cmdexec.DefaultMegaBufferChunkSize.
func New(device hal.Device, queue hal.Queue, chunkSize uint64) *Allocator {
	if chunkSize == 0 {
		chunkSize = cmdexec.DefaultMegaBufferChunkSize
	}
	return &Allocator{
		device:    device,
		queue:     queue,
		chunkSize: alignUp(chunkSize),
	}
}

// Push copies data into a chunk owned by c and returns its location.
// Data larger than the chunk size gets a dedicated chunk.
func (a *Allocator) Push(c *cycle.Cycle, data []byte) (Allocation, error) {
	if c == nil {
		return Allocation{}, ErrNilCycle
	}
	size := alignUp(uint64(len(data)))
	if size == 0 {
		size = Alignment
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return Allocation{}, ErrDestroyed
	}

	ch := a.findChunk(c, size)
	if ch == nil {
		var err error
		ch, err = a.newChunk(c, max(size, a.chunkSize))
		if err != nil {
			return Allocation{}, err
		}
	}

	offset := ch.used
	ch.used += size
	if len(data) > 0 {
		a.queue.WriteBuffer(ch.buffer, offset, data)
	}
	return Allocation{Buffer: ch.buffer, Offset: offset, Size: uint64(len(data))}, nil
}

// findChunk returns a chunk with size bytes free for c. Chunks owned by a
// retired cycle are rewound and handed to c.
func (a *Allocator) findChunk(c *cycle.Cycle, size uint64) *chunk {
	for _, ch := range a.chunks {
		if ch.cycle != c {
			if !ch.cycle.Poll() {
				continue
			}
			ch.cycle = c
			ch.used = 0
		}
		if ch.size-ch.used >= size {
			return ch
		}
	}
	return nil
}

func (a *Allocator) newChunk(c *cycle.Cycle, size uint64) (*chunk, error) {
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("megabuffer_chunk_%d", len(a.chunks)),
		Size:  size,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageUniform |
			gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create mega-buffer chunk: %w", err)
	}
	ch := &chunk{buffer: buf, size: size, cycle: c}
	a.chunks = append(a.chunks, ch)
	cmdexec.Logger().Debug("megabuffer: new chunk", "index", len(a.chunks)-1, "size", size)
	return ch, nil
}

// Chunks returns the number of chunks created so far.
func (a *Allocator) Chunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Destroy waits for every chunk's cycle and releases the chunk buffers.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	chunks := a.chunks
	a.chunks = nil
	a.destroyed = true
	a.mu.Unlock()

	for _, ch := range chunks {
		if err := ch.cycle.Wait(); err != nil && !errors.Is(err, cycle.ErrCancelled) {
			cmdexec.Logger().Warn("megabuffer: chunk wait failed", "error", err)
		}
		a.device.DestroyBuffer(ch.buffer)
	}
}

func alignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
