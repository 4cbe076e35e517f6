// Package buffer provides a HAL-backed buffer that satisfies the
// resource.Buffer contract.
//
// CPU writes to a buffer whose GPU copy may still be read by in-flight work
// are staged on the host. The command executor flushes staged writes when a
// submission references the buffer and attaches the buffer to that
// submission's cycle. Once the cycle has retired and the executor allowed
// backing writes again, CPU writes go straight to the queue.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/cmdexec/resource"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Buffer errors.
var (
	// ErrDestroyed is returned when operating on a destroyed buffer.
	ErrDestroyed = errors.New("cmdexec: buffer has been destroyed")

	// ErrOutOfRange is returned when a write or view exceeds the buffer.
	ErrOutOfRange = errors.New("cmdexec: buffer range out of bounds")

	// ErrInvalidSize is returned for zero-sized buffers.
	ErrInvalidSize = errors.New("cmdexec: invalid buffer size")

	// ErrNilDevice is returned when creating a buffer without a device.
	ErrNilDevice = errors.New("cmdexec: HAL device is nil")
)

// FrequentLockThreshold is the number of CPU-side Lock calls after which a
// buffer reports FrequentlyLocked.
const FrequentLockThreshold = 8

// Descriptor describes a buffer to create.
type Descriptor struct {
	// Label is an optional debug name.
	Label string

	Size uint64

	// Usage defaults to Vertex | Uniform | CopyDst | CopySrc.
	Usage gputypes.BufferUsage
}

type stagedWrite struct {
	offset uint64
	data   []byte
}

// Buffer is a HAL buffer with host-staged writes.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	resource.TagLock

	device hal.Device
	queue  hal.Queue
	native hal.Buffer
	desc   Descriptor

	mu             sync.Mutex
	cycle          *cycle.Cycle
	staged         []stagedWrite
	backingWrites  bool
	directWrites   uint64
	destroyed      bool
	cpuLocks       atomic.Uint32
	frequent       atomic.Bool
	releasedCycles atomic.Int64
}

// New creates a buffer on device.
func New(device hal.Device, queue hal.Queue, desc Descriptor) (*Buffer, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if desc.Size == 0 {
		return nil, ErrInvalidSize
	}
	if desc.Usage == 0 {
		desc.Usage = gputypes.BufferUsageVertex | gputypes.BufferUsageUniform |
			gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	}
	native, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %q: %w", desc.Label, err)
	}
	return &Buffer{
		device:        device,
		queue:         queue,
		native:        native,
		desc:          desc,
		cycle:         cycle.Signaled(),
		backingWrites: true,
	}, nil
}

// Native returns the HAL buffer.
func (b *Buffer) Native() hal.Buffer { return b.native }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Lock takes the buffer for CPU access, blocking while an executor holds
// it. Every call counts towards FrequentLockThreshold.
func (b *Buffer) Lock() {
	if b.cpuLocks.Add(1) >= FrequentLockThreshold {
		b.frequent.Store(true)
	}
	b.TagLock.Lock()
}

// MarkFrequentlyLocked forces FrequentlyLocked to report true.
func (b *Buffer) MarkFrequentlyLocked() {
	b.frequent.Store(true)
}

// FrequentlyLocked reports whether the CPU locks the buffer often enough
// that executors must release it after every submission.
func (b *Buffer) FrequentlyLocked() bool {
	return b.frequent.Load()
}

// Write writes data at offset. If the GPU may still read the buffer, or a
// submission has not yet taken the previous staged writes, the write is
// staged and uploaded by the next submission referencing the buffer.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("%w: [%d, %d) exceeds %d", ErrOutOfRange, offset, offset+uint64(len(data)), b.desc.Size)
	}

	b.Lock()
	defer b.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	if b.backingWrites && len(b.staged) == 0 && b.cycle.Poll() {
		b.queue.WriteBuffer(b.native, offset, data)
		b.directWrites++
		return nil
	}
	b.staged = append(b.staged, stagedWrite{offset: offset, data: append([]byte(nil), data...)})
	return nil
}

// DirectWrites returns how many writes bypassed staging.
func (b *Buffer) DirectWrites() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.directWrites
}

// RequiresCycleAttach reports whether staged writes are waiting for a
// submission.
func (b *Buffer) RequiresCycleAttach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged) > 0
}

// SynchronizeHost uploads staged writes through the queue. Backing writes
// stay disabled until AllowAllBackingWrites.
func (b *Buffer) SynchronizeHost() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	for _, w := range b.staged {
		b.queue.WriteBuffer(b.native, w.offset, w.data)
	}
	b.staged = b.staged[:0]
	b.backingWrites = false
}

// UpdateCycle records c as the cycle of the last submission.
func (b *Buffer) UpdateCycle(c *cycle.Cycle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycle = c
}

// Cycle returns the cycle of the last submission that used the buffer.
func (b *Buffer) Cycle() *cycle.Cycle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycle
}

// AllowAllBackingWrites re-enables direct writes once the cycle tracking
// the buffer retires.
func (b *Buffer) AllowAllBackingWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backingWrites = true
}

// Release is called when a cycle the buffer was attached to retires.
func (b *Buffer) Release() {
	b.releasedCycles.Add(1)
}

// ReleasedCycles returns how many attached cycles have retired.
func (b *Buffer) ReleasedCycles() int64 {
	return b.releasedCycles.Load()
}

// View returns a view of [offset, offset+size).
func (b *Buffer) View(offset, size uint64) (*View, error) {
	if offset+size > b.desc.Size || size == 0 {
		return nil, fmt.Errorf("%w: view [%d, %d) of %d", ErrOutOfRange, offset, offset+size, b.desc.Size)
	}
	return &View{buffer: b, offset: offset, size: size}, nil
}

// Destroy waits for the last submission using the buffer and releases the
// HAL buffer. Destroy is idempotent.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	c := b.cycle
	b.mu.Unlock()

	err := c.Wait()
	if errors.Is(err, cycle.ErrCancelled) {
		err = nil
	}
	b.device.DestroyBuffer(b.native)
	return err
}

// View is an attachable range of a Buffer.
type View struct {
	buffer *Buffer
	offset uint64
	size   uint64
}

// LockWithTag locks the backing buffer.
func (v *View) LockWithTag(tag resource.Tag) bool {
	return v.buffer.LockWithTag(tag)
}

// Buffer returns the backing buffer.
func (v *View) Buffer() resource.Buffer { return v.buffer }

// Offset returns the view offset in bytes.
func (v *View) Offset() uint64 { return v.offset }

// Size returns the view size in bytes.
func (v *View) Size() uint64 { return v.size }
