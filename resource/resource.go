// Package resource defines the locking and synchronization contracts the
// command executor consumes from texture and buffer managers.
//
// The executor never owns resource storage. It locks resources with its tag
// while a submission references them, asks them to synchronize host-side
// writes into the submission, and points them at the submission's cycle so
// later CPU access waits for the GPU.
package resource

import (
	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/wgpu/hal"
)

// TagLocker is the lock half of a lockable resource.
type TagLocker interface {
	// LockWithTag tries to lock without blocking. It returns false if the
	// resource is already locked, including by tag.
	LockWithTag(tag Tag) bool

	// WaitLockWithTag locks, blocking while another owner holds the lock.
	// It returns false if tag already holds it.
	WaitLockWithTag(tag Tag) bool

	// OwnedBy reports whether tag holds the lock.
	OwnedBy(tag Tag) bool

	Unlock()
}

// Extent is a 2D size in texels.
type Extent struct {
	Width  uint32
	Height uint32
}

// Aspect is the attachment aspect a texture view exposes.
type Aspect uint8

const (
	// AspectColor is a color attachment view.
	AspectColor Aspect = iota
	// AspectDepth is a depth-only view.
	AspectDepth
	// AspectStencil is a stencil-only view.
	AspectStencil
	// AspectDepthStencil is a combined depth/stencil view.
	AspectDepthStencil
)

// Texture is the texture contract consumed by the executor.
type Texture interface {
	TagLocker

	// FrequentlyLocked hints that the texture is locked often from the CPU
	// and must not stay locked across submissions.
	FrequentlyLocked() bool

	// SynchronizeHostInline records the upload of pending host writes into
	// enc so it executes before the commands of the submission. gpuDirty
	// marks the GPU copy as about to be written by the submission.
	SynchronizeHostInline(enc hal.CommandEncoder, c *cycle.Cycle, gpuDirty bool)

	// Cycle returns the cycle of the last submission using the texture.
	Cycle() *cycle.Cycle

	// UpdateCycle records c as the cycle of the last submission.
	UpdateCycle(c *cycle.Cycle)

	// Extent returns the texture size.
	Extent() Extent

	// Barrier returns the barrier that makes prior writes to the texture
	// visible to the next submission.
	Barrier() hal.TextureBarrier
}

// TextureView is an attachable view of a Texture.
type TextureView interface {
	// LockWithTag locks the backing texture.
	LockWithTag(tag Tag) bool

	Texture() Texture
	Native() hal.TextureView
	Aspect() Aspect
}

// Buffer is the buffer contract consumed by the executor.
type Buffer interface {
	TagLocker

	// FrequentlyLocked hints that the buffer is locked often from the CPU.
	FrequentlyLocked() bool

	// RequiresCycleAttach reports whether the buffer has host writes that
	// must be synchronized and tracked by the submission.
	RequiresCycleAttach() bool

	// SynchronizeHost flushes pending host writes to the GPU copy.
	SynchronizeHost()

	// Cycle returns the cycle of the last submission using the buffer.
	Cycle() *cycle.Cycle

	// UpdateCycle records c as the cycle of the last submission.
	UpdateCycle(c *cycle.Cycle)

	// AllowAllBackingWrites re-enables direct writes into GPU storage
	// once the buffer's pending writes belong to a submission.
	AllowAllBackingWrites()
}

// BufferView is an attachable range of a Buffer.
type BufferView interface {
	// LockWithTag locks the backing buffer.
	LockWithTag(tag Tag) bool

	Buffer() Buffer
}
