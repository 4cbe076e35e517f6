// Package texture provides a HAL-backed texture that satisfies the
// resource.Texture contract.
//
// A Texture keeps a host-side staging copy of pending CPU writes. The
// command executor uploads the staged bytes inline when a submission
// references the texture, and records the submission's cycle so later CPU
// writes wait for the GPU to stop using the texture.
package texture

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

// Texture errors.
var (
	// ErrDestroyed is returned when operating on a destroyed texture.
	ErrDestroyed = errors.New("cmdexec: texture has been destroyed")

	// ErrInvalidSize is returned for zero-sized textures.
	ErrInvalidSize = errors.New("cmdexec: invalid texture size")

	// ErrDataSize is returned when written data does not cover the texture.
	ErrDataSize = errors.New("cmdexec: texture data size mismatch")

	// ErrNilDevice is returned when creating a texture without a device.
	ErrNilDevice = errors.New("cmdexec: HAL device is nil")
)

// FrequentLockThreshold is the number of CPU-side Lock calls after which a
// texture reports FrequentlyLocked.
const FrequentLockThreshold = 8

// Descriptor describes a texture to create.
type Descriptor struct {
	// Label is an optional debug name.
	Label string

	Width  uint32
	Height uint32

	// Format defaults to RGBA8Unorm.
	Format gputypes.TextureFormat

	// Usage defaults to RenderAttachment | TextureBinding | CopyDst | CopySrc.
	Usage gputypes.TextureUsage
}

// Texture is a 2D HAL texture with a default view.
//
// Texture is safe for concurrent use.
type Texture struct {
	resource.TagLock

	device hal.Device
	queue  hal.Queue
	native hal.Texture
	view   *View
	desc   Descriptor

	mu        sync.Mutex
	cycle     *cycle.Cycle
	staged    []byte
	gpuDirty  bool
	destroyed bool

	cpuLocks atomic.Uint32
	frequent atomic.Bool
}

// New creates a texture and its default view on device.
func New(device hal.Device, queue hal.Queue, desc Descriptor) (*Texture, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, desc.Width, desc.Height)
	}
	if desc.Format == gputypes.TextureFormatUndefined {
		desc.Format = gputypes.TextureFormatRGBA8Unorm
	}
	if desc.Usage == 0 {
		desc.Usage = gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding |
			gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	}

	native, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create texture %q: %w", desc.Label, err)
	}

	nativeView, err := device.CreateTextureView(native, &hal.TextureViewDescriptor{
		Label:  desc.Label + "_view",
		Aspect: gputypes.TextureAspectAll,
	})
	if err != nil {
		device.DestroyTexture(native)
		return nil, fmt.Errorf("create texture view %q: %w", desc.Label, err)
	}

	t := &Texture{
		device: device,
		queue:  queue,
		native: native,
		desc:   desc,
		cycle:  cycle.Signaled(),
	}
	t.view = &View{texture: t, native: nativeView, aspect: aspectOf(desc.Format)}
	return t, nil
}

// View returns the default view.
func (t *Texture) View() *View { return t.view }

// Native returns the HAL texture.
func (t *Texture) Native() hal.Texture { return t.native }

// Format returns the texture format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// Extent returns the texture size.
func (t *Texture) Extent() resource.Extent {
	return resource.Extent{Width: t.desc.Width, Height: t.desc.Height}
}

// Lock takes the texture for CPU access, blocking while an executor holds
// it. Every call counts towards FrequentLockThreshold.
func (t *Texture) Lock() {
	if t.cpuLocks.Add(1) >= FrequentLockThreshold {
		t.frequent.Store(true)
	}
	t.TagLock.Lock()
}

// MarkFrequentlyLocked forces FrequentlyLocked to report true.
func (t *Texture) MarkFrequentlyLocked() {
	t.frequent.Store(true)
}

// FrequentlyLocked reports whether the CPU locks the texture often enough
// that executors must release it after every submission.
func (t *Texture) FrequentlyLocked() bool {
	return t.frequent.Load()
}

// Write replaces the texture contents from the CPU. It waits for the last
// submission that used the texture, then stages data for upload by the next
// submission. data must hold exactly Width*Height texels.
func (t *Texture) Write(data []byte) error {
	want := int(t.desc.Width) * int(t.desc.Height) * bytesPerPixel(t.desc.Format)
	if len(data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrDataSize, len(data), want)
	}

	t.Lock()
	defer t.Unlock()

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	c := t.cycle
	t.mu.Unlock()

	if err := c.Wait(); err != nil && !errors.Is(err, cycle.ErrCancelled) {
		return fmt.Errorf("texture %q: %w", t.desc.Label, err)
	}

	t.mu.Lock()
	t.staged = append(t.staged[:0], data...)
	t.mu.Unlock()
	return nil
}

// Dirty reports whether staged host writes are waiting for a submission.
func (t *Texture) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.staged != nil
}

// GPUDirty reports whether a submission may have written the texture
// since the last CPU write.
func (t *Texture) GPUDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpuDirty
}

// SynchronizeHostInline uploads staged host writes ahead of the commands
// recorded into enc. The upload goes through the queue, which orders it
// before the command buffer built from enc is submitted.
func (t *Texture) SynchronizeHostInline(_ hal.CommandEncoder, _ *cycle.Cycle, gpuDirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	if t.staged != nil {
		bpp := uint32(bytesPerPixel(t.desc.Format)) //nolint:gosec // small constant
		t.queue.WriteTexture(
			&hal.ImageCopyTexture{Texture: t.native, MipLevel: 0},
			t.staged,
			&hal.ImageDataLayout{
				Offset:       0,
				BytesPerRow:  t.desc.Width * bpp,
				RowsPerImage: t.desc.Height,
			},
			&hal.Extent3D{Width: t.desc.Width, Height: t.desc.Height, DepthOrArrayLayers: 1},
		)
		t.staged = nil
	}
	if gpuDirty {
		t.gpuDirty = true
	}
}

// Cycle returns the cycle of the last submission that used the texture.
func (t *Texture) Cycle() *cycle.Cycle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycle
}

// UpdateCycle records c as the cycle of the last submission.
func (t *Texture) UpdateCycle(c *cycle.Cycle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycle = c
}

// Barrier returns a self-transition that orders the texture's prior
// writes before the next submission's commands.
func (t *Texture) Barrier() hal.TextureBarrier {
	usage := gputypes.TextureUsageTextureBinding
	if t.desc.Usage&gputypes.TextureUsageRenderAttachment != 0 {
		usage = gputypes.TextureUsageRenderAttachment
	}
	return hal.TextureBarrier{
		Texture: t.native,
		Usage: hal.TextureUsageTransition{
			OldUsage: usage,
			NewUsage: usage,
		},
	}
}

// Destroy waits for the last submission using the texture and releases
// the HAL objects. Destroy is idempotent.
func (t *Texture) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	c := t.cycle
	t.mu.Unlock()

	err := c.Wait()
	if errors.Is(err, cycle.ErrCancelled) {
		err = nil
	}
	t.device.DestroyTextureView(t.view.native)
	t.device.DestroyTexture(t.native)
	return err
}

// View is an attachable view of a Texture.
type View struct {
	texture *Texture
	native  hal.TextureView
	aspect  resource.Aspect
}

// LockWithTag locks the backing texture.
func (v *View) LockWithTag(tag resource.Tag) bool {
	return v.texture.LockWithTag(tag)
}

// Texture returns the backing texture.
func (v *View) Texture() resource.Texture { return v.texture }

// Native returns the HAL view.
func (v *View) Native() hal.TextureView { return v.native }

// Aspect returns the attachment aspect of the view.
func (v *View) Aspect() resource.Aspect { return v.aspect }

func aspectOf(format gputypes.TextureFormat) resource.Aspect {
	if format == gputypes.TextureFormatDepth24PlusStencil8 {
		return resource.AspectDepthStencil
	}
	return resource.AspectColor
}

func bytesPerPixel(format gputypes.TextureFormat) int {
	if format == gputypes.TextureFormatR8Unorm {
		return 1
	}
	return 4
}
