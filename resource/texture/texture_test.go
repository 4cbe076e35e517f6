package texture

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/cmdexec/internal/haltest"
	"github.com/gogpu/cmdexec/resource"
	"github.com/gogpu/gputypes"
)

var _ resource.Texture = (*Texture)(nil)
var _ resource.TextureView = (*View)(nil)

func newTestTexture(t *testing.T, desc Descriptor) *Texture {
	t.Helper()
	device, queue := haltest.NoopDevice(t)
	tex, err := New(device, queue, desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tex.Destroy() })
	return tex
}

func TestNewDefaults(t *testing.T) {
	tex := newTestTexture(t, Descriptor{Label: "color", Width: 4, Height: 2})

	if got := tex.Format(); got != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("Format() = %v, want RGBA8Unorm", got)
	}
	if got := tex.Extent(); got != (resource.Extent{Width: 4, Height: 2}) {
		t.Errorf("Extent() = %+v", got)
	}
	if tex.View() == nil || tex.View().Native() == nil {
		t.Fatal("default view not created")
	}
	if got := tex.View().Aspect(); got != resource.AspectColor {
		t.Errorf("Aspect() = %v, want AspectColor", got)
	}
	if tex.View().Texture() != resource.Texture(tex) {
		t.Error("View().Texture() does not return the owning texture")
	}
	if tex.Cycle().State() != cycle.StateRetired {
		t.Error("new texture should start with a retired cycle")
	}
}

func TestNewErrors(t *testing.T) {
	device, queue := haltest.NoopDevice(t)

	if _, err := New(nil, queue, Descriptor{Width: 1, Height: 1}); !errors.Is(err, ErrNilDevice) {
		t.Errorf("New(nil device) = %v, want ErrNilDevice", err)
	}
	if _, err := New(device, queue, Descriptor{Width: 0, Height: 1}); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("New(0x1) = %v, want ErrInvalidSize", err)
	}
}

func TestDepthStencilAspect(t *testing.T) {
	tex := newTestTexture(t, Descriptor{
		Width: 2, Height: 2,
		Format: gputypes.TextureFormatDepth24PlusStencil8,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if got := tex.View().Aspect(); got != resource.AspectDepthStencil {
		t.Errorf("Aspect() = %v, want AspectDepthStencil", got)
	}
}

func TestWriteAndSynchronize(t *testing.T) {
	tex := newTestTexture(t, Descriptor{Width: 2, Height: 2})

	if err := tex.Write(make([]byte, 3)); !errors.Is(err, ErrDataSize) {
		t.Fatalf("Write(short) = %v, want ErrDataSize", err)
	}
	if err := tex.Write(make([]byte, 16)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !tex.Dirty() {
		t.Fatal("Dirty() = false after Write")
	}

	c := cycle.New(nil, nil, 1, time.Second)
	tex.SynchronizeHostInline(nil, c, true)
	if tex.Dirty() {
		t.Error("Dirty() = true after SynchronizeHostInline")
	}
	if !tex.GPUDirty() {
		t.Error("GPUDirty() = false after synchronizing with gpuDirty")
	}
	if tex.Cycle() == c {
		t.Error("SynchronizeHostInline must leave cycle tracking to the caller")
	}
	c.Cancel()
}

func TestWriteWaitsForCycle(t *testing.T) {
	tex := newTestTexture(t, Descriptor{Width: 1, Height: 1})
	c := cycle.New(nil, nil, 1, time.Second)
	tex.UpdateCycle(c)

	done := make(chan error, 1)
	go func() { done <- tex.Write(make([]byte, 4)) }()

	select {
	case <-done:
		t.Fatal("Write returned while the texture cycle was pending")
	case <-time.After(20 * time.Millisecond):
	}

	c.Cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write did not return after the cycle finished")
	}
}

func TestFrequentlyLocked(t *testing.T) {
	tex := newTestTexture(t, Descriptor{Width: 1, Height: 1})
	if tex.FrequentlyLocked() {
		t.Fatal("new texture reports FrequentlyLocked")
	}
	for i := 0; i < FrequentLockThreshold; i++ {
		tex.Lock()
		tex.Unlock()
	}
	if !tex.FrequentlyLocked() {
		t.Errorf("FrequentlyLocked() = false after %d locks", FrequentLockThreshold)
	}

	other := newTestTexture(t, Descriptor{Width: 1, Height: 1})
	other.MarkFrequentlyLocked()
	if !other.FrequentlyLocked() {
		t.Error("MarkFrequentlyLocked had no effect")
	}
}

func TestViewLockWithTag(t *testing.T) {
	tex := newTestTexture(t, Descriptor{Width: 1, Height: 1})
	tag := resource.AllocateTag()

	if !tex.View().LockWithTag(tag) {
		t.Fatal("LockWithTag failed on free texture")
	}
	if tex.View().LockWithTag(tag) {
		t.Error("second LockWithTag with the same tag succeeded")
	}
	if !tex.OwnedBy(tag) {
		t.Error("texture not owned by tag")
	}
	tex.Unlock()
}

func TestBarrier(t *testing.T) {
	tex := newTestTexture(t, Descriptor{Width: 1, Height: 1})
	b := tex.Barrier()
	if b.Texture != tex.Native() {
		t.Error("barrier does not reference the texture")
	}
	if b.Usage.OldUsage != gputypes.TextureUsageRenderAttachment || b.Usage.NewUsage != gputypes.TextureUsageRenderAttachment {
		t.Errorf("barrier usage = %+v, want RenderAttachment self-transition", b.Usage)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	device, queue := haltest.NoopDevice(t)
	tex, err := New(device, queue, Descriptor{Width: 1, Height: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := tex.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := tex.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if err := tex.Write(make([]byte, 4)); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Write after Destroy = %v, want ErrDestroyed", err)
	}
}
