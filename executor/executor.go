// Package executor batches front-end commands into render passes and hands
// finished submissions to the recording goroutine.
//
// The Executor is driven by a single producer goroutine. Every Add call
// appends nodes to the current slot; Submit finalizes the slot (barriers,
// host synchronization, cycle bookkeeping), queues it for recording and
// immediately rotates to a fresh slot so the producer can keep going while
// the recorder and the GPU catch up.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/cmdexec"
	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/cmdexec/megabuffer"
	"github.com/gogpu/cmdexec/node"
	"github.com/gogpu/cmdexec/record"
	"github.com/gogpu/cmdexec/resource"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrInvalidProvider is returned by NewFromProvider when the provider does
// not expose HAL types.
var ErrInvalidProvider = errors.New("cmdexec: provider does not expose HAL device and queue")

func slogger() *slog.Logger { return cmdexec.Logger() }

// SubpassFlags controls how AddSubpassCommand batches a subpass.
type SubpassFlags uint8

const (
	// ForceNewSubpass starts a new subpass even when the attachments match
	// the previous one, e.g. to read back what the previous subpass wrote
	// through an input attachment.
	ForceNewSubpass SubpassFlags = 1 << iota

	// NoSubpassCreation prefers a new render pass over a new subpass when
	// the attachments change.
	NoSubpassCreation
)

// Managers are the coarse locks of the resource managers whose resources
// the executor attaches. Each is taken at most once per submission, the
// first time the executor needs it, and released when the submission
// resets. Taking the manager lock before any resource lock keeps the
// executor and a manager-holding goroutine from deadlocking on each other.
type Managers struct {
	Textures   sync.Locker
	Buffers    sync.Locker
	MegaBuffer *megabuffer.Allocator
}

// Executor accumulates commands for one submission at a time.
// It is not safe for concurrent use.
type Executor struct {
	cfg    cmdexec.Config
	thread *record.Thread
	tag    resource.Tag

	managers      Managers
	ownMegaBuffer bool

	slot      *record.Slot
	cycle     *cycle.Cycle
	allocator *record.Allocator

	renderPass   *node.RenderPass
	subpassCount uint32
	lastInputs   []resource.TextureView
	lastColors   []resource.TextureView
	lastDepth    resource.TextureView

	attachedTextures         []resource.Texture
	attachedBuffers          []resource.Buffer
	preserveAttachedTextures []resource.Texture
	preserveAttachedBuffers  []resource.Buffer
	preserveLocked           bool

	textureManagerLocked    bool
	bufferManagerLocked     bool
	megaBufferManagerLocked bool

	flushCallbacks          []func()
	pipelineChangeCallbacks []func()

	executionNumber  uint64
	submissionNumber uint64
	closed           bool
}

// New creates an executor recording on device and submitting to queue.
// Nil manager locks get private registries; a nil MegaBuffer gets an
// allocator owned by the executor.
func New(device hal.Device, queue hal.Queue, managers Managers, opts ...cmdexec.Option) (*Executor, error) {
	cfg := cmdexec.NewConfig(opts...)
	thread, err := record.NewThread(device, queue, cfg)
	if err != nil {
		return nil, fmt.Errorf("cmdexec: start recording thread: %w", err)
	}

	e := &Executor{
		cfg:            cfg,
		thread:         thread,
		tag:            resource.AllocateTag(),
		managers:       managers,
		preserveLocked: true,
	}
	if e.managers.Textures == nil {
		e.managers.Textures = resource.NewManager[resource.Texture]()
	}
	if e.managers.Buffers == nil {
		e.managers.Buffers = resource.NewManager[resource.Buffer]()
	}
	if e.managers.MegaBuffer == nil {
		e.managers.MegaBuffer = megabuffer.New(device, queue, cfg.MegaBufferChunkSize)
		e.ownMegaBuffer = true
	}

	if err := e.rotateRecordSlot(); err != nil {
		thread.Close()
		return nil, err
	}
	slogger().Debug("executor: created",
		"tag", uint64(e.tag), "slots", thread.SlotCount(), "max_subpasses", cfg.MaxSubpassCount)
	return e, nil
}

// NewFromProvider creates an executor on a device shared by a host
// application. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, managers Managers, opts ...cmdexec.Option) (*Executor, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrInvalidProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrInvalidProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrInvalidProvider)
	}
	return New(device, queue, managers, opts...)
}

// Tag returns the executor's resource tag.
func (e *Executor) Tag() resource.Tag { return e.tag }

// Cycle returns the cycle of the submission being built.
func (e *Executor) Cycle() *cycle.Cycle {
	e.ensureSlot()
	return e.cycle
}

// Allocator returns the scratch allocator of the submission being built.
// Memory from it stays valid until the submission has been recorded.
func (e *Executor) Allocator() *record.Allocator {
	e.ensureSlot()
	return e.allocator
}

// ExecutionNumber returns the number of Submit calls so far.
func (e *Executor) ExecutionNumber() uint64 { return e.executionNumber }

// SubmissionNumber returns the number of Submit calls that had work.
func (e *Executor) SubmissionNumber() uint64 { return e.submissionNumber }

// Faults returns the number of submissions whose recording failed.
func (e *Executor) Faults() uint64 { return e.thread.Faults() }

// rotateRecordSlot takes the next free slot. On failure the slot goes back
// to the pool and the executor stays without one until the next attempt.
func (e *Executor) rotateRecordSlot() error {
	s := e.thread.AcquireSlot()
	c, err := s.Reset()
	if err != nil {
		e.thread.ReturnSlot(s)
		return fmt.Errorf("cmdexec: reset slot: %w", err)
	}
	e.slot, e.cycle, e.allocator = s, c, s.Allocator()
	s.SetExecutionNumber(e.executionNumber)
	return nil
}

// ensureSlot retries a failed rotation for entry points that cannot
// report errors.
func (e *Executor) ensureSlot() {
	if e.slot != nil {
		return
	}
	if err := e.rotateRecordSlot(); err != nil {
		panic(err)
	}
}

// AddOutsideRenderPassCommand appends fn to run outside any render pass,
// ending the open render pass first.
func (e *Executor) AddOutsideRenderPassCommand(fn node.Func) {
	e.ensureSlot()
	e.finishRenderPass()
	e.slot.AppendNode(node.Function{Fn: fn})
}

// AddSubpassCommand appends fn to run inside a subpass with the given
// attachments, reusing the open render pass and subpass when possible.
func (e *Executor) AddSubpassCommand(fn node.SubpassFunc, area node.Rect, inputs, colors []resource.TextureView, depthStencil resource.TextureView, flags SubpassFlags) {
	gotoNext := e.createRenderPassWithSubpass(area, inputs, colors, depthStencil, flags)
	e.renderPass.NoteCommand()
	e.appendSubpassFunction(gotoNext, fn)
}

// AddClearColorSubpass clears view to value over its whole extent. The
// clear is folded into the attachment's load operation when nothing in
// the render pass has touched the attachment yet.
func (e *Executor) AddClearColorSubpass(view resource.TextureView, value gputypes.Color) {
	colors := []resource.TextureView{view}
	gotoNext := e.createRenderPassWithSubpass(extentRect(view), nil, colors, nil, 0)
	if e.renderPass.ClearColorAttachment(0, value) {
		if gotoNext {
			e.slot.AppendNode(node.NextSubpass{})
		}
		return
	}

	e.renderPass.NoteCommand()
	e.appendSubpassFunction(gotoNext, func(rec *node.Recorder, _ *node.RenderPass, _ uint32) {
		if err := rec.ClearColorAttachment(0, value); err != nil {
			panic(err)
		}
	})
}

// AddClearDepthStencilSubpass clears the depth/stencil view over its whole
// extent, folding into the load operation when possible.
func (e *Executor) AddClearDepthStencilSubpass(view resource.TextureView, depth float32, stencil uint32) {
	gotoNext := e.createRenderPassWithSubpass(extentRect(view), nil, nil, view, 0)
	if e.renderPass.ClearDepthStencilAttachment(depth, stencil) {
		if gotoNext {
			e.slot.AppendNode(node.NextSubpass{})
		}
		return
	}

	e.renderPass.NoteCommand()
	e.appendSubpassFunction(gotoNext, func(rec *node.Recorder, _ *node.RenderPass, _ uint32) {
		if err := rec.ClearDepthStencilAttachment(depth, stencil); err != nil {
			panic(err)
		}
	})
}

func (e *Executor) appendSubpassFunction(gotoNext bool, fn node.SubpassFunc) {
	if gotoNext {
		e.slot.AppendNode(node.NextSubpassFunction{Fn: fn})
	} else {
		e.slot.AppendNode(node.SubpassFunction{Fn: fn})
	}
}

func extentRect(view resource.TextureView) node.Rect {
	ext := view.Texture().Extent()
	return node.Rect{Width: ext.Width, Height: ext.Height}
}

// createRenderPassWithSubpass makes the given attachments current. It
// returns true when a new subpass was added to the open render pass, in
// which case the caller's node must advance to it.
func (e *Executor) createRenderPassWithSubpass(area node.Rect, inputs, colors []resource.TextureView, depthStencil resource.TextureView, flags SubpassFlags) bool {
	e.ensureSlot()
	match := e.renderPass != nil && e.attachmentsMatch(inputs, colors, depthStencil)
	needsSubpass := !match || flags&ForceNewSubpass != 0
	limited := flags&NoSubpassCreation != 0 || e.subpassCount >= e.cfg.MaxSubpassCount

	if e.renderPass == nil || e.renderPass.Area() != area || (limited && needsSubpass) {
		if e.renderPass != nil {
			e.slot.AppendNode(node.RenderPassEnd{})
		}
		e.renderPass = node.NewRenderPass(area)
		e.slot.AppendNode(e.renderPass)
		e.addSubpass(inputs, colors, depthStencil)
		e.subpassCount = 1
		return false
	}
	if !needsSubpass {
		return false
	}
	e.addSubpass(inputs, colors, depthStencil)
	e.subpassCount++
	return true
}

func (e *Executor) addSubpass(inputs, colors []resource.TextureView, depthStencil resource.TextureView) {
	e.renderPass.AddSubpass(inputs, colors, depthStencil)
	e.lastInputs = slices.Clone(inputs)
	e.lastColors = slices.Clone(colors)
	e.lastDepth = depthStencil
}

func (e *Executor) attachmentsMatch(inputs, colors []resource.TextureView, depthStencil resource.TextureView) bool {
	return slices.Equal(e.lastInputs, inputs) &&
		slices.Equal(e.lastColors, colors) &&
		e.lastDepth == depthStencil
}

func (e *Executor) finishRenderPass() {
	if e.renderPass == nil {
		return
	}
	e.slot.AppendNode(node.RenderPassEnd{})
	e.renderPass = nil
	e.subpassCount = 0
	e.lastInputs = nil
	e.lastColors = nil
	e.lastDepth = nil
}

// AcquireTextureManager locks the texture manager for the rest of the
// submission. Repeated calls within a submission do not lock again.
func (e *Executor) AcquireTextureManager() sync.Locker {
	if !e.textureManagerLocked {
		e.managers.Textures.Lock()
		e.textureManagerLocked = true
	}
	return e.managers.Textures
}

// AcquireBufferManager locks the buffer manager for the rest of the
// submission.
func (e *Executor) AcquireBufferManager() sync.Locker {
	if !e.bufferManagerLocked {
		e.managers.Buffers.Lock()
		e.bufferManagerLocked = true
	}
	return e.managers.Buffers
}

// AcquireMegaBufferAllocator locks the mega-buffer allocator for the rest
// of the submission.
func (e *Executor) AcquireMegaBufferAllocator() *megabuffer.Allocator {
	if !e.megaBufferManagerLocked {
		e.managers.MegaBuffer.Lock()
		e.megaBufferManagerLocked = true
	}
	return e.managers.MegaBuffer
}

// AttachTexture locks the view's texture for the submission. Attaching a
// texture the executor already holds succeeds without tracking it twice.
// It returns false without blocking if another owner holds the texture, in
// which case the caller must treat it as busy.
func (e *Executor) AttachTexture(view resource.TextureView) bool {
	e.AcquireTextureManager()
	e.relockPreserve()

	tex := view.Texture()
	if !view.LockWithTag(e.tag) {
		return tex.OwnedBy(e.tag)
	}
	if tex.FrequentlyLocked() {
		e.attachedTextures = append(e.attachedTextures, tex)
	} else {
		e.preserveAttachedTextures = append(e.preserveAttachedTextures, tex)
	}
	return true
}

// AttachBuffer locks the view's buffer for the submission, with the same
// result semantics as AttachTexture.
func (e *Executor) AttachBuffer(view resource.BufferView) bool {
	e.AcquireBufferManager()
	e.relockPreserve()

	buf := view.Buffer()
	if !view.LockWithTag(e.tag) {
		return buf.OwnedBy(e.tag)
	}
	e.trackBuffer(buf)
	return true
}

// AttachLockedBufferView takes over a lock the caller acquired on view.
// Nothing happens if lock does not own the lock.
func (e *Executor) AttachLockedBufferView(view resource.BufferView, lock *resource.ContextLock) {
	e.AcquireBufferManager()
	e.relockPreserve()

	if lock.OwnsLock() {
		e.trackBuffer(view.Buffer())
		lock.Release()
	}
}

// AttachLockedBuffer takes over a lock the caller acquired on buf.
func (e *Executor) AttachLockedBuffer(buf resource.Buffer, lock *resource.ContextLock) {
	e.relockPreserve()

	if lock.OwnsLock() {
		e.trackBuffer(buf)
		lock.Release()
	}
}

func (e *Executor) trackBuffer(buf resource.Buffer) {
	if buf.FrequentlyLocked() {
		e.attachedBuffers = append(e.attachedBuffers, buf)
	} else {
		e.preserveAttachedBuffers = append(e.preserveAttachedBuffers, buf)
	}
}

// AttachDependency keeps obj alive until the current submission retires.
func (e *Executor) AttachDependency(obj any) {
	e.ensureSlot()
	e.cycle.AttachObject(obj)
}

// AddFlushCallback registers fn to run at the start of every Submit.
func (e *Executor) AddFlushCallback(fn func()) {
	e.flushCallbacks = append(e.flushCallbacks, fn)
}

// AddPipelineChangeCallback registers fn to run on NotifyPipelineChange.
func (e *Executor) AddPipelineChangeCallback(fn func()) {
	e.pipelineChangeCallbacks = append(e.pipelineChangeCallbacks, fn)
}

// NotifyPipelineChange runs the pipeline change callbacks in registration
// order.
func (e *Executor) NotifyPipelineChange() {
	for _, fn := range e.pipelineChangeCallbacks {
		fn()
	}
}

// LockPreserve re-acquires the preserve-attached resources after
// UnlockPreserve, blocking until each is available.
func (e *Executor) LockPreserve() {
	if e.preserveLocked {
		return
	}
	e.preserveLocked = true
	for _, buf := range e.preserveAttachedBuffers {
		buf.WaitLockWithTag(e.tag)
	}
	for _, tex := range e.preserveAttachedTextures {
		tex.WaitLockWithTag(e.tag)
	}
}

// relockPreserve re-acquires the preserve sets without blocking. Resources
// another owner took in the meantime are dropped from the sets; the caller
// holds a manager lock and must not wait on them.
func (e *Executor) relockPreserve() {
	if e.preserveLocked {
		return
	}
	e.preserveLocked = true
	e.preserveAttachedBuffers = slices.DeleteFunc(e.preserveAttachedBuffers, func(buf resource.Buffer) bool {
		return !buf.LockWithTag(e.tag)
	})
	e.preserveAttachedTextures = slices.DeleteFunc(e.preserveAttachedTextures, func(tex resource.Texture) bool {
		return !tex.LockWithTag(e.tag)
	})
}

// UnlockPreserve releases the preserve-attached resources so other owners
// can use them while the executor is idle. LockPreserve and Submit re-lock
// them, waiting for other owners. The next attachment re-locks only those
// still free and drops the rest.
func (e *Executor) UnlockPreserve() {
	if !e.preserveLocked {
		return
	}
	for _, buf := range e.preserveAttachedBuffers {
		buf.Unlock()
	}
	for _, tex := range e.preserveAttachedTextures {
		tex.Unlock()
	}
	e.preserveLocked = false
}

// Submit finalizes the current submission and queues it for recording.
// Flush callbacks always run and the execution number always advances;
// a submission without nodes only resets executor state. The returned
// error reports a failure to begin encoding or to rotate to the next slot.
func (e *Executor) Submit() error {
	if e.slot == nil {
		if err := e.rotateRecordSlot(); err != nil {
			return err
		}
	}
	for _, fn := range e.flushCallbacks {
		fn()
	}
	e.executionNumber++

	var err error
	if !e.slot.Empty() {
		err = e.submitInternal()
		if err == nil {
			e.submissionNumber++
		}
	}
	e.resetInternal()
	return err
}

func (e *Executor) submitInternal() error {
	_, span := cmdexec.Tracer().Start(context.Background(), "executor.Submit", trace.WithAttributes(
		attribute.Int64("execution", int64(e.executionNumber)), //nolint:gosec // counter
		attribute.Int("nodes", len(e.slot.Nodes())),
		attribute.Int("textures", len(e.attachedTextures)+len(e.preserveAttachedTextures)),
		attribute.Int("buffers", len(e.attachedBuffers)+len(e.preserveAttachedBuffers)),
	))
	defer span.End()

	e.LockPreserve()
	e.finishRenderPass()

	if err := e.slot.Begin(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin encoding failed")
		return err
	}
	enc := e.slot.Encoder()

	textures := slices.Concat(e.attachedTextures, e.preserveAttachedTextures)
	if len(textures) > 0 {
		barriers := make([]hal.TextureBarrier, 0, len(textures))
		for _, tex := range textures {
			barriers = append(barriers, tex.Barrier())
		}
		enc.TransitionTextures(barriers)
	}

	var chained []*cycle.Cycle
	for _, tex := range textures {
		tex.SynchronizeHostInline(enc, e.cycle, true)
		if prev := tex.Cycle(); !slices.Contains(chained, prev) {
			e.cycle.Chain(prev)
			chained = append(chained, prev)
		}
		tex.UpdateCycle(e.cycle)
	}

	for _, buf := range slices.Concat(e.attachedBuffers, e.preserveAttachedBuffers) {
		if buf.RequiresCycleAttach() {
			buf.SynchronizeHost()
			e.cycle.AttachObject(buf)
			buf.AllowAllBackingWrites()
		}
		if prev := buf.Cycle(); !slices.Contains(chained, prev) {
			e.cycle.Chain(prev)
			chained = append(chained, prev)
		}
		buf.UpdateCycle(e.cycle)
	}

	slogger().Debug("executor: submitting",
		"execution", e.executionNumber, "slot", e.slot.Index(),
		"nodes", len(e.slot.Nodes()), "textures", len(textures), "chained", len(chained))

	e.thread.ReleaseSlot(e.slot)
	e.slot, e.cycle, e.allocator = nil, nil, nil
	if err := e.rotateRecordSlot(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "slot rotation failed")
		return err
	}
	return nil
}

func (e *Executor) resetInternal() {
	for _, tex := range e.attachedTextures {
		tex.Unlock()
	}
	clear(e.attachedTextures)
	e.attachedTextures = e.attachedTextures[:0]

	for _, buf := range e.attachedBuffers {
		buf.Unlock()
	}
	clear(e.attachedBuffers)
	e.attachedBuffers = e.attachedBuffers[:0]

	e.releaseManagers()
	if e.allocator != nil {
		e.allocator.Reset()
	}

	// New waiters on preserved resources would otherwise wait forever.
	if e.submissionNumber%e.cfg.PreserveFlushPeriod() == 0 {
		e.flushPreserve()
	}
}

func (e *Executor) flushPreserve() {
	if e.preserveLocked {
		for _, buf := range e.preserveAttachedBuffers {
			buf.Unlock()
		}
		for _, tex := range e.preserveAttachedTextures {
			tex.Unlock()
		}
	}
	clear(e.preserveAttachedBuffers)
	e.preserveAttachedBuffers = e.preserveAttachedBuffers[:0]
	clear(e.preserveAttachedTextures)
	e.preserveAttachedTextures = e.preserveAttachedTextures[:0]
	e.preserveLocked = true
}

func (e *Executor) releaseManagers() {
	if e.textureManagerLocked {
		e.managers.Textures.Unlock()
		e.textureManagerLocked = false
	}
	if e.bufferManagerLocked {
		e.managers.Buffers.Unlock()
		e.bufferManagerLocked = false
	}
	if e.megaBufferManagerLocked {
		e.managers.MegaBuffer.Unlock()
		e.megaBufferManagerLocked = false
	}
}

// Close discards any unsubmitted commands, releases every attached
// resource and manager lock, and stops the recording goroutine after the
// queued submissions are recorded. Close is idempotent.
func (e *Executor) Close() {
	if e.closed {
		return
	}
	e.closed = true

	e.renderPass = nil
	if e.cycle != nil {
		e.cycle.Cancel()
	}
	for _, tex := range e.attachedTextures {
		tex.Unlock()
	}
	for _, buf := range e.attachedBuffers {
		buf.Unlock()
	}
	e.attachedTextures, e.attachedBuffers = nil, nil
	e.flushPreserve()
	e.releaseManagers()

	e.thread.Close()
	if e.ownMegaBuffer {
		e.managers.MegaBuffer.Destroy()
	}
	slogger().Debug("executor: closed",
		"executions", e.executionNumber, "submissions", e.submissionNumber)
}
