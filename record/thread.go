// Package record runs the recording goroutine that turns filled slots into
// submitted command buffers.
//
// A Thread owns a fixed ring of slots. The executor takes a free slot with
// AcquireSlot, fills it with nodes and hands it back with ReleaseSlot. The
// recording goroutine replays the nodes, submits the command buffer with the
// slot's fence and returns the slot to the free pool. AcquireSlot blocks
// while every slot is in flight, so the producer is never more than the
// ring size ahead of the recorder.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/cmdexec"
	"github.com/gogpu/cmdexec/node"
	"github.com/gogpu/wgpu/hal"
)

// Recording errors.
var (
	// ErrReplayPanic wraps a panic recovered while replaying a slot.
	ErrReplayPanic = errors.New("cmdexec: panic during slot replay")

	// ErrNilDevice is returned when creating a thread without a device.
	ErrNilDevice = errors.New("cmdexec: HAL device is nil")
)

func slogger() *slog.Logger { return cmdexec.Logger() }

// Thread is the recording goroutine and its slot ring.
type Thread struct {
	device hal.Device
	queue  hal.Queue
	cfg    cmdexec.Config

	slots    []*Slot
	incoming chan *Slot
	outgoing chan *Slot
	done     chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	faults    atomic.Uint64
}

// NewThread creates cfg.ActiveRecordSlots slots on device and starts the
// recording goroutine.
func NewThread(device hal.Device, queue hal.Queue, cfg cmdexec.Config) (*Thread, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	n := cfg.ActiveRecordSlots
	if n <= 0 {
		n = cmdexec.DefaultActiveRecordSlots
		cfg.ActiveRecordSlots = n
	}

	t := &Thread{
		device:   device,
		queue:    queue,
		cfg:      cfg,
		incoming: make(chan *Slot, n),
		outgoing: make(chan *Slot, n),
		done:     make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		s, err := newSlot(device, i, cfg.FenceTimeout, cfg.AllocatorChunkSize)
		if err != nil {
			for _, prev := range t.slots {
				prev.destroy()
			}
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		t.slots = append(t.slots, s)
		t.outgoing <- s
	}

	go t.run()
	return t, nil
}

// SlotCount returns the size of the slot ring.
func (t *Thread) SlotCount() int { return len(t.slots) }

// Faults returns the number of slots whose replay failed.
func (t *Thread) Faults() uint64 { return t.faults.Load() }

// AcquireSlot takes a free slot, blocking while all slots are in flight.
func (t *Thread) AcquireSlot() *Slot {
	if t.closed.Load() {
		panic("record: AcquireSlot on closed thread")
	}
	return <-t.outgoing
}

// ReleaseSlot queues a filled slot for recording. It never blocks.
func (t *Thread) ReleaseSlot(s *Slot) {
	if t.closed.Load() {
		panic("record: ReleaseSlot on closed thread")
	}
	select {
	case t.incoming <- s:
	default:
		panic("record: slot released twice")
	}
}

// ReturnSlot puts back a slot taken with AcquireSlot without recording it.
func (t *Thread) ReturnSlot(s *Slot) {
	t.outgoing <- s
}

func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	pprof.Do(context.Background(), pprof.Labels("thread", "cmd-record"), func(ctx context.Context) {
		slogger().Info("record: recording goroutine started", "slots", len(t.slots))
		for s := range t.incoming {
			t.processSlot(ctx, s)
		}
		slogger().Info("record: recording goroutine stopped", "faults", t.faults.Load())
	})
}

func (t *Thread) processSlot(ctx context.Context, s *Slot) {
	_, span := cmdexec.Tracer().Start(ctx, "record.ProcessSlot", trace.WithAttributes(
		attribute.Int("slot", s.index),
		attribute.Int("nodes", len(s.nodes)),
		attribute.Int64("execution", int64(s.executionNumber)), //nolint:gosec // counter
	))
	defer span.End()

	err := t.replay(s)
	if err != nil {
		t.faults.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		if s.begun {
			s.encoder.DiscardEncoding()
			s.begun = false
		}
		s.cycle.Cancel()
	} else {
		slogger().Debug("record: slot submitted",
			"slot", s.index, "nodes", len(s.nodes), "fence", s.fenceValue)
	}

	s.clearNodes()
	s.allocator.Reset()
	t.outgoing <- s

	if err != nil {
		t.fault(err)
	}
}

// replay records the slot's nodes and submits the command buffer. Panics
// raised by node functions are returned as errors carrying the stack.
func (t *Thread) replay(s *Slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrReplayPanic, r)
			slogger().Error("record: panic during replay",
				"slot", s.index, "execution", s.executionNumber, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if l := t.cfg.ReplayLock; l != nil {
		l.Lock()
		defer l.Unlock()
	}

	if !s.begun {
		if err := s.Begin(); err != nil {
			return err
		}
	}
	rec := &node.Recorder{Encoder: s.encoder, Cycle: s.cycle}
	if err := node.Replay(rec, s.nodes); err != nil {
		slogger().Error("record: replay failed",
			"slot", s.index, "execution", s.executionNumber, "error", err)
		return err
	}

	cmdBuf, err := s.encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	s.begun = false
	s.cmdBuf = cmdBuf

	if err := t.queue.Submit([]hal.CommandBuffer{cmdBuf}, s.fence, s.fenceValue); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	s.cycle.MarkSubmitted()
	return nil
}

// fault hands a replay failure to the configured handler. Without one
// there is no execution context to terminate and the failure is fatal.
func (t *Thread) fault(err error) {
	if h := t.cfg.FaultHandler; h != nil {
		h(err)
		return
	}
	panic(err)
}

// Close stops the recording goroutine after it drains queued slots, then
// waits for every slot's last submission and releases the slots. Slots
// still held by the caller have their armed cycle cancelled.
func (t *Thread) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.incoming)
		<-t.done
		for _, s := range t.slots {
			s.destroy()
		}
	})
}
