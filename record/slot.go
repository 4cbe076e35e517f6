package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/cmdexec/node"
	"github.com/gogpu/wgpu/hal"
)

// Slot is a reusable recording context: a command encoder, a fence, the
// cycle of the submission being built and the nodes that make it up.
//
// A slot is owned by exactly one side at a time. The executor owns it
// between AcquireSlot and ReleaseSlot; the recording goroutine owns it
// until it is back in the free pool.
type Slot struct {
	index   int
	device  hal.Device
	timeout time.Duration

	encoder    hal.CommandEncoder
	fence      hal.Fence
	fenceValue uint64
	cmdBuf     hal.CommandBuffer
	begun      bool

	cycle     *cycle.Cycle
	nodes     []node.Node
	allocator *Allocator

	executionNumber uint64
}

func newSlot(device hal.Device, index int, timeout time.Duration, chunkSize int) (*Slot, error) {
	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: fmt.Sprintf("cmdexec_slot_%d", index),
	})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	return &Slot{
		index:     index,
		device:    device,
		timeout:   timeout,
		encoder:   encoder,
		fence:     fence,
		cycle:     cycle.Signaled(),
		allocator: NewAllocator(chunkSize),
	}, nil
}

// Index returns the slot's position in the ring.
func (s *Slot) Index() int { return s.index }

// Reset waits for the slot's previous submission to retire, frees its
// command buffer and arms a fresh cycle for the next submission.
func (s *Slot) Reset() (*cycle.Cycle, error) {
	if err := s.cycle.Wait(); err != nil && !errors.Is(err, cycle.ErrCancelled) {
		return nil, fmt.Errorf("slot %d: %w", s.index, err)
	}
	if s.cmdBuf != nil {
		s.device.FreeCommandBuffer(s.cmdBuf)
		s.cmdBuf = nil
	}
	s.fenceValue++
	s.cycle = cycle.New(s.device, s.fence, s.fenceValue, s.timeout)
	return s.cycle, nil
}

// Begin starts encoding. The executor calls it when it finalizes the slot,
// before recording barriers and host synchronization.
func (s *Slot) Begin() error {
	if s.begun {
		return nil
	}
	if err := s.encoder.BeginEncoding(fmt.Sprintf("cmdexec_submission_%d", s.fenceValue)); err != nil {
		return fmt.Errorf("slot %d: begin encoding: %w", s.index, err)
	}
	s.begun = true
	return nil
}

// AppendNode adds n to the slot.
func (s *Slot) AppendNode(n node.Node) {
	s.nodes = append(s.nodes, n)
}

// Nodes returns the nodes accumulated so far.
func (s *Slot) Nodes() []node.Node { return s.nodes }

// Empty reports whether the slot holds no nodes.
func (s *Slot) Empty() bool { return len(s.nodes) == 0 }

// Encoder returns the slot's command encoder.
func (s *Slot) Encoder() hal.CommandEncoder { return s.encoder }

// Cycle returns the cycle of the submission being built.
func (s *Slot) Cycle() *cycle.Cycle { return s.cycle }

// Allocator returns the slot's scratch allocator.
func (s *Slot) Allocator() *Allocator { return s.allocator }

// ExecutionNumber returns the executor execution the slot was filled under.
func (s *Slot) ExecutionNumber() uint64 { return s.executionNumber }

// SetExecutionNumber records the execution the slot is filled under.
func (s *Slot) SetExecutionNumber(n uint64) { s.executionNumber = n }

// clearNodes drops node references so captured resources can be collected.
func (s *Slot) clearNodes() {
	clear(s.nodes)
	s.nodes = s.nodes[:0]
}

func (s *Slot) destroy() {
	if s.cycle.State() == cycle.StateArmed {
		s.cycle.Cancel()
	}
	if err := s.cycle.Wait(); err != nil && !errors.Is(err, cycle.ErrCancelled) {
		slogger().Warn("record: slot wait on close failed", "slot", s.index, "error", err)
	}
	if s.begun {
		s.encoder.DiscardEncoding()
		s.begun = false
	}
	if s.cmdBuf != nil {
		s.device.FreeCommandBuffer(s.cmdBuf)
		s.cmdBuf = nil
	}
	s.device.DestroyFence(s.fence)
	s.clearNodes()
}
