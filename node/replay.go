package node

import (
	"errors"
	"fmt"

	"github.com/gogpu/cmdexec/cycle"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Replay errors. All of them mean the node sequence broke the render pass
// state machine, which the command executor never produces.
var (
	// ErrRenderPassOpen is returned when a render pass begins, or a command
	// outside any render pass runs, while a pass is open.
	ErrRenderPassOpen = errors.New("cmdexec: render pass already open")

	// ErrNoRenderPass is returned when a subpass node runs with no open pass.
	ErrNoRenderPass = errors.New("cmdexec: no open render pass")

	// ErrRenderPassUnterminated is returned when a sequence ends inside a pass.
	ErrRenderPassUnterminated = errors.New("cmdexec: render pass not ended")

	// ErrSubpassOverflow is returned when advancing past the last subpass.
	ErrSubpassOverflow = errors.New("cmdexec: subpass index out of range")

	// ErrEmptyRenderPass is returned when a render pass has no subpasses.
	ErrEmptyRenderPass = errors.New("cmdexec: render pass has no subpasses")

	// ErrNoAttachment is returned when clearing an attachment the current
	// subpass does not use.
	ErrNoAttachment = errors.New("cmdexec: subpass has no such attachment")
)

// Recorder is the replay state handed to node functions.
//
// Encoder and Cycle are set by the recording goroutine for the whole slot.
// Pass, RenderPass and Subpass track the open render pass and are nil and
// zero outside one.
type Recorder struct {
	Encoder hal.CommandEncoder
	Cycle   *cycle.Cycle

	Pass       hal.RenderPassEncoder
	RenderPass *RenderPass
	Subpass    uint32
}

// InRenderPass reports whether a render pass is open.
func (r *Recorder) InRenderPass() bool {
	return r.RenderPass != nil
}

// ClearColorAttachment clears color slot colorIndex of the current subpass
// mid-pass. The HAL pass is restarted with a clear load op on that
// attachment and load ops on the others.
func (r *Recorder) ClearColorAttachment(colorIndex int, value gputypes.Color) error {
	if r.RenderPass == nil {
		return ErrNoRenderPass
	}
	index := r.RenderPass.colorAttachment(r.Subpass, colorIndex)
	if index == noAttachment {
		return fmt.Errorf("clear color attachment %d: %w", colorIndex, ErrNoAttachment)
	}
	r.restart(&clearOverride{attachment: index, color: value})
	return nil
}

// ClearDepthStencilAttachment clears the depth/stencil attachment of the
// current subpass mid-pass.
func (r *Recorder) ClearDepthStencilAttachment(depth float32, stencil uint32) error {
	if r.RenderPass == nil {
		return ErrNoRenderPass
	}
	index := r.RenderPass.depthStencilAttachment(r.Subpass)
	if index == noAttachment {
		return fmt.Errorf("clear depth/stencil attachment: %w", ErrNoAttachment)
	}
	r.restart(&clearOverride{attachment: index, depth: depth, stencil: stencil})
	return nil
}

func (r *Recorder) restart(clear *clearOverride) {
	if r.Pass != nil {
		r.Pass.End()
	}
	r.Pass = r.Encoder.BeginRenderPass(r.RenderPass.descriptor(r.Subpass, clear))
}

func (r *Recorder) begin(pass *RenderPass) error {
	if r.RenderPass != nil {
		return ErrRenderPassOpen
	}
	if pass.SubpassCount() == 0 {
		return ErrEmptyRenderPass
	}
	r.RenderPass = pass
	r.Subpass = 0
	r.Pass = r.Encoder.BeginRenderPass(pass.Descriptor(0))
	return nil
}

func (r *Recorder) nextSubpass() error {
	if r.RenderPass == nil {
		return ErrNoRenderPass
	}
	if r.Subpass+1 >= r.RenderPass.SubpassCount() {
		return ErrSubpassOverflow
	}
	r.Pass.End()
	r.Subpass++
	r.Pass = r.Encoder.BeginRenderPass(r.RenderPass.Descriptor(r.Subpass))
	return nil
}

func (r *Recorder) end() error {
	if r.RenderPass == nil {
		return ErrNoRenderPass
	}
	r.Pass.End()
	r.Pass = nil
	r.RenderPass = nil
	r.Subpass = 0
	return nil
}

// Replay records nodes into rec in order. It stops at the first node that
// violates the render pass state machine. rec is left idle on success.
func Replay(rec *Recorder, nodes []Node) error {
	for i, n := range nodes {
		if err := step(rec, n); err != nil {
			return fmt.Errorf("node %d (%s): %w", i, n.Kind(), err)
		}
	}
	if rec.RenderPass != nil {
		return ErrRenderPassUnterminated
	}
	return nil
}

func step(rec *Recorder, n Node) error {
	switch n := n.(type) {
	case Function:
		if rec.RenderPass != nil {
			return ErrRenderPassOpen
		}
		n.Fn(rec)
	case *RenderPass:
		return rec.begin(n)
	case NextSubpass:
		return rec.nextSubpass()
	case SubpassFunction:
		if rec.RenderPass == nil {
			return ErrNoRenderPass
		}
		n.Fn(rec, rec.RenderPass, rec.Subpass)
	case NextSubpassFunction:
		if err := rec.nextSubpass(); err != nil {
			return err
		}
		n.Fn(rec, rec.RenderPass, rec.Subpass)
	case RenderPassEnd:
		return rec.end()
	default:
		return fmt.Errorf("unknown node type %T", n)
	}
	return nil
}
