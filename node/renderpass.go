package node

import (
	"github.com/gogpu/cmdexec/resource"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Rect is a render area in framebuffer coordinates.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// noAttachment marks an unused color slot or a missing depth/stencil
// attachment in a subpass.
const noAttachment = -1

type attachment struct {
	view         resource.TextureView
	firstSubpass uint32
	loadOp       gputypes.LoadOp
	clearColor   gputypes.Color
	clearDepth   float32
	clearStencil uint32
}

type subpass struct {
	inputs       []int
	colors       []int
	depthStencil int
	commands     int
}

// RenderPass is a render pass under construction. The command executor
// keeps adding subpasses to the open pass; the recording goroutine replays
// it once the slot is submitted.
//
// The HAL has no subpasses, so every subpass is replayed as its own HAL
// render pass over the same area. An attachment uses its load op in the
// first subpass referencing it and loads in later ones, and is always
// stored.
type RenderPass struct {
	area        Rect
	attachments []*attachment
	subpasses   []subpass
}

// NewRenderPass returns an empty render pass over area.
func NewRenderPass(area Rect) *RenderPass {
	return &RenderPass{area: area}
}

// Area returns the render area.
func (p *RenderPass) Area() Rect { return p.area }

// SubpassCount returns the number of subpasses.
func (p *RenderPass) SubpassCount() uint32 {
	return uint32(len(p.subpasses)) //nolint:gosec // bounded by the subpass limit
}

// AttachmentCount returns the number of distinct attachments.
func (p *RenderPass) AttachmentCount() int { return len(p.attachments) }

// AddSubpass appends a subpass using the given attachments. Nil color
// entries leave the color slot unused.
func (p *RenderPass) AddSubpass(inputs, colors []resource.TextureView, depthStencil resource.TextureView) {
	index := p.SubpassCount()
	sp := subpass{
		inputs:       make([]int, len(inputs)),
		colors:       make([]int, len(colors)),
		depthStencil: noAttachment,
	}
	for i, v := range inputs {
		sp.inputs[i] = p.attachmentIndex(v, index)
	}
	for i, v := range colors {
		sp.colors[i] = p.attachmentIndex(v, index)
	}
	if depthStencil != nil {
		sp.depthStencil = p.attachmentIndex(depthStencil, index)
	}
	p.subpasses = append(p.subpasses, sp)
}

func (p *RenderPass) attachmentIndex(v resource.TextureView, subpass uint32) int {
	if v == nil {
		return noAttachment
	}
	for i, a := range p.attachments {
		if a.view == v {
			return i
		}
	}
	p.attachments = append(p.attachments, &attachment{
		view:         v,
		firstSubpass: subpass,
		loadOp:       gputypes.LoadOpLoad,
	})
	return len(p.attachments) - 1
}

// NoteCommand records that a command was added to the current subpass.
func (p *RenderPass) NoteCommand() {
	if len(p.subpasses) > 0 {
		p.subpasses[len(p.subpasses)-1].commands++
	}
}

// ClearColorAttachment folds a clear of color attachment colorIndex of the
// current subpass into the attachment's load op. It returns false when the
// clear has to be recorded explicitly: the attachment is referenced
// elsewhere in the pass, the subpass already recorded commands, or the
// attachment is already cleared to a different value.
func (p *RenderPass) ClearColorAttachment(colorIndex int, value gputypes.Color) bool {
	sp := p.current()
	if sp == nil || colorIndex < 0 || colorIndex >= len(sp.colors) {
		return false
	}
	a, ok := p.foldable(sp, sp.colors[colorIndex])
	if !ok {
		return false
	}
	switch a.loadOp {
	case gputypes.LoadOpLoad:
		a.loadOp = gputypes.LoadOpClear
		a.clearColor = value
		return true
	case gputypes.LoadOpClear:
		return a.clearColor == value
	default:
		return false
	}
}

// ClearDepthStencilAttachment folds a clear of the current subpass's
// depth/stencil attachment into its load op, under the same conditions as
// ClearColorAttachment.
func (p *RenderPass) ClearDepthStencilAttachment(depth float32, stencil uint32) bool {
	sp := p.current()
	if sp == nil {
		return false
	}
	a, ok := p.foldable(sp, sp.depthStencil)
	if !ok {
		return false
	}
	switch a.loadOp {
	case gputypes.LoadOpLoad:
		a.loadOp = gputypes.LoadOpClear
		a.clearDepth = depth
		a.clearStencil = stencil
		return true
	case gputypes.LoadOpClear:
		return a.clearDepth == depth && a.clearStencil == stencil
	default:
		return false
	}
}

func (p *RenderPass) current() *subpass {
	if len(p.subpasses) == 0 {
		return nil
	}
	return &p.subpasses[len(p.subpasses)-1]
}

// foldable returns the attachment at index if a clear of it can become
// its load op.
func (p *RenderPass) foldable(sp *subpass, index int) (*attachment, bool) {
	if index == noAttachment || sp.commands > 0 {
		return nil, false
	}
	if p.references(index) != 1 {
		return nil, false
	}
	return p.attachments[index], true
}

// references counts how often attachment index is referenced across all
// subpasses.
func (p *RenderPass) references(index int) int {
	n := 0
	for i := range p.subpasses {
		sp := &p.subpasses[i]
		for _, a := range sp.inputs {
			if a == index {
				n++
			}
		}
		for _, a := range sp.colors {
			if a == index {
				n++
			}
		}
		if sp.depthStencil == index {
			n++
		}
	}
	return n
}

// Descriptor returns the HAL render pass descriptor that replays subpass.
func (p *RenderPass) Descriptor(subpass uint32) *hal.RenderPassDescriptor {
	return p.descriptor(subpass, nil)
}

// clearOverride replaces the load op of one attachment when a clear is
// recorded explicitly in the middle of a subpass.
type clearOverride struct {
	attachment int
	color      gputypes.Color
	depth      float32
	stencil    uint32
}

func (p *RenderPass) descriptor(index uint32, clear *clearOverride) *hal.RenderPassDescriptor {
	sp := &p.subpasses[index]
	desc := &hal.RenderPassDescriptor{Label: "cmdexec_subpass"}

	loadOp := func(i int) gputypes.LoadOp {
		if clear != nil {
			if clear.attachment == i {
				return gputypes.LoadOpClear
			}
			return gputypes.LoadOpLoad
		}
		if a := p.attachments[i]; a.firstSubpass == index {
			return a.loadOp
		}
		return gputypes.LoadOpLoad
	}

	for _, i := range sp.colors {
		if i == noAttachment {
			continue
		}
		a := p.attachments[i]
		value := a.clearColor
		if clear != nil && clear.attachment == i {
			value = clear.color
		}
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:       a.view.Native(),
			LoadOp:     loadOp(i),
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: value,
		})
	}

	if i := sp.depthStencil; i != noAttachment {
		a := p.attachments[i]
		depth, stencil := a.clearDepth, a.clearStencil
		if clear != nil && clear.attachment == i {
			depth, stencil = clear.depth, clear.stencil
		}
		op := loadOp(i)
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              a.view.Native(),
			DepthLoadOp:       op,
			DepthStoreOp:      gputypes.StoreOpStore,
			DepthClearValue:   depth,
			StencilLoadOp:     op,
			StencilStoreOp:    gputypes.StoreOpStore,
			StencilClearValue: stencil,
		}
	}
	return desc
}

// colorAttachment returns the attachment index of color slot colorIndex of
// subpass, or noAttachment.
func (p *RenderPass) colorAttachment(subpass uint32, colorIndex int) int {
	sp := &p.subpasses[subpass]
	if colorIndex < 0 || colorIndex >= len(sp.colors) {
		return noAttachment
	}
	return sp.colors[colorIndex]
}

func (p *RenderPass) depthStencilAttachment(subpass uint32) int {
	return p.subpasses[subpass].depthStencil
}
