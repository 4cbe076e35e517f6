package node

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/cmdexec/resource"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// fakeView is an attachment identified by name.
type fakeView struct {
	name   string
	aspect resource.Aspect
}

func (v *fakeView) LockWithTag(resource.Tag) bool { return true }
func (v *fakeView) Texture() resource.Texture     { return nil }
func (v *fakeView) Native() hal.TextureView       { return nil }
func (v *fakeView) Aspect() resource.Aspect       { return v.aspect }

func views(vs ...*fakeView) []resource.TextureView {
	out := make([]resource.TextureView, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// traceEncoder records render pass begins and ends. Only the methods
// replay uses are implemented.
type traceEncoder struct {
	hal.CommandEncoder
	begins []*hal.RenderPassDescriptor
	ends   int
}

func (e *traceEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	e.begins = append(e.begins, desc)
	return &tracePass{enc: e}
}

type tracePass struct {
	hal.RenderPassEncoder
	enc *traceEncoder
}

func (p *tracePass) End() { p.enc.ends++ }

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindFunction, "Function"},
		{KindRenderPass, "RenderPass"},
		{KindNextSubpass, "NextSubpass"},
		{KindSubpassFunction, "SubpassFunction"},
		{KindNextSubpassFunction, "NextSubpassFunction"},
		{KindRenderPassEnd, "RenderPassEnd"},
		{Kind(99), "Kind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestKinds(t *testing.T) {
	nodes := []Node{
		Function{},
		NewRenderPass(Rect{}),
		SubpassFunction{},
		NextSubpass{},
		NextSubpassFunction{},
		RenderPassEnd{},
	}
	want := []Kind{
		KindFunction, KindRenderPass, KindSubpassFunction,
		KindNextSubpass, KindNextSubpassFunction, KindRenderPassEnd,
	}
	if diff := cmp.Diff(want, Kinds(nodes)); diff != "" {
		t.Errorf("Kinds() mismatch (-want +got):\n%s", diff)
	}
}

func TestAddSubpassDeduplicatesAttachments(t *testing.T) {
	a, b, c := &fakeView{name: "a"}, &fakeView{name: "b"}, &fakeView{name: "c"}
	p := NewRenderPass(Rect{Width: 64, Height: 64})
	p.AddSubpass(nil, views(a, b), nil)
	p.AddSubpass(views(a), views(c), nil)

	if got := p.SubpassCount(); got != 2 {
		t.Fatalf("SubpassCount() = %d, want 2", got)
	}
	if got := p.AttachmentCount(); got != 3 {
		t.Errorf("AttachmentCount() = %d, want 3", got)
	}
	if got := p.Area(); got != (Rect{Width: 64, Height: 64}) {
		t.Errorf("Area() = %+v", got)
	}
}

func TestClearColorAttachmentFold(t *testing.T) {
	a := &fakeView{name: "a"}
	red := gputypes.Color{R: 1, A: 1}
	blue := gputypes.Color{B: 1, A: 1}

	p := NewRenderPass(Rect{Width: 8, Height: 8})
	p.AddSubpass(nil, views(a), nil)

	if !p.ClearColorAttachment(0, red) {
		t.Fatal("clear of fresh attachment was not folded")
	}
	if !p.ClearColorAttachment(0, red) {
		t.Error("repeated clear with the same value was not folded")
	}
	if p.ClearColorAttachment(0, blue) {
		t.Error("clear with a different value was folded")
	}
	if p.ClearColorAttachment(1, red) {
		t.Error("clear of a missing color slot was folded")
	}

	desc := p.Descriptor(0)
	if len(desc.ColorAttachments) != 1 {
		t.Fatalf("got %d color attachments, want 1", len(desc.ColorAttachments))
	}
	ca := desc.ColorAttachments[0]
	if ca.LoadOp != gputypes.LoadOpClear || ca.ClearValue != red {
		t.Errorf("color attachment = %+v, want clear to red", ca)
	}
	if ca.StoreOp != gputypes.StoreOpStore {
		t.Errorf("StoreOp = %v, want Store", ca.StoreOp)
	}
}

func TestClearColorAttachmentNotFolded(t *testing.T) {
	a, b := &fakeView{name: "a"}, &fakeView{name: "b"}
	value := gputypes.Color{A: 1}

	t.Run("after command", func(t *testing.T) {
		p := NewRenderPass(Rect{})
		p.AddSubpass(nil, views(a), nil)
		p.NoteCommand()
		if p.ClearColorAttachment(0, value) {
			t.Error("clear folded after a command was recorded")
		}
	})

	t.Run("used by earlier subpass", func(t *testing.T) {
		p := NewRenderPass(Rect{})
		p.AddSubpass(nil, views(a), nil)
		p.AddSubpass(nil, views(a, b), nil)
		if p.ClearColorAttachment(0, value) {
			t.Error("clear folded for an attachment used by another subpass")
		}
		if !p.ClearColorAttachment(1, value) {
			t.Error("clear not folded for an attachment first used here")
		}
	})

	t.Run("also an input", func(t *testing.T) {
		p := NewRenderPass(Rect{})
		p.AddSubpass(views(a), views(a), nil)
		if p.ClearColorAttachment(0, value) {
			t.Error("clear folded for an attachment also used as input")
		}
	})

	t.Run("no subpass", func(t *testing.T) {
		p := NewRenderPass(Rect{})
		if p.ClearColorAttachment(0, value) {
			t.Error("clear folded without a subpass")
		}
	})
}

func TestClearDepthStencilAttachment(t *testing.T) {
	color := &fakeView{name: "color"}
	ds := &fakeView{name: "ds", aspect: resource.AspectDepthStencil}

	p := NewRenderPass(Rect{})
	p.AddSubpass(nil, views(color), nil)
	if p.ClearDepthStencilAttachment(1, 0) {
		t.Error("depth clear folded without a depth attachment")
	}

	p.AddSubpass(nil, views(color), ds)
	if !p.ClearDepthStencilAttachment(1, 0) {
		t.Fatal("depth clear not folded")
	}
	if !p.ClearDepthStencilAttachment(1, 0) {
		t.Error("same depth clear not folded")
	}
	if p.ClearDepthStencilAttachment(0.5, 0) {
		t.Error("different depth clear folded")
	}

	desc := p.Descriptor(1)
	dsa := desc.DepthStencilAttachment
	if dsa == nil {
		t.Fatal("no depth/stencil attachment in descriptor")
	}
	if dsa.DepthLoadOp != gputypes.LoadOpClear || dsa.DepthClearValue != 1 {
		t.Errorf("depth attachment = %+v, want clear to 1", dsa)
	}
	// The color attachment was first used in subpass 0, so subpass 1 loads it.
	if got := desc.ColorAttachments[0].LoadOp; got != gputypes.LoadOpLoad {
		t.Errorf("color LoadOp in subpass 1 = %v, want Load", got)
	}
}

func TestDescriptorSkipsNilColors(t *testing.T) {
	a := &fakeView{name: "a"}
	p := NewRenderPass(Rect{})
	p.AddSubpass(nil, []resource.TextureView{nil, a}, nil)
	if got := len(p.Descriptor(0).ColorAttachments); got != 1 {
		t.Errorf("got %d color attachments, want 1", got)
	}
}

func TestReplaySequence(t *testing.T) {
	a, b := &fakeView{name: "a"}, &fakeView{name: "b"}
	p := NewRenderPass(Rect{Width: 4, Height: 4})
	p.AddSubpass(nil, views(a), nil)
	p.AddSubpass(nil, views(b), nil)

	var trace []string
	nodes := []Node{
		Function{Fn: func(*Recorder) { trace = append(trace, "outside") }},
		p,
		SubpassFunction{Fn: func(rec *Recorder, pass *RenderPass, subpass uint32) {
			if pass != p {
				t.Error("subpass function got the wrong pass")
			}
			trace = append(trace, "draw0")
			if subpass != 0 {
				t.Errorf("first draw in subpass %d, want 0", subpass)
			}
		}},
		NextSubpassFunction{Fn: func(rec *Recorder, _ *RenderPass, subpass uint32) {
			trace = append(trace, "draw1")
			if subpass != 1 {
				t.Errorf("second draw in subpass %d, want 1", subpass)
			}
		}},
		RenderPassEnd{},
		Function{Fn: func(rec *Recorder) {
			if rec.InRenderPass() {
				t.Error("recorder still in a render pass after end")
			}
			trace = append(trace, "after")
		}},
	}

	enc := &traceEncoder{}
	rec := &Recorder{Encoder: enc}
	if err := Replay(rec, nodes); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if diff := cmp.Diff([]string{"outside", "draw0", "draw1", "after"}, trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if len(enc.begins) != 2 || enc.ends != 2 {
		t.Errorf("begins = %d, ends = %d, want 2 and 2", len(enc.begins), enc.ends)
	}
}

func TestReplayExplicitClear(t *testing.T) {
	a, b := &fakeView{name: "a"}, &fakeView{name: "b"}
	p := NewRenderPass(Rect{})
	p.AddSubpass(nil, views(a, b), nil)
	value := gputypes.Color{G: 1, A: 1}

	nodes := []Node{
		p,
		SubpassFunction{Fn: func(rec *Recorder, _ *RenderPass, _ uint32) {
			if err := rec.ClearColorAttachment(1, value); err != nil {
				t.Errorf("ClearColorAttachment: %v", err)
			}
			if err := rec.ClearColorAttachment(5, value); !errors.Is(err, ErrNoAttachment) {
				t.Errorf("ClearColorAttachment(5) = %v, want ErrNoAttachment", err)
			}
			if err := rec.ClearDepthStencilAttachment(1, 0); !errors.Is(err, ErrNoAttachment) {
				t.Errorf("ClearDepthStencilAttachment = %v, want ErrNoAttachment", err)
			}
		}},
		RenderPassEnd{},
	}

	enc := &traceEncoder{}
	if err := Replay(&Recorder{Encoder: enc}, nodes); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(enc.begins) != 2 {
		t.Fatalf("begins = %d, want 2 (initial + restart for the clear)", len(enc.begins))
	}
	restart := enc.begins[1]
	if restart.ColorAttachments[0].LoadOp != gputypes.LoadOpLoad {
		t.Error("untouched attachment should load on restart")
	}
	if ca := restart.ColorAttachments[1]; ca.LoadOp != gputypes.LoadOpClear || ca.ClearValue != value {
		t.Errorf("cleared attachment = %+v, want clear to %+v", ca, value)
	}
	if enc.ends != 2 {
		t.Errorf("ends = %d, want 2", enc.ends)
	}
}

func TestReplayErrors(t *testing.T) {
	pass := func() *RenderPass {
		p := NewRenderPass(Rect{})
		p.AddSubpass(nil, views(&fakeView{name: "a"}), nil)
		return p
	}
	noop := func(*Recorder, *RenderPass, uint32) {}

	tests := []struct {
		name  string
		nodes []Node
		want  error
	}{
		{"nested pass", []Node{pass(), pass()}, ErrRenderPassOpen},
		{"function inside pass", []Node{pass(), Function{Fn: func(*Recorder) {}}}, ErrRenderPassOpen},
		{"subpass without pass", []Node{SubpassFunction{Fn: noop}}, ErrNoRenderPass},
		{"next without pass", []Node{NextSubpass{}}, ErrNoRenderPass},
		{"end without pass", []Node{RenderPassEnd{}}, ErrNoRenderPass},
		{"advance past last", []Node{pass(), NextSubpassFunction{Fn: noop}}, ErrSubpassOverflow},
		{"empty pass", []Node{NewRenderPass(Rect{})}, ErrEmptyRenderPass},
		{"unterminated", []Node{pass()}, ErrRenderPassUnterminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Replay(&Recorder{Encoder: &traceEncoder{}}, tt.nodes)
			if !errors.Is(err, tt.want) {
				t.Errorf("Replay() = %v, want %v", err, tt.want)
			}
		})
	}
}
