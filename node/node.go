// Package node defines deferred GPU operations and replays them into a
// HAL command encoder.
//
// The command executor never records native commands directly. It appends
// nodes to a recording slot and the recording goroutine replays them later,
// in insertion order, with Replay. A node sequence is a flat program over a
// small state machine:
//
//	idle    -> (*RenderPass)          -> in-pass, subpass 0
//	in-pass -> (NextSubpass)          -> in-pass, subpass n+1
//	in-pass -> (NextSubpassFunction)  -> in-pass, subpass n+1, then run
//	in-pass -> (SubpassFunction)      -> in-pass, run
//	in-pass -> (RenderPassEnd)        -> idle
//	idle    -> (Function)             -> idle, run
//
// Node is a closed set: only the six types in this package implement it.
package node

import "fmt"

// Kind identifies the type of a Node.
type Kind uint8

const (
	// KindFunction is a command recorded outside any render pass.
	KindFunction Kind = iota

	// KindRenderPass begins a render pass at subpass 0.
	KindRenderPass

	// KindNextSubpass advances to the next subpass.
	KindNextSubpass

	// KindSubpassFunction is a command recorded in the current subpass.
	KindSubpassFunction

	// KindNextSubpassFunction advances to the next subpass, then records a command.
	KindNextSubpassFunction

	// KindRenderPassEnd ends the current render pass.
	KindRenderPassEnd
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "Function"
	case KindRenderPass:
		return "RenderPass"
	case KindNextSubpass:
		return "NextSubpass"
	case KindSubpassFunction:
		return "SubpassFunction"
	case KindNextSubpassFunction:
		return "NextSubpassFunction"
	case KindRenderPassEnd:
		return "RenderPassEnd"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Node is a deferred operation.
type Node interface {
	Kind() Kind
	sealed()
}

// Func records a command outside any render pass.
type Func func(rec *Recorder)

// SubpassFunc records a command inside subpass of pass.
type SubpassFunc func(rec *Recorder, pass *RenderPass, subpass uint32)

// Function runs Fn outside any render pass.
type Function struct {
	Fn Func
}

// NextSubpass advances the open render pass to its next subpass.
type NextSubpass struct{}

// SubpassFunction runs Fn in the current subpass.
type SubpassFunction struct {
	Fn SubpassFunc
}

// NextSubpassFunction advances to the next subpass, then runs Fn in it.
type NextSubpassFunction struct {
	Fn SubpassFunc
}

// RenderPassEnd ends the open render pass.
type RenderPassEnd struct{}

func (Function) Kind() Kind            { return KindFunction }
func (*RenderPass) Kind() Kind         { return KindRenderPass }
func (NextSubpass) Kind() Kind         { return KindNextSubpass }
func (SubpassFunction) Kind() Kind     { return KindSubpassFunction }
func (NextSubpassFunction) Kind() Kind { return KindNextSubpassFunction }
func (RenderPassEnd) Kind() Kind       { return KindRenderPassEnd }

func (Function) sealed()            {}
func (*RenderPass) sealed()         {}
func (NextSubpass) sealed()         {}
func (SubpassFunction) sealed()     {}
func (NextSubpassFunction) sealed() {}
func (RenderPassEnd) sealed()       {}

// Kinds returns the kind of every node, in order.
func Kinds(nodes []Node) []Kind {
	kinds := make([]Kind, len(nodes))
	for i, n := range nodes {
		kinds[i] = n.Kind()
	}
	return kinds
}
