// Package cycle provides fence-backed completion tokens.
//
// A Cycle represents one batch of GPU work submitted with a hal.Fence value.
// Resources used by that work are attached to the cycle and kept alive until
// the fence reaches the value, at which point the cycle retires and releases
// them. Cycles can be chained so that waiting on a newer cycle also waits on
// the work it depends on.
//
// Memory ownership is handled by the garbage collector; what matters here is
// retirement timing. Retirement happens exactly once, under the cycle mutex,
// so an object attached concurrently with retirement is either released by
// the retirement or released immediately by AttachObject.
package cycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/cmdexec"
	"github.com/gogpu/wgpu/hal"
)

// Cycle errors.
var (
	// ErrCancelled is returned by Wait when the cycle was cancelled before
	// its work completed.
	ErrCancelled = errors.New("cmdexec: cycle cancelled")
)

// Waiter waits for a fence to reach a value. hal.Device implements it.
type Waiter interface {
	Wait(fence hal.Fence, value uint64, timeout time.Duration) (bool, error)
}

// Releaser is implemented by attached objects that drop a reference once
// the GPU work that used them has completed.
type Releaser interface {
	Release()
}

// State is the lifecycle state of a Cycle.
type State uint8

const (
	// StateArmed is a freshly created cycle whose work is not submitted yet.
	StateArmed State = iota

	// StateSubmitted is a cycle whose work was submitted to the queue.
	StateSubmitted

	// StateRetired is a cycle whose fence signaled. Attached objects have
	// been released.
	StateRetired

	// StateCancelled is a cycle that will never signal normally.
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateArmed:
		return "Armed"
	case StateSubmitted:
		return "Submitted"
	case StateRetired:
		return "Retired"
	case StateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Cycle is a completion token for one GPU submission.
//
// Cycle is safe for concurrent use.
type Cycle struct {
	waiter  Waiter
	fence   hal.Fence
	value   uint64
	timeout time.Duration

	mu        sync.Mutex
	state     State
	objects   []any
	chained   []*Cycle
	submitted chan struct{}
	done      chan struct{}
}

// New creates an armed cycle that signals when fence reaches value.
// timeout bounds each individual fence wait; Wait retries until the fence
// is reached.
func New(waiter Waiter, fence hal.Fence, value uint64, timeout time.Duration) *Cycle {
	if timeout <= 0 {
		timeout = cmdexec.DefaultFenceTimeout
	}
	return &Cycle{
		waiter:    waiter,
		fence:     fence,
		value:     value,
		timeout:   timeout,
		submitted: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Signaled returns a cycle that is already retired. Freshly created slots
// start with one so the first reuse does not wait.
func Signaled() *Cycle {
	c := &Cycle{
		state:     StateRetired,
		submitted: make(chan struct{}),
		done:      make(chan struct{}),
	}
	close(c.submitted)
	close(c.done)
	return c
}

// Fence returns the fence backing the cycle.
func (c *Cycle) Fence() hal.Fence { return c.fence }

// Value returns the fence value that signals the cycle.
func (c *Cycle) Value() uint64 { return c.value }

// State returns the current lifecycle state.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed when the cycle retires or is cancelled.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// MarkSubmitted records that the cycle's work was handed to the queue.
// Waiters blocked before submission proceed to the fence wait.
func (c *Cycle) MarkSubmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateArmed {
		return
	}
	c.state = StateSubmitted
	close(c.submitted)
}

// AttachObject keeps objs alive until the cycle retires. Objects that
// implement Releaser are released exactly once, at retirement or
// cancellation. Attaching to a cycle that already retired releases the
// objects immediately.
func (c *Cycle) AttachObject(objs ...any) {
	c.mu.Lock()
	if c.state == StateRetired || c.state == StateCancelled {
		c.mu.Unlock()
		releaseAll(objs)
		return
	}
	c.objects = append(c.objects, objs...)
	c.mu.Unlock()
}

// Chain makes waiting on c also wait on prev. Nil, self and already
// finished cycles are ignored.
func (c *Cycle) Chain(prev *Cycle) {
	if prev == nil || prev == c {
		return
	}
	select {
	case <-prev.done:
		return
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRetired || c.state == StateCancelled {
		return
	}
	c.chained = append(c.chained, prev)
}

// Chained reports how many cycles are chained to c and not yet dropped.
func (c *Cycle) Chained() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chained)
}

// Wait blocks until the cycle retires. Chained cycles are waited on first;
// a cancelled chained cycle counts as complete. Wait returns ErrCancelled
// if c itself is cancelled, or the device error if the fence wait fails.
func (c *Cycle) Wait() error {
	select {
	case <-c.submitted:
	case <-c.done:
	}
	if c.finished() {
		return c.result()
	}

	c.mu.Lock()
	chained := append([]*Cycle(nil), c.chained...)
	c.mu.Unlock()
	for _, prev := range chained {
		if err := prev.Wait(); err != nil && !errors.Is(err, ErrCancelled) {
			return err
		}
	}

	for {
		if c.finished() {
			return c.result()
		}
		ok, err := c.waiter.Wait(c.fence, c.value, c.timeout)
		if err != nil {
			return fmt.Errorf("wait fence value %d: %w", c.value, err)
		}
		if ok {
			c.retire()
			return c.result()
		}
		cmdexec.Logger().Warn("cycle: fence wait timed out, retrying",
			"value", c.value, "timeout", c.timeout)
	}
}

// Poll reports whether the cycle retired, retiring it if its fence has
// been reached. Poll never blocks.
func (c *Cycle) Poll() bool {
	if c.finished() {
		return true
	}
	select {
	case <-c.submitted:
	default:
		return false
	}

	c.mu.Lock()
	chained := append([]*Cycle(nil), c.chained...)
	c.mu.Unlock()
	for _, prev := range chained {
		if !prev.Poll() {
			return false
		}
	}

	ok, err := c.waiter.Wait(c.fence, c.value, 0)
	if err != nil || !ok {
		return false
	}
	c.retire()
	return true
}

// Cancel marks the cycle as never completing normally. Waiters return
// ErrCancelled and attached objects are released. Cancelling is only safe
// when the GPU no longer uses the attached objects, such as at teardown or
// when the work was never submitted.
func (c *Cycle) Cancel() {
	c.finish(StateCancelled)
}

func (c *Cycle) retire() {
	c.finish(StateRetired)
}

func (c *Cycle) finish(state State) {
	c.mu.Lock()
	if c.state == StateRetired || c.state == StateCancelled {
		c.mu.Unlock()
		return
	}
	if c.state == StateArmed {
		close(c.submitted)
	}
	c.state = state
	objs := c.objects
	c.objects = nil
	c.chained = nil
	close(c.done)
	c.mu.Unlock()

	releaseAll(objs)
}

func (c *Cycle) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Cycle) result() error {
	if c.State() == StateCancelled {
		return ErrCancelled
	}
	return nil
}

func releaseAll(objs []any) {
	for _, o := range objs {
		if r, ok := o.(Releaser); ok {
			r.Release()
		}
	}
}
