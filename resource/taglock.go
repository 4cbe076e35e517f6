package resource

import (
	"sync"
	"sync/atomic"
)

// Tag identifies the owner of a tag-lock. Each command executor allocates
// one tag for its lifetime and locks every resource it attaches with it.
type Tag uint64

// NoTag is the zero Tag. It marks an unlocked TagLock and plain CPU-side
// locks taken with Lock.
const NoTag Tag = 0

var tagCounter atomic.Uint64

// AllocateTag returns a process-unique tag that is never NoTag.
func AllocateTag() Tag {
	return Tag(tagCounter.Add(1))
}

// TagLock is an exclusive lock that remembers which tag holds it.
// The zero value is unlocked and ready to use.
//
// Tagged acquisition lets an executor attach the same resource many times in
// one submission: the second LockWithTag with the same tag reports false and
// the caller knows the resource is already tracked.
type TagLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
	owner  Tag
}

func (l *TagLock) waitCond() *sync.Cond {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	return l.cond
}

// LockWithTag acquires the lock for tag without blocking. It returns false
// if the lock is held by anyone, including tag itself.
func (l *TagLock) LockWithTag(tag Tag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	l.owner = tag
	return true
}

// WaitLockWithTag acquires the lock for tag, blocking while another owner
// holds it. It returns false without blocking if tag already holds it.
func (l *TagLock) WaitLockWithTag(tag Tag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.locked {
		if tag != NoTag && l.owner == tag {
			return false
		}
		l.waitCond().Wait()
	}
	l.locked = true
	l.owner = tag
	return true
}

// Lock acquires the lock without a tag, blocking while it is held.
func (l *TagLock) Lock() {
	l.WaitLockWithTag(NoTag)
}

// TryLock acquires the lock without a tag if it is free.
func (l *TagLock) TryLock() bool {
	return l.LockWithTag(NoTag)
}

// Unlock releases the lock. Unlocking an unlocked TagLock panics.
func (l *TagLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		panic("resource: unlock of unlocked TagLock")
	}
	l.locked = false
	l.owner = NoTag
	if l.cond != nil {
		l.cond.Broadcast()
	}
}

// OwnedBy reports whether the lock is held by tag.
func (l *TagLock) OwnedBy(tag Tag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked && l.owner == tag
}

// Owner returns the tag holding the lock, or NoTag.
func (l *TagLock) Owner() Tag {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Locked reports whether the lock is held.
func (l *TagLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// ContextLock is a scoped tag-lock acquisition. Ownership can be handed to
// a longer-lived holder with Release, after which Unlock does nothing.
type ContextLock struct {
	locker TagLocker
	owns   bool
}

// LockContext tries to lock l with tag. OwnsLock reports whether it
// succeeded; a false result means tag already holds the lock or another
// owner does.
func LockContext(l TagLocker, tag Tag) *ContextLock {
	return &ContextLock{locker: l, owns: l.LockWithTag(tag)}
}

// OwnsLock reports whether the context still owns the lock.
func (c *ContextLock) OwnsLock() bool {
	return c != nil && c.owns
}

// Release drops ownership without unlocking. The new owner becomes
// responsible for unlocking.
func (c *ContextLock) Release() {
	c.owns = false
}

// Unlock unlocks if the context still owns the lock.
func (c *ContextLock) Unlock() {
	if !c.owns {
		return
	}
	c.owns = false
	c.locker.Unlock()
}
