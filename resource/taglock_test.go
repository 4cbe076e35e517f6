package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocateTagUnique(t *testing.T) {
	seen := make(map[Tag]bool)
	for i := 0; i < 100; i++ {
		tag := AllocateTag()
		require.NotEqual(t, NoTag, tag)
		require.False(t, seen[tag], "tag %d allocated twice", tag)
		seen[tag] = true
	}
}

func TestLockWithTag(t *testing.T) {
	var l TagLock
	a, b := AllocateTag(), AllocateTag()

	require.True(t, l.LockWithTag(a))
	require.True(t, l.OwnedBy(a))
	require.Equal(t, a, l.Owner())

	// Held by the same tag: still reported as not acquired.
	require.False(t, l.LockWithTag(a))
	require.False(t, l.LockWithTag(b))
	require.False(t, l.TryLock())

	l.Unlock()
	require.False(t, l.Locked())
	require.Equal(t, NoTag, l.Owner())
	require.True(t, l.LockWithTag(b))
	l.Unlock()
}

func TestWaitLockWithTagSameTag(t *testing.T) {
	var l TagLock
	a := AllocateTag()
	require.True(t, l.WaitLockWithTag(a))
	require.False(t, l.WaitLockWithTag(a))
	l.Unlock()
}

func TestWaitLockWithTagBlocks(t *testing.T) {
	var l TagLock
	a, b := AllocateTag(), AllocateTag()
	require.True(t, l.LockWithTag(a))

	acquired := make(chan bool, 1)
	go func() { acquired <- l.WaitLockWithTag(b) }()

	select {
	case <-acquired:
		t.Fatal("WaitLockWithTag returned while the lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock()
	select {
	case ok := <-acquired:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitLockWithTag did not acquire after Unlock")
	}
	require.True(t, l.OwnedBy(b))
	l.Unlock()
}

func TestPlainLockBlocksUntilUnlock(t *testing.T) {
	var l TagLock
	l.Lock()

	done := make(chan struct{})
	go func() {
		l.Lock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock returned while held")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock()
	<-done
	l.Unlock()
}

func TestUnlockUnlockedPanics(t *testing.T) {
	var l TagLock
	require.Panics(t, l.Unlock)
}

func TestContextLock(t *testing.T) {
	var l TagLock
	tag := AllocateTag()

	ctx := LockContext(&l, tag)
	require.True(t, ctx.OwnsLock())

	// A second context for the same tag does not own the lock.
	again := LockContext(&l, tag)
	require.False(t, again.OwnsLock())
	again.Unlock()
	require.True(t, l.Locked(), "non-owning context must not unlock")

	ctx.Unlock()
	require.False(t, l.Locked())
	ctx.Unlock() // no-op
}

func TestContextLockRelease(t *testing.T) {
	var l TagLock
	ctx := LockContext(&l, AllocateTag())
	ctx.Release()
	require.False(t, ctx.OwnsLock())

	ctx.Unlock()
	require.True(t, l.Locked(), "released context must not unlock")
	l.Unlock()
}

func TestManager(t *testing.T) {
	m := NewManager[int]()
	m.Register(1)
	m.Register(2)
	m.Register(2)

	m.Lock()
	require.Equal(t, 2, m.Len())
	require.True(t, m.Contains(1))
	sum := 0
	m.Each(func(v int) { sum += v })
	require.Equal(t, 3, sum)
	m.Unlock()

	m.Unregister(1)
	m.Lock()
	require.False(t, m.Contains(1))
	require.Equal(t, 1, m.Len())
	m.Unlock()
}

func TestManagerZeroValue(t *testing.T) {
	var m Manager[string]
	m.Register("a")
	m.Lock()
	require.True(t, m.Contains("a"))
	m.Unlock()
}
