package cmdexec

import (
	"sync"
	"time"
)

// Default configuration values.
const (
	// DefaultActiveRecordSlots is the number of recording slots cycled by a
	// recording goroutine. It bounds how many submissions the producer may
	// be ahead of the GPU.
	DefaultActiveRecordSlots = 6

	// DefaultMaxSubpassCount is the number of subpasses a render pass may
	// hold before an attachment change forces a new render pass.
	DefaultMaxSubpassCount = 64

	// DefaultFenceTimeout bounds a single fence wait call. Waits that hit
	// the timeout are retried, so this only controls how often a stuck
	// wait is reported.
	DefaultFenceTimeout = 5 * time.Second

	// DefaultAllocatorChunkSize is the chunk size of the per-slot scratch
	// allocator (64 KiB).
	DefaultAllocatorChunkSize = 64 << 10

	// DefaultMegaBufferChunkSize is the size of a mega-buffer chunk (4 MiB).
	DefaultMegaBufferChunkSize = 4 << 20
)

// Config holds the tunables shared by the recording goroutine and the
// command executor. Build one with NewConfig.
type Config struct {
	// ActiveRecordSlots is the size of the recording slot ring.
	ActiveRecordSlots int

	// MaxSubpassCount is the hardware subpass limit used by render pass batching.
	MaxSubpassCount uint32

	// FenceTimeout bounds a single fence wait.
	FenceTimeout time.Duration

	// AllocatorChunkSize is the chunk size of each slot's scratch allocator.
	AllocatorChunkSize int

	// MegaBufferChunkSize is the chunk size of the mega-buffer allocator.
	MegaBufferChunkSize uint64

	// FaultHandler is called on the recording goroutine when replaying a
	// slot fails. It should terminate the execution context that produced
	// the work. When nil, replay faults panic and take the process down.
	FaultHandler func(error)

	// ReplayLock, when set, is held while a slot is replayed. Resource
	// managers use it to keep backing storage from being recreated while
	// recorded commands still reference it.
	ReplayLock sync.Locker
}

// Option configures a Config.
//
// Example:
//
//	cfg := cmdexec.NewConfig(
//	    cmdexec.WithActiveRecordSlots(3),
//	    cmdexec.WithFaultHandler(func(err error) { process.Kill() }),
//	)
type Option func(*Config)

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		ActiveRecordSlots:   DefaultActiveRecordSlots,
		MaxSubpassCount:     DefaultMaxSubpassCount,
		FenceTimeout:        DefaultFenceTimeout,
		AllocatorChunkSize:  DefaultAllocatorChunkSize,
		MegaBufferChunkSize: DefaultMegaBufferChunkSize,
	}
}

// NewConfig returns the default configuration with opts applied.
// Non-positive sizes and timeouts fall back to their defaults.
func NewConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	def := defaultConfig()
	if cfg.ActiveRecordSlots <= 0 {
		cfg.ActiveRecordSlots = def.ActiveRecordSlots
	}
	if cfg.MaxSubpassCount == 0 {
		cfg.MaxSubpassCount = def.MaxSubpassCount
	}
	if cfg.FenceTimeout <= 0 {
		cfg.FenceTimeout = def.FenceTimeout
	}
	if cfg.AllocatorChunkSize <= 0 {
		cfg.AllocatorChunkSize = def.AllocatorChunkSize
	}
	if cfg.MegaBufferChunkSize == 0 {
		cfg.MegaBufferChunkSize = def.MegaBufferChunkSize
	}
	return cfg
}

// PreserveFlushPeriod returns the number of submissions after which the
// preserve attachment sets are released, 2 × ActiveRecordSlots.
func (c Config) PreserveFlushPeriod() uint64 {
	return uint64(c.ActiveRecordSlots) * 2 //nolint:gosec // validated positive by NewConfig
}

// WithActiveRecordSlots sets the recording slot ring size.
func WithActiveRecordSlots(n int) Option {
	return func(c *Config) {
		c.ActiveRecordSlots = n
	}
}

// WithMaxSubpassCount sets the subpass limit used by render pass batching.
// Tile-based GPUs often report a small limit.
func WithMaxSubpassCount(n uint32) Option {
	return func(c *Config) {
		c.MaxSubpassCount = n
	}
}

// WithFenceTimeout sets the bound of a single fence wait.
func WithFenceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FenceTimeout = d
	}
}

// WithAllocatorChunkSize sets the chunk size of the per-slot scratch allocator.
func WithAllocatorChunkSize(n int) Option {
	return func(c *Config) {
		c.AllocatorChunkSize = n
	}
}

// WithMegaBufferChunkSize sets the chunk size of the mega-buffer allocator.
func WithMegaBufferChunkSize(n uint64) Option {
	return func(c *Config) {
		c.MegaBufferChunkSize = n
	}
}

// WithFaultHandler sets the handler invoked when replaying a slot fails.
func WithFaultHandler(fn func(error)) Option {
	return func(c *Config) {
		c.FaultHandler = fn
	}
}

// WithReplayLock sets a lock held for the duration of every slot replay.
func WithReplayLock(l sync.Locker) Option {
	return func(c *Config) {
		c.ReplayLock = l
	}
}
