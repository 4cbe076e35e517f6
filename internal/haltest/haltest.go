// Package haltest opens HAL devices for tests.
package haltest

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// NoopDevice opens a device on the noop HAL backend. The device is
// destroyed when the test finishes.
func NoopDevice(t testing.TB) (hal.Device, hal.Queue) {
	t.Helper()
	device, queue, cleanup, err := OpenNoop()
	if err != nil {
		t.Fatalf("open noop device: %v", err)
	}
	t.Cleanup(cleanup)
	return device, queue
}

// OpenNoop opens a device on the noop HAL backend and returns a cleanup
// function that destroys it.
func OpenNoop() (hal.Device, hal.Queue, func(), error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, err
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup, nil
}
