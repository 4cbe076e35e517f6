// Package cmdexec is the command-submission core of a GPU rendering backend.
//
// # Overview
//
// Front-end code describes rendering work as deferred nodes. The command
// executor batches those nodes into render passes and subpasses, and a
// dedicated recording goroutine replays them into native command buffers
// that are submitted to the GPU queue. CPU-side command generation for the
// next frame overlaps GPU execution of the previous ones, bounded by a small
// ring of recording slots.
//
// The graphics driver layer is gogpu/wgpu's hal package. Tests and the demo
// command run on hal/noop.
//
// # Packages
//
//   - cycle: fence-backed completion tokens that keep resources alive
//   - node: the deferred node sum type, render pass builder and replay
//   - record: recording slots and the recording goroutine
//   - executor: the public accumulator, batching and submit lifecycle
//   - resource: tag-locks and the texture/buffer contracts the executor consumes
//   - resource/texture, resource/buffer: HAL-backed resource implementations
//   - megabuffer: cycle-tracked streaming upload chunks
//
// # Quick Start
//
//	exec, err := executor.New(device, queue, executor.Managers{},
//	    cmdexec.WithFaultHandler(func(err error) { log.Println(err) }))
//	if err != nil {
//	    return err
//	}
//	defer exec.Close()
//
//	exec.AddClearColorSubpass(view, gputypes.Color{A: 1})
//	exec.AddSubpassCommand(draw, area, nil, colors, nil, 0)
//	if err := exec.Submit(); err != nil {
//	    return err
//	}
//
// # Logging
//
// cmdexec is silent by default. Use SetLogger to route diagnostics to a
// [log/slog] handler. Spans for Submit and slot replay are emitted through
// the global OpenTelemetry tracer provider.
package cmdexec
