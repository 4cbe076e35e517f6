// Command cmdexec-demo drives the command executor on the noop HAL backend.
//
// Each frame clears a color and a depth target, records a few draw
// subpasses against them, streams per-frame uniforms through the
// mega-buffer and submits. The executor batches the frame into a single
// render pass and the recording goroutine replays it in the background.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gogpu/cmdexec"
	"github.com/gogpu/cmdexec/executor"
	"github.com/gogpu/cmdexec/internal/haltest"
	"github.com/gogpu/cmdexec/internal/telemetry"
	"github.com/gogpu/cmdexec/node"
	"github.com/gogpu/cmdexec/resource"
	"github.com/gogpu/cmdexec/resource/buffer"
	"github.com/gogpu/cmdexec/resource/texture"
	"github.com/gogpu/gputypes"
)

func main() {
	var (
		frames       = flag.Int("frames", 120, "number of frames to submit")
		slots        = flag.Int("slots", cmdexec.DefaultActiveRecordSlots, "active recording slots")
		maxSubpasses = flag.Uint("max-subpasses", cmdexec.DefaultMaxSubpassCount, "subpass limit per render pass")
		size         = flag.Uint("size", 256, "render target width and height")
		otlp         = flag.String("otlp", "", "OTLP/gRPC endpoint for traces (disabled when empty)")
		verbose      = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		cmdexec.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, *otlp, "cmdexec-demo")
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Printf("Trace shutdown: %v", err)
		}
	}()

	device, queue, closeDevice, err := haltest.OpenNoop()
	if err != nil {
		log.Fatalf("Failed to open noop device: %v", err)
	}
	defer closeDevice()

	w := uint32(*size) //nolint:gosec // flag value
	color, err := texture.New(device, queue, texture.Descriptor{Label: "color", Width: w, Height: w})
	if err != nil {
		log.Fatalf("Failed to create color target: %v", err)
	}
	defer func() { _ = color.Destroy() }()
	depth, err := texture.New(device, queue, texture.Descriptor{
		Label:  "depth",
		Width:  w,
		Height: w,
		Format: gputypes.TextureFormatDepth24PlusStencil8,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		log.Fatalf("Failed to create depth target: %v", err)
	}
	defer func() { _ = depth.Destroy() }()
	vertices, err := buffer.New(device, queue, buffer.Descriptor{Label: "vertices", Size: 4096})
	if err != nil {
		log.Fatalf("Failed to create vertex buffer: %v", err)
	}
	defer func() { _ = vertices.Destroy() }()

	textures := resource.NewManager[resource.Texture]()
	textures.Register(color)
	textures.Register(depth)
	buffers := resource.NewManager[resource.Buffer]()
	buffers.Register(vertices)

	exec, err := executor.New(device, queue, executor.Managers{Textures: textures, Buffers: buffers},
		cmdexec.WithActiveRecordSlots(*slots),
		cmdexec.WithMaxSubpassCount(uint32(*maxSubpasses)), //nolint:gosec // flag value
		cmdexec.WithFaultHandler(func(err error) { log.Printf("Replay fault: %v", err) }),
	)
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}

	var draws int
	exec.AddPipelineChangeCallback(func() { draws = 0 })
	exec.AddFlushCallback(func() {
		if draws > 0 {
			cmdexec.Logger().Debug("demo: flushing frame", "draws", draws)
		}
	})

	start := time.Now()
	area := node.Rect{Width: w, Height: w}
	colors := []resource.TextureView{color.View()}
	for frame := 0; frame < *frames; frame++ {
		if err := recordFrame(exec, frame, area, colors, color, depth, vertices, &draws); err != nil {
			log.Fatalf("Frame %d: %v", frame, err)
		}
		if err := exec.Submit(); err != nil {
			log.Fatalf("Submit frame %d: %v", frame, err)
		}
	}
	exec.Close()

	log.Printf("Submitted %d frames in %v (%d submissions, %d faults)",
		exec.ExecutionNumber(), time.Since(start).Round(time.Millisecond), exec.SubmissionNumber(), exec.Faults())
}

func recordFrame(exec *executor.Executor, frame int, area node.Rect, colors []resource.TextureView,
	color, depth *texture.Texture, vertices *buffer.Buffer, draws *int,
) error {
	exec.NotifyPipelineChange()
	exec.AttachTexture(color.View())
	exec.AttachTexture(depth.View())

	view, err := vertices.View(0, 4096)
	if err != nil {
		return err
	}
	if !exec.AttachBuffer(view) {
		cmdexec.Logger().Debug("demo: vertex buffer busy", "frame", frame)
	}

	// Uniforms live in the mega-buffer for the duration of the submission.
	uniforms := exec.Allocator().Allocate(16, 16)
	t := float32(frame) / 60
	binary.LittleEndian.PutUint32(uniforms[0:], math.Float32bits(t))
	binary.LittleEndian.PutUint32(uniforms[4:], math.Float32bits(float32(math.Sin(float64(t)))))
	alloc, err := exec.AcquireMegaBufferAllocator().Push(exec.Cycle(), uniforms)
	if err != nil {
		return err
	}

	exec.AddClearColorSubpass(color.View(), gputypes.Color{R: 0.1, G: 0.2, B: 0.4, A: 1})
	exec.AddClearDepthStencilSubpass(depth.View(), 1, 0)
	for i := 0; i < 3; i++ {
		exec.AddSubpassCommand(func(rec *node.Recorder, _ *node.RenderPass, _ uint32) {
			rec.Pass.SetVertexBuffer(0, vertices.Native(), 0)
			rec.Pass.SetVertexBuffer(1, alloc.Buffer, alloc.Offset)
			rec.Pass.Draw(3, 1, 0, 0)
		}, area, nil, colors, depth.View(), 0)
		*draws++
	}
	exec.AddOutsideRenderPassCommand(func(rec *node.Recorder) {
		cmdexec.Logger().Debug("demo: frame recorded", "frame", frame, "fence", rec.Cycle.Value())
	})
	return nil
}
