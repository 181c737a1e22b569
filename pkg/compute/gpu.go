//go:build !nogpu

package compute

import(
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// gpuBackend runs the Backend op set as WGSL compute shaders over the wgpu
// HAL. One instance/device/queue per backend; every pipeline is compiled at
// construction so no shader work happens during processing. Submissions are
// serialized through a mutex, so a shared handle is safe across goroutines.
type gpuBackend struct {
	mu       sync.Mutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	pipelines map[string]gpuPipeline
	name      string
}

type gpuPipeline struct {
	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	plLayout hal.PipelineLayout
	pipeline hal.ComputePipeline
}

// deviceBuf is the device-side backing of a Buffer. It holds the backend so
// the device and queue outlive every buffer; the finalizer releases the
// underlying resource when the last Buffer reference drops.
type deviceBuf struct {
	buf hal.Buffer
	be  *gpuBackend
}

const fenceTimeout = 10 * time.Second

// bindings: r = storage read, w = storage read_write, u = uniform
var gpuKernels = []struct {
	name     string
	src      string
	bindings string
}{
	{"hann", hannWGSL, "rwu"},
	{"pad_r2c", padRealToComplexWGSL, "rwu"},
	{"fft_stockham", fftStockhamWGSL, "rwu"},
	{"transpose_c", transposeComplexWGSL, "rwu"},
	{"extract_real", extractRealScaledWGSL, "rwu"},
	{"shift_bilinear", shiftBilinearWGSL, "rwu"},
	{"cross_power", crossPowerWGSL, "rrwu"},
	{"complex_mul", complexMulWGSL, "rrwu"},
	{"divide_real", divideRealWGSL, "rrwu"},
	{"multiply_real", multiplyRealWGSL, "rrwu"},
	{"convolve_sep", convolveSepWGSL, "rrwu"},
	{"find_peak", findPeakWGSL, "rwwu"},
}

func newGPUBackend() (Backend, error) {
	var instance hal.Instance
	var which gputypes.Backend
	for _, cand := range []gputypes.Backend{gputypes.BackendVulkan, gputypes.BackendMetal, gputypes.BackendDX12} {
		b, ok := hal.GetBackend(cand)
		if !ok { continue }
		inst, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
		if err != nil { continue }
		instance, which = inst, cand
		break
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: no wgpu backend available", ErrBackendUnavailable)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no adapters", ErrBackendUnavailable)
	}

	openDev, err := adapters[0].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device: %v", ErrBackendUnavailable, err)
	}

	be := &gpuBackend{
		instance:  instance,
		device:    openDev.Device,
		queue:     openDev.Queue,
		pipelines: map[string]gpuPipeline{},
		name:      fmt.Sprintf("gpu/wgpu-%v", which),
	}

	// Compile everything now; processing never compiles shaders.
	for _, k := range gpuKernels {
		p, err := be.buildPipeline(k.name, k.src, k.bindings)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		be.pipelines[k.name] = p
	}

	log.Printf("GPU backend up: %s, %d kernels\n", be.name, len(be.pipelines))
	return be, nil
}

func (be *gpuBackend)buildPipeline(name, src, bindings string) (gpuPipeline, error) {
	module, err := be.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{WGSL: src},
	})
	if err != nil {
		return gpuPipeline{}, fmt.Errorf("compile %s: %v", name, err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		var t gputypes.BufferBindingType
		switch b {
		case 'r': t = gputypes.BufferBindingTypeReadOnlyStorage
		case 'w': t = gputypes.BufferBindingTypeStorage
		case 'u': t = gputypes.BufferBindingTypeUniform
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: t},
		}
	}

	bgl, err := be.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   name + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return gpuPipeline{}, fmt.Errorf("bind group layout %s: %v", name, err)
	}

	pl, err := be.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{bgl},
	})
	if err != nil {
		return gpuPipeline{}, fmt.Errorf("pipeline layout %s: %v", name, err)
	}

	pipe, err := be.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name,
		Layout: pl,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return gpuPipeline{}, fmt.Errorf("pipeline %s: %v", name, err)
	}

	return gpuPipeline{module: module, bgLayout: bgl, plLayout: pl, pipeline: pipe}, nil
}

func (be *gpuBackend)Name() string { return be.name }
func (be *gpuBackend)IsGPU() bool  { return true }

func (be *gpuBackend)Close() {
	be.mu.Lock()
	defer be.mu.Unlock()
	for _, p := range be.pipelines {
		if p.pipeline != nil { be.device.DestroyComputePipeline(p.pipeline) }
		if p.plLayout != nil { be.device.DestroyPipelineLayout(p.plLayout) }
		if p.bgLayout != nil { be.device.DestroyBindGroupLayout(p.bgLayout) }
		if p.module != nil   { be.device.DestroyShaderModule(p.module) }
	}
	be.pipelines = map[string]gpuPipeline{}
	if be.device != nil {
		be.device.Destroy()
		be.device = nil
	}
	if be.instance != nil {
		be.instance.Destroy()
		be.instance = nil
	}
}

// --- buffer plumbing ---

func (be *gpuBackend)newStorage(label string, floats int) *deviceBuf {
	buf, err := be.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(floats) * 4,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		panic(fmt.Sprintf("gpu: create buffer %s (%d floats): %v", label, floats, err))
	}
	db := &deviceBuf{buf: buf, be: be}
	runtime.SetFinalizer(db, func(d *deviceBuf) { d.be.device.DestroyBuffer(d.buf) })
	return db
}

func (be *gpuBackend)writeFloats(db *deviceBuf, data []float32) {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	be.queue.WriteBuffer(db.buf, 0, buf)
}

func (be *gpuBackend)readFloats(db *deviceBuf, n int) []float32 {
	buf := make([]byte, n*4)
	if err := be.queue.ReadBuffer(db.buf, 0, buf); err != nil {
		panic(fmt.Sprintf("gpu: read buffer: %v", err))
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func (be *gpuBackend)newUniform(label string, words []uint32) *deviceBuf {
	buf, err := be.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(words)) * 4,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		panic(fmt.Sprintf("gpu: create uniform %s: %v", label, err))
	}
	db := &deviceBuf{buf: buf, be: be}
	runtime.SetFinalizer(db, func(d *deviceBuf) { d.be.device.DestroyBuffer(d.buf) })

	raw := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	be.queue.WriteBuffer(db.buf, 0, raw)
	return db
}

func f32bits(v float32) uint32 { return math.Float32bits(v) }

// dispatch records a single compute pass for kernel over the given buffers
// and blocks until the fence signals.
func (be *gpuBackend)dispatch(kernel string, bufs []*deviceBuf, x, y, z uint32) {
	be.mu.Lock()
	defer be.mu.Unlock()

	p := be.pipelines[kernel]

	entries := make([]gputypes.BindGroupEntry, len(bufs))
	for i, b := range bufs {
		entries[i] = gputypes.BindGroupEntry{
			Binding: uint32(i),
			Resource: gputypes.BufferBinding{
				Buffer: b.buf.NativeHandle(),
				Offset: 0,
				Size:   0, // whole buffer
			},
		}
	}

	bg, err := be.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   kernel + "_bg",
		Layout:  p.bgLayout,
		Entries: entries,
	})
	if err != nil {
		panic(fmt.Sprintf("gpu: bind group %s: %v", kernel, err))
	}
	defer be.device.DestroyBindGroup(bg)

	encoder, err := be.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: kernel})
	if err != nil {
		panic(fmt.Sprintf("gpu: encoder %s: %v", kernel, err))
	}
	if err := encoder.BeginEncoding(kernel); err != nil {
		panic(fmt.Sprintf("gpu: begin encoding %s: %v", kernel, err))
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: kernel})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(x, y, z)
	pass.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		panic(fmt.Sprintf("gpu: end encoding %s: %v", kernel, err))
	}
	defer be.device.FreeCommandBuffer(cmdBuf)

	fence, err := be.device.CreateFence()
	if err != nil {
		panic(fmt.Sprintf("gpu: fence %s: %v", kernel, err))
	}
	defer be.device.DestroyFence(fence)

	if err := be.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		panic(fmt.Sprintf("gpu: submit %s: %v", kernel, err))
	}
	done, err := be.device.Wait(fence, 1, fenceTimeout)
	if err != nil || !done {
		panic(fmt.Sprintf("gpu: wait %s: done=%v err=%v", kernel, done, err))
	}
}

func div16(n int) uint32 { return uint32((n + 15) / 16) }

// --- Backend ops ---

func (be *gpuBackend)Upload(g pmath.Grid) *Buffer {
	db := be.newStorage("upload", g.Dx()*g.Dy())
	be.writeFloats(db, g.Values())
	return &Buffer{H: g.Dy(), W: g.Dx(), dev: db}
}

func (be *gpuBackend)Download(b *Buffer) pmath.Grid {
	n := b.H * b.W
	if b.Complex { n *= 2 }
	vals := be.readFloats(b.dev, n)
	return pmath.NewGridFromValues(b.W, vals)
}

func (be *gpuBackend)HannWindow(b *Buffer) *Buffer {
	out := be.newStorage("hann_out", b.H*b.W)
	params := be.newUniform("hann_p", []uint32{uint32(b.H), uint32(b.W)})
	be.dispatch("hann", []*deviceBuf{b.dev, out, params}, div16(b.W), div16(b.H), 1)
	return &Buffer{H: b.H, W: b.W, dev: out}
}

func (be *gpuBackend)FFT2D(b *Buffer) *Buffer {
	ph := pmath.NextPow2(b.H)
	pw := pmath.NextPow2(b.W)

	padded := be.newStorage("fft_pad", ph*pw*2)
	params := be.newUniform("pad_p", []uint32{uint32(b.H), uint32(b.W), uint32(ph), uint32(pw)})
	be.dispatch("pad_r2c", []*deviceBuf{b.dev, padded, params}, div16(pw), div16(ph), 1)

	out := be.fft2dPow2(padded, ph, pw, -1.0)
	return &Buffer{H: ph, W: pw, Complex: true, dev: out}
}

func (be *gpuBackend)IFFT2DReal(b *Buffer, h, w int) *Buffer {
	ph, pw := b.H, b.W
	inv := be.fft2dPow2(b.dev, ph, pw, 1.0)

	if h > ph { h = ph }
	if w > pw { w = pw }
	out := be.newStorage("ifft_out", h*w)
	scale := float32(1.0 / float64(ph*pw))
	params := be.newUniform("extract_p", []uint32{uint32(h), uint32(w), uint32(pw), f32bits(scale)})
	be.dispatch("extract_real", []*deviceBuf{inv, out, params}, div16(w), div16(h), 1)
	return &Buffer{H: h, W: w, dev: out}
}

// fft2dPow2 runs the row FFTs, transposes, runs the (former) column FFTs,
// and transposes back. dir is -1 forward, +1 inverse (unnormalized).
func (be *gpuBackend)fft2dPow2(data *deviceBuf, ph, pw int, dir float32) *deviceBuf {
	rows := be.fft1dBatch(data, pw, ph, dir)

	t1 := be.newStorage("fft_t1", ph*pw*2)
	params := be.newUniform("transpose_p1", []uint32{uint32(ph), uint32(pw)})
	be.dispatch("transpose_c", []*deviceBuf{rows, t1, params}, div16(pw), div16(ph), 1)

	cols := be.fft1dBatch(t1, ph, pw, dir)

	t2 := be.newStorage("fft_t2", ph*pw*2)
	params2 := be.newUniform("transpose_p2", []uint32{uint32(pw), uint32(ph)})
	be.dispatch("transpose_c", []*deviceBuf{cols, t2, params2}, div16(ph), div16(pw), 1)

	return t2
}

// fft1dBatch transforms batch contiguous interleaved-complex rows of
// power-of-two length n, one Stockham stage per dispatch, ping-ponging
// between two buffers.
func (be *gpuBackend)fft1dBatch(data *deviceBuf, n, batch int, dir float32) *deviceBuf {
	if n == 1 {
		return data
	}

	ping := data
	pong := be.newStorage("fft_pong", n*batch*2)

	for ns := 1; ns < n; ns *= 2 {
		params := be.newUniform("fft_p", []uint32{uint32(n), uint32(ns), uint32(batch), f32bits(dir)})
		wx := uint32((n/2 + 63) / 64)
		wy := uint32((batch + 3) / 4)
		be.dispatch("fft_stockham", []*deviceBuf{ping, pong, params}, wx, wy, 1)
		if ping == data {
			// don't scribble over the caller's buffer on the way back
			ping = be.newStorage("fft_ping", n*batch*2)
		}
		ping, pong = pong, ping
	}
	return ping
}

func (be *gpuBackend)CrossPowerSpectrum(a, b *Buffer) *Buffer {
	n := a.H * a.W
	out := be.newStorage("cross_out", n*2)
	params := be.newUniform("cross_p", []uint32{uint32(n)})
	be.dispatch("cross_power", []*deviceBuf{a.dev, b.dev, out, params}, uint32((n+255)/256), 1, 1)
	return &Buffer{H: a.H, W: a.W, Complex: true, dev: out}
}

func (be *gpuBackend)ComplexMul(a, b *Buffer) *Buffer {
	n := a.H * a.W
	out := be.newStorage("cmul_out", n*2)
	params := be.newUniform("cmul_p", []uint32{uint32(n)})
	be.dispatch("complex_mul", []*deviceBuf{a.dev, b.dev, out, params}, uint32((n+255)/256), 1, 1)
	return &Buffer{H: a.H, W: a.W, Complex: true, dev: out}
}

func (be *gpuBackend)DivideReal(a, b *Buffer, epsilon float32) *Buffer {
	n := a.H * a.W
	out := be.newStorage("div_out", n)
	params := be.newUniform("div_p", []uint32{uint32(n), f32bits(epsilon)})
	be.dispatch("divide_real", []*deviceBuf{a.dev, b.dev, out, params}, uint32((n+255)/256), 1, 1)
	return &Buffer{H: a.H, W: a.W, dev: out}
}

func (be *gpuBackend)MultiplyReal(a, b *Buffer) *Buffer {
	n := a.H * a.W
	out := be.newStorage("mul_out", n)
	params := be.newUniform("mul_p", []uint32{uint32(n)})
	be.dispatch("multiply_real", []*deviceBuf{a.dev, b.dev, out, params}, uint32((n+255)/256), 1, 1)
	return &Buffer{H: a.H, W: a.W, dev: out}
}

func (be *gpuBackend)ShiftBilinear(b *Buffer, dx, dy float64) *Buffer {
	out := be.newStorage("shift_out", b.H*b.W)
	params := be.newUniform("shift_p", []uint32{
		uint32(b.H), uint32(b.W), f32bits(float32(dx)), f32bits(float32(dy)),
	})
	be.dispatch("shift_bilinear", []*deviceBuf{b.dev, out, params}, div16(b.W), div16(b.H), 1)
	return &Buffer{H: b.H, W: b.W, dev: out}
}

func (be *gpuBackend)ConvolveSeparable(b *Buffer, kernel []float32) *Buffer {
	return be.convolveSep(b, kernel, 1, 0)
}

func (be *gpuBackend)AtrousConvolve(b *Buffer, scale int) *Buffer {
	return be.convolveSep(b, b3Kernel, 1<<uint(scale), 1)
}

func (be *gpuBackend)convolveSep(b *Buffer, kernel []float32, step, boundary int) *Buffer {
	kbuf := be.newStorage("conv_kernel", len(kernel))
	be.writeFloats(kbuf, kernel)

	tmp := be.newStorage("conv_tmp", b.H*b.W)
	pH := be.newUniform("conv_ph", []uint32{
		uint32(b.H), uint32(b.W), uint32(len(kernel)), uint32(step), 1, uint32(boundary),
	})
	be.dispatch("convolve_sep", []*deviceBuf{b.dev, kbuf, tmp, pH}, div16(b.W), div16(b.H), 1)

	out := be.newStorage("conv_out", b.H*b.W)
	pV := be.newUniform("conv_pv", []uint32{
		uint32(b.H), uint32(b.W), uint32(len(kernel)), uint32(step), 0, uint32(boundary),
	})
	be.dispatch("convolve_sep", []*deviceBuf{tmp, kbuf, out, pV}, div16(b.W), div16(b.H), 1)
	return &Buffer{H: b.H, W: b.W, dev: out}
}

func (be *gpuBackend)FindPeak(b *Buffer) (int, int, float64) {
	n := b.H * b.W
	numWG := (n + 255) / 256

	vals := be.newStorage("peak_vals", numWG)
	idxs := be.newStorage("peak_idxs", numWG)
	params := be.newUniform("peak_p", []uint32{uint32(n)})
	be.dispatch("find_peak", []*deviceBuf{b.dev, vals, idxs, params}, uint32(numWG), 1, 1)

	wgVals := be.readFloats(vals, numWG)
	wgIdxs := be.readUint32s(idxs, numWG)

	best := float32(-math.MaxFloat32)
	bestIdx := 0
	for i, v := range wgVals {
		if v > best {
			best = v
			bestIdx = int(wgIdxs[i])
		}
	}
	return bestIdx / b.W, bestIdx % b.W, float64(best)
}

func (be *gpuBackend)readUint32s(db *deviceBuf, n int) []uint32 {
	buf := make([]byte, n*4)
	if err := be.queue.ReadBuffer(db.buf, 0, buf); err != nil {
		panic(fmt.Sprintf("gpu: read buffer: %v", err))
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}
