//go:build !nogpu

package compute

// WGSL sources for the GPU backend. Every kernel is a single entry point
// named main; uniform structs must match the byte layouts built in gpu.go.

const hannWGSL = `
struct Params { h: u32, w: u32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform>             params: Params;

const TAU: f32 = 6.28318530717958647;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y; let col = gid.x;
    if row >= params.h || col >= params.w { return; }
    let wy = 0.5 * (1.0 - cos(TAU * f32(row) / f32(params.h)));
    let wx = 0.5 * (1.0 - cos(TAU * f32(col) / f32(params.w)));
    let i = row * params.w + col;
    output[i] = input[i] * wy * wx;
}
`

const padRealToComplexWGSL = `
struct Params { h: u32, w: u32, padded_h: u32, padded_w: u32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform>             params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y; let col = gid.x;
    if row >= params.padded_h || col >= params.padded_w { return; }
    let base = (row * params.padded_w + col) * 2u;
    if row < params.h && col < params.w {
        output[base] = input[row * params.w + col];
    } else {
        output[base] = 0.0;
    }
    output[base + 1u] = 0.0;
}
`

// One radix-2 Stockham iteration over a batch of interleaved complex rows.
// ns doubles every dispatch, from 1 up to n/2; direction is -1 forward,
// +1 inverse (unnormalized).
const fftStockhamWGSL = `
struct Params { n: u32, ns: u32, batch_count: u32, direction: f32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform>             params: Params;

const TAU: f32 = 6.28318530717958647;

@compute @workgroup_size(64, 4)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let j = gid.x;
    let batch = gid.y;
    let half = params.n / 2u;
    if j >= half || batch >= params.batch_count { return; }

    let base = batch * params.n;
    let angle = params.direction * TAU * f32(j % params.ns) / f32(params.ns * 2u);
    let tw = vec2<f32>(cos(angle), sin(angle));

    let i0 = (base + j) * 2u;
    let i1 = (base + j + half) * 2u;
    let v0 = vec2<f32>(input[i0], input[i0 + 1u]);
    let raw1 = vec2<f32>(input[i1], input[i1 + 1u]);
    let v1 = vec2<f32>(raw1.x * tw.x - raw1.y * tw.y, raw1.x * tw.y + raw1.y * tw.x);

    let d = (j / params.ns) * params.ns * 2u + (j % params.ns);
    let o0 = (base + d) * 2u;
    let o1 = (base + d + params.ns) * 2u;
    output[o0] = v0.x + v1.x;
    output[o0 + 1u] = v0.y + v1.y;
    output[o1] = v0.x - v1.x;
    output[o1 + 1u] = v0.y - v1.y;
}
`

const transposeComplexWGSL = `
struct Params { rows: u32, cols: u32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform>             params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y; let col = gid.x;
    if row >= params.rows || col >= params.cols { return; }
    let i = (row * params.cols + col) * 2u;
    let o = (col * params.rows + row) * 2u;
    output[o] = input[i];
    output[o + 1u] = input[i + 1u];
}
`

const extractRealScaledWGSL = `
struct Params { out_h: u32, out_w: u32, padded_w: u32, scale: f32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform>             params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y; let col = gid.x;
    if row >= params.out_h || col >= params.out_w { return; }
    output[row * params.out_w + col] = input[(row * params.padded_w + col) * 2u] * params.scale;
}
`

const crossPowerWGSL = `
struct Params { count: u32 }
@group(0) @binding(0) var<storage, read>       a:      array<f32>;
@group(0) @binding(1) var<storage, read>       b:      array<f32>;
@group(0) @binding(2) var<storage, read_write> output: array<f32>;
@group(0) @binding(3) var<uniform>             params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if gid.x >= params.count { return; }
    let i = gid.x * 2u;
    let ar = a[i]; let ai = a[i + 1u];
    let br = b[i]; let bi = b[i + 1u];
    let re = ar * br + ai * bi;
    let im = ai * br - ar * bi;
    let mag = sqrt(re * re + im * im);
    if mag > 1e-12 {
        output[i] = re / mag;
        output[i + 1u] = im / mag;
    } else {
        output[i] = 0.0;
        output[i + 1u] = 0.0;
    }
}
`

const complexMulWGSL = `
struct Params { count: u32 }
@group(0) @binding(0) var<storage, read>       a:      array<f32>;
@group(0) @binding(1) var<storage, read>       b:      array<f32>;
@group(0) @binding(2) var<storage, read_write> output: array<f32>;
@group(0) @binding(3) var<uniform>             params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if gid.x >= params.count { return; }
    let i = gid.x * 2u;
    let ar = a[i]; let ai = a[i + 1u];
    let br = b[i]; let bi = b[i + 1u];
    output[i] = ar * br - ai * bi;
    output[i + 1u] = ar * bi + ai * br;
}
`

const divideRealWGSL = `
struct Params { count: u32, epsilon: f32 }
@group(0) @binding(0) var<storage, read>       a:      array<f32>;
@group(0) @binding(1) var<storage, read>       b:      array<f32>;
@group(0) @binding(2) var<storage, read_write> output: array<f32>;
@group(0) @binding(3) var<uniform>             params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if gid.x >= params.count { return; }
    output[gid.x] = a[gid.x] / (b[gid.x] + params.epsilon);
}
`

const multiplyRealWGSL = `
struct Params { count: u32 }
@group(0) @binding(0) var<storage, read>       a:      array<f32>;
@group(0) @binding(1) var<storage, read>       b:      array<f32>;
@group(0) @binding(2) var<storage, read_write> output: array<f32>;
@group(0) @binding(3) var<uniform>             params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if gid.x >= params.count { return; }
    output[gid.x] = a[gid.x] * b[gid.x];
}
`

const shiftBilinearWGSL = `
struct Params { h: u32, w: u32, dx: f32, dy: f32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform>             params: Params;

fn sample(x: i32, y: i32) -> f32 {
    if x < 0 || x >= i32(params.w) || y < 0 || y >= i32(params.h) { return 0.0; }
    return input[u32(y) * params.w + u32(x)];
}

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y; let col = gid.x;
    if row >= params.h || col >= params.w { return; }

    let sx = f32(col) - params.dx;
    let sy = f32(row) - params.dy;
    let x0 = i32(floor(sx));
    let y0 = i32(floor(sy));
    let fx = sx - f32(x0);
    let fy = sy - f32(y0);

    let v00 = sample(x0, y0);
    let v10 = sample(x0 + 1, y0);
    let v01 = sample(x0, y0 + 1);
    let v11 = sample(x0 + 1, y0 + 1);

    output[row * params.w + col] =
        v00 * (1.0 - fx) * (1.0 - fy) + v10 * fx * (1.0 - fy) +
        v01 * (1.0 - fx) * fy + v11 * fx * fy;
}
`

// One separable convolution pass; horizontal=1 runs along rows, 0 along
// columns. boundary=0 clamps, boundary=1 mirror-reflects. step dilates the
// kernel taps for the a trous passes.
const convolveSepWGSL = `
struct Params { h: u32, w: u32, klen: u32, step: u32, horizontal: u32, boundary: u32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read>       kern:   array<f32>;
@group(0) @binding(2) var<storage, read_write> output: array<f32>;
@group(0) @binding(3) var<uniform>             params: Params;

fn wrap(idx: i32, size: i32) -> i32 {
    if params.boundary == 0u {
        return clamp(idx, 0, size - 1);
    }
    var i = idx;
    if i < 0 { i = -i - 1; }
    let period = 2 * size;
    i = i % period;
    if i < size { return i; }
    return 2 * size - 1 - i;
}

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.y; let col = gid.x;
    if row >= params.h || col >= params.w { return; }

    let half = i32(params.klen / 2u);
    var sum = 0.0;
    for (var k = 0u; k < params.klen; k = k + 1u) {
        let off = (i32(k) - half) * i32(params.step);
        if params.horizontal == 1u {
            let x = wrap(i32(col) + off, i32(params.w));
            sum = sum + input[row * params.w + u32(x)] * kern[k];
        } else {
            let y = wrap(i32(row) + off, i32(params.h));
            sum = sum + input[u32(y) * params.w + col] * kern[k];
        }
    }
    output[row * params.w + col] = sum;
}
`

// Per-workgroup argmax; the host reduces the per-workgroup results.
const findPeakWGSL = `
struct Params { count: u32 }
@group(0) @binding(0) var<storage, read>       input:  array<f32>;
@group(0) @binding(1) var<storage, read_write> out_val: array<f32>;
@group(0) @binding(2) var<storage, read_write> out_idx: array<u32>;
@group(0) @binding(3) var<uniform>             params: Params;

var<workgroup> sh_val: array<f32, 256>;
var<workgroup> sh_idx: array<u32, 256>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(workgroup_id) wid: vec3<u32>) {
    var v = -3.40282e38;
    var idx = 0u;
    if gid.x < params.count {
        v = input[gid.x];
        idx = gid.x;
    }
    sh_val[lid.x] = v;
    sh_idx[lid.x] = idx;
    workgroupBarrier();

    var stride = 128u;
    loop {
        if stride == 0u { break; }
        if lid.x < stride {
            if sh_val[lid.x + stride] > sh_val[lid.x] {
                sh_val[lid.x] = sh_val[lid.x + stride];
                sh_idx[lid.x] = sh_idx[lid.x + stride];
            }
        }
        workgroupBarrier();
        stride = stride / 2u;
    }

    if lid.x == 0u {
        out_val[wid.x] = sh_val[0];
        out_idx[wid.x] = sh_idx[0];
    }
}
`
