package webgpu

import "strings"

// WGSL compute shaders. Stored as string constants and compiled on
// first use.

// workgroupSize is the number of threads per workgroup for 1D
// elementwise dispatches.
const workgroupSize = 256

// matmulTile is the square workgroup edge for the 2D matmul dispatch.
const matmulTile = 16

const binaryShaderTemplate = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = OP;
    }
}
`

const reluShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = max(input[idx], 0.0);
    }
}
`

// matmulShader computes C[M,N] = A[M,K] @ B[K,N] with one thread per
// output element.
const matmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    m: u32,
    n: u32,
    k: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;
    if (row >= params.m || col >= params.n) {
        return;
    }
    var sum = 0.0;
    for (var i = 0u; i < params.k; i = i + 1u) {
        sum = sum + a[row * params.k + i] * b[i * params.n + col];
    }
    result[row * params.n + col] = sum;
}
`

// binaryShaders maps op names to their generated WGSL source.
var binaryShaders = map[string]string{
	"add": binaryOpShader("a[idx] + b[idx]"),
	"sub": binaryOpShader("a[idx] - b[idx]"),
	"mul": binaryOpShader("a[idx] * b[idx]"),
	"div": binaryOpShader("a[idx] / b[idx]"),
}

func binaryOpShader(expr string) string {
	return strings.Replace(binaryShaderTemplate, "OP", expr, 1)
}
