//go:build windows

package webgpu

// gemmShader computes C = alpha*op(A)@op(B) + beta*C where op(A) is
// [M, K] and op(B) is [K, N]. ta/tb select the transposed stored
// layouts ([K, M] / [N, K]).
const gemmShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;

struct Params {
    M: u32,
    K: u32,
    N: u32,
    ta: u32,
    tb: u32,
    alpha: f32,
    beta: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;

    if (row >= params.M || col >= params.N) {
        return;
    }

    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < params.K; k = k + 1u) {
        var a_idx = row * params.K + k;
        if (params.ta != 0u) {
            a_idx = k * params.M + row;
        }
        var b_idx = k * params.N + col;
        if (params.tb != 0u) {
            b_idx = col * params.K + k;
        }
        sum = sum + a[a_idx] * b[b_idx];
    }

    let c_idx = row * params.N + col;
    if (params.beta == 0.0) {
        c[c_idx] = params.alpha * sum;
    } else {
        c[c_idx] = params.alpha * sum + params.beta * c[c_idx];
    }
}
`
