//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
)

// createBuffer creates a GPU buffer and uploads initial data.
func (b *Backend) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buffer.Unmap()

	return buffer
}

// createUniformBuffer creates a uniform buffer with proper alignment.
func (b *Backend) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	alignedSize := (size + 15) &^ 15 // Round up to 16-byte boundary

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             alignedSize,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, alignedSize)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), alignedSize)
	copy(mappedSlice, data)
	buffer.Unmap()

	return buffer
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (b *Backend) readBuffer(srcBuffer *wgpu.Buffer, size uint64) ([]byte, error) {
	stagingBuffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer stagingBuffer.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(srcBuffer, 0, stagingBuffer, 0, size)
	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	err := stagingBuffer.MapAsync(b.device, wgpu.MapModeRead, 0, size)
	if err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}

	mappedPtr := stagingBuffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)

	stagingBuffer.Unmap()

	return result, nil
}

func asBytes(data []float32) []byte {
	//nolint:gosec // unsafe.Slice for zero-copy conversion
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}

// Gemm computes C = alpha*op(A)@op(B) + beta*C on the GPU. The call is
// a synchronous round trip: inputs are uploaded, the shader dispatched
// and the result read back into c.
func (b *Backend) Gemm(transA, transB bool, m, n, k int, alpha float32, a, bm []float32, beta float32, c []float32) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return fmt.Errorf("webgpu: gemm: invalid dimensions m=%d n=%d k=%d", m, n, k)
	}
	if len(a) < m*k || len(bm) < k*n || len(c) < m*n {
		return fmt.Errorf("webgpu: gemm: buffer too small for m=%d n=%d k=%d", m, n, k)
	}

	shader := b.compileShader("gemm", gemmShader)
	pipeline := b.getOrCreatePipeline("gemm", shader)

	bufferA := b.createBuffer(asBytes(a[:m*k]), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferA.Release()

	bufferB := b.createBuffer(asBytes(bm[:k*n]), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferB.Release()

	// C is uploaded too: the accumulate path (beta != 0) reads it.
	resultSize := uint64(m * n * 4)
	bufferC := b.createBuffer(asBytes(c[:m*n]),
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	defer bufferC.Release()

	params := make([]byte, 32)
	binary.LittleEndian.PutUint32(params[0:4], uint32(m))   //nolint:gosec // G115: non-negative
	binary.LittleEndian.PutUint32(params[4:8], uint32(k))   //nolint:gosec // G115: non-negative
	binary.LittleEndian.PutUint32(params[8:12], uint32(n))  //nolint:gosec // G115: non-negative
	var ta, tb uint32
	if transA {
		ta = 1
	}
	if transB {
		tb = 1
	}
	binary.LittleEndian.PutUint32(params[12:16], ta)
	binary.LittleEndian.PutUint32(params[16:20], tb)
	binary.LittleEndian.PutUint32(params[20:24], math.Float32bits(alpha))
	binary.LittleEndian.PutUint32(params[24:28], math.Float32bits(beta))
	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferA, 0, uint64(m*k*4)),
		wgpu.BufferBindingEntry(1, bufferB, 0, uint64(k*n*4)),
		wgpu.BufferBindingEntry(2, bufferC, 0, resultSize),
		wgpu.BufferBindingEntry(3, bufferParams, 0, 32),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)

	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)

	workgroupsX := uint32(math.Ceil(float64(n) / 16.0))
	workgroupsY := uint32(math.Ceil(float64(m) / 16.0))
	computePass.DispatchWorkgroups(workgroupsX, workgroupsY, 1)
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	resultData, err := b.readBuffer(bufferC, resultSize)
	if err != nil {
		return fmt.Errorf("webgpu: gemm: %w", err)
	}

	copy(asBytes(c[:m*n]), resultData)
	return nil
}
