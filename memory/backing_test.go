package memory

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quicksilver/metal"
	"github.com/vkngwrapper/quicksilver/metal/metaltest"
)

func TestEnsureMTLBufferAlignsLength(t *testing.T) {
	sizes := []struct {
		name           string
		size           int
		expectedLength int
	}{
		{"single byte", 1, 64},
		{"just under granule", 63, 64},
		{"exact granule", 64, 64},
		{"just over granule", 65, 128},
		{"page", 4096, 4096},
		{"odd size", 5000, 5056},
	}

	for _, row := range sizes {
		t.Run(row.name, func(t *testing.T) {
			device := newTestDevice(testDeviceOptions{})
			mem, _, err := New(testLogger(), device, AllocateInfo{
				AllocationSize:  row.size,
				MemoryTypeIndex: memoryTypeCoherent,
			})
			require.NoError(t, err)
			defer mem.Destroy()

			require.True(t, mem.ensureMTLBuffer())
			require.Equal(t, row.expectedLength, mem.MTLBuffer().Length())
		})
	}
}

func TestEnsureMTLBufferIdempotent(t *testing.T) {
	device := newTestDevice(testDeviceOptions{})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  1024,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	require.True(t, mem.ensureMTLBuffer())
	first := mem.MTLBuffer()
	require.NotNil(t, first)

	require.True(t, mem.ensureMTLBuffer())
	require.Same(t, first, mem.MTLBuffer())
	require.Len(t, device.metalDevice.Buffers, 1)
}

func TestEnsureMTLBufferRejectsOversizedAllocation(t *testing.T) {
	device := newTestDevice(testDeviceOptions{})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  device.features.MaxBufferLength + 1,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	require.False(t, mem.ensureMTLBuffer())
	require.Nil(t, mem.MTLBuffer())
}

func TestEnsureMTLHeapIdempotent(t *testing.T) {
	device := newTestDevice(testDeviceOptions{
		GPU:            metal.GPUClassUnified,
		PlacementHeaps: true,
	})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	// The constructor realizes the heap eagerly on heap-capable platforms.
	heap := mem.MTLHeap()
	require.NotNil(t, heap)
	require.Equal(t, BackingHeap, mem.CurrentBacking())

	require.True(t, mem.ensureMTLHeap())
	require.Same(t, heap, mem.MTLHeap())
	require.Len(t, device.metalDevice.Heaps, 1)
}

func TestEnsureMTLHeapCoversAlignedLength(t *testing.T) {
	// An odd allocation size still needs a heap big enough for the aligned
	// buffer carved from it; the fake heap refuses out-of-bounds carves.
	device := newTestDevice(testDeviceOptions{
		GPU:            metal.GPUClassUnified,
		PlacementHeaps: true,
	})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  5000,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	require.Equal(t, 5056, mem.MTLHeap().Size())
	require.True(t, mem.ensureMTLBuffer())
	require.Equal(t, 5056, mem.MTLBuffer().Length())
	require.Same(t, mem.MTLHeap(), mem.MTLBuffer().Heap())
}

func TestEnsureMTLHeapSkippedForGPUClass(t *testing.T) {
	// Shared-storage heaps are only allowed on unified-memory GPUs; a discrete
	// GPU silently forgoes the heap and succeeds anyway.
	device := newTestDevice(testDeviceOptions{
		GPU:            metal.GPUClassDiscrete,
		PlacementHeaps: true,
	})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	require.Nil(t, mem.MTLHeap())
	require.True(t, mem.ensureMTLHeap())
	require.Nil(t, mem.MTLHeap())
}

func TestEnsureMTLHeapFailureReported(t *testing.T) {
	device := newTestDevice(testDeviceOptions{
		GPU:            metal.GPUClassUnified,
		PlacementHeaps: true,
		FailHeaps:      true,
	})
	_, res, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
}

func TestHeapBufferCarvedAliasable(t *testing.T) {
	device := newTestDevice(testDeviceOptions{
		GPU:            metal.GPUClassUnified,
		PlacementHeaps: true,
	})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	require.True(t, mem.ensureMTLBuffer())
	buffer := mem.MTLBuffer()
	require.Same(t, mem.MTLHeap(), buffer.Heap())
	require.True(t, buffer.IsAliasable())
	require.Equal(t, BackingHeap, mem.CurrentBacking())
}

func TestHostMemoryCopiedIntoBuffer(t *testing.T) {
	device := newTestDevice(testDeviceOptions{FailBuffers: true})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  256,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	// With buffer creation refused, mapping falls back to raw host memory.
	ptr, res, err := mem.Map(0, WholeSize)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, BackingHost, mem.CurrentBacking())

	contents := unsafe.Slice((*byte)(ptr), 256)
	for i := range contents {
		contents[i] = byte(i)
	}
	_, err = mem.Unmap()
	require.NoError(t, err)

	// Once the framework cooperates again, realizing the buffer preserves the
	// bytes written through the raw allocation.
	device.metalDevice.FailBuffers = false
	require.True(t, mem.ensureMTLBuffer())
	require.Equal(t, BackingBuffer, mem.CurrentBacking())

	bufferBytes := mem.MTLBuffer().(*metaltest.Buffer).Bytes()
	for i := 0; i < 256; i++ {
		require.Equal(t, byte(i), bufferBytes[i])
	}
}

func TestHostMemoryCopiedIntoHeapBuffer(t *testing.T) {
	device := newTestDevice(testDeviceOptions{
		GPU:            metal.GPUClassUnified,
		PlacementHeaps: true,
		FailBuffers:    true,
	})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  128,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	ptr, _, err := mem.Map(0, WholeSize)
	require.NoError(t, err)
	contents := unsafe.Slice((*byte)(ptr), 128)
	for i := range contents {
		contents[i] = 0xA5
	}
	_, err = mem.Unmap()
	require.NoError(t, err)

	device.metalDevice.FailBuffers = false
	require.True(t, mem.ensureMTLBuffer())
	require.Same(t, mem.MTLHeap(), mem.MTLBuffer().Heap())

	bufferBytes := mem.MTLBuffer().(*metaltest.Buffer).Bytes()
	for i := 0; i < 128; i++ {
		require.Equal(t, byte(0xA5), bufferBytes[i])
	}
}

func TestHostPointerNilUntilRealized(t *testing.T) {
	device := newTestDevice(testDeviceOptions{})
	mem, _, err := New(testLogger(), device, AllocateInfo{
		AllocationSize:  512,
		MemoryTypeIndex: memoryTypeCoherent,
	})
	require.NoError(t, err)
	defer mem.Destroy()

	require.Nil(t, mem.HostPointer())
	require.Equal(t, BackingNone, mem.CurrentBacking())

	require.True(t, mem.ensureMTLBuffer())
	require.NotNil(t, mem.HostPointer())
}
