package memory

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quicksilver/metal"
	"golang.org/x/exp/slog"
)

// adjustRange resolves WholeSize against the allocation size. A range whose
// offset sits at or past the end of the allocation adjusts to zero size.
func (m *DeviceMemory) adjustRange(offset, size int) int {
	if size == WholeSize {
		size = m.allocationSize - offset
	}
	if size < 0 {
		size = 0
	}
	return size
}

// Map exposes a range of the allocation to the host and returns its address.
// The memory must be host-accessible and not already mapped; a backing store
// able to produce a host pointer is realized on demand. Coherent memory is
// pulled from the device immediately, because the native storage modes do not
// otherwise keep GPU-resident image data continuously synchronized with the
// host view the source API promises.
func (m *DeviceMemory) Map(offset, size int) (unsafe.Pointer, common.VkResult, error) {
	m.logger.Debug("DeviceMemory::Map",
		slog.Int("Offset", offset),
		slog.Int("Size", size),
	)

	if m.configErr != nil {
		return nil, m.configResult, m.configErr
	}

	if !m.isHostAccessible() {
		return nil, core1_0.VKErrorMemoryMapFailed,
			errors.Newf("attempted to map device memory with storage mode %s, which is not host-accessible", m.storageMode.String())
	}
	if m.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed,
			errors.New("attempted to map device memory that is already mapped")
	}

	if !m.ensureMTLBuffer() && !m.ensureHostMemory() {
		return nil, core1_0.VKErrorOutOfHostMemory,
			errors.Newf("attempted to map device memory of size %d, but no backing store could be realized", m.allocationSize)
	}

	if offset < 0 || offset > m.allocationSize {
		return nil, core1_0.VKErrorMemoryMapFailed,
			errors.Newf("attempted to map at offset %d of an allocation of size %d", offset, m.allocationSize)
	}
	size = m.adjustRange(offset, size)
	if offset+size > m.allocationSize {
		return nil, core1_0.VKErrorMemoryMapFailed,
			errors.Newf("attempted to map the range [%d, %d) of an allocation of size %d", offset, offset+size, m.allocationSize)
	}

	m.mapped = true
	m.mappedOffset = offset
	m.mappedSize = size

	if m.isCoherent() {
		res, err := m.pullFromDevice(offset, size, nil)
		if err != nil {
			m.mapped = false
			return nil, res, err
		}
	}

	return unsafe.Add(m.hostPointer(), offset), core1_0.VKSuccess, nil
}

// Unmap ends the current mapping. Coherent memory is flushed to the device
// over the mapped range first, completing the coherency contract for writes the
// application never flushed itself.
func (m *DeviceMemory) Unmap() (common.VkResult, error) {
	m.logger.Debug("DeviceMemory::Unmap")

	if m.configErr != nil {
		return m.configResult, m.configErr
	}

	if !m.mapped {
		return core1_0.VKErrorMemoryMapFailed,
			errors.New("attempted to unmap device memory that is not mapped")
	}

	if m.isCoherent() {
		res, err := m.flushToDevice(m.mappedOffset, m.mappedSize)
		if err != nil {
			return res, err
		}
	}

	m.mapped = false
	m.mappedOffset = 0
	m.mappedSize = 0
	return core1_0.VKSuccess, nil
}

// IsMapped reports whether the memory is currently mapped.
func (m *DeviceMemory) IsMapped() bool {
	return m.mapped
}

// MappedRange returns the currently mapped range, zero when unmapped.
func (m *DeviceMemory) MappedRange() (offset, size int) {
	if !m.mapped {
		return 0, 0
	}
	return m.mappedOffset, m.mappedSize
}

// FlushToDevice pushes host writes in the given byte range to the device. A
// zero-size range and non-host-accessible memory are defined no-ops. Managed
// buffers notify the framework of the modified range; when no heap backs the
// buffer, every bound image additionally flushes its own device-side copy.
func (m *DeviceMemory) FlushToDevice(offset, size int) (common.VkResult, error) {
	m.logger.Debug("DeviceMemory::FlushToDevice",
		slog.Int("Offset", offset),
		slog.Int("Size", size),
	)

	if m.configErr != nil {
		return m.configResult, m.configErr
	}
	return m.flushToDevice(offset, size)
}

func (m *DeviceMemory) flushToDevice(offset, size int) (common.VkResult, error) {
	size = m.adjustRange(offset, size)
	if size == 0 || !m.isHostAccessible() {
		return core1_0.VKSuccess, nil
	}

	if m.mtlBuffer != nil && m.storageMode == metal.StorageModeManaged {
		m.mtlBuffer.DidModifyRange(offset, size)
	}

	// Heap-backed images alias the buffer bytes in place and need no separate
	// synchronization; everything else may keep its own device-side copy.
	if m.mtlHeap == nil {
		m.resourceMutex.Lock()
		defer m.resourceMutex.Unlock()

		for _, binding := range m.imageBindings {
			res, err := binding.FlushToDevice(offset, size)
			if err != nil {
				return res, err
			}
		}
	}

	return core1_0.VKSuccess, nil
}

// PullFromDevice updates the host view of the given byte range from the
// device. Device-side synchronization of a managed buffer is enqueued on the
// caller-supplied blit context; with a nil context that step is skipped and
// only bound images synchronize their own copies. All synchronization commands
// are fully encoded before return, though the device-side work itself may still
// be executing.
func (m *DeviceMemory) PullFromDevice(offset, size int, blit *metal.BlitContext) (common.VkResult, error) {
	m.logger.Debug("DeviceMemory::PullFromDevice",
		slog.Int("Offset", offset),
		slog.Int("Size", size),
	)

	if m.configErr != nil {
		return m.configResult, m.configErr
	}
	return m.pullFromDevice(offset, size, blit)
}

func (m *DeviceMemory) pullFromDevice(offset, size int, blit *metal.BlitContext) (common.VkResult, error) {
	size = m.adjustRange(offset, size)
	if size == 0 || !m.isHostAccessible() {
		return core1_0.VKSuccess, nil
	}

	if m.mtlBuffer != nil && m.storageMode == metal.StorageModeManaged && blit != nil {
		blit.Encoder().SynchronizeBuffer(m.mtlBuffer, offset, size)
	}

	if m.mtlHeap == nil {
		m.resourceMutex.Lock()
		defer m.resourceMutex.Unlock()

		for _, binding := range m.imageBindings {
			res, err := binding.PullFromDevice(offset, size)
			if err != nil {
				return res, err
			}
		}
	}

	return core1_0.VKSuccess, nil
}
