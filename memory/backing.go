package memory

import (
	"fmt"
	"unsafe"

	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/quicksilver/memory/internal/hostmem"
	"github.com/vkngwrapper/quicksilver/metal"
	"golang.org/x/exp/slog"
)

// CurrentBacking returns the current backing-store tag.
func (m *DeviceMemory) CurrentBacking() BackingState {
	return m.backing
}

func (m *DeviceMemory) upgradeBacking(next BackingState) {
	if next < m.backing {
		panic(fmt.Sprintf("attempted to downgrade device memory backing from %s to %s", m.backing.String(), next.String()))
	}
	m.backing = next
}

// alignedLength is the allocation size rounded up to the platform's buffer
// allocation granularity.
func (m *DeviceMemory) alignedLength() int {
	return memutils.AlignUp(m.allocationSize, uint(m.device.Features().BufferAlignment))
}

// hostPointer resolves the host address of the backing bytes: imported host
// memory wins, then a host-accessible native buffer's contents, then the owned
// raw allocation. Nil when the memory is not host-accessible or no backing
// store has been realized yet.
func (m *DeviceMemory) hostPointer() unsafe.Pointer {
	switch {
	case m.importedHostPtr != nil:
		return m.importedHostPtr
	case m.mtlBuffer != nil && m.mtlBuffer.Contents() != nil:
		return m.mtlBuffer.Contents()
	case m.hostBlock != nil:
		return m.hostBlock.Ptr()
	}
	return nil
}

// HostPointer returns the stable host address of the backing bytes, non-nil
// exactly when the memory is host-accessible and a backing store exists.
func (m *DeviceMemory) HostPointer() unsafe.Pointer {
	return m.hostPointer()
}

// ensureMTLHeap lazily realizes a placement heap. It reports success without a
// heap on every configuration that cannot use one: imported host memory, a
// buffer already realized flat, no placement-heap support, a zero allocation
// size, or a storage mode the GPU class does not allow heaps for. Only an
// allocation refused by the framework reports failure, and failures are never
// retried.
func (m *DeviceMemory) ensureMTLHeap() bool {
	if m.mtlHeap != nil {
		return true
	}
	if m.hostMemoryImported {
		// Heaps cannot wrap imported host pointers.
		return true
	}
	if m.mtlBuffer != nil {
		return true
	}

	features := m.device.Features()
	if !features.PlacementHeaps || m.allocationSize == 0 {
		return true
	}
	if !features.HeapStorageModeAllowed(m.storageMode) {
		return true
	}

	// The heap must cover the aligned length ensureMTLBuffer will carve from
	// it, not just the raw allocation size.
	size := m.alignedLength()
	heap, err := m.device.Metal().NewHeap(metal.HeapDescriptor{
		Size:         size,
		Type:         metal.HeapTypePlacement,
		StorageMode:  m.storageMode,
		CPUCacheMode: m.cacheMode,
		Tracked:      true,
	})
	if err != nil {
		m.logger.Error("DeviceMemory::ensureMTLHeap failed",
			slog.Int("Size", size),
			slog.Any("error", err),
		)
		return false
	}

	m.mtlHeap = heap
	m.upgradeBacking(BackingHeap)
	return true
}

// ensureMTLBuffer lazily realizes the native buffer, idempotently. If a heap
// exists the buffer is carved from it, inherits any raw host bytes, and is
// marked aliasable within the heap; if raw host memory exists the buffer wraps
// it (without copying when the memory was imported); otherwise a fresh
// zero-filled buffer is allocated. Reports failure when the aligned length
// exceeds the platform's maximum buffer length or the framework refuses the
// allocation.
func (m *DeviceMemory) ensureMTLBuffer() bool {
	if m.mtlBuffer != nil {
		return true
	}

	features := m.device.Features()
	length := m.alignedLength()
	if length > features.MaxBufferLength {
		return false
	}

	options := metal.MakeResourceOptions(m.storageMode, m.cacheMode)

	var buffer metal.Buffer
	var err error
	switch {
	case m.mtlHeap != nil:
		buffer, err = m.mtlHeap.NewBufferAt(0, length, options)
		if err == nil {
			if m.hostBlock != nil {
				if contents := buffer.Contents(); contents != nil {
					copy(unsafe.Slice((*byte)(contents), length), m.hostBlock.Bytes())
				}
				m.hostBlock.Free()
				m.hostBlock = nil
			}
			buffer.MakeAliasable()
		}
	case m.importedHostPtr != nil:
		buffer, err = m.device.Metal().NewBufferWithBytesNoCopy(m.importedHostPtr, length, options)
	case m.hostBlock != nil:
		buffer, err = m.device.Metal().NewBufferWithBytes(m.hostBlock.Bytes(), options)
		if err == nil {
			m.hostBlock.Free()
			m.hostBlock = nil
		}
	default:
		buffer, err = m.device.Metal().NewBuffer(length, options)
	}
	if err != nil {
		m.logger.Error("DeviceMemory::ensureMTLBuffer failed",
			slog.Int("Length", length),
			slog.Any("error", err),
		)
		return false
	}

	m.mtlBuffer = buffer
	m.device.MakeResident(buffer)
	m.device.TrackObject(buffer)
	if m.mtlHeap == nil {
		m.upgradeBacking(BackingBuffer)
	}
	return true
}

// ensureHostMemory lazily allocates aligned raw host memory. It is the
// fallback used when host-visible mapping was requested but no native buffer
// can be created, and a no-op whenever a host pointer is already available.
func (m *DeviceMemory) ensureHostMemory() bool {
	if m.hostPointer() != nil {
		return true
	}
	if m.mtlBuffer != nil {
		// A buffer exists but is not host-accessible; raw host memory cannot
		// substitute for it.
		return false
	}
	if m.allocationSize == 0 {
		return false
	}

	block, err := hostmem.Allocate(m.alignedLength(), uint(m.device.Features().BufferAlignment))
	if err != nil {
		m.logger.Error("DeviceMemory::ensureHostMemory failed",
			slog.Int("Size", m.alignedLength()),
			slog.Any("error", err),
		)
		return false
	}

	m.hostBlock = block
	if m.backing == BackingNone {
		// A raw host block can also appear alongside an already-realized heap,
		// as staging until a buffer is carved; the heap remains the backing tag.
		m.upgradeBacking(BackingHost)
	}
	return true
}
