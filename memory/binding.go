package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
)

// AddBuffer binds a buffer resource to this allocation. Dedicated allocations
// accept only the resource named at construction; everyone else is appended to
// the bound set. A native buffer backing is realized on demand, since a bound
// buffer must have something to carve its contents from.
func (m *DeviceMemory) AddBuffer(buffer BufferResource) (common.VkResult, error) {
	m.logger.Debug("DeviceMemory::AddBuffer")

	if m.configErr != nil {
		return m.configResult, m.configErr
	}

	m.resourceMutex.Lock()
	defer m.resourceMutex.Unlock()

	if m.dedicated && !(len(m.buffers) > 0 && m.buffers[0] == buffer) {
		return core1_0.VKErrorOutOfDeviceMemory,
			errors.New("attempted to bind a buffer to a dedicated allocation that names a different resource")
	}

	if !m.ensureMTLBuffer() {
		return core1_0.VKErrorOutOfDeviceMemory,
			errors.Newf("could not realize a native buffer for an allocation of size %d: the platform's maximum buffer length is %d",
				m.alignedLength(), m.device.Features().MaxBufferLength)
	}

	// The dedicated target was seeded into the bound set at construction.
	if !m.dedicated {
		m.buffers = append(m.buffers, buffer)
	}
	buffer.MemoryRef().set(m)

	return core1_0.VKSuccess, nil
}

// AddImageBinding binds an image-memory-binding to this allocation. On a
// dedicated allocation the binding must either be the dedicated target or join
// a group in which every member, existing and incoming, is explicitly marked
// aliasable.
func (m *DeviceMemory) AddImageBinding(binding ImageBinding) (common.VkResult, error) {
	m.logger.Debug("DeviceMemory::AddImageBinding")

	if m.configErr != nil {
		return m.configResult, m.configErr
	}

	m.resourceMutex.Lock()
	defer m.resourceMutex.Unlock()

	if m.dedicated {
		if m.isDedicatedImageTarget(binding) {
			binding.MemoryRef().set(m)
			return core1_0.VKSuccess, nil
		}
		if len(m.buffers) > 0 || !binding.IsAliasable() || !m.boundImagesAllAliasable() {
			return core1_0.VKErrorOutOfDeviceMemory,
				errors.New("attempted to bind an image to a dedicated allocation that is not part of its aliasable group")
		}
	}

	m.imageBindings = append(m.imageBindings, binding)
	binding.MemoryRef().set(m)

	return core1_0.VKSuccess, nil
}

func (m *DeviceMemory) isDedicatedImageTarget(binding ImageBinding) bool {
	return len(m.imageBindings) > 0 && m.imageBindings[0] == binding
}

func (m *DeviceMemory) boundImagesAllAliasable() bool {
	for _, binding := range m.imageBindings {
		if !binding.IsAliasable() {
			return false
		}
	}
	return true
}

// removeBuffer and removeImageBinding are reached only through
// RemoveBufferBinding/RemoveImageBinding, after the caller won the teardown
// race on the resource's back-reference slot.
func (m *DeviceMemory) removeBuffer(buffer BufferResource) {
	m.resourceMutex.Lock()
	defer m.resourceMutex.Unlock()

	index := slices.IndexFunc(m.buffers, func(bound BufferResource) bool {
		return bound == buffer
	})
	if index >= 0 {
		m.buffers = slices.Delete(m.buffers, index, index+1)
	}
}

func (m *DeviceMemory) removeImageBinding(binding ImageBinding) {
	m.resourceMutex.Lock()
	defer m.resourceMutex.Unlock()

	index := slices.IndexFunc(m.imageBindings, func(bound ImageBinding) bool {
		return bound == binding
	})
	if index >= 0 {
		m.imageBindings = slices.Delete(m.imageBindings, index, index+1)
	}
}

// DedicatedResource returns the sole resource a dedicated allocation backs:
// the bound buffer when one exists, else the first image binding. It must not
// be called on a non-dedicated allocation, and a dedicated allocation is
// required to have at least one bound resource by the time this is called.
func (m *DeviceMemory) DedicatedResource() Resource {
	if !m.dedicated {
		panic("attempted to fetch the dedicated resource of a non-dedicated device memory")
	}

	m.resourceMutex.Lock()
	defer m.resourceMutex.Unlock()

	if len(m.buffers) > 0 {
		return m.buffers[0]
	}
	if len(m.imageBindings) == 0 {
		panic("dedicated device memory has no bound resource")
	}
	return m.imageBindings[0]
}

// BoundResourceCounts returns the number of buffers and image bindings
// currently bound.
func (m *DeviceMemory) BoundResourceCounts() (buffers, imageBindings int) {
	m.resourceMutex.Lock()
	defer m.resourceMutex.Unlock()

	return len(m.buffers), len(m.imageBindings)
}
