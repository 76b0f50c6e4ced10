package memory

import (
	"sync"
	"sync/atomic"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/quicksilver/metal"
)

// Resource is the surface a bound resource exposes to its DeviceMemory. Flush
// and pull are invoked over byte ranges of the memory object when the resource
// maintains its own device-side copy of those bytes. Implementations must be
// pointer types: the binding registry compares resources by identity.
type Resource interface {
	FlushToDevice(offset, size int) (common.VkResult, error)
	PullFromDevice(offset, size int) (common.VkResult, error)
}

// BufferResource is a buffer-shaped resource that can bind to a DeviceMemory.
type BufferResource interface {
	Resource

	// MemoryRef returns the resource's back-reference slot to its bound
	// DeviceMemory. The slot is nulled at unbind or memory teardown, whichever
	// comes first.
	MemoryRef() *Ref
}

// ImageBinding is one image-memory-binding of an image resource.
type ImageBinding interface {
	Resource

	MemoryRef() *Ref
	// IsAliasable reports whether the image was explicitly created to share
	// backing bytes with other aliasable images of the same dedicated allocation.
	IsAliasable() bool
	// IsLinear reports whether the image uses linear tiling.
	IsLinear() bool
	// Texture returns the image's realized native texture, or nil if the image
	// has not created one yet.
	Texture() metal.Texture
}

// Ref is the nullable, non-owning back-reference from a resource to the
// DeviceMemory it is bound to. The slot is the sole synchronization surface
// between the two lifetimes: whichever of unbind or memory teardown clears it
// first is the side that mutates the binding registry.
type Ref struct {
	memory atomic.Pointer[DeviceMemory]
}

// Get returns the bound DeviceMemory, or nil when unbound or already torn down.
func (r *Ref) Get() *DeviceMemory {
	return r.memory.Load()
}

func (r *Ref) set(memory *DeviceMemory) {
	r.memory.Store(memory)
}

// clearIf nulls the slot only if it currently points at the given memory and
// reports whether this call was the one that cleared it.
func (r *Ref) clearIf(memory *DeviceMemory) bool {
	return r.memory.CompareAndSwap(memory, nil)
}

// teardownMutex serializes the reciprocal race between a DeviceMemory being
// destroyed and a bound resource being destroyed at the same time from an
// independent call site. Neither object owns the other, so both sides take this
// lock before touching the resource's back-reference slot; at most one side
// observes a non-nil slot and performs the registry mutation. The lock is
// process-wide and never destroyed.
var teardownMutex sync.Mutex

// RemoveBufferBinding detaches a buffer resource from whatever DeviceMemory its
// back-reference names, if any. Call during resource destruction; it is safe to
// race with Destroy on the memory object, and a removal that loses that race is
// skipped.
func RemoveBufferBinding(buffer BufferResource) {
	teardownMutex.Lock()
	memory := buffer.MemoryRef().Get()
	cleared := memory != nil && buffer.MemoryRef().clearIf(memory)
	teardownMutex.Unlock()

	if cleared {
		memory.removeBuffer(buffer)
	}
}

// RemoveImageBinding detaches an image-memory-binding from whatever
// DeviceMemory its back-reference names, if any. The same teardown-race rules
// as RemoveBufferBinding apply.
func RemoveImageBinding(binding ImageBinding) {
	teardownMutex.Lock()
	memory := binding.MemoryRef().Get()
	cleared := memory != nil && binding.MemoryRef().clearIf(memory)
	teardownMutex.Unlock()

	if cleared {
		memory.removeImageBinding(binding)
	}
}
