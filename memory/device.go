package memory

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quicksilver/metal"
)

// Device is the collaborator a DeviceMemory belongs to. It answers platform
// capability queries, resolves memory-type indices to property flags, hands out
// the command queue used to build blit contexts for pull operations, and tracks
// residency and live objects for the native resources this layer creates.
type Device interface {
	Metal() metal.Device
	Features() *metal.PlatformFeatures

	// MemoryTypeProperties resolves a Vulkan memory-type index to its property
	// flags, or fails for an index outside the device's memory-type table.
	MemoryTypeProperties(typeIndex int) (core1_0.MemoryPropertyFlags, error)

	// Queue returns the command queue pull operations should encode their
	// device-side synchronization work on.
	Queue() metal.CommandQueue

	// MakeResident and EndResidency mark a native resource as required (or no
	// longer required) to be resident in GPU-accessible memory.
	MakeResident(resource metal.Resource)
	EndResidency(resource metal.Resource)

	// TrackObject and ForgetObject maintain the device's live-object registry,
	// used to audit leaked native objects at teardown.
	TrackObject(resource metal.Resource)
	ForgetObject(resource metal.Resource)
}

// ResidencySet tracks which native resources are currently marked resident.
// Device implementations embed one to satisfy the residency half of the Device
// interface. All methods are safe for concurrent use.
type ResidencySet struct {
	mutex     sync.Mutex
	resources *swiss.Map[uint64, metal.Resource]
}

func NewResidencySet() *ResidencySet {
	return &ResidencySet{
		resources: swiss.NewMap[uint64, metal.Resource](8),
	}
}

func (s *ResidencySet) MakeResident(resource metal.Resource) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.resources.Put(resource.ID(), resource)
}

func (s *ResidencySet) EndResidency(resource metal.Resource) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.resources.Delete(resource.ID())
}

// IsResident reports whether the resource is currently marked resident.
func (s *ResidencySet) IsResident(resource metal.Resource) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.resources.Has(resource.ID())
}

func (s *ResidencySet) Count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.resources.Count()
}

// ObjectTracker is a live-object registry for leak auditing. Device
// implementations embed one to satisfy the tracking half of the Device
// interface. All methods are safe for concurrent use.
type ObjectTracker struct {
	mutex   sync.Mutex
	objects *swiss.Map[uint64, metal.Resource]
}

func NewObjectTracker() *ObjectTracker {
	return &ObjectTracker{
		objects: swiss.NewMap[uint64, metal.Resource](8),
	}
}

func (t *ObjectTracker) TrackObject(resource metal.Resource) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.objects.Put(resource.ID(), resource)
}

func (t *ObjectTracker) ForgetObject(resource metal.Resource) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.objects.Delete(resource.ID())
}

// LiveCount returns the number of tracked objects that have not been forgotten.
// A nonzero count at device teardown indicates leaked native objects.
func (t *ObjectTracker) LiveCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.objects.Count()
}

// EachLiveObject visits every tracked object. The callback must not call back
// into the tracker.
func (t *ObjectTracker) EachLiveObject(visit func(resource metal.Resource)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.objects.Iter(func(_ uint64, resource metal.Resource) bool {
		visit(resource)
		return false
	})
}
