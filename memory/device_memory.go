// Package memory implements the device-memory layer of the quicksilver
// compatibility driver. A DeviceMemory maps one Vulkan device-memory allocation
// onto native heap, buffer, and texture objects, services the host mapping and
// coherency-flush protocol, and tracks the buffer and image resources bound to
// it, including the concurrent-teardown discipline those bindings require.
package memory

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/quicksilver/memory/internal/hostmem"
	"github.com/vkngwrapper/quicksilver/metal"
	"golang.org/x/exp/slog"
)

// BackingState is the explicit tag for the current backing store of a
// DeviceMemory. States only ever upgrade, in declaration order; realization
// functions are idempotent and never downgrade.
type BackingState uint32

const (
	// BackingNone means no backing store has been realized yet.
	BackingNone BackingState = iota
	// BackingHost means an owned raw host allocation backs the memory.
	BackingHost
	// BackingBuffer means a flat native buffer backs the memory.
	BackingBuffer
	// BackingHeap means a placement heap backs the memory; a native buffer, once
	// realized, is carved from the heap.
	BackingHeap
)

var backingStateMapping = make(map[BackingState]string)

func (s BackingState) String() string {
	return backingStateMapping[s]
}

func init() {
	backingStateMapping[BackingNone] = "BackingNone"
	backingStateMapping[BackingHost] = "BackingHost"
	backingStateMapping[BackingBuffer] = "BackingBuffer"
	backingStateMapping[BackingHeap] = "BackingHeap"
}

// DeviceMemory is a single device-memory allocation. It owns its native heap,
// buffer, and texture handles for its lifetime; bound resources hold only a
// nullable back-reference to it.
//
// Map, Unmap, Destroy, and the backing realization they trigger require host
// synchronization from the caller, matching the source API's external
// synchronization rules for a device-memory handle. Bind, unbind, and
// flush/pull calls may arrive from any thread.
type DeviceMemory struct {
	device Device
	logger *slog.Logger

	// configResult and configErr latch a construction failure that could not
	// abort construction; every subsequent operation replays them.
	configResult common.VkResult
	configErr    error

	allocationSize  int
	memoryTypeIndex int
	propertyFlags   core1_0.MemoryPropertyFlags
	allocateFlags   core1_1.MemoryAllocateFlags
	storageMode     metal.StorageMode
	cacheMode       metal.CPUCacheMode

	dedicated          bool
	hostMemoryImported bool
	handleTypes        khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags

	// resourceMutex guards the binding registry and all flush/pull iteration
	// over bound images.
	resourceMutex sync.Mutex
	buffers       []BufferResource
	imageBindings []ImageBinding

	mapped       bool
	mappedOffset int
	mappedSize   int

	backing         BackingState
	mtlHeap         metal.Heap
	mtlBuffer       metal.Buffer
	mtlTexture      metal.Texture
	hostBlock       *hostmem.Block
	importedHostPtr unsafe.Pointer
}

// New creates a DeviceMemory for the given allocation request. A non-nil
// DeviceMemory is returned even on failure, with the failure latched as its
// configuration result, because the source API requires a handle to hand back
// to the application either way.
func New(logger *slog.Logger, device Device, info AllocateInfo) (*DeviceMemory, common.VkResult, error) {
	logger.Debug("DeviceMemory::New",
		slog.Int("AllocationSize", info.AllocationSize),
		slog.Int("MemoryTypeIndex", info.MemoryTypeIndex),
	)

	m := &DeviceMemory{
		device: device,
		logger: logger,

		configResult: core1_0.VKSuccess,

		allocationSize:  info.AllocationSize,
		memoryTypeIndex: info.MemoryTypeIndex,
		allocateFlags:   info.Flags,
	}

	propertyFlags, err := device.MemoryTypeProperties(info.MemoryTypeIndex)
	if err != nil {
		return m.latchConfigFailure(core1_0.VKErrorInitializationFailed,
			errors.Wrapf(err, "attempted to allocate device memory with invalid memory type index %d", info.MemoryTypeIndex))
	}
	m.propertyFlags = propertyFlags
	m.storageMode = storageModeForProperties(propertyFlags, device.Features())
	m.cacheMode = cacheModeForProperties(propertyFlags)

	res, err := m.initDedicatedResource(info)
	if err != nil {
		return m.latchConfigFailure(res, err)
	}

	res, err = m.initImports(info)
	if err != nil {
		return m.latchConfigFailure(res, err)
	}

	res, err = m.initExportHandleTypes(info.ExportHandleTypes)
	if err != nil {
		return m.latchConfigFailure(res, err)
	}

	// Realize a placement heap up front where the platform permits one, so that
	// resources bound later can be carved from it. ensureMTLHeap internally
	// no-ops on every configuration that cannot use a heap.
	if !m.ensureMTLHeap() {
		return m.latchConfigFailure(core1_0.VKErrorOutOfDeviceMemory,
			errors.Newf("the framework refused a placement heap of size %d", m.allocationSize))
	}

	return m, core1_0.VKSuccess, nil
}

func (m *DeviceMemory) latchConfigFailure(res common.VkResult, err error) (*DeviceMemory, common.VkResult, error) {
	if m.configErr == nil {
		m.configResult = res
		m.configErr = err
	}
	return m, res, err
}

func (m *DeviceMemory) initDedicatedResource(info AllocateInfo) (common.VkResult, error) {
	if info.DedicatedBuffer != nil && info.DedicatedImage != nil {
		return core1_0.VKErrorInitializationFailed,
			errors.New("a dedicated allocation request named both a buffer and an image")
	}

	switch {
	case info.DedicatedImage != nil:
		if m.isCoherent() && !info.DedicatedImage.IsLinear() && !m.device.Features().Unified() {
			// Device-resident texture data cannot be kept continuously coherent
			// with the host on this GPU class.
			return core1_0.VKErrorOutOfDeviceMemory,
				errors.New("host-coherent device memory cannot back a non-linear dedicated image on a discrete GPU")
		}
		m.dedicated = true
		m.imageBindings = append(m.imageBindings, info.DedicatedImage)
	case info.DedicatedBuffer != nil:
		m.dedicated = true
		m.buffers = append(m.buffers, info.DedicatedBuffer)
	}

	return core1_0.VKSuccess, nil
}

func (m *DeviceMemory) initImports(info AllocateInfo) (common.VkResult, error) {
	if info.ImportHostPointer != nil {
		if info.ImportHostHandleType != ExternalMemoryHandleTypeHostAllocation {
			return core1_1.VkErrorInvalidExternalHandle,
				errors.Newf("attempted to import host memory with handle type %s, which does not describe a host allocation", HandleTypesString(info.ImportHostHandleType))
		}
		if m.propertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
			return core1_1.VkErrorInvalidExternalHandle,
				errors.Newf("attempted to import host memory into a memory type (index %d) that is not host-visible", m.memoryTypeIndex)
		}
		m.importedHostPtr = info.ImportHostPointer
		m.hostMemoryImported = true
	}

	// An imported native object replaces the storage mode, cache mode, and size
	// the memory type implied. Internal consistency with the caller's declared
	// flags is the caller's responsibility.
	switch {
	case info.ImportMTLBuffer != nil:
		buffer := info.ImportMTLBuffer
		m.mtlBuffer = buffer
		m.allocationSize = buffer.Length()
		m.storageMode = buffer.StorageMode()
		m.cacheMode = buffer.CPUCacheMode()
		m.backing = BackingBuffer
		m.device.MakeResident(buffer)
		m.device.TrackObject(buffer)
	case info.ImportMTLHeap != nil:
		heap := info.ImportMTLHeap
		m.mtlHeap = heap
		m.allocationSize = heap.Size()
		m.storageMode = heap.StorageMode()
		m.cacheMode = heap.CPUCacheMode()
		m.backing = BackingHeap
	case info.ImportMTLTexture != nil:
		m.mtlTexture = info.ImportMTLTexture
	}

	return core1_0.VKSuccess, nil
}

func (m *DeviceMemory) initExportHandleTypes(handleTypes khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags) (common.VkResult, error) {
	if handleTypes == 0 {
		return core1_0.VKSuccess, nil
	}
	if handleTypes&^supportedExportHandleTypes != 0 {
		return core1_0.VKErrorInitializationFailed,
			errors.Newf("requested unsupported external memory handle types %s", HandleTypesString(handleTypes))
	}

	features := m.device.Features()
	for _, handleType := range []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags{
		ExternalMemoryHandleTypeMTLBuffer,
		ExternalMemoryHandleTypeMTLTexture,
		ExternalMemoryHandleTypeMTLHeap,
	} {
		if handleTypes&handleType == 0 {
			continue
		}

		kind, _ := externalObjectKind(handleType)
		capabilities := features.ExternalCapabilities(kind)
		if !capabilities.Exportable {
			return core1_0.VKErrorInitializationFailed,
				errors.Newf("the platform cannot export %s handles", kind.String())
		}
		if capabilities.DedicatedOnly && !m.dedicated {
			return core1_0.VKErrorInitializationFailed,
				errors.Newf("exporting %s handles requires a dedicated allocation on this platform", kind.String())
		}

		// Realize the corresponding backing object now, so the handle exists
		// before any export call can retrieve it.
		switch kind {
		case metal.ExternalObjectHeap:
			if !m.ensureMTLHeap() || m.mtlHeap == nil {
				return core1_0.VKErrorOutOfDeviceMemory,
					errors.Newf("could not realize a native heap of size %d for external memory export", m.allocationSize)
			}
		case metal.ExternalObjectBuffer:
			if !m.ensureMTLBuffer() {
				return core1_0.VKErrorOutOfDeviceMemory,
					errors.Newf("could not realize a native buffer of size %d for external memory export", m.allocationSize)
			}
		case metal.ExternalObjectTexture:
			res, err := m.adoptDedicatedTexture()
			if err != nil {
				return res, err
			}
		}
	}

	m.handleTypes = handleTypes
	return core1_0.VKSuccess, nil
}

func (m *DeviceMemory) adoptDedicatedTexture() (common.VkResult, error) {
	if m.mtlTexture != nil {
		return core1_0.VKSuccess, nil
	}
	if !m.dedicated || len(m.imageBindings) == 0 {
		return core1_0.VKErrorInitializationFailed,
			errors.New("exporting a native texture handle requires a dedicated image")
	}

	texture := m.imageBindings[0].Texture()
	if texture == nil {
		return core1_0.VKErrorInitializationFailed,
			errors.New("the dedicated image's texture is not exportable")
	}

	texture.Retain()
	m.mtlTexture = texture
	return core1_0.VKSuccess, nil
}

// storageModeForProperties derives the native storage mode a memory type's
// property flags call for. Host-visible coherent memory and all host-visible
// memory on unified GPUs map to shared storage; host-visible non-coherent
// memory on discrete GPUs maps to managed storage; everything else is
// device-private, or memoryless for lazily-allocated types.
func storageModeForProperties(propertyFlags core1_0.MemoryPropertyFlags, features *metal.PlatformFeatures) metal.StorageMode {
	if propertyFlags&core1_0.MemoryPropertyLazilyAllocated != 0 {
		return metal.StorageModeMemoryless
	}
	if propertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return metal.StorageModePrivate
	}
	if propertyFlags&core1_0.MemoryPropertyHostCoherent != 0 || features.Unified() {
		return metal.StorageModeShared
	}
	return metal.StorageModeManaged
}

func cacheModeForProperties(propertyFlags core1_0.MemoryPropertyFlags) metal.CPUCacheMode {
	hostVisibleUncached := core1_0.MemoryPropertyHostVisible
	if propertyFlags&(hostVisibleUncached|core1_0.MemoryPropertyHostCached) == hostVisibleUncached {
		return metal.CPUCacheModeWriteCombined
	}
	return metal.CPUCacheModeDefaultCache
}

func (m *DeviceMemory) isHostAccessible() bool {
	return m.storageMode.HostAccessible()
}

func (m *DeviceMemory) isCoherent() bool {
	return m.propertyFlags&core1_0.MemoryPropertyHostCoherent != 0
}

// ConfigurationResult returns the latched construction failure, if any.
func (m *DeviceMemory) ConfigurationResult() (common.VkResult, error) {
	return m.configResult, m.configErr
}

func (m *DeviceMemory) AllocationSize() int { return m.allocationSize }
func (m *DeviceMemory) MemoryPropertyFlags() core1_0.MemoryPropertyFlags {
	return m.propertyFlags
}
func (m *DeviceMemory) AllocateFlags() core1_1.MemoryAllocateFlags { return m.allocateFlags }
func (m *DeviceMemory) StorageMode() metal.StorageMode             { return m.storageMode }
func (m *DeviceMemory) CPUCacheMode() metal.CPUCacheMode           { return m.cacheMode }
func (m *DeviceMemory) IsDedicated() bool                          { return m.dedicated }
func (m *DeviceMemory) IsHostMemoryImported() bool                 { return m.hostMemoryImported }
func (m *DeviceMemory) ExternalMemoryHandleTypes() khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags {
	return m.handleTypes
}

// MTLHeap returns the realized native heap handle, or nil. Export calls
// retrieve handles through these accessors; construction guarantees they are
// populated for every handle type named in the allocation request.
func (m *DeviceMemory) MTLHeap() metal.Heap       { return m.mtlHeap }
func (m *DeviceMemory) MTLBuffer() metal.Buffer   { return m.mtlBuffer }
func (m *DeviceMemory) MTLTexture() metal.Texture { return m.mtlTexture }

// Destroy tears the allocation down: bound resources are unbound first, then
// every owned native handle is released exactly once. Imported host memory is
// left untouched; it belongs to the importer.
func (m *DeviceMemory) Destroy() {
	m.logger.Debug("DeviceMemory::Destroy")

	teardownMutex.Lock()
	m.resourceMutex.Lock()
	buffers := m.buffers
	imageBindings := m.imageBindings
	m.buffers = nil
	m.imageBindings = nil
	m.resourceMutex.Unlock()

	for _, buffer := range buffers {
		buffer.MemoryRef().clearIf(m)
	}
	for _, binding := range imageBindings {
		binding.MemoryRef().clearIf(m)
	}
	teardownMutex.Unlock()

	if m.mtlTexture != nil {
		m.mtlTexture.Release()
		m.mtlTexture = nil
	}
	if m.mtlBuffer != nil {
		m.device.EndResidency(m.mtlBuffer)
		m.device.ForgetObject(m.mtlBuffer)
		m.mtlBuffer.Release()
		m.mtlBuffer = nil
	}
	if m.mtlHeap != nil {
		m.mtlHeap.Release()
		m.mtlHeap = nil
	}
	if m.hostBlock != nil {
		m.hostBlock.Free()
		m.hostBlock = nil
	}
	m.importedHostPtr = nil
	m.mapped = false
}

// PrintParameters writes this allocation's state into an in-progress JSON
// object, for debug reports.
func (m *DeviceMemory) PrintParameters(json *jwriter.ObjectState) {
	json.Name("AllocationSize").Int(m.allocationSize)
	json.Name("MemoryTypeIndex").Int(m.memoryTypeIndex)
	json.Name("StorageMode").String(m.storageMode.String())
	json.Name("CPUCacheMode").String(m.cacheMode.String())
	json.Name("Backing").String(m.backing.String())
	json.Name("Dedicated").Bool(m.dedicated)
	json.Name("HostMemoryImported").Bool(m.hostMemoryImported)

	m.resourceMutex.Lock()
	boundBuffers := len(m.buffers)
	boundImages := len(m.imageBindings)
	m.resourceMutex.Unlock()
	json.Name("BoundBuffers").Int(boundBuffers)
	json.Name("BoundImageBindings").Int(boundImages)

	if m.mapped {
		json.Name("MappedOffset").Int(m.mappedOffset)
		json.Name("MappedSize").Int(m.mappedSize)
	}
}

// BuildStatsString writes a one-object JSON report of this allocation.
func (m *DeviceMemory) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	m.PrintParameters(&obj)
	obj.End()
}

// AddStatistics accumulates this allocation into a device-wide statistics
// report. Each DeviceMemory is one block. This layer does not suballocate, so
// every bound resource shares the whole byte range and the range counts as in
// use once anything is bound.
func (m *DeviceMemory) AddStatistics(stats *memutils.Statistics) {
	m.resourceMutex.Lock()
	boundCount := len(m.buffers) + len(m.imageBindings)
	m.resourceMutex.Unlock()

	stats.BlockCount++
	stats.BlockBytes += m.allocationSize
	stats.AllocationCount += boundCount
	if boundCount > 0 {
		stats.AllocationBytes += m.allocationSize
	}
}
