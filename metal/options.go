package metal

// StorageMode describes where a native resource's backing bytes live and which
// processors can see them. It mirrors the framework's storage-mode enum: Shared
// memory is visible to both host and device, Managed memory maintains a host copy
// and a device copy that are synchronized explicitly, Private memory is
// device-only, and Memoryless resources have no backing store at all.
type StorageMode uint32

const (
	StorageModeShared StorageMode = iota
	StorageModeManaged
	StorageModePrivate
	StorageModeMemoryless
)

var storageModeMapping = make(map[StorageMode]string)

func (m StorageMode) String() string {
	return storageModeMapping[m]
}

func init() {
	storageModeMapping[StorageModeShared] = "StorageModeShared"
	storageModeMapping[StorageModeManaged] = "StorageModeManaged"
	storageModeMapping[StorageModePrivate] = "StorageModePrivate"
	storageModeMapping[StorageModeMemoryless] = "StorageModeMemoryless"
}

// HostAccessible reports whether the host can obtain a pointer to the contents of
// a resource created with this storage mode.
func (m StorageMode) HostAccessible() bool {
	return m == StorageModeShared || m == StorageModeManaged
}

// CPUCacheMode describes the CPU cache behavior of host-visible resource bytes.
type CPUCacheMode uint32

const (
	CPUCacheModeDefaultCache CPUCacheMode = iota
	CPUCacheModeWriteCombined
)

var cpuCacheModeMapping = make(map[CPUCacheMode]string)

func (m CPUCacheMode) String() string {
	return cpuCacheModeMapping[m]
}

func init() {
	cpuCacheModeMapping[CPUCacheModeDefaultCache] = "CPUCacheModeDefaultCache"
	cpuCacheModeMapping[CPUCacheModeWriteCombined] = "CPUCacheModeWriteCombined"
}

// ResourceOptions is the packed option word accepted by resource-creation
// methods. The bit layout matches the framework's: cache mode in the low nibble,
// storage mode shifted by 4.
type ResourceOptions uint64

const (
	resourceStorageModeShift = 4
)

// MakeResourceOptions packs a storage mode and CPU cache mode into a
// ResourceOptions word.
func MakeResourceOptions(storageMode StorageMode, cacheMode CPUCacheMode) ResourceOptions {
	return ResourceOptions(cacheMode) | ResourceOptions(storageMode)<<resourceStorageModeShift
}

// StorageMode unpacks the storage mode from an options word.
func (o ResourceOptions) StorageMode() StorageMode {
	return StorageMode(o >> resourceStorageModeShift & 0xf)
}

// CPUCacheMode unpacks the CPU cache mode from an options word.
func (o ResourceOptions) CPUCacheMode() CPUCacheMode {
	return CPUCacheMode(o & 0xf)
}

// HeapType selects how a native heap doles out sub-resources. Automatic heaps
// place resources themselves; placement heaps let the creator choose offsets and
// are the only type that can back suballocated device memory.
type HeapType uint32

const (
	HeapTypeAutomatic HeapType = iota
	HeapTypePlacement
)

var heapTypeMapping = make(map[HeapType]string)

func (t HeapType) String() string {
	return heapTypeMapping[t]
}

func init() {
	heapTypeMapping[HeapTypeAutomatic] = "HeapTypeAutomatic"
	heapTypeMapping[HeapTypePlacement] = "HeapTypePlacement"
}
