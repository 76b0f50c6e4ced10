package metal

// GPUClass broadly categorizes the memory architecture of the underlying GPU.
type GPUClass uint32

const (
	// GPUClassUnified covers tile-based GPUs that share one physical memory pool
	// with the host.
	GPUClassUnified GPUClass = iota
	// GPUClassDiscrete covers immediate-mode GPUs with their own video memory.
	GPUClassDiscrete
)

var gpuClassMapping = make(map[GPUClass]string)

func (c GPUClass) String() string {
	return gpuClassMapping[c]
}

func init() {
	gpuClassMapping[GPUClassUnified] = "GPUClassUnified"
	gpuClassMapping[GPUClassDiscrete] = "GPUClassDiscrete"
}

// ExternalObjectKind names the kinds of native object that external memory can
// be imported from or exported as.
type ExternalObjectKind uint32

const (
	ExternalObjectBuffer ExternalObjectKind = iota
	ExternalObjectTexture
	ExternalObjectHeap
)

var externalObjectKindMapping = make(map[ExternalObjectKind]string)

func (k ExternalObjectKind) String() string {
	return externalObjectKindMapping[k]
}

func init() {
	externalObjectKindMapping[ExternalObjectBuffer] = "ExternalObjectBuffer"
	externalObjectKindMapping[ExternalObjectTexture] = "ExternalObjectTexture"
	externalObjectKindMapping[ExternalObjectHeap] = "ExternalObjectHeap"
}

// ExternalMemoryProperties is one row of the platform's external-memory
// capability table.
type ExternalMemoryProperties struct {
	Exportable bool
	Importable bool
	// DedicatedOnly marks export kinds that the platform can only service from a
	// dedicated allocation.
	DedicatedOnly bool
}

// PlatformFeatures is the capability table the device-memory layer consults. It
// is built once per device, at configuration time; optional capabilities are
// probed then and cached here rather than re-probed per call.
type PlatformFeatures struct {
	GPU GPUClass

	// PlacementHeaps reports whether the framework supports placement-type heaps
	// on this device.
	PlacementHeaps bool
	// BufferAlignment is the allocation granularity of buffers, always a power
	// of two.
	BufferAlignment int
	// MaxBufferLength is the largest buffer the framework will create.
	MaxBufferLength int

	External map[ExternalObjectKind]ExternalMemoryProperties
}

// Unified reports whether host and device share one physical memory pool.
func (f *PlatformFeatures) Unified() bool {
	return f.GPU == GPUClassUnified
}

// HeapStorageModeAllowed reports whether a heap with the given storage mode can
// be created on this GPU class. Unified-memory GPUs allow private and shared
// heaps; discrete GPUs allow only private ones.
func (f *PlatformFeatures) HeapStorageModeAllowed(mode StorageMode) bool {
	switch f.GPU {
	case GPUClassUnified:
		return mode == StorageModePrivate || mode == StorageModeShared
	default:
		return mode == StorageModePrivate
	}
}

// ExternalCapabilities returns the capability row for an external object kind.
// Kinds absent from the table report no support.
func (f *PlatformFeatures) ExternalCapabilities(kind ExternalObjectKind) ExternalMemoryProperties {
	if f.External == nil {
		return ExternalMemoryProperties{}
	}
	return f.External[kind]
}

// ProbeCapability resolves an optional framework capability: when the probe is
// unavailable the default is used instead. Call while building PlatformFeatures
// and cache the result there.
func ProbeCapability(probe func() bool, defaultValue bool) bool {
	if probe == nil {
		return defaultValue
	}
	return probe()
}
