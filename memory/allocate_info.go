package memory

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/quicksilver/metal"
)

// WholeSize indicates that a map, flush, or pull range extends from its offset
// to the end of the allocation.
const WholeSize = -1

// External memory handle types serviced by this driver. The host-allocation bit
// matches VK_EXT_external_memory_host; the native-object bits live in the
// vendor-extension range and identify the framework object kind a handle wraps.
const (
	ExternalMemoryHandleTypeHostAllocation khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags = 0x00000080

	ExternalMemoryHandleTypeMTLBuffer  khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags = 0x10000000
	ExternalMemoryHandleTypeMTLTexture khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags = 0x20000000
	ExternalMemoryHandleTypeMTLHeap    khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags = 0x40000000
)

// supportedExportHandleTypes is the full set of handle types this driver can
// export.
const supportedExportHandleTypes = ExternalMemoryHandleTypeMTLBuffer |
	ExternalMemoryHandleTypeMTLTexture |
	ExternalMemoryHandleTypeMTLHeap

var handleTypeStringMapping = common.NewFlagStringMapping[khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags]()

func init() {
	handleTypeStringMapping.Register(ExternalMemoryHandleTypeHostAllocation, "ExternalMemoryHandleTypeHostAllocation")
	handleTypeStringMapping.Register(ExternalMemoryHandleTypeMTLBuffer, "ExternalMemoryHandleTypeMTLBuffer")
	handleTypeStringMapping.Register(ExternalMemoryHandleTypeMTLTexture, "ExternalMemoryHandleTypeMTLTexture")
	handleTypeStringMapping.Register(ExternalMemoryHandleTypeMTLHeap, "ExternalMemoryHandleTypeMTLHeap")
}

// HandleTypesString formats a handle-type bitset using this driver's names for
// the vendor-range bits, which the stock flag stringer does not know.
func HandleTypesString(handleTypes khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags) string {
	return handleTypeStringMapping.FlagsToString(handleTypes)
}

// externalObjectKind maps a single supported native handle-type bit to the
// platform capability table's object kind.
func externalObjectKind(handleType khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags) (metal.ExternalObjectKind, bool) {
	switch handleType {
	case ExternalMemoryHandleTypeMTLBuffer:
		return metal.ExternalObjectBuffer, true
	case ExternalMemoryHandleTypeMTLTexture:
		return metal.ExternalObjectTexture, true
	case ExternalMemoryHandleTypeMTLHeap:
		return metal.ExternalObjectHeap, true
	}

	return 0, false
}

// AllocateInfo carries every parameter of a device-memory allocation request.
// Exactly one of the import fields may be populated; a populated native-object
// import short-circuits normal backing-store realization and adopts the
// object's actual size, storage mode, and cache mode in place of the ones the
// memory type implies. Consistency between the declared memory type and an
// imported object is the caller's responsibility and is not validated.
type AllocateInfo struct {
	AllocationSize  int
	MemoryTypeIndex int

	// Flags carries pass-through allocation flag bits. This layer stores them
	// for later inspection but attaches no behavior to them.
	Flags core1_1.MemoryAllocateFlags

	// DedicatedBuffer and DedicatedImage request a dedicated allocation for the
	// named resource. At most one may be set.
	DedicatedBuffer BufferResource
	DedicatedImage  ImageBinding

	// ExportHandleTypes lists the external handle types this allocation must be
	// able to export. Backing objects for each listed type are realized during
	// construction so that handles exist before the first export call.
	ExportHandleTypes khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags

	// ImportHostPointer adopts externally owned host memory as the allocation's
	// backing bytes. The memory is never freed by this layer.
	// ImportHostHandleType must be ExternalMemoryHandleTypeHostAllocation.
	ImportHostPointer    unsafe.Pointer
	ImportHostHandleType khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags

	// ImportMTLBuffer, ImportMTLHeap, and ImportMTLTexture adopt a pre-existing
	// native object directly.
	ImportMTLBuffer  metal.Buffer
	ImportMTLHeap    metal.Heap
	ImportMTLTexture metal.Texture
}
