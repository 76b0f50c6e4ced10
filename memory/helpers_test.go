package memory

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quicksilver/metal"
	"github.com/vkngwrapper/quicksilver/metal/metaltest"
	"golang.org/x/exp/slog"
)

// Memory-type table used by the test device. Indices mirror the property-flag
// combinations the driver distinguishes between.
const (
	memoryTypeDeviceLocal = iota
	memoryTypeCoherent
	memoryTypeManaged
	memoryTypeCached
)

var testMemoryTypes = []core1_0.MemoryType{
	{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
}

type testDeviceOptions struct {
	GPU            metal.GPUClass
	PlacementHeaps bool
	FailHeaps      bool
	FailBuffers    bool
	External       map[metal.ExternalObjectKind]metal.ExternalMemoryProperties
}

type testDevice struct {
	*ResidencySet
	*ObjectTracker

	metalDevice *metaltest.Device
	queue       *metaltest.CommandQueue
	features    metal.PlatformFeatures
	memoryTypes []core1_0.MemoryType
}

func newTestDevice(options testDeviceOptions) *testDevice {
	metalDevice := metaltest.NewDevice()
	metalDevice.FailHeaps = options.FailHeaps
	metalDevice.FailBuffers = options.FailBuffers

	return &testDevice{
		ResidencySet:  NewResidencySet(),
		ObjectTracker: NewObjectTracker(),

		metalDevice: metalDevice,
		queue:       metaltest.NewCommandQueue(),
		features: metal.PlatformFeatures{
			GPU:             options.GPU,
			PlacementHeaps:  options.PlacementHeaps,
			BufferAlignment: 64,
			MaxBufferLength: 1 << 20,
			External:        options.External,
		},
		memoryTypes: testMemoryTypes,
	}
}

func (d *testDevice) Metal() metal.Device {
	return d.metalDevice
}

func (d *testDevice) Features() *metal.PlatformFeatures {
	return &d.features
}

func (d *testDevice) MemoryTypeProperties(typeIndex int) (core1_0.MemoryPropertyFlags, error) {
	if typeIndex < 0 || typeIndex >= len(d.memoryTypes) {
		return 0, errors.Newf("memory type index %d is out of range", typeIndex)
	}
	return d.memoryTypes[typeIndex].PropertyFlags, nil
}

func (d *testDevice) Queue() metal.CommandQueue {
	return d.queue
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}

type recordedRange struct {
	offset int
	size   int
}

// testBuffer is a minimal buffer resource for binding-registry tests.
type testBuffer struct {
	ref Ref

	flushCalls []recordedRange
	pullCalls  []recordedRange
}

func (b *testBuffer) FlushToDevice(offset, size int) (common.VkResult, error) {
	b.flushCalls = append(b.flushCalls, recordedRange{offset: offset, size: size})
	return core1_0.VKSuccess, nil
}

func (b *testBuffer) PullFromDevice(offset, size int) (common.VkResult, error) {
	b.pullCalls = append(b.pullCalls, recordedRange{offset: offset, size: size})
	return core1_0.VKSuccess, nil
}

func (b *testBuffer) MemoryRef() *Ref {
	return &b.ref
}

// testImage is a minimal image-memory-binding with its own device-side copy.
type testImage struct {
	ref Ref

	aliasable bool
	linear    bool
	texture   *metaltest.Texture

	flushCalls []recordedRange
	pullCalls  []recordedRange
}

func (i *testImage) FlushToDevice(offset, size int) (common.VkResult, error) {
	i.flushCalls = append(i.flushCalls, recordedRange{offset: offset, size: size})
	return core1_0.VKSuccess, nil
}

func (i *testImage) PullFromDevice(offset, size int) (common.VkResult, error) {
	i.pullCalls = append(i.pullCalls, recordedRange{offset: offset, size: size})
	return core1_0.VKSuccess, nil
}

func (i *testImage) MemoryRef() *Ref {
	return &i.ref
}

func (i *testImage) IsAliasable() bool {
	return i.aliasable
}

func (i *testImage) IsLinear() bool {
	return i.linear
}

func (i *testImage) Texture() metal.Texture {
	if i.texture == nil {
		return nil
	}
	return i.texture
}
