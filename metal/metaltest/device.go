// Package metaltest provides an in-memory implementation of the metal
// interfaces for tests. Buffers and heaps are backed by pinned byte slices so
// tests can verify contents through the same host pointers production code
// uses, and every creation method supports failure injection.
package metaltest

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/quicksilver/metal"
)

var nextResourceID uint64

func allocateResourceID() uint64 {
	return atomic.AddUint64(&nextResourceID, 1)
}

// Device is a fake metal.Device. The Fail* fields inject allocation failures;
// created objects are retained on the device for leak inspection.
type Device struct {
	DeviceName string

	// FailHeaps and FailBuffers make the corresponding creation methods refuse
	// every request.
	FailHeaps   bool
	FailBuffers bool

	Heaps   []*Heap
	Buffers []*Buffer
}

func NewDevice() *Device {
	return &Device{DeviceName: "metaltest"}
}

func (d *Device) Name() string {
	return d.DeviceName
}

func (d *Device) NewHeap(descriptor metal.HeapDescriptor) (metal.Heap, error) {
	if d.FailHeaps {
		return nil, errors.New("metaltest: heap allocation refused")
	}

	heap := &Heap{
		id:         allocateResourceID(),
		device:     d,
		descriptor: descriptor,
	}
	d.Heaps = append(d.Heaps, heap)
	return heap, nil
}

func (d *Device) NewBuffer(length int, options metal.ResourceOptions) (metal.Buffer, error) {
	if d.FailBuffers {
		return nil, errors.New("metaltest: buffer allocation refused")
	}

	buffer := newSliceBuffer(make([]byte, length), options)
	d.Buffers = append(d.Buffers, buffer)
	return buffer, nil
}

func (d *Device) NewBufferWithBytes(bytes []byte, options metal.ResourceOptions) (metal.Buffer, error) {
	if d.FailBuffers {
		return nil, errors.New("metaltest: buffer allocation refused")
	}

	storage := make([]byte, len(bytes))
	copy(storage, bytes)
	buffer := newSliceBuffer(storage, options)
	d.Buffers = append(d.Buffers, buffer)
	return buffer, nil
}

func (d *Device) NewBufferWithBytesNoCopy(contents unsafe.Pointer, length int, options metal.ResourceOptions) (metal.Buffer, error) {
	if d.FailBuffers {
		return nil, errors.New("metaltest: buffer allocation refused")
	}

	buffer := &Buffer{
		id:       allocateResourceID(),
		length:   length,
		contents: contents,
		options:  options,
		NoCopy:   true,
	}
	d.Buffers = append(d.Buffers, buffer)
	return buffer, nil
}

// LiveHeaps counts heaps that have not been released.
func (d *Device) LiveHeaps() int {
	count := 0
	for _, heap := range d.Heaps {
		if !heap.Released {
			count++
		}
	}
	return count
}

// LiveBuffers counts buffers that have not been released.
func (d *Device) LiveBuffers() int {
	count := 0
	for _, buffer := range d.Buffers {
		if !buffer.Released {
			count++
		}
	}
	return count
}
