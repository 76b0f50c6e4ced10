package metaltest

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/quicksilver/metal"
)

// ModifiedRange records one DidModifyRange or SynchronizeBuffer call.
type ModifiedRange struct {
	Offset int
	Length int
}

// Buffer is a fake metal.Buffer backed by a pinned byte slice (or, for no-copy
// buffers, by the caller's memory). Releasing a buffer twice panics, so tests
// catch double-release bugs directly.
type Buffer struct {
	id       uint64
	storage  []byte
	length   int
	contents unsafe.Pointer
	options  metal.ResourceOptions
	heap     *Heap

	// NoCopy marks buffers created over caller-owned memory.
	NoCopy bool

	aliasable bool
	Released  bool

	// ModifiedRanges records every DidModifyRange call in order.
	ModifiedRanges []ModifiedRange
}

func newSliceBuffer(storage []byte, options metal.ResourceOptions) *Buffer {
	buffer := &Buffer{
		id:      allocateResourceID(),
		storage: storage,
		length:  len(storage),
		options: options,
	}
	if len(storage) > 0 {
		buffer.contents = unsafe.Pointer(&storage[0])
	}
	return buffer
}

func (b *Buffer) ID() uint64 {
	return b.id
}

func (b *Buffer) StorageMode() metal.StorageMode {
	return b.options.StorageMode()
}

func (b *Buffer) CPUCacheMode() metal.CPUCacheMode {
	return b.options.CPUCacheMode()
}

func (b *Buffer) Length() int {
	return b.length
}

func (b *Buffer) Contents() unsafe.Pointer {
	if !b.options.StorageMode().HostAccessible() {
		return nil
	}
	return b.contents
}

// Bytes exposes the buffer contents to tests regardless of storage mode.
func (b *Buffer) Bytes() []byte {
	if b.contents == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.contents), b.length)
}

func (b *Buffer) DidModifyRange(offset, length int) {
	b.ModifiedRanges = append(b.ModifiedRanges, ModifiedRange{Offset: offset, Length: length})
}

func (b *Buffer) MakeAliasable() {
	b.aliasable = true
}

func (b *Buffer) IsAliasable() bool {
	return b.aliasable
}

func (b *Buffer) Heap() metal.Heap {
	if b.heap == nil {
		return nil
	}
	return b.heap
}

func (b *Buffer) Release() {
	if b.Released {
		panic(fmt.Sprintf("metaltest: buffer %d released twice", b.id))
	}
	b.Released = true
}

// Heap is a fake placement heap. Carved buffers get their own pinned storage.
type Heap struct {
	id         uint64
	device     *Device
	descriptor metal.HeapDescriptor

	CarvedBuffers []*Buffer
	Released      bool
}

func (h *Heap) ID() uint64 {
	return h.id
}

func (h *Heap) StorageMode() metal.StorageMode {
	return h.descriptor.StorageMode
}

func (h *Heap) CPUCacheMode() metal.CPUCacheMode {
	return h.descriptor.CPUCacheMode
}

func (h *Heap) Size() int {
	return h.descriptor.Size
}

func (h *Heap) Type() metal.HeapType {
	return h.descriptor.Type
}

func (h *Heap) NewBufferAt(offset, length int, options metal.ResourceOptions) (metal.Buffer, error) {
	if h.descriptor.Type != metal.HeapTypePlacement {
		return nil, errors.New("metaltest: NewBufferAt called on a non-placement heap")
	}
	if offset < 0 || length < 0 || offset+length > h.descriptor.Size {
		return nil, errors.Newf("metaltest: carve [%d, %d) exceeds heap size %d", offset, offset+length, h.descriptor.Size)
	}
	if h.device != nil && h.device.FailBuffers {
		return nil, errors.New("metaltest: buffer allocation refused")
	}

	buffer := newSliceBuffer(make([]byte, length), options)
	buffer.heap = h
	h.CarvedBuffers = append(h.CarvedBuffers, buffer)
	if h.device != nil {
		h.device.Buffers = append(h.device.Buffers, buffer)
	}
	return buffer, nil
}

func (h *Heap) Release() {
	if h.Released {
		panic(fmt.Sprintf("metaltest: heap %d released twice", h.id))
	}
	h.Released = true
}

// Texture is a fake native texture with explicit reference counting.
type Texture struct {
	id      uint64
	options metal.ResourceOptions

	RetainCount int
}

func NewTexture(storageMode metal.StorageMode) *Texture {
	return &Texture{
		id:          allocateResourceID(),
		options:     metal.MakeResourceOptions(storageMode, metal.CPUCacheModeDefaultCache),
		RetainCount: 1,
	}
}

func (t *Texture) ID() uint64 {
	return t.id
}

func (t *Texture) StorageMode() metal.StorageMode {
	return t.options.StorageMode()
}

func (t *Texture) CPUCacheMode() metal.CPUCacheMode {
	return t.options.CPUCacheMode()
}

func (t *Texture) Retain() {
	t.RetainCount++
}

func (t *Texture) Release() {
	if t.RetainCount <= 0 {
		panic(fmt.Sprintf("metaltest: texture %d released more times than retained", t.id))
	}
	t.RetainCount--
}
