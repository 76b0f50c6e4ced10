// Package metal abstracts the native GPU framework objects that the quicksilver
// device-memory layer allocates and adopts: heaps, buffers, textures, and the
// blit machinery used to synchronize managed storage. Production builds supply
// an implementation backed by the real framework via cgo; tests use the
// byte-slice-backed implementation in the metaltest package.
package metal

import (
	"unsafe"
)

// Resource is the common surface of every native object the device-memory layer
// can own. Released resources must not be used again; Release must be safe to
// call exactly once per owner.
type Resource interface {
	// ID returns a process-unique identifier for this resource, used by
	// residency and live-object tracking.
	ID() uint64
	StorageMode() StorageMode
	CPUCacheMode() CPUCacheMode
	// Release surrenders this owner's reference to the native object.
	Release()
}

// Buffer is a flat byte range allocated from a device or carved from a heap.
type Buffer interface {
	Resource

	Length() int
	// Contents returns the host address of the buffer bytes, or nil when the
	// storage mode is not host-accessible.
	Contents() unsafe.Pointer
	// DidModifyRange notifies the framework that the host wrote the given byte
	// range of a managed-storage buffer and the device copy must be updated.
	DidModifyRange(offset, length int)
	// MakeAliasable permits future heap resources to overlap this buffer's bytes.
	MakeAliasable()
	IsAliasable() bool
	// Heap returns the heap this buffer was carved from, or nil.
	Heap() Heap
}

// Texture is an opaque native texture. The device-memory layer never samples or
// renders; it only retains textures for external-memory export.
type Texture interface {
	Resource

	// Retain takes an additional reference on behalf of a new owner.
	Retain()
}

// Heap is a placement-style region that sub-resources can be carved from.
type Heap interface {
	Resource

	Size() int
	Type() HeapType
	// NewBufferAt carves a buffer covering [offset, offset+length) out of the
	// heap. Valid only on placement heaps.
	NewBufferAt(offset, length int, options ResourceOptions) (Buffer, error)
}

// HeapDescriptor carries the creation parameters for Device.NewHeap.
type HeapDescriptor struct {
	Size         int
	Type         HeapType
	StorageMode  StorageMode
	CPUCacheMode CPUCacheMode
	// Tracked requests framework-managed hazard tracking for resources carved
	// from the heap.
	Tracked bool
}

// Device creates native memory objects. A failed allocation returns an error
// rather than a nil object.
type Device interface {
	Name() string

	NewHeap(descriptor HeapDescriptor) (Heap, error)
	NewBuffer(length int, options ResourceOptions) (Buffer, error)
	// NewBufferWithBytes allocates a fresh buffer and copies the provided bytes
	// into it.
	NewBufferWithBytes(bytes []byte, options ResourceOptions) (Buffer, error)
	// NewBufferWithBytesNoCopy wraps externally owned host memory directly. The
	// caller retains ownership of the memory and must keep it alive for the life
	// of the buffer.
	NewBufferWithBytesNoCopy(contents unsafe.Pointer, length int, options ResourceOptions) (Buffer, error)
}

// CommandQueue hands out command buffers for device-side synchronization work.
type CommandQueue interface {
	CommandBuffer() CommandBuffer
}

// CommandBuffer is a single submission to a command queue.
type CommandBuffer interface {
	BlitEncoder() BlitEncoder
	Commit()
}

// BlitEncoder encodes device-to-host synchronization commands.
type BlitEncoder interface {
	// SynchronizeBuffer schedules an update of the host copy of a
	// managed-storage buffer from its device copy.
	SynchronizeBuffer(buffer Buffer, offset, length int)
	EndEncoding()
}

// BlitContext lazily materializes a command buffer and blit encoder over a
// queue. Pull operations accept one so that several synchronization commands
// can share a single submission; a nil context skips device-side work entirely.
type BlitContext struct {
	queue     CommandQueue
	cmdBuffer CommandBuffer
	encoder   BlitEncoder
}

func NewBlitContext(queue CommandQueue) *BlitContext {
	return &BlitContext{queue: queue}
}

// Encoder returns the blit encoder, creating the command buffer and encoder on
// first use.
func (c *BlitContext) Encoder() BlitEncoder {
	if c.encoder == nil {
		c.cmdBuffer = c.queue.CommandBuffer()
		c.encoder = c.cmdBuffer.BlitEncoder()
	}
	return c.encoder
}

// Finish ends encoding and commits the command buffer, if any commands were
// encoded. The device-side work may still be executing when Finish returns.
func (c *BlitContext) Finish() {
	if c.encoder == nil {
		return
	}
	c.encoder.EndEncoding()
	c.cmdBuffer.Commit()
	c.encoder = nil
	c.cmdBuffer = nil
}
