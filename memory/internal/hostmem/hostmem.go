// Package hostmem provides aligned raw host allocations used to back device
// memory before (or instead of) a native buffer. Blocks pin their own storage,
// so the base pointer stays stable for the life of the block.
package hostmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
)

// Block is a single aligned raw allocation. The zero value is not usable;
// create blocks with Allocate.
type Block struct {
	raw     []byte
	aligned []byte
}

// Allocate returns a zero-filled block of the requested size whose base address
// is a multiple of alignment. Alignment must be a power of two.
func Allocate(size int, alignment uint) (*Block, error) {
	if size <= 0 {
		return nil, errors.Newf("attempted to allocate a host memory block of invalid size %d", size)
	}
	err := memutils.CheckPow2(alignment, "host memory alignment")
	if err != nil {
		return nil, err
	}

	raw := make([]byte, size+int(alignment))
	addr := uintptr(unsafe.Pointer(&raw[0]))
	shift := memutils.AlignUp(int(addr), alignment) - int(addr)

	return &Block{
		raw:     raw,
		aligned: raw[shift : shift+size : shift+size],
	}, nil
}

// Ptr returns the aligned base address of the block.
func (b *Block) Ptr() unsafe.Pointer {
	if b.aligned == nil {
		panic("attempted to take the address of a freed host memory block")
	}
	return unsafe.Pointer(&b.aligned[0])
}

// Bytes returns the block contents as a slice of its full size.
func (b *Block) Bytes() []byte {
	if b.aligned == nil {
		panic("attempted to read a freed host memory block")
	}
	return b.aligned
}

func (b *Block) Size() int {
	return len(b.aligned)
}

// Free releases the block storage. Any pointer previously returned by Ptr is
// invalid afterward. Free is idempotent.
func (b *Block) Free() {
	b.raw = nil
	b.aligned = nil
}
