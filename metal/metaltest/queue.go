package metaltest

import (
	"github.com/vkngwrapper/quicksilver/metal"
)

// SynchronizedRange records one SynchronizeBuffer call.
type SynchronizedRange struct {
	Buffer metal.Buffer
	Offset int
	Length int
}

// CommandQueue is a fake metal.CommandQueue that records every command buffer
// it hands out.
type CommandQueue struct {
	CommandBuffers []*CommandBuffer
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

func (q *CommandQueue) CommandBuffer() metal.CommandBuffer {
	cmdBuffer := &CommandBuffer{}
	q.CommandBuffers = append(q.CommandBuffers, cmdBuffer)
	return cmdBuffer
}

// SynchronizedRanges flattens the synchronize calls recorded across all
// command buffers, in submission order.
func (q *CommandQueue) SynchronizedRanges() []SynchronizedRange {
	var ranges []SynchronizedRange
	for _, cmdBuffer := range q.CommandBuffers {
		for _, encoder := range cmdBuffer.Encoders {
			ranges = append(ranges, encoder.Synchronized...)
		}
	}
	return ranges
}

// CommandBuffer is a fake metal.CommandBuffer.
type CommandBuffer struct {
	Encoders  []*BlitEncoder
	Committed bool
}

func (c *CommandBuffer) BlitEncoder() metal.BlitEncoder {
	encoder := &BlitEncoder{}
	c.Encoders = append(c.Encoders, encoder)
	return encoder
}

func (c *CommandBuffer) Commit() {
	c.Committed = true
}

// BlitEncoder is a fake metal.BlitEncoder that records synchronize commands.
type BlitEncoder struct {
	Synchronized []SynchronizedRange
	Ended        bool
}

func (e *BlitEncoder) SynchronizeBuffer(buffer metal.Buffer, offset, length int) {
	e.Synchronized = append(e.Synchronized, SynchronizedRange{
		Buffer: buffer,
		Offset: offset,
		Length: length,
	})
}

func (e *BlitEncoder) EndEncoding() {
	e.Ended = true
}
