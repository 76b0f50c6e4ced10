package metal_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/quicksilver/metal"
	"github.com/vkngwrapper/quicksilver/metal/metaltest"
)

func TestBlitContextLazyMaterialization(t *testing.T) {
	queue := metaltest.NewCommandQueue()
	blit := metal.NewBlitContext(queue)

	// Nothing is submitted to the queue until an encoder is requested.
	require.Empty(t, queue.CommandBuffers)

	encoder := blit.Encoder()
	require.Len(t, queue.CommandBuffers, 1)

	// Repeated requests share the same submission.
	require.Same(t, encoder, blit.Encoder())
	require.Len(t, queue.CommandBuffers, 1)

	buffer, err := metaltest.NewDevice().NewBuffer(256, metal.MakeResourceOptions(metal.StorageModeManaged, metal.CPUCacheModeDefaultCache))
	require.NoError(t, err)
	encoder.SynchronizeBuffer(buffer, 0, 256)

	blit.Finish()
	cmdBuffer := queue.CommandBuffers[0]
	require.True(t, cmdBuffer.Committed)
	require.True(t, cmdBuffer.Encoders[0].Ended)
	require.Len(t, queue.SynchronizedRanges(), 1)
}

func TestBlitContextFinishWithoutCommands(t *testing.T) {
	queue := metaltest.NewCommandQueue()
	blit := metal.NewBlitContext(queue)

	// Finishing an unused context submits nothing.
	blit.Finish()
	require.Empty(t, queue.CommandBuffers)
}

func TestBlitContextReusableAfterFinish(t *testing.T) {
	queue := metaltest.NewCommandQueue()
	blit := metal.NewBlitContext(queue)

	blit.Encoder()
	blit.Finish()

	blit.Encoder()
	blit.Finish()
	require.Len(t, queue.CommandBuffers, 2)
	require.True(t, queue.CommandBuffers[1].Committed)
}
