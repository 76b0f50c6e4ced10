package metal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeapStorageModeAllowed(t *testing.T) {
	unified := &PlatformFeatures{GPU: GPUClassUnified}
	require.True(t, unified.Unified())
	require.True(t, unified.HeapStorageModeAllowed(StorageModePrivate))
	require.True(t, unified.HeapStorageModeAllowed(StorageModeShared))
	require.False(t, unified.HeapStorageModeAllowed(StorageModeManaged))
	require.False(t, unified.HeapStorageModeAllowed(StorageModeMemoryless))

	discrete := &PlatformFeatures{GPU: GPUClassDiscrete}
	require.False(t, discrete.Unified())
	require.True(t, discrete.HeapStorageModeAllowed(StorageModePrivate))
	require.False(t, discrete.HeapStorageModeAllowed(StorageModeShared))
}

func TestExternalCapabilities(t *testing.T) {
	features := &PlatformFeatures{
		External: map[ExternalObjectKind]ExternalMemoryProperties{
			ExternalObjectBuffer: {Exportable: true, Importable: true},
		},
	}

	require.True(t, features.ExternalCapabilities(ExternalObjectBuffer).Exportable)
	require.False(t, features.ExternalCapabilities(ExternalObjectTexture).Exportable)

	// A nil table means no external-memory support at all.
	empty := &PlatformFeatures{}
	require.Equal(t, ExternalMemoryProperties{}, empty.ExternalCapabilities(ExternalObjectBuffer))
}

func TestProbeCapability(t *testing.T) {
	require.True(t, ProbeCapability(nil, true))
	require.False(t, ProbeCapability(nil, false))
	require.True(t, ProbeCapability(func() bool { return true }, false))
	require.False(t, ProbeCapability(func() bool { return false }, true))
}
