package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectCPU(t *testing.T) {
	for _, pref := range []string{"", "auto", "CPU"} {
		d, err := Detect(pref)
		require.NoError(t, err)
		require.Equal(t, "cpu", d.Kind)
		require.Greater(t, d.Threads, 0)
		require.NotEmpty(t, d.Features)
	}
}

func TestDetectCUDAUnavailable(t *testing.T) {
	_, err := Detect("cuda")
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestDetectUnknown(t *testing.T) {
	_, err := Detect("tpu")
	require.Error(t, err)
}
