package encoderpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncoderName(t *testing.T) {
	require.Equal(t, "libx264", encoderName("h264"))
	require.Equal(t, "libopus", encoderName("opus"))
}

func TestPlatformHardwareEncoderName(t *testing.T) {
	_, _, ok := platformHardwareEncoderName("mjpeg")
	require.False(t, ok)
}

func TestHardwareEncoderNameForTypeUnknownHardware(t *testing.T) {
	_, ok := hardwareEncoderNameForType("libx264", 0)
	require.False(t, ok)
}

func TestClosestSupportedSampleRate(t *testing.T) {
	require.Equal(t, 48000, closestSupportedSampleRate(48000, 44100))
	require.Equal(t, 44100, closestSupportedSampleRate(0, 44100))
	require.Equal(t, 44100, closestSupportedSampleRate(0, 0))
}

func TestNewPoolStartsEmpty(t *testing.T) {
	now := int64(100)
	clock := func() int64 { return now }
	p := NewPool(clock)
	require.NotNil(t, p)
	require.Empty(t, p.byKey)
}
