package resampler

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func TestDefaultChannelLayout(t *testing.T) {
	require.Equal(t, astiav.ChannelLayoutMono, defaultChannelLayout(1))
	require.Equal(t, astiav.ChannelLayoutStereo, defaultChannelLayout(2))
	require.Equal(t, astiav.ChannelLayoutStereo, defaultChannelLayout(0))
}

func TestResamplerString(t *testing.T) {
	r := &Resampler{
		Src: Format{SampleFormat: astiav.SampleFormatS16, SampleRate: 44100, ChannelLayout: astiav.ChannelLayoutMono},
		Dst: Format{SampleFormat: astiav.SampleFormatFltp, SampleRate: 48000, ChannelLayout: astiav.ChannelLayoutStereo},
	}
	require.Contains(t, r.String(), "44100")
	require.Contains(t, r.String(), "48000")
}

func TestPrune(t *testing.T) {
	require.False(t, Prune(3, 5))
	require.False(t, Prune(5, 5))
	require.True(t, Prune(6, 5))
}

func TestMakeFramesOnClosedResampler(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, Format{
		SampleFormat:  astiav.SampleFormatFltp,
		SampleRate:    48000,
		ChannelLayout: astiav.ChannelLayoutStereo,
		TimeBase:      astiav.NewRational(1, 48000),
	}, Format{
		SampleFormat:  astiav.SampleFormatS16,
		SampleRate:    44100,
		ChannelLayout: astiav.ChannelLayoutStereo,
		FrameSize:     1024,
	})
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	_, err = r.MakeFrames(ctx, astiav.AllocFrame())
	require.Error(t, err)
}
