package source

import (
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/lxstreamer/encoding"
)

func TestRepresentativeCodecForVideo(t *testing.T) {
	require.Equal(t, encoding.CodecH264, representativeCodecFor(astiav.MediaTypeVideo))
}

func TestRepresentativeCodecForAudio(t *testing.T) {
	require.Equal(t, encoding.CodecAAC, representativeCodecFor(astiav.MediaTypeAudio))
	require.Equal(t, encoding.CodecAAC, representativeCodecFor(astiav.MediaTypeUnknown))
}

func TestInputStreamsEmptyWhenNoStreamsResolved(t *testing.T) {
	s := &Source{}
	require.Empty(t, s.inputStreams())
}

func TestNewSourceStartsIdle(t *testing.T) {
	s := New(Args{Name: "cam1", URL: "rtsp://example.invalid/stream"}, t.TempDir())
	require.Equal(t, "cam1", s.Name())
	require.Empty(t, s.AuthSession())
	require.False(t, s.demuxing)
	require.False(t, s.recording)
	require.NotNil(t, s.decoders)
	require.NotNil(t, s.scalers)
	require.NotNil(t, s.resamplers)
	require.NotNil(t, s.encoders)
}
