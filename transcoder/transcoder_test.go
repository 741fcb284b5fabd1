package transcoder

import (
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/lxstreamer/encoding"
)

func TestMediaTypeMatches(t *testing.T) {
	require.True(t, mediaTypeMatches(astiav.MediaTypeVideo, encoding.CodecH264))
	require.False(t, mediaTypeMatches(astiav.MediaTypeVideo, encoding.CodecAAC))
	require.True(t, mediaTypeMatches(astiav.MediaTypeAudio, encoding.CodecAAC))
	require.False(t, mediaTypeMatches(astiav.MediaTypeAudio, encoding.CodecH264))
	require.False(t, mediaTypeMatches(astiav.MediaTypeVideo, encoding.CodecUnknown))
}
