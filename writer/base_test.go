package writer

import (
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/lxstreamer/codec/consts"
	"github.com/xaionaro-go/lxstreamer/encoding"
)

func TestEnforceMonotonicDTSRepairsBacksliding(t *testing.T) {
	b := &Base{}
	os := &outputStream{lastDTS: 100, haveLastDTS: true}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetDts(100)
	pkt.SetPts(100)

	b.enforceMonotonicDTS(os, pkt)
	require.Equal(t, int64(101), pkt.Dts())
	require.GreaterOrEqual(t, pkt.Pts(), pkt.Dts())
}

func TestEnforceMonotonicDTSLeavesForwardProgressAlone(t *testing.T) {
	b := &Base{}
	os := &outputStream{lastDTS: 100, haveLastDTS: true}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetDts(150)
	pkt.SetPts(160)

	b.enforceMonotonicDTS(os, pkt)
	require.Equal(t, int64(150), pkt.Dts())
	require.Equal(t, int64(160), pkt.Pts())
}

func TestRebaseForRecordingAnchorsAtZeroAndDropsDTS(t *testing.T) {
	b := &Base{}
	os := &outputStream{}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetPts(1000)
	pkt.SetDts(1000)

	b.rebaseForRecording(os, pkt)
	require.Equal(t, int64(0), pkt.Pts())
	require.Equal(t, int64(consts.NoPTSValue), pkt.Dts())

	pkt2 := astiav.AllocPacket()
	defer pkt2.Free()
	pkt2.SetPts(1050)
	b.rebaseForRecording(os, pkt2)
	require.Equal(t, int64(50), pkt2.Pts())
}

func TestRebaseForRecordingClampsNonNegative(t *testing.T) {
	b := &Base{}
	os := &outputStream{firstPTS: 500, haveFirstPTS: true}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetPts(200)

	b.rebaseForRecording(os, pkt)
	require.Equal(t, int64(0), pkt.Pts())
}

func TestAlternateProperAudioCodecNoSwitchWhenAlreadyAccepted(t *testing.T) {
	codec, switched := AlternateProperAudioCodec("mpegts", encoding.CodecAAC)
	require.False(t, switched)
	require.Equal(t, encoding.CodecUnknown, codec)
}

func TestAlternateProperAudioCodecPicksAcceptedCandidate(t *testing.T) {
	codec, switched := AlternateProperAudioCodec("avi", encoding.CodecOpus)
	require.True(t, switched)
	require.Contains(t, containerAudioCodecs["avi"], codec)
}

func TestRepresentativeCodecMatchesMediaType(t *testing.T) {
	require.True(t, representativeCodec(astiav.MediaTypeVideo).IsVideo())
	require.True(t, representativeCodec(astiav.MediaTypeAudio).IsAudio())
}
