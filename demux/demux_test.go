package demux

import (
	"testing"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func TestParseWebcamURL(t *testing.T) {
	fw, dev, ok := ParseWebcamURL("avdevice:v4l2:video=/dev/video0")
	require.True(t, ok)
	require.Equal(t, "v4l2", fw)
	require.Equal(t, "/dev/video0", dev)

	fw, dev, ok = ParseWebcamURL("avdevice::video=/dev/video0")
	require.True(t, ok)
	require.Equal(t, "", fw)
	require.Equal(t, "/dev/video0", dev)

	_, _, ok = ParseWebcamURL("rtsp://example.com/stream")
	require.False(t, ok)
}

func TestIsRTSPURL(t *testing.T) {
	require.True(t, IsRTSPURL("rtsp://example.com/stream"))
	require.True(t, IsRTSPURL("rtsps://example.com/stream"))
	require.False(t, IsRTSPURL("http://example.com/stream.m3u8"))
}

func TestIsLocalFileURL(t *testing.T) {
	require.False(t, IsLocalFileURL("rtsp://example.com/stream"))
	require.False(t, IsLocalFileURL("avdevice::video=/dev/video0"))
	require.True(t, IsLocalFileURL("demux_test.go"))
	require.False(t, IsLocalFileURL("/no/such/file/exists/lxstreamer"))
}

func TestStreamDataSynthesizesMissingPTS(t *testing.T) {
	sd := &StreamData{LastSpeed: 1}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetDts(int64(astiav.NoPtsValue))
	pkt.SetPts(int64(astiav.NoPtsValue))
	pkt.SetDuration(10)

	sd.analyze(pkt, nil, 1)
	require.Equal(t, int64(0), pkt.Pts())
	require.Equal(t, int64(0), pkt.Dts())

	pkt2 := astiav.AllocPacket()
	defer pkt2.Free()
	pkt2.SetDts(int64(astiav.NoPtsValue))
	pkt2.SetPts(int64(astiav.NoPtsValue))
	pkt2.SetDuration(10)
	sd.analyze(pkt2, nil, 1)
	require.Equal(t, int64(10), pkt2.Pts())
}

func TestRebaseForSpeedKeepsDTSIncreasing(t *testing.T) {
	sd := &StreamData{LastSpeed: 1}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetDts(100)
	pkt.SetPts(105)
	sd.rebaseForSpeed(pkt, nil, 2)
	require.Equal(t, int64(0), pkt.Dts())
	sd.LastDTS = pkt.Dts()

	pkt2 := astiav.AllocPacket()
	defer pkt2.Free()
	pkt2.SetDts(101)
	pkt2.SetPts(106)
	sd.rebaseForSpeed(pkt2, nil, 2)
	require.Greater(t, pkt2.Dts(), sd.LastDTS-1)
	require.GreaterOrEqual(t, pkt2.Pts(), pkt2.Dts())
}

func TestPacingDeltaFirstPacketHasNoBaseline(t *testing.T) {
	d := newDemuxData()
	d.resetPacing(astiav.NewRational(1, 1000))
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetDts(0)
	require.False(t, d.shouldWaitToPresent(pkt))
}

func TestShouldWaitToPresentFutureDTS(t *testing.T) {
	d := newDemuxData()
	d.resetPacing(astiav.NewRational(1, 1000))
	first := astiav.AllocPacket()
	defer first.Free()
	first.SetDts(0)
	d.shouldWaitToPresent(first)

	future := astiav.AllocPacket()
	defer future.Free()
	future.SetDts(int64(10 * time.Second.Milliseconds()))
	require.True(t, d.shouldWaitToPresent(future))
}

func TestDefaultWebcamFramework(t *testing.T) {
	require.NotEmpty(t, DefaultWebcamFramework())
}
