package demux

import (
	"time"

	"github.com/asticode/go-astiav"
	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/lxstreamer/codec/consts"
)

// SpeedClockMode resolves the ambiguity the reference implementation left
// in place: whether a per-stream speed rebase runs its own clock, or the
// video stream's clock also drives the audio stream's rebase.
type SpeedClockMode int

const (
	// SpeedClockPerStream rebases each StreamData against its own last
	// DTS, matching the spec's stated per-stream data model.
	SpeedClockPerStream SpeedClockMode = iota
	// SpeedClockVideoMaster rebases the audio stream using the video
	// stream's rebase state, reproducing the original implementation's
	// behavior for A/V-sync compatibility testing.
	SpeedClockVideoMaster
)

// StreamData tracks the per-stream state the demuxer's packet-analysis
// step (spec point 4 of the demuxer loop) needs to synthesize timestamps
// and rebase them under a playback-speed change.
type StreamData struct {
	Stream     *astiav.Stream
	Index      int
	MediaType  astiav.MediaType
	FrameCount int64
	LastPTS    int64
	LastDTS    int64
	FirstDTS   int64
	DTSOffset  int64
	LastSpeed  float64
	started    bool
}

func newStreamData(stream *astiav.Stream) *StreamData {
	return &StreamData{
		Stream:    stream,
		Index:     stream.Index(),
		MediaType: stream.CodecParameters().MediaType(),
		LastSpeed: 1,
	}
}

// analyze implements the demuxer loop's per-packet bookkeeping: counting
// frames, synthesizing a missing PTS from the frame count and duration,
// and (for local files under a non-1x speed) rebasing DTS/PTS so playback
// runs at the requested rate while DTS stays strictly increasing.
func (sd *StreamData) analyze(pkt *astiav.Packet, master *StreamData, speed float64) {
	sd.FrameCount++

	if !consts.HasPTS(pkt.Pts()) && pkt.Duration() > 0 {
		synthesized := (sd.FrameCount - 1) * pkt.Duration()
		pkt.SetPts(synthesized)
		pkt.SetDts(synthesized)
	}

	if speed != 1 {
		sd.rebaseForSpeed(pkt, master, speed)
	}

	sd.LastPTS = pkt.Pts()
	sd.LastDTS = pkt.Dts()
	sd.started = true
}

// rebaseForSpeed implements spec point 4's rebase rule: on a speed
// change, remember where the rebase started (dts_offset, first_dts);
// afterwards, every packet's DTS becomes (dts-first_dts)/speed+dts_offset
// and its PTS is recomposed from the DTS plus the original composition
// time offset. master carries the rebase anchor to use when
// SpeedClockVideoMaster ties the audio clock to the video stream's.
func (sd *StreamData) rebaseForSpeed(pkt *astiav.Packet, master *StreamData, speed float64) {
	anchor := sd
	if master != nil {
		anchor = master
	}

	if anchor.LastSpeed != speed {
		anchor.DTSOffset = anchor.LastDTS
		anchor.FirstDTS = pkt.Dts()
		anchor.LastSpeed = speed
	}

	cts := pkt.Pts() - pkt.Dts()
	newDTS := int64(float64(pkt.Dts()-anchor.FirstDTS)/speed) + anchor.DTSOffset
	if sd.started && newDTS <= sd.LastDTS {
		newDTS = sd.LastDTS + 1
	}
	sd.started = true
	pkt.SetDts(newDTS)
	pkt.SetPts(newDTS + cts)
	pkt.SetDuration(0)
}

// DemuxData is the local-file pacing and speed-control state a Demuxer
// exposes to the outside world. Every field here is either owned
// exclusively by the demuxer's own loop or written only through the
// atomics below, per the spec's "external commands set atomics only"
// invariant.
type DemuxData struct {
	SeekTime      xatomic.Value[float64]
	PlaybackSpeed xatomic.Value[float64]

	elapsedTimer time.Time
	baseDTS      int64
	baseSet      bool
	timeBase     astiav.Rational

	Video *StreamData
	Audio *StreamData
}

func newDemuxData() *DemuxData {
	d := &DemuxData{}
	d.SeekTime.Store(-1)
	d.PlaybackSpeed.Store(1)
	return d
}

// resetPacing restarts the wall-clock baseline used by
// shouldWaitToPresent, called after open and after every seek.
func (d *DemuxData) resetPacing(timeBase astiav.Rational) {
	d.elapsedTimer = time.Now()
	d.baseSet = false
	d.timeBase = timeBase
}

// shouldWaitToPresent reports whether presenting pkt now would run ahead
// of wall-clock time for a local file being played back at the current
// speed; if so, the demuxer loop should back off and retry.
func (d *DemuxData) shouldWaitToPresent(pkt *astiav.Packet) bool {
	wait, _ := d.pacingDelta(pkt)
	return wait > pacingSlack
}

// shouldPresentFaster reports the converse: presentation has fallen
// behind wall-clock time, so the loop should skip its inter-packet sleep
// to catch back up.
func (d *DemuxData) shouldPresentFaster(pkt *astiav.Packet) bool {
	wait, ok := d.pacingDelta(pkt)
	return ok && wait < -pacingSlack
}

const pacingSlack = 15 * time.Millisecond

// pacingDelta returns how far in the future (positive) or past (negative)
// pkt's DTS falls relative to elapsed wall-clock time since playback (or
// the last seek) started, along with whether a baseline DTS exists yet.
func (d *DemuxData) pacingDelta(pkt *astiav.Packet) (time.Duration, bool) {
	if !consts.HasPTS(pkt.Dts()) {
		return 0, false
	}
	if !d.baseSet {
		d.baseDTS = pkt.Dts()
		d.baseSet = true
		return 0, false
	}
	speed := d.PlaybackSpeed.Load()
	if speed <= 0 {
		speed = 1
	}
	target := time.Duration(float64(pkt.Dts()-d.baseDTS) * d.timeBase.Float64() * float64(time.Second) / speed)
	elapsed := time.Since(d.elapsedTimer)
	return target - elapsed, true
}
