// Package writer implements the muxing half of a source's output fan-out:
// building output streams for a chosen container from an ephemeral
// Transcoder's packets, and enforcing the invariants both the Viewer and
// the Recorder writer share (bounded write latency, strictly increasing
// DTS, pts >= dts) before handing packets to the codec library's muxer.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/codec/consts"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/logger"
)

// Kind distinguishes the two write_packet behaviors: a Viewer streams
// packets through a straight time-base rescale, a Recorder additionally
// rebases every stream's PTS to start at zero and leaves DTS for the
// muxer to infer.
type Kind int

const (
	KindView Kind = iota
	KindRecord
)

func (k Kind) String() string {
	if k == KindRecord {
		return "record"
	}
	return "view"
}

// maxOutputStreams bounds make_output_streams's input scan, matching the
// spec's "≤ 16 input streams" limit.
const maxOutputStreams = 16

// WriteTimeout is how long write_packet tolerates going without a
// successful write before reporting ErrWriteTimedOut, the 15-second
// no-progress watchdog described for the writer base.
const WriteTimeout = 15 * time.Second

var ErrWriteTimedOut = fmt.Errorf("writer: no packet written in over %s", WriteTimeout)

// outputStream tracks one output stream's remux/transcode source and the
// per-stream state write_packet needs to enforce monotonic timestamps.
type outputStream struct {
	*astiav.Stream
	inIndex      int
	inTimeBase   astiav.Rational
	lastDTS      int64
	haveLastDTS  bool
	firstPTS     int64
	haveFirstPTS bool
}

// EncoderLookup resolves the encoder context backing a transcoded output
// stream, so MakeOutputStreams can adopt its codec parameters and time
// base in place of the input stream's own.
type EncoderLookup func(mediaType astiav.MediaType) (*astiav.CodecContext, bool)

// Base is the writer_base state shared by the Viewer and the Recorder:
// the output FormatContext, the input-to-output stream map, and the
// write-timeout watchdog.
type Base struct {
	Kind          Kind
	FormatContext *astiav.FormatContext

	streamMap [maxOutputStreams]int
	streams   []*outputStream

	lastWriteAt time.Time
}

// NewBase wraps an already-allocated output FormatContext (header not yet
// written) with the bookkeeping write_packet needs.
func NewBase(kind Kind, formatCtx *astiav.FormatContext) *Base {
	b := &Base{
		Kind:          kind,
		FormatContext: formatCtx,
		lastWriteAt:   time.Now(),
	}
	for i := range b.streamMap {
		b.streamMap[i] = -1
	}
	return b
}

// MakeOutputStreams implements make_output_streams: for each of the
// leading input streams carrying video or audio, allocate one output
// stream and copy parameters either from the input stream directly
// (remux, when the media type's target Encoding is invalid/disabled) or
// from the matching encoder context (transcode), adopting its time base.
func (b *Base) MakeOutputStreams(
	ctx context.Context,
	inputStreams []*astiav.Stream,
	target encoding.Pair,
	lookupEncoder EncoderLookup,
) error {
	isFLV := b.FormatContext.OutputFormat().Name() == "flv"

	for i, inStream := range inputStreams {
		if i >= maxOutputStreams {
			logger.Debugf(ctx, "ignoring input stream #%d: past the %d-stream limit", inStream.Index(), maxOutputStreams)
			break
		}
		mediaType := inStream.CodecParameters().MediaType()
		if mediaType != astiav.MediaTypeVideo && mediaType != astiav.MediaTypeAudio {
			continue
		}
		if isFLV && len(b.streams) >= 2 {
			return fmt.Errorf("too many streams: FLV supports only 1 video and 1 audio stream")
		}

		outStream := b.FormatContext.NewStream(nil)
		if outStream == nil {
			return fmt.Errorf("unable to allocate an output stream for input stream #%d", inStream.Index())
		}
		os := &outputStream{Stream: outStream, inIndex: inStream.Index()}

		wantEncoding, _ := target.ForCodec(representativeCodec(mediaType))
		transcoded := false
		if wantEncoding.Valid() {
			if cc, ok := lookupEncoder(mediaType); ok {
				if err := cc.ToCodecParameters(outStream.CodecParameters()); err != nil {
					return fmt.Errorf("copying encoder parameters for stream #%d: %w", inStream.Index(), err)
				}
				outStream.SetTimeBase(cc.TimeBase())
				os.inTimeBase = cc.TimeBase()
				transcoded = true
			}
		}
		if !transcoded {
			if err := copyStreamParameters(outStream, inStream); err != nil {
				return fmt.Errorf("copying remux parameters for stream #%d: %w", inStream.Index(), err)
			}
			os.inTimeBase = inStream.TimeBase()
		}

		if isFLV {
			outStream.CodecParameters().SetCodecTag(0)
		}

		b.streamMap[inStream.Index()] = outStream.Index()
		b.streams = append(b.streams, os)
		logger.Debugf(ctx, "output stream #%d <- input stream #%d (%s, transcoded=%t)", outStream.Index(), inStream.Index(), mediaType, transcoded)
	}

	if len(b.streams) == 0 {
		return fmt.Errorf("no video or audio stream to write")
	}
	return nil
}

// representativeCodec returns a codec of the given media type so
// encoding.Pair.ForCodec, which only inspects IsVideo/IsAudio, resolves
// the matching half of the pair.
func representativeCodec(mediaType astiav.MediaType) encoding.Codec {
	if mediaType == astiav.MediaTypeVideo {
		return encoding.CodecH264
	}
	return encoding.CodecAAC
}

// copyStreamParameters mirrors an input stream's codec and framing
// parameters onto a fresh output stream for a straight remux.
func copyStreamParameters(dst, src *astiav.Stream) error {
	if err := src.CodecParameters().Copy(dst.CodecParameters()); err != nil {
		return fmt.Errorf("copying codec parameters: %w", err)
	}
	dst.SetDiscard(src.Discard())
	dst.SetAvgFrameRate(src.AvgFrameRate())
	dst.SetRFrameRate(src.RFrameRate())
	dst.SetSampleAspectRatio(src.SampleAspectRatio())
	dst.SetTimeBase(src.TimeBase())
	dst.SetStartTime(src.StartTime())
	dst.SetEventFlags(src.EventFlags())
	dst.SetPTSWrapBits(src.PTSWrapBits())
	return nil
}

// OutputTimeBase returns the output time base of the output stream
// mapped from input stream index inIndex, letting a caller (the
// Recorder's PTS synthesis) compute a timestamp before WritePacket does
// its own rescale.
func (b *Base) OutputTimeBase(inIndex int) (astiav.Rational, bool) {
	os := b.outputStreamFor(inIndex)
	if os == nil {
		return astiav.Rational{}, false
	}
	return os.TimeBase(), true
}

func (b *Base) outputStreamFor(inIndex int) *outputStream {
	if inIndex < 0 || inIndex >= maxOutputStreams {
		return nil
	}
	outIndex := b.streamMap[inIndex]
	if outIndex < 0 {
		return nil
	}
	for _, os := range b.streams {
		if os.Index() == outIndex {
			return os
		}
	}
	return nil
}

// WritePacket implements write_packet: remap the packet onto its output
// stream, rescale timestamps into the output time base (or, for a
// Recorder, rebase PTS to start at zero and drop DTS), enforce strictly
// increasing DTS and pts >= dts, and hand the packet to the muxer.
func (b *Base) WritePacket(ctx context.Context, pkt *astiav.Packet) error {
	if time.Since(b.lastWriteAt) > WriteTimeout {
		return ErrWriteTimedOut
	}

	os := b.outputStreamFor(pkt.StreamIndex())
	if os == nil {
		return nil
	}
	pkt.SetStreamIndex(os.Index())
	pkt.RescaleTs(os.inTimeBase, os.TimeBase())

	if b.Kind == KindRecord {
		b.rebaseForRecording(os, pkt)
	}
	b.enforceMonotonicDTS(os, pkt)

	if err := b.FormatContext.WriteInterleavedFrame(pkt); err != nil {
		return fmt.Errorf("writing packet for output stream #%d: %w", os.Index(), err)
	}
	if consts.HasPTS(pkt.Dts()) {
		os.lastDTS = pkt.Dts()
		os.haveLastDTS = true
	}
	b.lastWriteAt = time.Now()
	return nil
}

// rebaseForRecording implements the record-writer branch of write_packet:
// the first packet of each stream anchors PTS at zero, later packets are
// offset against it and clamped non-negative, and DTS is left for the
// muxer to infer since a rebase would otherwise need to reconstruct
// B-frame reordering it has no information about.
func (b *Base) rebaseForRecording(os *outputStream, pkt *astiav.Packet) {
	if consts.HasPTS(pkt.Pts()) {
		if !os.haveFirstPTS {
			os.firstPTS = pkt.Pts()
			os.haveFirstPTS = true
		}
		rebased := pkt.Pts() - os.firstPTS
		if rebased < 0 {
			rebased = 0
		}
		pkt.SetPts(rebased)
	}
	pkt.SetDts(int64(consts.NoPTSValue))
}

func (b *Base) enforceMonotonicDTS(os *outputStream, pkt *astiav.Packet) {
	if !consts.HasPTS(pkt.Dts()) {
		return
	}
	if os.haveLastDTS && pkt.Dts() <= os.lastDTS {
		pkt.SetDts(os.lastDTS + 1)
	}
	if consts.HasPTS(pkt.Pts()) && pkt.Pts() < pkt.Dts() {
		pkt.SetPts(pkt.Dts())
	}
}

// setMetadataTags stamps a container's global metadata with the tags the
// persisted-state contract requires on every produced file or stream.
func setMetadataTags(oc *astiav.FormatContext, sourceName string) {
	meta := oc.Metadata()
	if meta == nil {
		return
	}
	meta.Set("Streamer", "lxstreamer", 0)
	meta.Set("Copyright", "(C) 2022-present lxstreamer contributors", 0)
	meta.Set("Source", sourceName, 0)
}

// containerAudioCodecs lists, per output container name, the audio
// codecs it maps natively, most-preferred first.
var containerAudioCodecs = map[string][]encoding.Codec{
	"flv":      {encoding.CodecAAC, encoding.CodecMP3},
	"mpegts":   {encoding.CodecAAC, encoding.CodecMP2, encoding.CodecAC3},
	"mp4":      {encoding.CodecAAC, encoding.CodecAC3},
	"mov":      {encoding.CodecAAC, encoding.CodecAC3},
	"matroska": {encoding.CodecAAC, encoding.CodecAC3, encoding.CodecMP3, encoding.CodecOpus},
	"avi":      {encoding.CodecMP3, encoding.CodecAC3},
	"webm":     {encoding.CodecOpus},
}

// alternateAudioCandidates is the fallback scan order alternate_proper_
// audio_codec tries once the current codec is not one of the container's
// natively mapped ones.
var alternateAudioCandidates = []encoding.Codec{
	encoding.CodecAC3, encoding.CodecMP2, encoding.CodecMP3, encoding.CodecAAC,
}

// AlternateProperAudioCodec implements alternate_proper_audio_codec: if
// current already maps natively onto formatName's container, no switch is
// needed. Otherwise it returns the first candidate from
// {ac3, mp2, mp3, aac} that formatName does map, on the understanding
// that the encoder pool always opens audio encoders under the codec
// library's relaxed ("experimental") standards compliance, so a
// technically-nonstandard-but-working mapping (e.g. raw AAC in MPEG-TS)
// is accepted.
func AlternateProperAudioCodec(formatName string, current encoding.Codec) (encoding.Codec, bool) {
	accepted := containerAudioCodecs[formatName]
	for _, c := range accepted {
		if c == current {
			return encoding.CodecUnknown, false
		}
	}
	for _, candidate := range alternateAudioCandidates {
		for _, c := range accepted {
			if c == candidate {
				return candidate, true
			}
		}
	}
	if len(accepted) > 0 {
		return accepted[0], true
	}
	return encoding.CodecAAC, true
}
