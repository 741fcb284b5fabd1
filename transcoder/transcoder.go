// Package transcoder builds, per input packet, the set of output packets
// that conform to a target Encoding: either the original packet unchanged
// (passthrough) or a freshly decoded/scaled-or-resampled/re-encoded one.
package transcoder

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/codec"
	"github.com/xaionaro-go/lxstreamer/decoder"
	"github.com/xaionaro-go/lxstreamer/encoderpool"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/resampler"
	"github.com/xaionaro-go/lxstreamer/scaler"
)

// MediaType reports whether pkt belongs to a video or an audio stream.
type MediaType = astiav.MediaType

// Sources bundles the per-source shared caches a Transcoder draws on: the
// stream's lazy decoder, and the source's scaler/resampler/encoder pools
// (shared across every packet, not ephemeral like the Transcoder itself).
type Sources struct {
	Decoder     *decoder.Decoder
	Scalers     *scaler.Cache
	Resamplers  *resampler.Cache
	Encoders    *encoderpool.Pool
	IsWebcam    bool
	InputWidth  int
	InputHeight int
}

// Transcoder is constructed fresh for one input packet. It lazily decodes
// the packet at most once regardless of how many target Encodings ask for
// it, and caches one output packet list per Encoding already produced.
type Transcoder struct {
	ctx         context.Context
	pkt         *astiav.Packet
	stream      *astiav.Stream
	mediaType   MediaType
	sources     Sources
	nowUnix     int64
	unchanged   []*astiav.Packet
	decoded     []*astiav.Frame
	decodedErr  error
	haveDecoded bool
	byEncoding  map[encoding.Encoding][]*astiav.Packet
}

// New constructs a Transcoder for one demuxed packet.
func New(ctx context.Context, pkt *astiav.Packet, stream *astiav.Stream, sources Sources, nowUnix int64) *Transcoder {
	return &Transcoder{
		ctx:        ctx,
		pkt:        pkt,
		stream:     stream,
		mediaType:  stream.CodecParameters().MediaType(),
		sources:    sources,
		nowUnix:    nowUnix,
		unchanged:  []*astiav.Packet{pkt},
		byEncoding: make(map[encoding.Encoding][]*astiav.Packet),
	}
}

// MakePackets returns the packets this input packet becomes for target
// Encoding e: passthrough (the original packet) if e does not apply to
// this packet's media type, or freshly transcoded packets otherwise.
func (t *Transcoder) MakePackets(e encoding.Encoding) ([]*astiav.Packet, error) {
	if !e.Valid() || !mediaTypeMatches(t.mediaType, e.Codec) {
		return t.unchanged, nil
	}

	if cached, ok := t.byEncoding[e]; ok {
		return cached, nil
	}

	frames, err := t.decodeOnce()
	if err != nil {
		return nil, err
	}

	var out []*astiav.Packet
	switch t.mediaType {
	case astiav.MediaTypeVideo:
		out, err = t.transcodeVideo(e, frames)
	case astiav.MediaTypeAudio:
		out, err = t.transcodeAudio(e, frames)
	default:
		return t.unchanged, nil
	}
	if err != nil {
		return nil, err
	}
	t.byEncoding[e] = out
	return out, nil
}

func mediaTypeMatches(pktType astiav.MediaType, c encoding.Codec) bool {
	switch pktType {
	case astiav.MediaTypeVideo:
		return c.IsVideo()
	case astiav.MediaTypeAudio:
		return c.IsAudio()
	default:
		return false
	}
}

func (t *Transcoder) decodeOnce() ([]*astiav.Frame, error) {
	if t.haveDecoded {
		return t.decoded, t.decodedErr
	}
	t.haveDecoded = true
	t.decoded, t.decodedErr = t.sources.Decoder.DecodeFrames(t.ctx, t.pkt, t.nowUnix)
	return t.decoded, t.decodedErr
}

// transcodeVideo rescales (when the target is smaller than the source, or
// unconditionally for webcam sources) and encodes each decoded frame with
// the encoder pool configured for e.
func (t *Transcoder) transcodeVideo(e encoding.Encoding, frames []*astiav.Frame) ([]*astiav.Packet, error) {
	cc, err := t.sources.Encoders.Get(t.ctx, e, encoderpool.SourceHints{
		FrameRate: t.stream.AvgFrameRate(),
		IsWebcam:  t.sources.IsWebcam,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get an encoder for %s: %w", e, err)
	}

	needsScale := t.sources.IsWebcam || e.Height < t.sources.InputHeight
	var out []*astiav.Packet
	for _, f := range frames {
		encodeFrame := f
		if needsScale {
			scaled := astiav.AllocFrame()
			if err := t.sources.Scalers.PerformScale(t.ctx, f, -1, e.Height, astiav.PixelFormatYuv420P, scaler.IsWebcamSource(t.sources.IsWebcam), scaled); err != nil {
				scaled.Free()
				return nil, fmt.Errorf("unable to scale frame for %s: %w", e, err)
			}
			encodeFrame = scaled
		}

		pkts, err := encodeFrame2Packets(cc, encodeFrame)
		if needsScale {
			encodeFrame.Free()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pkts...)
	}
	return out, nil
}

// transcodeAudio resamples each decoded frame to the target encoder's
// rate/format/layout before encoding it.
func (t *Transcoder) transcodeAudio(e encoding.Encoding, frames []*astiav.Frame) ([]*astiav.Packet, error) {
	cc, err := t.sources.Encoders.Get(t.ctx, e, encoderpool.SourceHints{
		PreferredSampleRate: e.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get an encoder for %s: %w", e, err)
	}

	dstFmt, err := codec.ParseSampleFormat(e.SampleFmt)
	if err != nil {
		dstFmt = cc.SampleFormat()
	}

	var out []*astiav.Packet
	for _, f := range frames {
		rs, err := t.sources.Resamplers.Get(t.ctx, resampler.Format{
			SampleFormat:  f.SampleFormat(),
			SampleRate:    f.SampleRate(),
			ChannelLayout: f.ChannelLayout(),
			TimeBase:      t.stream.TimeBase(),
		}, resampler.Format{
			SampleFormat:  dstFmt,
			SampleRate:    cc.SampleRate(),
			ChannelLayout: cc.ChannelLayout(),
			FrameSize:     cc.FrameSize(),
		})
		if err != nil {
			return nil, fmt.Errorf("unable to get a resampler for %s: %w", e, err)
		}

		resampled, err := rs.MakeFrames(t.ctx, f)
		if err != nil {
			return nil, fmt.Errorf("unable to resample frame for %s: %w", e, err)
		}

		for _, rf := range resampled {
			pkts, err := encodeFrame2Packets(cc, rf)
			rf.Free()
			if err != nil {
				return nil, err
			}
			out = append(out, pkts...)
		}
	}
	return out, nil
}

func encodeFrame2Packets(cc *astiav.CodecContext, f *astiav.Frame) ([]*astiav.Packet, error) {
	if err := cc.SendFrame(f); err != nil {
		if codec.IsEAgain(err) {
			return nil, nil
		}
		return nil, codec.WrapError("SendFrame", err)
	}

	var out []*astiav.Packet
	for {
		pkt := astiav.AllocPacket()
		err := cc.ReceivePacket(pkt)
		if err != nil {
			pkt.Free()
			if codec.IsEAgain(err) || codec.IsEOF(err) {
				break
			}
			return out, codec.WrapError("ReceivePacket", err)
		}
		out = append(out, pkt)
	}
	return out, nil
}

func (t *Transcoder) String() string {
	return fmt.Sprintf("Transcoder(stream #%d, %s)", t.stream.Index(), t.mediaType)
}
