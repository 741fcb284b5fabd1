// Package decoder opens one decoder per input stream (the source caches
// them by stream index), and
// normalizes the PTS of every frame it produces per media type.
package decoder

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/avutil"
	"github.com/xaionaro-go/lxstreamer/codec"
	"github.com/xaionaro-go/lxstreamer/codec/consts"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/xsync"
)

// Decoder wraps one astiav.CodecContext opened as a decoder for a single
// input stream, plus the delta-rescale state used to normalize audio PTS.
type Decoder struct {
	locker       xsync.Mutex
	codecContext *astiav.CodecContext
	streamIndex  int
	mediaType    astiav.MediaType

	lastDecodeAt  int64 // unix seconds of the last decode call, for idle-reset
	rescaleLastIn int64
	rescaleHaveIn bool
}

// Open allocates and opens a decoder context for stream, using the
// stream's own codec parameters. options may be nil.
func Open(ctx context.Context, stream *astiav.Stream, options *astiav.Dictionary) (_ret *Decoder, _err error) {
	logger.Debugf(ctx, "Open(stream #%d)", stream.Index())
	defer func() { logger.Debugf(ctx, "/Open(stream #%d): %v", stream.Index(), _err) }()

	params := stream.CodecParameters()
	c := astiav.FindDecoder(params.CodecID())
	if c == nil {
		return nil, fmt.Errorf("unable to find a decoder for codec %s", params.CodecID())
	}

	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	avutil.SetFinalizerFree(ctx, cc)

	if err := params.ToCodecContext(cc); err != nil {
		return nil, fmt.Errorf("unable to copy codec parameters into the codec context: %w", err)
	}
	cc.SetTimeBase(stream.TimeBase())
	cc.SetPktTimeBase(stream.TimeBase())

	if err := cc.Open(c, options); err != nil {
		return nil, fmt.Errorf("unable to open the decoder: %w", err)
	}

	return &Decoder{
		codecContext: cc,
		streamIndex:  stream.Index(),
		mediaType:    params.MediaType(),
	}, nil
}

func (d *Decoder) String() string {
	return fmt.Sprintf("Decoder(stream #%d, %s)", d.streamIndex, d.mediaType)
}

func (d *Decoder) StreamIndex() int {
	return d.streamIndex
}

func (d *Decoder) MediaType() astiav.MediaType {
	return d.mediaType
}

func (d *Decoder) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.codecContext == nil {
			return nil
		}
		d.codecContext.Free()
		d.codecContext = nil
		return nil
	})
}

// DecodeFrames feeds pkt to the decoder and drains every frame it is
// willing to produce right now, PTS-normalized per media type.
func (d *Decoder) DecodeFrames(ctx context.Context, pkt *astiav.Packet, nowUnix int64) ([]*astiav.Frame, error) {
	return xsync.DoA3R2(ctx, &d.locker, d.decodeFrames, ctx, pkt, nowUnix)
}

const rescaleIdleResetSeconds = 5

func (d *Decoder) decodeFrames(ctx context.Context, pkt *astiav.Packet, nowUnix int64) (_ret []*astiav.Frame, _err error) {
	if d.codecContext == nil {
		return nil, fmt.Errorf("decoder is closed")
	}

	if d.lastDecodeAt != 0 && nowUnix-d.lastDecodeAt > rescaleIdleResetSeconds {
		d.rescaleHaveIn = false
	}
	d.lastDecodeAt = nowUnix

	if err := d.codecContext.SendPacket(pkt); err != nil {
		if codec.IsEAgain(err) {
			return nil, nil
		}
		return nil, codec.WrapError("SendPacket", err)
	}

	var out []*astiav.Frame
	for {
		f := astiav.AllocFrame()
		err := d.codecContext.ReceiveFrame(f)
		if err != nil {
			f.Free()
			if codec.IsEAgain(err) || codec.IsEOF(err) {
				break
			}
			return out, codec.WrapError("ReceiveFrame", err)
		}

		switch d.mediaType {
		case astiav.MediaTypeVideo:
			d.normalizeVideoPTS(f)
		case astiav.MediaTypeAudio:
			d.normalizeAudioPTS(f, pkt)
		}
		out = append(out, f)
	}
	return out, nil
}

// normalizeVideoPTS sets the frame's PTS to its best-effort timestamp, the
// codec library's own reconstruction of display order PTS from whatever
// reordering the decoder performed.
func (d *Decoder) normalizeVideoPTS(f *astiav.Frame) {
	if best := f.BestEffortTimestamp(); consts.HasPTS(best) {
		f.SetPts(best)
	}
}

// normalizeAudioPTS implements the spec's three-case PTS normalization:
// a frame PTS already present wins; otherwise a valid packet PTS is
// copied; otherwise the packet DTS is used, reinterpreted in
// {1, AV_TIME_BASE} units. When a usable PTS exists it is rescaled
// against {1, sample_rate} via a delta-rescale so that successive frames
// stay in a sample-accurate timeline instead of drifting with each
// independent rescale rounding.
func (d *Decoder) normalizeAudioPTS(f *astiav.Frame, pkt *astiav.Packet) {
	var pts int64
	var haveTB astiav.Rational
	switch {
	case consts.HasPTS(f.Pts()):
		pts = f.Pts()
		haveTB = d.codecContext.PktTimeBase()
	case consts.HasPTS(pkt.Pts()):
		pts = pkt.Pts()
		haveTB = d.codecContext.PktTimeBase()
	default:
		pts = pkt.Dts()
		haveTB = astiav.NewRational(1, int(consts.TimeBase))
	}
	if !consts.HasPTS(pts) {
		return
	}

	dstTB := astiav.NewRational(1, f.SampleRate())
	rescaled := astiav.RescaleQ(pts, haveTB, dstTB)

	if d.rescaleHaveIn {
		delta := rescaled - d.rescaleLastIn
		if delta < 0 {
			delta = int64(f.NbSamples())
		}
		rescaled = d.rescaleLastIn + delta
	}
	d.rescaleLastIn = rescaled
	d.rescaleHaveIn = true

	f.SetPts(rescaled)
}
