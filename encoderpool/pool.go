// Package encoderpool lazily opens and caches one encoder codec context
// per Encoding, and prunes contexts that have gone idle.
package encoderpool

import (
	"context"
	"fmt"
	"runtime"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/avconv"
	"github.com/xaionaro-go/lxstreamer/avutil"
	"github.com/xaionaro-go/lxstreamer/codec"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/xsync"
)

// SourceHints carries the few pieces of information about the source
// stream the encoder's parameter selection rules need but that are not
// already part of the Encoding cache key (the source frame rate and, for
// audio, the source sample format/channel layout, used as fallbacks).
type SourceHints struct {
	FrameRate           astiav.Rational
	AudioSampleFormat   astiav.SampleFormat
	AudioChannelLayout  astiav.ChannelLayout
	PreferredSampleRate int
	IsWebcam            bool
}

// Entry is one opened encoder, its Encoding key and idle-prune timer.
type Entry struct {
	Encoding     encoding.Encoding
	CodecContext *astiav.CodecContext
	lastUsedAt   int64
}

// Pool maps Encoding to its lazily-opened encoder context.
type Pool struct {
	locker xsync.Mutex
	byKey  map[encoding.Encoding]*Entry
	clock  func() int64
}

// NewPool returns an empty encoder pool. clock returns wall-clock seconds
// and is injected for testable prune timing.
func NewPool(clock func() int64) *Pool {
	return &Pool{
		byKey: make(map[encoding.Encoding]*Entry),
		clock: clock,
	}
}

// Get returns the encoder context for e, opening it on first use.
// Idempotent per Encoding, per the spec's initialize(E, output_ctx).
func (p *Pool) Get(ctx context.Context, e encoding.Encoding, hints SourceHints) (*astiav.CodecContext, error) {
	return xsync.DoA3R2(ctx, &p.locker, p.getLocked, ctx, e, hints)
}

func (p *Pool) getLocked(ctx context.Context, e encoding.Encoding, hints SourceHints) (*astiav.CodecContext, error) {
	now := p.clock()
	if entry, ok := p.byKey[e]; ok {
		entry.lastUsedAt = now
		return entry.CodecContext, nil
	}

	cc, err := open(ctx, e, hints)
	if err != nil {
		return nil, err
	}
	p.byKey[e] = &Entry{Encoding: e, CodecContext: cc, lastUsedAt: now}
	return cc, nil
}

const pruneIdleSeconds = 10

// Prune closes and drops every encoder idle for more than 10 seconds.
func (p *Pool) Prune(ctx context.Context) error {
	return xsync.DoA1R1(ctx, &p.locker, p.pruneLocked, ctx)
}

func (p *Pool) pruneLocked(ctx context.Context) error {
	now := p.clock()
	for key, entry := range p.byKey {
		if now-entry.lastUsedAt <= pruneIdleSeconds {
			continue
		}
		logger.Debugf(ctx, "pruning idle encoder for %s", entry.Encoding)
		entry.CodecContext.Free()
		delete(p.byKey, key)
	}
	return nil
}

// Close closes every encoder in the pool.
func (p *Pool) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &p.locker, func() error {
		for key, entry := range p.byKey {
			entry.CodecContext.Free()
			delete(p.byKey, key)
		}
		return nil
	})
}

func open(ctx context.Context, e encoding.Encoding, hints SourceHints) (_ret *astiav.CodecContext, _err error) {
	logger.Debugf(ctx, "opening encoder for %s", e)
	defer func() { logger.Debugf(ctx, "/opening encoder for %s: %v", e, _err) }()

	name := encoderName(e.Codec)
	c, hwType := findEncoderWithPlatformPreference(name)
	if c == nil {
		return nil, fmt.Errorf("unable to find an encoder for codec %q", e.Codec)
	}

	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, fmt.Errorf("unable to allocate a codec context for %q", c.Name())
	}
	avutil.SetFinalizerFree(ctx, cc)

	if hwType != astiav.HardwareDeviceTypeNone {
		attachHardwareDeviceContext(ctx, cc, hwType)
	}

	opts := astiav.NewDictionary()
	avutil.SetFinalizerFree(ctx, opts)

	switch {
	case e.Codec.IsVideo():
		if err := configureVideo(cc, e, hints); err != nil {
			cc.Free()
			return nil, err
		}
	case e.Codec.IsAudio():
		configureAudio(cc, e, hints)
		// Some audio codecs (raw AAC, low sample-rate AC3) only satisfy a
		// container's official codec mapping under the library's relaxed
		// compliance mode; opening every audio encoder with it enabled
		// keeps writer.AlternateProperAudioCodec's fallback list usable
		// without per-codec special-casing here.
		cc.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)
	default:
		cc.Free()
		return nil, fmt.Errorf("encoding %s is disabled", e)
	}

	if err := cc.Open(c, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("unable to open encoder %q: %w", c.Name(), err)
	}
	return cc, nil
}

func encoderName(c encoding.Codec) string {
	switch c {
	case encoding.CodecH264:
		return "libx264"
	case encoding.CodecHEVC:
		return "libx265"
	case encoding.CodecVP8:
		return "libvpx"
	case encoding.CodecVP9:
		return "libvpx-vp9"
	case encoding.CodecAV1:
		return "libaom-av1"
	case encoding.CodecMJPEG:
		return "mjpeg"
	case encoding.CodecAAC:
		return "aac"
	case encoding.CodecMP3:
		return "libmp3lame"
	case encoding.CodecMP2:
		return "mp2"
	case encoding.CodecAC3:
		return "ac3"
	case encoding.CodecOpus:
		return "libopus"
	case encoding.CodecPCMS16LE:
		return "pcm_s16le"
	default:
		return string(c)
	}
}

// findEncoderWithPlatformPreference tries a hardware encoder name first
// on platforms known to expose one for this codec, then falls back to the
// software encoder deterministically. The returned HardwareDeviceType is
// HardwareDeviceTypeNone when the software encoder was used.
func findEncoderWithPlatformPreference(name string) (*astiav.Codec, astiav.HardwareDeviceType) {
	if hwName, hwType, ok := platformHardwareEncoderName(name); ok {
		if c := astiav.FindEncoderByName(hwName); c != nil {
			return c, hwType
		}
	}
	return astiav.FindEncoderByName(name), astiav.HardwareDeviceTypeNone
}

// HardwareAccelOverride, when non-empty, names a hardware device type
// (e.g. "vaapi", "videotoolbox", "cuda") that takes priority over the
// OS-keyed default table below — an escape hatch for a host whose
// default platform accelerator isn't the one actually installed.
var HardwareAccelOverride string

func platformHardwareEncoderName(softwareName string) (string, astiav.HardwareDeviceType, bool) {
	if HardwareAccelOverride != "" {
		if hwType := avconv.HardwareDeviceTypeFromString(context.Background(), HardwareAccelOverride); hwType != astiav.HardwareDeviceTypeNone {
			if hwName, ok := hardwareEncoderNameForType(softwareName, hwType); ok {
				return hwName, hwType, true
			}
		}
	}
	switch runtime.GOOS {
	case "darwin":
		switch softwareName {
		case "libx264":
			return "h264_videotoolbox", astiav.HardwareDeviceTypeVideoToolbox, true
		case "libx265":
			return "hevc_videotoolbox", astiav.HardwareDeviceTypeVideoToolbox, true
		}
	case "linux":
		switch softwareName {
		case "libx264":
			return "h264_vaapi", astiav.HardwareDeviceTypeVAAPI, true
		case "libx265":
			return "hevc_vaapi", astiav.HardwareDeviceTypeVAAPI, true
		}
	}
	return "", astiav.HardwareDeviceTypeNone, false
}

func hardwareEncoderNameForType(softwareName string, hwType astiav.HardwareDeviceType) (string, bool) {
	suffix, ok := map[astiav.HardwareDeviceType]string{
		astiav.HardwareDeviceTypeVAAPI:        "vaapi",
		astiav.HardwareDeviceTypeVideoToolbox: "videotoolbox",
		astiav.HardwareDeviceTypeCUDA:         "nvenc",
		astiav.HardwareDeviceTypeQSV:          "qsv",
	}[hwType]
	if !ok {
		return "", false
	}
	switch softwareName {
	case "libx264":
		return "h264_" + suffix, true
	case "libx265":
		return "hevc_" + suffix, true
	}
	return "", false
}

// attachHardwareDeviceContext opens a device of hwType and attaches it to
// cc, so that platform hardware encoders found above actually drive the
// GPU instead of failing at Open for lack of a device context. Falls back
// to software encoding (leaving cc without a device context) if the
// device can't be opened on this machine.
func attachHardwareDeviceContext(ctx context.Context, cc *astiav.CodecContext, hwType astiav.HardwareDeviceType) {
	hwDeviceCtx, err := astiav.CreateHardwareDeviceContext(hwType, "", nil, 0)
	if err != nil {
		logger.Debugf(ctx, "unable to open hardware device %s, falling back to software: %v", hwType, err)
		return
	}
	avutil.SetFinalizerFree(ctx, hwDeviceCtx)
	cc.SetHardwareDeviceContext(hwDeviceCtx)
}

func configureVideo(cc *astiav.CodecContext, e encoding.Encoding, hints SourceHints) error {
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("encoding %s: invalid resolution", e)
	}

	divisor := int64(2)
	if hints.IsWebcam {
		divisor = 4
	}
	maxRateKbps := int64(e.MaxBitrateKbps)
	targetKbps := maxRateKbps / divisor
	if targetKbps <= 0 {
		targetKbps = maxRateKbps
	}
	const minRateKbps = 1000

	cc.SetBitRate(targetKbps * 1000)
	cc.SetRateControlMinRate(minRateKbps * 1000)
	cc.SetRateControlMaxRate(maxRateKbps * 1000)
	cc.SetRateControlBufferSize(int(maxRateKbps * 1000 * 2))

	res := e.Resolution().Even()
	cc.SetWidth(res.Width)
	cc.SetHeight(res.Height)
	cc.SetPixelFormat(astiav.PixelFormatYuv420P)

	frameRate := hints.FrameRate
	if frameRate.Num() > 0 && frameRate.Den() > 0 {
		cc.SetTimeBase(astiav.NewRational(frameRate.Den(), frameRate.Num()))
		cc.SetFramerate(frameRate)
	} else {
		fr := e.FrameRate
		if fr <= 0 {
			fr = 30
		}
		cc.SetTimeBase(astiav.NewRational(2, int(fr)))
		cc.SetFramerate(astiav.NewRational(int(fr), 2))
	}
	return nil
}

func configureAudio(cc *astiav.CodecContext, e encoding.Encoding, hints SourceHints) {
	sampleRate := closestSupportedSampleRate(e.SampleRate, hints.PreferredSampleRate)
	cc.SetSampleRate(sampleRate)
	cc.SetTimeBase(astiav.NewRational(1, sampleRate))

	layout := hints.AudioChannelLayout
	if layout.String() == "" {
		layout = astiav.ChannelLayoutStereo
	}
	cc.SetChannelLayout(layout)

	sampleFmt, err := codec.ParseSampleFormat(e.SampleFmt)
	switch {
	case err == nil:
		cc.SetSampleFormat(sampleFmt)
	case hints.AudioSampleFormat != astiav.SampleFormatNone:
		cc.SetSampleFormat(hints.AudioSampleFormat)
	default:
		cc.SetSampleFormat(astiav.SampleFormatFltp)
	}
}

func closestSupportedSampleRate(preferred, fallback int) int {
	if preferred > 0 {
		return preferred
	}
	if fallback > 0 {
		return fallback
	}
	return 44100
}
