// Package demux drives one input's libav FormatContext: opening it
// (network URL, local file, or capture device), picking its best video and
// audio streams, and looping read_frame calls until told to stop, pacing
// local files to wall-clock time and applying playback-speed rebases along
// the way.
package demux

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/lxstreamer/codec"
	"github.com/xaionaro-go/lxstreamer/helpers/closuresignaler"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/observability"
)

// OnPacketFunc is called for every packet the demuxer loop reads, after
// timestamp synthesis/rebase has already been applied to it. It owns pkt
// and must not retain it past the call.
type OnPacketFunc func(ctx context.Context, pkt *astiav.Packet, stream *astiav.Stream) error

// OnOpenedFunc is called once, right after the best streams have been
// picked, before the read loop starts.
type OnOpenedFunc func(ctx context.Context, d *Demuxer) error

// DefaultInterruptTimeout is how long the demuxer tolerates a blocking
// libav call (open, stream-info discovery, read_frame) with no progress
// before aborting it, absent an explicit Config.InterruptTimeout.
const DefaultInterruptTimeout = 20 * time.Second

// Config configures a Demuxer for one Open/Run cycle.
type Config struct {
	URL              string
	InterruptTimeout time.Duration
	SpeedClockMode   SpeedClockMode
	OnOpened         OnOpenedFunc
	OnPacket         OnPacketFunc
}

// Demuxer is a single-use, single-goroutine reader of one input URL: call
// Open then Run once; construct a new Demuxer for the next attempt, the
// same way the source controller's worker loop does (spec §4.8).
type Demuxer struct {
	cfg Config

	isWebcam    bool
	isLocalFile bool
	isRTSP      bool

	formatCtx   *astiav.FormatContext
	interrupter astiav.IOInterrupter
	closer      *closuresignaler.ClosureSignaler

	VideoStream *astiav.Stream
	AudioStream *astiav.Stream
	data        *DemuxData

	lastActivityAt xatomic.Value[time.Time]
}

// New allocates a Demuxer for cfg.URL. Nothing is opened yet.
func New(cfg Config) *Demuxer {
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = DefaultInterruptTimeout
	}
	return &Demuxer{
		cfg:         cfg,
		isWebcam:    IsWebcamURL(cfg.URL),
		isLocalFile: IsLocalFileURL(cfg.URL),
		isRTSP:      IsRTSPURL(cfg.URL),
		closer:      closuresignaler.New(),
		data:        newDemuxData(),
	}
}

func (d *Demuxer) String() string {
	return fmt.Sprintf("Demuxer(%s)", d.cfg.URL)
}

// IsLocalFile reports whether this Demuxer paces reads to wall-clock time.
func (d *Demuxer) IsLocalFile() bool { return d.isLocalFile }

// Data exposes the local-file seek/speed atomics external commands write
// to; the demuxer's own loop is their only reader.
func (d *Demuxer) Data() *DemuxData { return d.data }

// Open implements spec point 1 and 2 of §4.7: allocate the format
// context, detect the URL kind, wire the interrupt callback, open the
// input, set GENPTS|FLUSH_PACKETS on success, then discover stream info
// and pick the best video/audio stream.
func (d *Demuxer) Open(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Open(%s)", d.cfg.URL)
	defer func() { logger.Debugf(ctx, "/Open(%s): %v", d.cfg.URL, _err) }()

	d.formatCtx = astiav.AllocFormatContext()
	if d.formatCtx == nil {
		return fmt.Errorf("unable to allocate a format context")
	}
	d.interrupter = d.formatCtx.SetInterruptCallback()
	d.interrupter.Resume()
	d.lastActivityAt.Store(time.Now())
	observability.Go(ctx, func(ctx context.Context) { d.watchInterrupt(ctx) })

	url := d.cfg.URL
	var inputFormat *astiav.InputFormat
	var dict *astiav.Dictionary

	switch {
	case d.isWebcam:
		framework, device, ok := ParseWebcamURL(url)
		if !ok {
			d.formatCtx.Free()
			return fmt.Errorf("malformed webcam URL %q", url)
		}
		if framework == "" {
			framework = DefaultWebcamFramework()
		}
		inputFormat = astiav.FindInputFormat(framework)
		if inputFormat == nil {
			d.formatCtx.Free()
			return fmt.Errorf("unable to find capture framework %q", framework)
		}
		url = device
	case d.isRTSP:
		dict = codec.DictionaryFromMap(ctx, map[string]string{"rtsp_flags": "prefer_tcp"})
	}

	if err := d.formatCtx.OpenInput(url, inputFormat, dict); err != nil {
		d.formatCtx.Free()
		return fmt.Errorf("unable to open input %q: %w", d.cfg.URL, err)
	}
	d.formatCtx.SetFlags(d.formatCtx.Flags().Add(astiav.FormatContextFlagGenpts).Add(astiav.FormatContextFlagFlushPackets))

	if err := d.formatCtx.FindStreamInfo(nil); err != nil {
		d.formatCtx.CloseInput()
		d.formatCtx.Free()
		return fmt.Errorf("unable to discover stream info for %q: %w", d.cfg.URL, err)
	}

	for _, stream := range d.formatCtx.Streams() {
		switch stream.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if d.VideoStream == nil {
				d.VideoStream = stream
			}
		case astiav.MediaTypeAudio:
			if d.AudioStream == nil {
				d.AudioStream = stream
			}
		}
	}
	if d.VideoStream == nil && d.AudioStream == nil {
		d.formatCtx.CloseInput()
		d.formatCtx.Free()
		return fmt.Errorf("input %q has neither a video nor an audio stream", d.cfg.URL)
	}

	if d.VideoStream != nil {
		d.data.Video = newStreamData(d.VideoStream)
	}
	if d.AudioStream != nil {
		d.data.Audio = newStreamData(d.AudioStream)
	}
	pacingStream := d.VideoStream
	if pacingStream == nil {
		pacingStream = d.AudioStream
	}
	d.data.resetPacing(pacingStream.TimeBase())

	if d.cfg.OnOpened != nil {
		if err := d.cfg.OnOpened(ctx, d); err != nil {
			d.formatCtx.CloseInput()
			d.formatCtx.Free()
			return fmt.Errorf("on-opened callback failed: %w", err)
		}
	}
	return nil
}

// Run implements spec point 4 of §4.7: the read loop. It returns nil on a
// clean EOF or explicit Close, and a non-nil error otherwise.
func (d *Demuxer) Run(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Run(%s)", d.cfg.URL)
	defer func() { logger.Debugf(ctx, "/Run(%s): %v", d.cfg.URL, _err) }()

	var held *astiav.Packet
	defer func() {
		if held != nil {
			held.Free()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closer.CloseChan():
			return nil
		default:
		}

		if d.isLocalFile {
			if held != nil && d.data.SeekTime.Load() >= 0 {
				held.Free()
				held = nil
			}
			d.consumeSeek(ctx)
			pkt := held
			held = nil
			if pkt == nil {
				pkt = d.peekNextPacket()
			}
			if pkt != nil {
				if d.data.shouldWaitToPresent(pkt) {
					held = pkt
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if err := d.dispatch(ctx, pkt); err != nil {
					return err
				}
				if d.data.shouldPresentFaster(pkt) {
					continue
				}
				time.Sleep(2 * time.Millisecond)
				continue
			}
		}

		pkt := astiav.AllocPacket()
		err := d.formatCtx.ReadFrame(pkt)
		switch {
		case err == nil:
		case codec.IsEOF(err):
			pkt.Free()
			return nil
		case codec.IsEAgain(err):
			pkt.Free()
			time.Sleep(5 * time.Millisecond)
			continue
		default:
			pkt.Free()
			return fmt.Errorf("unable to read a packet: %w", err)
		}

		if err := d.dispatch(ctx, pkt); err != nil {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// peekNextPacket reads one packet for the local-file pacing path, or nil
// on EOF/transient error (the caller falls through to the plain read
// path, which handles those uniformly).
func (d *Demuxer) peekNextPacket() *astiav.Packet {
	pkt := astiav.AllocPacket()
	if err := d.formatCtx.ReadFrame(pkt); err != nil {
		pkt.Free()
		return nil
	}
	return pkt
}

// dispatch runs the per-packet analysis (spec point 4: counter, PTS
// synthesis, speed rebase) and hands the packet to the configured sink.
func (d *Demuxer) dispatch(ctx context.Context, pkt *astiav.Packet) error {
	defer pkt.Free()
	d.lastActivityAt.Store(time.Now())

	sd, stream := d.streamDataFor(pkt.StreamIndex())
	if sd == nil {
		return nil
	}

	if d.isLocalFile {
		speed := d.data.PlaybackSpeed.Load()
		var master *StreamData
		if d.cfg.SpeedClockMode == SpeedClockVideoMaster && sd.MediaType == astiav.MediaTypeAudio {
			master = d.data.Video
		}
		sd.analyze(pkt, master, speed)
	} else {
		sd.analyze(pkt, nil, 1)
	}

	if d.cfg.OnPacket == nil {
		return nil
	}
	if err := d.cfg.OnPacket(ctx, pkt, stream); err != nil {
		return fmt.Errorf("on-packet callback failed: %w", err)
	}
	return nil
}

func (d *Demuxer) streamDataFor(index int) (*StreamData, *astiav.Stream) {
	if d.data.Video != nil && d.data.Video.Index == index {
		return d.data.Video, d.VideoStream
	}
	if d.data.Audio != nil && d.data.Audio.Index == index {
		return d.data.Audio, d.AudioStream
	}
	return nil, nil
}

// consumeSeek implements point 4's "consume the seek_time atomic" rule:
// a value >= 0 triggers a seek to that offset and is then cleared back
// to -1 so the same command does not fire twice.
func (d *Demuxer) consumeSeek(ctx context.Context) {
	seconds := d.data.SeekTime.Load()
	if seconds < 0 {
		return
	}
	d.data.SeekTime.Store(-1)

	stream := d.VideoStream
	if stream == nil {
		stream = d.AudioStream
	}
	ts := astiav.RescaleQ(int64(seconds*float64(time.Second)), astiav.NewRational(1, int(time.Second)), stream.TimeBase())
	if err := d.formatCtx.SeekFrame(stream.Index(), ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		logger.Errorf(ctx, "seek to %gs failed: %v", seconds, err)
		return
	}
	d.data.resetPacing(stream.TimeBase())
}

// SetSeekTime schedules a seek the loop will consume on its next
// iteration. Only meaningful for local files.
func (d *Demuxer) SetSeekTime(seconds float64) { d.data.SeekTime.Store(seconds) }

// SetSpeed changes the local-file playback speed the loop rebases
// timestamps against.
func (d *Demuxer) SetSpeed(factor float64) { d.data.PlaybackSpeed.Store(factor) }

// watchInterrupt implements spec point 5 of §4.7: abort any blocking
// libav call once InterruptTimeout has elapsed without a dispatched
// packet, and at once when the demuxer is closed or the surrounding
// context canceled. go-astiav exposes the interrupt
// callback as an explicit Interrupt()-able object rather than the classic
// polling counter the spec's wording describes, so a watchdog goroutine
// checks at one tenth of the timeout's granularity instead.
func (d *Demuxer) watchInterrupt(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.InterruptTimeout / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.interrupter.Interrupt()
			return
		case <-d.closer.CloseChan():
			d.interrupter.Interrupt()
			return
		case <-ticker.C:
			if time.Since(d.lastActivityAt.Load()) >= d.cfg.InterruptTimeout {
				d.interrupter.Interrupt()
			}
		}
	}
}

// Close stops the demuxer's read loop and releases its format context.
// Safe to call once Run has returned or is about to be asked to return.
func (d *Demuxer) Close(ctx context.Context) error {
	d.closer.Close(ctx)
	if d.formatCtx == nil {
		return nil
	}
	d.formatCtx.CloseInput()
	d.formatCtx.Free()
	return nil
}
