// Package source owns one input's long-lived pipeline: it launches a
// worker goroutine that opens and re-opens a demuxer for as long as the
// source has viewers or an active recording, fans out each demuxed packet
// through an ephemeral transcoder to every attached Viewer and the
// optional Recorder, and idles the pipeline down after a period with no
// consumers.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/decoder"
	"github.com/xaionaro-go/lxstreamer/demux"
	"github.com/xaionaro-go/lxstreamer/encoderpool"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/helpers/closuresignaler"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/lxstreamer/resampler"
	"github.com/xaionaro-go/lxstreamer/scaler"
	"github.com/xaionaro-go/lxstreamer/transcoder"
	"github.com/xaionaro-go/lxstreamer/writer"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

// idleRetryInterval is how long the worker sleeps between checks while
// neither demuxing nor recording is requested.
const idleRetryInterval = 2 * time.Second

// idleTeardownAfter is how long a source with no viewers and no active
// recording keeps its pipeline open before idling down. The check runs on
// the dispatchTickInterval cadence, so teardown lands about 35 s after the
// last viewer leaves.
const idleTeardownAfter = 30 * time.Second

// dispatchTickInterval is how often on_packet runs its periodic
// housekeeping (recorder start/stop, idle check, cache pruning).
const dispatchTickInterval = 5 * time.Second

// Args identifies one input and its output configuration: name, URL, the
// optional viewer-authentication token, and the view/record Encoding
// pairs SourceArgs carries per spec.
type Args struct {
	Name            string
	URL             string
	AuthSession     string
	ViewEncoding    encoding.Pair
	RecordEncoding  encoding.Pair
	RecordAudio     bool
	PreferredFormat string
	SpeedClockMode  demux.SpeedClockMode
}

// Source is the per-source controller (spec's SourcePipeline plus its
// worker loop): it owns the shared decoder/encoder/scaler/resampler
// caches, the viewer list, and the optional recorder, and is the only
// thing that mutates any of them outside of the packet-dispatch path.
type Source struct {
	args   Args
	appDir string

	locker      xsync.Mutex
	viewers     []*writer.Viewer
	pending     []*writer.Viewer
	recorder    *writer.Recorder
	recordOpts  writer.RecordOptions
	demuxing    bool
	recording   bool
	initialized bool

	decoders   map[int]*decoder.Decoder
	scalers    *scaler.Cache
	resamplers *resampler.Cache
	encoders   *encoderpool.Pool

	viewEncoding   encoding.Pair
	recordEncoding encoding.Pair
	isWebcam       bool
	inputWidth     int
	inputHeight    int

	videoStream *astiav.Stream
	audioStream *astiav.Stream
	demuxer     *demux.Demuxer

	lastEmptyAt time.Time
	lastTickAt  time.Time
	closer      *closuresignaler.ClosureSignaler
}

// New constructs a detached Source: nothing runs until Start is called.
func New(args Args, appDir string) *Source {
	return &Source{
		args:       args,
		appDir:     appDir,
		decoders:   make(map[int]*decoder.Decoder),
		scalers:    scaler.NewCache(),
		resamplers: resampler.NewCache(5, nowUnix),
		encoders:   encoderpool.NewPool(nowUnix),
		closer:     closuresignaler.New(),
	}
}

func nowUnix() int64 { return time.Now().Unix() }

func (s *Source) Name() string { return s.args.Name }

// AuthSession reports the token a viewer's session query parameter must
// match, or "" if the source requires no authentication.
func (s *Source) AuthSession() string { return s.args.AuthSession }

// PreferredFormat reports the container a Viewer should try first.
func (s *Source) PreferredFormat() string { return s.args.PreferredFormat }

// Start launches the source's worker goroutine.
func (s *Source) Start(ctx context.Context) {
	observability.Go(ctx, func(ctx context.Context) { s.startWorker(ctx) })
}

// Close stops the worker goroutine, tearing down any active pipeline.
func (s *Source) Close(ctx context.Context) {
	s.closer.Close(ctx)
	if d := s.currentDemuxer(ctx); d != nil {
		d.Close(ctx)
	}
}

func (s *Source) currentDemuxer(ctx context.Context) *demux.Demuxer {
	return xsync.DoR1(ctx, &s.locker, func() *demux.Demuxer {
		return s.demuxer
	})
}

// startWorker implements start_worker (spec §4.8): loop, running the
// pipeline to completion whenever demuxing or recording is requested,
// otherwise sleeping.
func (s *Source) startWorker(ctx context.Context) {
	for {
		select {
		case <-s.closer.CloseChan():
			return
		default:
		}

		if s.isDemuxingOrRecording(ctx) {
			s.runPipeline(ctx)
			continue
		}

		select {
		case <-s.closer.CloseChan():
			return
		case <-time.After(idleRetryInterval):
		}
	}
}

func (s *Source) isDemuxingOrRecording(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		return s.demuxing || s.recording
	})
}

// runPipeline opens one Demuxer, runs it to completion, and tears down
// every consumer regardless of why it stopped, matching the spec's
// "on demuxer exit, tear down viewers/recorder/demux state" lifecycle
// rule.
func (s *Source) runPipeline(ctx context.Context) {
	d := demux.New(demux.Config{
		URL:            s.args.URL,
		SpeedClockMode: s.args.SpeedClockMode,
		OnOpened:       s.onOpened,
		OnPacket:       s.onPacket,
	})

	s.locker.Do(ctx, func() { s.demuxer = d })
	defer s.locker.Do(ctx, func() { s.demuxer = nil })

	if err := d.Open(ctx); err != nil {
		logger.Errorf(ctx, "source %q: unable to open %q: %v", s.args.Name, s.args.URL, err)
		s.teardown(ctx)
		return
	}
	if err := d.Run(ctx); err != nil {
		logger.Debugf(ctx, "source %q: pipeline ended: %v", s.args.Name, err)
	}
	d.Close(ctx)
	s.teardown(ctx)
}

// teardown clears viewers, the recorder, and the demuxer-derived state
// under the source's lock, per spec point 1 of §4.8.
func (s *Source) teardown(ctx context.Context) {
	s.locker.Do(ctx, func() {
		for _, v := range s.viewers {
			v.Close(ctx)
		}
		s.viewers = nil
		s.pending = nil
		if s.recorder != nil {
			s.recorder.Close(ctx)
			s.recorder = nil
		}
		s.demuxing = false
		s.recording = false
		s.initialized = false
		s.videoStream = nil
		s.audioStream = nil
		s.lastEmptyAt = time.Time{}
		s.decoders = make(map[int]*decoder.Decoder)
	})
}

// onOpened implements point 3 of §4.7/§4.8's add_viewer contract: seed
// the view encoding defaults, remember the picked streams, and start
// every viewer that was attached before the pipeline was ready.
func (s *Source) onOpened(ctx context.Context, d *demux.Demuxer) error {
	if d.VideoStream == nil && d.AudioStream == nil {
		return fmt.Errorf("no video or audio stream")
	}

	view := s.args.ViewEncoding
	if d.VideoStream != nil {
		view.Video = encoding.DefaultView(view.Video)
	} else {
		view.Video = encoding.Encoding{}
	}
	if d.AudioStream == nil {
		view.Audio = encoding.Encoding{}
	}

	s.locker.Do(ctx, func() {
		s.videoStream = d.VideoStream
		s.audioStream = d.AudioStream
		s.viewEncoding = view
		s.recordEncoding = s.args.RecordEncoding
		s.isWebcam = demux.IsWebcamURL(s.args.URL)
		if d.VideoStream != nil {
			params := d.VideoStream.CodecParameters()
			s.inputWidth = params.Width()
			s.inputHeight = params.Height()
		}
		s.initialized = true

		toStart := s.pending
		s.pending = nil
		s.viewers = append(s.viewers, toStart...)

		for _, v := range toStart {
			s.startViewer(ctx, v)
		}
	})
	return nil
}

func (s *Source) inputStreams() []*astiav.Stream {
	var out []*astiav.Stream
	if s.videoStream != nil {
		out = append(out, s.videoStream)
	}
	if s.audioStream != nil {
		out = append(out, s.audioStream)
	}
	return out
}

// startViewer must be called with the lock held and the pipeline
// initialized; it builds the viewer's output streams and spawns its
// write loop.
func (s *Source) startViewer(ctx context.Context, v *writer.Viewer) {
	target := s.viewEncoding
	if err := v.Start(ctx, s.inputStreams(), target, s.lookupEncoderFor(target)); err != nil {
		logger.Errorf(ctx, "source %q: unable to start viewer: %v", s.args.Name, err)
		v.Close(ctx)
	}
}

// lookupEncoderFor returns a writer.EncoderLookup resolving into the
// encoder pool entry for target's video or audio half.
func (s *Source) lookupEncoderFor(target encoding.Pair) writer.EncoderLookup {
	return func(mediaType astiav.MediaType) (*astiav.CodecContext, bool) {
		e, _ := target.ForCodec(representativeCodecFor(mediaType))
		if !e.Valid() {
			return nil, false
		}
		cc, err := s.encoders.Get(context.Background(), e, s.hintsFor(e, mediaType))
		if err != nil {
			return nil, false
		}
		return cc, true
	}
}

func (s *Source) hintsFor(e encoding.Encoding, mediaType astiav.MediaType) encoderpool.SourceHints {
	hints := encoderpool.SourceHints{IsWebcam: s.isWebcam}
	if mediaType == astiav.MediaTypeVideo && s.videoStream != nil {
		hints.FrameRate = s.videoStream.AvgFrameRate()
	}
	if mediaType == astiav.MediaTypeAudio {
		hints.PreferredSampleRate = e.SampleRate
		if s.audioStream != nil {
			params := s.audioStream.CodecParameters()
			hints.AudioSampleFormat = params.SampleFormat()
			hints.AudioChannelLayout = params.ChannelLayout()
		}
	}
	return hints
}

func representativeCodecFor(mediaType astiav.MediaType) encoding.Codec {
	if mediaType == astiav.MediaTypeVideo {
		return encoding.CodecH264
	}
	return encoding.CodecAAC
}

// AddViewer implements add_viewer: attach a Viewer to this source,
// starting it immediately if the pipeline is already up, otherwise
// deferring until onOpened, and requesting the pipeline to run.
func (s *Source) AddViewer(ctx context.Context, v *writer.Viewer) {
	s.locker.Do(ctx, func() {
		if s.demuxing && s.initialized {
			s.viewers = append(s.viewers, v)
			s.startViewer(ctx, v)
		} else {
			s.pending = append(s.pending, v)
		}
		s.demuxing = true
	})
}

// StartRecording arms recording with opts, waking the worker if the
// pipeline is idle. Returns false if a recording is already active.
func (s *Source) StartRecording(ctx context.Context, opts writer.RecordOptions) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		if s.recording {
			return false
		}
		s.recordOpts = opts
		s.recording = true
		return true
	})
}

// StopRecording disarms recording. Returns false if no recording was
// active.
func (s *Source) StopRecording(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		if !s.recording {
			return false
		}
		s.recording = false
		if s.recorder != nil {
			s.recorder.Close(ctx)
			s.recorder = nil
		}
		return true
	})
}

// Seek schedules a local-file seek on the current demuxer, if any.
func (s *Source) Seek(ctx context.Context, seconds float64) bool {
	d := s.currentDemuxer(ctx)
	if d == nil || !d.IsLocalFile() {
		return false
	}
	d.SetSeekTime(seconds)
	return true
}

// SetSpeed changes the current demuxer's local-file playback speed.
func (s *Source) SetSpeed(ctx context.Context, factor float64) bool {
	d := s.currentDemuxer(ctx)
	if d == nil || !d.IsLocalFile() {
		return false
	}
	d.SetSpeed(factor)
	return true
}

// onPacket implements on_packet (spec §4.8): fan the packet out to the
// recorder and every viewer under the source's lock, then run the
// periodic housekeeping tick every dispatchTickInterval.
func (s *Source) onPacket(ctx context.Context, pkt *astiav.Packet, stream *astiav.Stream) error {
	now := time.Now()
	var dueTick bool

	s.locker.Do(ctx, func() {
		dec := s.decoderFor(ctx, stream)
		if dec == nil {
			return
		}

		tc := transcoder.New(ctx, pkt, stream, transcoder.Sources{
			Decoder:     dec,
			Scalers:     s.scalers,
			Resamplers:  s.resamplers,
			Encoders:    s.encoders,
			IsWebcam:    s.isWebcam,
			InputWidth:  s.inputWidth,
			InputHeight: s.inputHeight,
		}, now.Unix())

		s.dispatchToRecorder(ctx, tc, stream)
		s.dispatchToViewers(ctx, tc, stream)

		if now.Sub(s.lastTickAt) >= dispatchTickInterval {
			s.lastTickAt = now
			dueTick = true
		}
	})

	if dueTick {
		s.runTick(ctx, now)
	}
	return nil
}

func (s *Source) decoderFor(ctx context.Context, stream *astiav.Stream) *decoder.Decoder {
	if dec, ok := s.decoders[stream.Index()]; ok {
		return dec
	}
	dec, err := decoder.Open(ctx, stream, nil)
	if err != nil {
		logger.Errorf(ctx, "source %q: unable to open decoder for stream #%d: %v", s.args.Name, stream.Index(), err)
		return nil
	}
	s.decoders[stream.Index()] = dec
	return dec
}

// dispatchToRecorder implements point 2 of on_packet: video always,
// audio only when record_audio is set.
func (s *Source) dispatchToRecorder(ctx context.Context, tc *transcoder.Transcoder, stream *astiav.Stream) {
	if !s.recording || s.recorder == nil {
		return
	}
	mediaType := stream.CodecParameters().MediaType()
	if mediaType == astiav.MediaTypeAudio && !s.args.RecordAudio {
		return
	}
	e, ok := s.recordEncoding.ForCodec(representativeCodecFor(mediaType))
	if !ok {
		return
	}
	pkts, err := tc.MakePackets(e)
	if err != nil {
		logger.Errorf(ctx, "source %q: recorder transcode failed: %v", s.args.Name, err)
		return
	}
	for _, p := range pkts {
		s.recorder.Enqueue(p)
	}
}

// dispatchToViewers implements point 3: drop any viewer whose writer
// already tore itself down, then fan the packet out to the rest.
func (s *Source) dispatchToViewers(ctx context.Context, tc *transcoder.Transcoder, stream *astiav.Stream) {
	if len(s.viewers) == 0 {
		return
	}
	mediaType := stream.CodecParameters().MediaType()

	alive := s.viewers[:0]
	for _, v := range s.viewers {
		select {
		case <-v.Done():
			continue
		default:
		}
		alive = append(alive, v)
	}
	s.viewers = alive

	for _, v := range s.viewers {
		e, ok := s.viewEncoding.ForCodec(representativeCodecFor(mediaType))
		if !ok {
			continue
		}
		pkts, err := tc.MakePackets(e)
		if err != nil {
			logger.Errorf(ctx, "source %q: viewer transcode failed: %v", s.args.Name, err)
			continue
		}
		for _, p := range pkts {
			v.Enqueue(p)
		}
	}
}

// runTick implements points 4 and 5 of on_packet: (re)start or drop the
// recorder, idle the pipeline down after idleTeardownAfter with no
// viewers, and prune the encoder/resampler caches.
func (s *Source) runTick(ctx context.Context, now time.Time) {
	s.locker.Do(ctx, func() {
		if s.recording && s.recorder == nil {
			rec := writer.NewRecorder(s.args.Name, s.appDir, s.recordOpts)
			target := s.recordEncoding
			if err := rec.Start(ctx, s.inputStreams(), target, s.lookupEncoderFor(target)); err != nil {
				logger.Errorf(ctx, "source %q: unable to start recording: %v", s.args.Name, err)
			} else {
				s.recorder = rec
			}
		}
		if s.recorder != nil {
			select {
			case <-s.recorder.Done():
				s.recorder = nil
			default:
			}
		}
		if !s.recording && s.recorder != nil {
			s.recorder.Close(ctx)
			s.recorder = nil
		}

		if len(s.viewers) == 0 {
			if s.lastEmptyAt.IsZero() {
				s.lastEmptyAt = now
			}
			if !s.recording && now.Sub(s.lastEmptyAt) > idleTeardownAfter {
				s.demuxing = false
				if s.demuxer != nil {
					s.demuxer.Close(ctx)
				}
			}
		} else {
			s.lastEmptyAt = time.Time{}
		}
	})

	if err := s.encoders.Prune(ctx); err != nil {
		logger.Errorf(ctx, "source %q: encoder prune failed: %v", s.args.Name, err)
	}
	if err := s.resamplers.Prune(ctx); err != nil {
		logger.Errorf(ctx, "source %q: resampler prune failed: %v", s.args.Name, err)
	}
}
