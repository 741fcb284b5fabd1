package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/avconv"
	"github.com/xaionaro-go/lxstreamer/codec/consts"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/helpers/closuresignaler"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/observability"
)

// recorderQueueCapacity matches the Viewer's bounded-queue capacity; both
// writers share the same overflow policy.
const recorderQueueCapacity = 256

// recorderFormat pairs a libavformat short name with the file extension
// recordingFilePath synthesizes for it.
type recorderFormat struct {
	Name string
	Ext  string
}

// recorderFallbackFormats is the format negotiation order once the
// caller's preferred format (if any) has been tried and rejected.
var recorderFallbackFormats = []recorderFormat{
	{"matroska", "mkv"},
	{"mpegts", "ts"},
	{"mp4", "mp4"},
	{"avi", "avi"},
	{"mov", "mov"},
	{"flv", "flv"},
	{"webm", "webm"},
}

// recorderFormatAliases lets a caller name a preferred format either by
// its libavformat short name or by the file extension convention the
// spec's format list otherwise uses (mkv, ts).
var recorderFormatAliases = map[string]string{
	"mkv": "matroska",
	"ts":  "mpegts",
}

func resolveRecorderFormat(name string) string {
	if alt, ok := recorderFormatAliases[name]; ok {
		return alt
	}
	return name
}

// RecordOptions configures one recording run: where to write, which
// container to prefer, and the rotation/flush policy.
type RecordOptions struct {
	// Path is either an existing file to (re)use directly, or a directory
	// (created if missing) under which a timestamped file name is
	// synthesized.
	Path            string
	PreferredFormat string
	SizeCapBytes    int64
	DurationCap     time.Duration
	WriteInterval   time.Duration
}

const (
	minFreeSpaceBytes   = 1 * 1024 * 1024
	freeSpaceCheckEvery = 10 * time.Second
	durationJumpRollover = 30 * time.Second
)

// Recorder is the writer_base specialization that owns a file on disk:
// it mux the source's packets into a rotating sequence of timestamped
// files, synthesizing missing PTS from wall-clock elapsed time and
// rotating on size, duration or low disk space.
type Recorder struct {
	cfg        RecordOptions
	sourceName string
	appDir     string

	inputStreams  []*astiav.Stream
	target        encoding.Pair
	lookupEncoder EncoderLookup

	base      *Base
	format    recorderFormat
	ioCtx     *astiav.IOContext
	path      string
	startedAt time.Time

	writtenBytes       int64
	writtenDuration    time.Duration
	lastFreeSpaceCheck time.Time
	lastFlush          time.Time
	pending            []*astiav.Packet

	queue  chan *astiav.Packet
	closer *closuresignaler.ClosureSignaler
}

// NewRecorder builds a Recorder; call Start once the owning source knows
// its input streams and target encodings.
func NewRecorder(sourceName, appDir string, cfg RecordOptions) *Recorder {
	return &Recorder{
		cfg:        cfg,
		sourceName: sourceName,
		appDir:     appDir,
		queue:      make(chan *astiav.Packet, recorderQueueCapacity),
		closer:     closuresignaler.New(),
	}
}

// Path returns the file currently being written, once Start has opened
// one.
func (r *Recorder) Path() string { return r.path }

// Done reports the channel that closes once the recorder has torn itself
// down.
func (r *Recorder) Done() <-chan struct{} { return r.closer.CloseChan() }

// Close tears the recorder down without waiting for pending writes.
func (r *Recorder) Close(ctx context.Context) { r.closer.Close(ctx) }

// Enqueue clones pkt onto the recorder's bounded write queue, dropping it
// if the queue is already full.
func (r *Recorder) Enqueue(pkt *astiav.Packet) bool {
	clone := astiav.AllocPacket()
	if err := clone.Ref(pkt); err != nil {
		clone.Free()
		return false
	}
	select {
	case r.queue <- clone:
		return true
	default:
		clone.Unref()
		clone.Free()
		return false
	}
}

// Start implements the recorder's path setup, format negotiation, and
// spawns its run loop.
func (r *Recorder) Start(
	ctx context.Context,
	inputStreams []*astiav.Stream,
	target encoding.Pair,
	lookupEncoder EncoderLookup,
) error {
	r.inputStreams = inputStreams
	r.target = target
	r.lookupEncoder = lookupEncoder

	order := recorderFormatOrder(r.cfg.PreferredFormat)

	var lastErr error
	for _, fmtCandidate := range order {
		path := r.candidatePath(fmtCandidate.Ext)
		if err := r.tryOpen(ctx, fmtCandidate, path); err != nil {
			logger.Debugf(ctx, "recorder: format %q rejected for %q: %v", fmtCandidate.Name, path, err)
			os.Remove(path)
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("no acceptable recording format: %w", lastErr)
	}

	r.startedAt = time.Now()
	r.lastFlush = time.Now()
	r.lastFreeSpaceCheck = time.Now()

	observability.Go(ctx, func(ctx context.Context) { r.run(ctx) })
	return nil
}

func recorderFormatOrder(preferred string) []recorderFormat {
	order := make([]recorderFormat, 0, len(recorderFallbackFormats)+1)
	if preferred != "" {
		name := resolveRecorderFormat(preferred)
		for _, f := range recorderFallbackFormats {
			if f.Name == name {
				order = append(order, f)
				break
			}
		}
	}
	for _, f := range recorderFallbackFormats {
		already := false
		for _, o := range order {
			if o.Name == f.Name {
				already = true
				break
			}
		}
		if !already {
			order = append(order, f)
		}
	}
	return order
}

// candidatePath resolves the configured Path into a concrete file name
// for the given extension: an existing file is reused verbatim, anything
// else (including an empty Path) is treated as a directory under which
// "<source>-<timestamp>.<ext>" is synthesized.
func (r *Recorder) candidatePath(ext string) string {
	dir := r.cfg.Path
	if dir == "" {
		dir = filepath.Join(r.appDir, "records", r.sourceName)
	} else if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return dir
	}
	name := fmt.Sprintf("%s-%s.%s", r.sourceName, time.Now().Format("2006-01-02_15-04-05"), ext)
	return filepath.Join(dir, name)
}

func (r *Recorder) tryOpen(ctx context.Context, format recorderFormat, path string) (_err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating recording directory: %w", err)
	}

	oc, err := astiav.AllocOutputFormatContext(nil, format.Name, path)
	if err != nil || oc == nil {
		return fmt.Errorf("allocating %s output context: %w", format.Name, err)
	}
	defer func() {
		if _err != nil {
			oc.Free()
		}
	}()

	pb, err := astiav.OpenIOContext(path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	oc.SetPb(pb)

	base := NewBase(KindRecord, oc)
	if err := base.MakeOutputStreams(ctx, r.inputStreams, r.target, r.lookupEncoder); err != nil {
		pb.Close()
		return fmt.Errorf("building %s output streams: %w", format.Name, err)
	}

	setMetadataTags(oc, r.sourceName)

	if err := oc.WriteHeader(nil); err != nil {
		pb.Close()
		return fmt.Errorf("writing %s header: %w", format.Name, err)
	}

	r.base = base
	r.format = format
	r.ioCtx = pb
	r.path = path
	r.writtenBytes = 0
	r.writtenDuration = 0
	return nil
}

// run is the recorder's write loop: wait for a packet, synthesize its
// PTS if missing, buffer or write it depending on WriteInterval, check
// rotation/space limits, and rotate when a limit trips.
func (r *Recorder) run(ctx context.Context) {
	defer r.teardown(ctx)
	for {
		select {
		case <-r.closer.CloseChan():
			r.flushPending(ctx)
			return
		case pkt, ok := <-r.queue:
			if !ok {
				r.flushPending(ctx)
				return
			}
			r.handlePacket(ctx, pkt)
		}
	}
}

func (r *Recorder) handlePacket(ctx context.Context, pkt *astiav.Packet) {
	r.synthesizePTS(pkt)

	if r.cfg.WriteInterval > 0 {
		r.pending = append(r.pending, pkt)
		if time.Since(r.lastFlush) >= r.cfg.WriteInterval {
			r.flushPending(ctx)
			r.lastFlush = time.Now()
		}
		return
	}

	r.writeOne(ctx, pkt)
	if time.Since(r.lastFlush) >= 5*time.Second {
		r.lastFlush = time.Now()
	}
}

func (r *Recorder) flushPending(ctx context.Context) {
	for _, pkt := range r.pending {
		r.writeOne(ctx, pkt)
	}
	r.pending = r.pending[:0]
}

func (r *Recorder) writeOne(ctx context.Context, pkt *astiav.Packet) {
	dataLen := len(pkt.Data())
	err := r.base.WritePacket(ctx, pkt)
	pkt.Unref()
	pkt.Free()
	if err != nil {
		logger.Debugf(ctx, "recorder: write failed, rebuilding on next tick: %v", err)
		r.closer.Close(ctx)
		return
	}
	r.checkLimits(ctx, dataLen)
}

// synthesizePTS fills in a packet's PTS (and DTS) from wall-clock elapsed
// time, rescaled into the output stream's time base, when the packet
// itself carries no timestamp — the recorder-specific fallback the
// demuxer's own frame-count synthesis can't cover for transcoded output.
func (r *Recorder) synthesizePTS(pkt *astiav.Packet) {
	if consts.HasPTS(pkt.Pts()) {
		return
	}
	tb, ok := r.base.OutputTimeBase(pkt.StreamIndex())
	if !ok {
		return
	}
	ts := avconv.FromDuration(time.Since(r.startedAt), tb)
	pkt.SetPts(ts)
	pkt.SetDts(ts)
}

// checkLimits implements check_limits: accumulate written bytes and
// duration, treat an implausible duration jump as a host-sleep rollover
// rather than real elapsed time, rotate once a cap trips, and
// periodically verify free disk space.
func (r *Recorder) checkLimits(ctx context.Context, dataLen int) {
	r.writtenBytes += int64(dataLen)

	elapsed := time.Since(r.startedAt)
	delta := elapsed - r.writtenDuration
	if delta > durationJumpRollover {
		logger.Debugf(ctx, "recorder: duration jumped by %s, treating as a rollover", delta)
	} else {
		r.writtenDuration = elapsed
	}

	needRotate := false
	if r.cfg.SizeCapBytes > 0 && r.writtenBytes >= r.cfg.SizeCapBytes {
		needRotate = true
	}
	if r.cfg.DurationCap > 0 && r.writtenDuration >= r.cfg.DurationCap {
		needRotate = true
	}

	if time.Since(r.lastFreeSpaceCheck) >= freeSpaceCheckEvery {
		r.lastFreeSpaceCheck = time.Now()
		if free, ok := freeSpaceBytes(filepath.Dir(r.path)); ok && free < minFreeSpaceBytes {
			logger.Warnf(ctx, "recorder: free space below %d bytes on %s", minFreeSpaceBytes, r.path)
			needRotate = true
		}
	}

	if needRotate {
		r.rotate(ctx)
	}
}

// rotate implements rotate(): flush any buffered packets, close out the
// current file cleanly, and reopen with a freshly synthesized name.
func (r *Recorder) rotate(ctx context.Context) {
	logger.Debugf(ctx, "recorder: rotating %s", r.path)
	r.flushPending(ctx)
	r.closeCurrent(ctx)

	order := recorderFormatOrder(r.format.Name)
	for _, fmtCandidate := range order {
		path := r.candidatePath(fmtCandidate.Ext)
		if err := r.tryOpen(ctx, fmtCandidate, path); err != nil {
			logger.Errorf(ctx, "recorder: rotation failed to reopen %s: %v", path, err)
			os.Remove(path)
			continue
		}
		r.startedAt = time.Now()
		return
	}
	logger.Errorf(ctx, "recorder: rotation could not reopen any format, stopping")
	r.closer.Close(ctx)
}

func (r *Recorder) closeCurrent(ctx context.Context) {
	if r.base == nil {
		return
	}
	if err := r.base.FormatContext.WriteTrailer(); err != nil {
		logger.Debugf(ctx, "recorder: writing trailer for %s: %v", r.path, err)
	}
	if r.ioCtx != nil {
		r.ioCtx.Close()
	}
	r.base.FormatContext.Free()
	r.base = nil
	r.ioCtx = nil
}

func (r *Recorder) teardown(ctx context.Context) {
	r.closeCurrent(ctx)
	r.closer.Close(ctx)
}

// freeSpaceBytes reports the free space available on the filesystem
// holding dir.
func freeSpaceBytes(dir string) (uint64, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, false
	}
	return stat.Bavail * uint64(stat.Bsize), true
}
