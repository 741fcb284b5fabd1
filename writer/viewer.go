package writer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/helpers/closuresignaler"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/observability"
)

// viewerQueueCapacity bounds a Viewer's packet queue; producers drop
// packets once it fills up rather than blocking the dispatch thread.
const viewerQueueCapacity = 256

// viewerFallbackContainers is the container preference order start()
// falls back through once the source's own chosen container is rejected.
var viewerFallbackContainers = []string{"matroska", "mpegts", "flv"}

// viewerResponsePreamble always advertises video/mp4, whichever container
// start() ends up muxing; clients are expected to be lenient about it.
const viewerResponsePreamble = "HTTP/1.1 200 OK\r\n" +
	"Server: lxstreamer/1.1\r\n" +
	"Connection: Close\r\n" +
	"Content-Type: video/mp4\r\n" +
	"\r\n"

// ViewerConfig carries the per-connection identity a Viewer is created
// with and the HTTP connection it now owns exclusively, hijacked away
// from the net/http server's own read/write loop.
type ViewerConfig struct {
	Path       string
	Query      string
	SourceName string
	Session    string

	Conn     net.Conn
	Buffered *bufio.ReadWriter

	// PreferredFormat is the source's own chosen container name, tried
	// before the fixed fallback order.
	PreferredFormat string
}

// Viewer is the writer_base specialization described for an HTTP client:
// it muxes a source's packets into a container chosen on start and
// streams the container bytes to a hijacked connection behind a one-time
// HTTP response preamble.
type Viewer struct {
	cfg ViewerConfig

	base   *Base
	format string
	ioCtx  *astiav.IOContext
	pipeR  *os.File
	pipeW  *os.File

	queue  chan *astiav.Packet
	closer *closuresignaler.ClosureSignaler
}

// NewViewer builds a Viewer; call Start once the owning source has
// opened its demuxer and is ready to describe its input streams.
func NewViewer(cfg ViewerConfig) *Viewer {
	return &Viewer{
		cfg:    cfg,
		queue:  make(chan *astiav.Packet, viewerQueueCapacity),
		closer: closuresignaler.New(),
	}
}

func (v *Viewer) SourceName() string { return v.cfg.SourceName }
func (v *Viewer) Session() string    { return v.cfg.Session }

// Done reports the channel that closes once the viewer has torn itself
// down, for the source controller's idle/cleanup pass.
func (v *Viewer) Done() <-chan struct{} { return v.closer.CloseChan() }

// Close tears the viewer down without waiting for its write to drain.
func (v *Viewer) Close(ctx context.Context) { v.closer.Close(ctx) }

// Enqueue clones pkt onto the viewer's bounded write queue, dropping it
// if the queue is already full, per the overflow policy producers use
// for every bounded packet queue in this design.
func (v *Viewer) Enqueue(pkt *astiav.Packet) bool {
	clone := astiav.AllocPacket()
	if err := clone.Ref(pkt); err != nil {
		clone.Free()
		return false
	}
	select {
	case v.queue <- clone:
		return true
	default:
		clone.Unref()
		clone.Free()
		return false
	}
}

// Start implements start(): try output containers in preference order,
// wire the pipe that carries muxed bytes to the hijacked connection, and
// spawn the forwarding and the muxing-loop goroutines.
func (v *Viewer) Start(
	ctx context.Context,
	inputStreams []*astiav.Stream,
	target encoding.Pair,
	lookupEncoder EncoderLookup,
) error {
	order := viewerContainerOrder(v.cfg.PreferredFormat)

	var lastErr error
	for _, format := range order {
		if err := v.tryOpen(ctx, format, inputStreams, target, lookupEncoder); err != nil {
			logger.Debugf(ctx, "viewer: container %q rejected: %v", format, err)
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("no acceptable output container for viewer: %w", lastErr)
	}

	observability.Go(ctx, func(ctx context.Context) { v.forward(ctx) })
	observability.Go(ctx, func(ctx context.Context) { v.run(ctx) })
	return nil
}

func viewerContainerOrder(preferred string) []string {
	order := make([]string, 0, len(viewerFallbackContainers)+1)
	if preferred != "" {
		order = append(order, preferred)
	}
	for _, f := range viewerFallbackContainers {
		if f != preferred {
			order = append(order, f)
		}
	}
	return order
}

// tryOpen allocates a fresh output context for format, routes its muxed
// bytes into an *os.File pipe (the closest idiomatic-Go stand-in for a
// memory-buffer I/O context backed by a write callback), builds the
// output streams and writes the header. Any failure frees everything it
// allocated so the caller can try the next container.
func (v *Viewer) tryOpen(
	ctx context.Context,
	format string,
	inputStreams []*astiav.Stream,
	target encoding.Pair,
	lookupEncoder EncoderLookup,
) (_err error) {
	oc, err := astiav.AllocOutputFormatContext(nil, format, "")
	if err != nil || oc == nil {
		return fmt.Errorf("allocating %s output context: %w", format, err)
	}
	defer func() {
		if _err != nil {
			oc.Free()
		}
	}()

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}
	defer func() {
		if _err != nil {
			pr.Close()
			pw.Close()
		}
	}()

	pb, err := astiav.OpenIOContext(fmt.Sprintf("pipe:%d", pw.Fd()), astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		return fmt.Errorf("opening %s pipe io context: %w", format, err)
	}
	oc.SetPb(pb)

	base := NewBase(KindView, oc)
	if err := base.MakeOutputStreams(ctx, inputStreams, target, lookupEncoder); err != nil {
		pb.Close()
		return fmt.Errorf("building %s output streams: %w", format, err)
	}

	setMetadataTags(oc, v.cfg.SourceName)

	if err := oc.WriteHeader(nil); err != nil {
		pb.Close()
		return fmt.Errorf("writing %s header: %w", format, err)
	}

	v.base = base
	v.format = format
	v.ioCtx = pb
	v.pipeR = pr
	v.pipeW = pw
	return nil
}

// forward drains the muxer's pipe and streams it to the hijacked
// connection, prepending the one-time HTTP response preamble ahead of
// the first chunk of container bytes. Any write failure closes the
// viewer down, the role the spec assigns the write callback's negative
// return.
func (v *Viewer) forward(ctx context.Context) {
	defer v.closer.Close(ctx)

	var w io.Writer = v.cfg.Conn
	if v.cfg.Buffered != nil {
		w = v.cfg.Buffered.Writer
	}

	if err := v.flushTo(w, []byte(viewerResponsePreamble)); err != nil {
		logger.Debugf(ctx, "viewer: writing response preamble: %v", err)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := v.pipeR.Read(buf)
		if n > 0 {
			if werr := v.flushTo(w, buf[:n]); werr != nil {
				logger.Debugf(ctx, "viewer: connection write failed, closing: %v", werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (v *Viewer) flushTo(w io.Writer, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// run is the viewer's muxing loop: wait for a packet on the bounded
// queue, write it, and tear the whole viewer down on the first failure.
func (v *Viewer) run(ctx context.Context) {
	defer v.finish(ctx)
	for {
		select {
		case <-v.closer.CloseChan():
			return
		case pkt, ok := <-v.queue:
			if !ok {
				return
			}
			err := v.base.WritePacket(ctx, pkt)
			pkt.Unref()
			pkt.Free()
			if err != nil {
				logger.Debugf(ctx, "viewer: write failed, tearing down: %v", err)
				return
			}
		}
	}
}

// finish implements the trailer-and-teardown step: FLV is stream-
// oriented and has no trailer to write, every other container gets one.
func (v *Viewer) finish(ctx context.Context) {
	if v.format != "flv" {
		if err := v.base.FormatContext.WriteTrailer(); err != nil {
			logger.Debugf(ctx, "viewer: writing trailer: %v", err)
		}
	}
	v.ioCtx.Close()
	v.pipeW.Close()
	v.base.FormatContext.Free()
	v.closer.Close(ctx)
}
