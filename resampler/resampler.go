// Package resampler builds and caches audio filter graphs that resample
// one source sample format/rate/layout into a destination one, using the
// codec library's own abuffer -> aformat -> asetnsamples -> asetpts ->
// abuffersink filter chain rather than the lower-level SoftwareResample
// primitives.
package resampler

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/avutil"
	"github.com/xaionaro-go/lxstreamer/codec"
	"github.com/xaionaro-go/lxstreamer/helpers/closuresignaler"
	"github.com/xaionaro-go/lxstreamer/logger"
)

// Format describes one side (source or destination) of a resample
// operation.
type Format struct {
	SampleFormat  astiav.SampleFormat
	SampleRate    int
	ChannelLayout astiav.ChannelLayout
	FrameSize     int
	TimeBase      astiav.Rational
}

// Resampler wraps one abuffer->aformat->asetnsamples->asetpts->abuffersink
// filter graph converting frames from Src to Dst.
type Resampler struct {
	*closuresignaler.ClosureSignaler
	graph    *astiav.FilterGraph
	srcCtx   *astiav.BuffersrcFilterContext
	sinkCtx  *astiav.BuffersinkFilterContext
	Src      Format
	Dst      Format
	basePTS  int64
	haveBase bool
}

// New builds the filter graph described in the spec: an abuffer source
// carrying src's parameters, an aformat converting to dst's sample
// format/rate/layout, asetnsamples chunking output frames to dst.FrameSize
// samples, asetpts regenerating PTS from the sample count, and an
// abuffersink.
func New(ctx context.Context, src, dst Format) (_ret *Resampler, _err error) {
	logger.Debugf(ctx, "New: %+v -> %+v", src, dst)
	defer func() { logger.Debugf(ctx, "/New: %v %v", src, dst, _err) }()

	if src.ChannelLayout.String() == "" {
		src.ChannelLayout = defaultChannelLayout(src.ChannelLayout.Channels())
	}

	graph := astiav.AllocFilterGraph()
	if graph == nil {
		return nil, fmt.Errorf("unable to allocate a filter graph")
	}
	avutil.SetFinalizerFree(ctx, graph)

	abuffer := astiav.FindFilterByName("abuffer")
	abuffersink := astiav.FindFilterByName("abuffersink")
	if abuffer == nil || abuffersink == nil {
		graph.Free()
		return nil, fmt.Errorf("abuffer/abuffersink filters are not registered")
	}

	srcCtx, err := graph.NewBuffersrcFilterContext(abuffer, "in")
	if err != nil {
		graph.Free()
		return nil, fmt.Errorf("unable to create the abuffer context: %w", err)
	}

	params := astiav.AllocBuffersrcFilterContextParameters()
	defer params.Free()
	params.SetTimeBase(src.TimeBase)
	params.SetSampleRate(src.SampleRate)
	params.SetSampleFormat(src.SampleFormat)
	params.SetChannelLayout(src.ChannelLayout)
	if err := srcCtx.SetParameters(params); err != nil {
		graph.Free()
		return nil, fmt.Errorf("unable to set abuffer parameters: %w", err)
	}
	if err := srcCtx.Initialize(nil); err != nil {
		graph.Free()
		return nil, fmt.Errorf("unable to initialize abuffer: %w", err)
	}

	sinkCtx, err := graph.NewBuffersinkFilterContext(abuffersink, "out")
	if err != nil {
		graph.Free()
		return nil, fmt.Errorf("unable to create the abuffersink context: %w", err)
	}

	outputs := astiav.AllocFilterInOut()
	defer outputs.Free()
	outputs.SetName("in")
	outputs.SetFilterContext(srcCtx.FilterContext())
	outputs.SetPadIdx(0)
	outputs.SetNext(nil)

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(sinkCtx.FilterContext())
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	content := fmt.Sprintf(
		"[in]aformat=sample_fmts=%s:sample_rates=%d:channel_layouts=%s,asetnsamples=n=%d,asetpts=N/SR/TB[out]",
		dst.SampleFormat, dst.SampleRate, dst.ChannelLayout, dst.FrameSize,
	)
	if err := graph.Parse(content, inputs, outputs); err != nil {
		graph.Free()
		return nil, fmt.Errorf("unable to parse filter graph %q: %w", content, err)
	}
	if err := graph.Configure(); err != nil {
		graph.Free()
		return nil, fmt.Errorf("unable to configure filter graph: %w", err)
	}

	return &Resampler{
		ClosureSignaler: closuresignaler.New(),
		graph:           graph,
		srcCtx:          srcCtx,
		sinkCtx:         sinkCtx,
		Src:             src,
		Dst:             dst,
	}, nil
}

func defaultChannelLayout(channels int) astiav.ChannelLayout {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono
	default:
		return astiav.ChannelLayoutStereo
	}
}

func (r *Resampler) String() string {
	return fmt.Sprintf("Resampler(%dHz %s %s -> %dHz %s %s)",
		r.Src.SampleRate, r.Src.SampleFormat, r.Src.ChannelLayout,
		r.Dst.SampleRate, r.Dst.SampleFormat, r.Dst.ChannelLayout,
	)
}

func (r *Resampler) Close(ctx context.Context) error {
	r.ClosureSignaler.Close(ctx)
	return nil
}

// MakeFrames pushes src into the filter graph and drains every output
// frame the graph currently has ready. Per the spec, the first output
// frame's PTS is rebased to src's PTS, and every subsequent frame keeps
// the offset the filter graph itself produced; each output frame's
// duration is its sample count and its time base is the sink's time base.
func (r *Resampler) MakeFrames(ctx context.Context, src *astiav.Frame) (_ret []*astiav.Frame, _err error) {
	logger.Tracef(ctx, "MakeFrames")
	defer func() { logger.Tracef(ctx, "/MakeFrames: %d frames, %v", len(_ret), _err) }()

	if r.IsClosed() {
		return nil, fmt.Errorf("resampler is closed")
	}

	if err := r.srcCtx.AddFrame(src, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef)); err != nil {
		return nil, fmt.Errorf("unable to push frame into the resample graph: %w", err)
	}

	var out []*astiav.Frame
	for {
		f := astiav.AllocFrame()
		err := r.sinkCtx.GetFrame(f, astiav.NewBuffersinkFlags())
		if err != nil {
			f.Free()
			if err == astiav.ErrEagain || codec.IsEOF(err) {
				break
			}
			return out, fmt.Errorf("unable to pull frame from the resample graph: %w", err)
		}

		f.SetDuration(int64(f.NbSamples()))
		f.SetTimeBase(r.sinkCtx.TimeBase())
		if !r.haveBase {
			r.basePTS = src.Pts() - f.Pts()
			r.haveBase = true
		}
		f.SetPts(f.Pts() + r.basePTS)
		out = append(out, f)
	}
	return out, nil
}

// Prune reports whether idleFor exceeds the spec's 5-second idle window
// for resample graphs, i.e. whether the caller should drop this instance
// from its cache.
func Prune(idleFor int64, idleThresholdSeconds int64) bool {
	return idleFor > idleThresholdSeconds
}
