package scaler

import (
	"context"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/codec"
	"github.com/xaionaro-go/lxstreamer/logger"
	"github.com/xaionaro-go/xsync"
)

// cacheKey is the spec's {src_w, src_h, src_pix_fmt, dst_w, dst_h,
// dst_pix_fmt} scaler cache key.
type cacheKey struct {
	srcW, srcH int
	srcPixFmt  astiav.PixelFormat
	dstW, dstH int
	dstPixFmt  astiav.PixelFormat
}

// Cache lazily builds and reuses one Software scale context per distinct
// source/destination resolution and pixel format pair, so that a pipeline
// producing frames at a steady size does not reallocate a scale context
// per frame.
type Cache struct {
	mu    xsync.Mutex
	byKey map[cacheKey]*Software
}

// NewCache returns an empty scaler cache.
func NewCache() *Cache {
	return &Cache{
		byKey: make(map[cacheKey]*Software),
	}
}

// IsWebcamSource tags a caller's intent that the source frames come from a
// webcam device; PerformScale normalizes the destination pixel format to
// YUV420P for webcam sources regardless of the caller-requested format,
// per the spec's "webcam is normalized to YUV420P" rule.
type IsWebcamSource bool

// PerformScale implements the spec's perform_scale(frame, width, height,
// out): width == -1 means "compute aspect-preserving width from the
// source frame's dimensions for the given height"; width and height are
// always forced to even values; for webcam sources the destination pixel
// format is forced to YUV420P regardless of dstPixFmt. The returned frame
// is allocated by the caller (out) and overwritten in place.
func (c *Cache) PerformScale(
	ctx context.Context,
	src *astiav.Frame,
	width, height int,
	dstPixFmt astiav.PixelFormat,
	webcam IsWebcamSource,
	out *astiav.Frame,
) error {
	srcW, srcH := src.Width(), src.Height()
	if srcW == 0 || srcH == 0 {
		return fmt.Errorf("scale: %w: source frame has zero dimensions", codec.ErrInvalidData)
	}

	if width == -1 {
		width = srcW * height / srcH
	}
	dst := codec.Resolution{Width: width, Height: height}.Even()
	if webcam {
		dstPixFmt = astiav.PixelFormatYuv420P
	}

	sw, err := c.get(ctx, codec.Resolution{Width: srcW, Height: srcH}, src.PixelFormat(), dst, dstPixFmt)
	if err != nil {
		return err
	}

	out.SetWidth(dst.Width)
	out.SetHeight(dst.Height)
	out.SetPixelFormat(dstPixFmt)
	if err := out.AllocBuffer(0); err != nil {
		return fmt.Errorf("scale: unable to allocate destination frame buffer: %w", err)
	}
	out.SetPts(src.Pts())
	out.SetTimeBase(src.TimeBase())
	out.SetSampleAspectRatio(src.SampleAspectRatio())

	if err := sw.ScaleFrame(ctx, src, out); err != nil {
		return fmt.Errorf("scale: %w: %w", codec.ErrInvalidData, err)
	}
	return nil
}

func (c *Cache) get(
	ctx context.Context,
	src codec.Resolution,
	srcPixFmt astiav.PixelFormat,
	dst codec.Resolution,
	dstPixFmt astiav.PixelFormat,
) (*Software, error) {
	key := cacheKey{
		srcW: src.Width, srcH: src.Height, srcPixFmt: srcPixFmt,
		dstW: dst.Width, dstH: dst.Height, dstPixFmt: dstPixFmt,
	}
	return xsync.DoA2R2(ctx, &c.mu, c.getLocked, ctx, key)
}

func (c *Cache) getLocked(ctx context.Context, key cacheKey) (*Software, error) {
	if sw, ok := c.byKey[key]; ok {
		return sw, nil
	}
	logger.Debugf(ctx, "creating a new scale context: %dx%d:%s -> %dx%d:%s",
		key.srcW, key.srcH, key.srcPixFmt, key.dstW, key.dstH, key.dstPixFmt)
	sw, err := NewSoftware(
		ctx,
		codec.Resolution{Width: key.srcW, Height: key.srcH}, key.srcPixFmt,
		codec.Resolution{Width: key.dstW, Height: key.dstH}, key.dstPixFmt,
		astiav.SoftwareScaleContextFlagFastBilinear,
	)
	if err != nil {
		return nil, fmt.Errorf("scale: %w: %w", codec.ErrInvalidData, err)
	}
	c.byKey[key] = sw
	return sw, nil
}

// Close releases every cached scale context.
func (c *Cache) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &c.mu, func() error {
		for key, sw := range c.byKey {
			if err := sw.Close(ctx); err != nil {
				logger.Errorf(ctx, "unable to close scaler for %+v: %v", key, err)
			}
			delete(c.byKey, key)
		}
		return nil
	})
}
