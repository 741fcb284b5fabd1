// Package scaler resizes and reformats decoded video frames so a
// viewer's or an encoder's requested resolution/pixel format is
// satisfied regardless of what the source camera actually produces.
package scaler

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/codec"
)

// Scaler converts frames from one resolution/pixel format to another.
// Software implements it with libswscale; a hardware-backed
// implementation would satisfy the same contract.
type Scaler interface {
	fmt.Stringer
	Close(context.Context) error
	ScaleFrame(ctx context.Context, src *astiav.Frame, dst *astiav.Frame) error
	SourceResolution() codec.Resolution
	SourcePixelFormat() astiav.PixelFormat
	DestinationResolution() codec.Resolution
	DestinationPixelFormat() astiav.PixelFormat
}
