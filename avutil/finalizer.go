// Package avutil provides small cross-package helpers shared by the
// codec/decoder/scaler/resampler/writer layers: GC-backstop finalizers for
// astiav objects, an assertion helper, and a generic pointer-of helper.
package avutil

import (
	"context"
	"runtime"

	"github.com/xaionaro-go/lxstreamer/logger"
)

// SetFinalizerFree registers a GC finalizer that calls Free() on obj.
//
// This is a backstop, not a substitute for an explicit Free() on every
// exit path: by the time the finalizer runs, the underlying libav
// resource may have sat around for a full GC cycle.
func SetFinalizerFree[T interface{ Free() }](ctx context.Context, obj T) {
	runtime.SetFinalizer(obj, func(obj T) {
		logger.Debugf(ctx, "freeing %T", obj)
		obj.Free()
	})
}

// SetFinalizer registers an arbitrary GC finalizer callback for obj.
func SetFinalizer[T any](ctx context.Context, obj T, callback func(T)) {
	runtime.SetFinalizer(obj, callback)
}
