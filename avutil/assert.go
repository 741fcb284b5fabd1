package avutil

import (
	"context"

	"github.com/xaionaro-go/lxstreamer/logger"
)

// Assert panics (via the logger, so the panic is recorded) if mustBeTrue is
// false. Used for internal invariants that would otherwise be silent data
// corruption, never for validating external input.
func Assert(ctx context.Context, mustBeTrue bool, extraArgs ...any) {
	if mustBeTrue {
		return
	}
	logger.Panic(ctx, "assertion failed", extraArgs)
}
