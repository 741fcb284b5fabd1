package logger

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// FromCtx returns the logger stashed in ctx, or a no-op logger if none
// was attached.
func FromCtx(ctx context.Context) logger.Logger {
	return logger.FromCtx(ctx)
}

// CtxWithLogger returns a derived context carrying l, the logger every
// lxstreamer package reads back out via FromCtx/the package-level
// Debugf/Infof/... helpers below.
func CtxWithLogger(ctx context.Context, l logger.Logger) context.Context {
	return logger.CtxWithLogger(ctx, l)
}
