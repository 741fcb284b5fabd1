//go:build debug_trace
// +build debug_trace

// Built with -tags debug_trace, Trace*/Tracef calls reach the real
// go-belt trace logger; otherwise logger_notrace.go compiles them out.
package logger

import (
	"context"

	"github.com/facebookincubator/go-belt/pkg/field"
	"github.com/facebookincubator/go-belt/tool/logger"
)

func TraceFields(ctx context.Context, message string, fields field.AbstractFields) {
	logger.TraceFields(ctx, message, fields)
}

func Trace(ctx context.Context, values ...any) {
	logger.Trace(ctx, values...)
}

func Tracef(ctx context.Context, format string, args ...any) {
	logger.Tracef(ctx, format, args...)
}
