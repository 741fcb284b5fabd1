//go:build !debug_trace
// +build !debug_trace

// Default build: Trace*/Tracef compile to nothing, so the hot paths in
// scaler/resampler that call them cost nothing in production.
package logger

import (
	"context"

	"github.com/facebookincubator/go-belt/pkg/field"
)

func TraceFields(ctx context.Context, message string, fields field.AbstractFields) {}

func Trace(ctx context.Context, values ...any) {}

func Tracef(ctx context.Context, format string, args ...any) {}
