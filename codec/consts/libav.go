// Package consts provides the handful of libav magic values the rest of
// lxstreamer needs to compare against directly, instead of importing
// astiav everywhere just for these two symbols.
package consts

import (
	"github.com/asticode/go-astiav"
)

const (
	// NoPTSValue is libav's sentinel for "no timestamp set".
	NoPTSValue = astiav.NoPtsValue
	// TimeBase is libav's internal high-resolution time base (AV_TIME_BASE).
	TimeBase = astiav.TimeBase
)

// HasPTS reports whether v is a real timestamp rather than the no-value
// sentinel.
func HasPTS(v int64) bool {
	return v != int64(NoPTSValue)
}
