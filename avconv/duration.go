// Package avconv converts between FFmpeg timestamps and time.Duration,
// the unit the recorder tracks elapsed media time in.
package avconv

import (
	"math"
	"time"

	"github.com/asticode/go-astiav"
)

// noPTSValue mirrors AV_NOPTS_VALUE: see
// https://ffmpeg.org/doxygen/trunk/group__lavu__time.html#ga2eaefe702f95f619ea6f2d08afa01be1
const noPTSValue = uint64(0x8000000000000000)

const noDuration = time.Duration(math.MinInt64)

// Duration converts a stream timestamp in timeBase units to a Duration.
func Duration(t int64, timeBase astiav.Rational) time.Duration {
	if uint64(t) == noPTSValue {
		return noDuration
	}
	return time.Duration(float64(t) * timeBase.Float64() * float64(time.Second))
}

// FromDuration is the inverse of Duration: it converts an elapsed
// Duration into a timestamp expressed in timeBase units, the form the
// muxer/recorder's packet timestamps need.
func FromDuration(d time.Duration, timeBase astiav.Rational) int64 {
	if d == noDuration {
		return math.MinInt64
	}
	return int64(d.Seconds() / timeBase.Float64())
}
