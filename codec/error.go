package codec

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
)

// Error wraps a failure returned by the codec library adapter. Every
// adapter call that can fail returns the raw astiav error unchanged,
// wrapped only to attach which operation produced it; callers decide
// whether and how to recover, per the "single-layer error policy" this
// package follows.
type Error struct {
	Op   string
	Code astiav.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Op, e.Code.Error(), int(e.Code))
}

func (e *Error) Unwrap() error {
	return e.Code
}

// WrapError builds an *Error out of a raw error returned by astiav, tagging
// it with the operation name. If err is not an astiav.Error (or nil), it is
// returned unwrapped so callers still see the original error.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var code astiav.Error
	if errors.As(err, &code) {
		return &Error{Op: op, Code: code}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsEAgain reports whether err is the codec library's "try again" signal.
func IsEAgain(err error) bool {
	return errors.Is(err, astiav.ErrEagain)
}

// IsEOF reports whether err is the codec library's end-of-stream signal.
func IsEOF(err error) bool {
	return errors.Is(err, astiav.ErrEof)
}

// ErrInvalidData is returned when a scale/resample/transcode step fails in
// a way that the media itself is to blame (a zero-sized context, a scale
// call returning zero rows), mirroring libav's AVERROR_INVALIDDATA kind of
// failure without depending on an astiav constant for it.
var ErrInvalidData = errors.New("invalid data")
