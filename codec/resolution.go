package codec

import "fmt"

// Resolution is a video frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// Even returns the resolution rounded down to even width/height, as
// required by most YUV 4:2:0 encoders.
func (r Resolution) Even() Resolution {
	return Resolution{Width: r.Width &^ 1, Height: r.Height &^ 1}
}
