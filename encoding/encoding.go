// Package encoding defines the Encoding value type: the configuration of
// one output stream's codec and parameters, which doubles as the cache key
// for the encoder pool, the scaler and the resampler.
package encoding

import (
	"fmt"

	"github.com/xaionaro-go/lxstreamer/codec"
)

// Codec identifies a codec by name. The named constants are partitioned
// into video codecs (those declared before audioBoundary) and audio codecs
// (those declared after it); IsVideo lists the video ones explicitly and
// every other non-unknown Codec counts as audio.
type Codec string

const (
	CodecUnknown Codec = ""

	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
	CodecMJPEG Codec = "mjpeg"

	audioBoundary Codec = "\x00audio-boundary\x00"

	CodecAAC  Codec = "aac"
	CodecMP3  Codec = "mp3"
	CodecMP2  Codec = "mp2"
	CodecAC3  Codec = "ac3"
	CodecOpus Codec = "opus"
	CodecPCMS16LE Codec = "pcm_s16le"
)

// IsVideo reports whether c names a video codec. Unknown is neither video
// nor audio; callers must check IsVideo/IsAudio explicitly rather than
// assuming "not video implies audio".
func (c Codec) IsVideo() bool {
	switch c {
	case CodecH264, CodecHEVC, CodecVP8, CodecVP9, CodecAV1, CodecMJPEG:
		return true
	}
	return false
}

// IsAudio reports whether c names an audio codec.
func (c Codec) IsAudio() bool {
	return c != CodecUnknown && c != audioBoundary && !c.IsVideo()
}

func (c Codec) String() string {
	if c == CodecUnknown {
		return "unknown"
	}
	return string(c)
}

// Encoding is the value-typed description of one output's codec and
// parameters. It is deliberately a plain comparable struct (no slices,
// maps or pointers) so that Go's built-in struct equality and its use as a
// map key give us, for free, the spec's requirement that every field
// (including the textual ones) participate in cache-key equality.
//
// Two Encodings differing only in MaxBitrateKbps are, by design, different
// cache keys: bitrate is not hashed with "lesser weight", it is just
// another field.
type Encoding struct {
	Codec          Codec
	Width          int
	Height         int
	MaxBitrateKbps int
	FrameRate      float64
	SampleRate     int
	SampleFmt      string
	ChannelLayout  string
}

// Valid reports whether this Encoding describes an enabled output for its
// media type. The zero Encoding (Codec == CodecUnknown) means "disabled
// for this media type", per the spec's data model.
func (e Encoding) Valid() bool {
	return e.Codec != CodecUnknown
}

func (e Encoding) String() string {
	if !e.Valid() {
		return "Encoding(disabled)"
	}
	if e.Codec.IsVideo() {
		return fmt.Sprintf("Encoding(%s %dx%d @%gfps, %dkbps)", e.Codec, e.Width, e.Height, e.FrameRate, e.MaxBitrateKbps)
	}
	return fmt.Sprintf("Encoding(%s %dHz %s %s)", e.Codec, e.SampleRate, e.SampleFmt, e.ChannelLayout)
}

// Resolution returns the video resolution this Encoding targets.
func (e Encoding) Resolution() codec.Resolution {
	return codec.Resolution{Width: e.Width, Height: e.Height}
}

// Pair bundles the view (or record) encoding configuration for both media
// types of one source, matching the spec's "view_encoding"/"record_encoding"
// pair of {video, audio} Encodings.
type Pair struct {
	Video Encoding
	Audio Encoding
}

// ForCodec returns the Encoding of pr that matches c's media type, and
// whether that media type has an entry at all (video codecs select
// pr.Video, audio codecs select pr.Audio).
func (pr Pair) ForCodec(c Codec) (Encoding, bool) {
	switch {
	case c.IsVideo():
		return pr.Video, true
	case c.IsAudio():
		return pr.Audio, true
	default:
		return Encoding{}, false
	}
}

// DefaultView fills in the spec's documented defaults for a view encoding
// that was left (partially) unset by SourceArgs: codec=h264,
// max_bitrate_kbps=2000.
func DefaultView(e Encoding) Encoding {
	if e.Codec == CodecUnknown {
		e.Codec = CodecH264
	}
	if e.MaxBitrateKbps == 0 {
		e.MaxBitrateKbps = 2000
	}
	return e
}
