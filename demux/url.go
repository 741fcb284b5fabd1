package demux

import (
	"os"
	"runtime"
	"strings"
)

const webcamURLPrefix = "avdevice:"

// IsWebcamURL reports whether url names a capture device rather than a
// network or file source, per the "avdevice:[framework]:video=<name>" URL
// grammar.
func IsWebcamURL(url string) bool {
	return strings.HasPrefix(url, webcamURLPrefix)
}

// ParseWebcamURL splits a webcam URL into its capture framework (empty if
// the caller omitted it, in which case the host OS default applies) and
// device name. Both "avdevice:v4l2:video=/dev/video0" (framework given) and
// "avdevice::video=/dev/video0" (framework omitted, hence the doubled
// colon) are accepted.
func ParseWebcamURL(url string) (framework, device string, ok bool) {
	if !IsWebcamURL(url) {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, webcamURLPrefix)
	const videoMarker = ":video="
	if idx := strings.Index(rest, videoMarker); idx >= 0 {
		return rest[:idx], rest[idx+len(videoMarker):], true
	}
	if strings.HasPrefix(rest, "video=") {
		return "", strings.TrimPrefix(rest, "video="), true
	}
	return "", "", false
}

// DefaultWebcamFramework returns the libavdevice input format name a
// webcam URL should use when it did not name one explicitly.
func DefaultWebcamFramework() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "video4linux2"
	}
}

// IsLocalFileURL reports whether url refers to a regular file on the local
// filesystem, as opposed to a network resource.
func IsLocalFileURL(url string) bool {
	if strings.Contains(url, "://") || IsWebcamURL(url) {
		return false
	}
	info, err := os.Stat(url)
	return err == nil && info.Mode().IsRegular()
}

// IsRTSPURL reports whether url uses the RTSP(S) scheme, which needs
// "rtsp_flags=prefer_tcp" set to survive lossy/NAT'd networks.
func IsRTSPURL(url string) bool {
	return strings.HasPrefix(url, "rtsp://") || strings.HasPrefix(url, "rtsps://")
}
