package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/lxstreamer/demux"
	"github.com/xaionaro-go/lxstreamer/encoding"
)

const sampleYAML = `
Port: 8080
HTTPS: false
Sources:
  - Name: cam1
    URL: rtsp://example.invalid/stream
    AuthSession: secret
    View:
      Video:
        Codec: h264
        MaxBitrateKbps: 1500
    Record:
      RecordAudio: true
      Path: /var/lib/lxstreamer/records
      SizeCapMB: 500
      WriteIntervalSec: 5
`

func TestLoadParsesSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 8080, f.Port)
	require.Len(t, f.Sources, 1)
	require.Equal(t, "cam1", f.Sources[0].Name)
}

func TestToSourceArgsConvertsEncodingAndSpeedClock(t *testing.T) {
	src := Source{
		Name: "cam1",
		URL:  "rtsp://example.invalid/stream",
		View: &EncodingPair{Video: &Encoding{Codec: "h264", MaxBitrateKbps: 1500}},
	}
	args := src.ToSourceArgs()
	require.Equal(t, "cam1", args.Name)
	require.Equal(t, encoding.CodecH264, args.ViewEncoding.Video.Codec)
	require.Equal(t, 1500, args.ViewEncoding.Video.MaxBitrateKbps)
	require.Equal(t, demux.SpeedClockPerStream, args.SpeedClockMode)
}

func TestToRecordOptionsAbsentWhenNoRecordBlock(t *testing.T) {
	src := Source{Name: "cam1"}
	_, ok := src.ToRecordOptions()
	require.False(t, ok)
}

func TestToRecordOptionsConvertsUnits(t *testing.T) {
	src := Source{
		Record: &Record{
			Path:             "/records",
			SizeCapMB:        500,
			WriteIntervalSec: 5,
		},
	}
	opts, ok := src.ToRecordOptions()
	require.True(t, ok)
	require.Equal(t, int64(500*1024*1024), opts.SizeCapBytes)
	require.Equal(t, "/records", opts.Path)
}
