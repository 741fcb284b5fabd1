package streamer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/lxstreamer/apierror"
	"github.com/xaionaro-go/lxstreamer/source"
)

func TestAddSourceRejectsEmptyName(t *testing.T) {
	s := New(0, false, t.TempDir())
	err := s.AddSource(context.Background(), source.Args{URL: "rtsp://example.invalid/stream"})
	require.NotNil(t, err)
	require.Equal(t, apierror.InvalidArgument, err.Kind)
}

func TestAddSourceRejectsDuplicateName(t *testing.T) {
	s := New(0, false, t.TempDir())
	ctx := context.Background()
	args := source.Args{Name: "cam1", URL: "rtsp://example.invalid/stream"}
	require.Nil(t, s.AddSource(ctx, args))
	t.Cleanup(func() { s.RemoveSource(ctx, "cam1") })
	err := s.AddSource(ctx, args)
	require.NotNil(t, err)
	require.Equal(t, apierror.AlreadyExists, err.Kind)
}

func TestRemoveUnknownSourceReturnsNotFound(t *testing.T) {
	s := New(0, false, t.TempDir())
	err := s.RemoveSource(context.Background(), "missing")
	require.NotNil(t, err)
	require.Equal(t, apierror.NotFound, err.Kind)
}

func TestSourcesRoundTrip(t *testing.T) {
	s := New(0, false, t.TempDir())
	ctx := context.Background()
	require.Nil(t, s.AddSource(ctx, source.Args{Name: "cam1", URL: "rtsp://example.invalid/stream"}))
	require.Equal(t, []string{"cam1"}, s.Sources())
	require.Nil(t, s.RemoveSource(ctx, "cam1"))
	require.Empty(t, s.Sources())
}

func TestStopRecordingWithoutStartReturnsAlreadyDone(t *testing.T) {
	s := New(0, false, t.TempDir())
	ctx := context.Background()
	require.Nil(t, s.AddSource(ctx, source.Args{Name: "cam1", URL: "rtsp://example.invalid/stream"}))
	t.Cleanup(func() { s.RemoveSource(ctx, "cam1") })
	err := s.StopRecording(ctx, "cam1")
	require.NotNil(t, err)
	require.Equal(t, apierror.AlreadyDone, err.Kind)
}

func TestSeekOnUnknownSourceReturnsNotFound(t *testing.T) {
	s := New(0, false, t.TempDir())
	err := s.Seek(context.Background(), "missing", 30)
	require.NotNil(t, err)
	require.Equal(t, apierror.NotFound, err.Kind)
}
