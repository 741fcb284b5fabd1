package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveRecorderFormatAliases(t *testing.T) {
	require.Equal(t, "matroska", resolveRecorderFormat("mkv"))
	require.Equal(t, "mpegts", resolveRecorderFormat("ts"))
	require.Equal(t, "mp4", resolveRecorderFormat("mp4"))
}

func TestRecorderFormatOrderPutsPreferredFirst(t *testing.T) {
	order := recorderFormatOrder("mkv")
	require.Equal(t, "matroska", order[0].Name)
	require.Len(t, order, len(recorderFallbackFormats))

	seen := map[string]bool{}
	for _, f := range order {
		require.False(t, seen[f.Name], "duplicate format %s", f.Name)
		seen[f.Name] = true
	}
}

func TestRecorderFormatOrderNoPreference(t *testing.T) {
	order := recorderFormatOrder("")
	require.Equal(t, recorderFallbackFormats, order)
}

func TestCandidatePathReusesExistingFile(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.mkv")
	require.NoError(t, os.WriteFile(existing, nil, 0o644))

	r := &Recorder{cfg: RecordOptions{Path: existing}, sourceName: "cam1"}
	require.Equal(t, existing, r.candidatePath("mkv"))
}

func TestCandidatePathSynthesizesNameUnderDirectory(t *testing.T) {
	dir := t.TempDir()
	r := &Recorder{cfg: RecordOptions{Path: dir}, sourceName: "cam1"}
	path := r.candidatePath("mp4")
	require.Equal(t, dir, filepath.Dir(path))
	require.Contains(t, filepath.Base(path), "cam1-")
	require.Contains(t, filepath.Base(path), ".mp4")
}

func TestCandidatePathDefaultsUnderAppDir(t *testing.T) {
	r := &Recorder{cfg: RecordOptions{}, sourceName: "cam1", appDir: "/srv/lxstreamer"}
	path := r.candidatePath("mp4")
	require.Equal(t, "/srv/lxstreamer/records/cam1", filepath.Dir(path))
}
