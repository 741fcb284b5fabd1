package writer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestViewerContainerOrderPutsPreferredFirst(t *testing.T) {
	order := viewerContainerOrder("mpegts")
	require.Equal(t, []string{"mpegts", "matroska", "flv"}, order)
}

func TestViewerContainerOrderNoPreference(t *testing.T) {
	order := viewerContainerOrder("")
	require.Equal(t, viewerFallbackContainers, order)
}

func TestViewerContainerOrderPreferredAlreadyInFallbackList(t *testing.T) {
	order := viewerContainerOrder("flv")
	require.Equal(t, []string{"flv", "matroska", "mpegts"}, order)

	seen := map[string]bool{}
	for _, f := range order {
		require.False(t, seen[f], "duplicate container %s", f)
		seen[f] = true
	}
}
