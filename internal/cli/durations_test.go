package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDurationsWritesReport(t *testing.T) {
	t.Parallel()

	audioDir := t.TempDir()
	touchFiles(t, audioDir, "toma_1.m4a", "toma_2.m4a", "toma_3.m4a")
	output := filepath.Join(t.TempDir(), "config", "durations.json")

	probed := map[string]float64{"toma_1.m4a": 12.5, "toma_2.m4a": 3.0}
	app := newAppState()
	app.probeFn = func(_ context.Context, path string) (float64, error) {
		seconds, ok := probed[filepath.Base(path)]
		if !ok {
			return 0, errors.New("ffprobe: Invalid data found when processing input")
		}
		return seconds, nil
	}

	stdout, _, err := runApp(t, app, []string{"durations", "--audio-dir", audioDir, "--durations-file", output})
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"durations": [12.5, 3, 0],
		"durationsInSeconds": [13, 3, 0],
		"totalDuration": 15.5
	}`, string(data))

	require.Contains(t, stdout, "toma_1: 12.500 seconds")
	require.Contains(t, stdout, "toma_3: 0.000 seconds")
	require.Contains(t, stdout, "Total duration: 15.500 seconds")
}

func TestDurationsWithoutTakes(t *testing.T) {
	t.Parallel()

	output := filepath.Join(t.TempDir(), "durations.json")
	stdout, _, err := runCommand(t, []string{"durations", "--audio-dir", t.TempDir(), "--durations-file", output})
	require.Error(t, err)
	require.Contains(t, stdout, "No audio files found!")
	require.NoFileExists(t, output)
}
