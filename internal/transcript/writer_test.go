package transcript

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterCombinedOnly(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "src", "config", "timestamps.json")
	written, err := NewWriter(Options{CombinedPath: target}).Write(sampleSet())
	require.NoError(t, err)
	require.Equal(t, []string{target}, written)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	expected, err := Encode(sampleSet())
	require.NoError(t, err)
	require.Equal(t, expected, data)
}

func TestWriterPerTakeFiles(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	written, err := NewWriter(Options{Dir: dir}).Write(sampleSet())
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "toma_1_timestamps.json"),
		filepath.Join(dir, "toma_10_timestamps.json"),
		filepath.Join(dir, "toma_2_timestamps.json"),
		filepath.Join(dir, CombinedFileName),
	}, written)

	data, err := os.ReadFile(filepath.Join(dir, "toma_1_timestamps.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"take": 1`)
	require.NotContains(t, string(data), `"toma_1"`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 4, "no temp files may remain")
}

func TestWriterBothModesSharedPathWrittenOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	written, err := NewWriter(Options{Dir: dir, CombinedPath: filepath.Join(dir, CombinedFileName)}).Write(sampleSet())
	require.NoError(t, err)
	require.Len(t, written, 4)
}

func TestWriterIsDeterministic(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "timestamps.json")
	w := NewWriter(Options{CombinedPath: target})

	_, err := w.Write(sampleSet())
	require.NoError(t, err)
	first, err := os.ReadFile(target)
	require.NoError(t, err)

	_, err = w.Write(sampleSet())
	require.NoError(t, err)
	second, err := os.ReadFile(target)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestWriterWithoutDestination(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(Options{}).Write(sampleSet())
	require.ErrorIs(t, err, ErrWrite)
}

func TestWriterUnwritableDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	t.Parallel()

	root := t.TempDir()
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o555))

	_, err := NewWriter(Options{CombinedPath: filepath.Join(locked, "timestamps.json")}).Write(sampleSet())
	require.ErrorIs(t, err, ErrWrite)
}

func TestWriterRemovesStaleTakeFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stale := filepath.Join(dir, "toma_7_timestamps.json")
	padded := filepath.Join(dir, "toma_01_timestamps.json")
	unrelated := filepath.Join(dir, "notes_timestamps.json")
	for _, path := range []string{stale, padded, unrelated} {
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	}

	_, err := NewWriter(Options{Dir: dir}).Write(sampleSet())
	require.NoError(t, err)

	require.NoFileExists(t, stale)
	require.NoFileExists(t, padded)
	require.FileExists(t, unrelated)
	require.FileExists(t, filepath.Join(dir, "toma_2_timestamps.json"))
}

func TestWriterCombinedOnlyLeavesDirectoryAlone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	previous := filepath.Join(dir, "toma_7_timestamps.json")
	require.NoError(t, os.WriteFile(previous, []byte("{}\n"), 0o644))

	_, err := NewWriter(Options{CombinedPath: filepath.Join(dir, CombinedFileName)}).Write(sampleSet())
	require.NoError(t, err)
	require.FileExists(t, previous)
}
