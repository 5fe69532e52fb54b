package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

func writePCM16WAV(t *testing.T, path string, samples []int, sampleRate int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func TestIsSilentWAVDetectsSilence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "silent.wav")
	writePCM16WAV(t, path, make([]int, 16000), 16000)

	silent, metrics, err := IsSilentWAV(path, DefaultSilenceThresholdDBFS)
	require.NoError(t, err)
	require.True(t, silent)
	require.True(t, math.IsInf(metrics.RMSdBFS, -1))
	require.True(t, math.IsInf(metrics.PeakdBFS, -1))
	require.EqualValues(t, 16000, metrics.Samples)
	require.Equal(t, time.Second, metrics.Duration)
}

func TestIsSilentWAVDetectsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	samples := make([]int, 16000)
	for i := range samples {
		samples[i] = int(0.25 * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000.0))
	}

	path := filepath.Join(t.TempDir(), "voice.wav")
	writePCM16WAV(t, path, samples, 16000)

	silent, metrics, err := IsSilentWAV(path, DefaultSilenceThresholdDBFS)
	require.NoError(t, err)
	require.False(t, silent)
	require.Greater(t, metrics.PeakdBFS, -20.0)
	require.Greater(t, metrics.RMSdBFS, -20.0)
}

func TestIsSilentWAVInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-wav.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, _, err := IsSilentWAV(path, DefaultSilenceThresholdDBFS)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestNormalizeSample(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, normalizeSample(128, 8))
	require.Equal(t, -1.0, normalizeSample(-32768, 16))
	require.Equal(t, 0.5, normalizeSample(1<<22, 24))
}
