package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const DefaultSilenceThresholdDBFS = -65

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
	Duration time.Duration
}

// IsSilentWAV reports whether the PCM WAV at path stays below thresholdDBFS
// (RMS) with peaks no more than 6 dB above it.
func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	metrics, err := AnalyzeWAV(path)
	if err != nil {
		return false, SilenceMetrics{}, err
	}

	if metrics.Samples == 0 {
		return true, metrics, nil
	}

	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics, nil
	}

	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics, nil
}

func AnalyzeWAV(path string) (SilenceMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return SilenceMetrics{}, ErrInvalidWAV
	}
	if dec.WavAudioFormat != 1 {
		return SilenceMetrics{}, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, dec.WavAudioFormat)
	}

	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return SilenceMetrics{}, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedWAV, bitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}

	var duration time.Duration
	if dec.SampleRate > 0 && dec.NumChans > 0 {
		frames := len(buf.Data) / int(dec.NumChans)
		duration = time.Duration(float64(frames) / float64(dec.SampleRate) * float64(time.Second))
	}

	if len(buf.Data) == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1), Duration: duration}, nil
	}

	var peak, sumSquares float64
	for _, raw := range buf.Data {
		value := normalizeSample(raw, bitDepth)
		abs := math.Abs(value)
		if abs > peak {
			peak = abs
		}
		sumSquares += value * value
	}

	samples := int64(len(buf.Data))
	rms := math.Sqrt(sumSquares / float64(samples))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  samples,
		Duration: duration,
	}, nil
}

// normalizeSample maps a decoded sample to [-1, 1]. 8-bit WAV is unsigned.
func normalizeSample(v int, bitDepth int) float64 {
	if bitDepth == 8 {
		return (float64(v) - 128.0) / 128.0
	}
	return float64(v) / math.Exp2(float64(bitDepth-1))
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
