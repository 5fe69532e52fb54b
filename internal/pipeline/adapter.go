package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fmueller/takestamps/internal/audio"
	"github.com/fmueller/takestamps/internal/takes"
	"github.com/fmueller/takestamps/internal/transcript"
	"github.com/fmueller/takestamps/internal/whisper"
	"go.uber.org/zap"
)

var ErrTranscription = errors.New("transcription failed")

// Decoder prepares an input for engines that only read WAV.
type Decoder interface {
	ToWAV(ctx context.Context, inputPath string) (string, func(), error)
}

type wavOnly interface {
	RequiresWAV() bool
}

type AdapterOptions struct {
	Engine   whisper.Engine
	Language string
	// Decoder is required when the engine only reads WAV. Otherwise it only
	// feeds the silence gate, which is skipped when decoding fails.
	Decoder Decoder
	// SilenceGate skips the engine for takes whose audio never rises above
	// SilenceDBFS and records them as empty.
	SilenceGate bool
	SilenceDBFS float64
	Logger      *zap.Logger
}

type Adapter struct {
	opts AdapterOptions
}

func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	if opts.Engine == nil {
		return nil, errors.New("transcription engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SilenceDBFS == 0 {
		opts.SilenceDBFS = audio.DefaultSilenceThresholdDBFS
	}
	return &Adapter{opts: opts}, nil
}

// Transcribe runs the engine for one take and maps its result. Errors wrap
// ErrTranscription.
func (a *Adapter) Transcribe(ctx context.Context, in takes.AudioInput) (transcript.Record, error) {
	path := in.Path

	key := transcript.Key(in.TakeID)
	engineWAV := a.engineNeedsWAV()
	switch {
	case engineWAV:
		if a.opts.Decoder == nil {
			return transcript.Record{}, fmt.Errorf("%w: %s: engine needs WAV input but no decoder is configured", ErrTranscription, key)
		}
		wavPath, cleanup, err := a.opts.Decoder.ToWAV(ctx, in.Path)
		if err != nil {
			return transcript.Record{}, fmt.Errorf("%w: %s: %w", ErrTranscription, key, err)
		}
		defer cleanup()
		path = wavPath

		if a.opts.SilenceGate && a.silent(in, wavPath) {
			return transcript.Record{Take: in.TakeID}, nil
		}
	case a.opts.SilenceGate && a.opts.Decoder != nil:
		// The engine reads the original file; the WAV copy only feeds the gate.
		wavPath, cleanup, err := a.opts.Decoder.ToWAV(ctx, in.Path)
		if err != nil {
			a.opts.Logger.Warn("silence gate unavailable for take; continuing transcription", zap.String("take", key), zap.Error(err))
			break
		}
		defer cleanup()

		if a.silent(in, wavPath) {
			return transcript.Record{Take: in.TakeID}, nil
		}
	}

	result, err := a.opts.Engine.Transcribe(ctx, whisper.TranscriptionRequest{
		AudioPath:      path,
		Language:       a.opts.Language,
		WordTimestamps: true,
	})
	if err != nil {
		return transcript.Record{}, fmt.Errorf("%w: %s: %w", ErrTranscription, key, err)
	}

	return ToRecord(in.TakeID, result), nil
}

func (a *Adapter) engineNeedsWAV() bool {
	w, ok := a.opts.Engine.(wavOnly)
	return ok && w.RequiresWAV()
}

func (a *Adapter) silent(in takes.AudioInput, wavPath string) bool {
	silent, metrics, err := audio.IsSilentWAV(wavPath, a.opts.SilenceDBFS)
	if err != nil {
		a.opts.Logger.Warn("silence gate analysis failed; continuing transcription", zap.String("take", transcript.Key(in.TakeID)), zap.Error(err))
		return false
	}
	if silent {
		a.opts.Logger.Info(
			"audio considered silent; skipping transcription",
			zap.String("take", transcript.Key(in.TakeID)),
			zap.Float64("rms_dbfs", metrics.RMSdBFS),
			zap.Float64("peak_dbfs", metrics.PeakdBFS),
			zap.Float64("threshold_dbfs", a.opts.SilenceDBFS),
		)
	}
	return silent
}

// ToRecord normalizes an engine result. Duration is the end of the last
// segment, words are flattened in segment order and trimmed, and words
// that trim to nothing are dropped.
func ToRecord(takeID int, result whisper.Result) transcript.Record {
	rec := transcript.Record{
		Take:  takeID,
		Text:  strings.TrimSpace(result.Text),
		Words: []transcript.WordTiming{},
	}

	if n := len(result.Segments); n > 0 {
		rec.Duration = result.Segments[n-1].End
	}

	for _, seg := range result.Segments {
		for _, w := range seg.Words {
			word := strings.TrimSpace(w.Text)
			if word == "" {
				continue
			}
			end := w.End
			if end < w.Start {
				end = w.Start
			}
			rec.Words = append(rec.Words, transcript.WordTiming{Word: word, Start: w.Start, End: end})
		}
	}

	return rec
}
