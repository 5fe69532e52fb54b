package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/takestamps/internal/takes"
	"github.com/fmueller/takestamps/internal/transcript"
	"go.uber.org/zap"
)

var ErrPartialFailure = errors.New("some takes failed to transcribe")

const previewRunes = 80

type Source interface {
	Scan() ([]takes.AudioInput, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, in takes.AudioInput) (transcript.Record, error)
}

type Sink interface {
	Write(set *transcript.Set) ([]string, error)
}

type Options struct {
	Source      Source
	Transcriber Transcriber
	Sink        Sink
	// Out receives the human-readable progress lines.
	Out io.Writer
	// Spinner starts a progress indicator and returns its stop func.
	Spinner func(description string) func()
	// TakeTimeout bounds a single transcription. Zero means no limit.
	TakeTimeout time.Duration
	// Strict makes any per-take failure fail the run once output is written.
	Strict bool
	Logger *zap.Logger
}

type Report struct {
	Set     *transcript.Set
	Inputs  int
	Failed  []string
	Written []string
}

type Runner struct {
	opts Options
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Source == nil || opts.Transcriber == nil || opts.Sink == nil {
		return nil, errors.New("pipeline requires a source, a transcriber and a sink")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Spinner == nil {
		opts.Spinner = func(string) func() { return func() {} }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{opts: opts}, nil
}

// Run resolves the takes, transcribes them one after another and writes the
// collected set once every take has been attempted.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	report := Report{Set: transcript.NewSet()}

	inputs, err := r.opts.Source.Scan()
	if err != nil {
		if errors.Is(err, takes.ErrNoInput) {
			r.printf("No audio files found!\n")
		}
		return report, err
	}
	report.Inputs = len(inputs)

	names := make([]string, 0, len(inputs))
	for _, in := range inputs {
		names = append(names, filepath.Base(in.Path))
	}
	r.printf("Found %d audio files: %s\n", len(inputs), strings.Join(names, ", "))

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		key := transcript.Key(in.TakeID)
		r.printf("\nProcessing %s...\n", key)

		rec, err := r.transcribe(ctx, in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			r.opts.Logger.Warn("skipping take after transcription failure", zap.String("take", key), zap.String("file", in.Path), zap.Error(err))
			r.printf("⚠️ Skipping %s: transcription failed\n", key)
			report.Failed = append(report.Failed, key)
			continue
		}

		report.Set.Add(rec)
		r.printf("✅ %s: %.2fs - %d words\n", key, rec.Duration, len(rec.Words))
		r.printf("   Text: %s...\n", preview(rec.Text))
	}

	if report.Set.Len() == 0 {
		r.opts.Logger.Warn("no take was transcribed; writing an empty transcript set", zap.Strings("failed", report.Failed))
	}

	written, err := r.opts.Sink.Write(report.Set)
	report.Written = written
	if err != nil {
		r.opts.Logger.Error("failed to write transcripts; results were not persisted",
			zap.Strings("held_in_memory", report.Set.Keys()),
			zap.Strings("written", written),
			zap.Error(err),
		)
		return report, err
	}

	r.printf("\n✅ All transcriptions saved to: %s\n", strings.Join(written, ", "))
	r.printSummary(report)

	if r.opts.Strict && len(report.Failed) > 0 {
		return report, fmt.Errorf("%w: %s", ErrPartialFailure, strings.Join(report.Failed, ", "))
	}
	return report, nil
}

func (r *Runner) transcribe(ctx context.Context, in takes.AudioInput) (transcript.Record, error) {
	if r.opts.TakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TakeTimeout)
		defer cancel()
	}

	stop := r.opts.Spinner("Transcribing " + transcript.Key(in.TakeID))
	started := time.Now()
	rec, err := r.opts.Transcriber.Transcribe(ctx, in)
	stop()

	r.opts.Logger.Debug("take finished", zap.String("take", transcript.Key(in.TakeID)), zap.Duration("elapsed", time.Since(started)), zap.Bool("ok", err == nil))
	return rec, err
}

func (r *Runner) printSummary(report Report) {
	r.printf("\nDurations:\n")
	var total float64
	for _, rec := range report.Set.Records() {
		r.printf("  %s: %.2fs\n", transcript.Key(rec.Take), rec.Duration)
		total += rec.Duration
	}
	r.printf("  total: %.2fs\n", total)
	if len(report.Failed) > 0 {
		r.printf("  failed: %s\n", strings.Join(report.Failed, ", "))
	}
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.opts.Out, format, args...)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes])
}
