package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmueller/takestamps/internal/config"
	"github.com/fmueller/takestamps/internal/download"
	"github.com/fmueller/takestamps/internal/media"
	"github.com/fmueller/takestamps/internal/pipeline"
	"github.com/fmueller/takestamps/internal/platform"
	"github.com/fmueller/takestamps/internal/takes"
	"github.com/fmueller/takestamps/internal/transcript"
	"github.com/fmueller/takestamps/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newGenerateCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Transcribe all takes and write the timestamps JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runGenerate(cmd)
		},
	}

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindConfigFlag(cmd, app)
	bindInputFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindOutputFlags(cmd, app)
	bindRunFlags(cmd, app)

	return cmd
}

func (a *appState) runGenerate(cmd *cobra.Command) error {
	if err := a.loadConfig(cmd); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg

	// Resolve takes before building the engine so an empty directory never
	// triggers a model download.
	inputs, err := a.newResolver().Scan()
	if err != nil {
		if errors.Is(err, takes.ErrNoInput) {
			fmt.Fprintln(cmd.OutOrStdout(), "No audio files found!")
		}
		return err
	}

	engineFn := a.engineFn
	if engineFn == nil {
		engineFn = a.buildEngine
	}
	engine, err := engineFn(ctx)
	if err != nil {
		return err
	}

	scratch, err := platform.ResolveScratchDir()
	if err != nil {
		return err
	}

	adapter, err := pipeline.NewAdapter(pipeline.AdapterOptions{
		Engine:      engine,
		Language:    cfg.Language,
		Decoder:     media.NewConverter(media.ConvertOptions{TempDir: scratch, Logger: a.log()}),
		SilenceGate: cfg.SilenceGate,
		SilenceDBFS: cfg.SilenceThresholdDBFS,
		Logger:      a.log(),
	})
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.Options{
		Source:      takes.Inputs(inputs),
		Transcriber: adapter,
		Sink: transcript.NewWriter(transcript.Options{
			CombinedPath: cfg.Output.Combined,
			Dir:          cfg.Output.Dir,
			Logger:       a.log(),
		}),
		Out: cmd.OutOrStdout(),
		Spinner: func(description string) func() {
			return startSpinner(a.progressEnabled(), cmd.ErrOrStderr(), description)
		},
		TakeTimeout: cfg.TakeTimeout,
		Strict:      cfg.Strict,
		Logger:      a.log(),
	})
	if err != nil {
		return err
	}

	a.log().Info("generating timestamps",
		zap.String("audio_dir", cfg.AudioDir),
		zap.String("engine", cfg.Engine.Name),
		zap.String("language", cfg.Language),
	)
	started := time.Now()
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	a.log().Info("run finished",
		zap.Int("takes", report.Inputs),
		zap.Int("transcribed", report.Set.Len()),
		zap.Strings("failed", report.Failed),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (a *appState) newResolver() *takes.Resolver {
	return takes.NewResolver(takes.Options{
		Dir:     a.cfg.AudioDir,
		Pattern: takes.Pattern{Prefix: a.cfg.Prefix, Extension: a.cfg.Extension},
		Files:   a.cfg.Takes,
		Logger:  a.log(),
	})
}

// buildEngine constructs the configured engine once per run.
func (a *appState) buildEngine(ctx context.Context) (whisper.Engine, error) {
	cfg := a.cfg

	if cfg.Engine.Name == config.EngineOpenAI {
		return whisper.NewOpenAIEngine(whisper.OpenAIOptions{
			BaseURL: cfg.Engine.OpenAI.BaseURL,
			Model:   cfg.Engine.OpenAI.Model,
			Logger:  a.log(),
		})
	}

	model, err := a.ensureModelAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if err := model.CheckLanguage(cfg.Language); err != nil {
		return nil, err
	}

	scratch, err := platform.ResolveScratchDir()
	if err != nil {
		return nil, err
	}

	return whisper.NewCppEngine(whisper.CppOptions{
		Executable: cfg.Engine.WhisperPath,
		ModelPath:  model.Path,
		Threads:    cfg.Engine.Threads,
		TempDir:    scratch,
		Logger:     a.log(),
	})
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(a.cfg.Engine.Model, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.cfg.Engine.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `takestamps setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     !a.progressEnabled(),
		Logger:         a.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
