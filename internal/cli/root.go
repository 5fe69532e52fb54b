package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/takestamps/internal/config"
	"github.com/fmueller/takestamps/internal/logging"
	"github.com/fmueller/takestamps/internal/media"
	"github.com/fmueller/takestamps/internal/platform"
	"github.com/fmueller/takestamps/internal/version"
	"github.com/fmueller/takestamps/internal/whisper"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configPath string

	// flags holds flag values; only flags set on the command line override
	// the loaded config.
	flags config.Config
	cfg   config.Config
	runID string

	logger *zap.Logger

	engineFn func(ctx context.Context) (whisper.Engine, error)
	probeFn  func(ctx context.Context, path string) (float64, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newAppState() *appState {
	app := &appState{
		flags: config.Default(),
		cfg:   config.Default(),
	}
	app.engineFn = app.buildEngine
	app.probeFn = media.ProbeDuration
	return app
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "takestamps",
		Short:         "Generate word-level timestamps for recorded takes",
		Long:          "Transcribe every toma_<N> recording with word timestamps and write the results as JSON for the video composition.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs, Output: cmd.ErrOrStderr()})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.runID = uuid.NewString()
			app.logger = logger.With(zap.String("run_id", app.runID))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runGenerate(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindConfigFlag(cmd, app)
	bindInputFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindOutputFlags(cmd, app)
	bindRunFlags(cmd, app)

	cmd.AddCommand(newGenerateCmd(app))
	cmd.AddCommand(newDurationsCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.Flags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindConfigFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.configPath, "config", app.configPath, "Config file (.yaml, .yml or .toml); defaults to $"+config.PathEnv+" or ./takestamps.yaml")
}

func bindInputFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.flags.AudioDir, "audio-dir", app.flags.AudioDir, "Directory holding the take recordings")
	cmd.Flags().StringVar(&app.flags.Prefix, "prefix", app.flags.Prefix, "Take filename prefix")
	cmd.Flags().StringVar(&app.flags.Extension, "extension", app.flags.Extension, "Take filename extension")
	cmd.Flags().StringSliceVar(&app.flags.Takes, "take", app.flags.Takes, "Explicit take file in audio-dir, repeatable; keeps the given order")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.flags.Engine.Model, "model", app.flags.Engine.Model, "Model name or model file path")
	cmd.Flags().StringVar(&app.flags.Engine.ModelDir, "model-dir", app.flags.Engine.ModelDir, "Directory where models are stored")
}

func bindEngineFlags(cmd *cobra.Command, app *appState) {
	bindModelFlags(cmd, app)
	cmd.Flags().StringVar(&app.flags.Language, "language", app.flags.Language, "Two-letter language code used for every take")
	cmd.Flags().StringVar(&app.flags.Engine.Name, "engine", app.flags.Engine.Name, "Transcription engine: whisper-cpp|openai")
	cmd.Flags().BoolVar(&app.flags.Engine.AutoDownload, "auto-download", app.flags.Engine.AutoDownload, "Automatically download missing models")
	cmd.Flags().StringVar(&app.flags.Engine.WhisperPath, "whisper-path", app.flags.Engine.WhisperPath, "Path to the whisper-cli executable (default: $"+whisper.WhisperPathEnv+" or PATH)")
	cmd.Flags().IntVar(&app.flags.Engine.Threads, "threads", app.flags.Engine.Threads, "Threads for whisper-cli; 0 uses its default")
	cmd.Flags().StringVar(&app.flags.Engine.OpenAI.BaseURL, "openai-base-url", app.flags.Engine.OpenAI.BaseURL, "Base URL of the OpenAI-compatible API")
	cmd.Flags().StringVar(&app.flags.Engine.OpenAI.Model, "openai-model", app.flags.Engine.OpenAI.Model, "Hosted transcription model")
}

func bindOutputFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.flags.Output.Combined, "output", app.flags.Output.Combined, "Combined timestamps file; empty disables it. Dropped when --output-dir is set unless given explicitly")
	cmd.Flags().StringVar(&app.flags.Output.Dir, "output-dir", app.flags.Output.Dir, "Directory for per-take timestamp files")
}

func bindRunFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.flags.SilenceGate, "silence-gate", app.flags.SilenceGate, "Record near-silent takes as empty without running the engine")
	cmd.Flags().Float64Var(&app.flags.SilenceThresholdDBFS, "silence-threshold-dbfs", app.flags.SilenceThresholdDBFS, "Silence gate threshold in dBFS")
	cmd.Flags().BoolVar(&app.flags.Strict, "strict", app.flags.Strict, "Exit non-zero when any take fails to transcribe")
	cmd.Flags().DurationVar(&app.flags.TakeTimeout, "take-timeout", app.flags.TakeTimeout, "Abort a single take after this long, e.g. 5m; 0 means no limit")
}

// loadConfig layers defaults, the config file and the flags set on cmd.
func (a *appState) loadConfig(cmd *cobra.Command) error {
	path := config.Locate(a.configPath, ".")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		a.overrideFromFlag(&cfg, f.Name)
	})
	cfg.ResolveOutputs(cmd.Flags().Changed("output"))

	if err := cfg.Normalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if path != "" {
		a.log().Debug("loaded config file", zap.String("path", path))
	}
	a.cfg = cfg
	return nil
}

func (a *appState) overrideFromFlag(cfg *config.Config, name string) {
	f := a.flags
	switch name {
	case "audio-dir":
		cfg.AudioDir = f.AudioDir
	case "prefix":
		cfg.Prefix = f.Prefix
	case "extension":
		cfg.Extension = f.Extension
	case "take":
		cfg.Takes = append([]string(nil), f.Takes...)
	case "language":
		cfg.Language = f.Language
	case "engine":
		cfg.Engine.Name = f.Engine.Name
	case "model":
		cfg.Engine.Model = f.Engine.Model
	case "model-dir":
		cfg.Engine.ModelDir = f.Engine.ModelDir
	case "auto-download":
		cfg.Engine.AutoDownload = f.Engine.AutoDownload
	case "whisper-path":
		cfg.Engine.WhisperPath = f.Engine.WhisperPath
	case "threads":
		cfg.Engine.Threads = f.Engine.Threads
	case "openai-base-url":
		cfg.Engine.OpenAI.BaseURL = f.Engine.OpenAI.BaseURL
	case "openai-model":
		cfg.Engine.OpenAI.Model = f.Engine.OpenAI.Model
	case "output":
		cfg.Output.Combined = f.Output.Combined
	case "output-dir":
		cfg.Output.Dir = f.Output.Dir
	case "silence-gate":
		cfg.SilenceGate = f.SilenceGate
	case "silence-threshold-dbfs":
		cfg.SilenceThresholdDBFS = f.SilenceThresholdDBFS
	case "strict":
		cfg.Strict = f.Strict
	case "take-timeout":
		cfg.TakeTimeout = f.TakeTimeout
	}
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.Engine.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
