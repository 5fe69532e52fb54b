package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fmueller/takestamps/internal/config"
	"github.com/fmueller/takestamps/internal/download"
	"github.com/fmueller/takestamps/internal/media"
	"github.com/fmueller/takestamps/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.loadConfig(cmd); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if app.cfg.Engine.Name == config.EngineOpenAI {
				fmt.Fprintf(out, "Engine openai needs no local model; make sure %s is set\n", whisper.OpenAIKeyEnv)
				app.reportTools(cmd)
				return nil
			}

			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.cfg.Engine.Model, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			expectedChecksum := resolved.SHA256
			if expectedChecksum == "" && resolved.SHA256URL != "" {
				checksum, err := download.ResolveExpectedChecksum(cmd.Context(), resolved.SHA256URL, filepath.Base(resolved.Path), nil)
				if err != nil {
					return fmt.Errorf("resolve checksum for model %s: %w", resolved.Name, err)
				}
				expectedChecksum = checksum
			}

			if !resolved.NeedsDownload && expectedChecksum != "" {
				if err := download.VerifyFileChecksum(resolved.Path, expectedChecksum); err != nil {
					app.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
					resolved.NeedsDownload = true
				}
			}

			if resolved.NeedsDownload {
				app.log().Info("downloading model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				if err := download.DownloadFile(cmd.Context(), download.Options{
					URL:            resolved.URL,
					Destination:    resolved.Path,
					ExpectedSHA256: expectedChecksum,
					ChecksumURL:    resolved.SHA256URL,
					NoProgress:     !app.progressEnabled(),
					Logger:         app.log(),
				}); err != nil {
					return fmt.Errorf("download model %s: %w", resolved.Name, err)
				}
				fmt.Fprintf(out, "Model %s installed at %s\n", resolved.Name, resolved.Path)
			} else {
				app.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				fmt.Fprintf(out, "Model %s already present at %s\n", resolved.Name, resolved.Path)
			}

			app.reportTools(cmd)
			return nil
		},
	}

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindConfigFlag(cmd, app)
	bindModelFlags(cmd, app)
	cmd.Flags().StringVar(&app.flags.Engine.Name, "engine", app.flags.Engine.Name, "Transcription engine: whisper-cpp|openai")
	cmd.Flags().StringVar(&app.flags.Engine.WhisperPath, "whisper-path", app.flags.Engine.WhisperPath, "Path to the whisper-cli executable")

	return cmd
}

// reportTools warns about missing external tools without failing setup, so
// the model can be fetched before whisper.cpp or ffmpeg are installed.
func (a *appState) reportTools(cmd *cobra.Command) {
	out := cmd.OutOrStdout()

	if a.cfg.Engine.Name == config.EngineWhisperCpp {
		if exe, err := whisper.ResolveExecutable(a.cfg.Engine.WhisperPath); err != nil {
			a.log().Warn("whisper engine not found", zap.Error(err))
		} else {
			fmt.Fprintf(out, "whisper engine: %s\n", exe)
		}
	}

	if !media.NewConverter(media.ConvertOptions{}).Available() {
		a.log().Warn("ffmpeg not found on PATH; only .wav takes can be transcribed locally")
	}
}
