package cli

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/fmueller/takestamps/internal/media"
	"github.com/fmueller/takestamps/internal/transcript"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultDurationsFile = "durations.json"

// durationsReport is the layout the composition reads take lengths from.
type durationsReport struct {
	Durations          []float64 `json:"durations"`
	DurationsInSeconds []int     `json:"durationsInSeconds"`
	TotalDuration      float64   `json:"totalDuration"`
}

func newDurationsCmd(app *appState) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "durations",
		Short: "Measure take durations with ffprobe and write durations.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.loadConfig(cmd); err != nil {
				return err
			}
			return app.runDurations(cmd, outputPath)
		},
	}

	bindLoggingFlags(cmd, app)
	bindConfigFlag(cmd, app)
	bindInputFlags(cmd, app)
	cmd.Flags().StringVar(&outputPath, "durations-file", defaultDurationsFile, "Where to write the durations JSON")

	return cmd
}

func (a *appState) runDurations(cmd *cobra.Command, outputPath string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	probeFn := a.probeFn
	if probeFn == nil {
		probeFn = media.ProbeDuration
	}

	inputs, err := a.newResolver().Scan()
	if err != nil {
		fmt.Fprintln(out, "No audio files found!")
		return err
	}

	fmt.Fprintf(out, "Measuring audio durations with ffprobe...\n\n")

	report := durationsReport{
		Durations:          make([]float64, 0, len(inputs)),
		DurationsInSeconds: make([]int, 0, len(inputs)),
	}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := transcript.Key(in.TakeID)
		seconds, err := probeFn(ctx, in.Path)
		if err != nil {
			a.log().Warn("failed to measure take; recording 0", zap.String("take", key), zap.String("file", in.Path), zap.Error(err))
			seconds = 0
		}

		report.Durations = append(report.Durations, seconds)
		report.DurationsInSeconds = append(report.DurationsInSeconds, int(math.Ceil(seconds)))
		report.TotalDuration += seconds
		fmt.Fprintf(out, "%s: %.3f seconds\n", key, seconds)
	}

	if err := transcript.WriteFile(outputPath, report); err != nil {
		return err
	}

	abs, err := filepath.Abs(outputPath)
	if err != nil {
		abs = outputPath
	}
	fmt.Fprintf(out, "\nTotal duration: %.3f seconds\n", report.TotalDuration)
	fmt.Fprintf(out, "\nDurations saved to: %s\n", abs)
	return nil
}
