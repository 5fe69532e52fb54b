package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

var ErrToolUnavailable = errors.New("media tool not found on PATH")

type ConvertOptions struct {
	SampleRate int
	Channels   int
	// TempDir receives converted files. Defaults to os.TempDir().
	TempDir string
	Logger  *zap.Logger
}

// Converter turns any container ffmpeg can decode into 16-bit PCM WAV.
type Converter struct {
	opts ConvertOptions
}

func NewConverter(opts ConvertOptions) *Converter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Converter{opts: opts}
}

func (c *Converter) Available() bool {
	return commandAvailable("ffmpeg")
}

// ToWAV writes a temporary WAV copy of inputPath and returns its path and a
// cleanup func. Inputs that already are WAV are returned unchanged.
func (c *Converter) ToWAV(ctx context.Context, inputPath string) (string, func(), error) {
	noop := func() {}
	if strings.EqualFold(filepath.Ext(inputPath), ".wav") {
		return inputPath, noop, nil
	}
	if !c.Available() {
		return "", noop, fmt.Errorf("%w: ffmpeg is required to decode %s", ErrToolUnavailable, filepath.Base(inputPath))
	}

	dir := c.opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", noop, fmt.Errorf("create conversion directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	out := filepath.Join(dir, fmt.Sprintf("%s-%s.wav", base, uuid.NewString()[:8]))
	cleanup := func() {
		if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.opts.Logger.Warn("failed to remove converted audio", zap.String("path", out), zap.Error(err))
		}
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", inputPath,
		"-ac", strconv.Itoa(defaultChannels(c.opts.Channels)),
		"-ar", strconv.Itoa(defaultSampleRate(c.opts.SampleRate)),
		"-c:a", "pcm_s16le",
		out,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.opts.Logger.Debug("converting audio", zap.String("input", inputPath), zap.String("output", out))
	if err := cmd.Run(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("ffmpeg convert %s: %w (%s)", filepath.Base(inputPath), err, strings.TrimSpace(stderr.String()))
	}

	return out, cleanup, nil
}

func defaultSampleRate(value int) int {
	if value <= 0 {
		return DefaultSampleRate
	}
	return value
}

func defaultChannels(value int) int {
	if value <= 0 {
		return DefaultChannels
	}
	return value
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
