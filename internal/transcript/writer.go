package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CombinedFileName = "timestamps.json"
	perTakeSuffix    = "_timestamps.json"
)

var perTakeFilePattern = regexp.MustCompile(`^` + regexp.QuoteMeta(KeyPrefix) + `[0-9]+` + regexp.QuoteMeta(perTakeSuffix) + `$`)

var ErrWrite = errors.New("write transcript output")

type Options struct {
	// CombinedPath receives the whole set as one JSON object. Empty disables it.
	CombinedPath string
	// Dir receives one toma_<id>_timestamps.json per take plus a combined
	// timestamps.json. Empty disables it.
	Dir    string
	Logger *zap.Logger
}

type Writer struct {
	opts Options
}

func NewWriter(opts Options) *Writer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Writer{opts: opts}
}

func PerTakeFileName(takeID int) string {
	return Key(takeID) + perTakeSuffix
}

// Write persists the set and returns the paths written, in order.
func (w *Writer) Write(set *Set) ([]string, error) {
	if strings.TrimSpace(w.opts.CombinedPath) == "" && strings.TrimSpace(w.opts.Dir) == "" {
		return nil, fmt.Errorf("%w: no output destination configured", ErrWrite)
	}

	var written []string

	if w.opts.Dir != "" {
		for _, rec := range set.Records() {
			path := filepath.Join(w.opts.Dir, PerTakeFileName(rec.Take))
			if err := writeJSON(path, rec); err != nil {
				return written, err
			}
			w.opts.Logger.Debug("wrote take transcript", zap.String("take", Key(rec.Take)), zap.String("path", path))
			written = append(written, path)
		}

		path := filepath.Join(w.opts.Dir, CombinedFileName)
		if err := writeJSON(path, set); err != nil {
			return written, err
		}
		written = append(written, path)
		w.removeStaleTakes(set)
	}

	if w.opts.CombinedPath != "" {
		path := filepath.Clean(w.opts.CombinedPath)
		if !contains(written, path) {
			if err := writeJSON(path, set); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}

	return written, nil
}

// removeStaleTakes deletes per-take files from earlier runs whose take is
// not part of set, so the directory always mirrors the latest run.
func (w *Writer) removeStaleTakes(set *Set) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		w.opts.Logger.Warn("could not list output directory", zap.String("dir", w.opts.Dir), zap.Error(err))
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !perTakeFilePattern.MatchString(name) {
			continue
		}
		if _, ok := set.Get(strings.TrimSuffix(name, perTakeSuffix)); ok {
			continue
		}
		path := filepath.Join(w.opts.Dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.opts.Logger.Warn("could not remove stale take transcript", zap.String("path", path), zap.Error(err))
			continue
		}
		w.opts.Logger.Info("removed stale take transcript", zap.String("path", path))
	}
}

// Encode renders v the way every output artifact is rendered: two-space
// indentation with non-ASCII and HTML characters kept literal.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes v and replaces path atomically, creating parent directories.
func WriteFile(path string, v any) error {
	return writeJSON(path, v)
}

func writeJSON(path string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrWrite, path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory %s: %v", ErrWrite, dir, err)
	}

	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.part", filepath.Base(path), uuid.NewString()))
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: move into %s: %v", ErrWrite, path, err)
	}

	return nil
}

func contains(paths []string, path string) bool {
	for _, p := range paths {
		if filepath.Clean(p) == path {
			return true
		}
	}
	return false
}
