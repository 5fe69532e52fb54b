package takes

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultPrefix    = "toma_"
	DefaultExtension = ".m4a"
)

var (
	ErrNoInput         = errors.New("no audio files found")
	ErrUnparseableName = errors.New("could not parse take number")
	ErrMissingFile     = errors.New("audio file missing")
)

type AudioInput struct {
	TakeID int
	Path   string
}

// Pattern describes take filenames of the form <Prefix><N><Extension>.
type Pattern struct {
	Prefix    string
	Extension string
}

func DefaultPattern() Pattern {
	return Pattern{Prefix: DefaultPrefix, Extension: DefaultExtension}
}

func (p Pattern) normalized() Pattern {
	if p.Prefix == "" {
		p.Prefix = DefaultPrefix
	}
	if p.Extension == "" {
		p.Extension = DefaultExtension
	}
	if !strings.HasPrefix(p.Extension, ".") {
		p.Extension = "." + p.Extension
	}
	return p
}

// Matches reports whether name has the pattern's prefix and extension,
// regardless of whether the take number parses.
func (p Pattern) Matches(name string) bool {
	p = p.normalized()
	if !strings.HasPrefix(name, p.Prefix) {
		return false
	}
	ext := filepath.Ext(name)
	return strings.EqualFold(ext, p.Extension) && len(name) > len(p.Prefix)+len(ext)
}

// Parse extracts the take number from name.
func (p Pattern) Parse(name string) (int, error) {
	p = p.normalized()
	if !p.Matches(name) {
		return 0, fmt.Errorf("%w: %s does not match %s<N>%s", ErrUnparseableName, name, p.Prefix, p.Extension)
	}

	middle := strings.TrimSuffix(strings.TrimPrefix(name, p.Prefix), filepath.Ext(name))
	id, err := strconv.Atoi(middle)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparseableName, name)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %s: take number must be positive", ErrUnparseableName, name)
	}
	return id, nil
}

type Options struct {
	Dir     string
	Pattern Pattern
	// Files switches the resolver to list mode: only these names, in this
	// order, are considered.
	Files  []string
	Logger *zap.Logger
}

type Resolver struct {
	opts Options
}

func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Pattern = opts.Pattern.normalized()
	return &Resolver{opts: opts}
}

// Scan lists the takes on disk. Names that do not parse, missing list
// entries and duplicate take numbers are logged and skipped. ErrNoInput is
// returned when nothing usable remains.
func (r *Resolver) Scan() ([]AudioInput, error) {
	var (
		names []string
		err   error
	)
	if len(r.opts.Files) > 0 {
		names = r.listed()
	} else {
		names, err = r.globbed()
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[int]string, len(names))
	inputs := make([]AudioInput, 0, len(names))
	for _, name := range names {
		id, err := r.opts.Pattern.Parse(filepath.Base(name))
		if err != nil {
			r.opts.Logger.Warn("skipping audio file", zap.String("file", name), zap.Error(err))
			continue
		}
		if first, dup := seen[id]; dup {
			r.opts.Logger.Warn("skipping duplicate take", zap.String("file", name), zap.String("kept", first), zap.Int("take", id))
			continue
		}
		seen[id] = name
		inputs = append(inputs, AudioInput{TakeID: id, Path: filepath.Join(r.opts.Dir, name)})
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoInput, r.describeDir())
	}
	return inputs, nil
}

// All yields the takes found by a fresh Scan on every iteration.
func (r *Resolver) All() iter.Seq[AudioInput] {
	return func(yield func(AudioInput) bool) {
		inputs, err := r.Scan()
		if err != nil {
			r.opts.Logger.Warn("no takes to iterate", zap.Error(err))
			return
		}
		for _, in := range inputs {
			if !yield(in) {
				return
			}
		}
	}
}

func (r *Resolver) globbed() ([]string, error) {
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: audio directory %s does not exist", ErrNoInput, r.opts.Dir)
		}
		return nil, fmt.Errorf("read audio directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !r.opts.Pattern.Matches(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *Resolver) listed() []string {
	names := make([]string, 0, len(r.opts.Files))
	for _, name := range r.opts.Files {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		path := filepath.Join(r.opts.Dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			r.opts.Logger.Warn("skipping listed take", zap.String("file", name), zap.Error(fmt.Errorf("%w: %s", ErrMissingFile, path)))
			continue
		}
		names = append(names, name)
	}
	return names
}

func (r *Resolver) describeDir() string {
	if r.opts.Dir == "" {
		return "."
	}
	return r.opts.Dir
}

// Inputs is a Source over takes that were already resolved.
type Inputs []AudioInput

func (in Inputs) Scan() ([]AudioInput, error) {
	if len(in) == 0 {
		return nil, ErrNoInput
	}
	return slices.Clone(in), nil
}
