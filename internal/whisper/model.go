package whisper

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultModel matches the balance of speed and accuracy the batch was
// tuned with.
const DefaultModel = "base"

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Model is a ggml model published by whisper.cpp with a pinned digest.
type Model struct {
	Name      string
	FileName  string
	URL       string
	SHA256    string
	SHA256URL string
}

// ResolvedModel is where a model reference lives on disk and how to fetch
// it when it is missing.
type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	SHA256URL     string
	NeedsDownload bool
	IsCustomPath  bool
}

func ggml(name, sha256 string) Model {
	file := "ggml-" + name + ".bin"
	return Model{Name: name, FileName: file, URL: ggmlBaseURL + file, SHA256: sha256}
}

var registry = map[string]Model{
	"tiny":     ggml("tiny", "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21"),
	"base":     ggml("base", "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe"),
	"small":    ggml("small", "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b"),
	"medium":   ggml("medium", "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208"),
	"large-v3": ggml("large-v3", "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2"),
}

func ModelNames() []string {
	return slices.Sorted(maps.Keys(registry))
}

func LookupModel(name string) (Model, bool) {
	model, ok := registry[name]
	return model, ok
}

// ResolveModel accepts either a registry name, stored under modelDir, or a
// path to an existing .bin file.
func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	modelRef = strings.TrimSpace(modelRef)
	if modelRef == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		return resolveNamed(model, modelDir)
	}
	if looksLikePath(modelRef) {
		return resolveCustom(modelRef)
	}
	return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
}

func resolveNamed(model Model, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	resolved := ResolvedModel{
		Name:      model.Name,
		Path:      filepath.Join(modelDir, model.FileName),
		URL:       model.URL,
		SHA256:    model.SHA256,
		SHA256URL: model.SHA256URL,
	}

	switch _, err := os.Stat(resolved.Path); {
	case errors.Is(err, os.ErrNotExist):
		resolved.NeedsDownload = true
	case err != nil:
		return ResolvedModel{}, fmt.Errorf("stat model path: %w", err)
	}
	return resolved, nil
}

func resolveCustom(ref string) (ResolvedModel, error) {
	path := filepath.Clean(ref)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", path)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}
	return ResolvedModel{
		Name:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:         path,
		IsCustomPath: true,
	}, nil
}

// CheckLanguage rejects English-only ggml files (*.en.bin) for any other
// target language.
func (m ResolvedModel) CheckLanguage(language string) error {
	language = strings.ToLower(strings.TrimSpace(language))
	if language != "en" && strings.HasSuffix(strings.ToLower(m.Path), ".en.bin") {
		return fmt.Errorf("model file %s looks English-only; pick a multilingual model for language %q", m.Path, language)
	}
	return nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
