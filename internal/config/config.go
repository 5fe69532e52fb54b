package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// PathEnv names a config file when --config is not given.
	PathEnv = "TAKESTAMPS_CONFIG"

	EngineWhisperCpp = "whisper-cpp"
	EngineOpenAI     = "openai"

	DefaultLanguage     = "es"
	DefaultCombinedFile = "timestamps.json"
)

// DefaultFileNames are looked up in the working directory, in order.
var DefaultFileNames = []string{"takestamps.yaml", "takestamps.yml", "takestamps.toml"}

var (
	ErrInvalid           = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported config file format")

	languagePattern = regexp.MustCompile(`^[a-z]{2}$`)
)

type Config struct {
	AudioDir  string   `yaml:"audio_dir" toml:"audio_dir"`
	Prefix    string   `yaml:"prefix" toml:"prefix"`
	Extension string   `yaml:"extension" toml:"extension"`
	Takes     []string `yaml:"takes" toml:"takes"`
	Language  string   `yaml:"language" toml:"language"`

	Engine Engine `yaml:"engine" toml:"engine"`
	Output Output `yaml:"output" toml:"output"`

	SilenceGate          bool          `yaml:"silence_gate" toml:"silence_gate"`
	SilenceThresholdDBFS float64       `yaml:"silence_threshold_dbfs" toml:"silence_threshold_dbfs"`
	Strict               bool          `yaml:"strict" toml:"strict"`
	TakeTimeout          time.Duration `yaml:"take_timeout" toml:"take_timeout"`
}

type Engine struct {
	Name         string `yaml:"name" toml:"name"`
	Model        string `yaml:"model" toml:"model"`
	ModelDir     string `yaml:"model_dir" toml:"model_dir"`
	AutoDownload bool   `yaml:"auto_download" toml:"auto_download"`
	WhisperPath  string `yaml:"whisper_path" toml:"whisper_path"`
	Threads      int    `yaml:"threads" toml:"threads"`
	OpenAI       OpenAI `yaml:"openai" toml:"openai"`
}

type OpenAI struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`
}

// Output selects the artifacts written at the end of a run. Combined and
// Dir may both be set.
type Output struct {
	Combined string `yaml:"combined" toml:"combined"`
	Dir      string `yaml:"dir" toml:"dir"`
}

func Default() Config {
	return Config{
		AudioDir:  ".",
		Prefix:    "toma_",
		Extension: ".m4a",
		Language:  DefaultLanguage,
		Engine: Engine{
			Name:         EngineWhisperCpp,
			Model:        "base",
			AutoDownload: true,
		},
		Output: Output{
			Combined: DefaultCombinedFile,
		},
		SilenceGate:          true,
		SilenceThresholdDBFS: -65,
	}
}

// Locate returns the config file to load: the explicit path, then
// $TAKESTAMPS_CONFIG, then the first default file name present in dir.
// An empty result means no file applies.
func Locate(explicit, dir string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p
	}
	for _, name := range DefaultFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// Load decodes the file at path over Default(). An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	case ".toml":
		err = decodeTOML(data, &cfg)
	default:
		return Config{}, fmt.Errorf("%w: %s (use .yaml, .yml or .toml)", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ResolveOutputs drops the default combined file once an output directory
// is configured, since that directory gets its own combined file. A combined
// path that differs from the default, or keepCombined, leaves it in place.
func (c *Config) ResolveOutputs(keepCombined bool) {
	if keepCombined || strings.TrimSpace(c.Output.Dir) == "" {
		return
	}
	if c.Output.Combined == DefaultCombinedFile {
		c.Output.Combined = ""
	}
}

// Normalize trims values, fixes the extension's leading dot and expands a
// leading ~ in every path field.
func (c *Config) Normalize() error {
	c.Prefix = strings.TrimSpace(c.Prefix)
	c.Language = strings.ToLower(strings.TrimSpace(c.Language))
	c.Engine.Name = strings.ToLower(strings.TrimSpace(c.Engine.Name))

	c.Extension = strings.TrimSpace(c.Extension)
	if c.Extension != "" && !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}

	var err error
	for _, p := range []*string{&c.AudioDir, &c.Engine.ModelDir, &c.Engine.WhisperPath, &c.Output.Combined, &c.Output.Dir} {
		if *p, err = ExpandHome(strings.TrimSpace(*p)); err != nil {
			return err
		}
	}
	if strings.Contains(c.Engine.Model, string(os.PathSeparator)) {
		if c.Engine.Model, err = ExpandHome(c.Engine.Model); err != nil {
			return err
		}
	}
	for i, take := range c.Takes {
		c.Takes[i] = strings.TrimSpace(take)
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string

	if !languagePattern.MatchString(c.Language) {
		problems = append(problems, fmt.Sprintf("language %q must be a two-letter code such as es", c.Language))
	}
	switch c.Engine.Name {
	case EngineWhisperCpp, EngineOpenAI:
	default:
		problems = append(problems, fmt.Sprintf("engine %q must be %s or %s", c.Engine.Name, EngineWhisperCpp, EngineOpenAI))
	}
	if c.Engine.Name == EngineWhisperCpp && strings.TrimSpace(c.Engine.Model) == "" {
		problems = append(problems, "engine.model is required for whisper-cpp")
	}
	if c.Engine.Threads < 0 {
		problems = append(problems, "engine.threads must not be negative")
	}
	if c.Prefix == "" {
		problems = append(problems, "prefix must not be empty")
	}
	if c.Extension == "" || c.Extension == "." {
		problems = append(problems, "extension must not be empty")
	}
	if len(c.Takes) == 0 && strings.TrimSpace(c.AudioDir) == "" {
		problems = append(problems, "audio_dir is required when no takes are listed")
	}
	for _, take := range c.Takes {
		if take == "" {
			problems = append(problems, "takes must not contain empty entries")
			break
		}
	}
	if c.Output.Combined == "" && c.Output.Dir == "" {
		problems = append(problems, "output.combined or output.dir must be set")
	}
	if c.SilenceThresholdDBFS > 0 {
		problems = append(problems, "silence_threshold_dbfs must be at most 0")
	}
	if c.TakeTimeout < 0 {
		problems = append(problems, "take_timeout must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
