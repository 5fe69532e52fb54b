package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const WhisperPathEnv = "TAKESTAMPS_WHISPER_PATH"

// CppEngine runs the whisper.cpp command line tool once per take and reads
// its full JSON output, which carries per-token offsets.
type CppEngine struct {
	Executable string
	ModelPath  string
	Threads    int
	TempDir    string
	Logger     *zap.Logger
}

type CppOptions struct {
	// Executable overrides discovery. WhisperPathEnv takes precedence.
	Executable string
	ModelPath  string
	Threads    int
	// TempDir receives whisper-cli's JSON output. Defaults to os.TempDir().
	TempDir string
	Logger  *zap.Logger
}

func NewCppEngine(opts CppOptions) (*CppEngine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("whisper model unavailable: %w", err)
	}

	exe, err := ResolveExecutable(opts.Executable)
	if err != nil {
		return nil, err
	}

	opts.Logger.Debug("using whisper engine", zap.String("engine", exe), zap.String("model", opts.ModelPath))
	return &CppEngine{
		Executable: exe,
		ModelPath:  opts.ModelPath,
		Threads:    opts.Threads,
		TempDir:    opts.TempDir,
		Logger:     opts.Logger,
	}, nil
}

// ResolveExecutable finds whisper-cli: $TAKESTAMPS_WHISPER_PATH, then the
// configured path, then PATH.
func ResolveExecutable(configured string) (string, error) {
	if override := strings.TrimSpace(os.Getenv(WhisperPathEnv)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("%s is not executable: %w", WhisperPathEnv, err)
		}
		return override, nil
	}

	if configured = strings.TrimSpace(configured); configured != "" {
		if err := ensureExecutable(configured); err != nil {
			return "", fmt.Errorf("configured whisper path is not executable: %w", err)
		}
		return configured, nil
	}

	found, err := exec.LookPath(engineBinaryName())
	if err != nil {
		return "", fmt.Errorf("whisper engine not found on PATH; install whisper.cpp or set %s", WhisperPathEnv)
	}
	return found, nil
}

// RequiresWAV reports that whisper-cli only decodes 16 kHz WAV input.
func (e *CppEngine) RequiresWAV() bool {
	return true
}

func (e *CppEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}

	if err := ensureExecutable(e.Executable); err != nil {
		return Result{}, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	tempDir := e.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	outBase := filepath.Join(tempDir, "takestamps-"+uuid.NewString())
	jsonOut := outBase + ".json"
	defer os.Remove(jsonOut)

	args := e.args(req, outBase)
	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = ioDiscard{}
	cmd.Stderr = &stderr

	e.log().Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Result{}, fmt.Errorf("whisper engine at %s is missing required shared libraries (%s)", e.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Result{}, fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"set " + WhisperPathEnv + " to a whisper-cli binary built for your CPU")
		}
		return Result{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	content, err := os.ReadFile(jsonOut)
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}

	return ParseCppJSON(content, req.WordTimestamps)
}

func (e *CppEngine) args(req TranscriptionRequest, outBase string) []string {
	args := []string{"-m", e.ModelPath, "-f", req.AudioPath, "-np", "-of", outBase}
	if req.WordTimestamps {
		args = append(args, "-ojf")
	} else {
		args = append(args, "-oj")
	}
	if e.Threads > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", e.Threads))
	}
	lang := strings.TrimSpace(req.Language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	return args
}

func (e *CppEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

type cppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []cppSegment `json:"transcription"`
}

type cppSegment struct {
	Offsets cppOffsets `json:"offsets"`
	Text    string     `json:"text"`
	Tokens  []cppToken `json:"tokens"`
}

type cppToken struct {
	Text    tokenText   `json:"text"`
	Offsets *cppOffsets `json:"offsets"`
}

// cppOffsets are milliseconds from the start of the audio.
type cppOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// ParseCppJSON converts whisper-cli JSON output into a Result. Tokens are
// merged into words when withWords is set: a token that begins with a space
// opens a new word, any other token extends the current one.
func ParseCppJSON(content []byte, withWords bool) (Result, error) {
	var out cppOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Result{}, fmt.Errorf("parse whisper output: %w", err)
	}

	result := Result{Language: out.Result.Language}
	var text strings.Builder
	for _, seg := range out.Transcription {
		text.WriteString(seg.Text)

		segment := Segment{
			Start: millis(seg.Offsets.From),
			End:   millis(seg.Offsets.To),
			Text:  seg.Text,
		}
		if withWords {
			segment.Words = mergeTokens(seg.Tokens)
		}
		result.Segments = append(result.Segments, segment)
	}
	result.Text = text.String()

	return result, nil
}

// mergeTokens works on raw token bytes because whisper.cpp tokens are
// byte-level BPE pieces: one UTF-8 character may span two tokens.
func mergeTokens(tokens []cppToken) []Word {
	var (
		words   []Word
		current *Word
		buf     []byte
	)
	flush := func() {
		if current != nil {
			current.Text = strings.ToValidUTF8(string(buf), "")
			if strings.TrimSpace(current.Text) != "" {
				words = append(words, *current)
			}
		}
		current = nil
		buf = buf[:0]
	}

	for _, tok := range tokens {
		if isSpecialToken(string(tok.Text)) || tok.Offsets == nil {
			continue
		}
		start, end := millis(tok.Offsets.From), millis(tok.Offsets.To)

		if current == nil || bytes.HasPrefix(tok.Text, []byte(" ")) {
			flush()
			current = &Word{Start: start, End: end}
		}

		buf = append(buf, tok.Text...)
		if end > current.End {
			current.End = end
		}
	}
	flush()

	return words
}

// tokenText keeps the exact bytes of a JSON string. encoding/json would
// replace a partial UTF-8 sequence with U+FFFD before tokens are joined.
type tokenText []byte

func (t *tokenText) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = nil
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("token text: expected a string, got %s", data)
	}
	raw, err := unquoteRaw(data[1 : len(data)-1])
	if err != nil {
		return fmt.Errorf("token text: %w", err)
	}
	*t = raw
	return nil
}

func unquoteRaw(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(in) {
			return nil, errors.New("unterminated escape")
		}
		switch in[i] {
		case '"', '\\', '/':
			out = append(out, in[i])
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'u':
			r, n, err := decodeUnicodeEscape(in[i+1:])
			if err != nil {
				return nil, err
			}
			out = utf8.AppendRune(out, r)
			i += n
		default:
			return nil, fmt.Errorf("invalid escape \\%c", in[i])
		}
	}
	return out, nil
}

// decodeUnicodeEscape reads the hex digits after \u, joining a surrogate
// pair when one follows. It returns the rune and the bytes consumed.
func decodeUnicodeEscape(in []byte) (rune, int, error) {
	hex4 := func(b []byte) (rune, error) {
		if len(b) < 4 {
			return 0, errors.New("short unicode escape")
		}
		v, err := strconv.ParseUint(string(b[:4]), 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid unicode escape: %w", err)
		}
		return rune(v), nil
	}

	r, err := hex4(in)
	if err != nil {
		return 0, 0, err
	}
	if utf16.IsSurrogate(r) && len(in) >= 10 && in[4] == '\\' && in[5] == 'u' {
		if low, err := hex4(in[6:]); err == nil {
			if joined := utf16.DecodeRune(r, low); joined != utf8.RuneError {
				return joined, 10, nil
			}
		}
	}
	return r, 4, nil
}

func isSpecialToken(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "[_") || (strings.HasPrefix(trimmed, "<|") && strings.HasSuffix(trimmed, "|>"))
}

func millis(ms int64) float64 {
	return float64(ms) / 1000
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) {
	return len(p), nil
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
