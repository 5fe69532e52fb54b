package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const cppFullJSON = `{
  "systeminfo": "AVX = 1",
  "model": {"type": "base", "multilingual": true},
  "params": {"model": "ggml-base.bin", "language": "es", "translate": false},
  "result": {"language": "es"},
  "transcription": [
    {
      "timestamps": {"from": "00:00:00,000", "to": "00:00:01,000"},
      "offsets": {"from": 0, "to": 1000},
      "text": " hola mundo.",
      "tokens": [
        {"text": "[_BEG_]", "timestamps": {"from": "00:00:00,000", "to": "00:00:00,000"}, "offsets": {"from": 0, "to": 0}, "id": 50364, "p": 0.9},
        {"text": " hola", "timestamps": {"from": "00:00:00,000", "to": "00:00:00,400"}, "offsets": {"from": 0, "to": 400}, "id": 1, "p": 0.9},
        {"text": " mun", "timestamps": {"from": "00:00:00,400", "to": "00:00:00,700"}, "offsets": {"from": 400, "to": 700}, "id": 2, "p": 0.9},
        {"text": "do", "timestamps": {"from": "00:00:00,700", "to": "00:00:00,950"}, "offsets": {"from": 700, "to": 950}, "id": 3, "p": 0.9},
        {"text": ".", "timestamps": {"from": "00:00:00,950", "to": "00:00:01,000"}, "offsets": {"from": 950, "to": 1000}, "id": 4, "p": 0.9},
        {"text": "[_TT_50]", "timestamps": {"from": "00:00:01,000", "to": "00:00:01,000"}, "offsets": {"from": 1000, "to": 1000}, "id": 50414, "p": 0.9}
      ]
    },
    {
      "timestamps": {"from": "00:00:01,000", "to": "00:00:03,700"},
      "offsets": {"from": 1000, "to": 3700},
      "text": " logró un 22%",
      "tokens": [
        {"text": " logr", "offsets": {"from": 1000, "to": 1300}, "id": 5, "p": 0.8},
        {"text": "ó", "offsets": {"from": 1300, "to": 1500}, "id": 6, "p": 0.8},
        {"text": " un", "offsets": {"from": 1500, "to": 1800}, "id": 7, "p": 0.8},
        {"text": " 22", "offsets": {"from": 1800, "to": 3000}, "id": 8, "p": 0.8},
        {"text": "%", "offsets": {"from": 3000, "to": 3700}, "id": 9, "p": 0.8},
        {"text": "<|endoftext|>", "offsets": {"from": 3700, "to": 3700}, "id": 50257, "p": 0.8}
      ]
    }
  ]
}`

func TestParseCppJSONMergesTokensIntoWords(t *testing.T) {
	t.Parallel()

	result, err := ParseCppJSON([]byte(cppFullJSON), true)
	require.NoError(t, err)
	require.Equal(t, "es", result.Language)
	require.Equal(t, " hola mundo. logró un 22%", result.Text)
	require.Len(t, result.Segments, 2)

	require.Equal(t, 0.0, result.Segments[0].Start)
	require.Equal(t, 1.0, result.Segments[0].End)
	require.Equal(t, []Word{
		{Text: " hola", Start: 0, End: 0.4},
		{Text: " mundo.", Start: 0.4, End: 1.0},
	}, result.Segments[0].Words)

	require.Equal(t, 3.7, result.Segments[1].End)
	require.Equal(t, []Word{
		{Text: " logró", Start: 1.0, End: 1.5},
		{Text: " un", Start: 1.5, End: 1.8},
		{Text: " 22%", Start: 1.8, End: 3.7},
	}, result.Segments[1].Words)
}

func TestParseCppJSONWithoutWords(t *testing.T) {
	t.Parallel()

	result, err := ParseCppJSON([]byte(cppFullJSON), false)
	require.NoError(t, err)
	for _, seg := range result.Segments {
		require.Empty(t, seg.Words)
	}
}

func TestParseCppJSONEmptyTranscription(t *testing.T) {
	t.Parallel()

	result, err := ParseCppJSON([]byte(`{"result":{"language":"es"},"transcription":[]}`), true)
	require.NoError(t, err)
	require.Empty(t, result.Segments)
	require.Empty(t, result.Text)
}

func TestParseCppJSONInvalid(t *testing.T) {
	t.Parallel()

	_, err := ParseCppJSON([]byte("not json"), true)
	require.Error(t, err)
}

func TestMergeTokensSkipsTokensWithoutOffsets(t *testing.T) {
	t.Parallel()

	words := mergeTokens([]cppToken{
		{Text: tokenText(" sin")},
		{Text: tokenText(" tiempo"), Offsets: &cppOffsets{From: 10, To: 20}},
	})
	require.Equal(t, []Word{{Text: " tiempo", Start: 0.01, End: 0.02}}, words)
}

func TestIsSpecialToken(t *testing.T) {
	t.Parallel()

	require.True(t, isSpecialToken("[_BEG_]"))
	require.True(t, isSpecialToken("[_TT_150]"))
	require.True(t, isSpecialToken("<|endoftext|>"))
	require.False(t, isSpecialToken(" hola"))
	require.False(t, isSpecialToken("<"))
}

func writeFakeWhisper(t *testing.T, dir, payload string) (exe string, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}

	argsFile = filepath.Join(dir, "args.txt")
	payloadFile := filepath.Join(dir, "payload.json")
	require.NoError(t, os.WriteFile(payloadFile, []byte(payload), 0o644))

	exe = filepath.Join(dir, "whisper-cli")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" > %q
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; fi
  shift
done
cp %q "$out.json"
`, argsFile, payloadFile)
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))
	return exe, argsFile
}

func TestCppEngineTranscribeRunsWhisperCLI(t *testing.T) {
	t.Setenv(WhisperPathEnv, "")

	dir := t.TempDir()
	exe, argsFile := writeFakeWhisper(t, dir, cppFullJSON)
	model := filepath.Join(dir, "ggml-base.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))

	engine, err := NewCppEngine(CppOptions{Executable: exe, ModelPath: model, Threads: 2})
	require.NoError(t, err)
	require.True(t, engine.RequiresWAV())
	engine.TempDir = dir

	result, err := engine.Transcribe(context.Background(), TranscriptionRequest{
		AudioPath:      filepath.Join(dir, "toma_1.wav"),
		Language:       "es",
		WordTimestamps: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Segments, 2)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(args), "-ojf")
	require.Contains(t, string(args), "-l es")
	require.Contains(t, string(args), "-t 2")
	require.Contains(t, string(args), "-m "+model)

	leftovers, err := filepath.Glob(filepath.Join(dir, "takestamps-*.json"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestCppEngineTranscribeReportsEngineFailure(t *testing.T) {
	t.Setenv(WhisperPathEnv, "")
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}

	dir := t.TempDir()
	exe := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\necho 'failed to read audio' >&2\nexit 3\n"), 0o755))
	model := filepath.Join(dir, "ggml-base.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))

	engine, err := NewCppEngine(CppOptions{Executable: exe, ModelPath: model})
	require.NoError(t, err)

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "broken.wav", Language: "es"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "failed to read audio"))
}

func TestNewCppEngineRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := NewCppEngine(CppOptions{})
	require.Error(t, err)

	_, err = NewCppEngine(CppOptions{ModelPath: filepath.Join(t.TempDir(), "missing.bin")})
	require.Error(t, err)
}

func TestNewCppEngineHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	exe, _ := writeFakeWhisper(t, dir, cppFullJSON)
	model := filepath.Join(dir, "ggml-base.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))

	t.Setenv(WhisperPathEnv, exe)
	engine, err := NewCppEngine(CppOptions{Executable: "/no/such/whisper", ModelPath: model})
	require.NoError(t, err)
	require.Equal(t, exe, engine.Executable)
}

func TestResolveExecutableWithoutEngineOnPath(t *testing.T) {
	t.Setenv(WhisperPathEnv, "")
	t.Setenv("PATH", t.TempDir())

	_, err := ResolveExecutable("")
	require.ErrorContains(t, err, "whisper engine not found on PATH")
}

func TestParseCppJSONJoinsCharacterSplitAcrossTokens(t *testing.T) {
	t.Parallel()

	// "á" is 0xC3 0xA1; byte-level BPE may emit each byte as its own token.
	content := []byte(`{"result":{"language":"es"},"transcription":[{` +
		`"offsets":{"from":0,"to":900},"text":" está niño","tokens":[` +
		`{"text":" est","offsets":{"from":0,"to":300}},` +
		`{"text":"` + "\xc3" + `","offsets":{"from":300,"to":350}},` +
		`{"text":"` + "\xa1" + `","offsets":{"from":350,"to":400}},` +
		`{"text":" ni\u00f1o","offsets":{"from":400,"to":900}}]}]}`)

	result, err := ParseCppJSON(content, true)
	require.NoError(t, err)
	require.Equal(t, []Word{
		{Text: " está", Start: 0, End: 0.4},
		{Text: " niño", Start: 0.4, End: 0.9},
	}, result.Segments[0].Words)
}

func TestTokenTextUnquote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `" hola"`, want: " hola"},
		{name: "escapes", in: `"a\"b\\c\/d\n"`, want: "a\"b\\c/d\n"},
		{name: "unicode", in: `"\u00f1"`, want: "ñ"},
		{name: "surrogate pair", in: `"\ud83d\ude00"`, want: "😀"},
		{name: "raw partial byte", in: "\"\xc3\"", want: "\xc3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got tokenText
			require.NoError(t, got.UnmarshalJSON([]byte(tt.in)))
			require.Equal(t, []byte(tt.want), []byte(got))
		})
	}

	var bad tokenText
	require.Error(t, bad.UnmarshalJSON([]byte(`"\q"`)))
	require.Error(t, bad.UnmarshalJSON([]byte(`12`)))
}

func TestMergeTokensDropsDanglingPartialCharacter(t *testing.T) {
	t.Parallel()

	words := mergeTokens([]cppToken{
		{Text: tokenText(" ni"), Offsets: &cppOffsets{From: 0, To: 100}},
		{Text: tokenText("\xc3"), Offsets: &cppOffsets{From: 100, To: 200}},
	})
	require.Equal(t, []Word{{Text: " ni", Start: 0, End: 0.2}}, words)
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}

func TestIsIllegalInstructionError(t *testing.T) {
	t.Parallel()

	require.True(t, isIllegalInstructionError("signal: illegal instruction (core dumped)"))
	require.False(t, isIllegalInstructionError(""))
}
